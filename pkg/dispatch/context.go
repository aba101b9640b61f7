package dispatch

import (
	"path/filepath"
	"runtime"
)

// CallSite is one entry of the dispatch call path: where a dispatching
// routine lives and what it is called. Profile tables are keyed by patterns
// matched against the rendered "location::operation" form.
type CallSite struct {
	// Location identifies the source of the call, typically a file name.
	Location string

	// Operation is the name of the calling routine.
	Operation string
}

// String renders the call site in the form matched by profile-table keys.
func (c CallSite) String() string {
	return c.Location + "::" + c.Operation
}

// CallPath is the outer-to-inner sequence of call sites leading to one
// dispatch call. It is an explicit record built at each call site and
// passed down, not an introspected execution stack.
type CallPath []CallSite

// Push returns a new path with the given site appended as innermost entry.
// The receiver is not modified.
func (p CallPath) Push(site CallSite) CallPath {
	out := make(CallPath, len(p), len(p)+1)
	copy(out, p)
	return append(out, site)
}

// Strings renders every call site outer to inner.
func (p CallPath) Strings() []string {
	out := make([]string, len(p))
	for i, site := range p {
		out[i] = site.String()
	}
	return out
}

// Here builds a call site for the caller's own source location and the
// given operation name. Convenience for call sites that do not carry an
// explicit location of their own.
func Here(operation string) CallSite {
	_, file, _, ok := runtime.Caller(1)
	if !ok {
		return CallSite{Location: "unknown", Operation: operation}
	}
	return CallSite{Location: filepath.Base(file), Operation: operation}
}

// Caller builds a call site from the calling function itself, deriving
// both location and operation name.
func Caller() CallSite {
	pc, file, _, ok := runtime.Caller(1)
	if !ok {
		return CallSite{Location: "unknown", Operation: "unknown"}
	}
	operation := "unknown"
	if fn := runtime.FuncForPC(pc); fn != nil {
		operation = filepath.Ext(fn.Name())
		if operation == "" {
			operation = fn.Name()
		} else {
			operation = operation[1:]
		}
	}
	return CallSite{Location: filepath.Base(file), Operation: operation}
}
