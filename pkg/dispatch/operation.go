package dispatch

import (
	"context"
	"fmt"
	"sync"

	sdkerrors "github.com/wehubfusion/Sisyphus/pkg/errors"
)

// Args carries the positional and keyword arguments of one operation call.
// The engine substitutes each chunk of work items into the slot the caller
// names before invoking the operation.
type Args struct {
	Positional []interface{}          `json:"positional,omitempty"`
	Keyword    map[string]interface{} `json:"keyword,omitempty"`
}

// Clone returns a copy whose containers are independent of the original.
func (a Args) Clone() Args {
	out := Args{}
	if a.Positional != nil {
		out.Positional = make([]interface{}, len(a.Positional))
		copy(out.Positional, a.Positional)
	}
	if a.Keyword != nil {
		out.Keyword = make(map[string]interface{}, len(a.Keyword))
		for k, v := range a.Keyword {
			out.Keyword[k] = v
		}
	}
	return out
}

// Slot names the argument position the chunk is substituted into: either a
// positional index or a keyword name.
type Slot struct {
	Index int    `json:"index"`
	Name  string `json:"name,omitempty"`
}

// PositionalSlot places chunks at the given positional index.
func PositionalSlot(index int) Slot { return Slot{Index: index} }

// KeywordSlot places chunks under the given keyword name.
func KeywordSlot(name string) Slot { return Slot{Index: -1, Name: name} }

// place returns a copy of args with the chunk substituted into the slot.
func (s Slot) place(args Args, chunk []interface{}) (Args, error) {
	out := args.Clone()
	if s.Name != "" {
		if out.Keyword == nil {
			out.Keyword = make(map[string]interface{}, 1)
		}
		out.Keyword[s.Name] = chunk
		return out, nil
	}
	if s.Index < 0 || s.Index > len(out.Positional) {
		return Args{}, sdkerrors.NewError("BAD_SLOT",
			fmt.Sprintf("positional slot %d exceeds argument count %d", s.Index, len(out.Positional)),
			sdkerrors.ErrInvalidArgument)
	}
	if s.Index == len(out.Positional) {
		out.Positional = append(out.Positional, interface{}(chunk))
		return out, nil
	}
	out.Positional[s.Index] = chunk
	return out, nil
}

// Operation is a user-supplied function applied to chunks of work items.
// It returns the outputs for one chunk, or a nil slice as the explicit
// "nothing produced" signal.
type Operation interface {
	// Name is the registered name under which remote workers look the
	// operation up.
	Name() string

	// Apply invokes the operation with the chunk already substituted
	// into the arguments.
	Apply(ctx context.Context, args Args) ([]interface{}, error)
}

// OperationFunc adapts a function to the Operation interface.
type OperationFunc struct {
	name string
	fn   func(ctx context.Context, args Args) ([]interface{}, error)
}

// NewOperation wraps fn as a named operation.
func NewOperation(name string, fn func(ctx context.Context, args Args) ([]interface{}, error)) *OperationFunc {
	return &OperationFunc{name: name, fn: fn}
}

// Name implements Operation.
func (o *OperationFunc) Name() string { return o.name }

// Apply implements Operation.
func (o *OperationFunc) Apply(ctx context.Context, args Args) ([]interface{}, error) {
	return o.fn(ctx, args)
}

// Initializer is run once per worker before it processes any chunk, for
// one-time setup such as opening a resource. Only meaningful for the pool
// backend; remote jobs start in a fresh environment.
type Initializer func(ctx context.Context, args []interface{}) error

// registry maps operation names to implementations so the remote worker
// can execute the function a bundle names.
var (
	registryMu sync.RWMutex
	registry   = make(map[string]Operation)
)

// Register makes an operation available for remote execution under its
// name. Registering the same name twice replaces the earlier operation.
func Register(op Operation) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[op.Name()] = op
}

// Lookup returns the operation registered under name.
func Lookup(name string) (Operation, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	op, ok := registry[name]
	if !ok {
		return nil, sdkerrors.NewError("UNKNOWN_OPERATION",
			fmt.Sprintf("no operation registered as %q", name), sdkerrors.ErrInvalidArgument)
	}
	return op, nil
}
