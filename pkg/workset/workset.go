// Package workset defines the narrow collaborator interfaces through which
// the dispatch engine consumes bounded or streaming collections of opaque
// work items, together with in-memory implementations suitable for tests
// and small pipelines. The engine never inspects item content, only order.
package workset

import (
	"context"
	"sync"

	sdkerrors "github.com/wehubfusion/Sisyphus/pkg/errors"
)

// InputSet is an ordered, iterable collection of opaque work items.
type InputSet interface {
	// Iterate calls fn for every item in order. Iteration stops on the
	// first error, which is returned to the caller.
	Iterate(ctx context.Context, fn func(item interface{}) error) error

	// Materialize returns all items as an in-memory ordered slice.
	// Required before items can be staged into a remote job bundle.
	Materialize(ctx context.Context) ([]interface{}, error)
}

// OutputSink receives the merged output of a dispatch call.
type OutputSink interface {
	// IsDone reports whether the sink has already been fully written by a
	// previous run, in which case the whole dispatch is skipped.
	IsDone() bool

	// Write appends items to the sink in dispatch order.
	Write(ctx context.Context, items []interface{}) error

	// Done marks the sink fully written.
	Done() error

	// ToInputSet converts the written output into an input set for the
	// next pipeline stage.
	ToInputSet() InputSet
}

// MemorySet is an in-memory InputSet backed by a slice.
type MemorySet struct {
	items []interface{}
}

// NewMemorySet creates an input set holding the given items in order.
func NewMemorySet(items ...interface{}) *MemorySet {
	return &MemorySet{items: items}
}

// Iterate implements InputSet.
func (s *MemorySet) Iterate(ctx context.Context, fn func(item interface{}) error) error {
	for _, item := range s.items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}

// Materialize implements InputSet. The returned slice is a copy.
func (s *MemorySet) Materialize(ctx context.Context) ([]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]interface{}, len(s.items))
	copy(out, s.items)
	return out, nil
}

// Len returns the number of items in the set.
func (s *MemorySet) Len() int {
	return len(s.items)
}

// MemorySink is an in-memory OutputSink. It is safe for use from a single
// dispatch call; the engine writes merged output sequentially.
type MemorySink struct {
	mu    sync.Mutex
	items []interface{}
	done  bool
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// IsDone implements OutputSink.
func (s *MemorySink) IsDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Write implements OutputSink.
func (s *MemorySink) Write(ctx context.Context, items []interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return sdkerrors.NewError("SINK_DONE", "cannot write to a sink that is already done", sdkerrors.ErrInvalidArgument)
	}
	s.items = append(s.items, items...)
	return nil
}

// Done implements OutputSink.
func (s *MemorySink) Done() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	return nil
}

// ToInputSet implements OutputSink.
func (s *MemorySink) ToInputSet() InputSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]interface{}, len(s.items))
	copy(items, s.items)
	return &MemorySet{items: items}
}

// Items returns a snapshot of the written items.
func (s *MemorySink) Items() []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]interface{}, len(s.items))
	copy(out, s.items)
	return out
}
