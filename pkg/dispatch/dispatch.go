// Package dispatch applies a user-supplied operation to an ordered
// collection of opaque work items, executing it either on a local worker
// pool or as a single batch job on a remote system, with results merged
// back in input order.
//
// The engine chunks the input, decides per call whether to go remote (by
// resolving a remote profile from explicit arguments or the configured
// default), and routes the call to one of the two backends. Ordering, the
// skip-failed contract, and the remote recursion guard are independent of
// which backend runs the work.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Sisyphus/pkg/broker"
	sdkerrors "github.com/wehubfusion/Sisyphus/pkg/errors"
	"github.com/wehubfusion/Sisyphus/pkg/workset"
)

// Serial forces every chunk to run synchronously in the calling goroutine,
// regardless of the engine's configured default pool size.
const Serial = -1

// Options controls one dispatch call.
type Options struct {
	// ChunkSize is the number of items handed to each operation
	// invocation. Values below one mean one item per chunk.
	ChunkSize int

	// PoolSize is the local worker count. Zero uses the engine's
	// configured default; Serial runs chunks in the caller.
	PoolSize int

	// Slot names where the chunk is substituted into the operation's
	// arguments. The zero value is positional index 0.
	Slot Slot

	// SkipFailed drops chunk results equal to "no result" instead of
	// propagating them as empty slots.
	SkipFailed bool

	// Initializer runs once per pool worker before its first chunk,
	// with InitArgs. Remote jobs start fresh and never run it.
	Initializer Initializer
	InitArgs    []interface{}

	// Remote requests remote execution: an explicit profile, a raw
	// value to resolve, or the ignore sentinel. Nil consults the
	// engine's configured default.
	Remote *RemoteInfo

	// Label, when equal to a profile-table key verbatim, selects that
	// key without call-path matching.
	Label string

	// HashIgnore names keyword arguments excluded from the remote call
	// hash, so changing only them never forces a resubmission.
	HashIgnore []string

	// CallPath is the explicit dispatch context matched against
	// profile-table keys.
	CallPath CallPath

	// Detach submits the remote job and returns immediately with no
	// result, leaving the job to be fetched later.
	Detach bool
}

// DefaultOptions returns the conventional options: one item per chunk and
// failed chunks skipped.
func DefaultOptions() Options {
	return Options{ChunkSize: 1, SkipFailed: true}
}

// Engine routes dispatch calls to the local pool or the remote queue. An
// engine is immutable after construction and safe for concurrent use.
type Engine struct {
	cfg      Config
	broker   broker.Broker
	resolver *Resolver
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewEngine creates an engine with the given configuration. The broker may
// be nil for engines that only ever dispatch locally; a dispatch call that
// resolves a remote profile on a brokerless engine fails. The logger must
// not be nil.
func NewEngine(cfg Config, brk broker.Broker, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Engine{
		cfg:      cfg,
		broker:   brk,
		resolver: NewResolver(cfg.RemoteInfo, logger),
		logger:   logger,
		tracer:   otel.Tracer("sisyphus/dispatch"),
	}, nil
}

// Run applies op to every chunk of inputs and merges the per-chunk outputs
// in input order. When outputs is non-nil the merged result is written to
// it and returned as its input set; when the sink reports itself already
// fully written the operation is not invoked at all. A detached remote
// dispatch returns a nil input set.
func (e *Engine) Run(ctx context.Context, op Operation, inputs workset.InputSet,
	outputs workset.OutputSink, args Args, opts Options) (workset.InputSet, error) {

	if op == nil {
		return nil, sdkerrors.NewError("BAD_CALL", "operation cannot be nil", sdkerrors.ErrInvalidArgument)
	}
	if inputs == nil {
		return nil, sdkerrors.NewError("BAD_CALL", "inputs cannot be nil", sdkerrors.ErrInvalidArgument)
	}
	if opts.Slot.Name == "" && (opts.Slot.Index < 0 || opts.Slot.Index > len(args.Positional)) {
		return nil, sdkerrors.NewError("BAD_CALL",
			fmt.Sprintf("not enough positional arguments for slot %d", opts.Slot.Index),
			sdkerrors.ErrInvalidArgument)
	}

	if outputs != nil && outputs.IsDone() {
		e.logger.Info("output already done, skipping operation", zap.String("function", op.Name()))
		return outputs.ToInputSet(), nil
	}

	ctx, span := e.tracer.Start(ctx, "dispatch.Run",
		trace.WithAttributes(attribute.String("function", op.Name())))
	defer span.End()

	profile, err := e.resolver.Resolve(opts.Remote, opts.CallPath, opts.Label)
	if err != nil {
		// Malformed remote configuration falls back to local
		// execution rather than aborting the dispatch.
		e.logger.Warn("remote profile resolution failed, running locally",
			zap.String("function", op.Name()), zap.Error(err))
		profile = nil
	}

	var merged []interface{}
	if profile != nil {
		items, merr := inputs.Materialize(ctx)
		if merr != nil {
			span.SetStatus(codes.Error, merr.Error())
			return nil, merr
		}
		var detached bool
		merged, detached, err = e.runRemote(ctx, profile, op, items, args, opts)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if detached {
			return nil, nil
		}
	} else {
		merged, err = e.runLocal(ctx, op, inputs, args, opts)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	if outputs != nil {
		if err := outputs.Write(ctx, merged); err != nil {
			return nil, err
		}
		if err := outputs.Done(); err != nil {
			return nil, err
		}
		return outputs.ToInputSet(), nil
	}
	return workset.NewMemorySet(merged...), nil
}

// runLocal chunks the inputs and executes them on the pool backend.
func (e *Engine) runLocal(ctx context.Context, op Operation, inputs workset.InputSet,
	args Args, opts Options) ([]interface{}, error) {

	items, err := inputs.Materialize(ctx)
	if err != nil {
		return nil, err
	}
	chunks := makeChunks(items, opts.ChunkSize)

	size := opts.PoolSize
	switch {
	case size == 0:
		size = e.cfg.PoolSize
	case size < 0:
		size = 0
	}

	pool := &localPool{
		size:        size,
		op:          op,
		slot:        opts.Slot,
		args:        args,
		initializer: opts.Initializer,
		initArgs:    opts.InitArgs,
		logger:      e.logger,
	}
	outputs, err := pool.run(ctx, chunks)
	if err != nil {
		return nil, err
	}
	return mergeChunkOutputs(outputs, opts.SkipFailed), nil
}
