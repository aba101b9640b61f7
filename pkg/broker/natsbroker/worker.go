package natsbroker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	natsclient "github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wehubfusion/Sisyphus/pkg/broker"
	"github.com/wehubfusion/Sisyphus/pkg/dispatch"
	sdkerrors "github.com/wehubfusion/Sisyphus/pkg/errors"
)

// Worker is the remote-side job executor: it pulls bundles for one target
// system from the job stream, runs the operation each bundle names through
// the dispatch registry, and publishes completion data. Each job executes
// with the ignore sentinel, so work that itself dispatches remotely runs
// locally inside the job instead of submitting again.
type Worker struct {
	broker      *Broker
	engine      *dispatch.Engine
	system      string
	concurrency int
	logger      *zap.Logger

	// execMu serializes job execution: each job mutates process-wide
	// state (environment overrides, the captured standard streams), so
	// only one bundle may run at a time. Fetching, decoding and result
	// publication still overlap up to the configured concurrency.
	execMu sync.Mutex
}

// NewWorker creates a worker serving the named system. Concurrency bounds
// how many jobs are in flight at once; values below one mean one at a
// time. Execution itself is always serialized, see Worker.execMu.
func NewWorker(b *Broker, engine *dispatch.Engine, system string, concurrency int, logger *zap.Logger) (*Worker, error) {
	if b == nil {
		return nil, sdkerrors.NewError("BAD_CONFIG", "broker cannot be nil", sdkerrors.ErrInvalidArgument)
	}
	if engine == nil {
		return nil, sdkerrors.NewError("BAD_CONFIG", "engine cannot be nil", sdkerrors.ErrInvalidArgument)
	}
	if system == "" {
		return nil, sdkerrors.NewError("BAD_CONFIG", "system name cannot be empty", sdkerrors.ErrInvalidArgument)
	}
	if logger == nil {
		return nil, sdkerrors.NewError("BAD_CONFIG", "logger cannot be nil", sdkerrors.ErrInvalidArgument)
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{broker: b, engine: engine, system: system, concurrency: concurrency, logger: logger}, nil
}

// Run consumes jobs until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	sub, err := w.broker.js.PullSubscribe("jobs."+w.system, "sisyphus-worker-"+w.system,
		natsclient.BindStream(w.broker.cfg.JobStream))
	if err != nil {
		return sdkerrors.NewError("SUBSCRIBE_FAILED",
			fmt.Sprintf("cannot subscribe to jobs for system %q", w.system), err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	w.logger.Info("worker started", zap.String("system", w.system), zap.Int("concurrency", w.concurrency))

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(w.concurrency)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping", zap.String("system", w.system))
			_ = group.Wait()
			return ctx.Err()
		default:
		}

		msgs, err := sub.Fetch(1, natsclient.MaxWait(2*time.Second))
		if err != nil {
			if errors.Is(err, natsclient.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				_ = group.Wait()
				return ctx.Err()
			}
			w.logger.Error("error fetching jobs", zap.Error(err))
			continue
		}

		for _, msg := range msgs {
			msg := msg
			group.Go(func() error {
				w.handle(ctx, msg)
				return nil
			})
		}
	}
}

// handle executes one job message and publishes its result. Jobs that fail
// still publish a result carrying their streams, then the message is acked;
// undecodable messages are terminated so they are not redelivered forever.
func (w *Worker) handle(ctx context.Context, msg *natsclient.Msg) {
	var bundle broker.Bundle
	if err := json.Unmarshal(msg.Data, &bundle); err != nil {
		w.logger.Error("discarding undecodable job", zap.Error(err))
		_ = msg.Term()
		return
	}

	w.logger.Info("executing job",
		zap.String("name", bundle.Name),
		zap.String("function", bundle.Function),
		zap.String("hash", bundle.Hash))

	payload, stdout, stderr, err := w.execute(ctx, &bundle)
	result := &broker.Result{Payload: payload, Stdout: stdout, Stderr: stderr}
	if err != nil {
		// The error is surfaced through the captured stderr; the
		// waiter sees a result with no payload.
		result.Stderr = result.Stderr + "\njob failed: " + err.Error() + "\n"
		w.logger.Error("job failed", zap.String("name", bundle.Name), zap.Error(err))
	}

	if perr := w.broker.PublishResult(ctx, bundle.Hash, result); perr != nil {
		w.logger.Error("cannot publish job result", zap.String("hash", bundle.Hash), zap.Error(perr))
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}

// execute runs one bundle: environment overrides applied, pre-commands,
// the dispatched call, post-commands, with both standard streams captured.
// Bundles run one at a time under execMu so the process-global environment
// and stream redirection never see two jobs at once.
func (w *Worker) execute(ctx context.Context, bundle *broker.Bundle) (payload json.RawMessage, stdout, stderr string, err error) {
	w.execMu.Lock()
	defer w.execMu.Unlock()

	restore := applyEnv(bundle.EnvVars)
	defer restore()

	stdout, stderr, err = captureStreams(func() error {
		for _, cmd := range bundle.PreCmds {
			if cerr := runShell(ctx, cmd); cerr != nil {
				return sdkerrors.NewError("PRE_CMD_FAILED", fmt.Sprintf("pre-run command %q failed", cmd), cerr)
			}
		}

		var xerr error
		payload, xerr = dispatch.ExecuteBundle(ctx, w.engine, bundle)
		if xerr != nil {
			return xerr
		}

		for _, cmd := range bundle.PostCmds {
			if cerr := runShell(ctx, cmd); cerr != nil {
				return sdkerrors.NewError("POST_CMD_FAILED", fmt.Sprintf("post-run command %q failed", cmd), cerr)
			}
		}
		return nil
	})
	return payload, stdout, stderr, err
}

func runShell(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// applyEnv sets the job's environment overrides and returns a function
// restoring the previous values.
func applyEnv(env map[string]string) func() {
	prev := make(map[string]*string, len(env))
	for key, value := range env {
		if old, ok := os.LookupEnv(key); ok {
			old := old
			prev[key] = &old
		} else {
			prev[key] = nil
		}
		os.Setenv(key, value)
	}
	return func() {
		for key, old := range prev {
			if old == nil {
				os.Unsetenv(key)
			} else {
				os.Setenv(key, *old)
			}
		}
	}
}

// captureStreams runs fn with os.Stdout and os.Stderr redirected into
// buffers, so a job's output can be shipped back with its result the way
// a batch scheduler returns job logs.
func captureStreams(fn func() error) (stdout, stderr string, err error) {
	outR, outW, perr := os.Pipe()
	if perr != nil {
		return "", "", perr
	}
	errR, errW, perr := os.Pipe()
	if perr != nil {
		outR.Close()
		outW.Close()
		return "", "", perr
	}

	origOut, origErr := os.Stdout, os.Stderr
	os.Stdout, os.Stderr = outW, errW

	var outBuf, errBuf bytes.Buffer
	done := make(chan struct{}, 2)
	go func() { _, _ = io.Copy(&outBuf, outR); done <- struct{}{} }()
	go func() { _, _ = io.Copy(&errBuf, errR); done <- struct{}{} }()

	err = fn()

	os.Stdout, os.Stderr = origOut, origErr
	outW.Close()
	errW.Close()
	<-done
	<-done
	outR.Close()
	errR.Close()

	return outBuf.String(), errBuf.String(), err
}
