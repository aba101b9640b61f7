package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Sisyphus/pkg/broker"
	sdkerrors "github.com/wehubfusion/Sisyphus/pkg/errors"
)

// Defaults for waiting on a remote job when the profile does not set them.
const (
	defaultWaitTimeout   = time.Hour
	defaultCheckInterval = 30 * time.Second
)

// runRemote packages the whole dispatch call as one batch job, submits it
// to the broker, and (unless detached) waits for and fetches the result.
// detached reports fire-and-forget submission with no result to merge.
func (e *Engine) runRemote(ctx context.Context, profile *RemoteProfile, op Operation,
	items []interface{}, args Args, opts Options) (merged []interface{}, detached bool, err error) {

	if e.broker == nil {
		return nil, false, sdkerrors.NewError("NO_BROKER",
			"remote profile resolved but engine has no broker", sdkerrors.ErrInvalidArgument)
	}

	call := remoteCall{
		Function:   op.Name(),
		Args:       args,
		Items:      items,
		ChunkSize:  opts.ChunkSize,
		Slot:       opts.Slot,
		SkipFailed: opts.SkipFailed,
	}
	encoded, err := encodeCall(call)
	if err != nil {
		return nil, false, err
	}

	hash, err := CallHash(op.Name(), args, items, opts.HashIgnore)
	if err != nil {
		return nil, false, err
	}

	jobName := profile.JobName
	if jobName == "" {
		jobName = op.Name()
	}

	// The working directory is always staged out so arbitrary artifacts
	// produced by the operation come back with the result.
	outputFiles := append([]string{}, profile.OutputFiles...)
	outputFiles = append(outputFiles, ".")

	bundle := broker.NewBundle(jobName, op.Name()).
		WithArgs(encoded).
		WithHash(hash).
		WithCommands(profile.PreCmds, profile.PostCmds).
		WithEnv(profile.EnvVars).
		WithFiles(append([]string{}, profile.InputFiles...), outputFiles).
		WithTarget(profile.SysName, profile.Resources, profile.HeaderExtra,
			profile.ExactResources, profile.PartialNode)

	handle, err := e.broker.Submit(ctx, bundle)
	if err != nil {
		return nil, false, sdkerrors.NewError("SUBMIT_FAILED", "broker rejected job bundle", err)
	}
	e.logger.Info("submitted remote job",
		zap.String("job_id", handle.ID()),
		zap.String("function", op.Name()),
		zap.String("system", profile.SysName),
		zap.String("hash", hash))

	if opts.Detach {
		return nil, true, nil
	}

	timeout := profile.Timeout.Std()
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	interval := profile.CheckInterval.Std()
	if interval <= 0 {
		interval = defaultCheckInterval
	}

	result, err := e.broker.WaitForResult(ctx, handle, timeout, interval)
	if err != nil {
		return nil, false, sdkerrors.NewError("JOB_INCOMPLETE", "remote job did not produce a result", err)
	}

	// Remote streams are always surfaced to the caller's own streams.
	if result.Stdout != "" {
		_, _ = os.Stdout.WriteString(result.Stdout)
	}
	if result.Stderr != "" {
		_, _ = os.Stderr.WriteString(result.Stderr)
	}

	if err := json.Unmarshal(result.Payload, &merged); err != nil {
		return nil, false, sdkerrors.NewError("RESULT_DECODE_FAILED",
			"completed job returned unreadable result data", sdkerrors.ErrResultUnreadable)
	}

	if err := e.broker.MarkProcessed(ctx, handle); err != nil {
		return nil, false, sdkerrors.NewError("MARK_PROCESSED_FAILED",
			"cannot mark remote job as processed", err)
	}

	return merged, false, nil
}
