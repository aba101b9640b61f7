// Package natsbroker implements the job broker over NATS JetStream. Jobs
// are published to a job stream keyed by target system; the remote-side
// worker executes them and publishes completion data to a result stream
// keyed by the job's content hash, which also gives submission-level
// deduplication: a bundle whose hash already has a result is recognized as
// completed work and never resubmitted. When the caller marks a hash
// processed its result counts as consumed and the deduplication ends.
package natsbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	natsclient "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	internalnats "github.com/wehubfusion/Sisyphus/internal/nats"
	"github.com/wehubfusion/Sisyphus/pkg/broker"
	sdkerrors "github.com/wehubfusion/Sisyphus/pkg/errors"
)

// Broker is a JetStream-backed job broker.
type Broker struct {
	conn   *natsclient.Conn
	js     natsclient.JetStreamContext
	cfg    *internalnats.ConnectionConfig
	logger *zap.Logger
}

// jobHandle identifies one submitted job. Completed is set when submission
// found the work already done.
type jobHandle struct {
	id        string
	hash      string
	completed bool
}

// ID implements broker.Handle.
func (h *jobHandle) ID() string { return h.id }

// Connect establishes the broker's NATS connection and ensures its streams
// exist. The logger must not be nil.
func Connect(ctx context.Context, cfg *internalnats.ConnectionConfig, logger *zap.Logger) (*Broker, error) {
	if cfg == nil {
		return nil, sdkerrors.NewError("BAD_CONFIG", "connection config cannot be nil", sdkerrors.ErrInvalidArgument)
	}
	if logger == nil {
		return nil, sdkerrors.NewError("BAD_CONFIG", "logger cannot be nil", sdkerrors.ErrInvalidArgument)
	}

	conn, err := internalnats.Connect(ctx, cfg)
	if err != nil {
		return nil, sdkerrors.NewError("CONNECTION_FAILED", "failed to connect to NATS", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		_ = internalnats.Close(conn)
		return nil, sdkerrors.NewError("JETSTREAM_NOT_ENABLED", "JetStream is not enabled on the NATS server", err)
	}

	b := &Broker{conn: conn, js: js, cfg: cfg, logger: logger}
	if err := b.ensureStream(cfg.JobStream, "jobs.>"); err != nil {
		_ = internalnats.Close(conn)
		return nil, err
	}
	if err := b.ensureStream(cfg.ResultStream, "result.>", "processed.>"); err != nil {
		_ = internalnats.Close(conn)
		return nil, err
	}
	return b, nil
}

// ensureStream creates the stream if it does not exist yet.
func (b *Broker) ensureStream(name string, subjects ...string) error {
	_, err := b.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, natsclient.ErrStreamNotFound) {
		return sdkerrors.NewError("STREAM_LOOKUP_FAILED",
			fmt.Sprintf("cannot inspect stream %q", name), err)
	}

	b.logger.Info("creating stream", zap.String("stream", name), zap.Strings("subjects", subjects))
	_, err = b.js.AddStream(&natsclient.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Storage:   natsclient.FileStorage,
		Retention: natsclient.LimitsPolicy,
	})
	if err != nil {
		return sdkerrors.NewError("STREAM_CREATE_FAILED",
			fmt.Sprintf("cannot create stream %q", name), err)
	}
	return nil
}

// Close drains the broker's connection.
func (b *Broker) Close() error {
	return internalnats.Close(b.conn)
}

// Submit implements broker.Broker. A bundle whose hash already has an
// unconsumed result in the result stream is returned as completed instead
// of being queued again. Once MarkProcessed has consumed that result the
// deduplication no longer applies and an identical bundle runs afresh.
func (b *Broker) Submit(ctx context.Context, bundle *broker.Bundle) (broker.Handle, error) {
	if bundle == nil {
		return nil, sdkerrors.NewError("BAD_BUNDLE", "bundle cannot be nil", sdkerrors.ErrInvalidArgument)
	}
	if bundle.SystemName == "" {
		return nil, sdkerrors.NewError("BAD_BUNDLE", "bundle has no target system", sdkerrors.ErrInvalidArgument)
	}

	handle := &jobHandle{id: uuid.NewString(), hash: bundle.Hash}
	if handle.hash == "" {
		handle.hash = handle.id
	}

	if !b.isProcessed(handle.hash) {
		if _, err := b.js.GetLastMsg(b.cfg.ResultStream, "result."+handle.hash); err == nil {
			b.logger.Info("equivalent job already completed, not resubmitting",
				zap.String("hash", handle.hash), zap.String("name", bundle.Name))
			handle.completed = true
			return handle, nil
		}
	}

	payload, err := json.Marshal(bundle)
	if err != nil {
		return nil, sdkerrors.NewError("BUNDLE_ENCODE_FAILED", "cannot encode job bundle", err)
	}

	subject := "jobs." + bundle.SystemName
	if _, err := b.js.Publish(subject, payload, natsclient.Context(ctx), natsclient.MsgId(handle.hash)); err != nil {
		return nil, sdkerrors.NewError("SUBMIT_FAILED",
			fmt.Sprintf("cannot publish job to %q", subject), err)
	}

	b.logger.Info("job submitted",
		zap.String("job_id", handle.id),
		zap.String("subject", subject),
		zap.String("name", bundle.Name))
	return handle, nil
}

// WaitForResult implements broker.Broker, polling the result stream at the
// given interval until the job completes or the timeout elapses. Timing
// out leaves the remote job running.
func (b *Broker) WaitForResult(ctx context.Context, h broker.Handle, timeout, interval time.Duration) (*broker.Result, error) {
	handle, ok := h.(*jobHandle)
	if !ok {
		return nil, sdkerrors.NewError("BAD_HANDLE", "handle was not issued by this broker", sdkerrors.ErrInvalidArgument)
	}

	// Submission already found the result, so there is nothing to poll for.
	if handle.completed {
		return b.fetchResult(handle)
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if result, err := b.fetchResult(handle); err == nil {
			return result, nil
		} else if !isNotFound(err) {
			return nil, err
		}

		if time.Now().After(deadline) {
			return nil, sdkerrors.NewError("WAIT_TIMEOUT",
				fmt.Sprintf("job %s not complete after %s", handle.id, timeout), sdkerrors.ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Broker) fetchResult(handle *jobHandle) (*broker.Result, error) {
	msg, err := b.js.GetLastMsg(b.cfg.ResultStream, "result."+handle.hash)
	if err != nil {
		return nil, err
	}
	var result broker.Result
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		return nil, sdkerrors.NewError("RESULT_DECODE_FAILED",
			"stored job result is unreadable", sdkerrors.ErrResultUnreadable)
	}
	return &result, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, natsclient.ErrMsgNotFound)
}

// isProcessed reports whether a processed marker exists for the hash,
// meaning the result stored under it has already been consumed.
func (b *Broker) isProcessed(hash string) bool {
	_, err := b.js.GetLastMsg(b.cfg.ResultStream, "processed."+hash)
	return err == nil
}

// MarkProcessed implements broker.Broker by publishing a processed marker
// for the job's hash. A marked hash is no longer treated as completed work
// by Submit, so the same bundle submitted again runs a fresh job.
func (b *Broker) MarkProcessed(ctx context.Context, h broker.Handle) error {
	handle, ok := h.(*jobHandle)
	if !ok {
		return sdkerrors.NewError("BAD_HANDLE", "handle was not issued by this broker", sdkerrors.ErrInvalidArgument)
	}
	_, err := b.js.Publish("processed."+handle.hash, []byte(handle.id), natsclient.Context(ctx))
	if err != nil {
		return sdkerrors.NewError("MARK_PROCESSED_FAILED",
			fmt.Sprintf("cannot publish processed marker for job %s", handle.id), err)
	}
	return nil
}

// PublishResult stores completion data for a job hash. It is called by the
// remote-side worker when a job finishes.
func (b *Broker) PublishResult(ctx context.Context, hash string, result *broker.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return sdkerrors.NewError("RESULT_ENCODE_FAILED", "cannot encode job result", err)
	}
	if _, err := b.js.Publish("result."+hash, payload, natsclient.Context(ctx)); err != nil {
		return sdkerrors.NewError("RESULT_PUBLISH_FAILED",
			fmt.Sprintf("cannot publish result for hash %s", hash), err)
	}
	return nil
}
