package natsbroker

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	natsclient "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	internalnats "github.com/wehubfusion/Sisyphus/internal/nats"
	"github.com/wehubfusion/Sisyphus/pkg/broker"
	sdkerrors "github.com/wehubfusion/Sisyphus/pkg/errors"
)

// fakeJS stands in for JetStream, keeping the last message per subject.
// Only the methods the broker calls are implemented; anything else panics
// through the embedded nil interface.
type fakeJS struct {
	natsclient.JetStreamContext
	msgs      map[string][]byte
	published []string
}

func newFakeJS() *fakeJS {
	return &fakeJS{msgs: make(map[string][]byte)}
}

func (f *fakeJS) GetLastMsg(stream, subject string, opts ...natsclient.JSOpt) (*natsclient.RawStreamMsg, error) {
	data, ok := f.msgs[subject]
	if !ok {
		return nil, natsclient.ErrMsgNotFound
	}
	return &natsclient.RawStreamMsg{Subject: subject, Data: data}, nil
}

func (f *fakeJS) Publish(subject string, data []byte, opts ...natsclient.PubOpt) (*natsclient.PubAck, error) {
	f.msgs[subject] = data
	f.published = append(f.published, subject)
	return &natsclient.PubAck{Stream: "fake"}, nil
}

func (f *fakeJS) jobsPublished() int {
	n := 0
	for _, subject := range f.published {
		if strings.HasPrefix(subject, "jobs.") {
			n++
		}
	}
	return n
}

func testBroker(t *testing.T) (*Broker, *fakeJS) {
	t.Helper()
	js := newFakeJS()
	b := &Broker{
		js:     js,
		cfg:    internalnats.DefaultConnectionConfig("nats://localhost:4222"),
		logger: zap.NewNop(),
	}
	return b, js
}

func testBundle(t *testing.T, hash string) *broker.Bundle {
	t.Helper()
	return broker.NewBundle("job", "op.run").
		WithHash(hash).
		WithTarget("cluster", broker.Resources{}, "", false, false)
}

func seedResult(t *testing.T, js *fakeJS, hash string, result *broker.Result) {
	t.Helper()
	payload, err := json.Marshal(result)
	require.NoError(t, err)
	js.msgs["result."+hash] = payload
}

func TestSubmitDeduplicatesUnconsumedResult(t *testing.T) {
	b, js := testBroker(t)
	seedResult(t, js, "h1", &broker.Result{Stdout: "done earlier"})

	h, err := b.Submit(context.Background(), testBundle(t, "h1"))
	require.NoError(t, err)
	assert.True(t, h.(*jobHandle).completed)
	assert.Equal(t, 0, js.jobsPublished(), "no job queued for completed work")

	// The completed handle fetches the stored result without polling.
	result, err := b.WaitForResult(context.Background(), h, time.Nanosecond, time.Nanosecond)
	require.NoError(t, err)
	assert.Equal(t, "done earlier", result.Stdout)
}

func TestSubmitResubmitsAfterMarkProcessed(t *testing.T) {
	b, js := testBroker(t)
	ctx := context.Background()

	h1, err := b.Submit(ctx, testBundle(t, "h2"))
	require.NoError(t, err)
	assert.False(t, h1.(*jobHandle).completed)
	assert.Equal(t, 1, js.jobsPublished())

	require.NoError(t, b.PublishResult(ctx, "h2", &broker.Result{Stdout: "first run"}))

	// The result sits unconsumed, so an identical bundle reuses it.
	h2, err := b.Submit(ctx, testBundle(t, "h2"))
	require.NoError(t, err)
	assert.True(t, h2.(*jobHandle).completed)
	assert.Equal(t, 1, js.jobsPublished())

	require.NoError(t, b.MarkProcessed(ctx, h2))

	// Consumed results no longer deduplicate submissions.
	h3, err := b.Submit(ctx, testBundle(t, "h2"))
	require.NoError(t, err)
	assert.False(t, h3.(*jobHandle).completed)
	assert.Equal(t, 2, js.jobsPublished())
}

func TestWaitForResultTimesOut(t *testing.T) {
	b, _ := testBroker(t)

	h, err := b.Submit(context.Background(), testBundle(t, "h3"))
	require.NoError(t, err)

	_, err = b.WaitForResult(context.Background(), h, 10*time.Millisecond, time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrTimeout)
}
