package dispatch

import (
	"context"
	"encoding/json"

	"github.com/wehubfusion/Sisyphus/pkg/broker"
	sdkerrors "github.com/wehubfusion/Sisyphus/pkg/errors"
	"github.com/wehubfusion/Sisyphus/pkg/workset"
)

// remoteCall is the portable encoding of one dispatch call: everything the
// remote side needs to re-run the operation over the same items. Inputs are
// materialized in memory before encoding so they can be staged.
type remoteCall struct {
	Function   string        `json:"function"`
	Args       Args          `json:"args"`
	Items      []interface{} `json:"items"`
	ChunkSize  int           `json:"chunk_size"`
	Slot       Slot          `json:"slot"`
	SkipFailed bool          `json:"skip_failed"`
}

// EncodeCall renders a dispatch call for inclusion in a job bundle, for
// operations that assemble and submit their own bundles instead of going
// through Engine.Run. The bundled call is executed by ExecuteBundle on the
// remote side like any other.
func EncodeCall(function string, args Args, items []interface{}, chunkSize int, slot Slot, skipFailed bool) (json.RawMessage, error) {
	return encodeCall(remoteCall{
		Function:   function,
		Args:       args,
		Items:      items,
		ChunkSize:  chunkSize,
		Slot:       slot,
		SkipFailed: skipFailed,
	})
}

// encodeCall renders the call for inclusion in a job bundle.
func encodeCall(c remoteCall) (json.RawMessage, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, sdkerrors.NewError("CALL_ENCODE_FAILED", "cannot encode dispatch call", err)
	}
	return raw, nil
}

// ExecuteBundle runs the dispatch call a bundle carries, entirely locally.
// It is invoked by the remote-side worker: the operation is looked up in
// the registry by name and dispatched with the ignore sentinel, so a
// remotely running job can never submit a second remote job for the same
// work. The merged output is returned JSON-encoded for the result payload.
func ExecuteBundle(ctx context.Context, eng *Engine, b *broker.Bundle) (json.RawMessage, error) {
	var call remoteCall
	if err := json.Unmarshal(b.Args, &call); err != nil {
		return nil, sdkerrors.NewError("CALL_DECODE_FAILED", "cannot decode bundled dispatch call", err)
	}

	op, err := Lookup(call.Function)
	if err != nil {
		return nil, err
	}

	opts := Options{
		ChunkSize:  call.ChunkSize,
		Slot:       call.Slot,
		SkipFailed: call.SkipFailed,
		Remote:     IgnoreRemote(),
	}

	out, err := eng.Run(ctx, op, workset.NewMemorySet(call.Items...), nil, call.Args, opts)
	if err != nil {
		return nil, err
	}

	merged, err := out.Materialize(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(merged)
	if err != nil {
		return nil, sdkerrors.NewError("RESULT_ENCODE_FAILED", "cannot encode dispatch result", err)
	}
	return payload, nil
}
