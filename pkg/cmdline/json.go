package cmdline

import (
	"encoding/json"
	"fmt"

	sdkerrors "github.com/wehubfusion/Sisyphus/pkg/errors"
)

// JSON forms for Value and Params, so parameter sets can travel inside job
// bundles without losing key order, value tags, or emission modes.

type valueJSON struct {
	Kind     string                 `json:"kind"`
	String   string                 `json:"string"`
	Scalar   interface{}            `json:"scalar"`
	Elements []Value                `json:"elements,omitempty"`
	Mapping  map[string]interface{} `json:"mapping,omitempty"`
}

var kindNames = map[Kind]string{
	KindNone:     "none",
	KindString:   "string",
	KindScalar:   "scalar",
	KindSequence: "sequence",
	KindMapping:  "mapping",
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(valueJSON{
		Kind:     kindNames[v.kind],
		String:   v.str,
		Scalar:   v.scalar,
		Elements: v.elements,
		Mapping:  v.mapping,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var decoded valueJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	for kind, name := range kindNames {
		if name == decoded.Kind {
			*v = Value{
				kind:     kind,
				str:      decoded.String,
				scalar:   decoded.Scalar,
				elements: decoded.Elements,
				mapping:  decoded.Mapping,
			}
			return nil
		}
	}
	return sdkerrors.NewError("DECODE_FAILED",
		fmt.Sprintf("unknown value kind %q", decoded.Kind), sdkerrors.ErrInvalidArgument)
}

type paramJSON struct {
	Key   string `json:"key"`
	Mode  Mode   `json:"mode"`
	Value Value  `json:"value"`
}

// MarshalJSON renders the parameter set as an ordered list.
func (p *Params) MarshalJSON() ([]byte, error) {
	out := make([]paramJSON, len(p.params))
	for i, prm := range p.params {
		out[i] = paramJSON{Key: prm.key, Mode: prm.mode, Value: prm.value}
	}
	return json.Marshal(out)
}

// UnmarshalJSON rebuilds the parameter set preserving order.
func (p *Params) UnmarshalJSON(data []byte) error {
	var decoded []paramJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*p = Params{index: make(map[string]int, len(decoded))}
	for _, prm := range decoded {
		p.set(prm.Key, prm.Value, prm.Mode)
	}
	return nil
}

// Clone returns an independent copy of the parameter set.
func (p *Params) Clone() *Params {
	out := NewParams()
	for _, prm := range p.params {
		out.set(prm.key, prm.value, prm.mode)
	}
	return out
}
