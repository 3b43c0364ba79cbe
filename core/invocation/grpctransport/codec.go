package grpctransport

import (
	"fmt"
)

const codecName = "gojogrid-frame"

// frame is the single message type of the transport. Payloads are already
// encoded by the serialization package, so the codec only moves bytes.
type frame struct {
	Payload []byte
}

type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("grpctransport: cannot marshal %T", v)
	}
	return f.Payload, nil
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("grpctransport: cannot unmarshal into %T", v)
	}
	f.Payload = append([]byte(nil), data...)
	return nil
}

func (frameCodec) Name() string { return codecName }
