// Package serialization implements the member-to-member binary codec. Values
// are written in a fixed field order using protobuf wire primitives
// (varints and length-prefixed byte strings); objects are embedded as a
// registered type id followed by a length-prefixed payload, so a reader can
// skip or reject an unknown object without losing its position.
package serialization

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrSerialization is matched (errors.Is) by every encode or decode failure.
// Transactions treat it as fatal.
var ErrSerialization = errors.New("serialization error")

// TypeID identifies a DataSerializable implementation on the wire. Zero is
// reserved for a nil object.
type TypeID int32

const nilTypeID TypeID = 0

// DataSerializable is implemented by every value that crosses a member
// boundary.
type DataSerializable interface {
	TypeID() TypeID
	WriteData(out *DataOutput) error
	ReadData(in *DataInput) error
}

// Factory builds an empty value for ReadData to fill.
type Factory func() DataSerializable

// Registry maps type ids to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[TypeID]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[TypeID]Factory)}
}

// Register adds a factory. Registering the same id twice is an error.
func (r *Registry) Register(id TypeID, factory Factory) error {
	if id == nilTypeID {
		return fmt.Errorf("%w: type id 0 is reserved", ErrSerialization)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[id]; exists {
		return fmt.Errorf("%w: type id %d already registered", ErrSerialization, id)
	}
	r.factories[id] = factory
	return nil
}

// New returns an empty value for id.
func (r *Registry) New(id TypeID) (DataSerializable, error) {
	r.mu.RLock()
	factory, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown type id %d", ErrSerialization, id)
	}
	return factory(), nil
}

// Marshal encodes obj as an embedded object.
func Marshal(obj DataSerializable) ([]byte, error) {
	out := NewDataOutput()
	if err := out.WriteObject(obj); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Unmarshal decodes a value written by Marshal. Trailing bytes are rejected.
func Unmarshal(r *Registry, data []byte) (DataSerializable, error) {
	in := NewDataInput(r, data)
	obj, err := in.ReadObject()
	if err != nil {
		return nil, err
	}
	if in.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrSerialization, in.Remaining())
	}
	return obj, nil
}

// DataOutput accumulates an encoded value.
type DataOutput struct {
	buf []byte
}

func NewDataOutput() *DataOutput {
	return &DataOutput{buf: make([]byte, 0, 64)}
}

func (o *DataOutput) Bytes() []byte { return o.buf }

func (o *DataOutput) WriteString(s string) {
	o.buf = protowire.AppendString(o.buf, s)
}

func (o *DataOutput) WriteBytes(b []byte) {
	o.buf = protowire.AppendBytes(o.buf, b)
}

func (o *DataOutput) WriteInt64(v int64) {
	o.buf = protowire.AppendVarint(o.buf, protowire.EncodeZigZag(v))
}

func (o *DataOutput) WriteInt32(v int32) {
	o.WriteInt64(int64(v))
}

func (o *DataOutput) WriteUint8(v uint8) {
	o.buf = append(o.buf, v)
}

func (o *DataOutput) WriteBool(v bool) {
	o.buf = protowire.AppendVarint(o.buf, protowire.EncodeBool(v))
}

// WriteStringMap writes m sorted by key so equal maps encode identically.
func (o *DataOutput) WriteStringMap(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	o.buf = protowire.AppendVarint(o.buf, uint64(len(keys)))
	for _, k := range keys {
		o.WriteString(k)
		o.WriteString(m[k])
	}
}

// WriteObject embeds obj, or a nil marker when obj is nil.
func (o *DataOutput) WriteObject(obj DataSerializable) error {
	if obj == nil {
		o.WriteInt32(int32(nilTypeID))
		return nil
	}
	if obj.TypeID() == nilTypeID {
		return fmt.Errorf("%w: %T has reserved type id 0", ErrSerialization, obj)
	}
	nested := NewDataOutput()
	if err := obj.WriteData(nested); err != nil {
		return fmt.Errorf("%w: writing %T: %v", ErrSerialization, obj, err)
	}
	o.WriteInt32(int32(obj.TypeID()))
	o.WriteBytes(nested.buf)
	return nil
}

// DataInput decodes a value produced by DataOutput.
type DataInput struct {
	registry *Registry
	buf      []byte
}

func NewDataInput(r *Registry, data []byte) *DataInput {
	return &DataInput{registry: r, buf: data}
}

func (in *DataInput) Remaining() int { return len(in.buf) }

func (in *DataInput) fail(field string, n int) error {
	return fmt.Errorf("%w: reading %s: %v", ErrSerialization, field, protowire.ParseError(n))
}

func (in *DataInput) ReadString() (string, error) {
	v, n := protowire.ConsumeString(in.buf)
	if n < 0 {
		return "", in.fail("string", n)
	}
	in.buf = in.buf[n:]
	return v, nil
}

func (in *DataInput) ReadBytes() ([]byte, error) {
	v, n := protowire.ConsumeBytes(in.buf)
	if n < 0 {
		return nil, in.fail("bytes", n)
	}
	in.buf = in.buf[n:]
	return v, nil
}

func (in *DataInput) ReadInt64() (int64, error) {
	v, n := protowire.ConsumeVarint(in.buf)
	if n < 0 {
		return 0, in.fail("int64", n)
	}
	in.buf = in.buf[n:]
	return protowire.DecodeZigZag(v), nil
}

func (in *DataInput) ReadInt32() (int32, error) {
	v, err := in.ReadInt64()
	if err != nil {
		return 0, err
	}
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, fmt.Errorf("%w: int32 out of range: %d", ErrSerialization, v)
	}
	return int32(v), nil
}

func (in *DataInput) ReadUint8() (uint8, error) {
	if len(in.buf) == 0 {
		return 0, fmt.Errorf("%w: reading uint8: unexpected end of input", ErrSerialization)
	}
	v := in.buf[0]
	in.buf = in.buf[1:]
	return v, nil
}

func (in *DataInput) ReadBool() (bool, error) {
	v, n := protowire.ConsumeVarint(in.buf)
	if n < 0 {
		return false, in.fail("bool", n)
	}
	in.buf = in.buf[n:]
	return protowire.DecodeBool(v), nil
}

func (in *DataInput) ReadStringMap() (map[string]string, error) {
	count, n := protowire.ConsumeVarint(in.buf)
	if n < 0 {
		return nil, in.fail("map length", n)
	}
	in.buf = in.buf[n:]
	// Every entry takes at least two bytes.
	if count > uint64(len(in.buf)/2) {
		return nil, fmt.Errorf("%w: map length %d exceeds input", ErrSerialization, count)
	}
	m := make(map[string]string, count)
	for i := uint64(0); i < count; i++ {
		k, err := in.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := in.ReadString()
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

// ReadObject decodes an embedded object through the registry. A nil marker
// yields (nil, nil).
func (in *DataInput) ReadObject() (DataSerializable, error) {
	id, err := in.ReadInt32()
	if err != nil {
		return nil, err
	}
	if TypeID(id) == nilTypeID {
		return nil, nil
	}
	payload, err := in.ReadBytes()
	if err != nil {
		return nil, err
	}
	if in.registry == nil {
		return nil, fmt.Errorf("%w: no registry to decode type id %d", ErrSerialization, id)
	}
	obj, err := in.registry.New(TypeID(id))
	if err != nil {
		return nil, err
	}
	nested := NewDataInput(in.registry, payload)
	if err := obj.ReadData(nested); err != nil {
		if errors.Is(err, ErrSerialization) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: reading %T: %v", ErrSerialization, obj, err)
	}
	return obj, nil
}
