package serialization

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Name   string
	Count  int64
	Small  int32
	Flag   bool
	Tag    uint8
	Labels map[string]string
	Child  *sample
}

func (s *sample) TypeID() TypeID { return 7 }

func (s *sample) WriteData(out *DataOutput) error {
	out.WriteString(s.Name)
	out.WriteInt64(s.Count)
	out.WriteInt32(s.Small)
	out.WriteBool(s.Flag)
	out.WriteUint8(s.Tag)
	out.WriteStringMap(s.Labels)
	if s.Child == nil {
		return out.WriteObject(nil)
	}
	return out.WriteObject(s.Child)
}

func (s *sample) ReadData(in *DataInput) error {
	var err error
	if s.Name, err = in.ReadString(); err != nil {
		return err
	}
	if s.Count, err = in.ReadInt64(); err != nil {
		return err
	}
	if s.Small, err = in.ReadInt32(); err != nil {
		return err
	}
	if s.Flag, err = in.ReadBool(); err != nil {
		return err
	}
	if s.Tag, err = in.ReadUint8(); err != nil {
		return err
	}
	if s.Labels, err = in.ReadStringMap(); err != nil {
		return err
	}
	child, err := in.ReadObject()
	if err != nil {
		return err
	}
	if child != nil {
		c, ok := child.(*sample)
		if !ok {
			return errors.New("unexpected child type")
		}
		s.Child = c
	}
	return nil
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(7, func() DataSerializable { return &sample{} }))
	return r
}

func TestRoundTripNestedObject(t *testing.T) {
	r := newRegistry(t)
	in := &sample{
		Name:   "orders",
		Count:  -42,
		Small:  271,
		Flag:   true,
		Tag:    2,
		Labels: map[string]string{"b": "2", "a": "1"},
		Child:  &sample{Name: "child", Labels: map[string]string{}},
	}

	data, err := Marshal(in)
	require.NoError(t, err)

	out, err := Unmarshal(r, data)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestNilObject(t *testing.T) {
	data, err := Marshal(nil)
	require.NoError(t, err)

	out, err := Unmarshal(NewRegistry(), data)
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestTruncatedInputFails(t *testing.T) {
	r := newRegistry(t)
	data, err := Marshal(&sample{Name: "orders", Count: 1 << 40})
	require.NoError(t, err)

	for cut := 1; cut < len(data); cut++ {
		_, err := Unmarshal(r, data[:cut])
		require.Error(t, err, "cut at %d", cut)
		require.ErrorIs(t, err, ErrSerialization)
	}
}

func TestUnknownTypeID(t *testing.T) {
	data, err := Marshal(&sample{})
	require.NoError(t, err)

	_, err = Unmarshal(NewRegistry(), data)
	require.ErrorIs(t, err, ErrSerialization)
}

func TestTrailingBytesRejected(t *testing.T) {
	r := newRegistry(t)
	data, err := Marshal(&sample{})
	require.NoError(t, err)

	_, err = Unmarshal(r, append(data, 0x01))
	require.ErrorIs(t, err, ErrSerialization)
}

func TestRegisterDuplicate(t *testing.T) {
	r := newRegistry(t)
	err := r.Register(7, func() DataSerializable { return &sample{} })
	require.ErrorIs(t, err, ErrSerialization)
	require.ErrorIs(t, r.Register(0, func() DataSerializable { return &sample{} }), ErrSerialization)
}
