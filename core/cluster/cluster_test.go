package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingListener struct {
	added, removed []string
	attrs          []MemberAttributeEvent
}

func (r *recordingListener) MemberAdded(e MembershipEvent)   { r.added = append(r.added, e.Member.UUID) }
func (r *recordingListener) MemberRemoved(e MembershipEvent) { r.removed = append(r.removed, e.Member.UUID) }
func (r *recordingListener) MemberAttributeChanged(e MemberAttributeEvent) {
	r.attrs = append(r.attrs, e)
}

func TestViewJoinRemove(t *testing.T) {
	local := Member{UUID: "b", Address: "b:1"}
	v := NewStatic(local, []Member{{UUID: "c", Address: "c:1"}}, zaptest.NewLogger(t))
	l := &recordingListener{}
	v.AddListener(l)

	v.Join(Member{UUID: "a", Address: "a:1"})
	v.Join(Member{UUID: "a", Address: "a:1"})

	members := v.Members()
	require.Len(t, members, 3)
	require.Equal(t, []string{"a", "b", "c"}, []string{members[0].UUID, members[1].UUID, members[2].UUID})
	require.Equal(t, []string{"a"}, l.added)

	require.NoError(t, v.Remove("c"))
	require.ErrorIs(t, v.Remove("c"), ErrMemberNotFound)
	require.Equal(t, []string{"c"}, l.removed)

	_, ok := v.Member("c")
	require.False(t, ok)
	require.Equal(t, local, v.LocalMember())
}

func TestViewSetAttribute(t *testing.T) {
	v := NewView(Member{UUID: "a"}, zaptest.NewLogger(t))
	l := &recordingListener{}
	v.AddListener(l)

	require.NoError(t, v.SetAttribute("a", "zone", "eu-1"))
	require.ErrorIs(t, v.SetAttribute("x", "zone", "eu-1"), ErrMemberNotFound)

	m, ok := v.Member("a")
	require.True(t, ok)
	require.Equal(t, "eu-1", m.Attributes["zone"])
	require.Len(t, l.attrs, 1)
	require.Equal(t, "zone", l.attrs[0].Key)
}
