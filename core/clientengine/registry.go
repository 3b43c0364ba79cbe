package clientengine

import (
	commonutils "github.com/sushant-115/gojogrid/internal/common_utils"
)

// EndpointRegistry is the table of client endpoints bound on this member,
// keyed by connection id.
type EndpointRegistry struct {
	endpoints commonutils.ConcurrentMap[string, *ClientEndpoint]
}

// Register adds e. It reports false when the connection already had an
// endpoint, in which case the existing one is kept.
func (r *EndpointRegistry) Register(e *ClientEndpoint) bool {
	_, loaded := r.endpoints.LoadOrStore(e.Connection.ID(), e)
	return !loaded
}

// Endpoint returns the endpoint bound to conn.
func (r *EndpointRegistry) Endpoint(conn Connection) (*ClientEndpoint, bool) {
	return r.endpoints.Load(conn.ID())
}

// Endpoints returns every endpoint. Order is not significant.
func (r *EndpointRegistry) Endpoints() []*ClientEndpoint {
	out := make([]*ClientEndpoint, 0)
	r.endpoints.Range(func(_ string, e *ClientEndpoint) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Remove drops the endpoint of conn and returns it.
func (r *EndpointRegistry) Remove(conn Connection) (*ClientEndpoint, bool) {
	return r.endpoints.LoadAndDelete(conn.ID())
}

// RemoveEndpoints drops every endpoint whose session is owned by
// memberUUID and returns them.
func (r *EndpointRegistry) RemoveEndpoints(memberUUID string) []*ClientEndpoint {
	return r.removeMatching(func(e *ClientEndpoint) bool {
		return e.Principal.OwnerUUID == memberUUID
	})
}

// RemoveClient drops every endpoint of clientUUID and returns them.
func (r *EndpointRegistry) RemoveClient(clientUUID string) []*ClientEndpoint {
	return r.removeMatching(func(e *ClientEndpoint) bool {
		return e.UUID == clientUUID
	})
}

// removeMatching collects the matching connection ids first and removes
// them in a second pass; only the endpoints this call removed are
// returned.
func (r *EndpointRegistry) removeMatching(match func(*ClientEndpoint) bool) []*ClientEndpoint {
	var ids []string
	r.endpoints.Range(func(id string, e *ClientEndpoint) bool {
		if match(e) {
			ids = append(ids, id)
		}
		return true
	})
	removed := make([]*ClientEndpoint, 0, len(ids))
	for _, id := range ids {
		if e, ok := r.endpoints.LoadAndDelete(id); ok {
			removed = append(removed, e)
		}
	}
	return removed
}

func (r *EndpointRegistry) Size() int { return r.endpoints.Len() }

func (r *EndpointRegistry) Clear() { r.endpoints.Clear() }
