package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var ErrEndpointOwned = errors.New("endpoint registered to another user")

// Registry maps users to their live endpoints with per-user reference
// counting. Register reports the 0 to 1 transition and Unregister the 1 to 0
// transition; both are atomic per user.
type Registry interface {
	Register(ctx context.Context, userID, endpointID string) (first bool, err error)
	Unregister(ctx context.Context, endpointID string) (userID string, last bool, err error)
	EndpointsFor(ctx context.Context, userID string) ([]string, error)
	Count(ctx context.Context, userID string) (int, error)
}

// MemoryRegistry is a single-process Registry.
type MemoryRegistry struct {
	mu        sync.Mutex
	byUser    map[string]map[string]struct{}
	endpoints map[string]string
}

// NewMemoryRegistry returns an empty registry for a single node.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byUser:    make(map[string]map[string]struct{}),
		endpoints: make(map[string]string),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, userID, endpointID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.endpoints[endpointID]; ok {
		if owner != userID {
			return false, ErrEndpointOwned
		}
		return false, nil
	}

	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		r.byUser[userID] = set
	}
	set[endpointID] = struct{}{}
	r.endpoints[endpointID] = userID

	return len(set) == 1, nil
}

// Unregister ignores unknown endpoints.
func (r *MemoryRegistry) Unregister(_ context.Context, endpointID string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.endpoints[endpointID]
	if !ok {
		return "", false, nil
	}
	delete(r.endpoints, endpointID)

	set := r.byUser[userID]
	delete(set, endpointID)
	if len(set) == 0 {
		delete(r.byUser, userID)
		return userID, true, nil
	}
	return userID, false, nil
}

// EndpointsFor returns a sorted snapshot.
func (r *MemoryRegistry) EndpointsFor(_ context.Context, userID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.byUser[userID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *MemoryRegistry) Count(_ context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID]), nil
}
