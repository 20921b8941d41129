package nodes

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
)

var (
	ErrDuplicateID = errors.New("node id already registered")
	ErrInvalidID   = errors.New("invalid node id")
	ErrUnknownNode = errors.New("node not found")
)

// Registry keeps endpoints in ring order, ascending by id. Position i links to
// position (i+1) mod N, so the highest id wraps around to the lowest.
type Registry struct {
	entries []*Endpoint
	mu      sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make([]*Endpoint, 0),
	}
}

// Insert places ep immediately before the first entry whose id is >= ep.ID and
// returns the head (lowest id). Ids must be unique and positive; "0" is the
// acknowledgment tag and can never name a node.
func (r *Registry) Insert(ep *Endpoint) (*Endpoint, error) {
	if ep == nil {
		return nil, fmt.Errorf("%w: nil endpoint", ErrInvalidID)
	}
	if ep.ID <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidID, ep.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	i := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].ID >= ep.ID
	})
	if i < len(r.entries) && r.entries[i].ID == ep.ID {
		return r.entries[0], fmt.Errorf("%w: %d", ErrDuplicateID, ep.ID)
	}
	r.entries = slices.Insert(r.entries, i, ep)
	return r.entries[0], nil
}

// Head returns the endpoint with the lowest id, or nil when empty.
func (r *Registry) Head() *Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return nil
	}
	return r.entries[0]
}

// Tail returns the endpoint with the highest id, or nil when empty.
func (r *Registry) Tail() *Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return nil
	}
	return r.entries[len(r.entries)-1]
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) indexOf(id int) (int, error) {
	i := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].ID >= id
	})
	if i == len(r.entries) || r.entries[i].ID != id {
		return 0, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	return i, nil
}

func (r *Registry) Lookup(id int) (*Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, err := r.indexOf(id)
	if err != nil {
		return nil, err
	}
	return r.entries[i], nil
}

// Next returns the endpoint downstream of id.
func (r *Registry) Next(id int) (*Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, err := r.indexOf(id)
	if err != nil {
		return nil, err
	}
	return r.entries[(i+1)%len(r.entries)], nil
}

// Prev returns the endpoint upstream of id.
func (r *Registry) Prev(id int) (*Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, err := r.indexOf(id)
	if err != nil {
		return nil, err
	}
	n := len(r.entries)
	return r.entries[(i-1+n)%n], nil
}

// IDs lists ids in ring order starting at the head.
func (r *Registry) IDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(r.entries))
	for _, ep := range r.entries {
		ids = append(ids, ep.ID)
	}
	return ids
}

// Endpoints lists endpoints in ring order starting at the head.
func (r *Registry) Endpoints() []*Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Endpoint(nil), r.entries...)
}

// Recycle closes every registered endpoint once and empties the registry.
// A nil or empty registry is a no-op.
func (r *Registry) Recycle() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	entries := r.entries
	r.entries = make([]*Endpoint, 0)
	r.mu.Unlock()

	var errs []error
	for _, ep := range entries {
		if err := ep.Close(); err != nil {
			errs = append(errs, fmt.Errorf("endpoint %d: %w", ep.ID, err))
		}
	}
	return errors.Join(errs...)
}
