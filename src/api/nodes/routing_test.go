package nodes

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"testing"

	"github.com/danmuck/token_ring/src/api/transport"
)

func endpointWithLinks(t *testing.T, id int) *Endpoint {
	t.Helper()
	in, err := transport.NewPipeLink(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	out, err := transport.NewPipeLink(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return &Endpoint{ID: id, Inbound: in.Reader, Outbound: out.Writer}
}

func TestRegistryInsertKeepsOrder(t *testing.T) {
	tests := []struct {
		name     string
		inserts  []int
		wantIDs  []int
		wantHead int
	}{
		{name: "single entry", inserts: []int{4}, wantIDs: []int{4}, wantHead: 4},
		{name: "ascending", inserts: []int{1, 2, 3}, wantIDs: []int{1, 2, 3}, wantHead: 1},
		{name: "descending", inserts: []int{3, 2, 1}, wantIDs: []int{1, 2, 3}, wantHead: 1},
		{name: "new lowest", inserts: []int{5, 7, 2}, wantIDs: []int{2, 5, 7}, wantHead: 2},
		{name: "new highest wraps", inserts: []int{2, 5, 9}, wantIDs: []int{2, 5, 9}, wantHead: 2},
		{name: "middle", inserts: []int{10, 30, 20}, wantIDs: []int{10, 20, 30}, wantHead: 10},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRegistry()
			var head *Endpoint
			for _, id := range tc.inserts {
				var err error
				head, err = r.Insert(&Endpoint{ID: id})
				if err != nil {
					t.Fatalf("Insert(%d) = %v", id, err)
				}
			}
			if head.ID != tc.wantHead {
				t.Fatalf("head = %d, want %d", head.ID, tc.wantHead)
			}
			if got := r.IDs(); !reflect.DeepEqual(got, tc.wantIDs) {
				t.Fatalf("IDs() = %v, want %v", got, tc.wantIDs)
			}
		})
	}
}

func TestRegistryRandomInsertStaysSorted(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	r := NewRegistry()
	for _, id := range rng.Perm(50) {
		if _, err := r.Insert(&Endpoint{ID: id + 1}); err != nil {
			t.Fatalf("Insert(%d) = %v", id+1, err)
		}
	}
	ids := r.IDs()
	for i := range ids {
		if ids[i] != i+1 {
			t.Fatalf("IDs()[%d] = %d, want %d", i, ids[i], i+1)
		}
	}
}

func TestRegistryRejectsBadIDs(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Insert(&Endpoint{ID: 1}); err != nil {
		t.Fatalf("Insert(1) = %v", err)
	}
	if _, err := r.Insert(&Endpoint{ID: 1}); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("duplicate Insert = %v, want ErrDuplicateID", err)
	}
	if _, err := r.Insert(&Endpoint{ID: 0}); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("Insert(0) = %v, want ErrInvalidID", err)
	}
	if _, err := r.Insert(nil); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("Insert(nil) = %v, want ErrInvalidID", err)
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistryCircularNeighbours(t *testing.T) {
	r := NewRegistry()
	for _, id := range []int{3, 1, 2} {
		r.Insert(&Endpoint{ID: id})
	}

	tests := []struct {
		id, next, prev int
	}{
		{id: 1, next: 2, prev: 3},
		{id: 2, next: 3, prev: 1},
		{id: 3, next: 1, prev: 2},
	}
	for _, tc := range tests {
		next, err := r.Next(tc.id)
		if err != nil || next.ID != tc.next {
			t.Fatalf("Next(%d) = %v, %v, want %d", tc.id, next, err, tc.next)
		}
		prev, err := r.Prev(tc.id)
		if err != nil || prev.ID != tc.prev {
			t.Fatalf("Prev(%d) = %v, %v, want %d", tc.id, prev, err, tc.prev)
		}
	}

	if _, err := r.Next(9); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("Next(9) = %v, want ErrUnknownNode", err)
	}
	if _, err := r.Lookup(0); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("Lookup(0) = %v, want ErrUnknownNode", err)
	}

	single := NewRegistry()
	single.Insert(&Endpoint{ID: 5})
	next, _ := single.Next(5)
	prev, _ := single.Prev(5)
	if next.ID != 5 || prev.ID != 5 {
		t.Fatalf("singleton neighbours = %d, %d, want 5, 5", next.ID, prev.ID)
	}
	if single.Head() != single.Tail() {
		t.Fatal("singleton head != tail")
	}
}

func TestRegistryRecycle(t *testing.T) {
	var nilRegistry *Registry
	if err := nilRegistry.Recycle(); err != nil {
		t.Fatalf("nil Recycle() = %v", err)
	}
	if err := NewRegistry().Recycle(); err != nil {
		t.Fatalf("empty Recycle() = %v", err)
	}

	r := NewRegistry()
	eps := []*Endpoint{endpointWithLinks(t, 1), endpointWithLinks(t, 2)}
	for _, ep := range eps {
		r.Insert(ep)
	}
	if err := r.Recycle(); err != nil {
		t.Fatalf("Recycle() = %v", err)
	}
	for _, ep := range eps {
		if !ep.Inbound.Closed() || !ep.Outbound.Closed() {
			t.Fatalf("endpoint %d not closed", ep.ID)
		}
	}
	if r.Len() != 0 || r.Head() != nil {
		t.Fatalf("registry not empty after Recycle()")
	}
	if err := r.Recycle(); err != nil {
		t.Fatalf("second Recycle() = %v", err)
	}
}
