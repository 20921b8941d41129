package nodes

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/token_ring/src/api/transport"
)

var (
	ErrUpstreamClosed   = errors.New("upstream link closed")
	ErrDownstreamClosed = errors.New("downstream link closed")
)

// Generic Node interface
// Every ring position runs one Node; the ring owns its lifecycle.
type Node interface {
	ID() int                       // ring id, 1..N
	Run(ctx context.Context) error // serve until ctx ends or a fatal fault
	Status() Status                // point-in-time view for the controller
}

// Endpoint is the set of link ends handed to exactly one node.
type Endpoint struct {
	ID       int
	Inbound  *transport.ReadEnd  // previous node's outbound, or the wraparound for node 1
	Outbound *transport.WriteEnd // next node's inbound, or the wraparound for node N
	Admin    *transport.ReadEnd  // controller side channel
}

// Close closes every end the endpoint owns. Repeated calls are no-ops.
func (e *Endpoint) Close() error {
	if e == nil {
		return nil
	}
	var errs []error
	if e.Inbound != nil {
		errs = append(errs, e.Inbound.Close())
	}
	if e.Outbound != nil {
		errs = append(errs, e.Outbound.Close())
	}
	if e.Admin != nil {
		errs = append(errs, e.Admin.Close())
	}
	return errors.Join(errs...)
}

// Status is a snapshot of one node.
type Status struct {
	ID         int    `json:"id"`
	QueueDepth int    `json:"queue_depth"`
	InFlight   bool   `json:"in_flight"`
	InFlightID int32  `json:"in_flight_id,omitempty"`
	Attempts   int    `json:"attempts"`
	Sent       uint64 `json:"sent"`
	Delivered  uint64 `json:"delivered"`
	Received   uint64 `json:"received"`
	Forwarded  uint64 `json:"forwarded"`
	Retried    uint64 `json:"retried"`
	Dropped    uint64 `json:"dropped"`
	Resets     uint64 `json:"resets"`
	Running    bool   `json:"running"`
}

// FatalError terminates one node's loop and is reported to the ring.
type FatalError struct {
	NodeID int
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("node %d: %v", e.NodeID, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
