// Package ring assembles token nodes into a closed loop and drives the
// simulation: build, seed the first blank token, inject messages, shut down.
package ring

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/token_ring/src/api/message"
	"github.com/danmuck/token_ring/src/api/nodes"
	"github.com/danmuck/token_ring/src/api/transport"
	"github.com/danmuck/token_ring/src/operations/trace"
	logs "github.com/danmuck/smplog"
)

var (
	ErrSetup      = errors.New("ring setup failed")
	ErrNotRunning = errors.New("ring is not running")
	ErrStarted    = errors.New("ring already started")

	// ErrUnknownDestination also matches nodes.ErrUnknownNode.
	ErrUnknownDestination = fmt.Errorf("destination %w", nodes.ErrUnknownNode)
)

// Builder wires a Ring. The zero LinkFactory and Recorder are derived from
// the config.
type Builder struct {
	cfg      Config
	links    transport.LinkFactory
	recorder trace.Recorder
}

func NewBuilder(cfg Config) Builder {
	return Builder{cfg: cfg}
}

// WithLinkFactory overrides the transport named in the config.
func (b Builder) WithLinkFactory(f transport.LinkFactory) Builder {
	b.links = f
	return b
}

// WithRecorder sets the hop recorder. The caller keeps ownership of it.
func (b Builder) WithRecorder(r trace.Recorder) Builder {
	b.recorder = r
	return b
}

// Build allocates every link and endpoint. Node i reads the link written by
// node i-1 and writes the link read by node i+1; node N writes the wraparound
// link that node 1 reads. Any allocation failure closes whatever was already
// created and returns ErrSetup.
func (b Builder) Build(ctx context.Context) (*Ring, error) {
	cfg := b.cfg
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	coder, err := transport.NewCoder(cfg.Codec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	links := b.links
	if links == nil {
		if links, err = transport.NewLinkFactory(cfg.Transport); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSetup, err)
		}
	}

	created := make([]*transport.Link, 0, 2*cfg.Nodes)
	abort := func(err error) (*Ring, error) {
		for _, l := range created {
			l.Close()
		}
		logs.Warnf("ring build aborted after %d links: %v", len(created), err)
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	alloc := func() (*transport.Link, error) {
		l, err := links(ctx)
		if err != nil {
			return nil, err
		}
		created = append(created, l)
		return l, nil
	}

	// ringLinks[i] carries frames from node i+1 to node i+2
	ringLinks := make([]*transport.Link, 0, cfg.Nodes-1)
	for i := 1; i < cfg.Nodes; i++ {
		l, err := alloc()
		if err != nil {
			return abort(fmt.Errorf("link %d->%d: %w", i, i+1, err))
		}
		ringLinks = append(ringLinks, l)
	}
	wrap, err := alloc()
	if err != nil {
		return abort(fmt.Errorf("wraparound link %d->1: %w", cfg.Nodes, err))
	}
	adminLinks := make([]*transport.Link, 0, cfg.Nodes)
	for i := 1; i <= cfg.Nodes; i++ {
		l, err := alloc()
		if err != nil {
			return abort(fmt.Errorf("admin link %d: %w", i, err))
		}
		adminLinks = append(adminLinks, l)
	}

	registry := nodes.NewRegistry()
	admins := make(map[int]*transport.WriteEnd, cfg.Nodes)
	for id := 1; id <= cfg.Nodes; id++ {
		ep := &nodes.Endpoint{
			ID:    id,
			Admin: adminLinks[id-1].Reader,
		}
		if id == 1 {
			ep.Inbound = wrap.Reader
		} else {
			ep.Inbound = ringLinks[id-2].Reader
		}
		if id == cfg.Nodes {
			ep.Outbound = wrap.Writer
		} else {
			ep.Outbound = ringLinks[id-1].Writer
		}
		if _, err := registry.Insert(ep); err != nil {
			return abort(err)
		}
		admins[id] = adminLinks[id-1].Writer
	}

	recorder, ownsRecorder := b.recorder, false
	if recorder == nil {
		recorder, ownsRecorder = trace.Recorder(trace.NopRecorder{}), true
		if cfg.TracePath != "" {
			sqlRec, err := trace.NewSQLiteRecorder(cfg.TracePath)
			if err != nil {
				return abort(err)
			}
			recorder = sqlRec
		}
	}

	r := &Ring{
		cfg:          cfg,
		coder:        coder,
		registry:     registry,
		admins:       admins,
		seed:         wrap.Writer,
		members:      registry.IDs(),
		recorder:     recorder,
		ownsRecorder: ownsRecorder,
		done:         make(chan struct{}),
	}
	opts := nodes.Options{
		Coder:      coder,
		Recorder:   recorder,
		HopDelay:   cfg.HopDelay,
		MaxRetries: cfg.MaxRetries,
		TraceIdle:  cfg.TraceIdle,
		OnFatal:    r.fail,
	}
	for _, ep := range registry.Endpoints() {
		r.nodes = append(r.nodes, nodes.NewTokenNode(ep, opts))
	}
	logs.Debugf("ring built: %d nodes, %d links (%s/%s)", cfg.Nodes, len(created), cfg.Transport, cfg.Codec)
	return r, nil
}

// Ring is a running (or ready to run) set of nodes. The controller side keeps
// only the admin write ends and the wraparound write end used for seeding.
type Ring struct {
	cfg          Config
	coder        transport.Coder
	registry     *nodes.Registry
	nodes        []*nodes.TokenNode
	admins       map[int]*transport.WriteEnd
	seed         *transport.WriteEnd
	members      []int // ring order, kept after the registry is recycled
	ids          message.IDGenerator
	recorder     trace.Recorder
	ownsRecorder bool

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan struct{}
	fatal   error
	started bool
	stopped bool
	mu      sync.Mutex
}

// Start launches one goroutine per node and seeds the first blank token into
// node 1's inbound link.
func (r *Ring) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrStarted
	}
	if r.stopped {
		return ErrNotRunning
	}
	r.started = true

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	for _, n := range r.nodes {
		r.wg.Add(1)
		go func(n *nodes.TokenNode) {
			defer r.wg.Done()
			n.Run(ctx)
		}(n)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := transport.Send(r.seed, r.coder, message.Blank()); err != nil && ctx.Err() == nil {
			r.fail(&nodes.FatalError{NodeID: r.cfg.Nodes, Err: fmt.Errorf("seed token: %w", err)})
		}
	}()
	go func() {
		r.wg.Wait()
		close(r.done)
	}()

	logs.Infof("ring started: %d nodes", len(r.nodes))
	return nil
}

// fail records the first fatal node error and stops the whole ring; a node
// that dies leaves its neighbours' links closed.
func (r *Ring) fail(err error) {
	r.mu.Lock()
	first := r.fatal == nil
	if first {
		r.fatal = err
	}
	cancel := r.cancel
	r.mu.Unlock()

	if first {
		logs.Errorf(err, "ring: fatal node error")
	}
	if cancel != nil {
		cancel()
	}
}

// Done is closed once every node goroutine has exited.
func (r *Ring) Done() <-chan struct{} {
	return r.done
}

// Err returns the first fatal node error, if any.
func (r *Ring) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

// Wait blocks until every node has exited or ctx ends, and returns the first
// fatal node error.
func (r *Ring) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops every node, waits for them, and releases every link end.
// It returns the first fatal node error seen during the run.
func (r *Ring) Shutdown() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return r.Err()
	}
	r.stopped = true
	started := r.started
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if started {
		<-r.done
	}

	var errs []error
	for id, w := range r.admins {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("admin %d: %w", id, err))
		}
	}
	if err := r.registry.Recycle(); err != nil {
		errs = append(errs, err)
	}
	if err := r.recorder.Flush(); err != nil {
		errs = append(errs, err)
	}
	if r.ownsRecorder {
		if err := r.recorder.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		logs.Warnf("ring shutdown: %v", err)
	}
	logs.Infof("ring stopped")
	return r.Err()
}

func (r *Ring) running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started && !r.stopped && r.fatal == nil
}

// Send builds a message from src to dst and writes it to src's admin link.
// Both ids must be ring members.
func (r *Ring) Send(src, dst int, body []byte) (*message.Message, error) {
	if !r.running() {
		return nil, ErrNotRunning
	}
	if !r.member(src) {
		return nil, fmt.Errorf("source: %w: %d", nodes.ErrUnknownNode, src)
	}
	if !r.member(dst) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDestination, dst)
	}
	m, err := message.New(r.ids.Next(), dst, body)
	if err != nil {
		return nil, err
	}
	if err := r.Inject(src, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Inject writes m to src's admin link as is. Unlike Send it does not check
// the destination, so a message to a missing node exercises the delivery
// failure path.
func (r *Ring) Inject(src int, m *message.Message) error {
	if !r.running() {
		return ErrNotRunning
	}
	if !r.member(src) {
		return fmt.Errorf("source: %w: %d", nodes.ErrUnknownNode, src)
	}
	if err := transport.Send(r.admins[src], r.coder, m); err != nil {
		return fmt.Errorf("admin %d: %w", src, err)
	}
	logs.Debugf("ring: injected %v at node %d", m, src)
	return nil
}

// NextID reserves a message id from the ring's generator.
func (r *Ring) NextID() int32 {
	return r.ids.Next()
}

func (r *Ring) Config() Config {
	return r.cfg
}

// IDs lists node ids in ring order.
func (r *Ring) IDs() []int {
	return append([]int(nil), r.members...)
}

func (r *Ring) member(id int) bool {
	return id >= 1 && id <= len(r.nodes)
}

// Status returns one snapshot per node in ring order.
func (r *Ring) Status() []nodes.Status {
	out := make([]nodes.Status, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.Status())
	}
	return out
}

// NodeStatus returns the snapshot of a single node.
func (r *Ring) NodeStatus(id int) (nodes.Status, error) {
	if !r.member(id) {
		return nodes.Status{}, fmt.Errorf("%w: %d", nodes.ErrUnknownNode, id)
	}
	return r.nodes[id-1].Status(), nil
}
