package ring

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/token_ring/src/api/message"
	"github.com/danmuck/token_ring/src/api/nodes"
	"github.com/danmuck/token_ring/src/api/transport"
	"github.com/danmuck/token_ring/src/operations/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRing(t *testing.T, cfg Config, b Builder) (*Ring, *trace.MemoryRecorder) {
	t.Helper()
	rec := trace.NewMemoryRecorder()
	r, err := b.WithRecorder(rec).Build(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { r.Shutdown() })
	return r, rec
}

func ringConfig(nodes int) Config {
	cfg := DefaultConfig()
	cfg.Nodes = nodes
	return cfg
}

func waitAction(t *testing.T, rec *trace.MemoryRecorder, node int, action trace.Action) trace.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e, err := rec.WaitFor(ctx, func(e trace.Event) bool {
		return e.NodeID == node && e.Action == action
	})
	require.NoError(t, err, "waiting for %s at node %d", action, node)
	return e
}

func busy(e trace.Event) bool {
	return e.Action != trace.ActionIdle
}

func TestTokenVisitsNodesInRingOrder(t *testing.T) {
	for _, n := range []int{1, 3, 5} {
		t.Run(fmt.Sprintf("%d nodes", n), func(t *testing.T) {
			cfg := ringConfig(n)
			cfg.TraceIdle = true
			r, rec := startRing(t, cfg, NewBuilder(cfg))

			require.Eventually(t, func() bool { return len(rec.Events()) >= 3*n }, 5*time.Second, time.Millisecond)
			require.NoError(t, r.Shutdown())

			events := rec.Events()
			for i, e := range events[:3*n] {
				assert.Equal(t, i%n+1, e.NodeID, "hop %d", i)
				assert.Equal(t, trace.ActionIdle, e.Action, "hop %d", i)
			}
		})
	}
}

func TestAcknowledgementRoundTrip(t *testing.T) {
	cfg := ringConfig(3)
	r, rec := startRing(t, cfg, NewBuilder(cfg))

	sent, err := r.Send(1, 3, []byte("hello"))
	require.NoError(t, err)
	waitAction(t, rec, 1, trace.ActionRetire)

	type hop struct {
		node   int
		action trace.Action
		tag    string
	}
	var got []hop
	for _, e := range rec.Filter(busy) {
		got = append(got, hop{e.NodeID, e.Action, e.Tag})
	}
	assert.Equal(t, []hop{
		{1, trace.ActionSend, "3"},
		{2, trace.ActionForward, "3"},
		{3, trace.ActionReceive, "0"},
		{1, trace.ActionRetire, ""},
	}, got)

	recv := rec.Filter(func(e trace.Event) bool { return e.Action == trace.ActionReceive })
	require.Len(t, recv, 1)
	assert.Equal(t, sent.ID, recv[0].FrameID)
	assert.Equal(t, "hello", recv[0].Body)

	s, err := r.NodeStatus(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Delivered)
	assert.Equal(t, 0, s.QueueDepth)
	assert.False(t, s.InFlight)
}

func TestSendsFromOneNodeArriveInOrder(t *testing.T) {
	cfg := ringConfig(4)
	r, rec := startRing(t, cfg, NewBuilder(cfg))

	bodies := []string{"a", "b", "c", "d", "e"}
	for _, b := range bodies {
		_, err := r.Send(2, 4, []byte(b))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return len(rec.Filter(func(e trace.Event) bool { return e.Action == trace.ActionRetire })) == len(bodies)
	}, 5*time.Second, time.Millisecond)

	var got []string
	for _, e := range rec.Filter(func(e trace.Event) bool { return e.Action == trace.ActionReceive }) {
		assert.Equal(t, 4, e.NodeID)
		got = append(got, e.Body)
	}
	assert.Equal(t, bodies, got)
}

func TestSelfAddressedMessageIsDelivered(t *testing.T) {
	cfg := ringConfig(3)
	r, rec := startRing(t, cfg, NewBuilder(cfg))

	_, err := r.Send(2, 2, []byte("note to self"))
	require.NoError(t, err)
	waitAction(t, rec, 2, trace.ActionRetire)

	recv := waitAction(t, rec, 2, trace.ActionReceive)
	assert.Equal(t, "note to self", recv.Body)
}

func TestSingleNodeRing(t *testing.T) {
	cfg := ringConfig(1)
	r, rec := startRing(t, cfg, NewBuilder(cfg))

	_, err := r.Send(1, 1, []byte("solo"))
	require.NoError(t, err)
	waitAction(t, rec, 1, trace.ActionRetire)
	assert.Equal(t, []int{1}, r.IDs())
}

func TestUnknownDestinationIsRetriedThenDropped(t *testing.T) {
	cfg := ringConfig(3)
	cfg.MaxRetries = 2
	r, rec := startRing(t, cfg, NewBuilder(cfg))

	m := &message.Message{ID: r.NextID(), Tag: "9", Body: []byte("nobody")}
	require.NoError(t, r.Inject(1, m))
	waitAction(t, rec, 1, trace.ActionDrop)

	var actions []trace.Action
	for _, e := range rec.Filter(func(e trace.Event) bool { return e.NodeID == 1 && busy(e) }) {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []trace.Action{
		trace.ActionSend, trace.ActionRetry,
		trace.ActionSend, trace.ActionRetry,
		trace.ActionSend, trace.ActionDrop,
	}, actions)

	assert.Empty(t, rec.Filter(func(e trace.Event) bool { return e.Action == trace.ActionReceive }))
	s, err := r.NodeStatus(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Dropped)
	assert.Equal(t, 0, s.QueueDepth)

	// the ring keeps going after a drop
	_, err = r.Send(1, 2, []byte("after"))
	require.NoError(t, err)
	waitAction(t, rec, 1, trace.ActionRetire)
}

func TestSendRejectsUnknownNodes(t *testing.T) {
	cfg := ringConfig(3)
	r, _ := startRing(t, cfg, NewBuilder(cfg))

	_, err := r.Send(1, 0, []byte("x"))
	assert.ErrorIs(t, err, ErrUnknownDestination)
	_, err = r.Send(1, 4, []byte("x"))
	assert.ErrorIs(t, err, ErrUnknownDestination)
	assert.ErrorIs(t, err, nodes.ErrUnknownNode)
	_, err = r.Send(7, 1, []byte("x"))
	assert.ErrorIs(t, err, nodes.ErrUnknownNode)
	assert.NotErrorIs(t, err, ErrUnknownDestination)
	_, err = r.Send(1, 2, make([]byte, message.BodyLength))
	assert.ErrorIs(t, err, message.ErrBodyTooLong)
}

func TestTagsStayValidUnderLoad(t *testing.T) {
	const n, sends = 4, 40
	cfg := ringConfig(n)
	r, rec := startRing(t, cfg, NewBuilder(cfg))

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < sends; i++ {
		src, dst := rng.Intn(n)+1, rng.Intn(n)+1
		_, err := r.Send(src, dst, []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return len(rec.Filter(func(e trace.Event) bool { return e.Action == trace.ActionRetire })) == sends
	}, 10*time.Second, time.Millisecond)

	outstanding := make(map[int]int32)
	for _, e := range rec.Events() {
		require.NoError(t, message.ValidateTag(e.Tag), "event %v", e)
		switch e.Action {
		case trace.ActionSend:
			_, pending := outstanding[e.NodeID]
			require.False(t, pending, "node %d sent twice without a retire: %v", e.NodeID, e)
			outstanding[e.NodeID] = e.FrameID
		case trace.ActionRetire:
			_, ok := outstanding[e.NodeID]
			require.True(t, ok, "retire without send: %v", e)
			delete(outstanding, e.NodeID)
		case trace.ActionReceive:
			assert.Equal(t, message.AckTag, e.Tag)
		case trace.ActionRetry, trace.ActionDrop:
			t.Fatalf("unexpected delivery failure: %v", e)
		}
	}
	assert.Empty(t, outstanding)

	var delivered uint64
	for _, s := range r.Status() {
		delivered += s.Delivered
	}
	assert.Equal(t, uint64(sends), delivered)
}

func TestProtoCodecOverTCP(t *testing.T) {
	cfg := ringConfig(3)
	cfg.Transport = transport.TransportTCP
	cfg.Codec = transport.CodecProto
	r, rec := startRing(t, cfg, NewBuilder(cfg))

	_, err := r.Send(3, 2, []byte("over the wire"))
	require.NoError(t, err)
	waitAction(t, rec, 3, trace.ActionRetire)
	recv := waitAction(t, rec, 2, trace.ActionReceive)
	assert.Equal(t, "over the wire", recv.Body)
}

// linkRecorder hands out pipe links and fails after limit allocations.
type linkRecorder struct {
	limit int
	links []*transport.Link
	mu    sync.Mutex
}

func (lr *linkRecorder) factory(ctx context.Context) (*transport.Link, error) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if lr.limit > 0 && len(lr.links) >= lr.limit {
		return nil, errors.New("out of links")
	}
	l, err := transport.NewPipeLink(ctx)
	if err != nil {
		return nil, err
	}
	lr.links = append(lr.links, l)
	return l, nil
}

func TestBuildFailureReleasesLinks(t *testing.T) {
	for _, limit := range []int{1, 3, 5} {
		t.Run(fmt.Sprintf("fail after %d", limit), func(t *testing.T) {
			lr := &linkRecorder{limit: limit}
			r, err := NewBuilder(ringConfig(3)).WithLinkFactory(lr.factory).Build(context.Background())
			assert.Nil(t, r)
			require.ErrorIs(t, err, ErrSetup)
			require.Len(t, lr.links, limit)
			for i, l := range lr.links {
				assert.True(t, l.Reader.Closed(), "link %d reader", i)
				assert.True(t, l.Writer.Closed(), "link %d writer", i)
			}
		})
	}
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := ringConfig(0)
	_, err := NewBuilder(cfg).Build(context.Background())
	assert.ErrorIs(t, err, ErrSetup)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestTruncatedFrameStopsRing(t *testing.T) {
	cfg := ringConfig(3)
	cfg.HopDelay = 10 * time.Millisecond
	lr := &linkRecorder{}
	r, _ := startRing(t, cfg, NewBuilder(cfg).WithLinkFactory(lr.factory))

	// the first link carries frames from node 1 to node 2
	first := lr.links[0]
	_, err := first.Writer.Write(make([]byte, transport.FrameSize/2))
	require.NoError(t, err)
	first.Writer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = r.Wait(ctx)
	var fatal *nodes.FatalError
	require.True(t, errors.As(err, &fatal), "got %v", err)
	assert.Equal(t, 2, fatal.NodeID)
	assert.ErrorIs(t, err, transport.ErrDesync)

	assert.ErrorIs(t, r.Shutdown(), transport.ErrDesync)
	for _, s := range r.Status() {
		assert.False(t, s.Running, "node %d", s.ID)
	}
	_, err = r.Send(1, 2, []byte("late"))
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestShutdownIsIdempotent(t *testing.T) {
	cfg := ringConfig(3)
	lr := &linkRecorder{}
	r, err := NewBuilder(cfg).WithLinkFactory(lr.factory).Build(context.Background())
	require.NoError(t, err)

	_, err = r.Send(1, 2, []byte("early"))
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, r.Start(context.Background()))
	assert.ErrorIs(t, r.Start(context.Background()), ErrStarted)

	require.NoError(t, r.Shutdown())
	require.NoError(t, r.Shutdown())
	select {
	case <-r.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}

	_, err = r.Send(1, 2, []byte("late"))
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, r.Start(context.Background()), ErrNotRunning)
	for i, l := range lr.links {
		assert.True(t, l.Reader.Closed(), "link %d reader", i)
		assert.True(t, l.Writer.Closed(), "link %d writer", i)
	}
}

func TestShutdownBeforeStart(t *testing.T) {
	lr := &linkRecorder{}
	r, err := NewBuilder(ringConfig(2)).WithLinkFactory(lr.factory).Build(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.Shutdown())
	for i, l := range lr.links {
		assert.True(t, l.Reader.Closed(), "link %d reader", i)
	}
}
