package wire

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pmpsync/core/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pair(t *testing.T, ra, rb *Router, opts Options) (*Conn, *Conn) {
	t.Helper()
	x, y := net.Pipe()
	oa, ob := opts, opts
	oa.Name, ob.Name = "a", "b"
	a := New(x, ra, oa)
	b := New(y, rb, ob)

	errs := make(chan error, 2)
	go func() { errs <- a.Open(context.Background()) }()
	go func() { errs <- b.Open(context.Background()) }()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	t.Cleanup(func() {
		a.Close("test done")
		b.Close("test done")
	})
	return a, b
}

// rawPeer opens a Conn against a bare pipe end driven by the test.
func rawPeer(t *testing.T, router *Router, opts Options) (*Conn, net.Conn, *bufio.Reader) {
	t.Helper()
	local, remote := net.Pipe()
	c := New(local, router, opts)

	opened := make(chan error, 1)
	go func() { opened <- c.Open(context.Background()) }()
	go io.WriteString(remote, "PMP\n")

	rd := bufio.NewReader(remote)
	line, err := rd.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "PMP\n", line)
	require.NoError(t, <-opened)

	t.Cleanup(func() {
		remote.Close()
		c.Close("")
	})
	return c, remote, rd
}

func writeFrame(t *testing.T, w io.Writer, m protocol.Message) {
	t.Helper()
	line, err := protocol.Encode(m)
	require.NoError(t, err)
	_, err = fmt.Fprintf(w, "%s\n", line)
	require.NoError(t, err)
}

func readFrame(t *testing.T, rd *bufio.Reader) protocol.Message {
	t.Helper()
	for {
		line, err := rd.ReadBytes('\n')
		require.NoError(t, err)
		m, err := protocol.Decode(line[:len(line)-1])
		require.NoError(t, err)
		if _, ok := m.(*protocol.KeepAlive); ok {
			continue
		}
		return m
	}
}

func waitDone(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not close")
	}
}

func TestHandshakeRejectsWrongToken(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	go func() {
		io.WriteString(remote, "HELLO\n")
		io.Copy(io.Discard, remote)
	}()

	c := New(local, nil, Options{})
	err := c.Open(context.Background())
	assert.ErrorIs(t, err, ErrHandshake)
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Send(&protocol.KeepAlive{}), ErrConnectionClosed)
}

func TestWireOrderMatchesCallOrderUnderConcurrentProducers(t *testing.T) {
	received := make(chan *protocol.FilterAdd, 100)
	rb := NewRouter()
	Handle(rb, func(_ *Conn, m *protocol.FilterAdd) { received <- m })

	a, _ := pair(t, NewRouter(), rb, Options{})

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				assert.NoError(t, a.Send(&protocol.FilterAdd{Key: strconv.Itoa(p)}))
			}
		}(p)
	}
	wg.Wait()

	var last int64
	for i := 0; i < 100; i++ {
		select {
		case m := <-received:
			assert.Equal(t, last+1, m.ID)
			last = m.ID
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d messages arrived", i)
		}
	}
}

func TestListenerCancellationSkipsHandler(t *testing.T) {
	var handled atomic.Int32
	barrier := make(chan struct{}, 1)
	rb := NewRouter()
	Handle(rb, func(_ *Conn, _ *protocol.FilterAdd) { handled.Add(1) })
	Handle(rb, func(_ *Conn, _ *protocol.FilterList) { barrier <- struct{}{} })

	a, b := pair(t, NewRouter(), rb, Options{})

	var heard atomic.Int32
	remove := Listen(b, func(_ *protocol.FilterAdd, ev *Event) {
		heard.Add(1)
		ev.Cancelled = true
	})

	require.NoError(t, a.Send(&protocol.FilterAdd{Key: "genre"}))
	require.NoError(t, a.Send(&protocol.FilterList{}))
	<-barrier
	assert.Equal(t, int32(1), heard.Load())
	assert.Equal(t, int32(0), handled.Load())

	remove()
	require.NoError(t, a.Send(&protocol.FilterAdd{Key: "genre"}))
	require.NoError(t, a.Send(&protocol.FilterList{}))
	<-barrier
	assert.Equal(t, int32(1), heard.Load())
	assert.Equal(t, int32(1), handled.Load())
}

func TestListenersShareFlagLastWriteWins(t *testing.T) {
	done := make(chan struct{}, 1)
	rb := NewRouter()
	Handle(rb, func(_ *Conn, _ *protocol.FilterAdd) { done <- struct{}{} })

	a, b := pair(t, NewRouter(), rb, Options{})

	var order []string
	Listen(b, func(_ *protocol.FilterAdd, ev *Event) {
		order = append(order, "first")
		ev.Cancelled = true
	})
	Listen(b, func(_ *protocol.FilterAdd, ev *Event) {
		order = append(order, "second")
		ev.Cancelled = false
	})

	require.NoError(t, a.Send(&protocol.FilterAdd{Key: "k"}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not run")
	}
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestRequestCollectsResponseSequence(t *testing.T) {
	rb := NewRouter()
	Handle(rb, func(c *Conn, m *protocol.ActionRequest) {
		reply := protocol.Reply{ReplyTo: m.RequestID()}
		c.Send(&protocol.ActionResponse{Reply: reply, Status: protocol.ActionQueued, ActionID: -1})
		c.Send(&protocol.ActionResponse{Reply: reply, Status: protocol.ActionApproved, ActionID: -1})
		c.Send(&protocol.ActionResponse{Reply: reply, Status: protocol.ActionCompleted, ActionID: 6})
	})
	ra := NewRouter()
	Handle(ra, func(_ *Conn, _ *protocol.ActionResponse) {
		t.Error("response leaked to global handler")
	})

	a, _ := pair(t, ra, rb, Options{})

	call, err := a.Request(&protocol.ActionRequest{})
	require.NoError(t, err)
	defer call.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var statuses []protocol.ActionStatus
	for {
		resp, err := Next[*protocol.ActionResponse](ctx, call)
		require.NoError(t, err)
		statuses = append(statuses, resp.Status)
		if resp.Status.Terminal() {
			assert.Equal(t, int64(6), resp.ActionID)
			break
		}
	}
	assert.Equal(t, []protocol.ActionStatus{protocol.ActionQueued, protocol.ActionApproved, protocol.ActionCompleted}, statuses)
}

func TestQueuedResponseWinsOverDisconnect(t *testing.T) {
	c, remote, rd := rawPeer(t, NewRouter(), Options{})

	call, err := c.Request(&protocol.ActionRequest{})
	require.NoError(t, err)

	req := readFrame(t, rd).(*protocol.ActionRequest)
	writeFrame(t, remote, &protocol.ActionResponse{
		Reply:    protocol.Reply{ReplyTo: req.RequestID()},
		Status:   protocol.ActionCompleted,
		ActionID: 3,
	})
	writeFrame(t, remote, &protocol.Disconnect{Reason: "bye"})
	waitDone(t, c)

	ctx := context.Background()
	resp, err := Next[*protocol.ActionResponse](ctx, call)
	require.NoError(t, err)
	assert.Equal(t, int64(3), resp.ActionID)

	_, err = call.Next(ctx)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorIs(t, c.Err(), ErrPeerDisconnected)
}

func TestBlockedCallWakesOnConnectionLoss(t *testing.T) {
	c, remote, rd := rawPeer(t, NewRouter(), Options{})

	call, err := c.Request(&protocol.ActionRequest{})
	require.NoError(t, err)
	readFrame(t, rd)

	errs := make(chan error, 1)
	go func() {
		_, err := call.Next(context.Background())
		errs <- err
	}()

	remote.Close()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestCallContextCancellationIsDistinct(t *testing.T) {
	c, _, rd := rawPeer(t, NewRouter(), Options{})
	call, err := c.Request(&protocol.ActionRequest{})
	require.NoError(t, err)
	defer call.Close()
	readFrame(t, rd)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = call.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrConnectionClosed)
}

func TestMalformedFrameIsDropped(t *testing.T) {
	got := make(chan string, 1)
	router := NewRouter()
	Handle(router, func(_ *Conn, m *protocol.FilterAdd) { got <- m.Key })

	c, remote, _ := rawPeer(t, router, Options{})
	_, err := io.WriteString(remote, "this is not json\n")
	require.NoError(t, err)
	_, err = io.WriteString(remote, `{"type":"bogus.v1"}`+"\n")
	require.NoError(t, err)
	writeFrame(t, remote, &protocol.FilterAdd{Key: "mood"})

	select {
	case key := <-got:
		assert.Equal(t, "mood", key)
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after garbage was not handled")
	}
	assert.True(t, c.Connected())
}

func TestKeepAliveTimeoutDisconnects(t *testing.T) {
	c, _, rd := rawPeer(t, NewRouter(), Options{
		KeepAliveInterval: 10 * time.Millisecond,
		KeepAliveTimeout:  50 * time.Millisecond,
	})
	go io.Copy(io.Discard, rd)

	waitDone(t, c)
	assert.ErrorIs(t, c.Err(), ErrKeepAliveTimeout)
}

func TestKeepAlivesKeepPairConnected(t *testing.T) {
	a, b := pair(t, NewRouter(), NewRouter(), Options{
		KeepAliveInterval: 20 * time.Millisecond,
		KeepAliveTimeout:  300 * time.Millisecond,
	})
	time.Sleep(400 * time.Millisecond)
	assert.True(t, a.Connected())
	assert.True(t, b.Connected())
}

func TestGracefulCloseNotifiesPeer(t *testing.T) {
	a, b := pair(t, NewRouter(), NewRouter(), Options{})

	var observed error = io.EOF
	var mu sync.Mutex
	a.OnClose(func(err error) {
		mu.Lock()
		observed = err
		mu.Unlock()
	})

	a.Close("shutting down")
	waitDone(t, b)
	assert.ErrorIs(t, b.Err(), ErrPeerDisconnected)

	mu.Lock()
	assert.NoError(t, observed)
	mu.Unlock()
	assert.ErrorIs(t, a.Send(&protocol.KeepAlive{}), ErrConnectionClosed)
}
