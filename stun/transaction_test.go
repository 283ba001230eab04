package stun_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/aethiopicuschan/tsunagu/stun"
	"github.com/stretchr/testify/assert"
)

// recordingConn captures every datagram written through it.
type recordingConn struct {
	mu     sync.Mutex
	writes [][]byte
	sent   chan *stun.Message
}

func newRecordingConn() *recordingConn {
	return &recordingConn{sent: make(chan *stun.Message, 64)}
}

func (c *recordingConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), p...))
	c.mu.Unlock()

	msg, err := stun.Parse(p)
	if err == nil {
		c.sent <- msg
	}
	return len(p), nil
}

func (c *recordingConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

var peerAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}

func newTestTransactions(retries int, rto time.Duration) *stun.Transactions {
	tx := stun.NewTransactions(nil)
	tx.MaxRetries = retries
	tx.RTO = rto
	return tx
}

func TestTransactions_Timeout(t *testing.T) {
	t.Parallel()

	tx := newTestTransactions(2, 20*time.Millisecond)
	defer tx.Close()

	conn := newRecordingConn()
	start := time.Now()

	_, _, err := tx.Do(context.Background(), conn, peerAddr, stun.NewBindingRequest(stun.TransactionID{1}), nil)

	assert.ErrorIs(t, err, stun.ErrTimeout)
	assert.Equal(t, 3, conn.count())
	// 20 + 40 + 80 ms
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, tx.Pending())
}

func TestTransactions_OutOfOrderResponses(t *testing.T) {
	t.Parallel()

	tx := newTestTransactions(5, 200*time.Millisecond)
	defer tx.Close()

	conn := newRecordingConn()
	ids := []stun.TransactionID{{1}, {2}, {3}}

	var wg sync.WaitGroup
	results := make([]*stun.Message, len(ids))
	for i, id := range ids {
		i, id := i, id // per-iteration copy (go1.21 loop semantics)
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, _, err := tx.Do(context.Background(), conn, peerAddr, stun.NewBindingRequest(id), nil)
			assert.NoError(t, err)
			results[i] = resp
		}()
	}

	// Collect the three requests, answer them in reverse order.
	var reqs []*stun.Message
	for len(reqs) < len(ids) {
		msg := <-conn.sent
		dup := false
		for _, r := range reqs {
			if r.TransactionID == msg.TransactionID {
				dup = true
			}
		}
		if !dup {
			reqs = append(reqs, msg)
		}
	}
	for i := len(reqs) - 1; i >= 0; i-- {
		resp := stun.NewSuccessResponse(reqs[i], stun.Priority(uint32(reqs[i].TransactionID[0])))
		parsed, err := stun.Parse(resp.Encode(nil))
		assert.NoError(t, err)
		assert.True(t, tx.Handle(parsed, peerAddr))
	}
	wg.Wait()

	for i, id := range ids {
		if assert.NotNil(t, results[i]) {
			assert.Equal(t, id, results[i].TransactionID)
			assert.Equal(t, stun.Priority(uint32(id[0])), results[i].Get(stun.AttrPriority))
		}
	}
}

func TestTransactions_UnmatchedDiscarded(t *testing.T) {
	t.Parallel()

	tx := newTestTransactions(1, 10*time.Millisecond)
	defer tx.Close()

	resp := stun.NewSuccessResponse(stun.NewBindingRequest(stun.TransactionID{42}))
	parsed, err := stun.Parse(resp.Encode(nil))
	assert.NoError(t, err)

	assert.False(t, tx.Handle(parsed, peerAddr))

	req, err := stun.Parse(stun.NewBindingRequest(stun.TransactionID{43}).Encode(nil))
	assert.NoError(t, err)
	assert.False(t, tx.Handle(req, peerAddr))
}

func TestTransactions_ErrorResponse(t *testing.T) {
	t.Parallel()

	tx := newTestTransactions(5, 200*time.Millisecond)
	defer tx.Close()

	conn := newRecordingConn()
	key := []byte("secret")

	go func() {
		req := <-conn.sent
		raw := stun.NewErrorResponse(req, stun.CodeRoleConflict, "Role Conflict").Encode(key)
		parsed, err := stun.Parse(raw)
		if err == nil {
			tx.Handle(parsed, peerAddr)
		}
	}()

	_, _, err := tx.Do(context.Background(), conn, peerAddr, stun.NewBindingRequest(stun.TransactionID{5}), key)

	assert.True(t, stun.IsRoleConflict(err))
}

func TestTransactions_RejectsUnauthenticatedSuccess(t *testing.T) {
	t.Parallel()

	tx := newTestTransactions(0, 100*time.Millisecond)
	defer tx.Close()

	conn := newRecordingConn()
	handled := make(chan bool, 1)

	go func() {
		req := <-conn.sent
		raw := stun.NewSuccessResponse(req).Encode([]byte("other"))
		parsed, err := stun.Parse(raw)
		if err == nil {
			handled <- tx.Handle(parsed, peerAddr)
		}
	}()

	_, _, err := tx.Do(context.Background(), conn, peerAddr, stun.NewBindingRequest(stun.TransactionID{6}), []byte("secret"))

	assert.ErrorIs(t, err, stun.ErrTimeout)
	assert.False(t, <-handled)
}

func TestTransactions_CloseCancelsPending(t *testing.T) {
	t.Parallel()

	tx := newTestTransactions(10, time.Second)
	conn := newRecordingConn()

	done := make(chan error, 1)
	go func() {
		_, _, err := tx.Do(context.Background(), conn, peerAddr, stun.NewBindingRequest(stun.TransactionID{8}), nil)
		done <- err
	}()

	<-conn.sent
	tx.Close()
	tx.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, stun.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pending transaction was not cancelled")
	}

	_, _, err := tx.Do(context.Background(), conn, peerAddr, stun.NewBindingRequest(stun.TransactionID{9}), nil)
	assert.ErrorIs(t, err, stun.ErrClosed)
}

func TestTransactions_ContextCanceled(t *testing.T) {
	t.Parallel()

	tx := newTestTransactions(10, time.Second)
	defer tx.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := tx.Do(ctx, newRecordingConn(), peerAddr, stun.NewBindingRequest(stun.TransactionID{10}), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTransactions_DuplicateID(t *testing.T) {
	t.Parallel()

	tx := newTestTransactions(10, time.Second)
	defer tx.Close()

	conn := newRecordingConn()
	go func() {
		_, _, _ = tx.Do(context.Background(), conn, peerAddr, stun.NewBindingRequest(stun.TransactionID{11}), nil)
	}()
	<-conn.sent

	_, _, err := tx.Do(context.Background(), conn, peerAddr, stun.NewBindingRequest(stun.TransactionID{11}), nil)
	assert.ErrorIs(t, err, stun.ErrDuplicateTransaction)
}
