package stun

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
)

// Client is a simple STUN UDP client.
type Client struct {
	// Timeout is the overall deadline used if ctx has no deadline.
	Timeout time.Duration

	// Retries controls how many times to retransmit the same request on timeout.
	Retries int

	// RTO is the initial retransmission timeout.
	RTO time.Duration

	// Logger receives transaction traces. Nil uses the pion default factory.
	Logger logging.LeveledLogger
}

// NewClient returns a Client with sensible defaults.
func NewClient() *Client {
	return &Client{
		Timeout: 3 * time.Second,
		Retries: 6,
		RTO:     250 * time.Millisecond,
	}
}

// BindingRequest sends a STUN Binding Request to serverAddr and returns the public mapped address.
// serverAddr should be like "stun.l.google.com:19302".
func (c *Client) BindingRequest(ctx context.Context, serverAddr string) (*net.UDPAddr, error) {
	raddr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return nil, err
	}

	network := "udp4"
	if raddr.IP.To4() == nil {
		network = "udp6"
	}
	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return c.BindingRequestConn(ctx, conn, raddr)
}

// BindingRequestConn performs a STUN Binding Request over an existing,
// unconnected socket. The client reads from conn until the exchange is
// over, so nothing else may read from it concurrently.
func (c *Client) BindingRequestConn(ctx context.Context, conn net.PacketConn, server net.Addr) (*net.UDPAddr, error) {
	tid, err := NewTransactionID()
	if err != nil {
		return nil, err
	}

	parent := ctx
	if _, ok := ctx.Deadline(); !ok && c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	tx := NewTransactions(c.Logger)
	tx.MaxRetries = c.Retries
	tx.RTO = c.RTO
	defer tx.Close()

	readCtx, stopReading := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		readResponses(readCtx, conn, tx)
	}()
	defer func() {
		stopReading()
		wg.Wait()
		_ = conn.SetReadDeadline(time.Time{})
	}()

	resp, _, err := tx.Do(ctx, conn, server, NewBindingRequest(tid), nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return FindMappedAddress(resp)
}

// readResponses feeds every STUN message read from conn into tx until ctx
// is done.
func readResponses(ctx context.Context, conn net.PacketConn, tx *Transactions) {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return
		}

		msg, err := Parse(buf[:n])
		if err != nil {
			// Ignore non-STUN packets.
			continue
		}
		tx.Handle(msg, from)
	}
}
