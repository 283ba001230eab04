package ice

import (
	"context"
	"net"
)

// session is the data path over a selected pair: it sends through the
// pair's local socket to the remote address and receives from the
// connection's inbound queue.
type session struct {
	mux    *mux
	remote *net.UDPAddr
	in     <-chan datagram
	closed <-chan struct{}
}

func newSession(m *mux, remote *net.UDPAddr, in <-chan datagram, closed <-chan struct{}) *session {
	return &session{
		mux:    m,
		remote: remote,
		in:     in,
		closed: closed,
	}
}

func (s *session) Send(p []byte) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	_, err := s.mux.conn.WriteToUDP(p, s.remote)
	return err
}

func (s *session) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrClosed
	case d := <-s.in:
		return d.payload, nil
	}
}
