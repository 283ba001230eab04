package stun

import (
	"errors"
	"net"
	"sync"

	"github.com/pion/logging"
)

// Server is a minimal STUN server (RFC 5389) that answers UDP Binding
// requests with XOR-MAPPED-ADDRESS. ICE agents use it to learn their
// server-reflexive address.
type Server struct {
	// Conn is the UDP socket the server reads from and writes to.
	Conn *net.UDPConn

	// Software, if non-empty, is included as a SOFTWARE attribute in responses.
	Software string

	// MaxPacketSize is the max UDP datagram size to read into the buffer.
	// If zero, defaults to 1500.
	MaxPacketSize int

	log       logging.LeveledLogger
	onceClose sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// ListenUDP creates a UDP STUN server bound to addr (e.g. "0.0.0.0:3478").
//
// Call Serve to start handling requests.
func ListenUDP(addr string) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return NewServer(conn, nil), nil
}

// NewServer wraps an already bound socket. log may be nil.
func NewServer(conn *net.UDPConn, log logging.LeveledLogger) *Server {
	if log == nil {
		log = logging.NewDefaultLoggerFactory().NewLogger("stun")
	}
	return &Server{
		Conn:          conn,
		MaxPacketSize: 1500,
		log:           log,
		closeCh:       make(chan struct{}),
	}
}

// Addr returns the address the server is bound to.
func (s *Server) Addr() *net.UDPAddr {
	return s.Conn.LocalAddr().(*net.UDPAddr)
}

// Close stops the server and closes the underlying UDP socket.
//
// Close is safe to call multiple times.
func (s *Server) Close() error {
	var err error
	s.onceClose.Do(func() {
		close(s.closeCh)
		err = s.Conn.Close()
	})
	s.wg.Wait()
	return err
}

// Serve handles requests until Close is called.
func (s *Server) Serve() error {
	if s.Conn == nil {
		return errors.New("stun: server Conn is nil")
	}
	s.wg.Add(1)
	defer s.wg.Done()

	size := s.MaxPacketSize
	if size <= 0 {
		size = 1500
	}
	buf := make([]byte, size)

	for {
		n, raddr, err := s.Conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closeCh:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.handlePacket(buf[:n], raddr)
	}
}

// handlePacket replies to Binding Requests and drops everything else.
func (s *Server) handlePacket(pkt []byte, raddr *net.UDPAddr) {
	req, err := Parse(pkt)
	if err != nil {
		var uae *UnknownAttributesError
		if errors.As(err, &uae) {
			s.log.Debugf("rejecting request from %s: %v", raddr, err)
			s.rejectUnknown(pkt, uae.Types, raddr)
		} else {
			s.log.Tracef("ignoring packet from %s: %v", raddr, err)
		}
		return
	}

	if req.Method != MethodBinding || req.Class != ClassRequest {
		return
	}

	resp := NewSuccessResponse(req, XORMappedAddress{IP: raddr.IP, Port: raddr.Port})
	if s.Software != "" {
		resp.Add(Software(s.Software))
	}
	if _, err := s.Conn.WriteToUDP(resp.Encode(nil), raddr); err != nil {
		s.log.Debugf("writing binding response to %s: %v", raddr, err)
	}
}

// rejectUnknown answers a request carrying unknown comprehension-required
// attributes with 420 (RFC 5389 7.3.1). Parse has already validated the
// header.
func (s *Server) rejectUnknown(pkt []byte, types []AttrType, raddr *net.UDPAddr) {
	method, class := parseType(readU16(pkt[0:2]))
	if class != ClassRequest {
		return
	}
	resp := &Message{
		Method: method,
		Class:  ClassErrorResponse,
		Attributes: []Attribute{
			ErrorCode{Code: CodeUnknownAttribute, Reason: "Unknown Attribute"},
			UnknownAttributes(types),
		},
	}
	copy(resp.TransactionID[:], pkt[8:20])
	if _, err := s.Conn.WriteToUDP(resp.Encode(nil), raddr); err != nil {
		s.log.Debugf("writing 420 response to %s: %v", raddr, err)
	}
}
