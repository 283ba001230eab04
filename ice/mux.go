package ice

import (
	"errors"
	"net"

	"github.com/pion/logging"

	"github.com/aethiopicuschan/tsunagu/stun"
)

// datagram is a received application packet with its source address.
type datagram struct {
	payload []byte
	addr    *net.UDPAddr
}

// packetHandler receives what a mux reads off its socket.
type packetHandler interface {
	handleRequest(m *mux, msg *stun.Message, from *net.UDPAddr)
	handleResponse(msg *stun.Message, from *net.UDPAddr)
	handleData(m *mux, p []byte, from *net.UDPAddr)
}

// mux owns one UDP socket bound for a host candidate and splits its
// traffic: STUN requests and responses go to the handler's check logic,
// everything else is application data.
type mux struct {
	conn    *net.UDPConn
	local   Candidate
	handler packetHandler
	log     logging.LeveledLogger
}

func newMux(conn *net.UDPConn, local Candidate, handler packetHandler, log logging.LeveledLogger) *mux {
	return &mux{
		conn:    conn,
		local:   local,
		handler: handler,
		log:     log,
	}
}

// WriteTo lets a mux be used as a stun.PacketWriter.
func (m *mux) WriteTo(p []byte, addr net.Addr) (int, error) {
	return m.conn.WriteTo(p, addr)
}

func (m *mux) addr() *net.UDPAddr {
	return m.conn.LocalAddr().(*net.UDPAddr)
}

func (m *mux) close() error {
	return m.conn.Close()
}

// recvLoop reads packets until the socket is closed.
func (m *mux) recvLoop() {
	buf := make([]byte, 64*1024)

	for {
		n, addr, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.log.Debugf("read on %s: %v", m.addr(), err)
			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])

		if !stun.IsMessage(frame) {
			m.handler.handleData(m, frame, addr)
			continue
		}

		msg, err := stun.Parse(frame)
		if err != nil {
			m.log.Tracef("dropping malformed STUN message from %s: %v", addr, err)
			continue
		}

		switch msg.Class {
		case stun.ClassRequest:
			if msg.Method == stun.MethodBinding {
				m.handler.handleRequest(m, msg, addr)
			}
		case stun.ClassSuccessResponse, stun.ClassErrorResponse:
			m.handler.handleResponse(msg, addr)
		}
	}
}
