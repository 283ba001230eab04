package ice

import (
	"context"
	"net"
	"slices"
	"sync"

	"github.com/pion/randutil"
	"golang.org/x/sync/errgroup"

	"github.com/aethiopicuschan/tsunagu/stun"
)

const (
	ufragLength = 16
	pwdLength   = 32

	// Alphanumeric subset of ice-char.
	credentialRunes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

func generateCredentials() (ufrag, pwd string, err error) {
	if ufrag, err = randutil.GenerateCryptoRandomString(ufragLength, credentialRunes); err != nil {
		return "", "", err
	}
	if pwd, err = randutil.GenerateCryptoRandomString(pwdLength, credentialRunes); err != nil {
		return "", "", err
	}
	return ufrag, pwd, nil
}

// GatherCandidates binds one UDP socket per host address and component,
// starts listening on them and, when a STUN server is configured, learns
// server-reflexive candidates. Calling it again returns the same
// candidates.
func (c *Connection) GatherCandidates(ctx context.Context) ([]Candidate, error) {
	c.mu.Lock()
	switch c.state {
	case StateNew:
	case StateClosed:
		c.mu.Unlock()
		return nil, ErrClosed
	case StateGathering:
		c.mu.Unlock()
		return nil, ErrNegotiationInProgress
	default:
		cands := slices.Clone(c.locals)
		c.mu.Unlock()
		return cands, nil
	}
	c.setState(StateGathering)
	c.mu.Unlock()

	ips, err := c.hostAddresses()
	if err != nil {
		c.finishGathering(nil)
		return nil, err
	}

	var muxes []*mux
	for component := 1; component <= c.cfg.Components; component++ {
		for i, ip := range ips {
			if m := c.bind(ip, component, localPreference(i)); m != nil {
				muxes = append(muxes, m)
			}
		}
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		for _, m := range muxes {
			_ = m.close()
		}
		return nil, ErrClosed
	}
	c.muxes = muxes
	for _, m := range muxes {
		m := m // per-iteration copy (go1.21 loop semantics)
		c.locals = append(c.locals, m.local)
		c.log.Debugf("gathered host candidate %s", m.local)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			m.recvLoop()
		}()
	}
	c.mu.Unlock()

	if len(muxes) == 0 {
		c.finishGathering(nil)
		return nil, ErrNoHostAddresses
	}

	return c.finishGathering(c.discoverReflexive(ctx, muxes)), nil
}

func (c *Connection) finishGathering(reflexive []Candidate) []Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locals = append(c.locals, reflexive...)
	if c.state == StateGathering {
		c.setState(StateGathered)
	}
	return slices.Clone(c.locals)
}

func localPreference(index int) uint16 {
	return uint16(65535 - min(index, 65535))
}

func (c *Connection) bind(ip net.IP, component int, localPref uint16) *mux {
	network := "udp4"
	if ip.To4() == nil {
		network = "udp6"
	}
	conn, err := net.ListenUDP(network, &net.UDPAddr{IP: ip})
	if err != nil {
		c.log.Warnf("binding %s: %v", ip, err)
		return nil
	}
	addr := conn.LocalAddr().(*net.UDPAddr)
	local := Candidate{
		Foundation: candidateFoundation(CandidateHost, "udp", ip),
		Component:  component,
		Transport:  "udp",
		Priority:   CandidatePriority(component, CandidateHost, localPref),
		Address:    addr.IP.String(),
		Port:       addr.Port,
		Type:       CandidateHost,
	}
	return newMux(conn, local, c, c.log)
}

// hostAddresses returns the configured host addresses or, without any,
// the addresses of every up non-loopback interface. Loopback is used when
// nothing else is available.
func (c *Connection) hostAddresses() ([]net.IP, error) {
	if len(c.cfg.HostAddresses) > 0 {
		return c.cfg.HostAddresses, nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, iface := range ifaces {
		iface := iface // per-iteration copy (go1.21 loop semantics)
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() || ipnet.IP.IsLinkLocalUnicast() {
				continue
			}
			if ipnet.IP.To4() == nil && !c.cfg.IPv6 {
				continue
			}
			ips = append(ips, ipnet.IP)
		}
	}
	if len(ips) == 0 {
		ips = append(ips, net.IPv4(127, 0, 0, 1))
	}
	return ips, nil
}

// discoverReflexive sends a binding request to the STUN server from every
// socket of the server's address family, concurrently. Mapped addresses
// equal to the socket's own address are not reported.
func (c *Connection) discoverReflexive(ctx context.Context, muxes []*mux) []Candidate {
	if c.cfg.STUNServer == "" {
		return nil
	}
	server, err := net.ResolveUDPAddr("udp", c.cfg.STUNServer)
	if err != nil {
		c.log.Warnf("resolving STUN server %s: %v", c.cfg.STUNServer, err)
		return nil
	}

	var (
		mu    sync.Mutex
		found []Candidate
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range muxes {
		m := m // per-iteration copy (go1.21 loop semantics)
		base := m.addr()
		if (base.IP.To4() == nil) != (server.IP.To4() == nil) {
			continue
		}
		g.Go(func() error {
			tid, err := stun.NewTransactionID()
			if err != nil {
				return err
			}
			resp, _, err := c.tx.Do(ctx, m, server, stun.NewBindingRequest(tid), nil)
			if err != nil {
				c.log.Warnf("server-reflexive discovery from %s: %v", base, err)
				return nil
			}
			mapped, err := stun.FindMappedAddress(resp)
			if err != nil {
				c.log.Warnf("server-reflexive discovery from %s: %v", base, err)
				return nil
			}
			if sameAddr(mapped, base) {
				return nil
			}

			cand := Candidate{
				Foundation:     candidateFoundation(CandidateServerReflexive, "udp", base.IP),
				Component:      m.local.Component,
				Transport:      "udp",
				Priority:       CandidatePriority(m.local.Component, CandidateServerReflexive, m.local.localPreference()),
				Address:        mapped.IP.String(),
				Port:           mapped.Port,
				Type:           CandidateServerReflexive,
				RelatedAddress: m.local.Address,
				RelatedPort:    m.local.Port,
			}
			c.log.Debugf("gathered server-reflexive candidate %s", cand)

			mu.Lock()
			found = append(found, cand)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.log.Warnf("server-reflexive discovery: %v", err)
	}

	slices.SortFunc(found, func(a, b Candidate) int {
		return a.Component - b.Component
	})
	return found
}
