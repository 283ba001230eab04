package ice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/aethiopicuschan/tsunagu/stun"
)

// maxEarlyChecks bounds the checks remembered before Connect.
const maxEarlyChecks = 64

var errAsymmetricResponse = errors.New("ice: response from unexpected address")

// incomingCheck is a validated binding request from the peer.
type incomingCheck struct {
	mux          *mux
	from         *net.UDPAddr
	priority     uint32
	useCandidate bool
}

// schedule starts one check per tick until ctx is done.
func (c *Connection) schedule(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		if c.state == StateChecking {
			if p := c.nextPair(); p != nil {
				c.startCheck(p, false)
			}
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// nextPair prefers triggered checks over the ordinary checklist order.
// c.mu must be held.
func (c *Connection) nextPair() *CandidatePair {
	for len(c.triggered) > 0 {
		p := c.triggered[0]
		c.triggered = c.triggered[1:]
		if p.state == PairWaiting && c.checklist.Selected(p.Component()) == nil {
			p.state = PairInProgress
			return p
		}
	}
	return c.checklist.Next()
}

// startCheck runs a check for p in its own goroutine. c.mu must be held and
// the caller must itself be tracked by c.wg.
func (c *Connection) startCheck(p *CandidatePair, nominate bool) {
	idx := slices.IndexFunc(c.muxes, func(m *mux) bool { return m.local.Equal(p.local) })
	if idx < 0 {
		c.checklist.Fail(p)
		return
	}
	c.log.Tracef("checking %s (nominate=%t)", p, nominate)

	c.wg.Add(1)
	go c.check(c.checkCtx, c.muxes[idx], p, nominate)
}

// check sends a binding request over p and applies the outcome. A role
// conflict response makes it recompute the role and retry once.
func (c *Connection) check(ctx context.Context, m *mux, p *CandidatePair, nominate bool) {
	defer c.wg.Done()

	dst := p.remote.addr()
	retried := false
	for {
		req, key, controlling, err := c.buildCheck(p, nominate)
		if err != nil {
			c.checkFailed(p, err)
			return
		}

		_, from, err := c.tx.Do(ctx, m, dst, req, key)
		if ctx.Err() != nil || errors.Is(err, stun.ErrClosed) {
			return
		}

		if stun.IsRoleConflict(err) {
			if retried {
				c.mu.Lock()
				c.conclude(&ConnectError{Kind: RoleConflictUnresolved, Err: err})
				c.mu.Unlock()
				return
			}
			retried = true
			c.recomputeRole(controlling)
			continue
		}
		if err != nil {
			c.checkFailed(p, err)
			return
		}

		if addr, _ := from.(*net.UDPAddr); !sameAddr(addr, dst) {
			c.checkFailed(p, fmt.Errorf("%w: %s", errAsymmetricResponse, from))
			return
		}
		c.checkSucceeded(p, nominate)
		return
	}
}

// buildCheck snapshots the credentials and role into a binding request.
func (c *Connection) buildCheck(p *CandidatePair, nominate bool) (*stun.Message, []byte, bool, error) {
	tid, err := stun.NewTransactionID()
	if err != nil {
		return nil, nil, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	req := stun.NewBindingRequest(tid,
		stun.Username(c.remoteUfrag+":"+c.localUfrag),
		stun.Priority(CandidatePriority(p.local.Component, CandidatePeerReflexive, p.local.localPreference())),
	)
	if c.controlling {
		req.Add(stun.ICEControlling(c.tieBreaker))
		if nominate {
			req.Add(stun.UseCandidate{})
		}
	} else {
		req.Add(stun.ICEControlled(c.tieBreaker))
	}
	return req, []byte(c.remotePwd), c.controlling, nil
}

func (c *Connection) checkSucceeded(p *CandidatePair, nominate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateChecking {
		return
	}

	c.checklist.Succeed(p)
	c.log.Debugf("pair succeeded: %s", p)

	switch {
	case nominate:
		c.selectPair(p)
	case c.controlling:
		if c.checklist.Nominated(p.Component()) == nil {
			p.nominated = true
			c.startCheck(p, true)
		}
	case p.nominated:
		c.selectPair(p)
	}
}

func (c *Connection) checkFailed(p *CandidatePair, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateChecking {
		return
	}

	c.checklist.Fail(p)
	c.log.Debugf("pair failed: %s: %v", p, err)

	component := p.Component()
	if c.controlling && c.checklist.Nominated(component) == nil {
		if next := c.checklist.BestSucceeded(component); next != nil {
			next.nominated = true
			c.startCheck(next, true)
		}
	}
	if c.checklist.Exhausted(component) {
		c.conclude(&ConnectError{Kind: ChecklistExhausted, Err: err})
	}
}

// selectPair makes p the selected pair of its component and concludes
// Connect once every component has one. c.mu must be held.
func (c *Connection) selectPair(p *CandidatePair) {
	c.checklist.Select(p)
	c.log.Infof("selected pair for component %d: %s", p.Component(), p)

	if !c.checklist.Complete() {
		return
	}
	first := c.checklist.Selected(c.checklist.Components()[0])
	idx := slices.IndexFunc(c.muxes, func(m *mux) bool { return m.local.Equal(first.local) })
	c.session = newSession(c.muxes[idx], first.remote.addr(), c.data, c.closed)
	c.conclude(nil)
}

// recomputeRole applies a role conflict response to a check sent with the
// given role. A negotiable role is switched unless another conflict
// already switched it.
func (c *Connection) recomputeRole(sentControlling bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cfg.RoleNegotiation || c.controlling != sentControlling {
		return
	}
	c.switchRole(!sentControlling)
}

// switchRole changes the role. A newly controlling agent nominates the
// pairs that already succeeded. c.mu must be held.
func (c *Connection) switchRole(controlling bool) {
	c.controlling = controlling
	c.log.Infof("switched role to %s", c.roleLocked())
	if c.checklist == nil {
		return
	}

	c.checklist.SetControlling(controlling)
	if !controlling || c.state != StateChecking {
		return
	}
	for _, component := range c.checklist.Components() {
		if c.checklist.Nominated(component) != nil {
			continue
		}
		if p := c.checklist.BestSucceeded(component); p != nil {
			p.nominated = true
			c.startCheck(p, true)
		}
	}
}

func (c *Connection) roleLocked() Role {
	if c.controlling {
		return RoleControlling
	}
	return RoleControlled
}

// roleConflict applies the tie-breaker rule to a request carrying our own
// role. It reports whether the request must be answered with 487.
// c.mu must be held.
func (c *Connection) roleConflict(msg *stun.Message) bool {
	if c.controlling {
		theirs, ok := msg.Get(stun.AttrICEControlling).(stun.ICEControlling)
		if !ok {
			return false
		}
		if !c.cfg.RoleNegotiation || c.tieBreaker >= uint64(theirs) {
			return true
		}
		c.switchRole(false)
		return false
	}

	theirs, ok := msg.Get(stun.AttrICEControlled).(stun.ICEControlled)
	if !ok {
		return false
	}
	if !c.cfg.RoleNegotiation || c.tieBreaker < uint64(theirs) {
		return true
	}
	c.switchRole(true)
	return false
}

// handleRequest answers a binding request from the peer and feeds it into
// the checklist.
func (c *Connection) handleRequest(m *mux, msg *stun.Message, from *net.UDPAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}

	username, _ := msg.Get(stun.AttrUsername).(stun.Username)
	if !strings.HasPrefix(string(username), c.localUfrag+":") {
		c.log.Warnf("rejecting check from %s: unknown username %q", from, username)
		c.respond(m, stun.NewErrorResponse(msg, stun.CodeUnauthorized, "Unauthorized"), nil, from)
		return
	}
	key := []byte(c.localPwd)
	if err := msg.CheckIntegrity(key); err != nil {
		c.log.Warnf("rejecting check from %s: %v", from, err)
		c.respond(m, stun.NewErrorResponse(msg, stun.CodeUnauthorized, "Unauthorized"), nil, from)
		return
	}

	if c.roleConflict(msg) {
		c.log.Debugf("role conflict with %s, answering 487", from)
		c.respond(m, stun.NewErrorResponse(msg, stun.CodeRoleConflict, "Role Conflict"), key, from)
		return
	}
	c.respond(m, stun.NewSuccessResponse(msg, stun.XORMappedAddress{IP: from.IP, Port: from.Port}), key, from)

	prio, _ := msg.Get(stun.AttrPriority).(stun.Priority)
	in := incomingCheck{
		mux:          m,
		from:         from,
		priority:     uint32(prio),
		useCandidate: msg.Contains(stun.AttrUseCandidate),
	}
	switch {
	case c.checklist == nil:
		if len(c.early) < maxEarlyChecks {
			c.early = append(c.early, in)
		}
	case c.state == StateChecking:
		c.processIncoming(in)
	}
}

func (c *Connection) respond(m *mux, resp *stun.Message, key []byte, to *net.UDPAddr) {
	if _, err := m.WriteTo(resp.Encode(key), to); err != nil {
		c.log.Debugf("responding to %s: %v", to, err)
	}
}

// processIncoming updates the checklist for a check received from the
// peer. c.mu must be held.
func (c *Connection) processIncoming(in incomingCheck) {
	local := in.mux.local
	p := c.checklist.Lookup(local, in.from)
	if p == nil {
		remote := c.peerReflexive(local, in)
		p = c.checklist.Add(local, remote, c.controlling)
	}

	if in.useCandidate && !c.controlling {
		p.nominated = true
		if p.state == PairSucceeded {
			c.selectPair(p)
			return
		}
	}

	if c.checklist.Selected(p.Component()) == nil && c.checklist.Trigger(p) && !slices.Contains(c.triggered, p) {
		c.triggered = append(c.triggered, p)
	}
}

// peerReflexive returns the remote candidate at the source of in, learning
// a peer-reflexive candidate when the address is new. c.mu must be held.
func (c *Connection) peerReflexive(local Candidate, in incomingCheck) Candidate {
	for _, r := range c.remotes {
		if r.Component == local.Component && sameAddr(r.addr(), in.from) {
			return r
		}
	}
	remote := Candidate{
		Foundation: candidateFoundation(CandidatePeerReflexive, local.Transport, in.from.IP),
		Component:  local.Component,
		Transport:  local.Transport,
		Priority:   in.priority,
		Address:    in.from.IP.String(),
		Port:       in.from.Port,
		Type:       CandidatePeerReflexive,
	}
	c.remotes = append(c.remotes, remote)
	c.log.Debugf("learned peer-reflexive candidate %s", remote)
	return remote
}

func (c *Connection) handleResponse(msg *stun.Message, from *net.UDPAddr) {
	c.tx.Handle(msg, from)
}

// handleData queues application data, dropping it when the queue is full.
func (c *Connection) handleData(_ *mux, p []byte, from *net.UDPAddr) {
	select {
	case c.data <- datagram{payload: p, addr: from}:
	default:
		c.log.Debugf("receive queue full, dropping %d bytes from %s", len(p), from)
	}
}
