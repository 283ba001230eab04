// Package ice implements an Interactive Connectivity Establishment agent
// (RFC 8445) over UDP.
//
// A Connection gathers local candidates, learns the peer's credentials and
// candidates through an external signaling channel, runs connectivity
// checks over every candidate pair and exposes the selected pair as a
// datagram path.
package ice

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/randutil"

	"github.com/aethiopicuschan/tsunagu/stun"
)

// State is the lifecycle state of a Connection.
type State int

const (
	StateNew State = iota
	StateGathering
	StateGathered
	StateChecking
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateGathering:
		return "gathering"
	case StateGathered:
		return "gathered"
	case StateChecking:
		return "checking"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Role is the agent's role in nomination.
type Role int

const (
	RoleControlled Role = iota
	RoleControlling
)

func (r Role) String() string {
	if r == RoleControlling {
		return "controlling"
	}
	return "controlled"
}

// Connection is one ICE agent. Create it with NewConnection, then call
// GatherCandidates, SetRemoteCredentials, SetRemoteCandidates and Connect.
// Close releases every socket and goroutine.
type Connection struct {
	cfg Config
	log logging.LeveledLogger
	tx  *stun.Transactions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	data      chan datagram
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	state       State
	controlling bool
	tieBreaker  uint64

	localUfrag  string
	localPwd    string
	remoteUfrag string
	remotePwd   string

	muxes   []*mux
	locals  []Candidate
	remotes []Candidate

	checklist  *Checklist
	early      []incomingCheck
	triggered  []*CandidatePair
	connecting bool
	checkCtx   context.Context
	stopChecks context.CancelFunc
	concluded  chan struct{}
	result     error
	session    *session
}

// NewConnection creates an agent with fresh local credentials and
// tie-breaker.
func NewConnection(opts ...Option) (*Connection, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	ufrag, pwd, err := generateCredentials()
	if err != nil {
		return nil, err
	}
	tieBreaker, err := randutil.CryptoUint64()
	if err != nil {
		return nil, err
	}

	tx := stun.NewTransactions(cfg.LoggerFactory.NewLogger("stun"))
	tx.MaxRetries = cfg.MaxRetries
	tx.RTO = cfg.RTO

	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		cfg:         cfg,
		log:         cfg.LoggerFactory.NewLogger("ice"),
		tx:          tx,
		ctx:         ctx,
		cancel:      cancel,
		data:        make(chan datagram, cfg.ReceiveQueue),
		closed:      make(chan struct{}),
		controlling: cfg.Controlling,
		tieBreaker:  tieBreaker,
		localUfrag:  ufrag,
		localPwd:    pwd,
		concluded:   make(chan struct{}),
	}, nil
}

// LocalCredentials returns the username fragment and password the peer
// must use in its checks.
func (c *Connection) LocalCredentials() (ufrag, pwd string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localUfrag, c.localPwd
}

// LocalCandidates returns the gathered candidates.
func (c *Connection) LocalCandidates() []Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.locals)
}

// RemoteCandidates returns the remote candidates, including peer-reflexive
// ones learned during checks.
func (c *Connection) RemoteCandidates() []Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.remotes)
}

// SetRemoteCredentials records the peer's username fragment and password.
func (c *Connection) SetRemoteCredentials(ufrag, pwd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mutable(); err != nil {
		return err
	}
	c.remoteUfrag, c.remotePwd = ufrag, pwd
	return nil
}

// SetRemoteCandidates replaces the peer's candidates. Duplicates are
// dropped.
func (c *Connection) SetRemoteCandidates(candidates []Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mutable(); err != nil {
		return err
	}
	c.remotes = c.remotes[:0]
	for _, cand := range candidates {
		if !slices.ContainsFunc(c.remotes, cand.Equal) {
			c.remotes = append(c.remotes, cand)
		}
	}
	return nil
}

func (c *Connection) mutable() error {
	switch {
	case c.state == StateClosed:
		return ErrClosed
	case c.connecting:
		return ErrNegotiationInProgress
	}
	return nil
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Role returns the current role. It may change during Connect when role
// negotiation is enabled.
func (c *Connection) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.controlling {
		return RoleControlling
	}
	return RoleControlled
}

// SelectedPair returns a snapshot of the selected pair of component, or nil
// when none has been selected.
func (c *Connection) SelectedPair(component int) *CandidatePair {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.checklist == nil {
		return nil
	}
	sel := c.checklist.Selected(component)
	if sel == nil {
		return nil
	}
	snapshot := *sel
	return &snapshot
}

// Connect runs connectivity checks until every component has a selected
// pair. It fails with a *ConnectError when preconditions are missing, every
// pair failed or a role conflict could not be resolved, and with ctx.Err()
// when ctx ends first. Concurrent calls wait for the same outcome.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if !c.connecting {
		if err := c.startChecking(); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	concluded := c.concluded
	c.mu.Unlock()

	select {
	case <-concluded:
	case <-ctx.Done():
		c.mu.Lock()
		c.conclude(ctx.Err())
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// startChecking validates the preconditions of Connect, builds the
// checklist and starts the scheduler. c.mu must be held.
func (c *Connection) startChecking() error {
	switch {
	case c.state == StateClosed:
		return ErrClosed
	case len(c.muxes) == 0:
		return &ConnectError{Kind: NoLocalCandidates}
	case len(c.remotes) == 0:
		return &ConnectError{Kind: NoRemoteCandidates}
	case c.remoteUfrag == "" || c.remotePwd == "":
		return &ConnectError{Kind: MissingCredentials}
	}

	c.connecting = true
	c.setState(StateChecking)

	locals := make([]Candidate, 0, len(c.muxes))
	for _, m := range c.muxes {
		locals = append(locals, m.local)
	}
	c.checklist = NewChecklist(locals, c.remotes, c.controlling)
	c.log.Debugf("checklist has %d pairs", len(c.checklist.pairs))

	for _, in := range c.early {
		c.processIncoming(in)
	}
	c.early = nil

	c.checkCtx, c.stopChecks = context.WithCancel(c.ctx)
	for _, component := range c.checklist.Components() {
		if c.checklist.Exhausted(component) {
			c.conclude(&ConnectError{Kind: ChecklistExhausted})
			return nil
		}
	}

	c.wg.Add(1)
	go c.schedule(c.checkCtx)
	return nil
}

// Send writes p to the selected pair of the first component.
func (c *Connection) Send(p []byte) error {
	s, err := c.activeSession()
	if err != nil {
		return err
	}
	return s.Send(p)
}

// Recv returns the next datagram received from the peer.
func (c *Connection) Recv(ctx context.Context) ([]byte, error) {
	s, err := c.activeSession()
	if err != nil {
		return nil, err
	}
	return s.Recv(ctx)
}

func (c *Connection) activeSession() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == StateClosed:
		return nil, ErrClosed
	case c.state != StateConnected || c.session == nil:
		return nil, ErrNotConnected
	}
	return c.session, nil
}

// Close stops every check, closes every socket and waits for all
// goroutines to exit. It is safe to call multiple times.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.conclude(ErrClosed)
		c.setState(StateClosed)
		muxes := c.muxes
		c.mu.Unlock()

		c.cancel()
		c.tx.Close()
		close(c.closed)
		for _, m := range muxes {
			if err := m.close(); err != nil {
				c.log.Debugf("closing %s: %v", m.local.Address, err)
			}
		}
		c.wg.Wait()
	})
	return nil
}

// conclude records the outcome of Connect once. c.mu must be held.
func (c *Connection) conclude(err error) {
	select {
	case <-c.concluded:
		return
	default:
	}

	c.result = err
	switch {
	case err == nil:
		c.setState(StateConnected)
	case err != ErrClosed:
		c.log.Warnf("connect failed: %v", err)
		c.setState(StateFailed)
	}
	close(c.concluded)
	if c.stopChecks != nil {
		c.stopChecks()
	}
}

func (c *Connection) setState(s State) {
	if c.state == s {
		return
	}
	c.log.Infof("state %s -> %s", c.state, s)
	c.state = s
}
