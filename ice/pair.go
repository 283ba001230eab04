package ice

import "fmt"

// PairState is the connectivity-check state of a candidate pair.
type PairState int

const (
	PairFrozen PairState = iota
	PairWaiting
	PairInProgress
	PairSucceeded
	PairFailed
)

func (s PairState) String() string {
	switch s {
	case PairFrozen:
		return "frozen"
	case PairWaiting:
		return "waiting"
	case PairInProgress:
		return "in-progress"
	case PairSucceeded:
		return "succeeded"
	case PairFailed:
		return "failed"
	}
	return fmt.Sprintf("PairState(%d)", int(s))
}

// CandidatePair couples a local and a remote candidate of the same
// component. Pairs are owned by a Checklist.
type CandidatePair struct {
	local     Candidate
	remote    Candidate
	priority  uint64
	state     PairState
	nominated bool
}

func newCandidatePair(local, remote Candidate, controlling bool) *CandidatePair {
	return &CandidatePair{
		local:    local,
		remote:   remote,
		priority: PairPriority(local.Priority, remote.Priority, controlling),
	}
}

// PairPriority combines the controlling (G) and controlled (D) candidate
// priorities into 2^32*min(G,D) + 2*max(G,D) + (G>D ? 1 : 0).
func PairPriority(local, remote uint32, controlling bool) uint64 {
	g, d := uint64(remote), uint64(local)
	if controlling {
		g, d = d, g
	}
	var tie uint64
	if g > d {
		tie = 1
	}
	return min(g, d)<<32 + 2*max(g, d) + tie
}

func (p *CandidatePair) Local() Candidate   { return p.local }
func (p *CandidatePair) Remote() Candidate  { return p.remote }
func (p *CandidatePair) Priority() uint64   { return p.priority }
func (p *CandidatePair) State() PairState   { return p.state }
func (p *CandidatePair) Nominated() bool    { return p.nominated }
func (p *CandidatePair) Component() int     { return p.local.Component }
func (p *CandidatePair) Foundation() string { return p.local.Foundation + ":" + p.remote.Foundation }

func (p *CandidatePair) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d (component %d, %s)",
		p.local.Address, p.local.Port, p.remote.Address, p.remote.Port, p.Component(), p.state)
}
