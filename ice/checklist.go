package ice

import (
	"net"
	"slices"
	"sort"
)

// Checklist holds the candidate pairs of one negotiation, ordered by
// descending priority, together with the selected pair of every component.
//
// A Checklist is not safe for concurrent use; Connection guards it with its
// own mutex.
type Checklist struct {
	pairs      []*CandidatePair
	components []int
	selected   map[int]*CandidatePair
}

// NewChecklist pairs every local candidate with every compatible remote
// candidate. The best pair of each (foundation, component) group starts
// Waiting, the rest Frozen.
func NewChecklist(locals, remotes []Candidate, controlling bool) *Checklist {
	cl := &Checklist{selected: make(map[int]*CandidatePair)}
	for _, l := range locals {
		if !slices.Contains(cl.components, l.Component) {
			cl.components = append(cl.components, l.Component)
		}
		for _, r := range remotes {
			if canPair(l, r) && cl.find(l, r) == nil {
				cl.pairs = append(cl.pairs, newCandidatePair(l, r, controlling))
			}
		}
	}
	sort.Ints(cl.components)
	cl.sort()

	type group struct {
		foundation string
		component  int
	}
	seen := make(map[group]bool)
	for _, p := range cl.pairs {
		g := group{p.Foundation(), p.Component()}
		if !seen[g] {
			seen[g] = true
			p.state = PairWaiting
		}
	}
	return cl
}

func (cl *Checklist) sort() {
	sort.SliceStable(cl.pairs, func(i, j int) bool {
		return cl.pairs[i].priority > cl.pairs[j].priority
	})
}

func (cl *Checklist) find(local, remote Candidate) *CandidatePair {
	for _, p := range cl.pairs {
		if p.local.Equal(local) && p.remote.Equal(remote) {
			return p
		}
	}
	return nil
}

// Pairs returns the pairs in priority order.
func (cl *Checklist) Pairs() []*CandidatePair {
	return slices.Clone(cl.pairs)
}

// Components returns the component IDs the checklist must connect.
func (cl *Checklist) Components() []int {
	return slices.Clone(cl.components)
}

// Add inserts a pair discovered while checking, typically with a
// peer-reflexive remote candidate. An existing pair is returned unchanged.
func (cl *Checklist) Add(local, remote Candidate, controlling bool) *CandidatePair {
	if p := cl.find(local, remote); p != nil {
		return p
	}
	p := newCandidatePair(local, remote, controlling)
	cl.pairs = append(cl.pairs, p)
	cl.sort()
	return p
}

// Lookup returns the pair whose local candidate is local and whose remote
// candidate has the transport address addr.
func (cl *Checklist) Lookup(local Candidate, addr *net.UDPAddr) *CandidatePair {
	for _, p := range cl.pairs {
		if p.local.Equal(local) && sameAddr(p.remote.addr(), addr) {
			return p
		}
	}
	return nil
}

// Next returns the next pair to check and moves it to InProgress: the best
// Waiting pair of a component with neither a selected nor a nominated pair,
// else the best Frozen one.
func (cl *Checklist) Next() *CandidatePair {
	settled := make(map[int]bool)
	for _, p := range cl.pairs {
		if p.nominated || cl.selected[p.Component()] != nil {
			settled[p.Component()] = true
		}
	}

	var frozen *CandidatePair
	for _, p := range cl.pairs {
		if settled[p.Component()] {
			continue
		}
		if p.state == PairWaiting {
			p.state = PairInProgress
			return p
		}
		if p.state == PairFrozen && frozen == nil {
			frozen = p
		}
	}
	if frozen != nil {
		frozen.state = PairInProgress
	}
	return frozen
}

// Succeed marks p Succeeded and unfreezes every pair sharing its
// foundation.
func (cl *Checklist) Succeed(p *CandidatePair) {
	p.state = PairSucceeded
	foundation := p.Foundation()
	for _, o := range cl.pairs {
		if o.state == PairFrozen && o.Foundation() == foundation {
			o.state = PairWaiting
		}
	}
}

// Fail marks p Failed and withdraws any nomination.
func (cl *Checklist) Fail(p *CandidatePair) {
	p.state = PairFailed
	p.nominated = false
}

// Trigger schedules p for an immediate check unless one is running or has
// already succeeded. It reports whether p needs a check.
func (cl *Checklist) Trigger(p *CandidatePair) bool {
	switch p.state {
	case PairInProgress, PairSucceeded:
		return false
	}
	p.state = PairWaiting
	return true
}

// Select makes p the selected pair of its component.
func (cl *Checklist) Select(p *CandidatePair) {
	p.nominated = true
	cl.selected[p.Component()] = p
}

// Selected returns the selected pair of component, or nil.
func (cl *Checklist) Selected(component int) *CandidatePair {
	return cl.selected[component]
}

// Nominated returns the nominated pair of component, or nil.
func (cl *Checklist) Nominated(component int) *CandidatePair {
	for _, p := range cl.pairs {
		if p.Component() == component && p.nominated {
			return p
		}
	}
	return nil
}

// BestSucceeded returns the highest priority Succeeded pair of component.
func (cl *Checklist) BestSucceeded(component int) *CandidatePair {
	for _, p := range cl.pairs {
		if p.Component() == component && p.state == PairSucceeded {
			return p
		}
	}
	return nil
}

// Complete reports whether every component has a selected pair.
func (cl *Checklist) Complete() bool {
	for _, c := range cl.components {
		if cl.selected[c] == nil {
			return false
		}
	}
	return len(cl.components) > 0
}

// Exhausted reports whether component can no longer connect: it has no
// selected pair and every one of its pairs failed.
func (cl *Checklist) Exhausted(component int) bool {
	if cl.selected[component] != nil {
		return false
	}
	for _, p := range cl.pairs {
		if p.Component() == component && p.state != PairFailed {
			return false
		}
	}
	return true
}

// SetControlling recomputes pair priorities after a role switch.
func (cl *Checklist) SetControlling(controlling bool) {
	for _, p := range cl.pairs {
		p.priority = PairPriority(p.local.Priority, p.remote.Priority, controlling)
	}
	cl.sort()
}
