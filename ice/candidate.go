package ice

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// CandidateType is the kind of transport address a candidate describes.
type CandidateType string

const (
	CandidateHost            CandidateType = "host"
	CandidateServerReflexive CandidateType = "srflx"
	CandidatePeerReflexive   CandidateType = "prflx"
	CandidateRelay           CandidateType = "relay"
)

// Preference returns the RFC 8445 type preference.
func (t CandidateType) Preference() uint32 {
	switch t {
	case CandidateHost:
		return 126
	case CandidatePeerReflexive:
		return 110
	case CandidateServerReflexive:
		return 100
	}
	return 0
}

// Candidate is a transport address an agent may be reachable at.
type Candidate struct {
	Foundation string
	Component  int
	Transport  string
	Priority   uint32
	Address    string
	Port       int
	Type       CandidateType
	Generation int

	// RelatedAddress and RelatedPort name the base of a reflexive or
	// relayed candidate. Empty for host candidates.
	RelatedAddress string
	RelatedPort    int
}

// CandidatePriority computes a candidate priority from its component, type
// and local preference (0-65535).
func CandidatePriority(component int, typ CandidateType, localPref uint16) uint32 {
	return typ.Preference()<<24 | uint32(localPref)<<8 | uint32(256-component)
}

// candidateFoundation derives a foundation shared by candidates of the same
// type, transport and base address.
func candidateFoundation(typ CandidateType, transport string, base net.IP) string {
	sum := blake3.Sum256([]byte(string(typ) + "|" + strings.ToLower(transport) + "|" + base.String()))
	return hex.EncodeToString(sum[:4])
}

// ParseCandidate parses the SDP candidate attribute value, e.g.
//
//	6815297761 1 udp 659136 1.2.3.4 31102 typ host generation 0
//
// A leading "candidate:" is accepted.
func ParseCandidate(text string) (Candidate, error) {
	fail := func(reason string, err error) (Candidate, error) {
		return Candidate{}, &ParseError{Text: text, Reason: reason, Err: err}
	}

	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(text), "candidate:"))
	if len(fields) < 8 {
		return fail(fmt.Sprintf("expected at least 8 fields, got %d", len(fields)), nil)
	}

	component, err := strconv.Atoi(fields[1])
	if err != nil || component < 1 || component > 256 {
		return fail("invalid component", err)
	}
	priority, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return fail("invalid priority", err)
	}
	port, err := parsePort(fields[5])
	if err != nil {
		return fail("invalid port", err)
	}
	if fields[6] != "typ" {
		return fail("missing typ marker", nil)
	}

	c := Candidate{
		Foundation: fields[0],
		Component:  component,
		Transport:  fields[2],
		Priority:   uint32(priority),
		Address:    fields[4],
		Port:       port,
		Type:       CandidateType(fields[7]),
	}

	for i := 8; i+1 < len(fields); i += 2 {
		value := fields[i+1]
		switch fields[i] {
		case "generation":
			if c.Generation, err = strconv.Atoi(value); err != nil {
				return fail("invalid generation", err)
			}
		case "raddr":
			c.RelatedAddress = value
		case "rport":
			if c.RelatedPort, err = parsePort(value); err != nil {
				return fail("invalid rport", err)
			}
		}
	}
	return c, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	return int(port), nil
}

// String renders the candidate in the form accepted by ParseCandidate.
func (c Candidate) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d %s %d %s %d typ %s",
		c.Foundation, c.Component, c.Transport, c.Priority, c.Address, c.Port, c.Type)
	if c.RelatedAddress != "" {
		fmt.Fprintf(&b, " raddr %s rport %d", c.RelatedAddress, c.RelatedPort)
	}
	fmt.Fprintf(&b, " generation %d", c.Generation)
	return b.String()
}

// Equal reports whether both candidates describe the same transport
// address. Priority and generation are not compared.
func (c Candidate) Equal(o Candidate) bool {
	return c.Foundation == o.Foundation &&
		c.Component == o.Component &&
		strings.EqualFold(c.Transport, o.Transport) &&
		c.Address == o.Address &&
		c.Port == o.Port &&
		c.Type == o.Type
}

// addr returns the candidate's UDP address, or nil when Address is not an
// IP literal.
func (c Candidate) addr() *net.UDPAddr {
	ip := net.ParseIP(c.Address)
	if ip == nil {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: c.Port}
}

func (c Candidate) localPreference() uint16 {
	return uint16(c.Priority >> 8)
}

// canPair reports whether a check can run between local and remote.
func canPair(local, remote Candidate) bool {
	if local.Component != remote.Component || !strings.EqualFold(local.Transport, remote.Transport) {
		return false
	}
	la, ra := local.addr(), remote.addr()
	if la == nil || ra == nil {
		return false
	}
	return (la.IP.To4() == nil) == (ra.IP.To4() == nil)
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.Port == b.Port && a.IP.Equal(b.IP)
}
