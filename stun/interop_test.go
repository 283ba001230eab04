package stun_test

import (
	"encoding/binary"
	"net"
	"testing"

	pionstun "github.com/pion/stun"

	"github.com/aethiopicuschan/tsunagu/stun"
	"github.com/stretchr/testify/assert"
)

// These tests check the codec against pion/stun, an independent
// implementation, in both directions.

func TestInterop_EncodedCheckVerifiesWithPion(t *testing.T) {
	t.Parallel()

	const pwd = "VOkJxbRl1RmTxUk/WvJxBt"

	tid := stun.TransactionID{0xb7, 0xe7, 0xa7, 0x01, 0xbc, 0x34, 0xd6, 0x86, 0xfa, 0x87, 0xdf, 0xae}
	req := stun.NewBindingRequest(tid,
		stun.Username("evtj:h6vY"),
		stun.Priority(0x6e0001ff),
		stun.ICEControlled(0x932ff9b151263b36),
		stun.UseCandidate{},
	)
	raw := req.Encode([]byte(pwd))

	m := new(pionstun.Message)
	m.Raw = raw
	assert.NoError(t, m.Decode())

	assert.NoError(t, pionstun.NewShortTermIntegrity(pwd).Check(m))
	assert.NoError(t, pionstun.Fingerprint.Check(m))
	assert.Equal(t, pionstun.BindingRequest, m.Type)
	assert.Equal(t, [pionstun.TransactionIDSize]byte(tid), m.TransactionID)

	var user pionstun.Username
	assert.NoError(t, user.GetFrom(m))
	assert.Equal(t, "evtj:h6vY", user.String())

	prio, err := m.Get(pionstun.AttrPriority)
	assert.NoError(t, err)
	assert.Equal(t, uint32(0x6e0001ff), binary.BigEndian.Uint32(prio))

	assert.True(t, m.Contains(pionstun.AttrUseCandidate))
	assert.True(t, m.Contains(pionstun.AttrICEControlled))
}

func TestInterop_PionMessageVerifiesHere(t *testing.T) {
	t.Parallel()

	const pwd = "secret-password"

	m, err := pionstun.Build(
		pionstun.TransactionID,
		pionstun.BindingSuccess,
		&pionstun.XORMappedAddress{IP: net.IPv4(192, 0, 2, 1), Port: 32853},
		pionstun.NewShortTermIntegrity(pwd),
		pionstun.Fingerprint,
	)
	assert.NoError(t, err)

	msg, err := stun.Decode(m.Raw, []byte(pwd))
	assert.NoError(t, err)
	assert.Equal(t, stun.ClassSuccessResponse, msg.Class)
	assert.Equal(t, stun.MethodBinding, msg.Method)

	mapped, err := stun.FindMappedAddress(msg)
	assert.NoError(t, err)
	assert.Equal(t, "192.0.2.1:32853", mapped.String())

	_, err = stun.Decode(m.Raw, []byte("not-the-password"))
	assert.ErrorIs(t, err, stun.ErrIntegrity)
}

func TestInterop_XORMappedAddressIPv6(t *testing.T) {
	t.Parallel()

	tid := stun.TransactionID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	ip := net.ParseIP("2001:db8:1234:5678:11:2233:4455:6677")

	raw := stun.NewSuccessResponse(stun.NewBindingRequest(tid), stun.XORMappedAddress{IP: ip, Port: 32853}).Encode(nil)

	m := new(pionstun.Message)
	m.Raw = raw
	assert.NoError(t, m.Decode())

	var xa pionstun.XORMappedAddress
	assert.NoError(t, xa.GetFrom(m))
	assert.True(t, ip.Equal(xa.IP))
	assert.Equal(t, 32853, xa.Port)
}
