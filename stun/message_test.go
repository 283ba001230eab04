package stun_test

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/aethiopicuschan/tsunagu/stun"
	"github.com/stretchr/testify/assert"
)

func TestNewBindingRequest(t *testing.T) {
	t.Parallel()

	tid := stun.TransactionID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	msg := stun.NewBindingRequest(tid)

	assert.Equal(t, stun.MethodBinding, msg.Method)
	assert.Equal(t, stun.ClassRequest, msg.Class)
	assert.Equal(t, tid, msg.TransactionID)
	assert.Empty(t, msg.Attributes)
}

func TestMessage_EncodeParse_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		attributes []stun.Attribute
	}{
		{
			name:       "no attributes",
			attributes: nil,
		},
		{
			name: "connectivity check",
			attributes: []stun.Attribute{
				stun.Username("remote:local"),
				stun.Priority(1853824767),
				stun.ICEControlling(0x0102030405060708),
				stun.UseCandidate{},
			},
		},
		{
			name: "controlled check with odd username",
			attributes: []stun.Attribute{
				stun.Username("abc:de"),
				stun.Priority(42),
				stun.ICEControlled(7),
			},
		},
		{
			name: "error response",
			attributes: []stun.Attribute{
				stun.ErrorCode{Code: 487, Reason: "Role Conflict"},
				stun.Software("tsunagu"),
			},
		},
		{
			name: "ipv4 and ipv6 addresses",
			attributes: []stun.Attribute{
				stun.XORMappedAddress{IP: net.IPv4(192, 0, 2, 1).To4(), Port: 32853},
				stun.MappedAddress{IP: net.ParseIP("2001:db8::1"), Port: 1},
			},
		},
	}

	for _, tt := range tests {
		tt := tt // per-iteration copy (go1.21 loop semantics)
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tid := stun.TransactionID{9, 8, 7, 6, 5, 4, 3, 2, 1, 0, 1, 2}
			msg := &stun.Message{
				Method:        stun.MethodBinding,
				Class:         stun.ClassSuccessResponse,
				TransactionID: tid,
				Attributes:    tt.attributes,
			}

			raw := msg.Encode([]byte("password"))
			assert.Zero(t, len(raw)%4)

			parsed, err := stun.Decode(raw, []byte("password"))
			assert.NoError(t, err)
			assert.Equal(t, msg.Method, parsed.Method)
			assert.Equal(t, msg.Class, parsed.Class)
			assert.Equal(t, msg.TransactionID, parsed.TransactionID)
			assert.Len(t, parsed.Attributes, len(tt.attributes))

			for i := range tt.attributes {
				assert.Equal(t, tt.attributes[i].Type(), parsed.Attributes[i].Type())
			}
		})
	}
}

func TestMessage_Marshal_NoIntegrity(t *testing.T) {
	t.Parallel()

	msg := stun.NewBindingRequest(stun.TransactionID{1}, stun.Username("a:b"))
	raw := msg.Marshal()

	parsed, err := stun.Parse(raw)
	assert.NoError(t, err)
	assert.False(t, parsed.HasIntegrity())
	assert.ErrorIs(t, parsed.CheckIntegrity([]byte("x")), stun.ErrIntegrity)
	assert.Equal(t, stun.Username("a:b"), parsed.Get(stun.AttrUsername))
}

func TestDecode_WrongKey(t *testing.T) {
	t.Parallel()

	raw := stun.NewBindingRequest(stun.TransactionID{1}, stun.Priority(1)).Encode([]byte("right"))

	_, err := stun.Decode(raw, []byte("wrong"))
	assert.ErrorIs(t, err, stun.ErrIntegrity)
}

func TestParse_TamperedFingerprint(t *testing.T) {
	t.Parallel()

	raw := stun.NewBindingRequest(stun.TransactionID{1}, stun.Priority(1)).Encode(nil)
	raw[len(raw)-1] ^= 0xFF

	_, err := stun.Parse(raw)
	assert.ErrorIs(t, err, stun.ErrFingerprint)
}

func TestParse_TamperedBodyFailsIntegrity(t *testing.T) {
	t.Parallel()

	msg := stun.NewBindingRequest(stun.TransactionID{1}, stun.Priority(1))
	raw := msg.Encode([]byte("pwd"))

	// Flip a PRIORITY byte and fix the fingerprint so only integrity breaks.
	raw[stun.HeaderLen+7] ^= 0x01
	fpAt := len(raw) - 4
	binary.BigEndian.PutUint32(raw[fpAt:], stun.TestFingerprint(raw[:fpAt-4]))

	parsed, err := stun.Parse(raw)
	assert.NoError(t, err)
	assert.ErrorIs(t, parsed.CheckIntegrity([]byte("pwd")), stun.ErrIntegrity)
}

func TestParse_UnknownAttributes(t *testing.T) {
	t.Parallel()

	build := func(attrType uint16) []byte {
		attr := []byte{
			byte(attrType >> 8), byte(attrType), // type
			0x00, 0x03, // length
			0xAA, 0xBB, 0xCC, // value
			0x00, // padding
		}
		header := make([]byte, stun.HeaderLen)
		binary.BigEndian.PutUint16(header[0:2], 0x0001)
		binary.BigEndian.PutUint16(header[2:4], uint16(len(attr)))
		binary.BigEndian.PutUint32(header[4:8], stun.MagicCookie)
		return append(header, attr...)
	}

	t.Run("optional is skipped", func(t *testing.T) {
		t.Parallel()

		msg, err := stun.Parse(build(0x80FF))
		assert.NoError(t, err)
		assert.Empty(t, msg.Attributes)
	})

	t.Run("required aborts", func(t *testing.T) {
		t.Parallel()

		_, err := stun.Parse(build(0x0077))

		var uae *stun.UnknownAttributesError
		assert.ErrorAs(t, err, &uae)
		assert.Equal(t, []stun.AttrType{0x0077}, uae.Types)
	})
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		pkt  []byte
	}{
		{
			name: "too short",
			pkt:  []byte{0x00, 0x01},
		},
		{
			name: "invalid type bits",
			pkt: func() []byte {
				b := make([]byte, stun.HeaderLen)
				b[0] = 0xC0
				binary.BigEndian.PutUint32(b[4:8], stun.MagicCookie)
				return b
			}(),
		},
		{
			name: "invalid magic cookie",
			pkt: func() []byte {
				b := make([]byte, stun.HeaderLen)
				binary.BigEndian.PutUint32(b[4:8], 0xdeadbeef)
				return b
			}(),
		},
		{
			name: "length exceeds packet",
			pkt: func() []byte {
				b := make([]byte, stun.HeaderLen)
				binary.BigEndian.PutUint16(b[2:4], 100)
				binary.BigEndian.PutUint32(b[4:8], stun.MagicCookie)
				return b
			}(),
		},
		{
			name: "attribute length overflow",
			pkt: func() []byte {
				b := make([]byte, stun.HeaderLen+4)
				binary.BigEndian.PutUint32(b[4:8], stun.MagicCookie)
				binary.BigEndian.PutUint16(b[2:4], 4)
				binary.BigEndian.PutUint16(b[stun.HeaderLen+2:], 10)
				return b
			}(),
		},
		{
			name: "attribute after fingerprint",
			pkt: func() []byte {
				raw := stun.NewBindingRequest(stun.TransactionID{}).Encode(nil)
				raw = append(raw, 0x80, 0x22, 0x00, 0x00)
				binary.BigEndian.PutUint16(raw[2:4], uint16(len(raw)-stun.HeaderLen))
				return raw
			}(),
		},
	}

	for _, tt := range tests {
		tt := tt // per-iteration copy (go1.21 loop semantics)
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := stun.Parse(tt.pkt)
			assert.Error(t, err)
		})
	}
}

func TestIsMessage(t *testing.T) {
	t.Parallel()

	assert.True(t, stun.IsMessage(stun.NewBindingRequest(stun.TransactionID{}).Marshal()))
	assert.False(t, stun.IsMessage([]byte("howdee")))
	assert.False(t, stun.IsMessage(make([]byte, stun.HeaderLen)))
}

func TestMessage_GetContains(t *testing.T) {
	t.Parallel()

	msg := stun.NewBindingRequest(stun.TransactionID{}, stun.Priority(5))
	msg.Add(stun.UseCandidate{})

	assert.Equal(t, stun.Priority(5), msg.Get(stun.AttrPriority))
	assert.True(t, msg.Contains(stun.AttrUseCandidate))
	assert.False(t, msg.Contains(stun.AttrICEControlled))
	assert.Nil(t, msg.Get(stun.AttrUsername))
}
