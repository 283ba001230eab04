package stun

import (
	"crypto/hmac"
	"crypto/sha1"
	"hash/crc32"
)

const (
	integrityLen       = sha1.Size
	integrityAttrLen   = 4 + integrityLen
	fingerprintAttrLen = 4 + 4

	fingerprintXOR = 0x5354554e
)

// integrity computes the HMAC-SHA1 used as MESSAGE-INTEGRITY value.
// With short-term credentials the key is the password itself.
func integrity(key, b []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(b)
	return mac.Sum(nil)
}

// fingerprintOf computes the FINGERPRINT value (CRC32 XOR 0x5354554e).
func fingerprintOf(b []byte) uint32 {
	return crc32.ChecksumIEEE(b) ^ fingerprintXOR
}
