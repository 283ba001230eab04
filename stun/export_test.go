package stun

// This file exposes unexported functions for black-box tests
// in package stun_test. It is compiled only during `go test`.

var (
	TestStunType      = stunType
	TestParseType     = parseType
	TestEncodeAddress = encodeAddress
	TestDecodeAddress = decodeAddress
	TestFingerprint   = fingerprintOf
)
