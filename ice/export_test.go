package ice

// This file exposes unexported functions for black-box tests
// in package ice_test. It is compiled only during `go test`.

var TestCandidateFoundation = candidateFoundation

// ResolveOptions returns the configuration opts produce over the defaults.
func ResolveOptions(opts ...Option) Config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// MarkNominated flags p as nominated without selecting it.
func MarkNominated(p *CandidatePair) { p.nominated = true }
