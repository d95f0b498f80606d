package testutil

// FixedTokenGenerator returns the same idempotency token every time.
//
// Unlike engine.FixedGenerator which returns tokens in sequence, every
// mutation issued through this generator looks like a replay of the first
// one, which is how tests exercise server-side deduplication.
//
// Thread-safety: FixedTokenGenerator is stateless and safe for concurrent use.
type FixedTokenGenerator struct {
	token string
}

// NewFixedTokenGenerator creates a generator for token.
// If token is empty, Generate returns "test-token-default".
func NewFixedTokenGenerator(token string) *FixedTokenGenerator {
	if token == "" {
		token = "test-token-default"
	}
	return &FixedTokenGenerator{token: token}
}

// Generate returns the fixed token.
func (g *FixedTokenGenerator) Generate() string {
	return g.token
}
