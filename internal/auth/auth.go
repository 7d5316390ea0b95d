package auth

import (
	"context"
	"crypto/subtle"
	"strings"
)

type TokenValidator interface {
	Validate(ctx context.Context, token string) bool
}

// StaticTokenValidator accepts a flat, comma-separated set of bearer
// tokens. Comparison is constant-time per candidate.
type StaticTokenValidator struct {
	tokens []string
}

func NewStaticTokenValidator(spec string) *StaticTokenValidator {
	validator := &StaticTokenValidator{}
	for _, entry := range strings.Split(spec, ",") {
		token := strings.TrimSpace(entry)
		if token == "" {
			continue
		}
		validator.tokens = append(validator.tokens, token)
	}
	return validator
}

func (v *StaticTokenValidator) Validate(_ context.Context, token string) bool {
	for _, candidate := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return true
		}
	}
	return false
}
