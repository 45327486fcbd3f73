package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// PKCE challenge methods from RFC 7636.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// RFC 7636 code_verifier length limits.
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

// validatePKCE checks the code verifier against the challenge stored
// with the authorization code per RFC 7636. A code issued without a
// challenge skips verification; a stored challenge without a method
// falls back to the plain method.
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		if s.Config.RequirePKCE {
			return fmt.Errorf("authorization code was issued without a code challenge")
		}
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be between %d and %d characters",
			MinCodeVerifierLength, MaxCodeVerifierLength)
	}
	for _, ch := range verifier {
		valid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') ||
			(ch >= '0' && ch <= '9') || ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !valid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	if method == "" {
		method = PKCEMethodPlain
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(hash[:])
	case PKCEMethodPlain:
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// checkChallengeMethod validates the challenge parameters of an
// authorization request before a code is issued.
func (s *Server) checkChallengeMethod(challenge, method string) error {
	if challenge == "" {
		if method != "" {
			return fmt.Errorf("code_challenge_method without code_challenge")
		}
		if s.Config.RequirePKCE {
			return fmt.Errorf("code_challenge is required")
		}
		return nil
	}
	switch method {
	case "", PKCEMethodS256, PKCEMethodPlain:
		return nil
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}
}
