package app

import "errors"

// Minimum recommended secret size for HMAC-SHA256. Measured in bytes,
// not runes, because the key is used as raw bytes.
const minTokenSecretBytes = 32

// ValidateSecurityConfig enforces the token-secret policy at startup.
//
// Fail-fast is intentional: silently running with a weak or missing
// signing key in production is unacceptable. ALUMNODE_DEV_INSECURE
// permits an ephemeral generated secret for local development.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.TokenSecret == "" {
		if cfg.DevInsecure {
			return nil
		}
		return errors.New("security policy: ALUMNODE_TOKEN_SECRET is required (min 32 bytes); set ALUMNODE_DEV_INSECURE=true to run with an ephemeral secret")
	}
	if len(cfg.TokenSecret) < minTokenSecretBytes {
		return errors.New("security policy: ALUMNODE_TOKEN_SECRET is too short (min 32 bytes)")
	}
	return nil
}
