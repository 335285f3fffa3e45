package token

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// checkStructure verifies the credential is a three-segment JWT. Signature
// verification is the issuer's responsibility; this layer only guards
// against truncated or garbled credential material.
func checkStructure(credential string) error {
	parts := strings.Split(credential, ".")
	if len(parts) != 3 {
		return fmt.Errorf("malformed credential: expected 3 segments, got %d", len(parts))
	}
	for i, p := range parts {
		if p == "" {
			return fmt.Errorf("malformed credential: empty segment %d", i)
		}
	}
	return nil
}

// embeddedSubject extracts the "sub" claim from the credential payload.
func embeddedSubject(credential string) (string, error) {
	parts := strings.Split(credential, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed credential")
	}

	payload, err := base64URLDecode(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}

	var claims struct {
		Sub string `json:"sub"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("parse payload: %w", err)
	}
	return claims.Sub, nil
}

// base64URLDecode decodes a base64url encoded string, tolerating missing
// padding.
func base64URLDecode(s string) ([]byte, error) {
	switch len(s) % 4 {
	case 2:
		s += "=="
	case 3:
		s += "="
	}
	return base64.URLEncoding.DecodeString(s)
}
