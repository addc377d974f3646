// Package smtpsession implements the per-connection SMTP state machine:
// authentication, envelope validation, data reception, and handoff to the
// delivery pipeline.
package smtpsession

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// decodePlain decodes an AUTH PLAIN response.
// Format: base64(authzid\0authcid\0password); authzid is ignored.
func decodePlain(encoded string) (user, pass string, err error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", fmt.Errorf("invalid base64 encoding")
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return "", "", fmt.Errorf("invalid AUTH PLAIN format")
	}
	return parts[1], parts[2], nil
}

// decodeLogin decodes the challenge-response halves of AUTH LOGIN.
func decodeLogin(encodedUser, encodedPass string) (user, pass string, err error) {
	u, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return "", "", fmt.Errorf("invalid base64 username")
	}
	p, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return "", "", fmt.Errorf("invalid base64 password")
	}
	return string(u), string(p), nil
}
