// Package token produces the opaque identifiers handed to recipients. Access
// tokens are bearer credentials: they must be unguessable and must not encode
// session id, order index or recipient type.
package token

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

const accessTokenBytes = 24

// NewId returns a new entity id for sessions and recipients.
func NewId() string {
	return uuid.New().String()
}

// NewAccessToken returns a 48 character hex token drawn from crypto/rand.
func NewAccessToken() (string, error) {
	buf := make([]byte, accessTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
