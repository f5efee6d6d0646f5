package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
)

const tokenByteLength = 32

// CredentialSource issues the two secrets bound to a device record.
type CredentialSource interface {
	NewToken() (string, error)
	NewPairCode() (string, error)
}

type randomCredentialSource struct{}

// NewRandomCredentialSource constructs a CredentialSource backed by crypto/rand.
func NewRandomCredentialSource() CredentialSource {
	return &randomCredentialSource{}
}

func (s *randomCredentialSource) NewToken() (string, error) {
	buffer := make([]byte, tokenByteLength)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return hex.EncodeToString(buffer), nil
}

func (s *randomCredentialSource) NewPairCode() (string, error) {
	bound := big.NewInt(1)
	for i := 0; i < pairCodeLength; i++ {
		bound.Mul(bound, big.NewInt(10))
	}
	value, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", pairCodeLength, value), nil
}
