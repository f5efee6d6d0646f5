package identity

import (
	"testing"
	"unicode"
)

func TestRandomTokenShape(t *testing.T) {
	source := NewRandomCredentialSource()

	token, err := source.NewToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(token) != tokenByteLength*2 {
		t.Fatalf("expected %d hex characters, got %d", tokenByteLength*2, len(token))
	}
	for _, r := range token {
		if !unicode.Is(unicode.Hex_Digit, r) {
			t.Fatalf("token contains non-hex character %q", r)
		}
	}

	other, err := source.NewToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token == other {
		t.Fatalf("two token draws returned identical values")
	}
}

func TestRandomPairCodeShape(t *testing.T) {
	source := NewRandomCredentialSource()

	for i := 0; i < 100; i++ {
		code, err := source.NewPairCode()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(code) != pairCodeLength {
			t.Fatalf("expected %d digits, got %q", pairCodeLength, code)
		}
		for _, r := range code {
			if r < '0' || r > '9' {
				t.Fatalf("pair code contains non-digit %q", code)
			}
		}
	}
}
