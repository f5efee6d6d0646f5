package auth

import (
	"context"
	"testing"
	"time"
)

func TestSessionTokenRoundTrip(t *testing.T) {
	issuer := NewSessionIssuer(SessionIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "tether-relay",
		Audience:      "tether-web",
		SessionTTL:    time.Hour,
	})

	token, expiresIn, err := issuer.IssueSessionToken(context.Background(), "thread-1", "123456")
	if err != nil {
		t.Fatalf("failed to issue session token: %v", err)
	}
	if expiresIn != int64(time.Hour.Seconds()) {
		t.Fatalf("unexpected expiry seconds: %d", expiresIn)
	}

	threadID, pairCode, err := issuer.ValidateSessionToken(token)
	if err != nil {
		t.Fatalf("failed to validate session token: %v", err)
	}
	if threadID != "thread-1" {
		t.Fatalf("unexpected thread id %q", threadID)
	}
	if pairCode != "123456" {
		t.Fatalf("unexpected pair code %q", pairCode)
	}
}

func TestSessionTokenRejectsWrongSecret(t *testing.T) {
	issuer := NewSessionIssuer(SessionIssuerConfig{
		SigningSecret: []byte("secret-a"),
		Issuer:        "tether-relay",
		Audience:      "tether-web",
	})
	other := NewSessionIssuer(SessionIssuerConfig{
		SigningSecret: []byte("secret-b"),
		Issuer:        "tether-relay",
		Audience:      "tether-web",
	})

	token, _, err := issuer.IssueSessionToken(context.Background(), "thread-1", "123456")
	if err != nil {
		t.Fatalf("failed to issue session token: %v", err)
	}
	if _, _, err := other.ValidateSessionToken(token); err == nil {
		t.Fatalf("expected validation to fail under a different secret")
	}
}

func TestSessionTokenExpires(t *testing.T) {
	current := time.Unix(1700000000, 0).UTC()
	issuer := NewSessionIssuer(SessionIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "tether-relay",
		Audience:      "tether-web",
		SessionTTL:    time.Minute,
		Clock:         func() time.Time { return current },
	})

	token, _, err := issuer.IssueSessionToken(context.Background(), "thread-1", "123456")
	if err != nil {
		t.Fatalf("failed to issue session token: %v", err)
	}
	if _, _, err := issuer.ValidateSessionToken(token); err != nil {
		t.Fatalf("expected fresh token to validate: %v", err)
	}

	current = current.Add(2 * time.Minute)
	if _, _, err := issuer.ValidateSessionToken(token); err == nil {
		t.Fatalf("expected expired token to fail validation")
	}
}

func TestIssueSessionTokenRequiresClaims(t *testing.T) {
	issuer := NewSessionIssuer(SessionIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "tether-relay",
		Audience:      "tether-web",
	})

	if _, _, err := issuer.IssueSessionToken(context.Background(), "", "123456"); err == nil {
		t.Fatalf("expected missing thread id to fail")
	}
	if _, _, err := issuer.IssueSessionToken(context.Background(), "thread-1", ""); err == nil {
		t.Fatalf("expected missing pair code to fail")
	}
}
