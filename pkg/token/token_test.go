package token

import (
	"strings"
	"testing"
)

func TestGenerateLengthAndUniqueness(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(a) < MinTokenLength || len(b) < MinTokenLength {
		t.Fatalf("tokens too short: %d, %d", len(a), len(b))
	}
	if a == b {
		t.Fatalf("two generated tokens are identical")
	}
}

func TestGenerateWithLengthRejectsSmall(t *testing.T) {
	if _, err := GenerateWithLength(8); err == nil {
		t.Fatalf("expected error for short token length")
	}
}

func TestValidateRoundTrip(t *testing.T) {
	tok, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	h := Hash(tok, "secret")
	if !Validate(tok, "secret", h) {
		t.Fatalf("valid token rejected")
	}
	if Validate(tok, "other-secret", h) {
		t.Fatalf("token accepted under wrong secret")
	}
	if Validate(strings.ToUpper(tok), "secret", h) {
		t.Fatalf("mutated token accepted")
	}
}

func TestValidateLength(t *testing.T) {
	if err := ValidateLength("short"); err == nil {
		t.Fatalf("expected error for short token")
	}
	tok, _ := Generate()
	if err := ValidateLength(tok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGeneratePassword(t *testing.T) {
	p, err := GeneratePassword()
	if err != nil {
		t.Fatalf("generate password: %v", err)
	}
	if len(p) < 12 {
		t.Fatalf("password too short: %q", p)
	}
}
