package registry

import (
	"strings"
	"testing"
)

func TestHashAndVerifySecret(t *testing.T) {
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}
	if len(secret) < 32 {
		t.Fatalf("secret too short: %d chars", len(secret))
	}

	hash, err := HashSecret(secret)
	if err != nil {
		t.Fatalf("HashSecret failed: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Errorf("expected PHC format, got %q", hash)
	}

	if !VerifySecret(secret, hash) {
		t.Error("correct secret should verify")
	}
	if VerifySecret("wrong-secret-but-still-long-enough", hash) {
		t.Error("wrong secret should not verify")
	}
}

func TestVerifySecretMalformedHash(t *testing.T) {
	cases := []string{
		"",
		"plainhash",
		"$argon2i$v=19$m=32768,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=99$m=32768,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=19$broken$c2FsdA$a2V5",
		"$argon2id$v=19$m=32768,t=1,p=1$!!!$a2V5",
	}
	for _, phc := range cases {
		if VerifySecret("anything", phc) {
			t.Errorf("malformed hash %q must not verify", phc)
		}
	}
}

func TestHashSecretUniqueSalts(t *testing.T) {
	h1, err := HashSecret("same-secret")
	if err != nil {
		t.Fatalf("HashSecret failed: %v", err)
	}
	h2, err := HashSecret("same-secret")
	if err != nil {
		t.Fatalf("HashSecret failed: %v", err)
	}
	if h1 == h2 {
		t.Error("hashes of the same secret must differ by salt")
	}
	if !VerifySecret("same-secret", h1) || !VerifySecret("same-secret", h2) {
		t.Error("both hashes should verify the original secret")
	}
}
