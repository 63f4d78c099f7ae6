package registry

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for device secret hashing.
//
// Device secrets are high-entropy random values (not human passwords), so
// the parameters lean towards cheap verification: secrets are checked on
// every connection handshake.
const (
	argonTime    = 1
	argonMemory  = 32 * 1024
	argonThreads = 1
	argonKeyLen  = 32
	argonSaltLen = 16

	// secretBytes of randomness per device secret; hex-encoded this yields
	// a 48-character string, comfortably over the 32-character minimum the
	// session layer enforces.
	secretBytes = 24

	pairingTokenBytes = 16
	pairingCodeMax    = 1000000 // codes are 000000..999999
)

// GenerateSecret mints a new device auth secret.
// The plaintext is returned exactly once, at registration or rotation; only
// the hash is persisted.
func GenerateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSecretGeneration, err)
	}
	return hex.EncodeToString(buf), nil
}

// HashSecret hashes a device secret with argon2id and returns a PHC-format
// string embedding the parameters and salt.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSecretGeneration, err)
	}

	key := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	encSalt := base64.RawStdEncoding.EncodeToString(salt)
	encKey := base64.RawStdEncoding.EncodeToString(key)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads, encSalt, encKey), nil
}

// VerifySecret checks a plaintext secret against a stored PHC hash in
// constant time. Malformed hashes verify as false, never as an error the
// caller could distinguish from a wrong secret.
func VerifySecret(secret, phc string) bool {
	salt, key, memory, timeCost, threads, err := decodePHC(phc)
	if err != nil {
		return false
	}

	candidate := argon2.IDKey([]byte(secret), salt, timeCost, memory, threads, uint32(len(key)))

	return subtle.ConstantTimeCompare(candidate, key) == 1
}

// decodePHC parses an argon2id PHC string into its salt, derived key, and
// cost parameters.
func decodePHC(phc string) (salt, key []byte, memory, timeCost uint32, threads uint8, err error) {
	parts := strings.Split(phc, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, nil, 0, 0, 0, fmt.Errorf("registry: malformed secret hash")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return nil, nil, 0, 0, 0, fmt.Errorf("registry: unsupported argon2 version")
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &timeCost, &threads); err != nil {
		return nil, nil, 0, 0, 0, fmt.Errorf("registry: malformed argon2 parameters")
	}

	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, 0, 0, 0, fmt.Errorf("registry: malformed salt encoding")
	}
	key, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, nil, 0, 0, 0, fmt.Errorf("registry: malformed key encoding")
	}

	return salt, key, memory, timeCost, threads, nil
}

// newPairingCode returns a zero-padded six-digit pairing code.
func newPairingCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(pairingCodeMax))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSecretGeneration, err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// newPairingToken returns a 32-character hex confirmation token.
func newPairingToken() (string, error) {
	buf := make([]byte, pairingTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSecretGeneration, err)
	}
	return hex.EncodeToString(buf), nil
}
