package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

const curve25519KeySize = 32

var (
	// ErrInvalidPublicKey indicates the recipient key is not a base64 curve25519 key.
	ErrInvalidPublicKey = errors.New("crypto: invalid sealed box public key")
	// ErrSealedBoxOpen indicates a sealed box could not be decrypted.
	ErrSealedBoxOpen = errors.New("crypto: sealed box open failed")
)

// SealBase64 encrypts plaintext for the holder of publicKey (base64 encoded) using
// an anonymous libsodium-compatible sealed box and returns base64 ciphertext.
func SealBase64(publicKey string, plaintext []byte) (string, error) {
	recipient, err := decodeKey(publicKey)
	if err != nil {
		return "", err
	}
	sealed, err := box.SealAnonymous(nil, plaintext, recipient, rand.Reader)
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenBase64 decrypts a base64 sealed box produced by SealBase64.
func OpenBase64(ciphertext string, publicKey, privateKey *[curve25519KeySize]byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedBoxOpen, err)
	}
	plain, ok := box.OpenAnonymous(nil, raw, publicKey, privateKey)
	if !ok {
		return nil, ErrSealedBoxOpen
	}
	return plain, nil
}

func decodeKey(encoded string) (*[curve25519KeySize]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(raw) != curve25519KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidPublicKey, len(raw))
	}
	var key [curve25519KeySize]byte
	copy(key[:], raw)
	return &key, nil
}
