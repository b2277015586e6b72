package datachannel

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the AEAD key size of both supported suites.
	KeySize = 32
	// ImplicitIVSize is the part of the nonce taken from key material. The
	// remaining four bytes are the packet counter.
	ImplicitIVSize = 8
	// TagSize is the authentication tag size of both supported suites.
	TagSize = 16

	nonceSize = 12
)

// Suite is a negotiated data channel AEAD construction.
type Suite int

const (
	SuiteAES256GCM Suite = iota
	SuiteChaCha20Poly1305
)

func ParseSuite(name string) (Suite, error) {
	switch strings.ToUpper(name) {
	case "", "AES-256-GCM", "AES256GCM":
		return SuiteAES256GCM, nil
	case "CHACHA20-POLY1305", "CHACHA20POLY1305":
		return SuiteChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("unsupported data cipher %q", name)
	}
}

func (s Suite) String() string {
	switch s {
	case SuiteAES256GCM:
		return "AES-256-GCM"
	case SuiteChaCha20Poly1305:
		return "CHACHA20-POLY1305"
	default:
		return "unknown"
	}
}

func (s Suite) newAEAD(key []byte) (cipher.AEAD, error) {
	switch s {
	case SuiteAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case SuiteChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("unsupported data cipher %d", int(s))
	}
}
