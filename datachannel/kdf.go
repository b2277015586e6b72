package datachannel

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const kdfInfo = "corevpn data channel v1"

// KeyMaterial is one generation of data channel keys as seen from one end.
type KeyMaterial struct {
	Suite      Suite
	EncryptKey [KeySize]byte
	EncryptIV  [ImplicitIVSize]byte
	DecryptKey [KeySize]byte
	DecryptIV  [ImplicitIVSize]byte
}

// Reverse returns the same keys from the other end's point of view.
func (m KeyMaterial) Reverse() KeyMaterial {
	return KeyMaterial{
		Suite:      m.Suite,
		EncryptKey: m.DecryptKey,
		EncryptIV:  m.DecryptIV,
		DecryptKey: m.EncryptKey,
		DecryptIV:  m.EncryptIV,
	}
}

func (m *KeyMaterial) Zeroize() {
	clear(m.EncryptKey[:])
	clear(m.EncryptIV[:])
	clear(m.DecryptKey[:])
	clear(m.DecryptIV[:])
}

// DeriveKeyMaterial expands a handshake secret (for example TLS exported
// keying material) into both directions' keys. The server-to-client half is
// derived first.
func DeriveKeyMaterial(suite Suite, secret, salt []byte, server bool) (*KeyMaterial, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(kdfInfo))
	var (
		s2cKey [KeySize]byte
		s2cIV  [ImplicitIVSize]byte
		c2sKey [KeySize]byte
		c2sIV  [ImplicitIVSize]byte
	)
	for _, b := range [][]byte{s2cKey[:], s2cIV[:], c2sKey[:], c2sIV[:]} {
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
	}
	m := &KeyMaterial{
		Suite:      suite,
		EncryptKey: s2cKey, EncryptIV: s2cIV,
		DecryptKey: c2sKey, DecryptIV: c2sIV,
	}
	if !server {
		*m = m.Reverse()
	}
	clear(s2cKey[:])
	clear(c2sKey[:])
	return m, nil
}
