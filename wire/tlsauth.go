package wire

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"
)

// StaticKeySize is the size of an OpenVPN "Static key V1" (2048 bits).
const StaticKeySize = 256

const (
	staticKeyBegin = "-----BEGIN OpenVPN Static key V1-----"
	staticKeyEnd   = "-----END OpenVPN Static key V1-----"

	// Each half of a static key is cipher(64) followed by hmac(64).
	staticKeyHalf      = 128
	staticKeyHMACStart = 64
)

var ErrStaticKeyFormat = errors.New("invalid OpenVPN static key")

// StaticKey holds the two 128-byte directional keys of a tls-auth file.
type StaticKey [StaticKeySize]byte

// ParseStaticKey reads the PEM-like text format written by
// "openvpn --genkey secret".
func ParseStaticKey(data []byte) (*StaticKey, error) {
	var (
		inside bool
		done   bool
		hexBuf strings.Builder
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
		case line == staticKeyBegin:
			inside = true
		case line == staticKeyEnd:
			inside = false
			done = true
		case inside:
			hexBuf.WriteString(line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !done {
		return nil, fmt.Errorf("%w: missing key markers", ErrStaticKeyFormat)
	}
	raw, err := hex.DecodeString(hexBuf.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStaticKeyFormat, err)
	}
	if len(raw) != StaticKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrStaticKeyFormat, len(raw), StaticKeySize)
	}
	var k StaticKey
	copy(k[:], raw)
	return &k, nil
}

func (k *StaticKey) hmacKey(half int, size int) []byte {
	start := half*staticKeyHalf + staticKeyHMACStart
	return bytes.Clone(k[start : start+size])
}

// Digest is the HMAC hash used by tls-auth.
type Digest int

const (
	DigestSHA256 Digest = iota
	DigestSHA1
)

func ParseDigest(name string) (Digest, error) {
	switch strings.ToUpper(strings.ReplaceAll(name, "-", "")) {
	case "", "SHA256":
		return DigestSHA256, nil
	case "SHA1":
		return DigestSHA1, nil
	default:
		return 0, fmt.Errorf("unsupported tls-auth digest %q", name)
	}
}

// Size is the length of the HMAC tag on the wire.
func (d Digest) Size() int {
	if d == DigestSHA1 {
		return sha1.Size
	}
	return sha256.Size
}

func (d Digest) hash() func() hash.Hash {
	if d == DigestSHA1 {
		return sha1.New
	}
	return sha256.New
}

func (d Digest) String() string {
	if d == DigestSHA1 {
		return "SHA1"
	}
	return "SHA256"
}

// KeyDirection picks which half of the static key signs outgoing packets.
type KeyDirection int

const (
	KeyDirectionBidirectional KeyDirection = iota
	// KeyDirectionNormal is "key-direction 0", the usual server setting.
	KeyDirectionNormal
	// KeyDirectionInverse is "key-direction 1", the usual client setting.
	KeyDirectionInverse
)

func ParseKeyDirection(s string) (KeyDirection, error) {
	switch strings.ToLower(s) {
	case "", "bidirectional", "none":
		return KeyDirectionBidirectional, nil
	case "0", "normal":
		return KeyDirectionNormal, nil
	case "1", "inverse":
		return KeyDirectionInverse, nil
	default:
		return 0, fmt.Errorf("invalid key direction %q", s)
	}
}

// TLSAuth signs and verifies control packets with a pre-shared HMAC key.
type TLSAuth struct {
	digest  Digest
	sendKey []byte
	recvKey []byte
}

func NewTLSAuth(key *StaticKey, dir KeyDirection, digest Digest) *TLSAuth {
	size := digest.Size()
	a := &TLSAuth{digest: digest}
	switch dir {
	case KeyDirectionNormal:
		a.sendKey, a.recvKey = key.hmacKey(0, size), key.hmacKey(1, size)
	case KeyDirectionInverse:
		a.sendKey, a.recvKey = key.hmacKey(1, size), key.hmacKey(0, size)
	default:
		a.sendKey, a.recvKey = key.hmacKey(0, size), key.hmacKey(0, size)
	}
	return a
}

// mac computes the tag over the packet in the order the reference
// implementation uses: replay block, then opcode and session id, then the rest.
func (a *TLSAuth) mac(key, replay, head, rest []byte) []byte {
	h := hmac.New(a.digest.hash(), key)
	h.Write(replay)
	h.Write(head)
	h.Write(rest)
	return h.Sum(nil)
}

func (a *TLSAuth) sign(replay, head, rest []byte) []byte {
	return a.mac(a.sendKey, replay, head, rest)
}

func (a *TLSAuth) verify(tag, replay, head, rest []byte) bool {
	return hmac.Equal(tag, a.mac(a.recvKey, replay, head, rest))
}
