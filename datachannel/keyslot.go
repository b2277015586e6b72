package datachannel

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/apernet/corevpn/wire"
)

const (
	// MaxCounter is the last counter a key slot may send with.
	MaxCounter uint32 = 0xFFFFFFFF
	// RekeyCounterThreshold is where a slot starts asking for a new key,
	// leaving plenty of room for packets sent during renegotiation.
	RekeyCounterThreshold uint32 = 0xFF000000
)

// Stats counts traffic through one key slot.
type Stats struct {
	BytesIn    uint64
	BytesOut   uint64
	PacketsIn  uint64
	PacketsOut uint64
}

// KeySlot is one installed generation of data channel keys. It is owned by a
// single session and is not safe for concurrent use.
type KeySlot struct {
	id          wire.KeyID
	suite       Suite
	material    KeyMaterial
	enc, dec    cipher.AEAD
	sendCounter uint32
	rekeyAt     uint32
	last        uint32
	replay      *ReplayWindow
	installedAt time.Time
	stats       Stats
	retired     bool
}

func NewKeySlot(id wire.KeyID, m *KeyMaterial, replayWindow uint, now time.Time) (*KeySlot, error) {
	enc, err := m.Suite.newAEAD(m.EncryptKey[:])
	if err != nil {
		return nil, err
	}
	dec, err := m.Suite.newAEAD(m.DecryptKey[:])
	if err != nil {
		return nil, err
	}
	return &KeySlot{
		id:          id,
		suite:       m.Suite,
		material:    *m,
		enc:         enc,
		dec:         dec,
		rekeyAt:     RekeyCounterThreshold,
		last:        MaxCounter,
		replay:      NewReplayWindow(replayWindow),
		installedAt: now,
	}, nil
}

// Limit lowers the counter at which the slot asks to be replaced and the
// last counter it encrypts with. Zero, or a value above the current one,
// leaves that limit unchanged. The slot asks to be replaced no later than
// its last counter.
func (k *KeySlot) Limit(rekeyAt, last uint32) {
	if rekeyAt > 0 && rekeyAt < k.rekeyAt {
		k.rekeyAt = rekeyAt
	}
	if last > 0 && last < k.last {
		k.last = last
	}
	k.rekeyAt = min(k.rekeyAt, k.last)
}

func (k *KeySlot) ID() wire.KeyID         { return k.id }
func (k *KeySlot) Suite() Suite           { return k.suite }
func (k *KeySlot) InstalledAt() time.Time { return k.installedAt }
func (k *KeySlot) Stats() Stats           { return k.stats }
func (k *KeySlot) Retired() bool          { return k.retired }

// SendCounter is the last counter used for encryption, zero if none.
func (k *KeySlot) SendCounter() uint32 {
	return k.sendCounter
}

// NearExhaustion reports whether the slot should be replaced before its
// counter runs out.
func (k *KeySlot) NearExhaustion() bool {
	return k.sendCounter >= k.rekeyAt
}

func nonce(counter uint32, iv *[ImplicitIVSize]byte) []byte {
	n := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(n, counter)
	copy(n[4:], iv[:])
	return n
}

func additionalData(header []byte, counter uint32) []byte {
	ad := make([]byte, 0, len(header)+4)
	ad = append(ad, header...)
	return binary.BigEndian.AppendUint32(ad, counter)
}

// Encrypt seals plaintext under the next counter. header is the packet
// header preceding the counter on the wire and is authenticated with it.
func (k *KeySlot) Encrypt(header, plaintext []byte) (uint32, []byte, error) {
	if k.retired {
		return 0, nil, ErrSlotRetired
	}
	if k.sendCounter >= k.last {
		return 0, nil, ErrCounterExhausted
	}
	k.sendCounter++
	counter := k.sendCounter
	sealed := k.enc.Seal(nil, nonce(counter, &k.material.EncryptIV), plaintext, additionalData(header, counter))
	k.stats.PacketsOut++
	k.stats.BytesOut += uint64(len(plaintext))
	return counter, sealed, nil
}

// Decrypt opens one packet. The replay window is consulted before the tag
// is checked and updated only once both pass.
func (k *KeySlot) Decrypt(header []byte, counter uint32, sealed []byte) ([]byte, error) {
	if k.retired {
		return nil, ErrSlotRetired
	}
	if len(sealed) < TagSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(sealed))
	}
	if err := k.replay.Check(uint64(counter)); err != nil {
		return nil, err
	}
	plain, err := k.dec.Open(nil, nonce(counter, &k.material.DecryptIV), sealed, additionalData(header, counter))
	if err != nil {
		return nil, ErrAuthFailed
	}
	k.replay.Commit(uint64(counter))
	k.stats.PacketsIn++
	k.stats.BytesIn += uint64(len(plain))
	return plain, nil
}

// Retire wipes the key material. A retired slot never encrypts or decrypts
// again.
func (k *KeySlot) Retire() {
	if k.retired {
		return
	}
	k.material.Zeroize()
	k.enc, k.dec = nil, nil
	k.replay.Reset()
	k.retired = true
}
