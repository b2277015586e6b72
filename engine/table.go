package engine

import (
	"encoding/binary"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash"

	"github.com/apernet/corevpn/wire"
)

const shardCount = 64

type shard[K comparable, V comparable] struct {
	mu sync.RWMutex
	m  map[K]V
}

// shardedMap is a concurrent map split into independently locked shards.
type shardedMap[K comparable, V comparable] struct {
	shards [shardCount]shard[K, V]
	hash   func(K) uint64
}

func newShardedMap[K comparable, V comparable](hash func(K) uint64) *shardedMap[K, V] {
	m := &shardedMap[K, V]{hash: hash}
	for i := range m.shards {
		m.shards[i].m = make(map[K]V)
	}
	return m
}

func (m *shardedMap[K, V]) shard(k K) *shard[K, V] {
	return &m.shards[m.hash(k)%shardCount]
}

func (m *shardedMap[K, V]) Get(k K) (V, bool) {
	s := m.shard(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[k]
	return v, ok
}

func (m *shardedMap[K, V]) Set(k K, v V) {
	s := m.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[k] = v
}

// SetIfAbsent stores v unless k is present, and reports whether it did.
func (m *shardedMap[K, V]) SetIfAbsent(k K, v V) bool {
	s := m.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[k]; ok {
		return false
	}
	s.m[k] = v
	return true
}

// CompareAndDelete removes k only while it still maps to v.
func (m *shardedMap[K, V]) CompareAndDelete(k K, v V) bool {
	s := m.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.m[k]; !ok || cur != v {
		return false
	}
	delete(s.m, k)
	return true
}

func (m *shardedMap[K, V]) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

func hashAddr(a netip.AddrPort) uint64 {
	var b [18]byte
	ip := a.Addr().As16()
	copy(b[:16], ip[:])
	binary.BigEndian.PutUint16(b[16:], a.Port())
	return xxhash.Sum64(b[:])
}

func hashUint64(v uint64) uint64 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return xxhash.Sum64(b[:])
}

// tableEntry locates a live session. Only its owning worker mutates addr.
type tableEntry struct {
	worker   *worker
	localID  wire.SessionID
	remoteID wire.SessionID
	peerID   uint32
	addr     netip.AddrPort
}

// sessionTable indexes live sessions by local session id, client address
// and peer id. Lookups are safe from any goroutine.
type sessionTable struct {
	byID   *shardedMap[wire.SessionID, *tableEntry]
	byAddr *shardedMap[netip.AddrPort, *tableEntry]
	byPeer *shardedMap[uint32, *tableEntry]
	count  atomic.Int64
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		byID:   newShardedMap[wire.SessionID, *tableEntry](func(id wire.SessionID) uint64 { return hashUint64(uint64(id)) }),
		byAddr: newShardedMap[netip.AddrPort, *tableEntry](hashAddr),
		byPeer: newShardedMap[uint32, *tableEntry](func(id uint32) uint64 { return hashUint64(uint64(id)) }),
	}
}

// insert fails if the local session id or address is taken.
func (t *sessionTable) insert(e *tableEntry) bool {
	if !t.byID.SetIfAbsent(e.localID, e) {
		return false
	}
	if !t.byAddr.SetIfAbsent(e.addr, e) {
		t.byID.CompareAndDelete(e.localID, e)
		return false
	}
	if e.peerID != wire.NoPeerID {
		t.byPeer.Set(e.peerID, e)
	}
	t.count.Add(1)
	return true
}

func (t *sessionTable) remove(e *tableEntry) {
	if !t.byID.CompareAndDelete(e.localID, e) {
		return
	}
	t.byAddr.CompareAndDelete(e.addr, e)
	if e.peerID != wire.NoPeerID {
		t.byPeer.CompareAndDelete(e.peerID, e)
	}
	t.count.Add(-1)
}

// rebind moves the address index of a roaming client. An address held by
// another session is left alone.
func (t *sessionTable) rebind(e *tableEntry, addr netip.AddrPort) {
	if e.addr == addr || !t.byAddr.SetIfAbsent(addr, e) {
		return
	}
	t.byAddr.CompareAndDelete(e.addr, e)
	e.addr = addr
}

func (t *sessionTable) Len() int {
	return int(t.count.Load())
}
