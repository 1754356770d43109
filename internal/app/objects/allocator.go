// Package objects hands out fresh object identities for registry records.
//
// Identities follow the chain convention of hashing a transaction digest
// together with a per-transaction creation counter, so a given digest always
// yields the same sequence of ids.
package objects

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/R3E-Network/app_registry/internal/app/domain/apps"
)

// DigestLength is the size of a session digest.
const DigestLength = 32

// ErrExhausted is returned when an allocator cannot produce more ids.
var ErrExhausted = errors.New("object id allocator exhausted")

// Allocator produces globally unique object ids. Each call yields a new id.
type Allocator interface {
	NewID(ctx context.Context) (apps.ObjectID, error)
}

// DigestAllocator derives ids as blake2b-256(digest || le64(counter)).
type DigestAllocator struct {
	mu      sync.Mutex
	digest  [DigestLength]byte
	counter uint64
}

var _ Allocator = (*DigestAllocator)(nil)

// NewDigestAllocator uses the given session digest.
func NewDigestAllocator(digest [DigestLength]byte) *DigestAllocator {
	return &DigestAllocator{digest: digest}
}

// NewSessionAllocator seeds the digest from a random uuid. Ids from different
// sessions never collide in practice.
func NewSessionAllocator() *DigestAllocator {
	seed := uuid.New()
	return NewDigestAllocator(blake2b.Sum256(seed[:]))
}

// Digest returns the session digest.
func (a *DigestAllocator) Digest() [DigestLength]byte {
	return a.digest
}

// Created returns how many ids have been handed out.
func (a *DigestAllocator) Created() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counter
}

func (a *DigestAllocator) NewID(ctx context.Context) (apps.ObjectID, error) {
	if err := ctx.Err(); err != nil {
		return apps.ObjectID{}, err
	}

	a.mu.Lock()
	if a.counter == ^uint64(0) {
		a.mu.Unlock()
		return apps.ObjectID{}, ErrExhausted
	}
	n := a.counter
	a.counter++
	a.mu.Unlock()

	return DeriveID(a.digest, n), nil
}

// DeriveID computes the id created at position n under digest.
func DeriveID(digest [DigestLength]byte, n uint64) apps.ObjectID {
	var buf [DigestLength + 8]byte
	copy(buf[:], digest[:])
	binary.LittleEndian.PutUint64(buf[DigestLength:], n)
	return apps.ObjectID(blake2b.Sum256(buf[:]))
}

// Sequential returns ids 0x..01, 0x..02 and so on. Intended for tests and fixtures.
type Sequential struct {
	mu   sync.Mutex
	next uint64
}

var _ Allocator = (*Sequential)(nil)

func (s *Sequential) NewID(context.Context) (apps.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	var id apps.ObjectID
	binary.BigEndian.PutUint64(id[apps.IDLength-8:], s.next)
	return id, nil
}

// Calls reports how many ids were issued.
func (s *Sequential) Calls() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
