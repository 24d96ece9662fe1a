// Package nonce tracks per-sender replay protection. The committed counter
// is consensus state, written through the driver during finalize. The
// pending counter is node-local mempool bookkeeping and lives in memory; it
// only feeds the forward-looking value shown to clients.
package nonce

import (
	"encoding/json"
	"fmt"
	"sync"

	"xianchain/core/types"
	"xianchain/storage"
)

const committedPrefix = "__n:"

type Store struct {
	driver *storage.Driver

	mu      sync.Mutex
	pending map[string]int64
}

func NewStore(driver *storage.Driver) *Store {
	return &Store{
		driver:  driver,
		pending: make(map[string]int64),
	}
}

// Check rejects a nonce unless it is strictly greater than the sender's
// committed nonce, or no committed nonce exists yet.
func (s *Store) Check(sender string, nonce int64) error {
	current, ok, err := s.Committed(sender)
	if err != nil {
		return err
	}
	if ok && nonce <= current {
		return types.ErrInvalidNonce
	}
	return nil
}

// Committed returns the sender's committed nonce from the durable view.
func (s *Store) Committed(sender string) (int64, bool, error) {
	value, err := s.driver.GetCommitted(committedPrefix + sender)
	if err != nil {
		return 0, false, err
	}
	if value == nil {
		return 0, false, nil
	}
	num, ok := value.(json.Number)
	if !ok {
		return 0, false, fmt.Errorf("nonce for %s is not a number: %v", sender, value)
	}
	n, err := num.Int64()
	if err != nil {
		return 0, false, fmt.Errorf("nonce for %s: %w", sender, err)
	}
	return n, true, nil
}

// SetCommitted records the nonce of an executed transaction. The write is
// buffered with the rest of the block and becomes durable at hard apply.
// The value is set directly, not incremented: clients supply the exact
// next value themselves.
func (s *Store) SetCommitted(sender string, value int64) error {
	return s.driver.Set(committedPrefix+sender, value)
}

// BumpPending raises the sender's speculative nonce if the admitted value
// is ahead of it.
func (s *Store) BumpPending(sender string, value int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.pending[sender]
	if !ok || value > current {
		s.pending[sender] = value
	}
}

// NextUsable is the forward-looking nonce shown to clients: one past the
// pending value when set, else one past the committed value, else zero.
func (s *Store) NextUsable(sender string) (int64, error) {
	s.mu.Lock()
	pending, hasPending := s.pending[sender]
	s.mu.Unlock()
	if hasPending {
		return pending + 1, nil
	}
	committed, ok, err := s.Committed(sender)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return committed + 1, nil
}

// FlushPending drops all speculative counters.
func (s *Store) FlushPending() {
	s.mu.Lock()
	s.pending = make(map[string]int64)
	s.mu.Unlock()
}
