package storage

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"xianchain/canonical"
)

// appliedNanosKey records the block-time tag of the last hard apply.
const appliedNanosKey = "__applied_nanos"

// Driver layers a buffer of pending writes over a committed key-value
// backend. During block execution every write lands in the buffer; reads on
// the consensus path see the buffer first so a transaction observes the
// writes of the transactions before it. HardApply flushes the buffer to the
// backend in one atomic batch. Mempool checks and queries read the committed
// view only and never observe an in-flight block.
type Driver struct {
	mu      sync.RWMutex
	db      Database
	pending map[string][]byte // nil value marks a pending delete
}

func NewDriver(db Database) *Driver {
	return &Driver{
		db:      db,
		pending: make(map[string][]byte),
	}
}

// Set buffers a write of the canonical JSON encoding of value. A nil value
// buffers a delete.
func (d *Driver) Set(key string, value any) error {
	if value == nil {
		d.Delete(key)
		return nil
	}
	raw, err := canonical.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for %s: %w", key, err)
	}
	d.mu.Lock()
	d.pending[key] = raw
	d.mu.Unlock()
	return nil
}

// Delete buffers the removal of key.
func (d *Driver) Delete(key string) {
	d.mu.Lock()
	d.pending[key] = nil
	d.mu.Unlock()
}

// GetRaw returns the raw JSON for key, reading the pending buffer first.
func (d *Driver) GetRaw(key string) ([]byte, bool, error) {
	d.mu.RLock()
	raw, buffered := d.pending[key]
	d.mu.RUnlock()
	if buffered {
		if raw == nil {
			return nil, false, nil
		}
		return raw, true, nil
	}
	return d.committedRaw(key)
}

// Get returns the decoded value for key through the pending buffer, or nil
// when the key is unset.
func (d *Driver) Get(key string) (any, error) {
	raw, ok, err := d.GetRaw(key)
	if err != nil || !ok {
		return nil, err
	}
	return canonical.Decode(raw)
}

// GetCommittedRaw returns the raw JSON for key from the committed view only.
func (d *Driver) GetCommittedRaw(key string) ([]byte, bool, error) {
	return d.committedRaw(key)
}

// GetCommitted returns the decoded committed value for key, or nil when the
// key is unset. This is the read path for mempool checks and queries.
func (d *Driver) GetCommitted(key string) (any, error) {
	raw, ok, err := d.committedRaw(key)
	if err != nil || !ok {
		return nil, err
	}
	return canonical.Decode(raw)
}

func (d *Driver) committedRaw(key string) ([]byte, bool, error) {
	raw, err := d.db.Get([]byte(key))
	if err != nil {
		if err == ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return raw, true, nil
}

// HasPending reports whether any writes are buffered.
func (d *Driver) HasPending() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending) > 0
}

// HardApply flushes every buffered write to the backend in a single atomic
// batch tagged with the block time, then clears the buffer.
func (d *Driver) HardApply(nanos int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	puts := make(map[string][]byte, len(d.pending)+1)
	var deletes []string
	for k, v := range d.pending {
		if v == nil {
			deletes = append(deletes, k)
			continue
		}
		puts[k] = v
	}
	puts[appliedNanosKey] = []byte(strconv.FormatInt(nanos, 10))

	if err := d.db.Write(puts, deletes); err != nil {
		return fmt.Errorf("hard apply at %d: %w", nanos, err)
	}
	d.pending = make(map[string][]byte)
	return nil
}

// DiscardPending drops the buffer without applying it.
func (d *Driver) DiscardPending() {
	d.mu.Lock()
	d.pending = make(map[string][]byte)
	d.mu.Unlock()
}

// AppliedNanos returns the block-time tag of the last hard apply, or zero.
func (d *Driver) AppliedNanos() (int64, error) {
	raw, ok, err := d.committedRaw(appliedNanosKey)
	if err != nil || !ok {
		return 0, err
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

// Keys lists every key with the given prefix, merging the pending buffer
// over the committed view, in ascending order.
func (d *Driver) Keys(prefix string) ([]string, error) {
	committed, err := d.db.Keys([]byte(prefix))
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	merged := make(map[string]bool, len(committed))
	for _, k := range committed {
		merged[k] = true
	}
	for k, v := range d.pending {
		if len(k) < len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		merged[k] = v != nil
	}
	d.mu.RUnlock()

	keys := make([]string, 0, len(merged))
	for k, present := range merged {
		if present && k != appliedNanosKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close shuts down the backing store.
func (d *Driver) Close() {
	d.db.Close()
}
