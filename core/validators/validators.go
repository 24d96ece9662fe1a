// Package validators keeps the consensus validator set aligned with the
// masternode membership recorded in state. At the end of every block the
// reconciler diffs the two and emits power updates for the consensus
// engine: new members join with the standard voting power, departed
// members are removed with power zero.
package validators

import (
	"fmt"
	"sort"

	"xianchain/crypto"
	"xianchain/storage"
)

const (
	membersKey   = "masternodes.nodes"
	activeSetKey = "__validators"

	// ActivePower is the voting power assigned to every joining member.
	ActivePower int64 = 10
)

// Update instructs the consensus engine to set a validator's voting power.
// Power zero removes the validator.
type Update struct {
	PubKey []byte
	Power  int64
}

// Store persists the validator set the application last handed to the
// consensus engine. It lives in state so every node derives the same
// diffs and a restarted node picks up where it left off.
type Store struct {
	driver *storage.Driver
}

func NewStore(driver *storage.Driver) *Store {
	return &Store{driver: driver}
}

// Active returns the addresses of the currently active validators in
// sorted order.
func (s *Store) Active() ([]string, error) {
	raw, err := s.driver.Get(activeSetKey)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("validator set is not a list")
	}
	active := make([]string, 0, len(list))
	for _, item := range list {
		addr, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("validator set entry is not an address")
		}
		active = append(active, addr)
	}
	return active, nil
}

// SetActive replaces the stored validator set. Used when the chain is
// initialized with its genesis validators.
func (s *Store) SetActive(addrs []string) error {
	sorted := make([]string, len(addrs))
	copy(sorted, addrs)
	sort.Strings(sorted)
	return s.driver.Set(activeSetKey, sorted)
}

// Apply folds a batch of updates into the stored set.
func (s *Store) Apply(updates []Update) error {
	if len(updates) == 0 {
		return nil
	}
	active, err := s.Active()
	if err != nil {
		return err
	}
	set := make(map[string]struct{}, len(active))
	for _, addr := range active {
		set[addr] = struct{}{}
	}
	for _, update := range updates {
		addr := crypto.PublicKeyFromBytes(update.PubKey).Address()
		if update.Power > 0 {
			set[addr] = struct{}{}
		} else {
			delete(set, addr)
		}
	}
	merged := make([]string, 0, len(set))
	for addr := range set {
		merged = append(merged, addr)
	}
	sort.Strings(merged)
	return s.driver.Set(activeSetKey, merged)
}

// Reconciler computes the validator updates for the current block.
type Reconciler struct {
	driver *storage.Driver
	store  *Store
}

func NewReconciler(driver *storage.Driver, store *Store) *Reconciler {
	return &Reconciler{driver: driver, store: store}
}

// Updates diffs the masternode membership against the active validator
// set. Joining members appear first in membership order, removals follow
// in active-set order, so every node emits the identical sequence.
func (r *Reconciler) Updates() ([]Update, error) {
	members, err := r.members()
	if err != nil {
		return nil, err
	}
	active, err := r.store.Active()
	if err != nil {
		return nil, err
	}

	memberSet := make(map[string]struct{}, len(members))
	for _, addr := range members {
		memberSet[addr] = struct{}{}
	}
	activeSet := make(map[string]struct{}, len(active))
	for _, addr := range active {
		activeSet[addr] = struct{}{}
	}

	var updates []Update
	for _, addr := range members {
		if _, ok := activeSet[addr]; ok {
			continue
		}
		pub, err := crypto.DecodeAddress(addr)
		if err != nil {
			return nil, fmt.Errorf("masternode %s: %w", addr, err)
		}
		updates = append(updates, Update{PubKey: pub.Bytes(), Power: ActivePower})
	}
	for _, addr := range active {
		if _, ok := memberSet[addr]; ok {
			continue
		}
		pub, err := crypto.DecodeAddress(addr)
		if err != nil {
			return nil, fmt.Errorf("active validator %s: %w", addr, err)
		}
		updates = append(updates, Update{PubKey: pub.Bytes(), Power: 0})
	}
	return updates, nil
}

func (r *Reconciler) members() ([]string, error) {
	raw, err := r.driver.Get(membersKey)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("masternode membership is not a list")
	}
	members := make([]string, 0, len(list))
	for _, item := range list {
		addr, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("masternode membership entry is not an address")
		}
		members = append(members, addr)
	}
	return members, nil
}
