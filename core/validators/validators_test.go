package validators

import (
	"encoding/hex"
	"testing"

	"xianchain/storage"
)

func addr(b byte) string {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = b
	}
	return hex.EncodeToString(raw)
}

func newTestReconciler(t *testing.T) (*Reconciler, *Store, *storage.Driver) {
	t.Helper()
	driver := storage.NewDriver(storage.NewMemDB())
	store := NewStore(driver)
	return NewReconciler(driver, store), store, driver
}

func TestUpdatesAddsNewMembers(t *testing.T) {
	rec, _, driver := newTestReconciler(t)
	if err := driver.Set(membersKey, []any{addr(1), addr(2)}); err != nil {
		t.Fatalf("seed members: %v", err)
	}

	updates, err := rec.Updates()
	if err != nil {
		t.Fatalf("updates: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(updates))
	}
	for i, update := range updates {
		if update.Power != ActivePower {
			t.Fatalf("update %d power = %d, want %d", i, update.Power, ActivePower)
		}
	}
	if hex.EncodeToString(updates[0].PubKey) != addr(1) {
		t.Fatalf("first update is not the first member")
	}
}

func TestUpdatesRemovesDepartedMembers(t *testing.T) {
	rec, store, driver := newTestReconciler(t)
	if err := store.SetActive([]string{addr(1), addr(2)}); err != nil {
		t.Fatalf("seed active set: %v", err)
	}
	if err := driver.Set(membersKey, []any{addr(2)}); err != nil {
		t.Fatalf("seed members: %v", err)
	}

	updates, err := rec.Updates()
	if err != nil {
		t.Fatalf("updates: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(updates))
	}
	if updates[0].Power != 0 {
		t.Fatalf("removal power = %d, want 0", updates[0].Power)
	}
	if hex.EncodeToString(updates[0].PubKey) != addr(1) {
		t.Fatalf("removed the wrong validator")
	}
}

func TestUpdatesNoChange(t *testing.T) {
	rec, store, driver := newTestReconciler(t)
	if err := store.SetActive([]string{addr(1)}); err != nil {
		t.Fatalf("seed active set: %v", err)
	}
	if err := driver.Set(membersKey, []any{addr(1)}); err != nil {
		t.Fatalf("seed members: %v", err)
	}

	updates, err := rec.Updates()
	if err != nil {
		t.Fatalf("updates: %v", err)
	}
	if len(updates) != 0 {
		t.Fatalf("expected no updates, got %d", len(updates))
	}
}

func TestApplyFoldsUpdatesIntoStore(t *testing.T) {
	rec, store, driver := newTestReconciler(t)
	if err := store.SetActive([]string{addr(1)}); err != nil {
		t.Fatalf("seed active set: %v", err)
	}
	if err := driver.Set(membersKey, []any{addr(2)}); err != nil {
		t.Fatalf("seed members: %v", err)
	}

	updates, err := rec.Updates()
	if err != nil {
		t.Fatalf("updates: %v", err)
	}
	if err := store.Apply(updates); err != nil {
		t.Fatalf("apply: %v", err)
	}

	active, err := store.Active()
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 1 || active[0] != addr(2) {
		t.Fatalf("active set = %v, want [%s]", active, addr(2))
	}

	// The set is now aligned, a second reconcile is quiet.
	updates, err = rec.Updates()
	if err != nil {
		t.Fatalf("second updates: %v", err)
	}
	if len(updates) != 0 {
		t.Fatalf("expected no further updates, got %d", len(updates))
	}
}
