package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"xianchain/storage"
)

// seedDataDir builds a node data directory with a few committed keys, a
// block pointer and a transaction index, then releases every handle so the
// exporter can take the store lock.
func seedDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	db, err := storage.NewLevelDB(dir)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	driver := storage.NewDriver(db)
	writes := map[string]any{
		"currency.balances:aa": "100.5",
		"currency.balances:bb": "7",
		"stamp_cost.S:value":   json.Number("20"),
		"masternodes.nodes":    []any{"aa", "bb"},
	}
	for key, value := range writes {
		if err := driver.Set(key, value); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	if err := driver.HardApply(1700000000000000000); err != nil {
		t.Fatalf("hard apply: %v", err)
	}
	driver.Close()

	pointer, err := storage.NewBlockPointer(dir)
	if err != nil {
		t.Fatalf("new pointer: %v", err)
	}
	if err := pointer.Set("deadbeef", 42); err != nil {
		t.Fatalf("set pointer: %v", err)
	}

	index, err := storage.NewTxIndex(filepath.Join(dir, txIndexFileName))
	if err != nil {
		t.Fatalf("new tx index: %v", err)
	}
	records := []storage.TxRecord{
		{Hash: "t1", Height: 41, BlockHash: "b41", Code: 0, GasUsed: 12, Result: json.RawMessage(`"ok"`)},
		{Hash: "t2", Height: 42, BlockHash: "b42", Code: 1, GasUsed: 3},
	}
	if err := index.PutBlock(41, records[:1]); err != nil {
		t.Fatalf("put block 41: %v", err)
	}
	if err := index.PutBlock(42, records[1:]); err != nil {
		t.Fatalf("put block 42: %v", err)
	}
	if err := index.Close(); err != nil {
		t.Fatalf("close tx index: %v", err)
	}
	return dir
}

func readStateRows(t *testing.T, path string) []stateRow {
	t.Helper()
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		t.Fatalf("open parquet: %v", err)
	}
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(stateRow), 1)
	if err != nil {
		t.Fatalf("parquet reader: %v", err)
	}
	defer pr.ReadStop()
	rows := make([]stateRow, pr.GetNumRows())
	if err := pr.Read(&rows); err != nil {
		t.Fatalf("read rows: %v", err)
	}
	return rows
}

func TestSnapshotExportsStateAndTransactions(t *testing.T) {
	dataDir := seedDataDir(t)
	outDir := t.TempDir()

	manifest, err := writeSnapshot(snapshotOptions{DataDir: dataDir, OutDir: outDir})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	if manifest.ChainHeight != 42 || manifest.BlockHash != "deadbeef" {
		t.Fatalf("manifest position = %d/%s", manifest.ChainHeight, manifest.BlockHash)
	}
	if manifest.AppliedNanos != 1700000000000000000 {
		t.Fatalf("applied nanos = %d", manifest.AppliedNanos)
	}
	if len(manifest.Files) != 2 {
		t.Fatalf("expected state and transactions files, got %+v", manifest.Files)
	}
	if manifest.Files[0].Name != stateFileName || manifest.Files[0].Rows != 4 {
		t.Fatalf("state entry = %+v", manifest.Files[0])
	}
	if manifest.Files[1].Name != transactionsFileName || manifest.Files[1].Rows != 2 {
		t.Fatalf("transactions entry = %+v", manifest.Files[1])
	}

	rows := readStateRows(t, filepath.Join(outDir, stateFileName))
	if len(rows) != 4 {
		t.Fatalf("state rows = %d", len(rows))
	}
	// Keys come back in ascending order with their committed JSON encodings.
	if rows[0].Key != "currency.balances:aa" || rows[0].Contract != "currency" {
		t.Fatalf("first row = %+v", rows[0])
	}
	if rows[0].Value != `"100.5"` {
		t.Fatalf("first row value = %s", rows[0].Value)
	}
	if rows[3].Key != "stamp_cost.S:value" || rows[3].Value != "20" {
		t.Fatalf("last row = %+v", rows[3])
	}

	if _, err := verifySnapshot(outDir); err != nil {
		t.Fatalf("verify fresh snapshot: %v", err)
	}
}

func TestSnapshotPrefixFiltersState(t *testing.T) {
	dataDir := seedDataDir(t)
	outDir := t.TempDir()

	manifest, err := writeSnapshot(snapshotOptions{
		DataDir:   dataDir,
		OutDir:    outDir,
		KeyPrefix: "currency.",
	})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if manifest.Files[0].Rows != 2 {
		t.Fatalf("filtered state rows = %d", manifest.Files[0].Rows)
	}
	if manifest.KeyPrefix != "currency." {
		t.Fatalf("manifest prefix = %q", manifest.KeyPrefix)
	}
	for _, row := range readStateRows(t, filepath.Join(outDir, stateFileName)) {
		if row.Contract != "currency" {
			t.Fatalf("unexpected contract %s in filtered export", row.Contract)
		}
	}
}

func TestSnapshotWithoutTransactionIndex(t *testing.T) {
	dataDir := seedDataDir(t)
	if err := os.Remove(filepath.Join(dataDir, txIndexFileName)); err != nil {
		t.Fatalf("remove index: %v", err)
	}
	outDir := t.TempDir()

	manifest, err := writeSnapshot(snapshotOptions{DataDir: dataDir, OutDir: outDir})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(manifest.Files) != 1 || manifest.Files[0].Name != stateFileName {
		t.Fatalf("files = %+v, want state only", manifest.Files)
	}
}

func TestSnapshotRejectsMissingExplicitIndex(t *testing.T) {
	dataDir := seedDataDir(t)

	_, err := writeSnapshot(snapshotOptions{
		DataDir:     dataDir,
		TxIndexPath: filepath.Join(dataDir, "nope.db"),
		OutDir:      t.TempDir(),
	})
	if err == nil {
		t.Fatalf("expected error for missing explicit index path")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	dataDir := seedDataDir(t)
	outDir := t.TempDir()
	if _, err := writeSnapshot(snapshotOptions{DataDir: dataDir, OutDir: outDir}); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	statePath := filepath.Join(outDir, stateFileName)
	data, err := os.ReadFile(statePath)
	if err != nil {
		t.Fatalf("read state file: %v", err)
	}
	if err := os.WriteFile(statePath, append(data, 0x00), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, err := verifySnapshot(outDir); err == nil {
		t.Fatalf("expected verification failure after tampering")
	}
}
