package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"lukechampine.com/blake3"

	"xianchain/storage"
)

const (
	stateFileName        = "state.parquet"
	transactionsFileName = "transactions.parquet"
	manifestFileName     = "manifest.json"
	txIndexFileName      = "txindex.db"
)

// snapshotManifest describes one completed export: the chain position it was
// taken at and a checksum per emitted file. Consumers verify the checksums
// before loading the parquet files anywhere.
type snapshotManifest struct {
	ChainHeight  int64          `json:"height"`
	BlockHash    string         `json:"block_hash,omitempty"`
	AppliedNanos int64          `json:"applied_nanos"`
	KeyPrefix    string         `json:"key_prefix,omitempty"`
	CreatedAt    string         `json:"created_at"`
	Files        []manifestFile `json:"files"`
}

type manifestFile struct {
	Name   string `json:"name"`
	Rows   int64  `json:"rows"`
	Bytes  int64  `json:"bytes"`
	Blake3 string `json:"blake3"`
}

type stateRow struct {
	Key      string `parquet:"name=key, type=BYTE_ARRAY, convertedtype=UTF8"`
	Contract string `parquet:"name=contract, type=BYTE_ARRAY, convertedtype=UTF8"`
	Value    string `parquet:"name=value, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type transactionRow struct {
	Hash      string `parquet:"name=hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Height    int64  `parquet:"name=height, type=INT64"`
	BlockHash string `parquet:"name=block_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Code      int32  `parquet:"name=code, type=INT32"`
	GasUsed   int64  `parquet:"name=gas_used, type=INT64"`
	Result    string `parquet:"name=result, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type snapshotOptions struct {
	DataDir     string
	TxIndexPath string // empty means auto-detect under DataDir
	OutDir      string
	KeyPrefix   string
}

// writeSnapshot exports the committed state (and, when an index is present,
// the finalized transactions) of a stopped node to parquet files under
// opts.OutDir, then writes the checksummed manifest last so a manifest on
// disk always describes a complete export.
func writeSnapshot(opts snapshotOptions) (*snapshotManifest, error) {
	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	db, err := storage.NewLevelDB(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	driver := storage.NewDriver(db)
	defer driver.Close()

	manifest := &snapshotManifest{
		KeyPrefix: opts.KeyPrefix,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	pointer, err := storage.NewBlockPointer(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open block pointer: %w", err)
	}
	latest, err := pointer.Get()
	if err != nil {
		return nil, err
	}
	manifest.ChainHeight = latest.Height
	manifest.BlockHash = latest.Hash

	nanos, err := driver.AppliedNanos()
	if err != nil {
		return nil, fmt.Errorf("read applied block time: %w", err)
	}
	manifest.AppliedNanos = nanos

	statePath := filepath.Join(opts.OutDir, stateFileName)
	stateRows, err := exportState(driver, opts.KeyPrefix, statePath)
	if err != nil {
		return nil, err
	}
	entry, err := checksumFile(statePath, stateRows)
	if err != nil {
		return nil, err
	}
	manifest.Files = append(manifest.Files, entry)

	indexPath, err := resolveTxIndexPath(opts)
	if err != nil {
		return nil, err
	}
	if indexPath != "" {
		txPath := filepath.Join(opts.OutDir, transactionsFileName)
		txRows, err := exportTransactions(indexPath, txPath)
		if err != nil {
			return nil, err
		}
		entry, err := checksumFile(txPath, txRows)
		if err != nil {
			return nil, err
		}
		manifest.Files = append(manifest.Files, entry)
	}

	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(opts.OutDir, manifestFileName), raw, 0o644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return manifest, nil
}

// resolveTxIndexPath returns the transaction index to export. An explicit
// path must exist; with no path the index is picked up from the data
// directory when the node kept one there.
func resolveTxIndexPath(opts snapshotOptions) (string, error) {
	if opts.TxIndexPath != "" {
		if _, err := os.Stat(opts.TxIndexPath); err != nil {
			return "", fmt.Errorf("transaction index %s: %w", opts.TxIndexPath, err)
		}
		return opts.TxIndexPath, nil
	}
	fallback := filepath.Join(opts.DataDir, txIndexFileName)
	if _, err := os.Stat(fallback); err != nil {
		return "", nil
	}
	return fallback, nil
}

func exportState(driver *storage.Driver, prefix, path string) (int64, error) {
	keys, err := driver.Keys(prefix)
	if err != nil {
		return 0, fmt.Errorf("list state keys: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create state file: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(stateRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("state parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	var rows int64
	for _, key := range keys {
		raw, ok, err := driver.GetCommittedRaw(key)
		if err != nil {
			pw.WriteStop()
			file.Close()
			return 0, fmt.Errorf("read %s: %w", key, err)
		}
		if !ok {
			continue
		}
		row := &stateRow{
			Key:      key,
			Contract: contractOf(key),
			Value:    string(raw),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return 0, fmt.Errorf("state parquet write: %w", err)
		}
		rows++
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return 0, fmt.Errorf("state parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("close state file: %w", err)
	}
	return rows, nil
}

func exportTransactions(indexPath, path string) (int64, error) {
	index, err := storage.NewTxIndex(indexPath)
	if err != nil {
		return 0, fmt.Errorf("open transaction index: %w", err)
	}
	defer index.Close()

	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create transactions file: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(transactionRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("transactions parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	var rows int64
	err = index.Range(func(rec storage.TxRecord) error {
		row := &transactionRow{
			Hash:      rec.Hash,
			Height:    rec.Height,
			BlockHash: rec.BlockHash,
			Code:      int32(rec.Code),
			GasUsed:   rec.GasUsed,
			Result:    string(rec.Result),
		}
		if err := pw.Write(row); err != nil {
			return err
		}
		rows++
		return nil
	})
	if err != nil {
		pw.WriteStop()
		file.Close()
		return 0, fmt.Errorf("transactions parquet write: %w", err)
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return 0, fmt.Errorf("transactions parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("close transactions file: %w", err)
	}
	return rows, nil
}

// verifySnapshot re-hashes every file the manifest lists and returns the
// parsed manifest when all checksums and sizes still match.
func verifySnapshot(dir string) (*snapshotManifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var manifest snapshotManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	for _, f := range manifest.Files {
		data, err := os.ReadFile(filepath.Join(dir, f.Name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		if int64(len(data)) != f.Bytes {
			return nil, fmt.Errorf("%s: size %d, manifest says %d", f.Name, len(data), f.Bytes)
		}
		sum := blake3.Sum256(data)
		if hex.EncodeToString(sum[:]) != f.Blake3 {
			return nil, fmt.Errorf("%s: blake3 checksum mismatch", f.Name)
		}
	}
	return &manifest, nil
}

func checksumFile(path string, rows int64) (manifestFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return manifestFile{}, fmt.Errorf("checksum %s: %w", path, err)
	}
	sum := blake3.Sum256(data)
	return manifestFile{
		Name:   filepath.Base(path),
		Rows:   rows,
		Bytes:  int64(len(data)),
		Blake3: hex.EncodeToString(sum[:]),
	}, nil
}

// contractOf extracts the contract name from a state key. Keys are laid out
// contract.variable with optional :item parts after the variable.
func contractOf(key string) string {
	if i := strings.IndexByte(key, '.'); i >= 0 {
		return key[:i]
	}
	return key
}
