package storage

import (
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketResults = []byte("results")
	bucketHeights = []byte("heights")
)

// TxRecord is the indexed outcome of one finalized transaction.
type TxRecord struct {
	Hash      string          `json:"hash"`
	Height    int64           `json:"height"`
	BlockHash string          `json:"blockHash"`
	Code      uint32          `json:"code"`
	GasUsed   int64           `json:"gasUsed"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// TxIndex is a local Bolt-backed index of finalized transactions so a node
// can answer result and per-block lookups without the analytics service.
type TxIndex struct {
	db *bolt.DB
}

// NewTxIndex opens (and migrates) the index at path.
func NewTxIndex(path string) (*TxIndex, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketResults, bucketHeights} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &TxIndex{db: db}, nil
}

// Close releases the underlying Bolt handle.
func (ix *TxIndex) Close() error {
	if ix == nil || ix.db == nil {
		return nil
	}
	return ix.db.Close()
}

// PutBlock indexes every record of one committed block in a single
// transaction.
func (ix *TxIndex) PutBlock(height int64, records []TxRecord) error {
	return ix.db.Update(func(tx *bolt.Tx) error {
		results := tx.Bucket(bucketResults)
		hashes := make([]string, 0, len(records))
		for _, rec := range records {
			raw, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := results.Put([]byte(rec.Hash), raw); err != nil {
				return err
			}
			hashes = append(hashes, rec.Hash)
		}
		listed, err := json.Marshal(hashes)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketHeights).Put(heightKey(height), listed)
	})
}

// Get fetches one record by transaction hash.
func (ix *TxIndex) Get(hash string) (TxRecord, bool, error) {
	var rec TxRecord
	found := false
	err := ix.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketResults).Get([]byte(hash))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return TxRecord{}, false, err
	}
	return rec, found, nil
}

// ForHeight returns the records of the block at height, in delivery order.
func (ix *TxIndex) ForHeight(height int64) ([]TxRecord, error) {
	var records []TxRecord
	err := ix.db.View(func(tx *bolt.Tx) error {
		listed := tx.Bucket(bucketHeights).Get(heightKey(height))
		if listed == nil {
			return nil
		}
		var hashes []string
		if err := json.Unmarshal(listed, &hashes); err != nil {
			return err
		}
		results := tx.Bucket(bucketResults)
		for _, h := range hashes {
			raw := results.Get([]byte(h))
			if raw == nil {
				continue
			}
			var rec TxRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// Range calls fn for every indexed record in ascending hash order. A non-nil
// error from fn stops the walk and is returned.
func (ix *TxIndex) Range(fn func(TxRecord) error) error {
	return ix.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResults).ForEach(func(_, raw []byte) error {
			var rec TxRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			return fn(rec)
		})
	})
}

// Prune drops the per-height listings below keep. Individual results stay
// addressable by hash.
func (ix *TxIndex) Prune(keep int64) error {
	return ix.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHeights).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if int64(binary.BigEndian.Uint64(k)) >= keep {
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func heightKey(height int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(height))
	return key
}
