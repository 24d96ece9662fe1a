package cds

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"xianchain/core"
)

// Open connects to the configured database.
func Open(cfg DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case DriverSQLite:
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}
	return db, nil
}

// Store answers queries over the indexed chain history.
type Store struct {
	db *gorm.DB
}

var _ core.DataService = (*Store)(nil)

// NewStore wraps an opened, migrated database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

const defaultQueryLimit = 100

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// State returns the latest value of every key under the given prefix.
func (s *Store) State(key string, limit, offset int) (any, error) {
	limit, offset = clampPage(limit, offset)

	latest := s.db.Model(&StateChange{}).
		Select("key, MAX(id) AS max_id").
		Where("key LIKE ?", key+"%").
		Group("key")

	var rows []StateChange
	err := s.db.Model(&StateChange{}).
		Joins("JOIN (?) latest ON state_changes.id = latest.max_id", latest).
		Order("state_changes.key ASC").
		Limit(limit).Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query state %q: %w", key, err)
	}

	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, map[string]any{"key": row.Key, "value": decodeValue(row.Value)})
	}
	return out, nil
}

// StateHistory returns every recorded write of one exact key, newest
// first.
func (s *Store) StateHistory(key string, limit, offset int) (any, error) {
	limit, offset = clampPage(limit, offset)

	var rows []StateChange
	err := s.db.Where("key = ?", key).
		Order("id DESC").
		Limit(limit).Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query state history %q: %w", key, err)
	}

	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, map[string]any{
			"key":          row.Key,
			"value":        decodeValue(row.Value),
			"tx_hash":      row.TxHash,
			"block_height": row.BlockHeight,
		})
	}
	return out, nil
}

// StateForTx returns the write set of one transaction.
func (s *Store) StateForTx(hash string) (any, error) {
	var rows []StateChange
	if err := s.db.Where("tx_hash = ?", hash).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query state for tx %q: %w", hash, err)
	}
	return keyValueRows(rows), nil
}

// StateForBlock returns every write a block produced, transactions and
// state patches both. A 64-character ref is treated as a block hash,
// anything else as a height.
func (s *Store) StateForBlock(ref string) (any, error) {
	var height int64
	if len(ref) == 64 {
		var block Block
		err := s.db.Where("hash = ?", ref).First(&block).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return []map[string]any{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("resolve block %q: %w", ref, err)
		}
		height = block.Height
	} else {
		parsed, err := strconv.ParseInt(ref, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("block ref %q is neither hash nor height", ref)
		}
		height = parsed
	}

	var rows []StateChange
	if err := s.db.Where("block_height = ?", height).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query state for block %d: %w", height, err)
	}
	out := keyValueRows(rows)

	var patches []StatePatchRow
	if err := s.db.Where("block_height = ?", height).Find(&patches).Error; err != nil {
		return nil, fmt.Errorf("query patches for block %d: %w", height, err)
	}
	for _, patch := range patches {
		out = append(out, map[string]any{"key": patch.Key, "value": decodeValue(patch.Value)})
	}
	return out, nil
}

// Contracts lists submitted contracts in submission order.
func (s *Store) Contracts(limit, offset int) (any, error) {
	limit, offset = clampPage(limit, offset)

	var rows []Contract
	err := s.db.Order("created_at ASC, name ASC").
		Limit(limit).Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query contracts: %w", err)
	}

	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, map[string]any{
			"name":    row.Name,
			"tx_hash": row.TxHash,
			"code":    row.Code,
			"xsc0001": row.XSC0001,
		})
	}
	return out, nil
}

// BlockByRef loads one block with its transaction rows. Ref is a height
// or a 64-character block hash.
func (s *Store) BlockByRef(ref string) (*Block, []Transaction, error) {
	var block Block
	var err error
	if len(ref) == 64 {
		err = s.db.Where("hash = ?", ref).First(&block).Error
	} else {
		var height int64
		height, err = strconv.ParseInt(ref, 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("block ref %q is neither hash nor height", ref)
		}
		err = s.db.Where("height = ?", height).First(&block).Error
	}
	if err != nil {
		return nil, nil, err
	}

	var txs []Transaction
	if err := s.db.Where("block_height = ?", block.Height).Order("nonce ASC").Find(&txs).Error; err != nil {
		return nil, nil, err
	}
	return &block, txs, nil
}

// LatestBlocks lists recent block headers, newest first.
func (s *Store) LatestBlocks(limit, offset int) ([]Block, error) {
	limit, offset = clampPage(limit, offset)
	var rows []Block
	err := s.db.Order("height DESC").Limit(limit).Offset(offset).Find(&rows).Error
	return rows, err
}

// TransactionByHash loads one transaction with its write set.
func (s *Store) TransactionByHash(hash string) (*Transaction, []StateChange, error) {
	var tx Transaction
	if err := s.db.Where("hash = ?", hash).First(&tx).Error; err != nil {
		return nil, nil, err
	}
	var writes []StateChange
	if err := s.db.Where("tx_hash = ?", hash).Order("id ASC").Find(&writes).Error; err != nil {
		return nil, nil, err
	}
	return &tx, writes, nil
}

// RewardsForBlock lists the reward ledger entries of one block.
func (s *Store) RewardsForBlock(height int64) ([]Reward, error) {
	var rows []Reward
	err := s.db.Where("block_height = ?", height).Order("recipient ASC").Find(&rows).Error
	return rows, err
}

// Height reports the highest indexed block, or -1 when nothing has been
// indexed yet.
func (s *Store) Height() (int64, error) {
	var block Block
	err := s.db.Order("height DESC").First(&block).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	return block.Height, nil
}

func keyValueRows(rows []StateChange) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, map[string]any{"key": row.Key, "value": decodeValue(row.Value)})
	}
	return out
}

// decodeValue re-hydrates a stored canonical JSON value. Numbers keep
// their exact text form.
func decodeValue(raw string) any {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return raw
	}
	return v
}
