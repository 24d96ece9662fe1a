package cds

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Block is one committed block header row.
type Block struct {
	Height    int64     `gorm:"primaryKey;autoIncrement:false" json:"height"`
	Hash      string    `gorm:"uniqueIndex;size:64" json:"hash"`
	AppHash   string    `gorm:"size:64" json:"app_hash"`
	Nanos     int64     `gorm:"index" json:"nanos"`
	TxCount   int       `json:"tx_count"`
	CreatedAt time.Time `json:"created_at"`
}

// Transaction is one executed transaction, keyed by its result hash.
type Transaction struct {
	Hash        string    `gorm:"primaryKey;size:64" json:"hash"`
	Contract    string    `gorm:"index;size:128" json:"contract"`
	Function    string    `gorm:"size:128" json:"function"`
	Sender      string    `gorm:"index;size:64" json:"sender"`
	Nonce       int64     `json:"nonce"`
	StampsUsed  int64     `json:"stamps_used"`
	BlockHash   string    `gorm:"index;size:64" json:"block_hash"`
	BlockHeight int64     `gorm:"index" json:"block_height"`
	Nanos       int64     `json:"nanos"`
	Success     bool      `json:"success"`
	Result      string    `gorm:"type:text" json:"result"`
	CreatedAt   time.Time `json:"created_at"`
}

// StateChange is one key/value write of one transaction. Value holds the
// canonical JSON encoding. The autoincrement id preserves write order, so
// MAX(id) per key is the latest value.
type StateChange struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	TxHash      string    `gorm:"index;size:64" json:"tx_hash"`
	BlockHeight int64     `gorm:"index" json:"block_height"`
	Key         string    `gorm:"index;size:512" json:"key"`
	Value       string    `gorm:"type:text" json:"value"`
	CreatedAt   time.Time `json:"created_at"`
}

// Reward is one credit from a block's reward ledger.
type Reward struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"-"`
	BlockHeight int64     `gorm:"index" json:"block_height"`
	Recipient   string    `gorm:"index;size:64" json:"recipient"`
	Amount      string    `gorm:"size:64" json:"amount"`
	CreatedAt   time.Time `json:"created_at"`
}

// Contract records a successfully submitted contract, keyed by name.
type Contract struct {
	Name      string    `gorm:"primaryKey;size:128" json:"name"`
	TxHash    string    `gorm:"size:64" json:"tx_hash"`
	Code      string    `gorm:"type:text" json:"code"`
	XSC0001   bool      `gorm:"column:xsc0001" json:"xsc0001"`
	CreatedAt time.Time `json:"created_at"`
}

// StatePatchRow is one operator-applied state patch write.
type StatePatchRow struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"-"`
	BlockHeight int64     `gorm:"index" json:"block_height"`
	Key         string    `gorm:"index;size:512" json:"key"`
	Value       string    `gorm:"type:text" json:"value"`
	CreatedAt   time.Time `json:"created_at"`
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Block{},
		&Transaction{},
		&StateChange{},
		&Reward{},
		&Contract{},
		&StatePatchRow{},
	)
}
