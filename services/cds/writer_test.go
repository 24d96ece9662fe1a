package cds

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"xianchain/core/events"
	"xianchain/core/genesis"
	"xianchain/core/types"
)

const tokenSource = `balances = Hash(default_value=0)

@export
def transfer(amount: float, to: str):
    pass

@export
def approve(amount: float, to: str):
    pass

@export
def transfer_from(amount: float, to: str, main_account: str):
    pass
`

func TestIndexBlockIsReplaySafe(t *testing.T) {
	db := setupTestDB(t)
	w := testWriter(t, db)

	block := events.BlockCommitted{
		Height:    5,
		Hash:      "b5",
		AppHash:   "a5",
		Nanos:     5_000,
		TxResults: []*types.TxResult{txResult("t5", types.StateWrite{Key: "k", Value: json.Number("1")})},
		TxInfos:   []events.TxInfo{txInfo("t5", "alice", "currency", "transfer", 1)},
		Rewards:   []types.RewardEntry{{Amount: "0.1", Recipient: "validator1"}},
	}

	require.NoError(t, w.IndexBlock(block))
	require.NoError(t, w.IndexBlock(block))

	var blocks, txs, changes, rewards int64
	require.NoError(t, db.Model(&Block{}).Count(&blocks).Error)
	require.NoError(t, db.Model(&Transaction{}).Count(&txs).Error)
	require.NoError(t, db.Model(&StateChange{}).Count(&changes).Error)
	require.NoError(t, db.Model(&Reward{}).Count(&rewards).Error)
	require.Equal(t, int64(1), blocks)
	require.Equal(t, int64(1), txs)
	require.Equal(t, int64(1), changes)
	require.Equal(t, int64(1), rewards)
}

func TestIndexBlockRecordsSubmittedContract(t *testing.T) {
	db := setupTestDB(t)
	w := testWriter(t, db)

	submission := txResult("t9", types.StateWrite{Key: "con_token.__code__", Value: "compiled"})
	info := events.TxInfo{
		Hash:     "t9",
		Sender:   "alice",
		Contract: "submission",
		Function: "submit_contract",
		Nonce:    1,
		Kwargs:   map[string]any{"name": "con_token", "code": tokenSource},
	}
	require.NoError(t, w.IndexBlock(events.BlockCommitted{
		Height:    1,
		Hash:      "b1",
		Nanos:     1_000,
		TxResults: []*types.TxResult{submission},
		TxInfos:   []events.TxInfo{info},
	}))

	var contract Contract
	require.NoError(t, db.First(&contract, "name = ?", "con_token").Error)
	require.Equal(t, "t9", contract.TxHash)
	require.Equal(t, tokenSource, contract.Code)
	require.True(t, contract.XSC0001)
}

func TestFailedSubmissionIsNotRecorded(t *testing.T) {
	db := setupTestDB(t)
	w := testWriter(t, db)

	failed := &types.TxResult{Hash: "t9", Result: "AssertionError", Status: 1, State: []types.StateWrite{}}
	info := events.TxInfo{
		Hash:     "t9",
		Contract: "submission",
		Function: "submit_contract",
		Kwargs:   map[string]any{"name": "con_token", "code": tokenSource},
	}
	require.NoError(t, w.IndexBlock(events.BlockCommitted{
		Height:    1,
		Hash:      "b1",
		Nanos:     1_000,
		TxResults: []*types.TxResult{failed},
		TxInfos:   []events.TxInfo{info},
	}))

	var count int64
	require.NoError(t, db.Model(&Contract{}).Count(&count).Error)
	require.Zero(t, count)

	// The failed transaction itself is still on record.
	var tx Transaction
	require.NoError(t, db.First(&tx, "hash = ?", "t9").Error)
	require.False(t, tx.Success)
}

func TestIndexGenesis(t *testing.T) {
	db := setupTestDB(t)
	w := testWriter(t, db)

	doc := &genesis.Document{
		Hash:         "9599bd470a240cf5736cb65f6b37a4d6654a4b4d8a2a0d0f2d0060acb1a4f0eb",
		HLCTimestamp: 1_700_000_000_000_000_000,
		Genesis: []genesis.Entry{
			{Key: "stamp_cost.S:value", Value: json.Number("20")},
			{Key: "currency.__code__", Value: tokenSource},
			{Key: "currency.balances:founder", Value: map[string]any{"__fixed__": "1000000"}},
		},
	}
	require.NoError(t, w.IndexGenesis(doc))

	store := NewStore(db)
	height, err := store.Height()
	require.NoError(t, err)
	require.Zero(t, height)

	var tx Transaction
	require.NoError(t, db.First(&tx, "hash = ?", genesisTxHash).Error)
	require.Equal(t, "sys", tx.Sender)
	require.True(t, tx.Success)

	result, err := store.State("currency.balances", 100, 0)
	require.NoError(t, err)
	rows := result.([]map[string]any)
	require.Len(t, rows, 1)
	require.Equal(t, map[string]any{"__fixed__": "1000000"}, rows[0]["value"])

	contracts, err := store.Contracts(100, 0)
	require.NoError(t, err)
	contractRows := contracts.([]map[string]any)
	require.Len(t, contractRows, 1)
	require.Equal(t, "currency", contractRows[0]["name"])
	require.Equal(t, true, contractRows[0]["xsc0001"])

	// A second run against a non-empty store is a no-op.
	require.NoError(t, w.IndexGenesis(doc))
	var count int64
	require.NoError(t, db.Model(&StateChange{}).Count(&count).Error)
	require.Equal(t, int64(2), count)
}

func TestContractCodeKey(t *testing.T) {
	tests := []struct {
		key      string
		wantName string
		wantOK   bool
	}{
		{"currency.__code__", "currency", true},
		{"con_market.__code__", "con_market", true},
		{"currency.balances:alice", "", false},
		{".__code__", "", false},
		{"a.b.__code__", "", false},
	}
	for _, tc := range tests {
		name, ok := contractCodeKey(tc.key)
		require.Equal(t, tc.wantOK, ok, tc.key)
		require.Equal(t, tc.wantName, name, tc.key)
	}
}

func TestIsXSC0001(t *testing.T) {
	require.True(t, isXSC0001(tokenSource))
	require.False(t, isXSC0001("@export\ndef hello():\n    pass"))

	// Missing transfer_from disqualifies an otherwise compliant token.
	partial := `balances = Hash(default_value=0)

@export
def transfer(amount: float, to: str):
    pass

@export
def approve(amount: float, to: str):
    pass
`
	require.False(t, isXSC0001(partial))
}
