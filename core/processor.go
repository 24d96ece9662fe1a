package core

import (
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"xianchain/core/rewards"
	"xianchain/core/types"
	"xianchain/fingerprint"
	"xianchain/storage"
)

// Environment is the deterministic execution context shared by every
// transaction in a block. Now is derived from the block time, never from
// the local clock.
type Environment struct {
	BlockHash string
	BlockNum  int64
	ChainID   string
	Now       time.Time
	InputHash string
	Salt      string
}

// ExecRequest is one contract invocation handed to the execution engine.
type ExecRequest struct {
	Sender         string
	Contract       string
	Function       string
	Kwargs         map[string]any
	StampsSupplied int64
	StampCost      int64
	Environment    Environment
	Metering       bool
}

// ExecOutput is what the execution engine reports back. Status zero is
// success; any other status means the writes are discarded and only the
// stamp fee is charged.
type ExecOutput struct {
	Status     uint32
	Writes     map[string]any
	StampsUsed int64
	Result     string
	Events     []types.Event
}

// ExecutionEngine abstracts the contract runtime. Implementations must be
// deterministic: the same request against the same state yields the same
// output on every node.
type ExecutionEngine interface {
	Execute(req *ExecRequest) (*ExecOutput, error)
}

// ProcessedTx is the outcome of running one transaction through the
// processor. A nil Result means the engine could not run the transaction
// at all; the caller reports a failure without a result hash.
type ProcessedTx struct {
	Result     *types.TxResult
	StampsUsed int64
	Contract   string
}

// TxProcessor builds the execution environment for each transaction,
// delegates to the engine and folds the outcome into the state driver.
type TxProcessor struct {
	driver *storage.Driver
	engine ExecutionEngine
	log    *slog.Logger
}

func NewTxProcessor(driver *storage.Driver, engine ExecutionEngine, log *slog.Logger) *TxProcessor {
	return &TxProcessor{driver: driver, engine: engine, log: log}
}

// Process executes tx inside the block described by meta. Engine failures
// are contained: they yield an empty ProcessedTx, never a panic.
func (p *TxProcessor) Process(tx *types.Transaction, meta types.BlockMeta, metering bool) *ProcessedTx {
	stampCost := p.stampCost()

	output, err := p.engine.Execute(&ExecRequest{
		Sender:         tx.Payload.Sender,
		Contract:       tx.Payload.Contract,
		Function:       tx.Payload.Function,
		Kwargs:         tx.Payload.Kwargs,
		StampsSupplied: tx.Payload.StampsSupplied,
		StampCost:      stampCost,
		Environment:    BuildEnvironment(tx, meta),
		Metering:       metering,
	})
	if err != nil || output == nil {
		p.log.Error("transaction execution failed",
			"contract", tx.Payload.Contract,
			"function", tx.Payload.Function,
			"error", err)
		return &ProcessedTx{}
	}

	if output.Status != 0 {
		p.log.Error("transaction executed unsuccessfully",
			"stamps_used", output.StampsUsed,
			"writes", len(output.Writes),
			"result", output.Result)
	}

	hash, err := tx.Hash(meta)
	if err != nil {
		p.log.Error("could not derive transaction hash", "error", err)
		return &ProcessedTx{}
	}

	writes, err := p.applyWrites(output, tx.Payload.Sender, stampCost)
	if err != nil {
		p.log.Error("could not apply transaction writes", "error", err)
		return &ProcessedTx{}
	}

	events := output.Events
	if events == nil {
		events = []types.Event{}
	}
	result := &types.TxResult{
		Events:     events,
		Hash:       hash,
		Result:     output.Result,
		StampsUsed: output.StampsUsed,
		State:      pruneCompiled(writes),
		Status:     output.Status,
	}
	return &ProcessedTx{
		Result:     result,
		StampsUsed: output.StampsUsed,
		Contract:   tx.Payload.Contract,
	}
}

// applyWrites folds the engine output into the driver and returns the
// write set in key order. A failed execution keeps none of the engine's
// writes; only the stamp fee is deducted, and never below zero.
func (p *TxProcessor) applyWrites(output *ExecOutput, sender string, stampCost int64) ([]types.StateWrite, error) {
	var writes []types.StateWrite
	if output.Status == 0 {
		writes = make([]types.StateWrite, 0, len(output.Writes))
		for key, value := range output.Writes {
			writes = append(writes, types.StateWrite{Key: key, Value: value})
		}
		sortWrites(writes)
	} else {
		key := balancePrefix + sender
		raw, err := p.driver.Get(key)
		if err != nil {
			return nil, err
		}
		balance, err := rewards.ParseDecimal(raw)
		if err != nil {
			return nil, err
		}
		deduct := decimal.NewFromInt(output.StampsUsed).Div(decimal.NewFromInt(stampCost))
		remaining := rewards.RoundDust(balance.Sub(deduct))
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		writes = []types.StateWrite{{Key: key, Value: rewards.FixedValue(remaining)}}
	}

	for _, write := range writes {
		if err := p.driver.Set(write.Key, write.Value); err != nil {
			return nil, err
		}
	}
	return writes, nil
}

// stampCost reads the chain's stamp rate for execution, defaulting to one
// so fee math stays defined on an unconfigured chain.
func (p *TxProcessor) stampCost() int64 {
	raw, err := p.driver.Get(stampRateKey)
	if err != nil || raw == nil {
		return 1
	}
	cost, err := rewards.ParseDecimal(raw)
	if err != nil || cost.IntPart() < 1 {
		return 1
	}
	return cost.IntPart()
}

// BuildEnvironment derives the execution environment from the transaction
// and its block. The input hash salts per-transaction randomness with the
// block time and the transaction signature.
func BuildEnvironment(tx *types.Transaction, meta types.BlockMeta) Environment {
	signature := tx.Metadata.Signature
	seconds := int64(math.Ceil(float64(meta.Nanos) / 1e9))
	return Environment{
		BlockHash: meta.Hash,
		BlockNum:  meta.Height,
		ChainID:   meta.ChainID,
		Now:       time.Unix(seconds, 0).UTC(),
		InputHash: fingerprint.Hash([]byte(strconv.FormatInt(meta.Nanos, 10) + signature)),
		Salt:      signature,
	}
}

func sortWrites(writes []types.StateWrite) {
	sort.Slice(writes, func(i, j int) bool { return writes[i].Key < writes[j].Key })
}

// pruneCompiled drops compiled-code writes from the reported state; the
// writes themselves still land in the driver.
func pruneCompiled(writes []types.StateWrite) []types.StateWrite {
	pruned := make([]types.StateWrite, 0, len(writes))
	for _, write := range writes {
		if isCompiledKey(write.Key) {
			continue
		}
		pruned = append(pruned, write)
	}
	return pruned
}

func isCompiledKey(key string) bool {
	parts := strings.SplitN(key, ".", 3)
	return len(parts) > 1 && parts[1] == "__compiled__"
}
