package core

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"xianchain/abci"
	"xianchain/canonical"
	"xianchain/core/events"
	"xianchain/core/genesis"
	"xianchain/core/nonce"
	"xianchain/core/rewards"
	"xianchain/core/types"
	"xianchain/core/validators"
	"xianchain/crypto"
	"xianchain/fingerprint"
	"xianchain/storage"
)

// AppVersion is reported to the consensus engine during the handshake.
const AppVersion uint64 = 1

// BaseVersion names the state-transition logic every chain starts on.
const BaseVersion = "v1"

// Options configures the state machine. Zero values disable the optional
// behaviors.
type Options struct {
	ChainID string

	// Genesis is applied on init_chain when the consensus engine does not
	// deliver its own application state.
	Genesis *genesis.Document

	EnableTxFee             bool
	StaticRewards           bool
	StaticRewardsValidators decimal.Decimal
	StaticRewardsFoundation decimal.Decimal

	PruningEnabled bool
	BlocksToKeep   int64

	// BlockServiceMode opens the historical query paths served by the
	// transaction index and an attached data service.
	BlockServiceMode bool

	// StatePatchPath points at the operator-shipped patch file. Empty
	// disables patching.
	StatePatchPath string

	// TxIndexPath enables the local transaction index when set.
	TxIndexPath string
}

// blockContext carries everything one block accumulates between finalize
// and commit: created when finalize begins, consumed by commit, never
// reachable outside that window.
type blockContext struct {
	meta         types.BlockMeta
	accumulator  []string
	results      []*abci.ExecTxResult
	txResults    []*types.TxResult
	txInfos      []events.TxInfo
	records      []storage.TxRecord
	ledger       []types.RewardEntry
	patchWrites  []types.StateWrite
	totalStamps  int64
	lastContract string
	appHash      string
}

// App is the application state machine behind the consensus engine. All
// consensus-connection methods are invoked sequentially by the engine;
// CheckTx and Query arrive concurrently on their own connections and only
// ever read the committed view.
type App struct {
	log  *slog.Logger
	opts Options

	driver      *storage.Driver
	pointer     *storage.BlockPointer
	txIndex     *storage.TxIndex
	nonces      *nonce.Store
	validator   *TxValidator
	rewards     *rewards.Engine
	valStore    *validators.Store
	reconciler  *validators.Reconciler
	patches     *StatePatchManager
	upgrades    *UpgradeHandler
	engine      ExecutionEngine
	compiler    Compiler
	dataService DataService
	feed        events.Feed

	genesisWG  sync.WaitGroup
	genesisErr error

	mu       sync.Mutex
	inFlight *blockContext
}

var _ abci.Application = (*App)(nil)

// NewApp wires the state machine over db. The execution engine may also
// implement Compiler; without it, contract-code genesis entries and state
// patches are rejected.
func NewApp(db storage.Database, dataDir string, engine ExecutionEngine, opts Options, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	pointer, err := storage.NewBlockPointer(dataDir)
	if err != nil {
		return nil, err
	}

	driver := storage.NewDriver(db)
	nonces := nonce.NewStore(driver)
	valStore := validators.NewStore(driver)
	processor := NewTxProcessor(driver, engine, log)

	compiler, _ := engine.(Compiler)

	patches := NewStatePatchManager(driver, compiler, log)
	if opts.StatePatchPath != "" {
		if err := patches.Load(opts.StatePatchPath); err != nil {
			return nil, err
		}
	}

	var txIndex *storage.TxIndex
	if opts.TxIndexPath != "" {
		txIndex, err = storage.NewTxIndex(opts.TxIndexPath)
		if err != nil {
			return nil, err
		}
	}

	upgrades := NewUpgradeHandler(BaseVersion, log)
	upgrades.Register(BaseVersion, Logic{Runner: processor, Hasher: ChainHasher{}})

	return &App{
		log:        log,
		opts:       opts,
		driver:     driver,
		pointer:    pointer,
		txIndex:    txIndex,
		nonces:     nonces,
		validator:  NewTxValidator(driver, nonces, opts.ChainID),
		rewards:    rewards.NewEngine(driver),
		valStore:   valStore,
		reconciler: validators.NewReconciler(driver, valStore),
		patches:    patches,
		upgrades:   upgrades,
		engine:     engine,
		compiler:   compiler,
	}, nil
}

// Driver exposes the state driver to the query surface.
func (a *App) Driver() *storage.Driver { return a.driver }

// NonceStore exposes replay-protection counters to the query surface.
func (a *App) NonceStore() *nonce.Store { return a.nonces }

// TxIndex returns the local transaction index, or nil when disabled.
func (a *App) TxIndex() *storage.TxIndex { return a.txIndex }

// Feed is the committed-block feed consumed by the websocket layer and the
// chain data service.
func (a *App) Feed() *events.Feed { return &a.feed }

// ChainID returns the chain this node validates for.
func (a *App) ChainID() string { return a.opts.ChainID }

// RegisterLogic adds a state-transition logic version to the upgrade
// registry.
func (a *App) RegisterLogic(version string, logic Logic) {
	a.upgrades.Register(version, logic)
}

// ScheduleUpgrade arms a version switch at the given height.
func (a *App) ScheduleUpgrade(height int64, version string) {
	a.upgrades.Schedule(height, version)
}

// Close releases the durable resources the app owns.
func (a *App) Close() {
	a.genesisWG.Wait()
	if a.txIndex != nil {
		if err := a.txIndex.Close(); err != nil {
			a.log.Error("could not close transaction index", "error", err)
		}
	}
	a.driver.Close()
}

// awaitGenesis blocks until a background genesis application has finished.
// Nothing may read or execute against half-applied genesis state.
func (a *App) awaitGenesis() error {
	a.genesisWG.Wait()
	return a.genesisErr
}

// Info answers the consensus handshake from the latest-block pointer. The
// engine replays from LastBlockHeight+1 against LastBlockAppHash.
func (a *App) Info(ctx context.Context, req *abci.RequestInfo) (*abci.ResponseInfo, error) {
	lb, err := a.pointer.Get()
	if err != nil {
		return nil, err
	}
	return &abci.ResponseInfo{
		Data:             a.opts.ChainID,
		Version:          req.Version,
		AppVersion:       AppVersion,
		LastBlockHeight:  lb.Height,
		LastBlockAppHash: []byte(lb.Hash),
	}, nil
}

// InitChain seeds the chain exactly once: the latest-block pointer takes
// the genesis hash immediately, while the genesis writes apply on a
// background goroutine that every state-touching operation waits for. A
// second invocation fails loudly instead of re-applying genesis.
func (a *App) InitChain(ctx context.Context, req *abci.RequestInitChain) (*abci.ResponseInitChain, error) {
	lb, err := a.pointer.Get()
	if err != nil {
		return nil, err
	}
	if lb.Hash != "" || lb.Height != 0 {
		return nil, fmt.Errorf("chain already initialized: pointer at height %d", lb.Height)
	}

	if req.ChainID != "" && req.ChainID != a.opts.ChainID {
		return nil, fmt.Errorf("genesis chain id %q does not match configured %q", req.ChainID, a.opts.ChainID)
	}

	doc := a.opts.Genesis
	if len(req.AppStateBytes) > 0 {
		doc, err = genesis.Decode(req.AppStateBytes)
		if err != nil {
			return nil, fmt.Errorf("genesis from consensus engine: %w", err)
		}
	}
	if doc == nil {
		return nil, fmt.Errorf("no genesis document available")
	}

	seed := make([]string, 0, len(req.Validators))
	for i, v := range req.Validators {
		if len(v.PubKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("genesis validator %d: public key must be %d bytes", i, ed25519.PublicKeySize)
		}
		seed = append(seed, crypto.PublicKeyFromBytes(v.PubKey).Address())
	}

	if err := a.pointer.Set(doc.Hash, 0); err != nil {
		return nil, err
	}

	a.genesisWG.Add(1)
	go func() {
		defer a.genesisWG.Done()
		if len(seed) > 0 {
			if err := a.valStore.SetActive(seed); err != nil {
				a.genesisErr = fmt.Errorf("seed validator set: %w", err)
				a.log.Error("genesis application failed", "error", a.genesisErr)
				return
			}
		}
		if err := genesis.Apply(doc, a.driver, a.nonces, a.compiler, a.log); err != nil {
			a.genesisErr = err
			a.log.Error("genesis application failed", "error", err)
		}
	}()

	return &abci.ResponseInitChain{}, nil
}

// CheckTx is the mempool admission gate. It reads only committed state and
// converts every rejection into a coded response; nothing here can abort
// the node.
func (a *App) CheckTx(ctx context.Context, req *abci.RequestCheckTx) (*abci.ResponseCheckTx, error) {
	if err := a.awaitGenesis(); err != nil {
		return nil, err
	}

	tx, err := types.DecodeRaw(req.Tx)
	if err != nil {
		return &abci.ResponseCheckTx{Code: abci.CodeError, Log: err.Error()}, nil
	}
	if err := a.validator.Validate(tx); err != nil {
		return &abci.ResponseCheckTx{Code: abci.CodeError, Log: err.Error()}, nil
	}

	a.nonces.BumpPending(tx.Payload.Sender, tx.Payload.Nonce)
	return &abci.ResponseCheckTx{Code: abci.CodeOK, GasWanted: tx.Payload.StampsSupplied}, nil
}

// PrepareProposal drops undecodable candidates and orders the rest by the
// canonical-bytes total order, so any two honest proposers with the same
// candidate set emit the same batch.
func (a *App) PrepareProposal(ctx context.Context, req *abci.RequestPrepareProposal) (*abci.ResponsePrepareProposal, error) {
	type candidate struct {
		key     string
		encoded []byte
	}
	candidates := make([]candidate, 0, len(req.Txs))
	for _, raw := range req.Txs {
		tx, err := types.DecodeRaw(raw)
		if err != nil {
			a.log.Debug("dropping undecodable proposal candidate", "error", err)
			continue
		}
		key, err := tx.SortKey()
		if err != nil {
			continue
		}
		encoded, err := tx.Encode()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{key: key, encoded: encoded})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].key < candidates[j].key })

	txs := make([][]byte, 0, len(candidates))
	var total int64
	for _, c := range candidates {
		total += int64(len(c.encoded))
		if req.MaxTxBytes > 0 && total > req.MaxTxBytes {
			break
		}
		txs = append(txs, c.encoded)
	}
	return &abci.ResponsePrepareProposal{Txs: txs}, nil
}

// ProcessProposal accepts a proposal only when its decodable transactions
// are already in the canonical-bytes order PrepareProposal would emit.
func (a *App) ProcessProposal(ctx context.Context, req *abci.RequestProcessProposal) (*abci.ResponseProcessProposal, error) {
	keys := make([]string, 0, len(req.Txs))
	for _, raw := range req.Txs {
		tx, err := types.DecodeRaw(raw)
		if err != nil {
			continue
		}
		key, err := tx.SortKey()
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] > keys[i] {
			a.log.Warn("rejecting unsorted proposal", "height", req.Height)
			return &abci.ResponseProcessProposal{Status: abci.ProposalReject}, nil
		}
	}
	return &abci.ResponseProcessProposal{Status: abci.ProposalAccept}, nil
}

// FinalizeBlock executes one block: resolve the governing logic version,
// apply state patches for the height, run every transaction in delivery
// order, distribute rewards, reconcile the validator set and fold the
// fingerprint accumulator into the next app hash. Per-transaction failures
// are recorded and skipped; anything systemic returns an error and halts
// consensus rather than risking divergence.
func (a *App) FinalizeBlock(ctx context.Context, req *abci.RequestFinalizeBlock) (*abci.ResponseFinalizeBlock, error) {
	if err := a.awaitGenesis(); err != nil {
		return nil, err
	}

	logic, err := a.upgrades.CheckUpgrade(req.Height)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.inFlight != nil {
		pending := a.inFlight.meta.Height
		a.mu.Unlock()
		return nil, fmt.Errorf("finalize for height %d before commit of height %d", req.Height, pending)
	}
	a.mu.Unlock()

	prev, err := a.pointer.Get()
	if err != nil {
		return nil, err
	}

	blk := &blockContext{
		meta: types.BlockMeta{
			ChainID: a.opts.ChainID,
			Hash:    hex.EncodeToString(req.Hash),
			Height:  req.Height,
			Nanos:   req.Time,
		},
		accumulator: []string{prev.Hash},
	}

	if a.patches.HasPatches(req.Height) {
		patchHash, writes, err := a.patches.Apply(req.Height, req.Time)
		if err != nil {
			return nil, fmt.Errorf("state patches at height %d: %w", req.Height, err)
		}
		blk.accumulator = append(blk.accumulator, patchHash)
		blk.patchWrites = writes
	}

	for _, raw := range req.Txs {
		a.deliverTx(blk, logic, raw)
	}

	if a.opts.StaticRewards {
		entries, err := a.rewards.DistributeStatic(a.opts.StaticRewardsValidators, a.opts.StaticRewardsFoundation)
		if err != nil {
			a.log.Error("static reward distribution failed", "height", req.Height, "error", err)
		} else {
			blk.ledger = append(blk.ledger, entries...)
		}
	}
	if a.opts.EnableTxFee && blk.totalStamps > 0 {
		entries, err := a.rewards.Distribute(blk.totalStamps, blk.lastContract)
		if err != nil {
			a.log.Error("reward distribution failed", "height", req.Height, "error", err)
		} else {
			blk.ledger = append(blk.ledger, entries...)
		}
	}

	updates, err := a.reconciler.Updates()
	if err != nil {
		return nil, fmt.Errorf("validator updates at height %d: %w", req.Height, err)
	}
	if err := a.valStore.Apply(updates); err != nil {
		return nil, fmt.Errorf("track validator set at height %d: %w", req.Height, err)
	}

	if len(req.Txs) == 0 && len(blk.accumulator) == 1 && len(blk.ledger) == 0 {
		// Nothing entered the accumulator: reuse the previous app hash
		// rather than reducing a bare seed to a new one.
		blk.appHash = prev.Hash
	} else {
		ledger := blk.ledger
		if ledger == nil {
			ledger = []types.RewardEntry{}
		}
		rewardHash, err := fingerprint.HashCanonical(ledger)
		if err != nil {
			return nil, fmt.Errorf("reward ledger hash at height %d: %w", req.Height, err)
		}
		blk.accumulator = append(blk.accumulator, rewardHash)
		blk.appHash = logic.Hasher.AppHash(blk.accumulator)
	}

	a.mu.Lock()
	a.inFlight = blk
	a.mu.Unlock()

	a.log.Info("block finalized",
		"height", req.Height,
		"txs", len(req.Txs),
		"app_hash", blk.appHash,
		"version", a.upgrades.Current())

	return &abci.ResponseFinalizeBlock{
		TxResults:        blk.results,
		ValidatorUpdates: abciUpdates(updates),
		AppHash:          []byte(blk.appHash),
	}, nil
}

// deliverTx runs one raw transaction inside blk. Every outcome lands in
// blk.results; only transactions that produced a result join the
// fingerprint accumulator.
func (a *App) deliverTx(blk *blockContext, logic Logic, raw []byte) {
	tx, err := types.DecodeRaw(raw)
	if err == nil {
		err = tx.Verify()
	}
	if err != nil {
		a.log.Error("undeliverable transaction", "height", blk.meta.Height, "error", err)
		blk.results = append(blk.results, failedTx(err.Error()))
		return
	}

	processed := logic.Runner.Process(tx, blk.meta, a.opts.EnableTxFee)
	blk.totalStamps += processed.StampsUsed

	if err := a.nonces.SetCommitted(tx.Payload.Sender, tx.Payload.Nonce); err != nil {
		a.log.Error("could not record nonce", "sender", tx.Payload.Sender, "error", err)
		blk.results = append(blk.results, failedTx(err.Error()))
		return
	}

	if processed.Result == nil {
		blk.results = append(blk.results, failedTx("no result from transaction execution"))
		return
	}
	blk.lastContract = processed.Contract

	result := processed.Result
	data, err := canonical.Marshal(result)
	if err != nil {
		a.log.Error("could not encode transaction result", "hash", result.Hash, "error", err)
		blk.results = append(blk.results, failedTx(err.Error()))
		return
	}

	blk.accumulator = append(blk.accumulator, result.Hash)
	blk.txResults = append(blk.txResults, result)
	blk.txInfos = append(blk.txInfos, events.TxInfo{
		Hash:     result.Hash,
		Sender:   tx.Payload.Sender,
		Contract: tx.Payload.Contract,
		Function: tx.Payload.Function,
		Nonce:    tx.Payload.Nonce,
		Kwargs:   tx.Payload.Kwargs,
	})

	execResult := &abci.ExecTxResult{
		Code:      result.Status,
		Data:      data,
		GasWanted: tx.Payload.StampsSupplied,
		GasUsed:   result.StampsUsed,
	}
	if result.Status == abci.CodeOK && len(result.State) > 0 {
		ev, err := events.StateChange(result.Hash, result.State)
		if err != nil {
			a.log.Error("could not build state change event", "hash", result.Hash, "error", err)
		} else {
			execResult.Events = []abci.Event{abciEvent(ev)}
		}
	}
	blk.results = append(blk.results, execResult)
	blk.records = append(blk.records, storage.TxRecord{
		Hash:      result.Hash,
		Height:    blk.meta.Height,
		BlockHash: blk.meta.Hash,
		Code:      result.Status,
		GasUsed:   result.StampsUsed,
		Result:    data,
	})
}

// Commit makes the finalized block durable: pointer first, then the
// buffered state writes under the block time, then the local index and the
// committed-block feed. Speculative mempool nonces reset; the consensus
// engine rechecks its pool right after and rebuilds them.
func (a *App) Commit(ctx context.Context, req *abci.RequestCommit) (*abci.ResponseCommit, error) {
	a.mu.Lock()
	blk := a.inFlight
	a.inFlight = nil
	a.mu.Unlock()
	if blk == nil {
		return nil, fmt.Errorf("commit without a finalized block")
	}

	if err := a.pointer.Set(blk.appHash, blk.meta.Height); err != nil {
		return nil, err
	}
	if err := a.driver.HardApply(blk.meta.Nanos); err != nil {
		return nil, err
	}

	if a.txIndex != nil {
		if err := a.txIndex.PutBlock(blk.meta.Height, blk.records); err != nil {
			a.log.Error("could not index block", "height", blk.meta.Height, "error", err)
		}
	}

	var retainHeight int64
	if a.opts.PruningEnabled && blk.meta.Height > a.opts.BlocksToKeep {
		retainHeight = blk.meta.Height - a.opts.BlocksToKeep
		if a.txIndex != nil {
			if err := a.txIndex.Prune(retainHeight); err != nil {
				a.log.Error("could not prune transaction index", "below", retainHeight, "error", err)
			}
		}
	}

	a.nonces.FlushPending()

	a.feed.Publish(events.BlockCommitted{
		Height:    blk.meta.Height,
		Hash:      blk.meta.Hash,
		AppHash:   blk.appHash,
		Nanos:     blk.meta.Nanos,
		TxResults: blk.txResults,
		TxInfos:   blk.txInfos,
		Rewards:   blk.ledger,
		Patches:   blk.patchWrites,
	})

	a.log.Info("block committed", "height", blk.meta.Height, "retain_height", retainHeight)
	return &abci.ResponseCommit{RetainHeight: retainHeight}, nil
}

func failedTx(msg string) *abci.ExecTxResult {
	return &abci.ExecTxResult{
		Code: abci.CodeError,
		Data: []byte("ERROR: " + msg),
	}
}

// abciUpdates converts reconciler updates for the consensus engine.
func abciUpdates(updates []validators.Update) []abci.ValidatorUpdate {
	out := make([]abci.ValidatorUpdate, 0, len(updates))
	for _, u := range updates {
		out = append(out, abci.ValidatorUpdate{PubKey: u.PubKey, Power: u.Power})
	}
	return out
}

// abciEvent flattens a typed event into engine attributes. Keys are sorted
// so every node reports identical bytes; only the transaction hash is
// indexed.
func abciEvent(ev *types.Event) abci.Event {
	keys := make([]string, 0, len(ev.Attributes))
	for k := range ev.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]abci.EventAttribute, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, abci.EventAttribute{
			Key:   k,
			Value: ev.Attributes[k],
			Index: k == types.AttrTxHash,
		})
	}
	return abci.Event{Type: ev.Type, Attributes: attrs}
}
