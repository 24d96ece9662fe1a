// Package abci defines the contract between the consensus engine and the
// application state machine. The engine drives the application; the
// application never calls back into the engine.
//
// During block execution the methods are invoked in a fixed order:
//
//  1. PrepareProposal - the proposer orders the transactions it will propose
//  2. ProcessProposal - every validator vets the proposed ordering
//  3. FinalizeBlock   - the block is executed transaction by transaction
//  4. Commit          - the resulting state is atomically persisted
//
// CheckTx and Query can be called at any time and may run concurrently
// with each other, but never concurrently with block execution.
package abci

import "context"

// Application is implemented by the state machine and driven by the
// consensus engine.
type Application interface {
	// Info reports the application's version and the height and state
	// fingerprint of the last committed block. Called on startup so the
	// engine can detect how far the application has progressed.
	Info(ctx context.Context, req *RequestInfo) (*ResponseInfo, error)

	// InitChain seeds state from the genesis document. Called exactly
	// once, before the first block.
	InitChain(ctx context.Context, req *RequestInitChain) (*ResponseInitChain, error)

	// CheckTx admits or rejects a transaction for the mempool. It must
	// not modify committed state and must be safe for concurrent use.
	CheckTx(ctx context.Context, req *RequestCheckTx) (*ResponseCheckTx, error)

	// PrepareProposal deterministically orders and deduplicates the
	// transactions offered for the next block.
	PrepareProposal(ctx context.Context, req *RequestPrepareProposal) (*ResponsePrepareProposal, error)

	// ProcessProposal accepts a proposed block only if its transaction
	// list is exactly what PrepareProposal would have produced.
	ProcessProposal(ctx context.Context, req *RequestProcessProposal) (*ResponseProcessProposal, error)

	// FinalizeBlock executes every transaction in the decided block and
	// returns the per-transaction results, the emitted events, the
	// validator set changes and the new state fingerprint.
	FinalizeBlock(ctx context.Context, req *RequestFinalizeBlock) (*ResponseFinalizeBlock, error)

	// Commit durably persists the state produced by FinalizeBlock.
	Commit(ctx context.Context, req *RequestCommit) (*ResponseCommit, error)

	// Query reads committed state. Safe for concurrent use.
	Query(ctx context.Context, req *RequestQuery) (*ResponseQuery, error)
}
