package types

// BlockMeta describes the block being finalized. It is created when
// finalize begins, shared by every transaction in the block, and discarded
// at commit. Field order matches the canonical (sorted) key order.
type BlockMeta struct {
	ChainID string `json:"chain_id"`
	Hash    string `json:"hash"`
	Height  int64  `json:"height"`
	Nanos   int64  `json:"nanos"`
}
