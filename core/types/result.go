package types

// StateWrite is one key/value change produced by executing a transaction.
type StateWrite struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// TxResult is the canonical outcome of executing one transaction. Its
// canonical encoding is what gets reported to the consensus engine; its
// Hash is what enters the fingerprint accumulator. Fields are declared in
// canonical key order so the struct marshals the same as its sorted map
// form.
type TxResult struct {
	Events     []Event      `json:"events"`
	Hash       string       `json:"hash"`
	Result     string       `json:"result"`
	StampsUsed int64        `json:"stamps_used"`
	State      []StateWrite `json:"state"`
	Status     uint32       `json:"status"`
}

// RewardEntry is one credit in the per-block reward ledger. Amount is the
// exact decimal string after dust rounding, so the ledger serializes the
// same way on every node. Fields are declared in canonical key order.
type RewardEntry struct {
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
}
