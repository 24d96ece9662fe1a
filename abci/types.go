package abci

// CheckTxType distinguishes a first-time admission check from a recheck of
// a transaction already sitting in the mempool after a block commits.
type CheckTxType int32

const (
	CheckTxNew     CheckTxType = 0
	CheckTxRecheck CheckTxType = 1
)

// ProposalStatus is a validator's verdict on a proposed block.
type ProposalStatus int32

const (
	ProposalAccept ProposalStatus = 0
	ProposalReject ProposalStatus = 1
)

// ValidatorUpdate sets a validator's voting power. Power zero removes the
// validator from the set.
type ValidatorUpdate struct {
	PubKey []byte `json:"pub_key"`
	Power  int64  `json:"power"`
}

// EventAttribute is a single key/value pair attached to an event.
type EventAttribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Index bool   `json:"index"`
}

// Event is emitted during transaction execution and indexed by the engine.
type Event struct {
	Type       string           `json:"type"`
	Attributes []EventAttribute `json:"attributes"`
}

// ExecTxResult is the outcome of executing one transaction in a block.
type ExecTxResult struct {
	Code      uint32  `json:"code"`
	Data      []byte  `json:"data"`
	Log       string  `json:"log"`
	Info      string  `json:"info"`
	GasWanted int64   `json:"gas_wanted"`
	GasUsed   int64   `json:"gas_used"`
	Events    []Event `json:"events"`
}

type RequestInfo struct {
	Version      string `json:"version"`
	BlockVersion uint64 `json:"block_version"`
	P2PVersion   uint64 `json:"p2p_version"`
}

type ResponseInfo struct {
	Data             string `json:"data"`
	Version          string `json:"version"`
	AppVersion       uint64 `json:"app_version"`
	LastBlockHeight  int64  `json:"last_block_height"`
	LastBlockAppHash []byte `json:"last_block_app_hash"`
}

type RequestInitChain struct {
	Time          int64             `json:"time"`
	ChainID       string            `json:"chain_id"`
	Validators    []ValidatorUpdate `json:"validators"`
	AppStateBytes []byte            `json:"app_state_bytes"`
	InitialHeight int64             `json:"initial_height"`
}

type ResponseInitChain struct {
	Validators []ValidatorUpdate `json:"validators"`
	AppHash    []byte            `json:"app_hash"`
}

type RequestCheckTx struct {
	Tx   []byte      `json:"tx"`
	Type CheckTxType `json:"type"`
}

type ResponseCheckTx struct {
	Code      uint32 `json:"code"`
	Data      []byte `json:"data"`
	Log       string `json:"log"`
	Info      string `json:"info"`
	GasWanted int64  `json:"gas_wanted"`
	GasUsed   int64  `json:"gas_used"`
}

type RequestPrepareProposal struct {
	MaxTxBytes int64    `json:"max_tx_bytes"`
	Txs        [][]byte `json:"txs"`
	Height     int64    `json:"height"`
	Time       int64    `json:"time"`
}

type ResponsePrepareProposal struct {
	Txs [][]byte `json:"txs"`
}

type RequestProcessProposal struct {
	Txs    [][]byte `json:"txs"`
	Hash   []byte   `json:"hash"`
	Height int64    `json:"height"`
	Time   int64    `json:"time"`
}

type ResponseProcessProposal struct {
	Status ProposalStatus `json:"status"`
}

type RequestFinalizeBlock struct {
	Txs             [][]byte `json:"txs"`
	Hash            []byte   `json:"hash"`
	Height          int64    `json:"height"`
	Time            int64    `json:"time"`
	ProposerAddress []byte   `json:"proposer_address"`
}

type ResponseFinalizeBlock struct {
	Events           []Event           `json:"events"`
	TxResults        []*ExecTxResult   `json:"tx_results"`
	ValidatorUpdates []ValidatorUpdate `json:"validator_updates"`
	AppHash          []byte            `json:"app_hash"`
}

type RequestCommit struct{}

type ResponseCommit struct {
	RetainHeight int64 `json:"retain_height"`
}

type RequestQuery struct {
	Data   []byte `json:"data"`
	Path   string `json:"path"`
	Height int64  `json:"height"`
	Prove  bool   `json:"prove"`
}

type ResponseQuery struct {
	Code   uint32 `json:"code"`
	Log    string `json:"log"`
	Info   string `json:"info"`
	Index  int64  `json:"index"`
	Key    []byte `json:"key"`
	Value  []byte `json:"value"`
	Height int64  `json:"height"`
}
