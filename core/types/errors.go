package types

// Error kinds surfaced in reject diagnostics. The log line a client sees is
// "<kind>: <message>", or the bare message for the fixed signature and chain
// id rejections.
const (
	KindDecode = "DecodeError"
	KindPolicy = "TransactionException"
)

// TxError is a non-fatal transaction rejection. It never aborts a block;
// the controller converts it into a reject result.
type TxError struct {
	Kind    string
	Message string
}

func (e *TxError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

// Fixed rejections with bare diagnostics.
var (
	// ErrBadSignature rejects a transaction whose signature does not verify
	// over the canonical payload bytes.
	ErrBadSignature = &TxError{Message: "Bad signature"}

	// ErrWrongChainID rejects a transaction built for another chain.
	ErrWrongChainID = &TxError{Message: "Wrong chain_id"}

	// ErrInvalidNonce rejects a nonce at or below the sender's committed one.
	ErrInvalidNonce = &TxError{Kind: KindPolicy, Message: "Transaction nonce is invalid"}

	// ErrInsufficientStamps rejects a sender who cannot afford the stamps.
	ErrInsufficientStamps = &TxError{Kind: KindPolicy, Message: "Transaction sender has too few stamps for this transaction"}

	// ErrInvalidContractName rejects a malformed submission name.
	ErrInvalidContractName = &TxError{Kind: KindPolicy, Message: "Transaction contract name is invalid"}
)
