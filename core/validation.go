package core

import (
	"github.com/shopspring/decimal"

	"xianchain/core/nonce"
	"xianchain/core/rewards"
	"xianchain/core/types"
	"xianchain/storage"
)

// defaultStampRate applies during admission when the chain has not yet
// configured a stamp cost.
const defaultStampRate = 20

// Well-known state keys the node reads for fee policy.
const (
	stampRateKey  = "stamp_cost.S:value"
	balancePrefix = "currency.balances:"
)

// TxValidator applies the admission rules to a decoded transaction. All
// state reads go against the last committed view, never against writes of
// a block in flight, so admission is stable while a block executes.
type TxValidator struct {
	driver  *storage.Driver
	nonces  *nonce.Store
	chainID string
}

func NewTxValidator(driver *storage.Driver, nonces *nonce.Store, chainID string) *TxValidator {
	return &TxValidator{driver: driver, nonces: nonces, chainID: chainID}
}

// Validate runs the full admission sequence and returns the first failed
// rule: shape, nonce, stamp affordability, contract name, signature,
// chain id. The returned error is always a *types.TxError.
func (v *TxValidator) Validate(tx *types.Transaction) error {
	if err := tx.CheckShape(); err != nil {
		return err
	}
	if err := v.nonces.Check(tx.Payload.Sender, tx.Payload.Nonce); err != nil {
		return err
	}
	if err := v.checkStamps(tx); err != nil {
		return err
	}
	if err := checkContractName(tx); err != nil {
		return err
	}
	if err := tx.Verify(); err != nil {
		return err
	}
	if tx.Payload.ChainID != v.chainID {
		return types.ErrWrongChainID
	}
	return nil
}

// checkStamps rejects senders whose balance cannot cover the supplied
// stamps at the current rate. Token transfers additionally must leave the
// sender enough balance for roughly two more transactions, so accounts
// cannot be emptied for free.
func (v *TxValidator) checkStamps(tx *types.Transaction) error {
	balance, err := v.committedDecimal(balancePrefix + tx.Payload.Sender)
	if err != nil {
		return err
	}
	rate, err := v.committedDecimal(stampRateKey)
	if err != nil {
		return err
	}
	if rate.IsZero() {
		rate = decimal.NewFromInt(defaultStampRate)
	}

	supplied := decimal.NewFromInt(tx.Payload.StampsSupplied)
	if balance.Mul(rate).LessThan(supplied) {
		return types.ErrInsufficientStamps
	}

	if tx.Payload.Contract == "currency" && tx.Payload.Function == "transfer" {
		amount := decimal.Zero
		if raw, ok := tx.Payload.Kwargs["amount"]; ok {
			amount, err = rewards.ParseDecimal(raw)
			if err != nil {
				return &types.TxError{Kind: types.KindPolicy, Message: "Transaction amount is invalid"}
			}
		}
		headroom := balance.Sub(amount).Mul(rate).Div(decimal.NewFromInt(6))
		if headroom.LessThan(decimal.NewFromInt(2)) {
			return types.ErrInsufficientStamps
		}
	}
	return nil
}

func (v *TxValidator) committedDecimal(key string) (decimal.Decimal, error) {
	raw, err := v.driver.GetCommitted(key)
	if err != nil {
		return decimal.Decimal{}, &types.TxError{Kind: types.KindPolicy, Message: "Failed to read state: " + err.Error()}
	}
	d, err := rewards.ParseDecimal(raw)
	if err != nil {
		return decimal.Decimal{}, &types.TxError{Kind: types.KindPolicy, Message: "Failed to read state: " + err.Error()}
	}
	return d, nil
}

// checkContractName vets the requested name of a contract submission.
func checkContractName(tx *types.Transaction) error {
	if tx.Payload.Contract != "submission" || tx.Payload.Function != "submit_contract" {
		return nil
	}
	name, ok := tx.Payload.Kwargs["name"].(string)
	if !ok || !types.IsContractName(name) {
		return types.ErrInvalidContractName
	}
	return nil
}
