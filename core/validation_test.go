package core

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"

	"xianchain/core/nonce"
	"xianchain/core/types"
	"xianchain/storage"
)

func newTestValidator(t *testing.T) (*TxValidator, *storage.Driver, *nonce.Store) {
	t.Helper()
	driver := storage.NewDriver(storage.NewMemDB())
	nonces := nonce.NewStore(driver)
	return NewTxValidator(driver, nonces, testChainID), driver, nonces
}

// seedCommitted writes key/value pairs and hard-applies them so the
// validator's committed-view reads observe them.
func seedCommitted(t *testing.T, driver *storage.Driver, pairs map[string]any) {
	t.Helper()
	for key, value := range pairs {
		if err := driver.Set(key, value); err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
	}
	if err := driver.HardApply(1); err != nil {
		t.Fatalf("hard apply: %v", err)
	}
}

func validationTx(t *testing.T, priv ed25519.PrivateKey, mutate func(*types.Payload)) *types.Transaction {
	t.Helper()
	tx := &types.Transaction{Payload: types.Payload{
		Nonce:          1,
		StampsSupplied: 50,
		Contract:       "con_greet",
		Function:       "hello",
		Kwargs:         map[string]any{"who": "test"},
		ChainID:        testChainID,
	}}
	if mutate != nil {
		mutate(&tx.Payload)
	}
	if err := tx.Sign(priv); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tx
}

func TestValidateAcceptsFundedTx(t *testing.T) {
	v, driver, _ := newTestValidator(t)
	signer := testSigner(t, 1)
	seedCommitted(t, driver, map[string]any{
		"currency.balances:" + signerAddress(signer): json.Number("1000"),
	})

	if err := v.Validate(validationTx(t, signer, nil)); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsReplayedNonce(t *testing.T) {
	v, driver, nonces := newTestValidator(t)
	signer := testSigner(t, 2)
	sender := signerAddress(signer)
	seedCommitted(t, driver, map[string]any{"currency.balances:" + sender: json.Number("1000")})

	if err := nonces.SetCommitted(sender, 5); err != nil {
		t.Fatalf("seed nonce: %v", err)
	}
	if err := driver.HardApply(2); err != nil {
		t.Fatalf("hard apply: %v", err)
	}

	err := v.Validate(validationTx(t, signer, func(p *types.Payload) { p.Nonce = 5 }))
	if err != types.ErrInvalidNonce {
		t.Fatalf("nonce 5 after committed 5: %v", err)
	}

	if err := v.Validate(validationTx(t, signer, func(p *types.Payload) { p.Nonce = 6 })); err != nil {
		t.Fatalf("nonce 6 after committed 5: %v", err)
	}
}

func TestValidateStampAffordability(t *testing.T) {
	tests := []struct {
		name    string
		balance string
		rate    string
		wantErr bool
	}{
		// Without a configured rate the default of 20 applies.
		{name: "default rate covers", balance: "1000", wantErr: false},
		{name: "default rate too poor", balance: "1", wantErr: true},
		{name: "configured rate too poor", balance: "10", rate: "2", wantErr: true},
		{name: "configured rate exact", balance: "25", rate: "2", wantErr: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, driver, _ := newTestValidator(t)
			signer := testSigner(t, 3)
			seed := map[string]any{
				"currency.balances:" + signerAddress(signer): json.Number(tc.balance),
			}
			if tc.rate != "" {
				seed[stampRateKey] = json.Number(tc.rate)
			}
			seedCommitted(t, driver, seed)

			err := v.Validate(validationTx(t, signer, nil))
			if tc.wantErr && err != types.ErrInsufficientStamps {
				t.Fatalf("err = %v, want insufficient stamps", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("err = %v, want admission", err)
			}
		})
	}
}

func TestValidateTransferHeadroom(t *testing.T) {
	v, driver, _ := newTestValidator(t)
	signer := testSigner(t, 4)
	seedCommitted(t, driver, map[string]any{
		"currency.balances:" + signerAddress(signer): json.Number("3"),
	})

	transfer := func(amount string) *types.Transaction {
		return validationTx(t, signer, func(p *types.Payload) {
			p.Contract = "currency"
			p.Function = "transfer"
			p.Kwargs = map[string]any{"amount": map[string]any{"__fixed__": amount}, "to": "somebody"}
		})
	}

	// Balance 3 at the default rate: sending 2.9 leaves ~0.33 stamps of
	// headroom, below the required two transactions' worth.
	if err := v.Validate(transfer("2.9")); err != types.ErrInsufficientStamps {
		t.Fatalf("draining transfer: %v", err)
	}

	if err := v.Validate(transfer("0.5")); err != nil {
		t.Fatalf("modest transfer: %v", err)
	}
}

func TestValidateSubmissionName(t *testing.T) {
	v, driver, _ := newTestValidator(t)
	signer := testSigner(t, 5)
	seedCommitted(t, driver, map[string]any{
		"currency.balances:" + signerAddress(signer): json.Number("1000"),
	})

	submit := func(kwargs map[string]any) *types.Transaction {
		return validationTx(t, signer, func(p *types.Payload) {
			p.Contract = "submission"
			p.Function = "submit_contract"
			p.Kwargs = kwargs
		})
	}

	if err := v.Validate(submit(map[string]any{"name": "con_fine", "code": "x = 1"})); err != nil {
		t.Fatalf("valid submission: %v", err)
	}
	if err := v.Validate(submit(map[string]any{"name": "no_prefix", "code": "x = 1"})); err != types.ErrInvalidContractName {
		t.Fatalf("bad name: %v", err)
	}
	if err := v.Validate(submit(map[string]any{"code": "x = 1"})); err != types.ErrInvalidContractName {
		t.Fatalf("missing name: %v", err)
	}
}

func TestValidateRejectsTamperAndForeignChain(t *testing.T) {
	v, driver, _ := newTestValidator(t)
	signer := testSigner(t, 6)
	seedCommitted(t, driver, map[string]any{
		"currency.balances:" + signerAddress(signer): json.Number("1000"),
	})

	tampered := validationTx(t, signer, nil)
	tampered.Payload.Nonce = 9
	if err := v.Validate(tampered); err != types.ErrBadSignature {
		t.Fatalf("tampered payload: %v", err)
	}

	foreign := validationTx(t, signer, func(p *types.Payload) { p.ChainID = "other-chain" })
	if err := v.Validate(foreign); err != types.ErrWrongChainID {
		t.Fatalf("foreign chain: %v", err)
	}
}
