package core

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"xianchain/core/types"
	"xianchain/fingerprint"
	"xianchain/storage"
)

func testMeta() types.BlockMeta {
	return types.BlockMeta{
		ChainID: testChainID,
		Hash:    "1111111111111111111111111111111111111111111111111111111111111111",
		Height:  5,
		Nanos:   1_500_000_001,
	}
}

func newTestProcessor(t *testing.T, handler func(req *ExecRequest) (*ExecOutput, error)) (*TxProcessor, *storage.Driver) {
	t.Helper()
	driver := storage.NewDriver(storage.NewMemDB())
	return NewTxProcessor(driver, &testEngine{handler: handler}, testLogger()), driver
}

func TestProcessAppliesWritesInKeyOrder(t *testing.T) {
	proc, driver := newTestProcessor(t, func(req *ExecRequest) (*ExecOutput, error) {
		return &ExecOutput{
			Status:     0,
			Writes:     map[string]any{"b.S:two": json.Number("2"), "a.S:one": json.Number("1")},
			StampsUsed: 9,
			Result:     "done",
		}, nil
	})

	tx := signedTx(t, testSigner(t, 1), 1, "con_greet", "hello")
	processed := proc.Process(tx, testMeta(), true)
	if processed.Result == nil {
		t.Fatal("no result")
	}
	if processed.StampsUsed != 9 || processed.Contract != "con_greet" {
		t.Fatalf("processed = %+v", processed)
	}

	result := processed.Result
	if len(result.State) != 2 || result.State[0].Key != "a.S:one" || result.State[1].Key != "b.S:two" {
		t.Fatalf("state not in key order: %+v", result.State)
	}
	wantHash, err := tx.Hash(testMeta())
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if result.Hash != wantHash {
		t.Fatalf("result hash = %q, want %q", result.Hash, wantHash)
	}
	if len(result.Events) != 0 || result.Events == nil {
		t.Fatalf("events = %#v, want an empty non-nil slice", result.Events)
	}

	value, err := driver.Get("a.S:one")
	if err != nil {
		t.Fatalf("read write: %v", err)
	}
	if value != json.Number("1") {
		t.Fatalf("a.S:one = %v", value)
	}
}

func TestProcessRevertedKeepsOnlyFee(t *testing.T) {
	proc, driver := newTestProcessor(t, func(req *ExecRequest) (*ExecOutput, error) {
		return &ExecOutput{
			Status:     1,
			Writes:     map[string]any{"x.S:should-not-land": "nope"},
			StampsUsed: 30,
			Result:     "AssertionError: denied",
		}, nil
	})

	signer := testSigner(t, 2)
	sender := signerAddress(signer)
	if err := driver.Set("currency.balances:"+sender, json.Number("100")); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	tx := signedTx(t, signer, 1, "con_greet", "hello")
	processed := proc.Process(tx, testMeta(), true)
	if processed.Result == nil {
		t.Fatal("no result")
	}
	if processed.Result.Status != 1 {
		t.Fatalf("status = %d, want 1", processed.Result.Status)
	}

	if len(processed.Result.State) != 1 || processed.Result.State[0].Key != "currency.balances:"+sender {
		t.Fatalf("state = %+v, want only the fee deduction", processed.Result.State)
	}

	leak, err := driver.Get("x.S:should-not-land")
	if err != nil {
		t.Fatalf("read leak: %v", err)
	}
	if leak != nil {
		t.Fatal("reverted write reached the driver")
	}

	balance, err := driver.Get("currency.balances:" + sender)
	if err != nil {
		t.Fatalf("read balance: %v", err)
	}
	fixed, ok := balance.(map[string]any)
	if !ok || fixed["__fixed__"] != "70" {
		t.Fatalf("balance = %v, want fixed 70", balance)
	}
}

func TestProcessRevertedFeeNeverGoesNegative(t *testing.T) {
	proc, driver := newTestProcessor(t, func(req *ExecRequest) (*ExecOutput, error) {
		return &ExecOutput{Status: 1, StampsUsed: 500, Result: "boom"}, nil
	})

	signer := testSigner(t, 3)
	sender := signerAddress(signer)
	if err := driver.Set("currency.balances:"+sender, json.Number("3")); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	processed := proc.Process(signedTx(t, signer, 1, "con_greet", "hello"), testMeta(), true)
	if processed.Result == nil {
		t.Fatal("no result")
	}

	balance, err := driver.Get("currency.balances:" + sender)
	if err != nil {
		t.Fatalf("read balance: %v", err)
	}
	fixed, ok := balance.(map[string]any)
	if !ok || fixed["__fixed__"] != "0" {
		t.Fatalf("balance = %v, want fixed 0", balance)
	}
}

func TestProcessEngineFailureYieldsNoResult(t *testing.T) {
	proc, driver := newTestProcessor(t, func(req *ExecRequest) (*ExecOutput, error) {
		return nil, errors.New("runtime unavailable")
	})

	processed := proc.Process(signedTx(t, testSigner(t, 4), 1, "con_greet", "hello"), testMeta(), true)
	if processed.Result != nil {
		t.Fatalf("result = %+v, want none", processed.Result)
	}
	if processed.StampsUsed != 0 || processed.Contract != "" {
		t.Fatalf("processed = %+v, want zero value", processed)
	}

	keys, err := driver.Keys("")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("engine failure left writes behind: %v", keys)
	}
}

func TestProcessHidesCompiledWrites(t *testing.T) {
	proc, driver := newTestProcessor(t, func(req *ExecRequest) (*ExecOutput, error) {
		return &ExecOutput{
			Status: 0,
			Writes: map[string]any{
				"con_new.__code__":     "def x(): pass",
				"con_new.__compiled__": "bytecode",
			},
			StampsUsed: 1,
		}, nil
	})

	processed := proc.Process(signedTx(t, testSigner(t, 5), 1, "submission", "submit_contract"), testMeta(), true)
	if processed.Result == nil {
		t.Fatal("no result")
	}
	if len(processed.Result.State) != 1 || processed.Result.State[0].Key != "con_new.__code__" {
		t.Fatalf("state = %+v, want the compiled write hidden", processed.Result.State)
	}

	compiled, err := driver.Get("con_new.__compiled__")
	if err != nil {
		t.Fatalf("read compiled: %v", err)
	}
	if compiled != "bytecode" {
		t.Fatal("compiled write missing from the driver")
	}
}

func TestProcessReadsStampRateFromState(t *testing.T) {
	var gotCost int64
	proc, driver := newTestProcessor(t, func(req *ExecRequest) (*ExecOutput, error) {
		gotCost = req.StampCost
		return &ExecOutput{Status: 0, StampsUsed: 1}, nil
	})
	if err := driver.Set(stampRateKey, json.Number("20")); err != nil {
		t.Fatalf("seed rate: %v", err)
	}

	proc.Process(signedTx(t, testSigner(t, 6), 1, "con_greet", "hello"), testMeta(), true)
	if gotCost != 20 {
		t.Fatalf("stamp cost = %d, want 20", gotCost)
	}
}

func TestBuildEnvironment(t *testing.T) {
	tx := signedTx(t, testSigner(t, 7), 1, "con_greet", "hello")
	meta := testMeta()

	env := BuildEnvironment(tx, meta)
	if env.BlockHash != meta.Hash || env.BlockNum != meta.Height || env.ChainID != meta.ChainID {
		t.Fatalf("env = %+v", env)
	}
	// 1.500000001s rounds up to whole seconds.
	if !env.Now.Equal(time.Unix(2, 0).UTC()) {
		t.Fatalf("now = %v, want 1970-01-01T00:00:02Z", env.Now)
	}
	if env.Salt != tx.Metadata.Signature {
		t.Fatalf("salt = %q", env.Salt)
	}
	want := fingerprint.Hash([]byte("1500000001" + tx.Metadata.Signature))
	if env.InputHash != want {
		t.Fatalf("input hash = %q, want %q", env.InputHash, want)
	}
}
