package genesis

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"xianchain/crypto"
)

func testFounder(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.PrivateKeyFromBytes(make([]byte, 32))
	if err != nil {
		t.Fatalf("derive founder key: %v", err)
	}
	return key
}

func writeContract(t *testing.T, dir, name, source string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".py"), []byte(source), 0o644); err != nil {
		t.Fatalf("write contract source: %v", err)
	}
}

func testBuildConfig() *BuildConfig {
	return &BuildConfig{
		Extension: ".py",
		Contracts: []ContractSpec{
			{Name: "currency"},
			{Name: "members", SubmitAs: "masternodes", Owner: "election_house"},
		},
		State: []Entry{
			{Key: "currency.balances:%%founder_public_key%%", Value: map[string]any{"__fixed__": "100000000"}},
			{Key: "stamp_cost.S:value", Value: json.Number("20")},
			{Key: "masternodes.nodes", Value: []any{"%%founder_public_key%%"}},
		},
	}
}

func TestBuildProducesSortedSignedDocument(t *testing.T) {
	dir := t.TempDir()
	writeContract(t, dir, "currency", "balances = Hash()")
	writeContract(t, dir, "members", "nodes = Variable()")
	founder := testFounder(t)

	doc, err := Build(founder, dir, testBuildConfig(), BuildOptions{ChainID: "xian-test"})
	if err != nil {
		t.Fatalf("build genesis: %v", err)
	}

	for i := 1; i < len(doc.Genesis); i++ {
		if doc.Genesis[i].Key <= doc.Genesis[i-1].Key {
			t.Fatalf("entries not sorted: %q after %q", doc.Genesis[i].Key, doc.Genesis[i-1].Key)
		}
	}

	byKey := make(map[string]any, len(doc.Genesis))
	for _, entry := range doc.Genesis {
		byKey[entry.Key] = entry.Value
	}
	if byKey["currency.__code__"] != "balances = Hash()" {
		t.Fatalf("currency code entry missing: %v", byKey["currency.__code__"])
	}
	if byKey["currency.__developer__"] != "sys" {
		t.Fatalf("developer not defaulted: %v", byKey["currency.__developer__"])
	}
	if byKey["masternodes.__code__"] != "nodes = Variable()" {
		t.Fatal("submit_as rename not applied")
	}
	if byKey["masternodes.__owner__"] != "election_house" {
		t.Fatalf("owner entry missing: %v", byKey["masternodes.__owner__"])
	}

	founderAddress := founder.PubKey().Address()
	if _, ok := byKey["currency.balances:"+founderAddress]; !ok {
		t.Fatal("founder balance placeholder not resolved")
	}
	nodes, ok := byKey["masternodes.nodes"].([]any)
	if !ok || len(nodes) != 1 || nodes[0] != founderAddress {
		t.Fatalf("placeholder inside list not resolved: %v", byKey["masternodes.nodes"])
	}

	if doc.HLCTimestamp != 0 {
		t.Fatalf("zero build time should stamp nanosecond zero, got %d", doc.HLCTimestamp)
	}
	if doc.Origin == nil || doc.Origin.Sender != founderAddress {
		t.Fatalf("origin not signed by founder: %+v", doc.Origin)
	}
	if err := doc.VerifyOrigin(); err != nil {
		t.Fatalf("origin signature does not verify: %v", err)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	writeContract(t, dir, "currency", "balances = Hash()")
	writeContract(t, dir, "members", "nodes = Variable()")
	founder := testFounder(t)

	first, err := Build(founder, dir, testBuildConfig(), BuildOptions{ChainID: "xian-test"})
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	second, err := Build(founder, dir, testBuildConfig(), BuildOptions{ChainID: "xian-test"})
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if first.Hash != second.Hash {
		t.Fatalf("hash differs between rebuilds: %s vs %s", first.Hash, second.Hash)
	}
	if first.Origin.Signature != second.Origin.Signature {
		t.Fatal("origin signature differs between rebuilds")
	}
}

func TestBuildSingleNodeAssignsFounderOwnership(t *testing.T) {
	dir := t.TempDir()
	writeContract(t, dir, "currency", "balances = Hash()")
	founder := testFounder(t)
	cfg := &BuildConfig{
		Extension: ".py",
		Contracts: []ContractSpec{{Name: "currency", Owner: "election_house"}},
	}

	doc, err := Build(founder, dir, cfg, BuildOptions{SingleNode: true})
	if err != nil {
		t.Fatalf("build genesis: %v", err)
	}
	for _, entry := range doc.Genesis {
		if entry.Key == "currency.__owner__" {
			if entry.Value != founder.PubKey().Address() {
				t.Fatalf("single-node owner not the founder: %v", entry.Value)
			}
			return
		}
	}
	t.Fatal("owner entry missing")
}

func TestBuildStampsConfiguredTime(t *testing.T) {
	dir := t.TempDir()
	writeContract(t, dir, "currency", "balances = Hash()")
	founder := testFounder(t)
	cfg := &BuildConfig{Extension: ".py", Contracts: []ContractSpec{{Name: "currency"}}}
	at := time.Unix(1700000000, 42)

	doc, err := Build(founder, dir, cfg, BuildOptions{Time: at})
	if err != nil {
		t.Fatalf("build genesis: %v", err)
	}
	if doc.HLCTimestamp != at.UnixNano() {
		t.Fatalf("timestamp not applied: %d", doc.HLCTimestamp)
	}
	zero, err := Build(founder, dir, cfg, BuildOptions{})
	if err != nil {
		t.Fatalf("zero-time build: %v", err)
	}
	if doc.Hash == zero.Hash {
		t.Fatal("different timestamps produced the same document hash")
	}
}

func TestBuildRejections(t *testing.T) {
	dir := t.TempDir()
	writeContract(t, dir, "currency", "balances = Hash()")
	founder := testFounder(t)

	cases := []struct {
		name string
		cfg  *BuildConfig
	}{
		{"missing source", &BuildConfig{
			Extension: ".py",
			Contracts: []ContractSpec{{Name: "missing"}},
		}},
		{"duplicate submit name", &BuildConfig{
			Extension: ".py",
			Contracts: []ContractSpec{{Name: "currency"}, {Name: "currency"}},
		}},
		{"unknown placeholder", &BuildConfig{
			Extension: ".py",
			Contracts: []ContractSpec{{Name: "currency"}},
			State:     []Entry{{Key: "a.b", Value: "%%mystery%%"}},
		}},
		{"duplicate state key", &BuildConfig{
			Extension: ".py",
			Contracts: []ContractSpec{{Name: "currency"}},
			State:     []Entry{{Key: "currency.__code__", Value: "clobber"}},
		}},
		{"invalid contract name", &BuildConfig{
			Extension: ".py",
			Contracts: []ContractSpec{{Name: "currency", SubmitAs: "not a name"}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Build(founder, dir, tc.cfg, BuildOptions{}); err == nil {
				t.Fatal("build accepted a broken config")
			}
		})
	}
}

func TestVerifyOriginDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	writeContract(t, dir, "currency", "balances = Hash()")
	founder := testFounder(t)
	cfg := &BuildConfig{Extension: ".py", Contracts: []ContractSpec{{Name: "currency"}}}

	doc, err := Build(founder, dir, cfg, BuildOptions{})
	if err != nil {
		t.Fatalf("build genesis: %v", err)
	}
	doc.Genesis[0].Value = "tampered"
	if err := doc.VerifyOrigin(); err == nil {
		t.Fatal("tampered entries still verified")
	}
}

func TestWriteFileRoundTrips(t *testing.T) {
	dir := t.TempDir()
	writeContract(t, dir, "currency", "balances = Hash()")
	founder := testFounder(t)
	cfg := &BuildConfig{
		Extension: ".py",
		Contracts: []ContractSpec{{Name: "currency"}},
		State:     []Entry{{Key: "stamp_cost.S:value", Value: json.Number("20")}},
	}

	doc, err := Build(founder, dir, cfg, BuildOptions{ChainID: "xian-test"})
	if err != nil {
		t.Fatalf("build genesis: %v", err)
	}
	path := filepath.Join(t.TempDir(), "genesis_block.json")
	if err := WriteFile(doc, path); err != nil {
		t.Fatalf("write genesis: %v", err)
	}
	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load written genesis: %v", err)
	}
	if loaded.Hash != doc.Hash || len(loaded.Genesis) != len(doc.Genesis) {
		t.Fatalf("round trip changed the document: %+v", loaded)
	}
	if err := loaded.VerifyOrigin(); err != nil {
		t.Fatalf("origin lost in round trip: %v", err)
	}
}

func TestLoadBuildConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contracts_devnet.json")
	raw := `{"extension":".py","contracts":[{"name":"currency","owner":null}],` +
		`"state":[{"key":"stamp_cost.S:value","value":20}]}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadBuildConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Extension != ".py" || len(cfg.Contracts) != 1 || cfg.Contracts[0].Name != "currency" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if n, ok := cfg.State[0].Value.(json.Number); !ok || n.String() != "20" {
		t.Fatalf("state value lost its number text: %v", cfg.State[0].Value)
	}

	if _, err := LoadBuildConfig(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("missing config file accepted")
	}
}
