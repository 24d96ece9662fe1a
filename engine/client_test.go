package engine

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"xianchain/core"
)

func testRequest() *core.ExecRequest {
	return &core.ExecRequest{
		Sender:         "a1b2",
		Contract:       "con_thing",
		Function:       "do_thing",
		Kwargs:         map[string]any{"amount": json.Number("10"), "to": "bob"},
		StampsSupplied: 100,
		StampCost:      20,
		Metering:       true,
		Environment: core.Environment{
			BlockHash: "ff00",
			BlockNum:  9,
			ChainID:   "xian-engine-test",
			Now:       time.Unix(0, 123456789),
			InputHash: "beef",
			Salt:      "9:0",
		},
	}
}

func TestExecuteRoundTrip(t *testing.T) {
	var gotPath string
	var gotBody execEnvelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode envelope: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"status": 0,
			"writes": {
				"con_thing.storage:k": 42,
				"con_thing.balances:bob": {"__fixed__": "1.5"}
			},
			"stamps_used": 5,
			"result": "'done'",
			"events": [{"type": "transfer", "attributes": {"to": "bob"}}]
		}`))
	}))
	defer srv.Close()

	client := NewClient(Options{Endpoint: srv.URL})
	out, err := client.Execute(testRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if gotPath != "/execute" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotBody.Sender != "a1b2" || gotBody.Contract != "con_thing" || gotBody.Function != "do_thing" {
		t.Fatalf("envelope = %+v", gotBody)
	}
	if gotBody.Environment.NowNanos != 123456789 || gotBody.Environment.BlockNum != 9 {
		t.Fatalf("environment = %+v", gotBody.Environment)
	}

	if out.Status != 0 || out.StampsUsed != 5 || out.Result != "'done'" {
		t.Fatalf("output = %+v", out)
	}
	if len(out.Events) != 1 || out.Events[0].Type != "transfer" {
		t.Fatalf("events = %+v", out.Events)
	}
	// Numbers arrive untouched, not as float64.
	if num, ok := out.Writes["con_thing.storage:k"].(json.Number); !ok || num.String() != "42" {
		t.Fatalf("write value = %T %v", out.Writes["con_thing.storage:k"], out.Writes["con_thing.storage:k"])
	}
	fixed, ok := out.Writes["con_thing.balances:bob"].(map[string]any)
	if !ok || fixed["__fixed__"] != "1.5" {
		t.Fatalf("fixed write = %#v", out.Writes["con_thing.balances:bob"])
	}
}

func TestSimulateUsesSimulatePath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"status": 1, "stamps_used": 3, "result": "AssertionError"}`))
	}))
	defer srv.Close()

	out, err := NewClient(Options{Endpoint: srv.URL}).Simulate(testRequest())
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if gotPath != "/simulate" {
		t.Fatalf("path = %q", gotPath)
	}
	if out.Status != 1 || out.StampsUsed != 3 {
		t.Fatalf("output = %+v", out)
	}
}

func TestCompile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode: %v", err)
		}
		if r.URL.Path != "/compile" || in["name"] != "con_thing" || in["source"] == "" {
			t.Errorf("request = %s %v", r.URL.Path, in)
		}
		w.Write([]byte(`{"transformed": "t-src", "compiled": "c-art"}`))
	}))
	defer srv.Close()

	transformed, compiled, err := NewClient(Options{Endpoint: srv.URL}).Compile("con_thing", "@export\ndef f(): pass")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if transformed != "t-src" || compiled != "c-art" {
		t.Fatalf("got %q %q", transformed, compiled)
	}
}

func TestMethodsAndVariables(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/methods":
			w.Write([]byte(`{"methods": [{"name": "transfer", "arguments": [{"name": "amount", "type": "float"}]}]}`))
		case "/variables":
			w.Write([]byte(`{"variables": ["balances", "metadata"]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewClient(Options{Endpoint: srv.URL})

	methods, err := client.Methods("src")
	if err != nil {
		t.Fatalf("methods: %v", err)
	}
	if len(methods) != 1 || methods[0].Name != "transfer" || methods[0].Arguments[0].Type != "float" {
		t.Fatalf("methods = %+v", methods)
	}

	vars, err := client.Variables("src")
	if err != nil {
		t.Fatalf("variables: %v", err)
	}
	if len(vars) != 2 || vars[0] != "balances" {
		t.Fatalf("variables = %+v", vars)
	}
}

func TestErrorStatusCarriesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "runtime import failed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(Options{Endpoint: srv.URL}).Execute(testRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "/execute") || !strings.Contains(msg, "status 500") || !strings.Contains(msg, "runtime import failed") {
		t.Fatalf("error = %q", msg)
	}
}

func TestEndpointDefaultsAndTrimming(t *testing.T) {
	if got := NewClient(Options{}).baseURL; got != DefaultEndpoint {
		t.Fatalf("default endpoint = %q", got)
	}
	if got := NewClient(Options{Endpoint: " http://10.0.0.5:8000/ "}).baseURL; got != "http://10.0.0.5:8000" {
		t.Fatalf("trimmed endpoint = %q", got)
	}
}
