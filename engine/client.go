// Package engine is the HTTP client for the contract execution daemon.
// The daemon runs beside the node and owns the contract runtime; the node
// hands it fully resolved requests and trusts its deterministic replies.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"xianchain/core"
	"xianchain/core/types"
)

// DefaultEndpoint is where a locally launched execution daemon listens.
const DefaultEndpoint = "http://127.0.0.1:8000"

const defaultTimeout = 30 * time.Second

// Options configures the client. Zero values select the local daemon
// defaults.
type Options struct {
	// Endpoint is the daemon base URL, without a trailing slash.
	Endpoint string

	// Timeout bounds each call, including contract execution time.
	Timeout time.Duration
}

// Client implements the execution, simulation, compilation and contract
// inspection surfaces over the daemon's JSON API.
type Client struct {
	baseURL string
	http    *http.Client
}

var (
	_ core.ExecutionEngine   = (*Client)(nil)
	_ core.Simulator         = (*Client)(nil)
	_ core.Compiler          = (*Client)(nil)
	_ core.ContractInspector = (*Client)(nil)
)

// NewClient constructs a client for the daemon at opts.Endpoint.
func NewClient(opts Options) *Client {
	endpoint := strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: endpoint,
		http:    &http.Client{Timeout: timeout},
	}
}

type execEnvelope struct {
	Sender         string         `json:"sender"`
	Contract       string         `json:"contract"`
	Function       string         `json:"function"`
	Kwargs         map[string]any `json:"kwargs"`
	StampsSupplied int64          `json:"stamps_supplied"`
	StampCost      int64          `json:"stamp_cost"`
	Metering       bool           `json:"metering"`
	Environment    envEnvelope    `json:"environment"`
}

type envEnvelope struct {
	BlockHash string `json:"block_hash"`
	BlockNum  int64  `json:"block_num"`
	ChainID   string `json:"chain_id"`
	NowNanos  int64  `json:"now_nanos"`
	InputHash string `json:"input_hash"`
	Salt      string `json:"salt"`
}

type execResult struct {
	Status     uint32         `json:"status"`
	Writes     map[string]any `json:"writes"`
	StampsUsed int64          `json:"stamps_used"`
	Result     string         `json:"result"`
	Events     []types.Event  `json:"events"`
}

// Execute runs the request against current state and returns the outcome,
// writes included. A non-nil error means the daemon could not run the
// request at all; contract failures come back as a non-zero Status.
func (c *Client) Execute(req *core.ExecRequest) (*core.ExecOutput, error) {
	return c.run("/execute", req)
}

// Simulate runs the request without persisting anything, for stamp
// estimation and read-only calls.
func (c *Client) Simulate(req *core.ExecRequest) (*core.ExecOutput, error) {
	return c.run("/simulate", req)
}

func (c *Client) run(path string, req *core.ExecRequest) (*core.ExecOutput, error) {
	out := &execResult{}
	if err := c.post(path, envelope(req), out); err != nil {
		return nil, err
	}
	return &core.ExecOutput{
		Status:     out.Status,
		Writes:     out.Writes,
		StampsUsed: out.StampsUsed,
		Result:     out.Result,
		Events:     out.Events,
	}, nil
}

// Compile transforms and compiles contract source under the given name.
func (c *Client) Compile(name, source string) (string, string, error) {
	in := map[string]string{"name": name, "source": source}
	out := &struct {
		Transformed string `json:"transformed"`
		Compiled    string `json:"compiled"`
	}{}
	if err := c.post("/compile", in, out); err != nil {
		return "", "", err
	}
	return out.Transformed, out.Compiled, nil
}

// Methods lists the exported functions of the given contract source.
func (c *Client) Methods(source string) ([]core.MethodSpec, error) {
	out := &struct {
		Methods []core.MethodSpec `json:"methods"`
	}{}
	if err := c.post("/methods", map[string]string{"source": source}, out); err != nil {
		return nil, err
	}
	return out.Methods, nil
}

// Variables lists the state variables declared by the given contract
// source.
func (c *Client) Variables(source string) ([]string, error) {
	out := &struct {
		Variables []string `json:"variables"`
	}{}
	if err := c.post("/variables", map[string]string{"source": source}, out); err != nil {
		return nil, err
	}
	return out.Variables, nil
}

func envelope(req *core.ExecRequest) *execEnvelope {
	return &execEnvelope{
		Sender:         req.Sender,
		Contract:       req.Contract,
		Function:       req.Function,
		Kwargs:         req.Kwargs,
		StampsSupplied: req.StampsSupplied,
		StampCost:      req.StampCost,
		Metering:       req.Metering,
		Environment: envEnvelope{
			BlockHash: req.Environment.BlockHash,
			BlockNum:  req.Environment.BlockNum,
			ChainID:   req.Environment.ChainID,
			NowNanos:  req.Environment.Now.UnixNano(),
			InputHash: req.Environment.InputHash,
			Salt:      req.Environment.Salt,
		},
	}
}

func (c *Client) post(path string, in, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.http.Timeout)
	defer cancel()

	buf, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("engine %s: encode request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("engine %s: build request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("engine %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine %s: status %d: %s", path, resp.StatusCode, bodySnippet(resp.Body))
	}

	// Numbers must survive the round trip exactly as the daemon printed
	// them; a float64 detour would change the canonical bytes that every
	// node hashes.
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("engine %s: decode response: %w", path, err)
	}
	return nil
}

func bodySnippet(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(bytes.TrimSpace(raw)) == 0 {
		return "no body"
	}
	return string(bytes.TrimSpace(raw))
}
