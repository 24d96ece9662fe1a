// Package client is a thin Go client for a node's JSON-RPC surface: typed
// helpers over the application methods, the query tree and the websocket
// block feed. The example clients and the load generator build on it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"nhooyr.io/websocket"

	"xianchain/abci"
	"xianchain/canonical"
	"xianchain/core/types"
	"xianchain/rpc"
)

// Client issues JSON-RPC calls against one node endpoint. The zero value is
// not usable; construct with New.
type Client struct {
	http     *http.Client
	endpoint string
	token    string
}

// Option adjusts a Client during construction.
type Option func(*Client)

// WithHTTPClient swaps the underlying HTTP client, e.g. to set timeouts.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithAuthToken attaches a bearer token to every request. Only the consensus
// methods need one; the query surface is public.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New builds a client for the node at endpoint (e.g. "http://127.0.0.1:8080").
func New(endpoint string, opts ...Option) *Client {
	c := &Client{http: http.DefaultClient, endpoint: endpoint}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Error  *rpc.RPCError   `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	raws := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		raws = append(raws, raw)
	}
	body, err := json.Marshal(rpc.RPCRequest{JSONRPC: "2.0", Method: method, Params: raws, ID: 1})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	var decoded envelope
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if decoded.Error != nil {
		return nil, decoded.Error
	}
	return decoded.Result, nil
}

// Info returns the node's identity and last committed position.
func (c *Client) Info(ctx context.Context) (*abci.ResponseInfo, error) {
	result, err := c.call(ctx, "abci_info")
	if err != nil {
		return nil, err
	}
	info := &abci.ResponseInfo{}
	if err := json.Unmarshal(result, info); err != nil {
		return nil, err
	}
	return info, nil
}

// CheckTx signs nothing and submits nothing durable: it runs the node's
// admission checks against the given transaction and reports the verdict.
func (c *Client) CheckTx(ctx context.Context, tx *types.Transaction) (*abci.ResponseCheckTx, error) {
	raw, err := tx.Encode()
	if err != nil {
		return nil, err
	}
	return c.CheckRaw(ctx, raw)
}

// CheckRaw is CheckTx for pre-encoded transaction bytes.
func (c *Client) CheckRaw(ctx context.Context, raw []byte) (*abci.ResponseCheckTx, error) {
	result, err := c.call(ctx, "abci_check_tx", abci.RequestCheckTx{Tx: raw, Type: abci.CheckTxNew})
	if err != nil {
		return nil, err
	}
	check := &abci.ResponseCheckTx{}
	if err := json.Unmarshal(result, check); err != nil {
		return nil, err
	}
	return check, nil
}

// Query issues one request against the node's query tree, e.g.
// "get/currency.balances:abc..." or "contract/con_thing".
func (c *Client) Query(ctx context.Context, path string) (*abci.ResponseQuery, error) {
	result, err := c.call(ctx, "abci_query", abci.RequestQuery{Path: path})
	if err != nil {
		return nil, err
	}
	resp := &abci.ResponseQuery{}
	if err := json.Unmarshal(result, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Get reads one committed state value, decoded from its canonical encoding.
// Absent keys come back as nil.
func (c *Client) Get(ctx context.Context, key string) (any, error) {
	resp, err := c.Query(ctx, "get/"+key)
	if err != nil {
		return nil, err
	}
	if resp.Code != abci.CodeOK {
		return nil, fmt.Errorf("query %s failed: %s", key, resp.Log)
	}
	if len(resp.Value) == 0 {
		return nil, nil
	}
	return canonical.Decode(resp.Value)
}

// NextNonce returns the next usable nonce for address, counting pending
// admissions the node has already seen.
func (c *Client) NextNonce(ctx context.Context, address string) (int64, error) {
	resp, err := c.Query(ctx, "get_next_nonce/"+address)
	if err != nil {
		return 0, err
	}
	if resp.Code != abci.CodeOK {
		return 0, fmt.Errorf("nonce query failed: %s", resp.Log)
	}
	var nonce int64
	if len(resp.Value) > 0 {
		if err := json.Unmarshal(resp.Value, &nonce); err != nil {
			return 0, fmt.Errorf("decode nonce %q: %w", resp.Value, err)
		}
	}
	return nonce, nil
}

// SimulationResult is the outcome of a dry run: what the transaction would
// return, burn and write, without anything being persisted.
type SimulationResult struct {
	Result     string             `json:"result"`
	StampsUsed int64              `json:"stamps_used"`
	State      []types.StateWrite `json:"state"`
	Status     uint32             `json:"status"`
}

// Simulate dry-runs a signed transaction against the committed state.
func (c *Client) Simulate(ctx context.Context, tx *types.Transaction) (*SimulationResult, error) {
	raw, err := tx.Encode()
	if err != nil {
		return nil, err
	}
	resp, err := c.Query(ctx, "simulate_tx/"+string(raw))
	if err != nil {
		return nil, err
	}
	if resp.Code != abci.CodeOK {
		return nil, fmt.Errorf("simulation failed: %s", resp.Log)
	}
	sim := &SimulationResult{}
	if err := json.Unmarshal(resp.Value, sim); err != nil {
		return nil, err
	}
	return sim, nil
}

// WatchBlocks subscribes to the node's committed-block feed and calls
// handler for every frame until ctx is cancelled, the connection drops, or
// the handler returns an error.
func (c *Client) WatchBlocks(ctx context.Context, handler func(rpc.BlockSummary) error) error {
	feed, err := feedURL(c.endpoint)
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, feed, &websocket.DialOptions{HTTPClient: c.http})
	if err != nil {
		return fmt.Errorf("connect block feed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var summary rpc.BlockSummary
		if err := json.Unmarshal(data, &summary); err != nil {
			return fmt.Errorf("decode block frame: %w", err)
		}
		if err := handler(summary); err != nil {
			return err
		}
	}
}

func feedURL(endpoint string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = "/ws"
	parsed.RawQuery = ""
	return parsed.String(), nil
}
