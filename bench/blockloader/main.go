package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"nhooyr.io/websocket"

	"xianchain/abci"
	"xianchain/core/types"
	"xianchain/crypto"
	"xianchain/fingerprint"
)

const (
	defaultDuration = 2 * time.Minute
	defaultRate     = 600 // transactions per minute
	defaultBlockTxs = 10

	loaderKeyEnv = "XIAN_LOADER_KEY"
	rpcTokenEnv  = "XIAN_RPC_TOKEN"
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      int             `json:"id"`
}

type blockFrame struct {
	Height int64 `json:"height"`
	Txs    int   `json:"txs"`
}

// latencyTracker measures finalize-to-feed latency per block height.
type latencyTracker struct {
	mu        sync.Mutex
	pending   map[int64]time.Time
	latencies []time.Duration
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{pending: make(map[int64]time.Time)}
}

func (lt *latencyTracker) track(height int64, at time.Time) {
	lt.mu.Lock()
	lt.pending[height] = at
	lt.mu.Unlock()
}

func (lt *latencyTracker) finalize(height int64, at time.Time) {
	lt.mu.Lock()
	start, ok := lt.pending[height]
	if ok {
		lt.latencies = append(lt.latencies, at.Sub(start))
		delete(lt.pending, height)
	}
	lt.mu.Unlock()
}

func (lt *latencyTracker) snapshot() (latencies []time.Duration, pending int) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	latencies = append([]time.Duration(nil), lt.latencies...)
	pending = len(lt.pending)
	return latencies, pending
}

func (lt *latencyTracker) waitForEmpty(ctx context.Context) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		lt.mu.Lock()
		remaining := len(lt.pending)
		lt.mu.Unlock()
		if remaining == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func main() {
	var (
		rpcURL       string
		privateHex   string
		txRate       int
		blockTxs     int
		durationFlag time.Duration
		chainID      string
		contract     string
		function     string
		recipient    string
		withCheck    bool
	)
	flag.StringVar(&rpcURL, "rpc", "http://127.0.0.1:8080", "RPC endpoint of the node under load")
	flag.StringVar(&privateHex, "key", "", "hex-encoded ed25519 sender key (overrides "+loaderKeyEnv+")")
	flag.IntVar(&txRate, "rate", defaultRate, "target transactions per minute")
	flag.IntVar(&blockTxs, "txs", defaultBlockTxs, "transactions per generated block")
	flag.DurationVar(&durationFlag, "duration", defaultDuration, "load duration")
	flag.StringVar(&chainID, "chain-id", "xian-network", "chain ID to sign transactions for")
	flag.StringVar(&contract, "contract", "currency", "contract to call")
	flag.StringVar(&function, "function", "transfer", "function to call")
	flag.StringVar(&recipient, "to", strings.Repeat("0", 64), "recipient address for generated transfers")
	flag.BoolVar(&withCheck, "check", false, "run each transaction through check_tx before delivering it (subject to the node's admission rate limit)")
	flag.Parse()

	if privateHex == "" {
		privateHex = os.Getenv(loaderKeyEnv)
	}
	privateHex = strings.TrimSpace(privateHex)
	if privateHex == "" {
		log.Fatalf("missing sender key: provide -key or %s", loaderKeyEnv)
	}
	signer, err := crypto.PrivateKeyFromHex(privateHex)
	if err != nil {
		log.Fatalf("load sender key: %v", err)
	}

	token := strings.TrimSpace(os.Getenv(rpcTokenEnv))
	if token == "" {
		log.Fatalf("missing %s for the consensus methods", rpcTokenEnv)
	}
	parsed, err := url.Parse(rpcURL)
	if err != nil {
		log.Fatalf("parse rpc url: %v", err)
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "http"
	}

	if txRate <= 0 {
		log.Fatalf("rate must be positive, got %d", txRate)
	}
	if blockTxs <= 0 {
		blockTxs = defaultBlockTxs
	}
	if durationFlag <= 0 {
		durationFlag = defaultDuration
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := &loadClient{
		http:  &http.Client{Timeout: 10 * time.Second},
		url:   parsed.String(),
		token: token,
	}
	tracker := newLatencyTracker()

	wsURL := *parsed
	switch strings.ToLower(parsed.Scheme) {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = "/ws"
	wsURL.RawQuery = ""

	wsCtx, wsCancel := context.WithTimeout(ctx, 5*time.Second)
	conn, _, err := websocket.Dial(wsCtx, wsURL.String(), nil)
	wsCancel()
	if err != nil {
		log.Fatalf("connect block feed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "load complete")

	feedCtx, feedCancel := context.WithCancel(ctx)
	defer feedCancel()
	go consumeFeed(feedCtx, conn, tracker)

	height, err := client.nextHeight(ctx)
	if err != nil {
		log.Fatalf("query chain height: %v", err)
	}
	nonce, err := client.nextNonce(ctx, signer.PubKey().Address())
	if err != nil {
		log.Fatalf("query sender nonce: %v", err)
	}
	log.Printf("starting at height %d, nonce %d", height, nonce)

	interval := time.Minute * time.Duration(blockTxs) / time.Duration(txRate)
	if interval <= 0 {
		interval = time.Millisecond
	}
	deadline := time.Now().Add(durationFlag)
	var submitted, committed int
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			log.Printf("context cancelled: %v", ctx.Err())
			return
		default:
		}

		txs := make([][]byte, 0, blockTxs)
		for i := 0; i < blockTxs; i++ {
			raw, err := buildTransfer(signer, chainID, contract, function, recipient, nonce)
			if err != nil {
				log.Fatalf("build tx %d: %v", nonce, err)
			}
			nonce++
			if withCheck {
				ok, err := client.checkTx(ctx, raw)
				if err != nil {
					log.Printf("check_tx %d failed: %v", nonce-1, err)
					continue
				}
				if !ok {
					continue
				}
			}
			txs = append(txs, raw)
		}
		submitted += len(txs)

		tracker.track(height, time.Now())
		if err := client.deliverBlock(ctx, height, txs); err != nil {
			log.Printf("deliver block %d failed: %v", height, err)
			tracker.finalize(height, time.Now())
		} else {
			committed++
		}
		height++
		time.Sleep(interval)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer waitCancel()
	if !tracker.waitForEmpty(waitCtx) {
		_, pending := tracker.snapshot()
		log.Printf("feed frames still pending for %d blocks", pending)
	}

	feedCancel()

	latencies, pending := tracker.snapshot()
	reportLoadSummary(latencies, pending, submitted, committed)
}

// loadClient drives the node's JSON-RPC surface the way a consensus engine
// would: public queries without credentials, block delivery with the bearer
// token.
type loadClient struct {
	http  *http.Client
	url   string
	token string
}

func (c *loadClient) call(ctx context.Context, method string, authed bool, params ...interface{}) (json.RawMessage, error) {
	payload := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc call: %w", err)
	}
	defer resp.Body.Close()

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", decoded.Error.Code, decoded.Error.Message)
	}
	return decoded.Result, nil
}

func (c *loadClient) nextHeight(ctx context.Context) (int64, error) {
	result, err := c.call(ctx, "abci_info", false)
	if err != nil {
		return 0, err
	}
	var info abci.ResponseInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return 0, err
	}
	return info.LastBlockHeight + 1, nil
}

func (c *loadClient) nextNonce(ctx context.Context, sender string) (int64, error) {
	result, err := c.call(ctx, "abci_query", false, abci.RequestQuery{Path: "get_next_nonce/" + sender})
	if err != nil {
		return 0, err
	}
	var resp abci.ResponseQuery
	if err := json.Unmarshal(result, &resp); err != nil {
		return 0, err
	}
	var nonce int64
	if len(resp.Value) > 0 {
		if err := json.Unmarshal(resp.Value, &nonce); err != nil {
			return 0, fmt.Errorf("decode nonce %q: %w", resp.Value, err)
		}
	}
	return nonce, nil
}

func (c *loadClient) checkTx(ctx context.Context, raw []byte) (bool, error) {
	result, err := c.call(ctx, "abci_check_tx", false, abci.RequestCheckTx{Tx: raw, Type: abci.CheckTxNew})
	if err != nil {
		return false, err
	}
	var resp abci.ResponseCheckTx
	if err := json.Unmarshal(result, &resp); err != nil {
		return false, err
	}
	return resp.Code == abci.CodeOK, nil
}

func (c *loadClient) deliverBlock(ctx context.Context, height int64, txs [][]byte) error {
	nanos := time.Now().UnixNano()
	hash, err := hex.DecodeString(fingerprint.Hash([]byte(fmt.Sprintf("blockloader-%d-%d", height, nanos))))
	if err != nil {
		return err
	}
	if _, err := c.call(ctx, "abci_finalize_block", true, abci.RequestFinalizeBlock{
		Txs:    txs,
		Hash:   hash,
		Height: height,
		Time:   nanos,
	}); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	if _, err := c.call(ctx, "abci_commit", true); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func buildTransfer(signer *crypto.PrivateKey, chainID, contract, function, recipient string, nonce int64) ([]byte, error) {
	tx := &types.Transaction{
		Payload: types.Payload{
			Nonce:          nonce,
			StampsSupplied: 100,
			Contract:       contract,
			Function:       function,
			Kwargs: map[string]any{
				"amount": map[string]any{"__fixed__": "0.0001"},
				"to":     recipient,
			},
			ChainID: chainID,
		},
	}
	if err := tx.Sign(signer.Signer()); err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return tx.Encode()
}

func consumeFeed(ctx context.Context, conn *websocket.Conn, tracker *latencyTracker) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame blockFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("decode feed frame: %v", err)
			continue
		}
		tracker.finalize(frame.Height, time.Now())
	}
}

func reportLoadSummary(latencies []time.Duration, pending int, submitted, committed int) {
	var max time.Duration
	var total time.Duration
	for _, latency := range latencies {
		if latency > max {
			max = latency
		}
		total += latency
	}
	avg := time.Duration(0)
	if len(latencies) > 0 {
		avg = time.Duration(int64(total) / int64(len(latencies)))
	}
	log.Printf("delivered %d transactions across %d blocks", submitted, committed)
	log.Printf("observed %d feed frames (pending: %d)", len(latencies), pending)
	log.Printf("commit-to-feed latency avg=%s max=%s", avg, max)
}
