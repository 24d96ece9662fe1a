package rpc

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"xianchain/core/events"
	"xianchain/core/types"
)

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "test done")
	})
	return conn
}

func readSummary(t *testing.T, conn *websocket.Conn) BlockSummary {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	kind, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if kind != websocket.MessageText {
		t.Fatalf("frame type = %v, want text", kind)
	}
	var summary BlockSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return summary
}

// publishUntilReceived retries until the stream handler has subscribed, so
// the test does not race the websocket upgrade.
func publishUntilReceived(t *testing.T, app interface {
	Feed() *events.Feed
}, block events.BlockCommitted) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if app.Feed().Publish(block) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no subscriber picked up the block")
}

func TestWSStreamsCommittedBlocks(t *testing.T) {
	app := newTestApp(t)
	srv := newTestServer(t, app, Options{AllowedOrigins: []string{"*"}})
	conn := dialWS(t, srv)

	first := events.BlockCommitted{
		Height:    7,
		Hash:      strings.Repeat("11", 32),
		AppHash:   strings.Repeat("22", 32),
		Nanos:     7_000_000_000,
		TxResults: []*types.TxResult{{}},
		Rewards:   []types.RewardEntry{{Amount: "0.5", Recipient: "val"}},
	}
	publishUntilReceived(t, app, first)

	got := readSummary(t, conn)
	if got.Height != 7 || got.Hash != first.Hash || got.AppHash != first.AppHash {
		t.Fatalf("summary = %+v", got)
	}
	if got.Txs != 1 || got.Rewards != 1 {
		t.Fatalf("counts = txs %d rewards %d", got.Txs, got.Rewards)
	}

	// The stream keeps going block after block.
	second := first
	second.Height = 8
	second.TxResults = nil
	app.Feed().Publish(second)

	got = readSummary(t, conn)
	if got.Height != 8 || got.Txs != 0 {
		t.Fatalf("second summary = %+v", got)
	}
}

func TestWSClientDisconnectReleasesSubscription(t *testing.T) {
	app := newTestApp(t)
	srv := newTestServer(t, app, Options{AllowedOrigins: []string{"*"}})
	conn := dialWS(t, srv)

	block := events.BlockCommitted{Height: 1, Hash: strings.Repeat("aa", 32)}
	publishUntilReceived(t, app, block)
	readSummary(t, conn)

	conn.Close(websocket.StatusNormalClosure, "going away")

	// Once the handler notices the closed connection it unsubscribes and
	// later publishes find no receivers.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if app.Feed().Publish(events.BlockCommitted{Height: 2}) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("subscription was not released after disconnect")
}
