package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"xianchain/core/events"
	"xianchain/observability"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsFeedBuffer   = 64
)

// BlockSummary is one websocket frame: the shape clients key dashboards
// and explorers off, not the full result set.
type BlockSummary struct {
	Height  int64  `json:"height"`
	Hash    string `json:"hash"`
	AppHash string `json:"app_hash"`
	Nanos   int64  `json:"nanos"`
	Txs     int    `json:"txs"`
	Rewards int    `json:"rewards"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.app == nil {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.opts.AllowedOrigins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	done := observability.RPC().WSConnected()
	defer done()

	// The stream is write-only; CloseRead keeps answering control frames
	// and cancels the context the moment the client goes away.
	ctx := conn.CloseRead(r.Context())

	switch err := s.streamBlocks(ctx, conn); {
	case err == nil, errors.Is(err, context.Canceled):
	case websocket.CloseStatus(err) != -1:
	default:
		_ = conn.Close(websocket.StatusInternalError, "stream error")
	}
}

// streamBlocks forwards committed blocks until the client goes away. The
// subscription channel is buffered; a client that cannot drain it within
// the write timeout is closed rather than allowed to stall the publisher.
func (s *Server) streamBlocks(ctx context.Context, conn *websocket.Conn) error {
	blocks := make(chan events.BlockCommitted, wsFeedBuffer)
	sub := s.app.Feed().Subscribe(blocks)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case block, ok := <-blocks:
			if !ok {
				return nil
			}
			if err := writeBlockSummary(ctx, conn, block); err != nil {
				return err
			}
		}
	}
}

func writeBlockSummary(ctx context.Context, conn *websocket.Conn, block events.BlockCommitted) error {
	summary := BlockSummary{
		Height:  block.Height,
		Hash:    block.Hash,
		AppHash: block.AppHash,
		Nanos:   block.Nanos,
		Txs:     len(block.TxResults),
		Rewards: len(block.Rewards),
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
