// Package events fans committed-block notifications out to in-process
// consumers: the chain data service, the websocket feed and tests. The
// feed carries only committed state; nothing is published for a block
// that fails before its commit point.
package events

import (
	"github.com/ethereum/go-ethereum/event"

	"xianchain/core/types"
)

// BlockCommitted is published exactly once per block, after its writes
// are durably applied. TxInfos runs parallel to TxResults: entry i names
// the payload behind result i.
type BlockCommitted struct {
	Height    int64
	Hash      string
	AppHash   string
	Nanos     int64
	TxResults []*types.TxResult
	TxInfos   []TxInfo
	Rewards   []types.RewardEntry
	Patches   []types.StateWrite
}

// TxInfo carries the payload fields an indexer needs that the canonical
// result deliberately leaves out.
type TxInfo struct {
	Hash     string
	Sender   string
	Contract string
	Function string
	Nonce    int64
	Kwargs   map[string]any
}

// Feed is a type-safe fan-out of BlockCommitted values. The zero value is
// ready to use. Send blocks until every subscriber has taken the value,
// so subscribers must drain promptly on their own goroutines.
type Feed struct {
	feed event.Feed
}

// Publish delivers the block to all current subscribers and reports how
// many received it.
func (f *Feed) Publish(block BlockCommitted) int {
	return f.feed.Send(block)
}

// Subscribe registers ch to receive future blocks. The subscription must
// be unsubscribed when the consumer stops, or Publish will block.
func (f *Feed) Subscribe(ch chan<- BlockCommitted) event.Subscription {
	return f.feed.Subscribe(ch)
}
