package events

import (
	"xianchain/canonical"
	"xianchain/core/types"
)

// StateChange builds the per-transaction event reporting its write set.
// State keys are escaped so they stay valid attribute keys; values are
// embedded in their canonical serialized form.
func StateChange(txHash string, writes []types.StateWrite) (*types.Event, error) {
	attrs := make(map[string]string, len(writes)+1)
	attrs[types.AttrTxHash] = txHash
	for _, write := range writes {
		value, err := canonical.Marshal(write.Value)
		if err != nil {
			return nil, err
		}
		attrs[types.EscapeStateKey(write.Key)] = string(value)
	}
	return &types.Event{Type: types.EventStateChange, Attributes: attrs}, nil
}
