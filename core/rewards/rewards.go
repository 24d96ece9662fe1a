// Package rewards splits the stamps collected in a block between the
// masternodes, the foundation and the developer of the contract that was
// called. All arithmetic is exact decimal arithmetic; every node derives
// the same ledger from the same state.
package rewards

import (
	"fmt"

	"github.com/shopspring/decimal"

	"xianchain/core/types"
	"xianchain/storage"
)

const (
	ratiosKey     = "rewards.S:value"
	membersKey    = "masternodes.nodes"
	stampRateKey  = "stamp_cost.S:value"
	foundationKey = "foundation.owner"

	balancePrefix   = "currency.balances:"
	developerSuffix = ".__developer__"
)

// Engine computes and credits block rewards against a state driver. Reads
// and writes go through the pending overlay, so rewards observe the writes
// of the transactions in the same block.
type Engine struct {
	driver *storage.Driver
}

func NewEngine(driver *storage.Driver) *Engine {
	return &Engine{driver: driver}
}

// Distribute splits total collected stamps for a block according to the
// configured ratios and credits each recipient's balance. It returns the
// ledger of credits in a deterministic order: masternodes in membership
// order, then the foundation, then the developer. A chain without
// configured ratios, or a block that collected nothing, yields no ledger.
func (e *Engine) Distribute(totalStamps int64, contract string) ([]types.RewardEntry, error) {
	if totalStamps <= 0 {
		return nil, nil
	}
	ratios, ok, err := e.ratios()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	members, err := e.members()
	if err != nil {
		return nil, err
	}
	stampRate, err := e.stampRate()
	if err != nil {
		return nil, err
	}

	total := decimal.NewFromInt(totalStamps)
	masterShare := participantReward(ratios.masternodes, len(members), total)
	foundationShare := participantReward(ratios.foundation, 1, total)
	developerShare := total.Mul(ratios.developer)

	// Stamps are a fee denominated in the native token times the stamp
	// rate; dividing converts the share back into token units.
	masterCredit := RoundDust(masterShare.Div(stampRate))
	foundationCredit := RoundDust(foundationShare.Div(stampRate))
	developerCredit := RoundDust(developerShare.Div(stampRate))

	ledger := make([]types.RewardEntry, 0, len(members)+2)
	for _, member := range members {
		entry, err := e.credit(member, masterCredit)
		if err != nil {
			return nil, err
		}
		ledger = append(ledger, entry)
	}

	foundation, err := e.foundationOwner()
	if err != nil {
		return nil, err
	}
	entry, err := e.credit(foundation, foundationCredit)
	if err != nil {
		return nil, err
	}
	ledger = append(ledger, entry)

	developer, err := e.developer(contract)
	if err != nil {
		return nil, err
	}
	if developer == "" {
		developer = foundation
	}
	entry, err = e.credit(developer, developerCredit)
	if err != nil {
		return nil, err
	}
	ledger = append(ledger, entry)

	return ledger, nil
}

// DistributeStatic credits fixed per-block amounts regardless of the fees
// collected: each masternode receives the masternode amount and the
// foundation the foundation amount. Used by chains that disable fees but
// still emit block rewards.
func (e *Engine) DistributeStatic(masternodeAmount, foundationAmount decimal.Decimal) ([]types.RewardEntry, error) {
	members, err := e.members()
	if err != nil {
		return nil, err
	}

	ledger := make([]types.RewardEntry, 0, len(members)+1)
	credit := RoundDust(masternodeAmount)
	for _, member := range members {
		entry, err := e.credit(member, credit)
		if err != nil {
			return nil, err
		}
		ledger = append(ledger, entry)
	}

	foundation, err := e.foundationOwner()
	if err != nil {
		return nil, err
	}
	entry, err := e.credit(foundation, RoundDust(foundationAmount))
	if err != nil {
		return nil, err
	}
	ledger = append(ledger, entry)

	return ledger, nil
}

// participantReward is one participant's cut: the group ratio divided by
// the group size, times the block total, rounded to dust.
func participantReward(ratio decimal.Decimal, count int, total decimal.Decimal) decimal.Decimal {
	if count == 0 {
		count = 1
	}
	return RoundDust(ratio.Div(decimal.NewFromInt(int64(count))).Mul(total))
}

// credit adds amount to the recipient's balance, rounding the new balance
// to dust, and returns the ledger entry recording the credit.
func (e *Engine) credit(recipient string, amount decimal.Decimal) (types.RewardEntry, error) {
	key := balancePrefix + recipient
	raw, err := e.driver.Get(key)
	if err != nil {
		return types.RewardEntry{}, err
	}
	balance, err := ParseDecimal(raw)
	if err != nil {
		return types.RewardEntry{}, fmt.Errorf("balance of %s: %w", recipient, err)
	}
	updated := RoundDust(balance.Add(amount))
	if err := e.driver.Set(key, FixedValue(updated)); err != nil {
		return types.RewardEntry{}, err
	}
	return types.RewardEntry{Recipient: recipient, Amount: amount.String()}, nil
}

type rewardRatios struct {
	masternodes decimal.Decimal
	burn        decimal.Decimal
	foundation  decimal.Decimal
	developer   decimal.Decimal
}

// ratios reads the configured reward split. The value is a four element
// list: masternodes, burn, foundation, developer. Absent ratios disable
// reward distribution entirely.
func (e *Engine) ratios() (rewardRatios, bool, error) {
	raw, err := e.driver.Get(ratiosKey)
	if err != nil {
		return rewardRatios{}, false, err
	}
	if raw == nil {
		return rewardRatios{}, false, nil
	}
	list, ok := raw.([]any)
	if !ok || len(list) != 4 {
		return rewardRatios{}, false, fmt.Errorf("reward ratios must be a list of four values")
	}
	parsed := make([]decimal.Decimal, 4)
	for i, item := range list {
		d, err := ParseDecimal(item)
		if err != nil {
			return rewardRatios{}, false, fmt.Errorf("reward ratio %d: %w", i, err)
		}
		parsed[i] = d
	}
	return rewardRatios{
		masternodes: parsed[0],
		burn:        parsed[1],
		foundation:  parsed[2],
		developer:   parsed[3],
	}, true, nil
}

// members reads the current masternode membership in state order.
func (e *Engine) members() ([]string, error) {
	raw, err := e.driver.Get(membersKey)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("masternode membership must be a list")
	}
	members := make([]string, 0, len(list))
	for _, item := range list {
		addr, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("masternode membership entry is not an address")
		}
		members = append(members, addr)
	}
	return members, nil
}

// stampRate reads the stamps-per-token rate, defaulting to one when the
// chain has not set it so the division below stays defined.
func (e *Engine) stampRate() (decimal.Decimal, error) {
	raw, err := e.driver.Get(stampRateKey)
	if err != nil {
		return decimal.Decimal{}, err
	}
	rate, err := ParseDecimal(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("stamp rate: %w", err)
	}
	if rate.IsZero() {
		rate = decimal.NewFromInt(1)
	}
	return rate, nil
}

func (e *Engine) foundationOwner() (string, error) {
	raw, err := e.driver.Get(foundationKey)
	if err != nil {
		return "", err
	}
	owner, _ := raw.(string)
	return owner, nil
}

// developer resolves the developer of the contract a transaction called.
// System contracts record "sys" as their developer; those rewards fall
// through to the foundation.
func (e *Engine) developer(contract string) (string, error) {
	if contract == "" {
		return "", nil
	}
	raw, err := e.driver.Get(contract + developerSuffix)
	if err != nil {
		return "", err
	}
	developer, _ := raw.(string)
	if developer == "sys" {
		return "", nil
	}
	return developer, nil
}
