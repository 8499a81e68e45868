package txbuild

import (
	"fmt"
	"math"
	"sort"

	"github.com/sat20-labs/atomicals-market/common"
)

// Selection is the result of a coin selection run.
type Selection struct {
	FeeInputs []*common.Utxo
	// Outputs holds the targets in caller order followed by the change
	// output, if any.
	Outputs []*common.PaymentTarget
	Fee     int64
	Change  int64
	VSize   int64
}

// FeeForSize rounds up so the result never underpays the requested rate.
func FeeForSize(vsize int64, feeRate float64) int64 {
	return int64(math.Ceil(float64(vsize) * feeRate))
}

// SelectCoins picks fee inputs from utxos until they, together with the
// already committed extra inputs, pay for targets plus the fee of the
// transaction that spends them. The fee is re-estimated every time an input
// is added. A refund of at least the dust limit goes back to the account as
// change, a smaller one is left to the miner.
func SelectCoins(acct *common.Account, utxos []*common.Utxo, targets []*common.PaymentTarget,
	feeRate float64, extra []*common.Utxo) (*Selection, error) {
	if acct == nil {
		return nil, fmt.Errorf("%w: nil account", common.ErrInvalidParams)
	}
	if feeRate <= 0 || math.IsNaN(feeRate) || math.IsInf(feeRate, 0) {
		return nil, fmt.Errorf("%w: fee rate %v", common.ErrInvalidParams, feeRate)
	}

	totalTarget := int64(0)
	outputs := make([]*Output, 0, len(targets)+1)
	for _, t := range targets {
		totalTarget += t.Value
		outputs = append(outputs, &Output{Script: t.PkScript})
	}

	selected := int64(0)
	inputs := make([]*Input, 0, len(extra)+len(utxos))
	for _, u := range extra {
		selected += u.Value
		inputs = append(inputs, InputShape(common.AddressTypeOfScript(u.PkScript)))
	}

	feeShape := InputShape(acct.Type)
	result := &Selection{}

	if len(targets) == 0 {
		vsize := EstimateVirtualBytes(inputs, outputs)
		fee := FeeForSize(vsize, feeRate)
		if selected >= fee {
			return finishSelection(acct, result, inputs, outputs, targets, selected, totalTarget, feeRate), nil
		}
	}

	pool := make([]*common.Utxo, len(utxos))
	copy(pool, utxos)

	for {
		vsize := EstimateVirtualBytes(append(inputs, feeShape), outputs)
		fee := FeeForSize(vsize, feeRate)
		need := totalTarget + fee - selected

		if len(pool) == 0 {
			return nil, fmt.Errorf("%w: %d sats short", common.ErrInsufficientFunds, need)
		}
		sortByDesirability(pool, need)

		next := pool[0]
		pool = pool[1:]
		result.FeeInputs = append(result.FeeInputs, next)
		inputs = append(inputs, feeShape)
		selected += next.Value

		if selected >= totalTarget+fee {
			break
		}
	}

	return finishSelection(acct, result, inputs, outputs, targets, selected, totalTarget, feeRate), nil
}

// finishSelection returns the whole refund as change. The fee stays the one
// estimated without the change output, so Fee matches VSize.
func finishSelection(acct *common.Account, result *Selection, inputs []*Input, outputs []*Output,
	targets []*common.PaymentTarget, selected, totalTarget int64, feeRate float64) *Selection {
	result.Outputs = append(result.Outputs, targets...)

	vsize := EstimateVirtualBytes(inputs, outputs)
	refund := selected - totalTarget - FeeForSize(vsize, feeRate)
	if refund >= common.DustLimit {
		result.Outputs = append(result.Outputs, &common.PaymentTarget{PkScript: acct.PkScript, Value: refund})
		result.Change = refund
	}
	result.VSize = vsize
	result.Fee = selected - totalTarget - result.Change
	return result
}

// sortByDesirability orders pool for the next pick against need: outputs that
// cover need with at least a dust-sized surplus come first, smallest first;
// then outputs that cover need with less than that surplus; then outputs that
// do not cover need, largest first. Equal values fall back to the outpoint so
// the order never depends on the caller's order.
func sortByDesirability(pool []*common.Utxo, need int64) {
	rank := func(u *common.Utxo) int {
		switch {
		case u.Value >= need+common.DustLimit:
			return 0
		case u.Value >= need:
			return 1
		}
		return 2
	}
	sort.Slice(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		ra, rb := rank(a), rank(b)
		if ra != rb {
			return ra < rb
		}
		if a.Value != b.Value {
			if ra == 2 {
				return a.Value > b.Value
			}
			return a.Value < b.Value
		}
		if a.Txid != b.Txid {
			return a.Txid < b.Txid
		}
		return a.Vout < b.Vout
	})
}
