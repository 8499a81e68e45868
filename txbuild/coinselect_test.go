package txbuild

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/sat20-labs/atomicals-market/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAccount(t *testing.T, addrType common.AddressType) *common.Account {
	_, pub := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x01}, 32))
	acct, err := common.NewAccountFromKey(pub, addrType, common.ChainMainnet)
	require.NoError(t, err)
	return acct
}

func utxo(id int, value int64, script []byte) *common.Utxo {
	return &common.Utxo{
		Txid:     fmt.Sprintf("%064x", id),
		Vout:     uint32(id % 3),
		Value:    value,
		PkScript: script,
	}
}

func permutations(in []*common.Utxo) [][]*common.Utxo {
	if len(in) <= 1 {
		return [][]*common.Utxo{append([]*common.Utxo{}, in...)}
	}
	var out [][]*common.Utxo
	for i := range in {
		rest := make([]*common.Utxo, 0, len(in)-1)
		rest = append(rest, in[:i]...)
		rest = append(rest, in[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]*common.Utxo{in[i]}, p...))
		}
	}
	return out
}

func sumUtxos(utxos []*common.Utxo) int64 {
	total := int64(0)
	for _, u := range utxos {
		total += u.Value
	}
	return total
}

func TestSelectCoins_PicksSmallestComfortable(t *testing.T) {
	acct := testAccount(t, common.AddressP2TR)
	targets := []*common.PaymentTarget{{PkScript: acct.PkScript, Value: 10000}}
	utxos := []*common.Utxo{
		utxo(1, 5000, acct.PkScript),
		utxo(2, 100000, acct.PkScript),
		utxo(3, 20000, acct.PkScript),
	}

	sel, err := SelectCoins(acct, utxos, targets, 1, nil)
	require.NoError(t, err)
	require.Len(t, sel.FeeInputs, 1)
	assert.Equal(t, int64(20000), sel.FeeInputs[0].Value)

	// fee is sized before the change output: 1 in / 1 out taproot is 111 vbytes
	require.Len(t, sel.Outputs, 2)
	assert.Equal(t, int64(10000), sel.Outputs[0].Value)
	assert.Equal(t, acct.PkScript, sel.Outputs[1].PkScript)
	assert.Equal(t, int64(9889), sel.Change)
	assert.Equal(t, int64(111), sel.Fee)
	assert.Equal(t, int64(111), sel.VSize)
}

func TestSelectCoins_ChangeIsWholeRefund(t *testing.T) {
	acct := testAccount(t, common.AddressP2TR)
	targets := []*common.PaymentTarget{{PkScript: acct.PkScript, Value: 10000}}
	// 111 vbytes at 10 sat/vb leaves exactly 600 over target plus fee
	sel, err := SelectCoins(acct, []*common.Utxo{utxo(1, 10000+1110+600, acct.PkScript)}, targets, 10, nil)
	require.NoError(t, err)
	require.Len(t, sel.Outputs, 2)
	assert.Equal(t, int64(600), sel.Change)
	assert.Equal(t, int64(600), sel.Outputs[1].Value)
	assert.Equal(t, int64(1110), sel.Fee)

	// a refund of exactly the dust limit is still returned
	sel, err = SelectCoins(acct, []*common.Utxo{utxo(1, 10000+1110+common.DustLimit, acct.PkScript)}, targets, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, common.DustLimit, sel.Change)
	assert.Equal(t, int64(1110), sel.Fee)
}

func TestSelectCoins_AccumulatesLargestWhenNothingSuffices(t *testing.T) {
	acct := testAccount(t, common.AddressP2WPKH)
	targets := []*common.PaymentTarget{{PkScript: acct.PkScript, Value: 25000}}
	utxos := []*common.Utxo{
		utxo(1, 8000, acct.PkScript),
		utxo(2, 12000, acct.PkScript),
		utxo(3, 9000, acct.PkScript),
		utxo(4, 3000, acct.PkScript),
	}

	sel, err := SelectCoins(acct, utxos, targets, 2, nil)
	require.NoError(t, err)
	require.Len(t, sel.FeeInputs, 3)
	assert.Equal(t, int64(12000), sel.FeeInputs[0].Value)
	assert.Equal(t, int64(9000), sel.FeeInputs[1].Value)
	assert.Equal(t, int64(8000), sel.FeeInputs[2].Value)
}

func TestSelectCoins_Invariants(t *testing.T) {
	for _, addrType := range []common.AddressType{common.AddressP2TR, common.AddressP2WPKH, common.AddressP2SH} {
		acct := testAccount(t, addrType)
		for _, rate := range []float64{1, 1.5, 7, 33.3} {
			for _, amount := range []int64{546, 1000, 15000, 99999} {
				targets := []*common.PaymentTarget{
					{PkScript: acct.PkScript, Value: amount},
					{PkScript: acct.PkScript, Value: 600},
				}
				utxos := []*common.Utxo{
					utxo(1, 700, acct.PkScript),
					utxo(2, 4000, acct.PkScript),
					utxo(3, 17000, acct.PkScript),
					utxo(4, 250000, acct.PkScript),
				}
				sel, err := SelectCoins(acct, utxos, targets, rate, nil)
				require.NoError(t, err)

				in := sumUtxos(sel.FeeInputs)
				out := int64(0)
				for i, o := range sel.Outputs {
					out += o.Value
					if i >= len(targets) {
						assert.GreaterOrEqual(t, o.Value, common.DustLimit)
					}
				}
				assert.Equal(t, in, out+sel.Fee)
				assert.GreaterOrEqual(t, sel.Fee, FeeForSize(sel.VSize, rate))
				assert.NotEmpty(t, sel.FeeInputs)
			}
		}
	}
}

func TestSelectCoins_InsufficientForEveryOrder(t *testing.T) {
	acct := testAccount(t, common.AddressP2TR)
	targets := []*common.PaymentTarget{{PkScript: acct.PkScript, Value: 10000}}
	utxos := []*common.Utxo{
		utxo(1, 3000, acct.PkScript),
		utxo(2, 4000, acct.PkScript),
		utxo(3, 2900, acct.PkScript),
	}

	for _, order := range permutations(utxos) {
		_, err := SelectCoins(acct, order, targets, 1, nil)
		assert.ErrorIs(t, err, common.ErrInsufficientFunds)
	}

	_, err := SelectCoins(acct, nil, targets, 1, nil)
	assert.ErrorIs(t, err, common.ErrInsufficientFunds)
}

func TestSelectCoins_IndependentOfOrder(t *testing.T) {
	acct := testAccount(t, common.AddressP2TR)
	targets := []*common.PaymentTarget{{PkScript: acct.PkScript, Value: 7000}}
	utxos := []*common.Utxo{
		utxo(1, 3000, acct.PkScript),
		utxo(2, 3000, acct.PkScript),
		utxo(3, 50000, acct.PkScript),
		utxo(4, 8000, acct.PkScript),
	}

	var want *Selection
	for _, order := range permutations(utxos) {
		sel, err := SelectCoins(acct, order, targets, 3, nil)
		require.NoError(t, err)
		if want == nil {
			want = sel
			continue
		}
		require.Equal(t, len(want.FeeInputs), len(sel.FeeInputs))
		for i := range want.FeeInputs {
			assert.Equal(t, want.FeeInputs[i].String(), sel.FeeInputs[i].String())
		}
		assert.Equal(t, want.Fee, sel.Fee)
	}
}

func TestSelectCoins_ExtraInputsCountTowardsTargets(t *testing.T) {
	acct := testAccount(t, common.AddressP2TR)
	asset := utxo(9, 1000, acct.PkScript)
	targets := []*common.PaymentTarget{
		{PkScript: acct.PkScript, Value: 1000},
		{PkScript: acct.PkScript, Value: 20000},
	}
	utxos := []*common.Utxo{utxo(1, 30000, acct.PkScript)}

	sel, err := SelectCoins(acct, utxos, targets, 1, []*common.Utxo{asset})
	require.NoError(t, err)
	require.Len(t, sel.FeeInputs, 1)
	assert.Equal(t, sumUtxos(sel.FeeInputs)+asset.Value, 21000+sel.Change+sel.Fee)
}

func TestSelectCoins_NoTargetsAndSufficientExtra(t *testing.T) {
	acct := testAccount(t, common.AddressP2TR)
	extra := []*common.Utxo{utxo(1, 5000, acct.PkScript)}

	sel, err := SelectCoins(acct, []*common.Utxo{utxo(2, 9000, acct.PkScript)}, nil, 1, extra)
	require.NoError(t, err)
	assert.Empty(t, sel.FeeInputs)
	require.Len(t, sel.Outputs, 1)
	assert.Equal(t, int64(5000), sel.Outputs[0].Value+sel.Fee)
}

func TestSelectCoins_SubDustRefundAbsorbed(t *testing.T) {
	acct := testAccount(t, common.AddressP2TR)
	targets := []*common.PaymentTarget{{PkScript: acct.PkScript, Value: 10000}}
	// 1 in / 1 out is 111 vbytes, leaving a 389 sat refund
	sel, err := SelectCoins(acct, []*common.Utxo{utxo(1, 10500, acct.PkScript)}, targets, 1, nil)
	require.NoError(t, err)
	assert.Len(t, sel.Outputs, 1)
	assert.Zero(t, sel.Change)
	assert.Equal(t, int64(500), sel.Fee)
}

func TestSelectCoins_InvalidFeeRate(t *testing.T) {
	acct := testAccount(t, common.AddressP2TR)
	_, err := SelectCoins(acct, nil, nil, 0, nil)
	assert.ErrorIs(t, err, common.ErrInvalidParams)
}
