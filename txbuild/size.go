package txbuild

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/sat20-labs/atomicals-market/common"
)

const (
	// outpoint (32 + 4) + sequence (4)
	inputOverhead = 40
	// 8 bytes value
	outputOverhead = 8
	// version + locktime
	txOverhead = 8
	// segwit marker + flag
	segwitOverhead = 2

	// placeholderScriptLen sizes an output whose script is not known yet.
	placeholderScriptLen = 34
	// placeholderSigLen mimics a schnorr signature in a placeholder witness.
	placeholderSigLen = 64

	nestedRedeemScriptLen = 23
	ecdsaSigLen           = 72
	compressedPubKeyLen   = 33
)

// Input is the shape of a transaction input for sizing.
type Input struct {
	Hash    chainhash.Hash
	Index   uint32
	Script  []byte
	Witness wire.TxWitness
}

// Output is the shape of a transaction output for sizing. A nil Script is
// sized as a 34-byte script.
type Output struct {
	Script []byte
}

// PlaceholderInputs returns n inputs shaped like single-signature witness
// spends, for estimating templated transactions.
func PlaceholderInputs(n int) []*Input {
	inputs := make([]*Input, n)
	for i := range inputs {
		inputs[i] = &Input{
			Witness: wire.TxWitness{make([]byte, placeholderSigLen)},
		}
	}
	return inputs
}

func PlaceholderOutputs(n int) []*Output {
	outputs := make([]*Output, n)
	for i := range outputs {
		outputs[i] = &Output{}
	}
	return outputs
}

// InputShape is the placeholder input a spend from the given address type
// is sized as. Nested segwit carries its redeem script push plus a
// signature/pubkey witness, everything else one 64-byte witness item.
func InputShape(t common.AddressType) *Input {
	if t == common.AddressP2SH {
		return &Input{
			Script:  make([]byte, nestedRedeemScriptLen),
			Witness: wire.TxWitness{make([]byte, ecdsaSigLen), make([]byte, compressedPubKeyLen)},
		}
	}
	return &Input{
		Witness: wire.TxWitness{make([]byte, placeholderSigLen)},
	}
}

func varSliceSize(n int) int {
	return wire.VarIntSerializeSize(uint64(n)) + n
}

func witnessSize(w wire.TxWitness) int {
	size := wire.VarIntSerializeSize(uint64(len(w)))
	for _, item := range w {
		size += varSliceSize(len(item))
	}
	return size
}

// EstimateVirtualBytes returns ceil((base*3 + total) / 4) where base excludes
// witness data and total includes it.
func EstimateVirtualBytes(inputs []*Input, outputs []*Output) int64 {
	hasWitness := false
	for _, in := range inputs {
		if len(in.Witness) > 0 {
			hasWitness = true
			break
		}
	}

	base := txOverhead +
		wire.VarIntSerializeSize(uint64(len(inputs))) +
		wire.VarIntSerializeSize(uint64(len(outputs)))
	for _, in := range inputs {
		if len(in.Script) > 0 {
			base += inputOverhead + varSliceSize(len(in.Script))
		} else {
			base += inputOverhead + 1
		}
	}
	for _, out := range outputs {
		if out.Script != nil {
			base += outputOverhead + varSliceSize(len(out.Script))
		} else {
			base += outputOverhead + varSliceSize(placeholderScriptLen)
		}
	}

	total := base
	if hasWitness {
		total += segwitOverhead
		for _, in := range inputs {
			total += witnessSize(in.Witness)
		}
	}

	weight := int64(base*3 + total)
	return (weight + 3) / 4
}

// EstimateTxVirtualBytes sizes an existing transaction as it would look once
// its inputs carry the given witness shapes. Inputs without a shape keep
// their current script and witness.
func EstimateTxVirtualBytes(tx *wire.MsgTx, shapes map[int]*Input) int64 {
	inputs := make([]*Input, len(tx.TxIn))
	for i, in := range tx.TxIn {
		if shape, ok := shapes[i]; ok {
			inputs[i] = shape
			continue
		}
		inputs[i] = &Input{
			Hash:    in.PreviousOutPoint.Hash,
			Index:   in.PreviousOutPoint.Index,
			Script:  in.SignatureScript,
			Witness: in.Witness,
		}
	}
	outputs := make([]*Output, len(tx.TxOut))
	for i, out := range tx.TxOut {
		outputs[i] = &Output{Script: out.PkScript}
	}
	return EstimateVirtualBytes(inputs, outputs)
}
