package txbuild

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/sat20-labs/atomicals-market/common"
)

func EncodeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

func DecodeTx(txHex string) (*wire.MsgTx, error) {
	b, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, fmt.Errorf("%w: tx hex: %v", common.ErrInvalidParams, err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("%w: tx: %v", common.ErrInvalidParams, err)
	}
	return tx, nil
}

func EncodePsbt(p *psbt.Packet) (string, error) {
	var buf bytes.Buffer
	if err := p.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// DecodePsbt accepts lower or upper case hex.
func DecodePsbt(psbtHex string) (*psbt.Packet, error) {
	b, err := hex.DecodeString(psbtHex)
	if err != nil {
		return nil, fmt.Errorf("%w: psbt hex: %v", common.ErrInvalidParams, err)
	}
	p, err := psbt.NewFromRawBytes(bytes.NewReader(b), false)
	if err != nil {
		return nil, fmt.Errorf("%w: psbt: %v", common.ErrInvalidParams, err)
	}
	return p, nil
}

// NewPacket wraps an unsigned transaction and attaches the previous outputs
// its inputs spend, in input order.
func NewPacket(tx *wire.MsgTx, prevOuts []*wire.TxOut) (*psbt.Packet, error) {
	if len(prevOuts) != len(tx.TxIn) {
		return nil, fmt.Errorf("%d previous outputs for %d inputs", len(prevOuts), len(tx.TxIn))
	}
	unsigned := tx.Copy()
	for _, in := range unsigned.TxIn {
		in.SignatureScript = nil
		in.Witness = nil
	}
	p, err := psbt.NewFromUnsignedTx(unsigned)
	if err != nil {
		return nil, err
	}
	for i, out := range prevOuts {
		p.Inputs[i].WitnessUtxo = out
	}
	return p, nil
}
