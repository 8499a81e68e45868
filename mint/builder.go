package mint

import (
	"context"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"github.com/sat20-labs/atomicals-market/bitwork"
	"github.com/sat20-labs/atomicals-market/common"
	"github.com/sat20-labs/atomicals-market/pow"
	"github.com/sat20-labs/atomicals-market/txbuild"
)

// Builder derives commit candidates for a request. The commit template is
// fixed at construction; only the sequence of its first input varies.
type Builder struct {
	req      *Request
	spec     *bitwork.Spec
	key      *btcec.PublicKey
	envelope *Envelope

	selection   *txbuild.Selection
	commit      *wire.MsgTx
	prevOuts    []*wire.TxOut
	redeem      []byte
	commitValue int64
	revealFee   int64
}

func NewBuilder(req *Request) (*Builder, error) {
	spec, err := req.validate()
	if err != nil {
		return nil, err
	}
	key, err := req.Account.SchnorrKey()
	if err != nil {
		return nil, errors.Wrapf(common.ErrInvalidParams, "account key: %v", err)
	}
	payload, err := EncodePayload(req.withBitwork(spec))
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}
	envelope, err := NewEnvelope(key, req.Op, payload)
	if err != nil {
		return nil, err
	}

	b := &Builder{req: req, spec: spec, key: key, envelope: envelope}
	if err := b.fund(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Builder) revealOutputValue() int64 {
	if b.req.Anchor != nil {
		return b.req.Anchor.Value
	}
	return b.req.RevealOutputValue
}

// fund sizes the reveal, then selects coins for a commit output that pays
// the reveal fee and, without an anchor, the reveal output.
func (b *Builder) fund() error {
	inputs := []*txbuild.Input{{Witness: b.envelope.RevealWitnessShape()}}
	if b.req.Anchor != nil {
		inputs = append(inputs, txbuild.InputShape(common.AddressTypeOfScript(b.req.Anchor.PkScript)))
	}
	vsize := txbuild.EstimateVirtualBytes(inputs, []*txbuild.Output{{Script: b.req.Account.PkScript}})
	b.revealFee = txbuild.FeeForSize(vsize, b.req.FeeRate)

	b.commitValue = b.revealFee
	if b.req.Anchor == nil {
		b.commitValue += b.req.RevealOutputValue
	}
	if b.commitValue < common.DustLimit {
		b.commitValue = common.DustLimit
	}

	utxos := make([]*common.Utxo, 0, len(b.req.Utxos))
	for _, u := range b.req.Utxos {
		if b.req.Anchor != nil && u.String() == b.req.Anchor.String() {
			continue
		}
		utxos = append(utxos, u)
	}
	targets := []*common.PaymentTarget{{PkScript: b.envelope.PkScript, Value: b.commitValue}}
	sel, err := txbuild.SelectCoins(b.req.Account, utxos, targets, b.req.FeeRate, nil)
	if err != nil {
		return err
	}
	b.selection = sel

	if b.req.Account.Type == common.AddressP2SH {
		pub, err := b.req.Account.ECDSAKey()
		if err != nil {
			return errors.Wrapf(common.ErrInvalidParams, "nested segwit key: %v", err)
		}
		if b.redeem, err = common.P2WPKHScript(pub); err != nil {
			return err
		}
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, u := range sel.FeeInputs {
		op, err := u.OutPoint()
		if err != nil {
			return errors.Wrap(common.ErrInvalidParams, err.Error())
		}
		in := wire.NewTxIn(op, nil, nil)
		if b.redeem != nil {
			// nested segwit inputs carry their redeem push, fixed before signing
			in.SignatureScript, err = txscript.NewScriptBuilder().AddData(b.redeem).Script()
			if err != nil {
				return err
			}
		}
		tx.AddTxIn(in)
		b.prevOuts = append(b.prevOuts, u.TxOut())
	}
	for _, out := range sel.Outputs {
		tx.AddTxOut(out.TxOut())
	}
	b.commit = tx
	return nil
}

func (b *Builder) commitWithSequence(seq uint32) *wire.MsgTx {
	tx := b.commit.Copy()
	tx.TxIn[0].Sequence = seq
	return tx
}

// Candidate derives only the commit txid for seq.
func (b *Builder) Candidate(seq uint32) (*pow.Candidate, error) {
	tx := b.commitWithSequence(seq)
	return &pow.Candidate{Sequence: seq, CommitTxid: tx.TxHash().String()}, nil
}

// Finish serializes the commit and derives the reveal spending it.
func (b *Builder) Finish(c *pow.Candidate) error {
	commit := b.commitWithSequence(c.Sequence)
	commitHex, err := txbuild.EncodeTx(commit)
	if err != nil {
		return err
	}
	reveal := b.reveal(commit)
	revealHex, err := txbuild.EncodeTx(reveal)
	if err != nil {
		return err
	}
	c.CommitTxid = commit.TxHash().String()
	c.CommitTxHex = commitHex
	c.RevealTxHex = revealHex
	return nil
}

func (b *Builder) reveal(commit *wire.MsgTx) *wire.MsgTx {
	commitHash := commit.TxHash()
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&commitHash, 0), nil, nil))
	if b.req.Anchor != nil {
		op, _ := b.req.Anchor.OutPoint()
		tx.AddTxIn(wire.NewTxIn(op, nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(b.revealOutputValue(), b.req.Account.PkScript))
	return tx
}

// Result packages a finished candidate with the psbts a wallet signs.
func (b *Builder) Result(c *pow.Candidate, tried uint64) (*Result, error) {
	commit, err := txbuild.DecodeTx(c.CommitTxHex)
	if err != nil {
		return nil, err
	}
	reveal, err := txbuild.DecodeTx(c.RevealTxHex)
	if err != nil {
		return nil, err
	}

	commitPsbt, err := b.commitPacket(commit)
	if err != nil {
		return nil, err
	}
	revealPsbt, err := b.revealPacket(reveal, commit.TxOut[0])
	if err != nil {
		return nil, err
	}
	commitAddr, err := common.PkScriptToAddr(b.envelope.PkScript, b.req.Network)
	if err != nil {
		return nil, err
	}

	r := &Result{
		CommitTxid:    c.CommitTxid,
		CommitTxHex:   c.CommitTxHex,
		CommitPsbt:    commitPsbt,
		CommitAddress: commitAddr,
		CommitValue:   b.commitValue,
		CommitFee:     b.selection.Fee,
		RevealTxHex:   c.RevealTxHex,
		RevealPsbt:    revealPsbt,
		RevealFee:     b.revealFee,
		RevealScript:  hex.EncodeToString(b.envelope.Script),
		ControlBlock:  hex.EncodeToString(b.envelope.ControlBlock),
		Sequence:      c.Sequence,
		Tried:         tried,
	}
	if b.spec != nil {
		r.Bitwork = b.spec.String()
	}
	return r, nil
}

func (b *Builder) commitPacket(commit *wire.MsgTx) (string, error) {
	p, err := txbuild.NewPacket(commit, b.prevOuts)
	if err != nil {
		return "", err
	}
	for i := range p.Inputs {
		switch {
		case b.redeem != nil:
			p.Inputs[i].RedeemScript = b.redeem
		case b.req.Account.IsTaproot():
			p.Inputs[i].TaprootInternalKey = schnorr.SerializePubKey(b.key)
		}
	}
	return txbuild.EncodePsbt(p)
}

func (b *Builder) revealPacket(reveal *wire.MsgTx, commitOut *wire.TxOut) (string, error) {
	prevOuts := []*wire.TxOut{commitOut}
	if b.req.Anchor != nil {
		prevOuts = append(prevOuts, b.req.Anchor.TxOut())
	}
	p, err := txbuild.NewPacket(reveal, prevOuts)
	if err != nil {
		return "", err
	}
	p.Inputs[0].TaprootInternalKey = schnorr.SerializePubKey(b.key)
	p.Inputs[0].TaprootLeafScript = []*psbt.TaprootTapLeafScript{{
		ControlBlock: b.envelope.ControlBlock,
		Script:       b.envelope.Script,
		LeafVersion:  txscript.BaseLeafVersion,
	}}
	return txbuild.EncodePsbt(p)
}

// Build runs the search when the request carries a bitwork target and
// returns the winning pair. Without a target the first candidate wins.
func Build(ctx context.Context, req *Request, opts pow.Options) (*Result, error) {
	b, err := NewBuilder(req)
	if err != nil {
		return nil, err
	}

	if b.spec == nil {
		c, err := b.Candidate(wire.MaxTxInSequenceNum)
		if err != nil {
			return nil, err
		}
		if err := b.Finish(c); err != nil {
			return nil, err
		}
		return b.Result(c, 1)
	}

	opts.Finish = b.Finish
	coord := pow.NewCoordinator(opts)
	c, err := coord.Search(ctx, b.spec, b.Candidate)
	if err != nil {
		return nil, err
	}
	common.Log.Infof("mint %s commit %s satisfies %s", req.Op, c.CommitTxid, b.spec)
	return b.Result(c, coord.Tried())
}
