package swap

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/sat20-labs/atomicals-market/common"
	"github.com/sat20-labs/atomicals-market/txbuild"
	"github.com/stretchr/testify/require"
)

// testWallet signs the inputs of a psbt that spend its own script.
type testWallet struct {
	key  *btcec.PrivateKey
	acct *common.Account
}

func newTestWallet(t *testing.T, seed byte, addrType common.AddressType) *testWallet {
	priv, pub := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
	acct, err := common.NewAccountFromKey(pub, addrType, common.ChainMainnet)
	require.NoError(t, err)
	return &testWallet{key: priv, acct: acct}
}

func serializeWitness(w wire.TxWitness) []byte {
	var buf bytes.Buffer
	wire.WriteVarInt(&buf, 0, uint64(len(w)))
	for _, item := range w {
		wire.WriteVarBytes(&buf, 0, item)
	}
	return buf.Bytes()
}

func (w *testWallet) SignPsbt(ctx context.Context, psbtHex string, autoFinalize bool) (string, error) {
	p, err := txbuild.DecodePsbt(psbtHex)
	if err != nil {
		return "", err
	}
	fetcher := prevOutFetcher(p)
	sigHashes := txscript.NewTxSigHashes(p.UnsignedTx, fetcher)

	for i := range p.Inputs {
		in := &p.Inputs[i]
		if in.WitnessUtxo == nil || !bytes.Equal(in.WitnessUtxo.PkScript, w.acct.PkScript) {
			continue
		}
		var witness wire.TxWitness
		switch w.acct.Type {
		case common.AddressP2TR:
			sig, err := txscript.RawTxInTaprootSignature(p.UnsignedTx, sigHashes, i, in.WitnessUtxo.Value,
				in.WitnessUtxo.PkScript, nil, in.SighashType, w.key)
			if err != nil {
				return "", err
			}
			in.TaprootKeySpendSig = sig
			witness = wire.TxWitness{sig}
		case common.AddressP2WPKH:
			hType := in.SighashType
			if hType == 0 {
				hType = txscript.SigHashAll
			}
			sig, err := txscript.RawTxInWitnessSignature(p.UnsignedTx, sigHashes, i, in.WitnessUtxo.Value,
				in.WitnessUtxo.PkScript, hType, w.key)
			if err != nil {
				return "", err
			}
			witness = wire.TxWitness{sig, w.key.PubKey().SerializeCompressed()}
		default:
			return "", fmt.Errorf("unsupported account type %s", w.acct.Type)
		}
		if autoFinalize {
			in.FinalScriptWitness = serializeWitness(witness)
		}
	}
	return txbuild.EncodePsbt(p)
}

func (w *testWallet) SignMessage(ctx context.Context, text string, scheme common.SignScheme) (string, error) {
	if scheme == common.SignSchemeSchnorr {
		hash := sha256.Sum256([]byte(text))
		sig, err := schnorr.Sign(w.key, hash[:])
		if err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(sig.Serialize()), nil
	}
	sig := ecdsa.SignCompact(w.key, SignedMessageHash(text), true)
	return base64.StdEncoding.EncodeToString(sig), nil
}

type fakeIndexer struct {
	mu     sync.Mutex
	states map[string]*common.AtomicalState
	err    error
}

func (f *fakeIndexer) set(state *common.AtomicalState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[state.AtomicalID] = state
}

func (f *fakeIndexer) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeIndexer) GetState(ctx context.Context, atomicalID string) (*common.AtomicalState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	state, ok := f.states[atomicalID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrUnsupportedAsset, atomicalID)
	}
	cp := *state
	return &cp, nil
}

func (f *fakeIndexer) GetTxHistory(ctx context.Context, atomicalID string) ([]*common.TxHistoryItem, error) {
	return nil, nil
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []string
	err  error
	// when set, Broadcast signals entered and waits for release
	entered chan struct{}
	release chan struct{}
}

func (f *fakeBroadcaster) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, rawTxHex)
	tx, err := txbuild.DecodeTx(rawTxHex)
	if err != nil {
		return "", err
	}
	return tx.TxHash().String(), nil
}

func (f *fakeBroadcaster) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeBroadcaster) sentTxs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}
