package swap

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"github.com/sat20-labs/atomicals-market/common"
)

// verifyInput checks the signature of input idx against the output it spends
// and returns the sighash type it was made with. Taproot key-path inputs are
// checked as schnorr signatures, p2wpkh inputs as ecdsa signatures, anything
// else runs through the script engine.
func verifyInput(tx *wire.MsgTx, idx int, fetcher txscript.PrevOutputFetcher,
	sigHashes *txscript.TxSigHashes) (txscript.SigHashType, error) {
	in := tx.TxIn[idx]
	prevOut := fetcher.FetchPrevOutput(in.PreviousOutPoint)
	if prevOut == nil {
		return 0, errors.Wrapf(common.ErrPsbtMismatch, "input %d: unknown previous output", idx)
	}

	switch common.AddressTypeOfScript(prevOut.PkScript) {
	case common.AddressP2TR:
		if len(in.Witness) != 1 {
			return 0, errors.Wrapf(common.ErrSignatureInvalid, "input %d: not a key path spend", idx)
		}
		sig := in.Witness[0]
		hType := txscript.SigHashDefault
		switch len(sig) {
		case schnorr.SignatureSize:
		case schnorr.SignatureSize + 1:
			hType = txscript.SigHashType(sig[schnorr.SignatureSize])
			sig = sig[:schnorr.SignatureSize]
		default:
			return 0, errors.Wrapf(common.ErrSignatureInvalid, "input %d: signature length %d", idx, len(sig))
		}
		hash, err := txscript.CalcTaprootSignatureHash(sigHashes, hType, tx, idx, fetcher)
		if err != nil {
			return 0, errors.Wrapf(common.ErrSignatureInvalid, "input %d: %v", idx, err)
		}
		key, err := schnorr.ParsePubKey(prevOut.PkScript[2:])
		if err != nil {
			return 0, errors.Wrapf(common.ErrSignatureInvalid, "input %d: %v", idx, err)
		}
		s, err := schnorr.ParseSignature(sig)
		if err != nil || !s.Verify(hash, key) {
			return 0, errors.Wrapf(common.ErrSignatureInvalid, "input %d: schnorr verification failed", idx)
		}
		return hType, nil

	case common.AddressP2WPKH:
		if len(in.Witness) != 2 || len(in.Witness[0]) == 0 {
			return 0, errors.Wrapf(common.ErrSignatureInvalid, "input %d: malformed witness", idx)
		}
		sig, pub := in.Witness[0], in.Witness[1]
		if !bytes.Equal(btcutil.Hash160(pub), prevOut.PkScript[2:]) {
			return 0, errors.Wrapf(common.ErrSignatureInvalid, "input %d: key does not match script", idx)
		}
		hType := txscript.SigHashType(sig[len(sig)-1])
		hash, err := txscript.CalcWitnessSigHash(prevOut.PkScript, sigHashes, hType, tx, idx, prevOut.Value)
		if err != nil {
			return 0, errors.Wrapf(common.ErrSignatureInvalid, "input %d: %v", idx, err)
		}
		key, err := btcec.ParsePubKey(pub)
		if err != nil {
			return 0, errors.Wrapf(common.ErrSignatureInvalid, "input %d: %v", idx, err)
		}
		s, err := ecdsa.ParseDERSignature(sig[:len(sig)-1])
		if err != nil || !s.Verify(hash, key) {
			return 0, errors.Wrapf(common.ErrSignatureInvalid, "input %d: ecdsa verification failed", idx)
		}
		return hType, nil
	}

	vm, err := txscript.NewEngine(prevOut.PkScript, tx, idx, txscript.StandardVerifyFlags, nil,
		sigHashes, prevOut.Value, fetcher)
	if err != nil {
		return 0, errors.Wrapf(common.ErrSignatureInvalid, "input %d: %v", idx, err)
	}
	if err := vm.Execute(); err != nil {
		return 0, errors.Wrapf(common.ErrSignatureInvalid, "input %d: %v", idx, err)
	}
	return engineSigHashType(in), nil
}

// engineSigHashType reads the sighash byte of the first signature an input
// carries, in the witness or else in the signature script.
func engineSigHashType(in *wire.TxIn) txscript.SigHashType {
	if len(in.Witness) > 0 && len(in.Witness[0]) > 0 {
		sig := in.Witness[0]
		return txscript.SigHashType(sig[len(sig)-1])
	}
	pushes, err := txscript.PushedData(in.SignatureScript)
	if err != nil || len(pushes) == 0 || len(pushes[0]) == 0 {
		return 0
	}
	return txscript.SigHashType(pushes[0][len(pushes[0])-1])
}

// prevOutFetcher collects the witness utxos of a packet. Inputs without one
// are left out and fail verification.
func prevOutFetcher(p *psbt.Packet) *txscript.MultiPrevOutFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range p.UnsignedTx.TxIn {
		if p.Inputs[i].WitnessUtxo != nil {
			fetcher.AddPrevOut(in.PreviousOutPoint, p.Inputs[i].WitnessUtxo)
		}
	}
	return fetcher
}

func isFinalized(in *psbt.PInput) bool {
	return len(in.FinalScriptWitness) > 0 || len(in.FinalScriptSig) > 0
}

// UnlistMessage is the text a seller signs to withdraw an offer.
func UnlistMessage(offerID, address string) string {
	return fmt.Sprintf("unlist offer %s from %s", offerID, address)
}

// SignedMessageHash is the double sha256 of a message in Bitcoin signed
// message framing.
func SignedMessageHash(message string) []byte {
	var buf bytes.Buffer
	wire.WriteVarString(&buf, 0, "Bitcoin Signed Message:\n")
	wire.WriteVarString(&buf, 0, message)
	return chainhash.DoubleHashB(buf.Bytes())
}

// decodeSignature accepts base64, as wallets return it, or hex.
func decodeSignature(sig string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(sig); err == nil &&
		(len(b) == schnorr.SignatureSize || len(b) == schnorr.SignatureSize+1) {
		return b, nil
	}
	return hex.DecodeString(sig)
}

// verifyMessage checks signature over message for acct. Taproot accounts sign
// sha256(message) with schnorr, the rest produce a compact recoverable ecdsa
// signature over the signed message hash.
func verifyMessage(acct *common.Account, message, signature string) error {
	sig, err := decodeSignature(signature)
	if err != nil {
		return errors.Wrapf(common.ErrSignatureInvalid, "decode signature: %v", err)
	}

	if acct.IsTaproot() {
		key, err := acct.SchnorrKey()
		if err != nil {
			return errors.Wrap(common.ErrSignatureInvalid, err.Error())
		}
		s, err := schnorr.ParseSignature(sig)
		if err != nil {
			return errors.Wrap(common.ErrSignatureInvalid, err.Error())
		}
		hash := sha256.Sum256([]byte(message))
		if !s.Verify(hash[:], key) {
			return errors.Wrap(common.ErrSignatureInvalid, "schnorr verification failed")
		}
		return nil
	}

	recovered, _, err := ecdsa.RecoverCompact(sig, SignedMessageHash(message))
	if err != nil {
		return errors.Wrap(common.ErrSignatureInvalid, err.Error())
	}
	key, err := acct.ECDSAKey()
	if err != nil {
		return errors.Wrap(common.ErrSignatureInvalid, err.Error())
	}
	if !recovered.IsEqual(key) {
		return errors.Wrap(common.ErrSignatureInvalid, "signature made by another key")
	}
	return nil
}

// controlsAddress reports whether acct's public key derives acct's address.
func controlsAddress(acct *common.Account) bool {
	if len(acct.PublicKey) == 0 {
		return false
	}
	var pub *btcec.PublicKey
	var err error
	if acct.IsTaproot() {
		pub, err = acct.SchnorrKey()
	} else {
		pub, err = acct.ECDSAKey()
	}
	if err != nil {
		return false
	}
	derived, err := common.NewAccountFromKey(pub, acct.Type, acct.Network)
	if err != nil {
		return false
	}
	return derived.Address == acct.Address
}
