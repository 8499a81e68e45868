package swap

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"github.com/sat20-labs/atomicals-market/common"
	"github.com/sat20-labs/atomicals-market/txbuild"
)

// PrepareListing builds the unsigned fragment a seller signs to list asset:
// one input spending it and one output paying price to receiverAddress.
func PrepareListing(seller *common.Account, asset *common.Utxo, price int64, receiverAddress string) (string, error) {
	if price < common.DustLimit {
		return "", errors.Wrapf(common.ErrPriceBelowDust, "price %d", price)
	}
	if receiverAddress == "" {
		receiverAddress = seller.Address
	}
	receiverScript, err := common.AddrToPkScript(receiverAddress, seller.Network)
	if err != nil {
		return "", errors.Wrapf(common.ErrInvalidParams, "receiver address: %v", err)
	}
	op, err := asset.OutPoint()
	if err != nil {
		return "", errors.Wrap(common.ErrInvalidParams, err.Error())
	}
	prevOut := asset.TxOut()
	if len(prevOut.PkScript) == 0 {
		prevOut.PkScript = seller.PkScript
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(op, nil, nil))
	tx.AddTxOut(wire.NewTxOut(price, receiverScript))

	packet, err := txbuild.NewPacket(tx, []*wire.TxOut{prevOut})
	if err != nil {
		return "", err
	}
	in := &packet.Inputs[0]
	in.SighashType = ListingSigHashType
	switch seller.Type {
	case common.AddressP2TR:
		if key, err := seller.SchnorrKey(); err == nil {
			in.TaprootInternalKey = schnorr.SerializePubKey(key)
		}
	case common.AddressP2SH:
		pub, err := seller.ECDSAKey()
		if err != nil {
			return "", errors.Wrap(common.ErrInvalidParams, err.Error())
		}
		if in.RedeemScript, err = common.P2WPKHScript(pub); err != nil {
			return "", err
		}
	}
	return txbuild.EncodePsbt(packet)
}

// SignListing has the seller's wallet sign and finalize the fragment.
func SignListing(ctx context.Context, signer common.Signer, psbtHex string) (string, error) {
	signed, err := signer.SignPsbt(ctx, psbtHex, true)
	if err != nil {
		return "", errors.Wrap(err, "sign listing")
	}
	packet, err := txbuild.DecodePsbt(signed)
	if err != nil {
		return "", err
	}
	if len(packet.Inputs) != 1 || !isFinalized(&packet.Inputs[0]) {
		return "", errors.Wrap(common.ErrPsbtMismatch, "wallet did not finalize the listing input")
	}
	return signed, nil
}

// SignUnlist has the seller's wallet sign the unlist message for offerID.
func SignUnlist(ctx context.Context, signer common.Signer, seller *common.Account, offerID string) (string, error) {
	scheme := common.SignSchemeECDSA
	if seller.IsTaproot() {
		scheme = common.SignSchemeSchnorr
	}
	sig, err := signer.SignMessage(ctx, UnlistMessage(offerID, seller.Address), scheme)
	if err != nil {
		return "", errors.Wrap(err, "sign unlist")
	}
	return sig, nil
}

// SignPurchase has the buyer's wallet sign and finalize its inputs of a quote.
// The seller input stays unsigned; the market fills it in.
func SignPurchase(ctx context.Context, signer common.Signer, quote *Quote) (string, error) {
	signed, err := signer.SignPsbt(ctx, quote.Psbt, true)
	if err != nil {
		return "", errors.Wrap(err, "sign purchase")
	}
	packet, err := txbuild.DecodePsbt(signed)
	if err != nil {
		return "", err
	}
	for i := 0; i < len(packet.Inputs)-1; i++ {
		if !isFinalized(&packet.Inputs[i]) {
			return "", errors.Wrapf(common.ErrPsbtMismatch, "wallet did not finalize input %d", i)
		}
	}
	return signed, nil
}
