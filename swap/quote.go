package swap

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"github.com/sat20-labs/atomicals-market/common"
	"github.com/sat20-labs/atomicals-market/store"
	"github.com/sat20-labs/atomicals-market/txbuild"
)

type QuoteRequest struct {
	OfferID         string
	Buyer           *common.Account
	ReceiverAddress string
	FeeRate         float64
	Utxos           []*common.Utxo
}

type Quote struct {
	OfferID    string         `json:"offerId"`
	Psbt       string         `json:"psbt"`
	Price      int64          `json:"price"`
	ServiceFee int64          `json:"serviceFee"`
	Fee        int64          `json:"fee"`
	Change     int64          `json:"change"`
	VSize      int64          `json:"vsize"`
	Inputs     []*common.Utxo `json:"inputs"`
	ExpiresAt  int64          `json:"expiresAt"`
}

// Quote composes the unsigned buy transaction for an offer. Outputs are, in
// order, the asset to the buyer's receiver, the price to the seller, the
// service fee to the platform, then change. The buyer's fee inputs come
// first and the seller's asset input last. The quote is cached for one
// confirmation by the same buyer.
func (s *Service) Quote(ctx context.Context, req *QuoteRequest) (*Quote, error) {
	if req.Buyer == nil {
		return nil, errors.Wrap(common.ErrInvalidParams, "buyer is required")
	}
	if req.Buyer.Network != s.cfg.Network {
		return nil, errors.Wrapf(common.ErrInvalidParams, "buyer on %s, market on %s", req.Buyer.Network, s.cfg.Network)
	}

	offer, err := s.store.GetOffer(req.OfferID)
	if err != nil {
		return nil, err
	}
	if err := activeOffer(offer); err != nil {
		return nil, err
	}
	if offer.SellerAddress == req.Buyer.Address {
		return nil, errors.Wrap(common.ErrInvalidParams, "seller cannot buy its own offer")
	}
	if err := s.revalidate(ctx, offer); err != nil {
		return nil, err
	}

	receiver := req.ReceiverAddress
	if receiver == "" {
		receiver = req.Buyer.Address
	}
	receiverScript, err := common.AddrToPkScript(receiver, s.cfg.Network)
	if err != nil {
		return nil, errors.Wrapf(common.ErrInvalidParams, "receiver address: %v", err)
	}
	sellerScript, err := common.AddrToPkScript(offer.ReceiverAddress, s.cfg.Network)
	if err != nil {
		return nil, errors.Wrapf(common.ErrInvalidParams, "seller receiver: %v", err)
	}
	fragment, _, err := fragmentOutPoint(offer)
	if err != nil {
		return nil, err
	}
	assetIn := fragment.UnsignedTx.TxIn[0]
	assetOut, err := assetTxOut(offer)
	if err != nil {
		return nil, err
	}
	asset := &common.Utxo{Txid: offer.Txid, Vout: offer.Vout, Value: offer.Value, PkScript: assetOut.PkScript}

	serviceFee := s.ServiceFee(offer.Price)
	targets := []*common.PaymentTarget{
		{PkScript: receiverScript, Value: offer.Value},
		{PkScript: sellerScript, Value: offer.Price},
		{PkScript: s.platformScript, Value: serviceFee},
	}
	utxos := make([]*common.Utxo, 0, len(req.Utxos))
	for _, u := range req.Utxos {
		if u.String() == asset.String() {
			continue
		}
		if len(u.PkScript) == 0 {
			u = &common.Utxo{Txid: u.Txid, Vout: u.Vout, Value: u.Value, PkScript: req.Buyer.PkScript}
		}
		utxos = append(utxos, u)
	}
	sel, err := txbuild.SelectCoins(req.Buyer, utxos, targets, req.FeeRate, []*common.Utxo{asset})
	if err != nil {
		return nil, err
	}

	packet, err := s.buyPacket(req.Buyer, sel, assetIn, assetOut)
	if err != nil {
		return nil, err
	}
	psbtHex, err := txbuild.EncodePsbt(packet)
	if err != nil {
		return nil, err
	}

	s.cache.Set(quoteKey(offer.ID, req.Buyer.Address), psbtHex, s.cfg.QuoteTTL)
	log.Debugf("offer %s quoted for %s: %d inputs fee %d", offer.ID, req.Buyer.Address,
		len(sel.FeeInputs), sel.Fee)

	return &Quote{
		OfferID:    offer.ID,
		Psbt:       psbtHex,
		Price:      offer.Price,
		ServiceFee: serviceFee,
		Fee:        sel.Fee,
		Change:     sel.Change,
		VSize:      sel.VSize,
		Inputs:     sel.FeeInputs,
		ExpiresAt:  time.Now().Add(s.cfg.QuoteTTL).Unix(),
	}, nil
}

func assetTxOut(offer *store.Offer) (*wire.TxOut, error) {
	script, err := hex.DecodeString(offer.Script)
	if err != nil {
		return nil, errors.Wrapf(common.ErrInvalidParams, "offer script: %v", err)
	}
	return wire.NewTxOut(offer.Value, script), nil
}

// buyPacket lays out the buy transaction and attaches what a wallet needs to
// sign the buyer's inputs.
func (s *Service) buyPacket(buyer *common.Account, sel *txbuild.Selection, assetIn *wire.TxIn,
	assetOut *wire.TxOut) (*psbt.Packet, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	prevOuts := make([]*wire.TxOut, 0, len(sel.FeeInputs)+1)
	for _, u := range sel.FeeInputs {
		op, err := u.OutPoint()
		if err != nil {
			return nil, errors.Wrap(common.ErrInvalidParams, err.Error())
		}
		tx.AddTxIn(wire.NewTxIn(op, nil, nil))
		prevOuts = append(prevOuts, u.TxOut())
	}
	seller := wire.NewTxIn(&assetIn.PreviousOutPoint, nil, nil)
	seller.Sequence = assetIn.Sequence
	tx.AddTxIn(seller)
	prevOuts = append(prevOuts, assetOut)
	for _, out := range sel.Outputs {
		tx.AddTxOut(out.TxOut())
	}

	packet, err := txbuild.NewPacket(tx, prevOuts)
	if err != nil {
		return nil, err
	}

	var redeem, internalKey []byte
	switch buyer.Type {
	case common.AddressP2SH:
		pub, err := buyer.ECDSAKey()
		if err != nil {
			return nil, errors.Wrap(common.ErrInvalidParams, err.Error())
		}
		if redeem, err = common.P2WPKHScript(pub); err != nil {
			return nil, err
		}
	case common.AddressP2TR:
		if key, err := buyer.SchnorrKey(); err == nil {
			internalKey = schnorr.SerializePubKey(key)
		}
	}
	for i := range sel.FeeInputs {
		packet.Inputs[i].RedeemScript = redeem
		packet.Inputs[i].TaprootInternalKey = internalKey
		packet.Inputs[i].SighashType = sigHashFor(buyer)
	}
	return packet, nil
}

func sigHashFor(acct *common.Account) txscript.SigHashType {
	if acct.IsTaproot() {
		return txscript.SigHashDefault
	}
	return txscript.SigHashAll
}
