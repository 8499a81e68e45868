package swap

import (
	"bytes"
	"context"
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"github.com/sat20-labs/atomicals-market/cache"
	"github.com/sat20-labs/atomicals-market/common"
	"github.com/sat20-labs/atomicals-market/store"
	"github.com/sat20-labs/atomicals-market/txbuild"
)

type ListRequest struct {
	Seller          *common.Account
	AssetID         string
	ReceiverAddress string
	Price           int64
	// Psbt is the seller's finalized fragment in hex.
	Psbt string
}

// List records a new active offer after checking the asset on chain and the
// seller's signed fragment.
func (s *Service) List(ctx context.Context, req *ListRequest) (*store.Offer, error) {
	if req.Seller == nil || req.AssetID == "" || req.Psbt == "" {
		return nil, errors.Wrap(common.ErrInvalidParams, "seller, asset and psbt are required")
	}
	if req.Seller.Network != s.cfg.Network {
		return nil, errors.Wrapf(common.ErrInvalidParams, "seller on %s, market on %s", req.Seller.Network, s.cfg.Network)
	}
	if req.Price < common.DustLimit {
		return nil, errors.Wrapf(common.ErrPriceBelowDust, "price %d", req.Price)
	}
	if req.ReceiverAddress == "" {
		req.ReceiverAddress = req.Seller.Address
	}
	receiverScript, err := common.AddrToPkScript(req.ReceiverAddress, s.cfg.Network)
	if err != nil {
		return nil, errors.Wrapf(common.ErrInvalidParams, "receiver address: %v", err)
	}

	var offer *store.Offer
	err = cache.WithLock(s.cache, listLockKey(req.AssetID, req.Seller.Address), s.cfg.ListLockTTL, func() error {
		state, err := s.indexer.GetState(ctx, req.AssetID)
		if err != nil {
			return err
		}
		if err := checkSubtype(state.Subtype); err != nil {
			return err
		}
		if len(state.Locations) == 0 {
			return errors.Wrapf(common.ErrOfferInvalidated, "asset %s has no location", req.AssetID)
		}
		loc := state.Locations[0]
		script, err := hex.DecodeString(loc.Script)
		if err != nil {
			return errors.Wrapf(common.ErrIndexerUnavailable, "location script: %v", err)
		}
		if !bytes.Equal(script, req.Seller.PkScript) {
			return errors.Wrapf(common.ErrOfferInvalidated, "asset %s is not held by %s", req.AssetID, req.Seller.Address)
		}

		fragment, err := txbuild.DecodePsbt(req.Psbt)
		if err != nil {
			return err
		}
		if err := checkFragment(fragment, loc, script, receiverScript, req.Price); err != nil {
			return err
		}

		offer = &store.Offer{
			ID:              OfferID(req.AssetID, loc.Txid, loc.Vout),
			AssetID:         req.AssetID,
			Subtype:         state.Subtype,
			SellerAddress:   req.Seller.Address,
			SellerPublicKey: hex.EncodeToString(req.Seller.PublicKey),
			ReceiverAddress: req.ReceiverAddress,
			Price:           req.Price,
			Txid:            loc.Txid,
			Vout:            loc.Vout,
			Value:           loc.Value,
			Script:          loc.Script,
			Psbt:            req.Psbt,
			Status:          store.StatusActive,
		}
		return s.store.CreateOffer(offer)
	})
	if err != nil {
		return nil, err
	}

	log.Infof("offer %s listed: asset %s price %d seller %s", offer.ID, offer.AssetID, offer.Price,
		offer.SellerAddress)
	return offer, nil
}

func checkSubtype(subtype string) error {
	if strings.HasPrefix(subtype, "request") || !common.SupportedSubtypes[subtype] {
		return errors.Wrapf(common.ErrUnsupportedAsset, "subtype %q", subtype)
	}
	return nil
}

// checkFragment requires one finalized input spending loc, signed by its
// owner with ListingSigHashType, and one output paying price to receiver.
func checkFragment(fragment *psbt.Packet, loc *common.Location, script, receiverScript []byte, price int64) error {
	tx := fragment.UnsignedTx
	if len(tx.TxIn) != 1 || len(tx.TxOut) != 1 {
		return errors.Wrapf(common.ErrPsbtMismatch, "fragment has %d inputs and %d outputs", len(tx.TxIn), len(tx.TxOut))
	}
	op := tx.TxIn[0].PreviousOutPoint
	if op.Hash.String() != loc.Txid || op.Index != loc.Vout {
		return errors.Wrapf(common.ErrOfferInvalidated, "fragment spends %s, asset is at %s:%d", op, loc.Txid, loc.Vout)
	}
	out := tx.TxOut[0]
	if out.Value != price || !bytes.Equal(out.PkScript, receiverScript) {
		return errors.Wrapf(common.ErrPsbtMismatch, "fragment pays %d, listing asks %d to the receiver", out.Value, price)
	}
	if !isFinalized(&fragment.Inputs[0]) {
		return errors.Wrap(common.ErrPsbtMismatch, "fragment input is not finalized")
	}

	signed, err := psbt.Extract(fragment)
	if err != nil {
		return errors.Wrapf(common.ErrPsbtMismatch, "extract fragment: %v", err)
	}
	fetcher := txscript.NewCannedPrevOutputFetcher(script, loc.Value)
	hType, err := verifyInput(signed, 0, fetcher, txscript.NewTxSigHashes(signed, fetcher))
	if err != nil {
		return err
	}
	if hType != ListingSigHashType {
		return errors.Wrapf(common.ErrSignatureInvalid, "fragment signed with sighash %v", hType)
	}
	return nil
}

// fragmentOutPoint is the asset outpoint the stored fragment spends.
func fragmentOutPoint(offer *store.Offer) (*psbt.Packet, *wire.OutPoint, error) {
	fragment, err := txbuild.DecodePsbt(offer.Psbt)
	if err != nil {
		return nil, nil, err
	}
	if len(fragment.UnsignedTx.TxIn) != 1 || len(fragment.UnsignedTx.TxOut) != 1 {
		return nil, nil, errors.Wrap(common.ErrPsbtMismatch, "stored fragment malformed")
	}
	return fragment, &fragment.UnsignedTx.TxIn[0].PreviousOutPoint, nil
}

// Validate re-checks an offer against the chain. Failures other than an
// unreachable indexer cancel the offer.
func (s *Service) Validate(ctx context.Context, offerID string) (*store.Offer, error) {
	offer, err := s.store.GetOffer(offerID)
	if err != nil {
		return nil, err
	}
	if err := activeOffer(offer); err != nil {
		return nil, err
	}
	if err := s.revalidate(ctx, offer); err != nil {
		return nil, err
	}
	return offer, nil
}

func (s *Service) revalidate(ctx context.Context, offer *store.Offer) error {
	err := s.checkOnChain(ctx, offer)
	if err == nil || errors.Is(err, common.ErrIndexerUnavailable) {
		return err
	}

	log.Warnf("offer %s cancelled: %v", offer.ID, err)
	if uerr := s.store.UpdateOfferStatus(offer.ID, store.StatusActive, store.StatusCancelled, err.Error()); uerr != nil &&
		!errors.Is(uerr, common.ErrOfferNotActive) {
		log.Errorf("cancel offer %s: %v", offer.ID, uerr)
	}
	return err
}

func (s *Service) checkOnChain(ctx context.Context, offer *store.Offer) error {
	state, err := s.indexer.GetState(ctx, offer.AssetID)
	if err != nil {
		if errors.Is(err, common.ErrIndexerUnavailable) {
			return err
		}
		return errors.Wrapf(common.ErrOfferInvalidated, "asset %s: %v", offer.AssetID, err)
	}
	if err := checkSubtype(state.Subtype); err != nil {
		return err
	}
	if len(state.Locations) == 0 {
		return errors.Wrapf(common.ErrOfferInvalidated, "asset %s has no location", offer.AssetID)
	}
	loc := state.Locations[0]
	if loc.Txid != offer.Txid || loc.Vout != offer.Vout || loc.Value != offer.Value {
		return errors.Wrapf(common.ErrOfferInvalidated, "asset moved to %s:%d (%d sats)", loc.Txid, loc.Vout, loc.Value)
	}
	owner, err := common.PkScriptHexToAddr(loc.Script, s.cfg.Network)
	if err != nil || owner != offer.SellerAddress {
		return errors.Wrapf(common.ErrOfferInvalidated, "asset owner changed to %s", owner)
	}
	_, op, err := fragmentOutPoint(offer)
	if err != nil {
		return err
	}
	if op.Hash.String() != loc.Txid || op.Index != loc.Vout {
		return errors.Wrapf(common.ErrOfferInvalidated, "fragment spends %s", op)
	}
	return nil
}

type UnlistRequest struct {
	OfferID   string
	Address   string
	PublicKey string
	Signature string
}

// Unlist cancels an active offer on a message signature from its seller.
func (s *Service) Unlist(ctx context.Context, req *UnlistRequest) (*store.Offer, error) {
	offer, err := s.store.GetOffer(req.OfferID)
	if err != nil {
		return nil, err
	}
	if err := activeOffer(offer); err != nil {
		return nil, err
	}
	if req.Address != offer.SellerAddress {
		return nil, errors.Wrapf(common.ErrSignatureInvalid, "%s is not the seller", req.Address)
	}
	acct, err := common.NewAccount(req.Address, req.PublicKey, s.cfg.Network)
	if err != nil {
		return nil, errors.Wrap(common.ErrInvalidParams, err.Error())
	}
	if !controlsAddress(acct) {
		return nil, errors.Wrapf(common.ErrSignatureInvalid, "public key does not control %s", req.Address)
	}
	if err := verifyMessage(acct, UnlistMessage(offer.ID, req.Address), req.Signature); err != nil {
		return nil, err
	}

	if err := s.store.UpdateOfferStatus(offer.ID, store.StatusActive, store.StatusCancelled, "unlisted"); err != nil {
		return nil, err
	}
	log.Infof("offer %s unlisted by %s", offer.ID, req.Address)
	return s.store.GetOffer(offer.ID)
}
