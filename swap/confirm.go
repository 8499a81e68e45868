package swap

import (
	"bytes"
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sat20-labs/atomicals-market/cache"
	"github.com/sat20-labs/atomicals-market/common"
	"github.com/sat20-labs/atomicals-market/store"
	"github.com/sat20-labs/atomicals-market/txbuild"
)

type ConfirmRequest struct {
	OfferID      string
	BuyerAddress string
	// Psbt is the quoted transaction with the buyer's inputs finalized.
	Psbt string
}

type ConfirmResult struct {
	OrderID string `json:"orderId"`
	Txid    string `json:"txid"`
}

// Confirm settles an offer with the buyer's signed copy of its quote. The
// offer lock is held for the whole call; a concurrent attempt fails with
// ErrLockHeld. When the network does not accept the settled transaction the
// result is returned together with an ErrBroadcastDelayed error and the
// transaction is kept for Resubmit.
func (s *Service) Confirm(ctx context.Context, req *ConfirmRequest) (*ConfirmResult, error) {
	lock, err := cache.Acquire(s.cache, buyLockKey(req.OfferID), s.cfg.BuyLockTTL)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	key := quoteKey(req.OfferID, req.BuyerAddress)
	quoteHex, ok := s.cache.Get(key)
	if !ok {
		return nil, errors.Wrapf(common.ErrQuoteExpired, "offer %s buyer %s", req.OfferID, req.BuyerAddress)
	}
	s.cache.Delete(key)

	offer, err := s.store.GetOffer(req.OfferID)
	if err != nil {
		return nil, err
	}
	if err := activeOffer(offer); err != nil {
		return nil, err
	}
	if err := s.revalidate(ctx, offer); err != nil {
		return nil, err
	}

	quoted, err := txbuild.DecodePsbt(quoteHex)
	if err != nil {
		return nil, err
	}
	signed, err := txbuild.DecodePsbt(req.Psbt)
	if err != nil {
		return nil, err
	}
	fragment, _, err := fragmentOutPoint(offer)
	if err != nil {
		return nil, err
	}
	if err := matchQuote(quoted, signed, fragment); err != nil {
		return nil, err
	}

	// the seller leg always comes from the stored fragment
	last := len(signed.Inputs) - 1
	signed.Inputs[last] = psbt.PInput{
		WitnessUtxo:        quoted.Inputs[last].WitnessUtxo,
		FinalScriptSig:     fragment.Inputs[0].FinalScriptSig,
		FinalScriptWitness: fragment.Inputs[0].FinalScriptWitness,
	}
	for i := 0; i < last; i++ {
		signed.Inputs[i].WitnessUtxo = quoted.Inputs[i].WitnessUtxo
	}

	tx, err := psbt.Extract(signed)
	if err != nil {
		return nil, errors.Wrapf(common.ErrPsbtMismatch, "extract: %v", err)
	}
	fetcher := prevOutFetcher(quoted)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	inValue := int64(0)
	for i, in := range tx.TxIn {
		if _, err := verifyInput(tx, i, fetcher, sigHashes); err != nil {
			return nil, err
		}
		inValue += fetcher.FetchPrevOutput(in.PreviousOutPoint).Value
	}
	outValue := int64(0)
	for _, out := range tx.TxOut {
		outValue += out.Value
	}

	rawTx, err := txbuild.EncodeTx(tx)
	if err != nil {
		return nil, err
	}
	txid := tx.TxHash().String()
	order := &store.Order{
		ID:            uuid.NewString(),
		OfferID:       offer.ID,
		AssetID:       offer.AssetID,
		Txid:          txid,
		RawTx:         rawTx,
		BuyerAddress:  req.BuyerAddress,
		SellerAddress: offer.SellerAddress,
		Price:         offer.Price,
		ServiceFee:    tx.TxOut[2].Value,
		NetworkFee:    inValue - outValue,
	}
	if err := s.store.SettleOffer(offer.ID, order); err != nil {
		return nil, err
	}
	log.Infof("offer %s settled: order %s tx %s buyer %s", offer.ID, order.ID, txid, req.BuyerAddress)

	result := &ConfirmResult{OrderID: order.ID, Txid: txid}
	if err := s.broadcast(ctx, offer.ID, txid, rawTx); err != nil {
		return result, err
	}
	return result, nil
}

// matchQuote requires signed to be the quoted transaction with every buyer
// input finalized, and the seller payment to be what the fragment asks for.
func matchQuote(quoted, signed, fragment *psbt.Packet) error {
	q, t := quoted.UnsignedTx, signed.UnsignedTx
	if len(q.TxIn) != len(t.TxIn) || len(q.TxOut) != len(t.TxOut) {
		return errors.Wrapf(common.ErrPsbtMismatch, "%d/%d inputs/outputs, quoted %d/%d",
			len(t.TxIn), len(t.TxOut), len(q.TxIn), len(q.TxOut))
	}
	for i := range q.TxIn {
		if q.TxIn[i].PreviousOutPoint != t.TxIn[i].PreviousOutPoint {
			return errors.Wrapf(common.ErrPsbtMismatch, "input %d spends %s, quoted %s", i,
				t.TxIn[i].PreviousOutPoint, q.TxIn[i].PreviousOutPoint)
		}
	}
	for i := range q.TxOut {
		if q.TxOut[i].Value != t.TxOut[i].Value || !bytes.Equal(q.TxOut[i].PkScript, t.TxOut[i].PkScript) {
			return errors.Wrapf(common.ErrPsbtMismatch, "output %d differs from quote", i)
		}
	}
	if q.TxHash() != t.TxHash() {
		return errors.Wrap(common.ErrPsbtMismatch, "transaction differs from quote")
	}
	for i := 0; i < len(signed.Inputs)-1; i++ {
		if !isFinalized(&signed.Inputs[i]) {
			return errors.Wrapf(common.ErrPsbtMismatch, "input %d is not finalized", i)
		}
	}

	pay, ask := t.TxOut[1], fragment.UnsignedTx.TxOut[0]
	if pay.Value != ask.Value || !bytes.Equal(pay.PkScript, ask.PkScript) {
		return errors.Wrap(common.ErrPsbtMismatch, "seller payment differs from listing")
	}
	return nil
}

// broadcast sends rawTx with a bounded retry. A transaction that still fails
// is saved for Resubmit.
func (s *Service) broadcast(ctx context.Context, offerID, txid, rawTx string) error {
	if s.broadcasted.Contains(txid) {
		return nil
	}

	// give the node a moment to see the parents of fresh inputs
	select {
	case <-ctx.Done():
	case <-time.After(s.cfg.BroadcastDelay):
	}

	attempts := 0
	err := retry.Do(
		func() error {
			attempts++
			_, err := s.broadcaster.Broadcast(ctx, rawTx)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(s.cfg.BroadcastAttempts),
		retry.Delay(s.cfg.BroadcastDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warnf("broadcast %s attempt %d: %v", txid, n+1, err)
		}),
	)
	if err == nil {
		s.broadcasted.Add(txid)
		log.Infof("broadcast %s", txid)
		return nil
	}

	pending := &store.PendingBroadcast{
		Txid:      txid,
		OfferID:   offerID,
		RawTx:     rawTx,
		LastError: err.Error(),
		Attempts:  attempts,
	}
	if serr := s.store.SavePendingBroadcast(pending); serr != nil {
		log.Errorf("save pending broadcast %s: %v, raw tx %s", txid, serr, rawTx)
	} else {
		log.Errorf("broadcast %s failed after %d attempts, saved for resubmission: %v", txid, attempts, err)
	}
	return errors.Wrapf(common.ErrBroadcastDelayed, "%s: %v", txid, err)
}

// Resubmit broadcasts a saved transaction again and forgets it once accepted.
func (s *Service) Resubmit(ctx context.Context, txid string) error {
	pending, err := s.store.ListPendingBroadcasts()
	if err != nil {
		return err
	}
	for _, p := range pending {
		if p.Txid != txid {
			continue
		}
		if _, err := s.broadcaster.Broadcast(ctx, p.RawTx); err != nil {
			p.Attempts++
			p.LastError = err.Error()
			if serr := s.store.SavePendingBroadcast(p); serr != nil {
				log.Errorf("save pending broadcast %s: %v", txid, serr)
			}
			return errors.Wrapf(common.ErrBroadcastDelayed, "%s: %v", txid, err)
		}
		s.broadcasted.Add(txid)
		log.Infof("resubmitted %s after %d attempts", txid, p.Attempts)
		return s.store.DeletePendingBroadcast(txid)
	}
	return errors.Wrapf(common.ErrInvalidParams, "no pending broadcast %s", txid)
}

// ResubmitAll retries every saved transaction and returns how many the
// network accepted.
func (s *Service) ResubmitAll(ctx context.Context) (int, error) {
	pending, err := s.store.ListPendingBroadcasts()
	if err != nil {
		return 0, err
	}
	accepted := 0
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return accepted, err
		}
		if err := s.Resubmit(ctx, p.Txid); err == nil {
			accepted++
		}
	}
	return accepted, nil
}

// RunResubmitter retries saved transactions every interval until ctx ends.
func (s *Service) RunResubmitter(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.ResubmitAll(ctx); err != nil {
				log.Warnf("resubmit: %v", err)
			} else if n > 0 {
				log.Infof("resubmitted %d transactions", n)
			}
		}
	}
}
