package swap

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/sat20-labs/atomicals-market/cache"
	"github.com/sat20-labs/atomicals-market/common"
	"github.com/sat20-labs/atomicals-market/store"
	"github.com/sat20-labs/atomicals-market/store/kvdb"
	"github.com/sat20-labs/atomicals-market/txbuild"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAssetID = "9a3f0c9e3a1b6a5ad7a4d1e1f1b3c8a9c6f5e3d2b1a0f9e8d7c6b5a4f3e2d1c0i0"
	testPrice   = int64(100000)
	assetValue  = int64(1000)
)

type fixture struct {
	svc      *Service
	store    store.Store
	cache    *cache.MemCache
	indexer  *fakeIndexer
	bc       *fakeBroadcaster
	seller   *testWallet
	buyer    *testWallet
	platform *testWallet
	asset    *common.Utxo
	utxos    []*common.Utxo
}

func newFixture(t *testing.T, buyerType common.AddressType) *fixture {
	f := &fixture{
		seller:   newTestWallet(t, 0x11, common.AddressP2TR),
		buyer:    newTestWallet(t, 0x22, buyerType),
		platform: newTestWallet(t, 0x33, common.AddressP2WPKH),
		indexer:  &fakeIndexer{states: map[string]*common.AtomicalState{}},
		bc:       &fakeBroadcaster{},
		cache:    cache.NewMemCache(),
	}
	t.Cleanup(f.cache.Close)

	db, err := kvdb.NewMemDB()
	require.NoError(t, err)
	f.store = store.NewKVStore(db)
	t.Cleanup(func() { f.store.Close() })

	f.asset = &common.Utxo{Txid: fmt.Sprintf("%064x", 0xa55e7), Vout: 0, Value: assetValue, PkScript: f.seller.acct.PkScript}
	f.utxos = []*common.Utxo{
		{Txid: fmt.Sprintf("%064x", 1), Vout: 0, Value: 50000, PkScript: f.buyer.acct.PkScript},
		{Txid: fmt.Sprintf("%064x", 2), Vout: 1, Value: 80000, PkScript: f.buyer.acct.PkScript},
	}
	f.placeAsset(f.asset)

	f.svc, err = NewService(Config{
		Network:           common.ChainMainnet,
		PlatformAddress:   f.platform.acct.Address,
		BroadcastAttempts: 2,
		BroadcastDelay:    time.Millisecond,
	}, f.store, f.cache, f.indexer, f.bc)
	require.NoError(t, err)
	return f
}

func (f *fixture) placeAsset(u *common.Utxo) {
	f.indexer.set(&common.AtomicalState{
		AtomicalID: testAssetID,
		Type:       "NFT",
		Subtype:    common.SubtypeRealm,
		Locations: []*common.Location{
			{Txid: u.Txid, Vout: u.Vout, Script: hex.EncodeToString(u.PkScript), Value: u.Value},
		},
	})
}

func (f *fixture) list(t *testing.T) *store.Offer {
	ctx := context.Background()
	unsigned, err := PrepareListing(f.seller.acct, f.asset, testPrice, "")
	require.NoError(t, err)
	signed, err := SignListing(ctx, f.seller, unsigned)
	require.NoError(t, err)
	offer, err := f.svc.List(ctx, &ListRequest{Seller: f.seller.acct, AssetID: testAssetID, Price: testPrice, Psbt: signed})
	require.NoError(t, err)
	return offer
}

func (f *fixture) quoteAndSign(t *testing.T, offerID string) (*Quote, string) {
	ctx := context.Background()
	q, err := f.svc.Quote(ctx, &QuoteRequest{OfferID: offerID, Buyer: f.buyer.acct, FeeRate: 2, Utxos: f.utxos})
	require.NoError(t, err)
	signed, err := SignPurchase(ctx, f.buyer, q)
	require.NoError(t, err)
	return q, signed
}

func (f *fixture) confirm(offerID, signed string) (*ConfirmResult, error) {
	return f.svc.Confirm(context.Background(), &ConfirmRequest{
		OfferID: offerID, BuyerAddress: f.buyer.acct.Address, Psbt: signed,
	})
}

func (f *fixture) prevOuts() *txscript.MultiPrevOutFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, u := range append([]*common.Utxo{f.asset}, f.utxos...) {
		hash, _ := chainhash.NewHashFromStr(u.Txid)
		fetcher.AddPrevOut(*wire.NewOutPoint(hash, u.Vout), u.TxOut())
	}
	return fetcher
}

func TestSwap_EndToEnd(t *testing.T) {
	for _, buyerType := range []common.AddressType{common.AddressP2WPKH, common.AddressP2TR} {
		t.Run(buyerType.String(), func(t *testing.T) {
			f := newFixture(t, buyerType)
			offer := f.list(t)
			assert.Equal(t, OfferID(testAssetID, f.asset.Txid, 0), offer.ID)
			assert.Equal(t, store.StatusActive, offer.Status)
			assert.Equal(t, common.SubtypeRealm, offer.Subtype)

			q, signed := f.quoteAndSign(t, offer.ID)
			assert.Equal(t, int64(1500), q.ServiceFee)

			packet, err := txbuild.DecodePsbt(q.Psbt)
			require.NoError(t, err)
			tx := packet.UnsignedTx
			require.GreaterOrEqual(t, len(tx.TxOut), 3)
			assert.Equal(t, assetValue, tx.TxOut[0].Value)
			assert.Equal(t, f.buyer.acct.PkScript, tx.TxOut[0].PkScript)
			assert.Equal(t, testPrice, tx.TxOut[1].Value)
			assert.Equal(t, f.seller.acct.PkScript, tx.TxOut[1].PkScript)
			assert.Equal(t, int64(1500), tx.TxOut[2].Value)
			assert.Equal(t, f.platform.acct.PkScript, tx.TxOut[2].PkScript)
			if len(tx.TxOut) == 4 {
				assert.Equal(t, f.buyer.acct.PkScript, tx.TxOut[3].PkScript)
				assert.GreaterOrEqual(t, tx.TxOut[3].Value, common.DustLimit)
			}

			last := tx.TxIn[len(tx.TxIn)-1].PreviousOutPoint
			assert.Equal(t, f.asset.String(), fmt.Sprintf("%s:%d", last.Hash, last.Index))
			assert.Len(t, tx.TxIn, len(q.Inputs)+1)

			inValue, outValue := assetValue, int64(0)
			for _, u := range q.Inputs {
				inValue += u.Value
			}
			for _, out := range tx.TxOut {
				outValue += out.Value
			}
			assert.Equal(t, q.Fee, inValue-outValue)

			res, err := f.confirm(offer.ID, signed)
			require.NoError(t, err)

			sent := f.bc.sentTxs()
			require.Len(t, sent, 1)
			final, err := txbuild.DecodeTx(sent[0])
			require.NoError(t, err)
			assert.Equal(t, res.Txid, final.TxHash().String())

			// every input, the seller's included, must pass the script engine
			fetcher := f.prevOuts()
			sigHashes := txscript.NewTxSigHashes(final, fetcher)
			for i, in := range final.TxIn {
				prev := fetcher.FetchPrevOutput(in.PreviousOutPoint)
				vm, err := txscript.NewEngine(prev.PkScript, final, i, txscript.StandardVerifyFlags, nil,
					sigHashes, prev.Value, fetcher)
				require.NoError(t, err)
				require.NoError(t, vm.Execute(), "input %d", i)
			}

			settled, err := f.store.GetOffer(offer.ID)
			require.NoError(t, err)
			assert.Equal(t, store.StatusSettled, settled.Status)
			order, err := f.store.GetOrder(res.OrderID)
			require.NoError(t, err)
			assert.Equal(t, int64(1500), order.ServiceFee)
			assert.Equal(t, q.Fee, order.NetworkFee)
			assert.Equal(t, f.buyer.acct.Address, order.BuyerAddress)

			// the quote is good for one confirmation only
			_, err = f.confirm(offer.ID, signed)
			assert.ErrorIs(t, err, common.ErrQuoteExpired)
		})
	}
}

func TestSwap_RelistAfterSettle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, common.AddressP2WPKH)
	offer := f.list(t)
	_, signed := f.quoteAndSign(t, offer.ID)
	res, err := f.confirm(offer.ID, signed)
	require.NoError(t, err)

	// the indexer has not seen the spend yet, so the asset still sits at the old location
	unsigned, err := PrepareListing(f.seller.acct, f.asset, 200000, "")
	require.NoError(t, err)
	relisted, err := SignListing(ctx, f.seller, unsigned)
	require.NoError(t, err)
	_, err = f.svc.List(ctx, &ListRequest{Seller: f.seller.acct, AssetID: testAssetID, Price: 200000, Psbt: relisted})
	assert.ErrorIs(t, err, common.ErrOfferExists)

	got, err := f.store.GetOffer(offer.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSettled, got.Status)
	assert.Equal(t, testPrice, got.Price)
	order, err := f.store.GetOrder(res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, testPrice, order.Price)
}

func TestSwap_ConcurrentConfirm(t *testing.T) {
	f := newFixture(t, common.AddressP2WPKH)
	offer := f.list(t)
	_, signed := f.quoteAndSign(t, offer.ID)

	f.bc.entered = make(chan struct{})
	f.bc.release = make(chan struct{})

	var firstErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, firstErr = f.confirm(offer.ID, signed)
	}()
	<-f.bc.entered

	_, err := f.confirm(offer.ID, signed)
	assert.ErrorIs(t, err, common.ErrLockHeld)
	assert.Equal(t, common.ErrLockHeld.Code, common.CodeOf(err))

	close(f.bc.release)
	<-done
	require.NoError(t, firstErr)

	got, err := f.store.GetOffer(offer.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSettled, got.Status)
	_, total, err := f.store.ListOrders(0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestSwap_ConfirmRace(t *testing.T) {
	f := newFixture(t, common.AddressP2TR)
	offer := f.list(t)
	_, signed := f.quoteAndSign(t, offer.ID)

	var mu sync.Mutex
	wins := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.confirm(offer.ID, signed)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, common.ErrLockHeld) || errors.Is(err, common.ErrQuoteExpired), err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Len(t, f.bc.sentTxs(), 1)
}

func TestSwap_BroadcastDelayed(t *testing.T) {
	f := newFixture(t, common.AddressP2WPKH)
	offer := f.list(t)
	_, signed := f.quoteAndSign(t, offer.ID)

	f.bc.setErr(errors.New("-25: missing inputs"))
	res, err := f.confirm(offer.ID, signed)
	assert.ErrorIs(t, err, common.ErrBroadcastDelayed)
	require.NotNil(t, res)

	got, err := f.store.GetOffer(offer.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSettled, got.Status)

	pending, err := f.svc.ListPendingBroadcasts()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, res.Txid, pending[0].Txid)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.Contains(t, pending[0].LastError, "missing inputs")

	err = f.svc.Resubmit(context.Background(), res.Txid)
	assert.ErrorIs(t, err, common.ErrBroadcastDelayed)
	pending, _ = f.svc.ListPendingBroadcasts()
	assert.Equal(t, 3, pending[0].Attempts)

	f.bc.setErr(nil)
	n, err := f.svc.ResubmitAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	pending, err = f.svc.ListPendingBroadcasts()
	require.NoError(t, err)
	assert.Empty(t, pending)

	err = f.svc.Resubmit(context.Background(), res.Txid)
	assert.ErrorIs(t, err, common.ErrInvalidParams)
}

func TestSwap_ConfirmRejectsTampering(t *testing.T) {
	f := newFixture(t, common.AddressP2WPKH)
	offer := f.list(t)

	tamper := func(fn func(p *psbt.Packet)) error {
		_, signed := f.quoteAndSign(t, offer.ID)
		p, err := txbuild.DecodePsbt(signed)
		require.NoError(t, err)
		fn(p)
		hexStr, err := txbuild.EncodePsbt(p)
		require.NoError(t, err)
		_, err = f.confirm(offer.ID, hexStr)
		return err
	}

	err := tamper(func(p *psbt.Packet) { p.UnsignedTx.TxOut[1].Value-- })
	assert.ErrorIs(t, err, common.ErrPsbtMismatch)

	err = tamper(func(p *psbt.Packet) { p.UnsignedTx.TxOut[0].PkScript = f.platform.acct.PkScript })
	assert.ErrorIs(t, err, common.ErrPsbtMismatch)

	err = tamper(func(p *psbt.Packet) { p.Inputs[0].FinalScriptWitness = nil })
	assert.ErrorIs(t, err, common.ErrPsbtMismatch)

	err = tamper(func(p *psbt.Packet) {
		w := append([]byte(nil), p.Inputs[0].FinalScriptWitness...)
		w[10] ^= 0x01
		p.Inputs[0].FinalScriptWitness = w
	})
	assert.ErrorIs(t, err, common.ErrSignatureInvalid)

	// nothing above touched the offer
	got, err := f.store.GetOffer(offer.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, got.Status)
	assert.Empty(t, f.bc.sentTxs())

	_, err = f.confirm(offer.ID, "00")
	assert.ErrorIs(t, err, common.ErrQuoteExpired)
}

func TestSwap_RevalidationCancels(t *testing.T) {
	ctx := context.Background()

	t.Run("moved", func(t *testing.T) {
		f := newFixture(t, common.AddressP2WPKH)
		offer := f.list(t)
		f.placeAsset(&common.Utxo{Txid: fmt.Sprintf("%064x", 0xbeef), Vout: 0, Value: assetValue,
			PkScript: f.seller.acct.PkScript})

		_, err := f.svc.Quote(ctx, &QuoteRequest{OfferID: offer.ID, Buyer: f.buyer.acct, FeeRate: 2, Utxos: f.utxos})
		assert.ErrorIs(t, err, common.ErrOfferInvalidated)
		got, err := f.store.GetOffer(offer.ID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusCancelled, got.Status)
		assert.NotEmpty(t, got.Reason)

		_, err = f.svc.Quote(ctx, &QuoteRequest{OfferID: offer.ID, Buyer: f.buyer.acct, FeeRate: 2, Utxos: f.utxos})
		assert.ErrorIs(t, err, common.ErrOfferNotActive)
	})

	t.Run("owner changed", func(t *testing.T) {
		f := newFixture(t, common.AddressP2WPKH)
		offer := f.list(t)
		f.placeAsset(&common.Utxo{Txid: f.asset.Txid, Vout: 0, Value: assetValue, PkScript: f.buyer.acct.PkScript})

		_, err := f.svc.Validate(ctx, offer.ID)
		assert.ErrorIs(t, err, common.ErrOfferInvalidated)
		got, _ := f.store.GetOffer(offer.ID)
		assert.Equal(t, store.StatusCancelled, got.Status)
	})

	t.Run("request subtype", func(t *testing.T) {
		f := newFixture(t, common.AddressP2WPKH)
		offer := f.list(t)
		state, _ := f.indexer.GetState(ctx, testAssetID)
		state.Subtype = "request_realm"
		f.indexer.set(state)

		_, err := f.svc.Validate(ctx, offer.ID)
		assert.ErrorIs(t, err, common.ErrUnsupportedAsset)
		got, _ := f.store.GetOffer(offer.ID)
		assert.Equal(t, store.StatusCancelled, got.Status)
	})

	t.Run("indexer down keeps offer", func(t *testing.T) {
		f := newFixture(t, common.AddressP2WPKH)
		offer := f.list(t)
		f.indexer.fail(fmt.Errorf("%w: connection refused", common.ErrIndexerUnavailable))

		_, err := f.svc.Validate(ctx, offer.ID)
		assert.ErrorIs(t, err, common.ErrIndexerUnavailable)
		got, _ := f.store.GetOffer(offer.ID)
		assert.Equal(t, store.StatusActive, got.Status)
	})
}

func TestSwap_ListRejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, common.AddressP2WPKH)

	sign := func(unsigned string) string {
		signed, err := SignListing(ctx, f.seller, unsigned)
		require.NoError(t, err)
		return signed
	}
	unsigned, err := PrepareListing(f.seller.acct, f.asset, testPrice, "")
	require.NoError(t, err)
	good := sign(unsigned)

	_, err = PrepareListing(f.seller.acct, f.asset, 545, "")
	assert.ErrorIs(t, err, common.ErrPriceBelowDust)
	_, err = f.svc.List(ctx, &ListRequest{Seller: f.seller.acct, AssetID: testAssetID, Price: 100, Psbt: good})
	assert.ErrorIs(t, err, common.ErrPriceBelowDust)

	_, err = f.svc.List(ctx, &ListRequest{Seller: f.seller.acct, AssetID: testAssetID, Price: 90000, Psbt: good})
	assert.ErrorIs(t, err, common.ErrPsbtMismatch)

	// a testnet receiver on a mainnet market
	_, err = f.svc.List(ctx, &ListRequest{Seller: f.seller.acct, AssetID: testAssetID, Price: testPrice, Psbt: good,
		ReceiverAddress: "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx"})
	assert.ErrorIs(t, err, common.ErrInvalidParams)

	// signed over everything, so it would not survive the buyer's transaction
	p, err := txbuild.DecodePsbt(unsigned)
	require.NoError(t, err)
	p.Inputs[0].SighashType = txscript.SigHashDefault
	allHex, err := txbuild.EncodePsbt(p)
	require.NoError(t, err)
	_, err = f.svc.List(ctx, &ListRequest{Seller: f.seller.acct, AssetID: testAssetID, Price: testPrice, Psbt: sign(allHex)})
	assert.ErrorIs(t, err, common.ErrSignatureInvalid)

	// signed by someone else
	other := newTestWallet(t, 0x44, common.AddressP2TR)
	otherUnsigned, err := PrepareListing(other.acct, &common.Utxo{Txid: f.asset.Txid, Vout: 0, Value: assetValue,
		PkScript: f.seller.acct.PkScript}, testPrice, f.seller.acct.Address)
	require.NoError(t, err)
	p, err = txbuild.DecodePsbt(otherUnsigned)
	require.NoError(t, err)
	p.Inputs[0].WitnessUtxo = wire.NewTxOut(assetValue, other.acct.PkScript)
	forged, err := txbuild.EncodePsbt(p)
	require.NoError(t, err)
	forgedSigned, err := other.SignPsbt(ctx, forged, true)
	require.NoError(t, err)
	_, err = f.svc.List(ctx, &ListRequest{Seller: f.seller.acct, AssetID: testAssetID, Price: testPrice, Psbt: forgedSigned})
	assert.ErrorIs(t, err, common.ErrSignatureInvalid)

	// not the holder
	_, err = f.svc.List(ctx, &ListRequest{Seller: f.buyer.acct, AssetID: testAssetID, Price: testPrice, Psbt: good})
	assert.ErrorIs(t, err, common.ErrOfferInvalidated)

	_, err = f.svc.List(ctx, &ListRequest{Seller: f.seller.acct, AssetID: "unknown", Price: testPrice, Psbt: good})
	assert.ErrorIs(t, err, common.ErrUnsupportedAsset)

	require.True(t, f.cache.SetNX(listLockKey(testAssetID, f.seller.acct.Address), "other", time.Minute))
	_, err = f.svc.List(ctx, &ListRequest{Seller: f.seller.acct, AssetID: testAssetID, Price: testPrice, Psbt: good})
	assert.ErrorIs(t, err, common.ErrLockHeld)
	f.cache.Delete(listLockKey(testAssetID, f.seller.acct.Address))

	_, err = f.svc.List(ctx, &ListRequest{Seller: f.seller.acct, AssetID: testAssetID, Price: testPrice, Psbt: good})
	require.NoError(t, err)
	_, err = f.svc.List(ctx, &ListRequest{Seller: f.seller.acct, AssetID: testAssetID, Price: testPrice, Psbt: good})
	assert.ErrorIs(t, err, common.ErrOfferExists)
}

func TestSwap_Unlist(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, common.AddressP2WPKH)
	offer := f.list(t)
	pub := hex.EncodeToString(f.seller.acct.PublicKey)

	forged, err := SignUnlist(ctx, f.buyer, f.seller.acct, offer.ID)
	require.NoError(t, err)
	_, err = f.svc.Unlist(ctx, &UnlistRequest{OfferID: offer.ID, Address: f.seller.acct.Address, PublicKey: pub, Signature: forged})
	assert.ErrorIs(t, err, common.ErrSignatureInvalid)

	_, err = f.svc.Unlist(ctx, &UnlistRequest{OfferID: offer.ID, Address: f.buyer.acct.Address,
		PublicKey: hex.EncodeToString(f.buyer.acct.PublicKey), Signature: forged})
	assert.ErrorIs(t, err, common.ErrSignatureInvalid)

	sig, err := SignUnlist(ctx, f.seller, f.seller.acct, offer.ID)
	require.NoError(t, err)
	got, err := f.svc.Unlist(ctx, &UnlistRequest{OfferID: offer.ID, Address: f.seller.acct.Address, PublicKey: pub, Signature: sig})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, got.Status)
	assert.Equal(t, "unlisted", got.Reason)

	_, err = f.svc.Unlist(ctx, &UnlistRequest{OfferID: offer.ID, Address: f.seller.acct.Address, PublicKey: pub, Signature: sig})
	assert.ErrorIs(t, err, common.ErrOfferNotActive)

	_, err = f.svc.Unlist(ctx, &UnlistRequest{OfferID: "missing"})
	assert.ErrorIs(t, err, common.ErrOfferNotFound)
}

func TestVerifyMessage_ECDSA(t *testing.T) {
	ctx := context.Background()
	w := newTestWallet(t, 0x55, common.AddressP2WPKH)
	sig, err := SignUnlist(ctx, w, w.acct, "offer-1")
	require.NoError(t, err)

	require.NoError(t, verifyMessage(w.acct, UnlistMessage("offer-1", w.acct.Address), sig))
	assert.ErrorIs(t, verifyMessage(w.acct, UnlistMessage("offer-2", w.acct.Address), sig), common.ErrSignatureInvalid)
	assert.True(t, controlsAddress(w.acct))

	other := newTestWallet(t, 0x56, common.AddressP2WPKH)
	mixed := *w.acct
	mixed.PublicKey = other.acct.PublicKey
	assert.False(t, controlsAddress(&mixed))
}

func TestOfferID(t *testing.T) {
	a := OfferID("atom", fmt.Sprintf("%064x", 1), 0)
	assert.Len(t, a, 64)
	assert.Equal(t, a, OfferID("atom", fmt.Sprintf("%064x", 1), 0))
	assert.NotEqual(t, a, OfferID("atom", fmt.Sprintf("%064x", 1), 1))
	assert.NotEqual(t, a, OfferID("other", fmt.Sprintf("%064x", 1), 0))
}
