package swap

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/txscript"
	"github.com/decred/dcrd/lru"
	"github.com/pkg/errors"
	"github.com/sat20-labs/atomicals-market/cache"
	"github.com/sat20-labs/atomicals-market/common"
	"github.com/sat20-labs/atomicals-market/store"
)

var log = common.GetLoggerEntry("swap")

// ListingSigHashType is the sighash the seller signs the asset input with.
// It commits to the asset input alone, so the signature survives being
// spliced into the buyer's transaction. The seller payment is enforced by
// the service at confirmation.
const ListingSigHashType = txscript.SigHashNone | txscript.SigHashAnyOneCanPay

const (
	DefaultBroadcastAttempts = 3
	DefaultBroadcastDelay    = 2 * time.Second

	broadcastedCacheSize = 10000
)

type Config struct {
	Network            string
	PlatformAddress    string
	ServiceFeePermille int64
	MinServiceFee      int64
	ListLockTTL        time.Duration
	BuyLockTTL         time.Duration
	QuoteTTL           time.Duration
	BroadcastAttempts  uint
	BroadcastDelay     time.Duration
}

func (c *Config) setDefaults() {
	if c.Network == "" {
		c.Network = common.ChainMainnet
	}
	if c.ServiceFeePermille <= 0 {
		c.ServiceFeePermille = common.DefaultServiceFeePermille
	}
	if c.MinServiceFee <= 0 {
		c.MinServiceFee = common.DefaultMinServiceFee
	}
	if c.ListLockTTL <= 0 {
		c.ListLockTTL = common.DefaultListLockTTL
	}
	if c.BuyLockTTL <= 0 {
		c.BuyLockTTL = common.DefaultBuyLockTTL
	}
	if c.QuoteTTL <= 0 {
		c.QuoteTTL = common.DefaultQuoteTTL
	}
	if c.BroadcastAttempts == 0 {
		c.BroadcastAttempts = DefaultBroadcastAttempts
	}
	if c.BroadcastDelay < 0 {
		c.BroadcastDelay = 0
	}
}

// Service runs the offer lifecycle: list, quote, confirm and unlist.
type Service struct {
	cfg            Config
	platformScript []byte

	store       store.Store
	cache       cache.Cache
	indexer     common.ChainIndexer
	broadcaster common.Broadcaster

	// txids the network already accepted
	broadcasted lru.Cache
}

func NewService(cfg Config, st store.Store, c cache.Cache, indexer common.ChainIndexer,
	broadcaster common.Broadcaster) (*Service, error) {
	cfg.setDefaults()
	platformScript, err := common.AddrToPkScript(cfg.PlatformAddress, cfg.Network)
	if err != nil {
		return nil, errors.Wrapf(err, "platform address %s", cfg.PlatformAddress)
	}
	return &Service{
		cfg:            cfg,
		platformScript: platformScript,
		store:          st,
		cache:          c,
		indexer:        indexer,
		broadcaster:    broadcaster,
		broadcasted:    lru.NewCache(broadcastedCacheSize),
	}, nil
}

func (s *Service) Config() Config {
	return s.cfg
}

func (s *Service) ServiceFee(price int64) int64 {
	return common.ServiceFee(price, s.cfg.ServiceFeePermille, s.cfg.MinServiceFee)
}

// OfferID is derived from the asset and the outpoint holding it, so relisting
// the same asset at the same location yields the same id.
func OfferID(assetID, txid string, vout uint32) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", assetID, txid, vout)))
	return hex.EncodeToString(h[:])
}

func listLockKey(assetID, seller string) string {
	return "list:" + assetID + ":" + seller
}

func buyLockKey(offerID string) string {
	return "offer:lock:" + offerID
}

func quoteKey(offerID, buyer string) string {
	return "offer:quote:" + offerID + ":" + buyer
}

func (s *Service) GetOffer(id string) (*store.Offer, error) {
	return s.store.GetOffer(id)
}

func (s *Service) ListOffers(status store.Status, start, limit int) ([]*store.Offer, int, error) {
	if status != "" && !status.Valid() {
		return nil, 0, errors.Wrapf(common.ErrInvalidParams, "status %s", status)
	}
	return s.store.ListOffers(status, start, limit)
}

func (s *Service) GetOrder(id string) (*store.Order, error) {
	return s.store.GetOrder(id)
}

func (s *Service) ListOrders(start, limit int) ([]*store.Order, int, error) {
	return s.store.ListOrders(start, limit)
}

func (s *Service) ListPendingBroadcasts() ([]*store.PendingBroadcast, error) {
	return s.store.ListPendingBroadcasts()
}

func activeOffer(offer *store.Offer) error {
	if offer.Status != store.StatusActive {
		return errors.Wrapf(common.ErrOfferNotActive, "offer %s is %s", offer.ID, offer.Status)
	}
	return nil
}
