package store

import (
	"time"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusSettled   Status = "settled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCancelled, StatusSettled:
		return true
	}
	return false
}

// Offer is a listing of one asset-bearing output. Psbt is the seller's
// signed fragment: one input spending the asset, one output paying Price to
// ReceiverAddress.
type Offer struct {
	ID              string `json:"id" msgpack:"id"`
	AssetID         string `json:"assetId" msgpack:"asset_id"`
	Subtype         string `json:"subtype" msgpack:"subtype"`
	SellerAddress   string `json:"sellerAddress" msgpack:"seller_address"`
	SellerPublicKey string `json:"sellerPublicKey" msgpack:"seller_public_key"`
	ReceiverAddress string `json:"receiverAddress" msgpack:"receiver_address"`
	Price           int64  `json:"price" msgpack:"price"`
	Txid            string `json:"txid" msgpack:"txid"`
	Vout            uint32 `json:"vout" msgpack:"vout"`
	Value           int64  `json:"value" msgpack:"value"`
	Script          string `json:"script" msgpack:"script"`
	Psbt            string `json:"psbt" msgpack:"psbt"`
	Status          Status `json:"status" msgpack:"status"`
	Reason          string `json:"reason,omitempty" msgpack:"reason"`
	CreatedAt       int64  `json:"createdAt" msgpack:"created_at"`
	UpdatedAt       int64  `json:"updatedAt" msgpack:"updated_at"`
}

// Order records a settled offer.
type Order struct {
	ID            string `json:"id" msgpack:"id"`
	OfferID       string `json:"offerId" msgpack:"offer_id"`
	AssetID       string `json:"assetId" msgpack:"asset_id"`
	Txid          string `json:"txid" msgpack:"txid"`
	RawTx         string `json:"rawTx" msgpack:"raw_tx"`
	BuyerAddress  string `json:"buyerAddress" msgpack:"buyer_address"`
	SellerAddress string `json:"sellerAddress" msgpack:"seller_address"`
	Price         int64  `json:"price" msgpack:"price"`
	ServiceFee    int64  `json:"serviceFee" msgpack:"service_fee"`
	NetworkFee    int64  `json:"networkFee" msgpack:"network_fee"`
	CreatedAt     int64  `json:"createdAt" msgpack:"created_at"`
}

// PendingBroadcast is a settled transaction the network has not accepted yet.
type PendingBroadcast struct {
	Txid      string `json:"txid" msgpack:"txid"`
	OfferID   string `json:"offerId" msgpack:"offer_id"`
	RawTx     string `json:"rawTx" msgpack:"raw_tx"`
	LastError string `json:"lastError" msgpack:"last_error"`
	Attempts  int    `json:"attempts" msgpack:"attempts"`
	CreatedAt int64  `json:"createdAt" msgpack:"created_at"`
	UpdatedAt int64  `json:"updatedAt" msgpack:"updated_at"`
}

// Store persists offers, orders and pending broadcasts. Status changes are
// guarded by a precondition on the current status.
type Store interface {
	// CreateOffer inserts offer, replacing a previous listing of the same id
	// that is no longer active. It fails with ErrOfferExists otherwise.
	CreateOffer(offer *Offer) error
	GetOffer(id string) (*Offer, error)
	// ListOffers returns offers newest first. An empty status matches all.
	ListOffers(status Status, start, limit int) ([]*Offer, int, error)
	// UpdateOfferStatus moves an offer from one status to another, failing
	// with ErrOfferNotActive when the current status is not from.
	UpdateOfferStatus(id string, from, to Status, reason string) error
	// SettleOffer moves an active offer to settled and records order in one step.
	SettleOffer(id string, order *Order) error
	GetOrder(id string) (*Order, error)
	ListOrders(start, limit int) ([]*Order, int, error)

	SavePendingBroadcast(p *PendingBroadcast) error
	ListPendingBroadcasts() ([]*PendingBroadcast, error)
	DeletePendingBroadcast(txid string) error

	Close() error
}

func now() int64 {
	return time.Now().Unix()
}

func page(total, start, limit int) (int, int) {
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if limit > 0 && start+limit < total {
		end = start + limit
	}
	return start, end
}
