package wire

import (
	"github.com/sat20-labs/atomicals-market/bitwork"
	"github.com/sat20-labs/atomicals-market/common"
	"github.com/sat20-labs/atomicals-market/mint"
)

type HealthStatusResp struct {
	Status   string `json:"status" example:"ok"`
	Version  string `json:"version" example:"0.1.0"`
	StoreVer string `json:"storeVersion" example:"1.0.0"`
	Network  string `json:"network" example:"mainnet"`
	Running  int    `json:"running" example:"0"`
}

type CreateOfferReq struct {
	SellerAddress   string `json:"sellerAddress" binding:"required"`
	SellerPublicKey string `json:"sellerPublicKey" binding:"required"`
	AssetID         string `json:"assetId" binding:"required"`
	ReceiverAddress string `json:"receiverAddress"`
	Price           int64  `json:"price" binding:"required"`
	Psbt            string `json:"psbt" binding:"required"`
}

// Offer is the public view of an offer. The seller's signed fragment is
// never served.
type Offer struct {
	ID              string `json:"id"`
	AssetID         string `json:"assetId"`
	Subtype         string `json:"subtype"`
	SellerAddress   string `json:"sellerAddress"`
	ReceiverAddress string `json:"receiverAddress"`
	Price           int64  `json:"price"`
	ServiceFee      int64  `json:"serviceFee"`
	Utxo            string `json:"utxo"`
	Value           int64  `json:"value"`
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
	CreatedAt       int64  `json:"createdAt"`
	UpdatedAt       int64  `json:"updatedAt"`
}

type OffersReq struct {
	Status string `form:"status"`
	Start  int    `form:"start"`
	Limit  int    `form:"limit"`
}

type OffersResp struct {
	ListResp
	Offers []*Offer `json:"offers"`
}

type QuoteReq struct {
	OfferID         string         `json:"offerId" binding:"required"`
	BuyerAddress    string         `json:"buyerAddress" binding:"required"`
	BuyerPublicKey  string         `json:"buyerPublicKey"`
	ReceiverAddress string         `json:"receiverAddress"`
	FeeRate         float64        `json:"feeRate" binding:"required"`
	Utxos           []*common.Utxo `json:"utxos" binding:"required"`
}

type BuyReq struct {
	OfferID      string `json:"offerId" binding:"required"`
	BuyerAddress string `json:"buyerAddress" binding:"required"`
	Psbt         string `json:"psbt" binding:"required"`
}

type UnlistReq struct {
	OfferID   string `json:"offerId" binding:"required"`
	Address   string `json:"address" binding:"required"`
	PublicKey string `json:"publicKey" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

type BitworkCheckReq struct {
	Bitwork string `json:"bitwork" binding:"required"`
	Digest  string `json:"digest"`
	Safety  bool   `json:"safety"`
}

type BitworkCheckResp struct {
	*bitwork.Spec
	Difficulty float64 `json:"difficulty"`
	Satisfied  *bool   `json:"satisfied,omitempty"`
}

type MintBuildReq struct {
	Op                string                 `json:"op" binding:"required"`
	Payload           map[string]interface{} `json:"payload"`
	Address           string                 `json:"address" binding:"required"`
	PublicKey         string                 `json:"publicKey" binding:"required"`
	FeeRate           float64                `json:"feeRate" binding:"required"`
	Utxos             []*common.Utxo         `json:"utxos" binding:"required"`
	Anchor            *common.Utxo           `json:"anchor,omitempty"`
	Bitwork           string                 `json:"bitwork,omitempty"`
	RevealOutputValue int64                  `json:"revealOutputValue"`
}

type MintJob struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Tried  uint64       `json:"tried"`
	Total  uint64       `json:"total"`
	Result *mint.Result `json:"result,omitempty"`
	// Code and Msg describe why a job failed.
	Code      int    `json:"code,omitempty"`
	Msg       string `json:"msg,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}
