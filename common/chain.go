package common

import "context"

// Location is where an atomical currently lives on chain.
type Location struct {
	Txid   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Script string `json:"script"`
	Value  int64  `json:"value"`
}

// AtomicalState is the subset of indexer state the market relies on.
type AtomicalState struct {
	AtomicalID string      `json:"atomical_id"`
	Type       string      `json:"type"`
	Subtype    string      `json:"subtype"`
	Locations  []*Location `json:"location_info"`
}

type TxHistoryItem struct {
	TxHash string `json:"tx_hash"`
	Height int64  `json:"height"`
}

// ChainIndexer resolves atomical state. Implementations return errors wrapping
// ErrIndexerUnavailable when the backend cannot be reached.
type ChainIndexer interface {
	GetState(ctx context.Context, atomicalID string) (*AtomicalState, error)
	GetTxHistory(ctx context.Context, atomicalID string) ([]*TxHistoryItem, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, rawTxHex string) (string, error)
}

type SignScheme string

const (
	SignSchemeECDSA   SignScheme = "ecdsa"
	SignSchemeSchnorr SignScheme = "bip322-simple"
)

// Signer is the wallet extension bridge. Calls may block on user interaction.
type Signer interface {
	SignPsbt(ctx context.Context, psbtHex string, autoFinalize bool) (string, error)
	SignMessage(ctx context.Context, text string, scheme SignScheme) (string, error)
}
