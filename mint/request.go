package mint

import (
	"fmt"

	"github.com/sat20-labs/atomicals-market/bitwork"
	"github.com/sat20-labs/atomicals-market/common"
)

// Atomicals operations a commit/reveal pair can carry.
const (
	OpNFT  = "nft"
	OpFT   = "ft"
	OpDFT  = "dft"
	OpDMT  = "dmt"
	OpMod  = "mod"
	OpEvt  = "evt"
	OpSeal = "sl"
)

var supportedOps = map[string]bool{
	OpNFT: true, OpFT: true, OpDFT: true, OpDMT: true, OpMod: true, OpEvt: true, OpSeal: true,
}

// Request describes a commit/reveal pair to build. Anchor is an existing
// output spent by the reveal next to the commit, such as an atomical being
// modified; its value is carried to the reveal output.
type Request struct {
	Op                string                 `json:"op"`
	Payload           map[string]interface{} `json:"payload"`
	Network           string                 `json:"network"`
	Account           *common.Account        `json:"-"`
	FeeRate           float64                `json:"feeRate"`
	Utxos             []*common.Utxo         `json:"utxos"`
	Anchor            *common.Utxo           `json:"anchor,omitempty"`
	Bitwork           string                 `json:"bitwork,omitempty"`
	RevealOutputValue int64                  `json:"revealOutputValue"`
}

// Result holds the winning pair. Both transactions are unsigned; the commit
// psbt and reveal psbt carry what a wallet needs to sign them.
type Result struct {
	CommitTxid    string `json:"commitTxid"`
	CommitTxHex   string `json:"commitTxHex"`
	CommitPsbt    string `json:"commitPsbt"`
	CommitAddress string `json:"commitAddress"`
	CommitValue   int64  `json:"commitValue"`
	CommitFee     int64  `json:"commitFee"`
	RevealTxHex   string `json:"revealTxHex"`
	RevealPsbt    string `json:"revealPsbt"`
	RevealFee     int64  `json:"revealFee"`
	RevealScript  string `json:"revealScript"`
	ControlBlock  string `json:"controlBlock"`
	Sequence      uint32 `json:"sequence"`
	Bitwork       string `json:"bitwork,omitempty"`
	Tried         uint64 `json:"tried"`
}

func (r *Request) validate() (*bitwork.Spec, error) {
	if r.Account == nil {
		return nil, fmt.Errorf("%w: missing account", common.ErrInvalidParams)
	}
	if len(r.Account.PublicKey) == 0 {
		return nil, fmt.Errorf("%w: account has no public key", common.ErrInvalidParams)
	}
	if r.Network == "" {
		r.Network = r.Account.Network
	}
	if r.Network != r.Account.Network {
		return nil, fmt.Errorf("%w: account is on %s, request on %s", common.ErrInvalidParams,
			r.Account.Network, r.Network)
	}
	if !supportedOps[r.Op] {
		return nil, fmt.Errorf("%w: unsupported op %q", common.ErrInvalidParams, r.Op)
	}
	if r.FeeRate <= 0 {
		return nil, fmt.Errorf("%w: fee rate %v", common.ErrInvalidParams, r.FeeRate)
	}
	if r.RevealOutputValue == 0 {
		r.RevealOutputValue = common.DustLimit
	}
	if r.RevealOutputValue < common.DustLimit {
		return nil, fmt.Errorf("%w: reveal output %d", common.ErrPriceBelowDust, r.RevealOutputValue)
	}
	if r.Anchor != nil && r.Anchor.Value < common.DustLimit {
		return nil, fmt.Errorf("%w: anchor value %d", common.ErrInvalidParams, r.Anchor.Value)
	}

	if r.Bitwork == "" {
		return nil, nil
	}
	spec, err := bitwork.Parse(r.Bitwork, true)
	if err != nil {
		return nil, err
	}
	// the commit txid must not change when the wallet signs
	if r.Account.Type == common.AddressP2PKH {
		return nil, fmt.Errorf("%w: bitwork needs a segwit funding account", common.ErrInvalidParams)
	}
	return spec, nil
}

// withBitwork records the target in the payload args the way indexers read it.
func (r *Request) withBitwork(spec *bitwork.Spec) map[string]interface{} {
	payload := make(map[string]interface{}, len(r.Payload)+1)
	for k, v := range r.Payload {
		payload[k] = v
	}
	if spec == nil {
		return payload
	}
	args := map[string]interface{}{}
	if old, ok := payload["args"].(map[string]interface{}); ok {
		for k, v := range old {
			args[k] = v
		}
	}
	args["bitworkc"] = spec.String()
	payload["args"] = args
	return payload
}
