package electrumx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sat20-labs/atomicals-market/common"
)

const (
	methodGetState     = "blockchain.atomicals.get_state"
	methodGetTxHistory = "blockchain.atomicals.get_tx_history"
	methodBroadcast    = "blockchain.transaction.broadcast"
)

// Client talks to an ElectrumX json proxy: POST <base>/<method> with
// {"params": [...]}.
type Client struct {
	client *resty.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json")
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	return &Client{client: c}
}

type request struct {
	Params []interface{} `json:"params"`
}

type response struct {
	Success  bool            `json:"success"`
	Response json.RawMessage `json:"response"`
	Message  string          `json:"message"`
}

type stateResult struct {
	Result *struct {
		AtomicalID string `json:"atomical_id"`
		Type       string `json:"type"`
		Subtype    string `json:"subtype"`
		Location   []*struct {
			Txid   string `json:"txid"`
			Index  uint32 `json:"index"`
			Script string `json:"script"`
			Value  int64  `json:"value"`
		} `json:"location_info"`
	} `json:"result"`
}

type historyResult struct {
	Result *struct {
		History []*common.TxHistoryItem `json:"history"`
	} `json:"result"`
}

// call returns the response payload. Transport failures and 5xx answers
// wrap ErrIndexerUnavailable; a proxy reporting failure does not.
func (c *Client) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	var out response
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(&request{Params: params}).
		SetResult(&out).
		Post("/" + method)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", common.ErrIndexerUnavailable, method, err)
	}
	if resp.StatusCode() >= 500 {
		return nil, fmt.Errorf("%w: %s: http %d", common.ErrIndexerUnavailable, method, resp.StatusCode())
	}
	if !out.Success {
		msg := out.Message
		if msg == "" {
			msg = resp.String()
		}
		return nil, fmt.Errorf("%s failed: %s", method, msg)
	}
	return out.Response, nil
}

func (c *Client) GetState(ctx context.Context, atomicalID string) (*common.AtomicalState, error) {
	raw, err := c.call(ctx, methodGetState, atomicalID, 0)
	if err != nil {
		return nil, err
	}
	var res stateResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("%w: decode state: %v", common.ErrIndexerUnavailable, err)
	}
	if res.Result == nil {
		return nil, fmt.Errorf("%w: %s not indexed", common.ErrUnsupportedAsset, atomicalID)
	}

	state := &common.AtomicalState{
		AtomicalID: res.Result.AtomicalID,
		Type:       res.Result.Type,
		Subtype:    res.Result.Subtype,
	}
	for _, loc := range res.Result.Location {
		state.Locations = append(state.Locations, &common.Location{
			Txid:   loc.Txid,
			Vout:   loc.Index,
			Script: loc.Script,
			Value:  loc.Value,
		})
	}
	return state, nil
}

func (c *Client) GetTxHistory(ctx context.Context, atomicalID string) ([]*common.TxHistoryItem, error) {
	raw, err := c.call(ctx, methodGetTxHistory, atomicalID)
	if err != nil {
		return nil, err
	}
	var res historyResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("%w: decode history: %v", common.ErrIndexerUnavailable, err)
	}
	if res.Result == nil {
		return nil, nil
	}
	return res.Result.History, nil
}

func (c *Client) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	raw, err := c.call(ctx, methodBroadcast, rawTxHex)
	if err != nil {
		return "", err
	}
	var txid string
	if err := json.Unmarshal(raw, &txid); err != nil {
		return "", fmt.Errorf("decode broadcast result: %v", err)
	}
	return txid, nil
}
