package bitcoin_rpc

import (
	"context"
	"fmt"
	"strings"

	"github.com/OLProtocol/go-bitcoind"
	"github.com/sat20-labs/atomicals-market/common"
)

type BitcoindRPC struct {
	bitcoind *bitcoind.Bitcoind
}

func NewBitcoindRPC(host string, port int, user, passwd string, useSSL bool) (*BitcoindRPC, error) {
	rpc, err := bitcoind.New(
		host,
		port,
		user,
		passwd,
		useSSL,
		120,
	)
	if err != nil {
		return nil, err
	}
	return &BitcoindRPC{bitcoind: rpc}, nil
}

func (p *BitcoindRPC) SendTx(signedTxHex string) (string, error) {
	return p.bitcoind.SendRawTransaction(signedTxHex, 0)
}

// Broadcaster submits finalized transactions through sendrawtransaction.
type Broadcaster struct {
	rpc RawTxSender
}

func NewBroadcaster(rpc RawTxSender) *Broadcaster {
	return &Broadcaster{rpc: rpc}
}

// Broadcast returns the node's txid. Connection failures wrap
// ErrIndexerUnavailable, node rejections are returned as is.
func (b *Broadcaster) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	type result struct {
		txid string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		txid, err := b.rpc.SendTx(rawTxHex)
		ch <- result{txid, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil {
			if isTransportError(r.err) {
				return "", fmt.Errorf("%w: sendrawtransaction: %v", common.ErrIndexerUnavailable, r.err)
			}
			return "", fmt.Errorf("sendrawtransaction: %v", r.err)
		}
		common.Log.Debugf("sendrawtransaction %s", r.txid)
		return r.txid, nil
	}
}

func isTransportError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "EOF")
}
