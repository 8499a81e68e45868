package bitcoin_rpc

// RawTxSender is the part of a bitcoind client the broadcaster needs.
type RawTxSender interface {
	SendTx(signedTxHex string) (string, error)
}
