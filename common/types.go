package common

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

type AddressType int

const (
	AddressUnknown AddressType = iota
	AddressP2PKH
	AddressP2SH
	AddressP2WPKH
	AddressP2WSH
	AddressP2TR
)

func (t AddressType) String() string {
	switch t {
	case AddressP2PKH:
		return "p2pkh"
	case AddressP2SH:
		return "p2sh"
	case AddressP2WPKH:
		return "p2wpkh"
	case AddressP2WSH:
		return "p2wsh"
	case AddressP2TR:
		return "p2tr"
	}
	return "unknown"
}

// Utxo is a spendable transaction output.
type Utxo struct {
	Txid     string `json:"txid"`
	Vout     uint32 `json:"vout"`
	Value    int64  `json:"value"`
	PkScript []byte `json:"pkScript"`
}

func (u *Utxo) String() string {
	return fmt.Sprintf("%s:%d", u.Txid, u.Vout)
}

func (u *Utxo) OutPoint() (*wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(u.Txid)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %s: %v", u.Txid, err)
	}
	return wire.NewOutPoint(hash, u.Vout), nil
}

func (u *Utxo) TxOut() *wire.TxOut {
	return wire.NewTxOut(u.Value, u.PkScript)
}

// PaymentTarget is an output a transaction under construction must contain.
type PaymentTarget struct {
	PkScript []byte `json:"pkScript"`
	Value    int64  `json:"value"`
}

func (p *PaymentTarget) TxOut() *wire.TxOut {
	return wire.NewTxOut(p.Value, p.PkScript)
}

// Account is a connected wallet identity. It is created once per connection
// and passed to every operation that needs it.
type Account struct {
	Address   string
	Network   string
	Type      AddressType
	PkScript  []byte
	PublicKey []byte
}

func NewAccount(address, publicKeyHex, network string) (*Account, error) {
	pkScript, err := AddrToPkScript(address, network)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %v", address, err)
	}
	acct := &Account{
		Address:  address,
		Network:  network,
		Type:     AddressTypeOfScript(pkScript),
		PkScript: pkScript,
	}
	if publicKeyHex != "" {
		pub, err := hex.DecodeString(publicKeyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid public key: %v", err)
		}
		switch len(pub) {
		case schnorr.PubKeyBytesLen:
			_, err = schnorr.ParsePubKey(pub)
		default:
			_, err = btcec.ParsePubKey(pub)
		}
		if err != nil {
			return nil, fmt.Errorf("invalid public key: %v", err)
		}
		acct.PublicKey = pub
	}
	return acct, nil
}

// NewAccountFromKey derives the account a public key controls for the given
// address type. Only key-hash and taproot key-path types are derivable.
func NewAccountFromKey(pub *btcec.PublicKey, addrType AddressType, network string) (*Account, error) {
	params, err := ChainParams(network)
	if err != nil {
		return nil, err
	}
	var addr btcutil.Address
	switch addrType {
	case AddressP2PKH:
		addr, err = btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), params)
	case AddressP2WPKH:
		addr, err = btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), params)
	case AddressP2SH:
		var redeem []byte
		redeem, err = P2WPKHScript(pub)
		if err == nil {
			addr, err = btcutil.NewAddressScriptHash(redeem, params)
		}
	case AddressP2TR:
		outputKey := txscript.ComputeTaprootKeyNoScript(pub)
		addr, err = btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), params)
	default:
		return nil, fmt.Errorf("unsupported address type %s", addrType)
	}
	if err != nil {
		return nil, err
	}
	return NewAccount(addr.EncodeAddress(), hex.EncodeToString(pub.SerializeCompressed()), network)
}

// P2WPKHScript is the witness program a nested-segwit account redeems.
func P2WPKHScript(pub *btcec.PublicKey) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(btcutil.Hash160(pub.SerializeCompressed())).
		Script()
}

func (a *Account) IsTaproot() bool {
	return a.Type == AddressP2TR
}

// SchnorrKey returns the x-only key used to verify schnorr signatures of a
// taproot account.
func (a *Account) SchnorrKey() (*btcec.PublicKey, error) {
	switch len(a.PublicKey) {
	case 0:
		return nil, fmt.Errorf("account %s has no public key", a.Address)
	case schnorr.PubKeyBytesLen:
		return schnorr.ParsePubKey(a.PublicKey)
	default:
		return schnorr.ParsePubKey(a.PublicKey[1:])
	}
}

func (a *Account) ECDSAKey() (*btcec.PublicKey, error) {
	if len(a.PublicKey) == 0 {
		return nil, fmt.Errorf("account %s has no public key", a.Address)
	}
	return btcec.ParsePubKey(a.PublicKey)
}
