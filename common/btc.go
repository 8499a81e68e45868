package common

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

const (
	ChainMainnet = "mainnet"
	ChainTestnet = "testnet"
	ChainSignet  = "signet"
	ChainRegtest = "regtest"
)

func ChainParams(chain string) (*chaincfg.Params, error) {
	switch chain {
	case ChainMainnet, "":
		return &chaincfg.MainNetParams, nil
	case ChainTestnet:
		return &chaincfg.TestNet3Params, nil
	case ChainSignet:
		return &chaincfg.SigNetParams, nil
	case ChainRegtest:
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("invalid chain: %s", chain)
}

func PkScriptToAddr(pkScript []byte, chain string) (string, error) {
	chainParams, err := ChainParams(chain)
	if err != nil {
		return "", err
	}
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, chainParams)
	if err != nil {
		return "", err
	}

	if len(addrs) == 0 {
		return "", fmt.Errorf("no address")
	}
	return addrs[0].EncodeAddress(), nil
}

func PkScriptHexToAddr(pkScriptHex string, chain string) (string, error) {
	pkScript, err := hex.DecodeString(pkScriptHex)
	if err != nil {
		return "", err
	}
	return PkScriptToAddr(pkScript, chain)
}

// DecodeAddress decodes addr and requires it to belong to chain. btcutil
// takes the network from a segwit address's own prefix, so a mainnet address
// would otherwise decode fine on testnet.
func DecodeAddress(addr string, chain string) (btcutil.Address, error) {
	chainParams, err := ChainParams(chain)
	if err != nil {
		return nil, err
	}
	address, err := btcutil.DecodeAddress(addr, chainParams)
	if err != nil {
		return nil, err
	}
	if !address.IsForNet(chainParams) {
		return nil, fmt.Errorf("address %s is not for %s", addr, chainParams.Name)
	}
	return address, nil
}

func IsValidAddr(addr string, chain string) bool {
	_, err := DecodeAddress(addr, chain)
	return err == nil
}

func AddrToPkScript(addr string, chain string) ([]byte, error) {
	address, err := DecodeAddress(addr, chain)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(address)
}

// AddressTypeOfScript classifies an output script into the account types the
// size estimator and signature verifier distinguish.
func AddressTypeOfScript(pkScript []byte) AddressType {
	switch txscript.GetScriptClass(pkScript) {
	case txscript.PubKeyHashTy:
		return AddressP2PKH
	case txscript.ScriptHashTy:
		return AddressP2SH
	case txscript.WitnessV0PubKeyHashTy:
		return AddressP2WPKH
	case txscript.WitnessV0ScriptHashTy:
		return AddressP2WSH
	case txscript.WitnessV1TaprootTy:
		return AddressP2TR
	}
	return AddressUnknown
}
