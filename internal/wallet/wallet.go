package wallet

import (
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
	"github.com/pkg/errors"

	"github.com/betbot/pairbot/pkg/config"
)

// DefaultDerivationPath is the standard first account of an Ethereum
// mnemonic wallet.
const DefaultDerivationPath = "m/44'/60'/0'/0/0"

// Wallet is the loaded trading key.
type Wallet struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

// Load resolves the signing key from configuration: an explicit hex private
// key wins, otherwise the mnemonic's first account is derived.
func Load(cfg config.WalletConfig) (*Wallet, error) {
	if cfg.PrivateKey != "" {
		return fromHex(cfg.PrivateKey)
	}
	if cfg.Mnemonic != "" {
		return fromMnemonic(cfg.Mnemonic)
	}
	return nil, errors.New("wallet config has neither private key nor mnemonic")
}

func fromHex(hexKey string) (*Wallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}
	return &Wallet{
		Key:     key,
		Address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func fromMnemonic(mnemonic string) (*Wallet, error) {
	hd, err := hdwallet.NewFromMnemonic(strings.TrimSpace(mnemonic))
	if err != nil {
		return nil, errors.Wrap(err, "parse mnemonic")
	}
	path := hdwallet.MustParseDerivationPath(DefaultDerivationPath)
	account, err := hd.Derive(path, false)
	if err != nil {
		return nil, errors.Wrap(err, "derive account")
	}
	key, err := hd.PrivateKey(account)
	if err != nil {
		return nil, errors.Wrap(err, "derive private key")
	}
	return &Wallet{
		Key:     key,
		Address: account.Address,
	}, nil
}
