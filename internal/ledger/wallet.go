package ledger

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wallet signs keeper transactions for one chain.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  gethtypes.Signer
}

// NewWallet parses a hex private key (0x prefix optional).
func NewWallet(privateKeyHex string, chainID int64) (*Wallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Wallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		signer:  gethtypes.LatestSignerForChainID(big.NewInt(chainID)),
	}, nil
}

// Address returns the keeper's account.
func (w *Wallet) Address() common.Address { return w.address }

// Sign signs a transaction for the configured chain.
func (w *Wallet) Sign(tx *gethtypes.Transaction) (*gethtypes.Transaction, error) {
	signed, err := gethtypes.SignTx(tx, w.signer, w.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed, nil
}
