package crypto

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/domatrade/internal/domain"
)

// Wallet is the keeper's signing identity.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewWallet wraps key.
func NewWallet(key *ecdsa.PrivateKey) *Wallet {
	return &Wallet{key: key, address: ethcrypto.PubkeyToAddress(key.PublicKey)}
}

// Key returns the private key for transaction signing.
func (w *Wallet) Key() *ecdsa.PrivateKey {
	return w.key
}

// Address returns the wallet address.
func (w *Wallet) Address() common.Address {
	return w.address
}

// SignMessage signs data as an EIP-191 personal message and returns the
// 0x-prefixed 65-byte signature with a 27/28 recovery byte.
func (w *Wallet) SignMessage(data []byte) (string, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash(data), w.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrSigningFailed, err)
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// RecoverSigner returns the address that produced sig over data with
// SignMessage.
func RecoverSigner(data []byte, sig string) (common.Address, error) {
	raw, err := hexutil.Decode(sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: decode signature: %w", err)
	}
	if len(raw) != 65 {
		return common.Address{}, fmt.Errorf("crypto: signature must be 65 bytes, got %d", len(raw))
	}
	raw[64] -= 27
	pub, err := ethcrypto.SigToPub(accounts.TextHash(data), raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: recover signer: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
