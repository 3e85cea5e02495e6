package ledger

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// Signer holds the authority that pays for and signs make_move.
type Signer interface {
	PublicKey() solana.PublicKey
	SignTransaction(tx *solana.Transaction) error
}

type KeySigner struct {
	key solana.PrivateKey
}

func NewKeySigner(key solana.PrivateKey) *KeySigner {
	return &KeySigner{key: key}
}

func (k *KeySigner) PublicKey() solana.PublicKey {
	return k.key.PublicKey()
}

func (k *KeySigner) SignTransaction(tx *solana.Transaction) error {
	pub := k.key.PublicKey()
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(pub) {
			return &k.key
		}
		return nil
	})
	return err
}

// ParseAuthority accepts a base58 secret key.
func ParseAuthority(raw string) (solana.PrivateKey, error) {
	key, err := solana.PrivateKeyFromBase58(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("authority key: %w", err)
	}
	if len(key) != 64 {
		return nil, fmt.Errorf("authority key: want 64 bytes, got %d", len(key))
	}
	return key, nil
}

// LoadAuthorityFile reads a keypair written by solana-keygen.
func LoadAuthorityFile(path string) (solana.PrivateKey, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("authority keypair %s: %w", path, err)
	}
	return key, nil
}
