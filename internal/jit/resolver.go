package jit

import (
	"context"
	"errors"
	"fmt"

	"github.com/lunzai/arguspam-sub003/internal/dbdriver"
)

// Cipher encrypts credentials at rest.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type adminAccountReader interface {
	GetAdminAccount(ctx context.Context, assetID int64) (Account, error)
}

// CredentialResolver loads and decrypts an asset's admin identity.
type CredentialResolver struct {
	accounts adminAccountReader
	cipher   Cipher
}

// NewCredentialResolver constructs a resolver.
func NewCredentialResolver(accounts adminAccountReader, cipher Cipher) *CredentialResolver {
	return &CredentialResolver{accounts: accounts, cipher: cipher}
}

// GetAdminCredentials returns the decrypted admin identity of asset.
func (r *CredentialResolver) GetAdminCredentials(ctx context.Context, asset Asset) (dbdriver.AdminCredentials, error) {
	if r == nil || r.accounts == nil || r.cipher == nil {
		return dbdriver.AdminCredentials{}, errors.New("jit: credential resolver not initialised")
	}
	acct, err := r.accounts.GetAdminAccount(ctx, asset.ID)
	if errors.Is(err, ErrNotFound) || (err == nil && !acct.IsActive) {
		return dbdriver.AdminCredentials{}, fmt.Errorf("%w: asset %d", ErrCredentialNotFound, asset.ID)
	}
	if err != nil {
		return dbdriver.AdminCredentials{}, err
	}
	password, err := r.cipher.Decrypt(acct.EncryptedPassword)
	if err != nil {
		return dbdriver.AdminCredentials{}, fmt.Errorf("jit: decrypt admin credential of asset %d: %w", asset.ID, err)
	}
	return dbdriver.AdminCredentials{
		Username:  acct.Username,
		Password:  password,
		Databases: acct.Databases,
	}, nil
}
