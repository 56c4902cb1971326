package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/NicolasHaas/byteswap/pkg/crypto"
	"github.com/NicolasHaas/byteswap/pkg/datastore"
	"github.com/NicolasHaas/byteswap/pkg/model"
)

// CreateUserWithToken registers a user and returns it with its raw token.
// Only the Argon2id hash is stored, so the token cannot be shown again.
func CreateUserWithToken(ctx context.Context, st datastore.DataProviderFactory, name string) (*model.User, string, error) {
	name = strings.TrimSpace(name)
	if err := model.ValidateName(name); err != nil {
		return nil, "", err
	}
	rawToken, err := crypto.GenerateToken()
	if err != nil {
		return nil, "", fmt.Errorf("server: generate token: %w", err)
	}
	hash, err := crypto.HashToken(rawToken)
	if err != nil {
		return nil, "", fmt.Errorf("server: hash token: %w", err)
	}
	user, err := st.NonTx().CreateUser(ctx, name, hash)
	if err != nil {
		return nil, "", fmt.Errorf("server: create user: %w", err)
	}
	return user, rawToken, nil
}
