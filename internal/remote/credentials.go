package remote

import (
	"context"

	"github.com/kimhsiao/stockroom/backend/internal/crypto"
	apperrors "github.com/kimhsiao/stockroom/backend/internal/errors"
)

// TokenSettingKey is the settings key holding the sealed API token.
const TokenSettingKey = "remote.api_token"

// SettingsStore is the subset of the local store used for credentials.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string, v interface{}) (bool, error)
	SetSetting(ctx context.Context, key string, value interface{}) error
	DeleteSetting(ctx context.Context, key string) error
}

// SettingsToken reads the sealed API token from the settings collection on
// every request, so a token changed at runtime takes effect immediately.
type SettingsToken struct {
	store  SettingsStore
	sealer *crypto.Sealer
}

// NewSettingsToken creates a SettingsToken.
func NewSettingsToken(store SettingsStore, sealer *crypto.Sealer) *SettingsToken {
	return &SettingsToken{store: store, sealer: sealer}
}

// Token implements TokenSource. A missing setting yields an empty token.
func (t *SettingsToken) Token(ctx context.Context) (string, error) {
	var sealed string
	ok, err := t.store.GetSetting(ctx, TokenSettingKey, &sealed)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCredentialsUnavailable, "read api token", err)
	}
	if !ok {
		return "", nil
	}
	token, err := t.sealer.Open(sealed)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCredentialsUnavailable, "unseal api token", err)
	}
	return token, nil
}

// Save seals token and stores it. An empty token removes the setting.
func (t *SettingsToken) Save(ctx context.Context, token string) error {
	if token == "" {
		return t.store.DeleteSetting(ctx, TokenSettingKey)
	}
	sealed, err := t.sealer.Seal(token)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "seal api token", err)
	}
	return t.store.SetSetting(ctx, TokenSettingKey, sealed)
}
