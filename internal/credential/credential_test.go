package credential

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/search-aggregator/internal/model"
	"github.com/sells-group/search-aggregator/internal/store"
)

var testKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

func TestAESCipher_RoundTrip(t *testing.T) {
	c, err := NewAESCipher(testKey)
	require.NoError(t, err)

	enc, err := c.Encrypt("sk-live-123")
	require.NoError(t, err)
	assert.NotContains(t, enc, "sk-live-123")

	enc2, err := c.Encrypt("sk-live-123")
	require.NoError(t, err)
	assert.NotEqual(t, enc, enc2, "nonce must differ per call")

	plain, err := c.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-123", plain)
}

func TestAESCipher_Tampered(t *testing.T) {
	c, err := NewAESCipher(testKey)
	require.NoError(t, err)

	enc, err := c.Encrypt("secret")
	require.NoError(t, err)
	raw, _ := base64.StdEncoding.DecodeString(enc)
	raw[len(raw)-1] ^= 0xff

	_, err = c.Decrypt(base64.StdEncoding.EncodeToString(raw))
	require.Error(t, err)

	_, err = c.Decrypt("not base64!")
	require.Error(t, err)

	_, err = c.Decrypt(base64.StdEncoding.EncodeToString([]byte("ab")))
	require.Error(t, err)
}

func TestNewAESCipher_BadKey(t *testing.T) {
	_, err := NewAESCipher(base64.StdEncoding.EncodeToString([]byte("short")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")

	_, err = NewAESCipher("%%%")
	require.Error(t, err)
}

// reverseCipher is a reversible stand-in for tests.
type reverseCipher struct{}

func (reverseCipher) Encrypt(s string) (string, error) { return "enc:" + reverse(s), nil }

func (reverseCipher) Decrypt(s string) (string, error) {
	if !strings.HasPrefix(s, "enc:") {
		return "", errors.New("bad ciphertext")
	}
	return reverse(strings.TrimPrefix(s, "enc:")), nil
}

func reverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

func newTestResolver(t *testing.T, shared map[model.ProviderID]string) (*Resolver, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "cred.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return NewResolver(st, reverseCipher{}, shared), st
}

func TestResolve_PrefersOwnKey(t *testing.T) {
	r, _ := newTestResolver(t, map[model.ProviderID]string{model.ProviderGoogle: "shared-g"})
	ctx := context.Background()

	res, err := r.Resolve(ctx, 42, model.ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "shared-g", res.APIKey)
	assert.False(t, res.Owned)

	_, err = r.Put(ctx, 42, model.ProviderGoogle, "", "mine")
	require.NoError(t, err)

	res, err = r.Resolve(ctx, 42, model.ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "mine", res.APIKey)
	assert.True(t, res.Owned)
	assert.Equal(t, DefaultKeyName, res.KeyName)
}

func TestResolve_NoCredential(t *testing.T) {
	r, _ := newTestResolver(t, map[model.ProviderID]string{model.ProviderYelp: "  "})

	_, err := r.Resolve(context.Background(), 42, model.ProviderYelp)
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestResolve_DecryptFailure(t *testing.T) {
	r, st := newTestResolver(t, nil)
	ctx := context.Background()

	require.NoError(t, st.UpsertCredential(ctx, &model.ProviderCredential{
		PrincipalID: 42, Service: model.ProviderYelp, KeyName: "broken", Ciphertext: "garbage",
	}))

	_, err := r.Resolve(ctx, 42, model.ProviderYelp)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoCredential)
}

func TestTouch_OnlyOwnedKeys(t *testing.T) {
	r, st := newTestResolver(t, map[model.ProviderID]string{model.ProviderGoogle: "shared"})
	ctx := context.Background()

	_, err := r.Put(ctx, 42, model.ProviderYelp, "work", "k")
	require.NoError(t, err)

	res, err := r.Resolve(ctx, 42, model.ProviderYelp)
	require.NoError(t, err)
	r.Touch(ctx, 42, model.ProviderYelp, res)
	r.Touch(ctx, 42, model.ProviderGoogle, Resolved{APIKey: "shared"})

	cred, err := st.GetCredential(ctx, 42, model.ProviderYelp, "work")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cred.UsageCount)
	assert.NotNil(t, cred.LastUsedAt)
}

func TestAvailableAndDelete(t *testing.T) {
	r, _ := newTestResolver(t, map[model.ProviderID]string{model.ProviderGoogle: "shared"})
	ctx := context.Background()

	_, err := r.Put(ctx, 42, model.ProviderYelp, "work", "k")
	require.NoError(t, err)

	avail, err := r.Available(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, Availability{SharedKey: true}, avail[model.ProviderGoogle])
	assert.Equal(t, Availability{OwnKey: true}, avail[model.ProviderYelp])
	assert.Equal(t, Availability{}, avail[model.ProviderOSM])

	ok, err := r.Delete(ctx, 42, model.ProviderYelp, "work")
	require.NoError(t, err)
	assert.True(t, ok)

	avail, err = r.Available(ctx, 42)
	require.NoError(t, err)
	assert.False(t, avail[model.ProviderYelp].OwnKey)
}
