package credential

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/search-aggregator/internal/model"
)

// DefaultKeyName is used when a caller stores a key without naming it.
const DefaultKeyName = "default"

// ErrNoCredential means neither a principal key nor a shared key exists.
var ErrNoCredential = errors.New("no credential configured")

// Store persists encrypted credentials.
type Store interface {
	FindCredential(ctx context.Context, principalID int64, service model.ProviderID) (*model.ProviderCredential, error)
	ListCredentials(ctx context.Context, principalID int64) ([]model.ProviderCredential, error)
	UpsertCredential(ctx context.Context, cred *model.ProviderCredential) error
	DeleteCredential(ctx context.Context, principalID int64, service model.ProviderID, keyName string) (bool, error)
	TouchCredential(ctx context.Context, principalID int64, service model.ProviderID, keyName string, at time.Time) error
}

// Resolved is the key chosen for one provider call.
type Resolved struct {
	APIKey string
	// Owned is true when the key belongs to the principal.
	Owned   bool
	KeyName string
}

// Availability reports which kinds of key exist for a provider.
type Availability struct {
	OwnKey    bool `json:"own_key"`
	SharedKey bool `json:"shared_key"`
}

// Resolver picks the principal's own key when present, else the shared
// service key.
type Resolver struct {
	store  Store
	cipher Cipher
	shared map[model.ProviderID]string
	now    func() time.Time
}

// NewResolver creates a Resolver. shared maps providers to service-wide keys.
func NewResolver(store Store, c Cipher, shared map[model.ProviderID]string) *Resolver {
	keys := make(map[model.ProviderID]string, len(shared))
	for id, k := range shared {
		if k = strings.TrimSpace(k); k != "" {
			keys[id] = k
		}
	}
	return &Resolver{store: store, cipher: c, shared: keys, now: time.Now}
}

// Resolve returns the key to use for service. It returns ErrNoCredential
// when no key exists.
func (r *Resolver) Resolve(ctx context.Context, principalID int64, service model.ProviderID) (Resolved, error) {
	cred, err := r.store.FindCredential(ctx, principalID, service)
	if err != nil {
		return Resolved{}, eris.Wrapf(err, "credential: find %s", service)
	}
	if cred != nil {
		key, err := r.cipher.Decrypt(cred.Ciphertext)
		if err != nil {
			return Resolved{}, eris.Wrapf(err, "credential: decrypt %s/%s", service, cred.KeyName)
		}
		return Resolved{APIKey: key, Owned: true, KeyName: cred.KeyName}, nil
	}
	if key, ok := r.shared[service]; ok {
		return Resolved{APIKey: key}, nil
	}
	return Resolved{}, ErrNoCredential
}

// Touch records a use of a principal-owned key. Failures are logged only.
func (r *Resolver) Touch(ctx context.Context, principalID int64, service model.ProviderID, res Resolved) {
	if !res.Owned {
		return
	}
	if err := r.store.TouchCredential(ctx, principalID, service, res.KeyName, r.now().UTC()); err != nil {
		zap.L().Warn("credential: touch failed",
			zap.Int64("principal_id", principalID),
			zap.String("service", string(service)),
			zap.Error(err),
		)
	}
}

// Put encrypts apiKey and stores it under (principal, service, keyName).
func (r *Resolver) Put(ctx context.Context, principalID int64, service model.ProviderID, keyName, apiKey string) (*model.ProviderCredential, error) {
	keyName = strings.TrimSpace(keyName)
	if keyName == "" {
		keyName = DefaultKeyName
	}
	enc, err := r.cipher.Encrypt(apiKey)
	if err != nil {
		return nil, eris.Wrap(err, "credential: encrypt")
	}
	now := r.now().UTC().Truncate(time.Millisecond)
	cred := &model.ProviderCredential{
		PrincipalID: principalID,
		Service:     service,
		KeyName:     keyName,
		Ciphertext:  enc,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.UpsertCredential(ctx, cred); err != nil {
		return nil, eris.Wrap(err, "credential: put")
	}
	return cred, nil
}

// Delete removes a stored key. It reports whether a key was removed.
func (r *Resolver) Delete(ctx context.Context, principalID int64, service model.ProviderID, keyName string) (bool, error) {
	ok, err := r.store.DeleteCredential(ctx, principalID, service, keyName)
	if err != nil {
		return false, eris.Wrap(err, "credential: delete")
	}
	return ok, nil
}

// List returns the principal's stored keys without secret material.
func (r *Resolver) List(ctx context.Context, principalID int64) ([]model.ProviderCredential, error) {
	creds, err := r.store.ListCredentials(ctx, principalID)
	if err != nil {
		return nil, eris.Wrap(err, "credential: list")
	}
	return creds, nil
}

// Available reports key availability for every provider.
func (r *Resolver) Available(ctx context.Context, principalID int64) (map[model.ProviderID]Availability, error) {
	creds, err := r.List(ctx, principalID)
	if err != nil {
		return nil, err
	}
	out := make(map[model.ProviderID]Availability, len(model.AllProviders()))
	for _, id := range model.AllProviders() {
		_, shared := r.shared[id]
		out[id] = Availability{SharedKey: shared}
	}
	for _, c := range creds {
		a := out[c.Service]
		a.OwnKey = true
		out[c.Service] = a
	}
	return out, nil
}
