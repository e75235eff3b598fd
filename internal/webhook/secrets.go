package webhook

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/astrid-app/astrid-agent/internal/errors"
	"github.com/astrid-app/astrid-agent/internal/store"
)

// Secret sources reported in verification errors and logs.
const (
	SourceUser = "user"
	SourceEnv  = "env"
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = time.Minute
)

// SecretResolver looks up the per-user secret, cached briefly, and keeps the
// environment-level fallback so secrets can rotate without a cutover.
type SecretResolver struct {
	secrets  store.Secrets
	fallback string
	maxAge   time.Duration
	cache    *expirable.LRU[string, string]
	now      func() time.Time
}

// NewSecretResolver creates a resolver. secrets may be nil when only the
// fallback is in use; ttl <= 0 uses one minute.
func NewSecretResolver(secrets store.Secrets, fallback string, maxAge, ttl time.Duration) *SecretResolver {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &SecretResolver{
		secrets:  secrets,
		fallback: fallback,
		maxAge:   maxAge,
		cache:    expirable.NewLRU[string, string](defaultCacheSize, nil, ttl),
		now:      time.Now,
	}
}

// Candidates returns the secrets to try for userID, per-user first.
func (r *SecretResolver) Candidates(ctx context.Context, userID string) ([]Candidate, error) {
	var out []Candidate
	if userID != "" && r.secrets != nil {
		secret, ok := r.cache.Get(userID)
		if !ok {
			var err error
			secret, err = r.secrets.WebhookSecret(ctx, userID)
			if err != nil {
				return nil, err
			}
			r.cache.Add(userID, secret)
		}
		if secret != "" {
			out = append(out, Candidate{Source: SourceUser, Secret: secret})
		}
	}
	if r.fallback != "" {
		out = append(out, Candidate{Source: SourceEnv, Secret: r.fallback})
	}
	return out, nil
}

// Invalidate drops a cached per-user secret, for example after rotation.
func (r *SecretResolver) Invalidate(userID string) {
	r.cache.Remove(userID)
}

// VerifyRequest checks the signature headers of an inbound request body and
// returns the source of the secret that matched.
func (r *SecretResolver) VerifyRequest(ctx context.Context, userID string, h http.Header, body []byte) (string, error) {
	signature, timestamp, err := ParseHeaders(h)
	if err != nil {
		return "", errors.NewSignatureVerificationError("none", err)
	}
	candidates, err := r.Candidates(ctx, userID)
	if err != nil {
		return "", err
	}
	return verifyAnyAt(body, signature, timestamp, r.maxAge, r.now(), candidates...)
}
