package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astrid-app/astrid-agent/internal/config"
	"github.com/astrid-app/astrid-agent/internal/errors"
	"github.com/astrid-app/astrid-agent/internal/store"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSignVerify_RoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte(`{"event":"session.started"}`),
		[]byte(""),
		[]byte("non-json \x00 bytes"),
	}
	ts := testNow.UnixMilli()

	for _, payload := range payloads {
		sig := Sign(payload, "s3cret", ts)
		assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, sig)
		assert.NoError(t, verifyAt(payload, sig, "s3cret", ts, time.Minute, testNow))
	}
}

func TestVerify_AnyByteChangeFails(t *testing.T) {
	payload := []byte(`{"taskId":"t1"}`)
	ts := testNow.UnixMilli()
	sig := Sign(payload, "s3cret", ts)

	for i := range payload {
		tampered := append([]byte(nil), payload...)
		tampered[i] ^= 0x01
		err := verifyAt(tampered, sig, "s3cret", ts, time.Minute, testNow)
		assert.ErrorIs(t, err, errors.ErrSignatureMismatch, "byte %d", i)
	}
}

func TestVerify_Failures(t *testing.T) {
	payload := []byte("body")
	ts := testNow.UnixMilli()
	sig := Sign(payload, "s3cret", ts)

	tests := []struct {
		name      string
		signature string
		secret    string
		timestamp int64
		maxAge    time.Duration
		want      error
	}{
		{"wrong secret", sig, "other", ts, time.Minute, errors.ErrSignatureMismatch},
		{"timestamp changed", sig, "s3cret", ts + 1, time.Minute, errors.ErrSignatureMismatch},
		{"not hex", "sha256=zz", "s3cret", ts, time.Minute, errors.ErrSignatureMismatch},
		{"empty secret", Sign(payload, "", ts), "", ts, time.Minute, errors.ErrSignatureMismatch},
		{"missing signature", "", "s3cret", ts, time.Minute, errors.ErrMissingSignature},
		{"missing timestamp", sig, "s3cret", 0, time.Minute, errors.ErrMissingSignature},
		{"too old", Sign(payload, "s3cret", ts-10_000), "s3cret", ts - 10_000, 5 * time.Second, errors.ErrTimestampExpired},
		{"too far ahead", Sign(payload, "s3cret", ts+10_000), "s3cret", ts + 10_000, 5 * time.Second, errors.ErrTimestampExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifyAt(payload, tt.signature, tt.secret, tt.timestamp, tt.maxAge, testNow)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerify_BareHexAccepted(t *testing.T) {
	ts := testNow.UnixMilli()
	sig := Sign([]byte("x"), "k", ts)
	assert.NoError(t, verifyAt([]byte("x"), sig[len("sha256="):], "k", ts, time.Minute, testNow))
}

func TestVerify_DefaultMaxAge(t *testing.T) {
	ts := testNow.Add(-4 * time.Minute).UnixMilli()
	sig := Sign([]byte("x"), "k", ts)
	assert.NoError(t, verifyAt([]byte("x"), sig, "k", ts, 0, testNow))

	ts = testNow.Add(-6 * time.Minute).UnixMilli()
	sig = Sign([]byte("x"), "k", ts)
	assert.ErrorIs(t, verifyAt([]byte("x"), sig, "k", ts, 0, testNow), errors.ErrTimestampExpired)
}

func TestVerifyAny(t *testing.T) {
	payload := []byte("body")
	ts := testNow.UnixMilli()

	t.Run("falls back to env secret", func(t *testing.T) {
		sig := Sign(payload, "env-secret", ts)
		source, err := verifyAnyAt(payload, sig, ts, time.Minute, testNow,
			Candidate{Source: SourceUser, Secret: "user-secret"},
			Candidate{Source: SourceEnv, Secret: "env-secret"},
		)
		require.NoError(t, err)
		assert.Equal(t, SourceEnv, source)
	})

	t.Run("prefers user secret", func(t *testing.T) {
		sig := Sign(payload, "user-secret", ts)
		source, err := verifyAnyAt(payload, sig, ts, time.Minute, testNow,
			Candidate{Source: SourceUser, Secret: "user-secret"},
			Candidate{Source: SourceEnv, Secret: "env-secret"},
		)
		require.NoError(t, err)
		assert.Equal(t, SourceUser, source)
	})

	t.Run("reports every source tried", func(t *testing.T) {
		sig := Sign(payload, "nobody", ts)
		_, err := verifyAnyAt(payload, sig, ts, time.Minute, testNow,
			Candidate{Source: SourceUser, Secret: "user-secret"},
			Candidate{Source: SourceEnv, Secret: "env-secret"},
		)
		var sigErr *errors.SignatureVerificationError
		require.True(t, errors.As(err, &sigErr))
		assert.Contains(t, err.Error(), "source=user,env")
		assert.ErrorIs(t, err, errors.ErrSignatureMismatch)
	})

	t.Run("no secrets configured", func(t *testing.T) {
		_, err := verifyAnyAt(payload, Sign(payload, "x", ts), ts, time.Minute, testNow)
		assert.Contains(t, err.Error(), "source=none")
	})

	t.Run("expired skips remaining candidates", func(t *testing.T) {
		old := testNow.Add(-time.Hour).UnixMilli()
		_, err := verifyAnyAt(payload, Sign(payload, "env-secret", old), old, time.Minute, testNow,
			Candidate{Source: SourceUser, Secret: "user-secret"},
			Candidate{Source: SourceEnv, Secret: "env-secret"},
		)
		assert.ErrorIs(t, err, errors.ErrTimestampExpired)
		assert.Contains(t, err.Error(), "source=user]")
	})
}

type countingSecrets struct {
	store.Secrets
	lookups atomic.Int32
}

func (c *countingSecrets) WebhookSecret(ctx context.Context, userID string) (string, error) {
	c.lookups.Add(1)
	return c.Secrets.WebhookSecret(ctx, userID)
}

func TestSecretResolver(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SetWebhookSecret(ctx, "u1", "user-secret"))
	secrets := &countingSecrets{Secrets: mem}

	r := NewSecretResolver(secrets, "env-secret", time.Minute, time.Hour)
	r.now = func() time.Time { return testNow }

	candidates, err := r.Candidates(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []Candidate{{SourceUser, "user-secret"}, {SourceEnv, "env-secret"}}, candidates)

	_, err = r.Candidates(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), secrets.lookups.Load(), "second lookup should hit the cache")

	require.NoError(t, mem.SetWebhookSecret(ctx, "u1", "rotated"))
	r.Invalidate("u1")
	candidates, err = r.Candidates(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "rotated", candidates[0].Secret)

	candidates, err = r.Candidates(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []Candidate{{SourceEnv, "env-secret"}}, candidates)
}

func TestSecretResolver_VerifyRequest(t *testing.T) {
	r := NewSecretResolver(nil, "env-secret", time.Minute, 0)
	r.now = func() time.Time { return testNow }
	body := []byte(`{"event":"session.progress"}`)

	h := http.Header{}
	SetHeaders(h, body, "env-secret", testNow)
	source, err := r.VerifyRequest(context.Background(), "u1", h, body)
	require.NoError(t, err)
	assert.Equal(t, SourceEnv, source)

	_, err = r.VerifyRequest(context.Background(), "u1", http.Header{}, body)
	assert.ErrorIs(t, err, errors.ErrMissingSignature)

	h.Set(TimestampHeader, "yesterday")
	_, err = r.VerifyRequest(context.Background(), "u1", h, body)
	assert.ErrorIs(t, err, errors.ErrMissingSignature)
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"event":"session.completed","timestamp":1,"sessionId":"s","taskId":"t1","data":{"prUrl":"https://x/pull/1"}}`))
	require.NoError(t, err)
	assert.Equal(t, EventCompleted, ev.Event)
	assert.Equal(t, "https://x/pull/1", ev.Data.PRURL)

	for _, body := range []string{`not json`, `{"event":"session.exploded","taskId":"t1"}`, `{"event":"session.started"}`} {
		_, err := ParseEvent([]byte(body))
		assert.ErrorIs(t, err, errors.ErrInvalidInput, body)
	}
}

func TestNotifier_Send(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts, err := strconv.ParseInt(r.Header.Get(TimestampHeader), 10, 64)
		require.NoError(t, err)
		assert.NoError(t, Verify(body, r.Header.Get(SignatureHeader), "s3cret", ts, time.Minute))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewNotifier(config.WebhookConfig{URL: srv.URL, Secret: "s3cret"}, nil)
	err := n.Send(context.Background(), Event{
		Event:     EventProgress,
		SessionID: "s1",
		TaskID:    "t1",
		Data:      &EventData{Message: "Reading files"},
	})
	require.NoError(t, err)
	assert.Equal(t, EventProgress, got.Event)
	assert.NotZero(t, got.Timestamp)
	assert.Equal(t, "Reading files", got.Data.Message)
}

func TestNotifier_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	n := NewNotifier(config.WebhookConfig{URL: srv.URL, Secret: "s3cret"}, nil)
	assert.Error(t, n.Send(context.Background(), Event{Event: EventStarted, TaskID: "t1"}))

	disabled := NewNotifier(config.WebhookConfig{}, nil)
	assert.False(t, disabled.Enabled())
	assert.NoError(t, disabled.Send(context.Background(), Event{Event: EventStarted}))
}

func TestVerifyAny_WallClock(t *testing.T) {
	payload := []byte(`{"event":"session.progress"}`)
	ts := time.Now().UnixMilli()
	sig := Sign(payload, "env-secret", ts)

	source, err := VerifyAny(payload, sig, ts, time.Minute,
		Candidate{Source: SourceUser, Secret: "user-secret"},
		Candidate{Source: SourceEnv, Secret: "env-secret"},
	)
	require.NoError(t, err)
	assert.Equal(t, SourceEnv, source)

	stale := time.Now().Add(-time.Hour).UnixMilli()
	_, err = VerifyAny(payload, Sign(payload, "env-secret", stale), stale, time.Minute,
		Candidate{Source: SourceEnv, Secret: "env-secret"},
	)
	assert.ErrorIs(t, err, errors.ErrTimestampExpired)
}
