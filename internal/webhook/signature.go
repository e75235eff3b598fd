// Package webhook signs outbound runtime events and verifies inbound ones.
//
// A signature is HMAC-SHA256 over the raw body followed by the decimal
// millisecond timestamp, sent as
//
//	X-Astrid-Signature: sha256=<hex>
//	X-Astrid-Timestamp: <unix-ms>
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/astrid-app/astrid-agent/internal/errors"
)

const (
	SignatureHeader = "X-Astrid-Signature"
	TimestampHeader = "X-Astrid-Timestamp"

	signaturePrefix = "sha256="

	// DefaultMaxAge is the replay window when none is configured.
	DefaultMaxAge = 5 * time.Minute
)

// Sign returns the header value for payload signed with secret at timestamp
// (unix milliseconds).
func Sign(payload []byte, secret string, timestamp int64) string {
	return signaturePrefix + hex.EncodeToString(mac(payload, secret, timestamp))
}

func mac(payload []byte, secret string, timestamp int64) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	return h.Sum(nil)
}

// Verify checks signature against payload and secret and rejects timestamps
// further than maxAge from now in either direction. A non-positive maxAge
// uses DefaultMaxAge.
func Verify(payload []byte, signature, secret string, timestamp int64, maxAge time.Duration) error {
	return verifyAt(payload, signature, secret, timestamp, maxAge, time.Now())
}

func verifyAt(payload []byte, signature, secret string, timestamp int64, maxAge time.Duration, now time.Time) error {
	if signature == "" || timestamp == 0 {
		return errors.ErrMissingSignature
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	age := now.Sub(time.UnixMilli(timestamp))
	if age < 0 {
		age = -age
	}
	if age > maxAge {
		return errors.ErrTimestampExpired
	}

	got, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil || secret == "" {
		return errors.ErrSignatureMismatch
	}
	if !hmac.Equal(got, mac(payload, secret, timestamp)) {
		return errors.ErrSignatureMismatch
	}
	return nil
}

// Candidate is one secret to try, labelled with where it came from.
type Candidate struct {
	Source string
	Secret string
}

// VerifyAny tries each candidate in order and returns the source of the
// first that verifies. Expired timestamps fail without trying further
// secrets. The returned error is a *errors.SignatureVerificationError
// naming every source attempted.
func VerifyAny(payload []byte, signature string, timestamp int64, maxAge time.Duration, candidates ...Candidate) (string, error) {
	return verifyAnyAt(payload, signature, timestamp, maxAge, time.Now(), candidates...)
}

func verifyAnyAt(payload []byte, signature string, timestamp int64, maxAge time.Duration, now time.Time, candidates ...Candidate) (string, error) {
	var (
		tried   []string
		lastErr error = errors.ErrSignatureMismatch
	)
	for _, c := range candidates {
		if c.Secret == "" {
			continue
		}
		tried = append(tried, c.Source)
		err := verifyAt(payload, signature, c.Secret, timestamp, maxAge, now)
		if err == nil {
			return c.Source, nil
		}
		lastErr = err
		if !errors.Is(err, errors.ErrSignatureMismatch) {
			break
		}
	}

	source := strings.Join(tried, ",")
	if source == "" {
		source = "none"
	}
	return "", errors.NewSignatureVerificationError(source, lastErr)
}

// ParseHeaders reads the signature and timestamp headers.
func ParseHeaders(h http.Header) (signature string, timestamp int64, err error) {
	signature = h.Get(SignatureHeader)
	raw := h.Get(TimestampHeader)
	if signature == "" || raw == "" {
		return "", 0, errors.ErrMissingSignature
	}
	timestamp, err = strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", 0, errors.ErrMissingSignature
	}
	return signature, timestamp, nil
}

// SetHeaders signs payload and writes both headers.
func SetHeaders(h http.Header, payload []byte, secret string, now time.Time) {
	ts := now.UnixMilli()
	h.Set(SignatureHeader, Sign(payload, secret, ts))
	h.Set(TimestampHeader, strconv.FormatInt(ts, 10))
}
