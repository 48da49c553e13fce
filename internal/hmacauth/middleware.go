// Package hmacauth verifies that write requests to the local API were signed
// by a holder of the shared secret.
package hmacauth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	HeaderSignature = "X-Request-Signature"
	HeaderTimestamp = "X-Request-Timestamp"
)

var (
	ErrMissingSignature   = errors.New("missing request signature")
	ErrMissingTimestamp   = errors.New("missing request timestamp")
	ErrMalformedTimestamp = errors.New("malformed request timestamp")
	ErrStaleTimestamp     = errors.New("stale request timestamp")
	ErrInvalidSignature   = errors.New("invalid request signature")
)

// Verifier checks X-Request-Signature over timestamp, method, path and body.
// An empty Secret disables verification.
type Verifier struct {
	Secret  string
	MaxSkew time.Duration
	Now     func() time.Time
	Logger  *zap.Logger
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.verify(r); err != nil {
			v.reject(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (v *Verifier) reject(w http.ResponseWriter, r *http.Request, err error) {
	if v.Logger != nil {
		v.Logger.Warn("rejected unsigned request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (v *Verifier) verify(r *http.Request) error {
	if v.Secret == "" {
		return nil
	}
	got := strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderSignature)))
	if got == "" {
		return ErrMissingSignature
	}
	stamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if err := v.checkTimestamp(stamp); err != nil {
		return err
	}
	body, err := readBody(r)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	want := Sign(v.Secret, stamp, r.Method, r.URL.Path, body)
	if !hmac.Equal([]byte(want), []byte(got)) {
		return ErrInvalidSignature
	}
	return nil
}

// checkTimestamp accepts unix seconds within MaxSkew of now in either direction.
func (v *Verifier) checkTimestamp(stamp string) error {
	if stamp == "" {
		return ErrMissingTimestamp
	}
	secs, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrMalformedTimestamp, stamp)
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	drift := now().Sub(time.Unix(secs, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > v.MaxSkew {
		return fmt.Errorf("%w: off by %s", ErrStaleTimestamp, drift.Round(time.Second))
	}
	return nil
}

// Sign returns the lowercase hex HMAC-SHA256 a client sends for a request.
func Sign(secret, timestamp, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n" + strings.ToUpper(method) + "\n" + path + "\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest sets the signature headers on r, restoring its body.
func SignRequest(r *http.Request, secret string, now time.Time) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderSignature, Sign(secret, ts, r.Method, r.URL.Path, body))
	return nil
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
