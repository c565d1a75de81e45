// Package webhook delivers signed job-completion callbacks.
//
// The body is JSON and the signature header carries the hex HMAC-SHA256 of
// the body under the shared secret, prefixed with "sha256=".
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"foreman/pkg/logx"
)

// SignatureHeader carries the body signature.
const SignatureHeader = "X-Foreman-Signature"

const signaturePrefix = "sha256="

// Payload is the callback body.
type Payload struct {
	InvocationID string    `json:"invocation_id"`
	Status       string    `json:"status"`
	Output       any       `json:"output,omitempty"`
	TokenUsage   int       `json:"token_usage"`
	DurationMS   int64     `json:"duration_ms"`
	Error        string    `json:"error,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

// StatusError is returned when the receiver answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("callback returned %d: %s", e.StatusCode, e.Body)
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether header is a valid signature of body. The comparison is constant time.
func Verify(secret string, body []byte, header string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sender PATCHes payloads to callback URLs.
type Sender struct {
	client     *http.Client
	secret     string
	maxRetries int
	backoff    time.Duration
	logger     *logx.Logger
}

// NewSender creates a sender. timeout bounds each attempt; maxRetries counts
// attempts after the first one.
func NewSender(secret string, timeout time.Duration, maxRetries int) *Sender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Sender{
		client:     &http.Client{Timeout: timeout},
		secret:     secret,
		maxRetries: maxRetries,
		backoff:    500 * time.Millisecond,
		logger:     logx.NewLogger("webhook"),
	}
}

// Send delivers p to url. Transport errors and 5xx responses are retried with
// exponential backoff; 4xx responses are not.
func (s *Sender) Send(ctx context.Context, url string, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode callback: %w", err)
	}
	signature := Sign(s.secret, body)

	delay := s.backoff
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("callback %s attempt %d failed: %v; retrying in %s", url, attempt, lastErr, delay)
			select {
			case <-ctx.Done():
				return fmt.Errorf("callback to %s abandoned: %w", url, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}

		lastErr = s.post(ctx, url, body, signature)
		if lastErr == nil {
			s.logger.Debug("callback %s delivered for %s", url, p.InvocationID)
			return nil
		}
		var se *StatusError
		if errors.As(lastErr, &se) && se.StatusCode < 500 {
			return lastErr
		}
	}
	return fmt.Errorf("callback to %s failed after %d attempts: %w", url, s.maxRetries+1, lastErr)
}

func (s *Sender) post(ctx context.Context, url string, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}
