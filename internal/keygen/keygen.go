// Package keygen produces short high-entropy session keys.
package keygen

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// KeyLength is the number of characters in a session key.
const KeyLength = 7

const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Key is a generated session key. Fallback marks keys produced locally after
// the entropy source failed; both shapes are equally usable.
type Key struct {
	Value    string
	Fallback bool
	// Cause carries the upstream failure when Fallback is set. Log only.
	Cause error
}

// Provider fetches keys from an external entropy source with a bounded
// timeout, falling back to local randomness on any failure.
type Provider struct {
	url     string
	timeout time.Duration
	client  *http.Client
	log     *zap.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(p *Provider) { p.log = log }
}

// NewProvider constructs a Provider for the given source URL.
func NewProvider(url string, timeout time.Duration, opts ...Option) *Provider {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	p := &Provider{
		url:     url,
		timeout: timeout,
		client:  &http.Client{},
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// entropyResponse mirrors the upstream QRNG payload.
type entropyResponse struct {
	Success bool     `json:"success"`
	Data    []string `json:"data"`
}

// Generate returns a usable key. Upstream failure degrades to a local key
// with the Fallback flag set; the error return is reserved for the case
// where even local randomness is unavailable.
func (p *Provider) Generate(ctx context.Context) (Key, error) {
	value, err := p.fetchRemote(ctx)
	if err == nil {
		return Key{Value: value}, nil
	}
	p.log.Warn("entropy source failed, using local fallback", zap.Error(err))

	local, lerr := localKey()
	if lerr != nil {
		return Key{}, fmt.Errorf("local key generation: %w", lerr)
	}
	return Key{Value: local, Fallback: true, Cause: err}, nil
}

func (p *Provider) fetchRemote(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return "", err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("entropy source status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", err
	}

	var er entropyResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return "", fmt.Errorf("decode entropy response: %w", err)
	}
	if !er.Success || len(er.Data) == 0 {
		return "", fmt.Errorf("entropy source returned no data")
	}

	joined := strings.ToUpper(strings.Join(er.Data, ""))
	if len(joined) < KeyLength {
		return "", fmt.Errorf("entropy source returned %d chars, need %d", len(joined), KeyLength)
	}
	return joined[:KeyLength], nil
}

// localKey draws a key from the OS CSPRNG.
func localKey() (string, error) {
	buf := make([]byte, KeyLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, KeyLength)
	for i, b := range buf {
		out[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}
	return string(out), nil
}
