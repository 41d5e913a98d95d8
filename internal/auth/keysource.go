package auth

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/medialens/inference/internal/domain"
)

// KeySource supplies the public key tokens are verified against. The
// verifier never cares where the key came from, so deployments can move
// from a provisioned key file to fetching from the auth service without
// touching callers.
type KeySource interface {
	PublicKey(ctx context.Context) (crypto.PublicKey, error)
}

// parsePublicKeyPEM accepts RSA and Ed25519 keys in PKIX PEM form.
func parsePublicKeyPEM(raw []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("op=auth.key: no PEM block found: %w", domain.ErrAuthFailed)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("op=auth.key: %v: %w", err, domain.ErrAuthFailed)
	}
	switch key.(type) {
	case *rsa.PublicKey, ed25519.PublicKey:
		return key, nil
	default:
		return nil, fmt.Errorf("op=auth.key: unsupported key type %T: %w", key, domain.ErrAuthFailed)
	}
}

// FileKeySource reads the key from disk once and caches it.
type FileKeySource struct {
	Path string

	mu  sync.Mutex
	key crypto.PublicKey
}

// NewFileKeySource constructs a source reading the PEM file at path.
func NewFileKeySource(path string) *FileKeySource {
	return &FileKeySource{Path: path}
}

// PublicKey loads and caches the key.
func (s *FileKeySource) PublicKey(_ context.Context) (crypto.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil {
		return s.key, nil
	}
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("op=auth.key: read %s: %v: %w", s.Path, err, domain.ErrAuthFailed)
	}
	key, err := parsePublicKeyPEM(raw)
	if err != nil {
		return nil, err
	}
	s.key = key
	return key, nil
}

// HTTPKeySource fetches the key from the authentication service and
// refreshes it on a TTL, so key rotation propagates without restarts.
type HTTPKeySource struct {
	BaseURL    string
	RefreshTTL time.Duration
	Client     *http.Client

	mu        sync.Mutex
	key       crypto.PublicKey
	fetchedAt time.Time
}

// NewHTTPKeySource constructs a source against the auth service base URL.
func NewHTTPKeySource(baseURL string, refreshTTL time.Duration) *HTTPKeySource {
	if refreshTTL <= 0 {
		refreshTTL = 15 * time.Minute
	}
	return &HTTPKeySource{
		BaseURL:    baseURL,
		RefreshTTL: refreshTTL,
		Client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// PublicKey returns the cached key, refreshing it past the TTL. A failed
// refresh falls back to the cached key rather than failing verification.
func (s *HTTPKeySource) PublicKey(ctx context.Context) (crypto.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil && time.Since(s.fetchedAt) < s.RefreshTTL {
		return s.key, nil
	}
	key, err := s.fetch(ctx)
	if err != nil {
		if s.key != nil {
			return s.key, nil
		}
		return nil, err
	}
	s.key = key
	s.fetchedAt = time.Now()
	return key, nil
}

func (s *HTTPKeySource) fetch(ctx context.Context) (crypto.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/v1/public-key", nil)
	if err != nil {
		return nil, fmt.Errorf("op=auth.key: %w", err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=auth.key: fetch: %v: %w", err, domain.ErrAuthFailed)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("op=auth.key: fetch status %d: %w", resp.StatusCode, domain.ErrAuthFailed)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("op=auth.key: %v: %w", err, domain.ErrAuthFailed)
	}
	return parsePublicKeyPEM(raw)
}
