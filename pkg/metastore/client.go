// Package metastore provides the content-addressed metadata store
// client: uploading immutable blobs to the storage network's write
// endpoint and resolving content hashes back to bytes through an
// ordered list of gateways, any of which may be slow, unreachable, or
// serve malformed data.
package metastore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/agritrace/provenance/pkg/cache"
	"github.com/agritrace/provenance/pkg/provenance"
)

// Error codes specific to the metadata store.
const (
	CodePayloadTooLarge   = "PAYLOAD_TOO_LARGE"
	CodeStoreUnauthorized = "STORE_UNAUTHORIZED"
)

// DefaultGatewayTimeout bounds each individual gateway attempt.
const DefaultGatewayTimeout = 8 * time.Second

// DefaultCacheTTL is how long fetched blobs stay cached.
const DefaultCacheTTL = 5 * time.Minute

// Store is the metadata store surface the rest of the system depends
// on. Client implements it against the real storage network; MockStore
// is the explicit development fallback.
type Store interface {
	// Upload sends bytes to the storage network and returns the content
	// hash under which they are addressable.
	Upload(ctx context.Context, data []byte, kind string) (string, error)

	// Fetch resolves a content hash to bytes. Fetch never invents
	// placeholder data on failure; degrading to a placeholder is a
	// presentation-layer decision.
	Fetch(ctx context.Context, hash string) ([]byte, error)
}

// Config configures the metadata store client.
type Config struct {
	// Gateways is the ordered list of read gateway base URLs. Fetch tries
	// each in order until one succeeds.
	Gateways []string

	// WriteURL is the storage network's write endpoint.
	WriteURL string

	// AuthToken authenticates uploads. Required when WriteURL is set.
	AuthToken string

	// GatewayTimeout bounds each gateway attempt. Default 8s.
	GatewayTimeout time.Duration

	// MaxPayload is the upload size limit in bytes. Default 10 MiB.
	MaxPayload int

	// CacheTTL is the fetch cache TTL. Default 5 minutes.
	CacheTTL time.Duration

	// CacheSize is the fetch cache capacity. Default 512 entries.
	CacheSize int

	// HTTPClient overrides the default client. Optional.
	HTTPClient *http.Client

	// Logger for gateway fallback visibility. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Client talks to the real storage network. It never falls back to a
// local-only mode on failure: with write credentials configured, a
// failed request is a failed request.
type Client struct {
	cfg   Config
	http  *http.Client
	cache *cache.BlobCache
	log   *slog.Logger
}

// NewClient creates a metadata store client. At least one gateway is
// required; WriteURL may be empty for read-only deployments, in which
// case Upload fails.
func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Gateways) == 0 {
		return nil, fmt.Errorf("at least one metadata gateway is required")
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = DefaultGatewayTimeout
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = 10 << 20
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 512
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg:   cfg,
		http:  cfg.HTTPClient,
		cache: cache.NewBlobCache(cfg.CacheSize, cfg.CacheTTL),
		log:   cfg.Logger,
	}, nil
}

// Upload sends data to the write endpoint and returns the content hash.
func (c *Client) Upload(ctx context.Context, data []byte, kind string) (string, error) {
	if c.cfg.WriteURL == "" {
		return "", provenance.Errorf(provenance.KindNetwork, CodeStoreUnauthorized,
			"no write endpoint configured")
	}
	if len(data) > c.cfg.MaxPayload {
		return "", provenance.Errorf(provenance.KindValidation, CodePayloadTooLarge,
			"payload of %d bytes exceeds limit %d", len(data), c.cfg.MaxPayload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WriteURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if kind != "" {
		req.Header.Set("X-Meta-Kind", kind)
	}
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", provenance.Wrap(provenance.KindNetwork, provenance.CodeAllGatewaysFailed,
			err, "metadata upload failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", provenance.Errorf(provenance.KindNetwork, CodeStoreUnauthorized,
			"storage network rejected credentials (%d)", resp.StatusCode)
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return "", provenance.Errorf(provenance.KindValidation, CodePayloadTooLarge,
			"storage network rejected payload size")
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", provenance.Errorf(provenance.KindNetwork, provenance.CodeAllGatewaysFailed,
			"metadata upload returned %d: %s", resp.StatusCode, string(body))
	}

	hash, err := decodeUploadResponse(resp.Body)
	if err != nil {
		return "", err
	}
	// An upload is also a fetch: prime the cache.
	c.cache.Put(hash, data)
	return hash, nil
}

// Fetch resolves a content hash, checking the TTL cache first and then
// walking the gateway list in order. The first successful result is
// cached; if every gateway fails, the last error is wrapped as
// ALL_GATEWAYS_FAILED.
func (c *Client) Fetch(ctx context.Context, hash string) ([]byte, error) {
	if hash == "" {
		return nil, provenance.Errorf(provenance.KindValidation, provenance.CodeInvalidBatch,
			"content hash is required")
	}
	if data, ok := c.cache.Get(hash); ok {
		return data, nil
	}

	var lastErr error
	for _, gw := range c.cfg.Gateways {
		data, err := c.fetchFromGateway(ctx, gw, hash)
		if err != nil {
			c.log.Debug("metadata gateway failed, trying next", "gateway", gw, "hash", hash, "error", err)
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		c.cache.Put(hash, data)
		return data, nil
	}
	return nil, provenance.Wrap(provenance.KindNetwork, provenance.CodeAllGatewaysFailed,
		lastErr, "all %d metadata gateways failed for %s", len(c.cfg.Gateways), hash)
}

// InvalidateCache drops a cached blob, forcing the next Fetch to hit a
// gateway.
func (c *Client) InvalidateCache(hash string) {
	c.cache.Drop(hash)
}

func (c *Client) fetchFromGateway(ctx context.Context, base, hash string) ([]byte, error) {
	gwCtx, cancel := context.WithTimeout(ctx, c.cfg.GatewayTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(gwCtx, http.MethodGet, base+"/"+hash, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(c.cfg.MaxPayload)+1))
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("gateway returned empty payload")
	}
	if len(data) > c.cfg.MaxPayload {
		return nil, fmt.Errorf("gateway response exceeds %d bytes", c.cfg.MaxPayload)
	}
	return data, nil
}

func decodeUploadResponse(r io.Reader) (string, error) {
	var result struct {
		Hash string `json:"hash"`
	}
	if err := decodeJSON(r, &result); err != nil {
		return "", fmt.Errorf("malformed upload response: %w", err)
	}
	if result.Hash == "" {
		return "", errors.New("upload response missing content hash")
	}
	return result.Hash, nil
}
