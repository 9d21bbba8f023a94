// Package imagecache downloads resolved listing images and stores them under a
// content address derived from the source URL.
package imagecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coderfong/moq-pools-ingest/internal/hash/sha256"
	"github.com/coderfong/moq-pools-ingest/internal/images"
	"github.com/coderfong/moq-pools-ingest/internal/listing"
	"github.com/coderfong/moq-pools-ingest/internal/metrics"
)

// Failure modes of Store. Callers fall back to the next candidate on any of them.
var (
	ErrBadStatus = errors.New("image download returned non-200 status")
	ErrTooSmall  = errors.New("image below minimum byte size")
	ErrTooLarge  = errors.New("image exceeds maximum byte size")
	ErrBadImage  = errors.New("image rejected by bad-image predicate")
)

// Defaults for Config fields left at zero.
const (
	DefaultTimeout  = 20 * time.Second
	DefaultMaxBytes = 15 << 20
	DefaultPrefix   = "listings"
)

var extByType = map[string]string{
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"image/avif": ".avif",
}

// Config controls downloads and object naming.
type Config struct {
	Prefix        string
	PublicBaseURL string
	Timeout       time.Duration
	UserAgent     string
	MaxBytes      int64
}

// Cached describes a stored image.
type Cached struct {
	SourceURL   string
	Key         string
	PublicURL   string
	URI         string
	ContentType string
	Size        int
}

// Cache downloads images and writes them to the soft cache and the object store.
type Cache struct {
	cfg       Config
	client    *http.Client
	objects   listing.BlobStore
	soft      listing.BlobStore
	predicate images.Predicate
	logger    *zap.Logger
}

// New builds a Cache. soft may be nil; objects is authoritative and required.
func New(
	cfg Config,
	client *http.Client,
	objects listing.BlobStore,
	soft listing.BlobStore,
	predicate images.Predicate,
	logger *zap.Logger,
) (*Cache, error) {
	if objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if strings.TrimSpace(cfg.PublicBaseURL) == "" {
		return nil, fmt.Errorf("public base url is required")
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		cfg:       cfg,
		client:    client,
		objects:   objects,
		soft:      soft,
		predicate: predicate,
		logger:    logger.Named("imagecache"),
	}, nil
}

// Key returns the object key for sourceURL: <prefix>/<hash[:2]>/<hash><ext>.
func (c *Cache) Key(sourceURL, contentType string) string {
	hash := sha256.SumString(sourceURL)
	return fmt.Sprintf("%s/%s/%s%s", c.cfg.Prefix, hash[:2], hash, extension(sourceURL, contentType))
}

// PublicURL returns the public path for key. The public base URL is mounted at the
// key prefix, so the prefix is not repeated in the path.
func (c *Cache) PublicURL(key string) string {
	return c.cfg.PublicBaseURL + "/" + strings.TrimPrefix(key, c.cfg.Prefix+"/")
}

// KeyFor maps a public cache URL back to its object key.
func (c *Cache) KeyFor(publicURL string) (string, bool) {
	rest, ok := strings.CutPrefix(publicURL, c.cfg.PublicBaseURL+"/")
	if !ok || rest == "" {
		return "", false
	}
	return c.cfg.Prefix + "/" + rest, true
}

// PublicBaseURL returns the configured public prefix.
func (c *Cache) PublicBaseURL() string {
	return c.cfg.PublicBaseURL
}

// Store downloads sourceURL, vets the bytes, and writes them to both stores. It does
// not retry; timeouts surface as ordinary errors.
func (c *Cache) Store(ctx context.Context, sourceURL, referer string) (Cached, error) {
	data, contentType, err := c.Download(ctx, sourceURL, referer)
	if err != nil {
		metrics.ObserveImage(outcome(err))
		return Cached{}, err
	}
	if len(data) < c.predicate.MinBytes {
		metrics.ObserveImage("too_small")
		return Cached{}, fmt.Errorf("%w: %d bytes from %s", ErrTooSmall, len(data), sourceURL)
	}
	if c.predicate.IsBadContent(sourceURL, data) {
		metrics.ObserveImage("bad_image")
		return Cached{}, fmt.Errorf("%w: %s", ErrBadImage, sourceURL)
	}

	key := c.Key(sourceURL, contentType)
	if c.soft != nil {
		if _, err := c.soft.PutObject(ctx, key, contentType, bytes.NewReader(data)); err != nil {
			c.logger.Warn("soft cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	uri, err := c.objects.PutObject(ctx, key, contentType, bytes.NewReader(data))
	if err != nil {
		metrics.ObserveImage("error")
		return Cached{}, fmt.Errorf("upload %s: %w", key, err)
	}
	metrics.ObserveImage("cached")
	return Cached{
		SourceURL:   sourceURL,
		Key:         key,
		PublicURL:   c.PublicURL(key),
		URI:         uri,
		ContentType: contentType,
		Size:        len(data),
	}, nil
}

// ReadCached returns the bytes behind a cached image URL, read through the object
// store when it supports reads and downloaded otherwise. Missing objects report
// ErrBadStatus.
func (c *Cache) ReadCached(ctx context.Context, imageURL string) ([]byte, error) {
	if key, ok := c.KeyFor(imageURL); ok {
		if reader, ok := c.objects.(listing.ObjectReader); ok {
			data, _, err := reader.GetObject(ctx, key)
			if errors.Is(err, listing.ErrObjectNotFound) {
				return nil, fmt.Errorf("%w: %s missing from object store", ErrBadStatus, key)
			}
			return data, err
		}
	}
	if u, err := url.Parse(imageURL); err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("cannot read %q: not an absolute url and no readable object store", imageURL)
	}
	data, _, err := c.Download(ctx, imageURL, "")
	return data, err
}

// Download fetches imageURL with marketplace headers and returns its bytes and content type.
func (c *Cache) Download(ctx context.Context, imageURL, referer string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build image request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	req.Header.Set("Accept", "image/avif,image/webp,image/*,*/*;q=0.8")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download %s: %w", imageURL, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: %d from %s", ErrBadStatus, resp.StatusCode, imageURL)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", imageURL, err)
	}
	if int64(len(data)) > c.cfg.MaxBytes {
		return nil, "", fmt.Errorf("%w: %s", ErrTooLarge, imageURL)
	}
	contentType := strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0])
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrBadStatus):
		return "bad_status"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	default:
		return "error"
	}
}

// extension prefers the URL's own image extension and falls back to the content type.
func extension(sourceURL, contentType string) string {
	if u, err := url.Parse(sourceURL); err == nil {
		switch ext := strings.ToLower(path.Ext(u.Path)); ext {
		case ".jpg", ".jpeg", ".png", ".webp", ".gif", ".avif":
			if ext == ".jpeg" {
				return ".jpg"
			}
			return ext
		}
	}
	if ext, ok := extByType[strings.ToLower(contentType)]; ok {
		return ext
	}
	return ".jpg"
}
