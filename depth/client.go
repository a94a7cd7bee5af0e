// Package depth talks to the depth prediction service and turns its
// responses into working-resolution images.
package depth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nfnt/resize"
	"go.uber.org/zap"
)

const (
	DefaultEndpoint = "http://127.0.0.1:5050/predict"
	DefaultTimeout  = 60 * time.Second

	maxResponseBytes = 64 << 20
	maxLoggedBody    = 1024
)

type Options struct {
	Endpoint     string
	Timeout      time.Duration
	MaxUploadDim int // 0 disables downscaling
	Cache        Cache
	Logger       *zap.Logger
	HTTPClient   *http.Client
}

// Client posts uploads to the prediction service as a JSON data URI.
type Client struct {
	endpoint string
	maxDim   int
	cache    Cache
	http     *http.Client
	log      *zap.Logger
}

func NewClient(opts Options) *Client {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
		maxDim:   opts.MaxUploadDim,
		cache:    opts.Cache,
		http:     hc,
		log:      opts.Logger,
	}
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

type predictRequest struct {
	Image string `json:"image"`
}

// Predict returns the raw depth-map bytes for an uploaded image.
func (c *Client) Predict(ctx context.Context, upload []byte) ([]byte, error) {
	mime, err := DetectImage(upload)
	if err != nil {
		return nil, err
	}

	key := CacheKey(upload)
	if c.cache != nil {
		data, ok, err := c.cache.Get(ctx, key)
		switch {
		case err != nil:
			c.log.Warn("prediction cache lookup failed", zap.Error(err))
		case ok:
			c.log.Debug("prediction cache hit", zap.String("key", key))
			return data, nil
		}
	}

	body, mime, err := c.prepare(upload, mime)
	if err != nil {
		return nil, err
	}
	uri := DataURI(mime, body)
	reqJSON, err := json.Marshal(predictRequest{Image: uri})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(data)
		if len(msg) > maxLoggedBody {
			msg = msg[:maxLoggedBody]
		}
		c.log.Error("prediction service error",
			zap.Int("status", resp.StatusCode),
			zap.String("body", msg))
		return nil, &StatusError{Code: resp.StatusCode, Body: msg}
	}
	c.log.Info("prediction received",
		zap.Int("bytes", len(data)),
		zap.Duration("latency", time.Since(start)))

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, data); err != nil {
			c.log.Warn("prediction cache store failed", zap.Error(err))
		}
	}
	return data, nil
}

// prepare downscales uploads whose longest side exceeds maxDim and
// re-encodes them as PNG. Other uploads pass through untouched.
func (c *Client) prepare(upload []byte, mime string) ([]byte, string, error) {
	if c.maxDim <= 0 {
		return upload, mime, nil
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(upload))
	if err != nil {
		// let the prediction service judge formats we cannot size
		return upload, mime, nil
	}
	if cfg.Width <= c.maxDim && cfg.Height <= c.maxDim {
		return upload, mime, nil
	}
	img, _, err := image.Decode(bytes.NewReader(upload))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	small := resize.Thumbnail(uint(c.maxDim), uint(c.maxDim), img, resize.Bilinear)
	var buf bytes.Buffer
	if err := png.Encode(&buf, small); err != nil {
		return nil, "", fmt.Errorf("failed to re-encode upload: %w", err)
	}
	c.log.Debug("downscaled upload",
		zap.Int("width", cfg.Width), zap.Int("height", cfg.Height),
		zap.Int("maxDim", c.maxDim))
	return buf.Bytes(), "image/png", nil
}

// DataURI returns data as a base64 data URI.
func DataURI(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}
