// Package upscale is the client for the external image-upscaling provider.
package upscale

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// DefaultMaxOutputBytes caps how much of the provider's result is downloaded.
const DefaultMaxOutputBytes = 64 << 20

var ErrNoImage = errors.New("no image provided")

// ProviderError is a failure reported by the provider in its JSON body.
type ProviderError struct {
	Message string
}

func (e *ProviderError) Error() string { return "provider: " + e.Message }

type Config struct {
	Endpoint       string
	APIKey         string
	Timeout        time.Duration
	MaxOutputBytes int64
}

// Result is a successful upscale: the provider's output reference and the fetched bytes.
type Result struct {
	OutputURL string
	Image     []byte
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// WithHTTPClient swaps the transport client (tests, proxies).
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	if h != nil {
		c.http = h
	}
	return c
}

type providerResponse struct {
	OutputURL string `json:"output_url"`
	Err       string `json:"err"`
}

// Upscale sends image to the provider and downloads the result.
// A provider-side failure is returned as *ProviderError; anything else is a transport error.
func (c *Client) Upscale(ctx context.Context, image []byte) (Result, error) {
	if len(image) == 0 {
		return Result{}, ErrNoImage
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "image.jpg")
	if err != nil {
		return Result{}, err
	}
	if _, err := part.Write(image); err != nil {
		return Result{}, err
	}
	if err := mw.Close(); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, &body)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.cfg.APIKey != "" {
		req.Header.Set("api-key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("upscale request: %w", err)
	}
	defer resp.Body.Close()

	var pr providerResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&pr); err != nil {
		return Result{}, fmt.Errorf("decode provider response (http %d): %w", resp.StatusCode, err)
	}
	if strings.TrimSpace(pr.OutputURL) == "" {
		msg := strings.TrimSpace(pr.Err)
		if msg == "" {
			msg = "Unknown error"
		}
		return Result{}, &ProviderError{Message: msg}
	}

	img, err := c.fetch(ctx, pr.OutputURL)
	if err != nil {
		return Result{}, err
	}
	return Result{OutputURL: pr.OutputURL, Image: img}, nil
}

func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch output: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch output: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("fetch output: http %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxOutputBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fetch output: %w", err)
	}
	if int64(len(b)) > c.cfg.MaxOutputBytes {
		return nil, fmt.Errorf("fetch output: larger than %d bytes", c.cfg.MaxOutputBytes)
	}
	return b, nil
}
