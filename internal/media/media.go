// Package media uploads attachment files to the media CDN before the
// message referencing them is written. The message write only ever
// carries a confirmed remote URL, never a local path.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/connexa/chatsync/internal/backend"
)

// Asset is a confirmed remote attachment.
type Asset struct {
	URL        string
	MIME       string
	Bytes      int64
	Width      int
	Height     int
	DurationMs int64
}

// Client talks to an unsigned-preset upload endpoint.
type Client struct {
	endpoint string
	preset   string
	httpc    *http.Client
	logger   *zap.Logger
}

// NewClient creates an uploader against the given endpoint and preset.
func NewClient(endpoint, preset string, logger *zap.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		preset:   preset,
		httpc:    &http.Client{Timeout: 60 * time.Second},
		logger:   logger,
	}
}

// resourceType buckets the file for the endpoint: image, video (audio
// rides the video pipeline) or raw for everything else.
func resourceType(path string) string {
	mt := mime.TypeByExtension(filepath.Ext(path))
	switch {
	case strings.HasPrefix(mt, "image/"):
		return "image"
	case strings.HasPrefix(mt, "video/"), strings.HasPrefix(mt, "audio/"):
		return "video"
	default:
		return "raw"
	}
}

// uploadResponse is the subset of the endpoint's JSON reply we consume.
type uploadResponse struct {
	SecureURL string  `json:"secure_url"`
	URL       string  `json:"url"`
	Bytes     int64   `json:"bytes"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Duration  float64 `json:"duration"` // seconds
}

// Upload sends a local file and returns the confirmed asset. A rejected
// upload surfaces as a backend Upload error; transport failures stay
// retryable.
func (c *Client) Upload(ctx context.Context, path string) (Asset, error) {
	f, err := os.Open(path)
	if err != nil {
		return Asset{}, backend.WrapError(backend.Upload, "open attachment", err)
	}
	defer func() { _ = f.Close() }()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return Asset{}, backend.WrapError(backend.Upload, "build upload form", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return Asset{}, backend.WrapError(backend.Upload, "read attachment", err)
	}
	if err := w.WriteField("upload_preset", c.preset); err != nil {
		return Asset{}, backend.WrapError(backend.Upload, "build upload form", err)
	}
	if err := w.WriteField("resource_type", resourceType(path)); err != nil {
		return Asset{}, backend.WrapError(backend.Upload, "build upload form", err)
	}
	if err := w.Close(); err != nil {
		return Asset{}, backend.WrapError(backend.Upload, "build upload form", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &body)
	if err != nil {
		return Asset{}, backend.WrapError(backend.Upload, "build upload request", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Asset{}, backend.WrapError(backend.Transient, "upload transport", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Asset{}, backend.NewError(backend.Upload,
			fmt.Sprintf("upload rejected: %d %s", resp.StatusCode, string(msg)))
	}

	var ur uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return Asset{}, backend.WrapError(backend.Malformed, "decode upload response", err)
	}
	url := ur.SecureURL
	if url == "" {
		url = ur.URL
	}
	if url == "" {
		return Asset{}, backend.NewError(backend.Malformed, "upload response carried no url")
	}

	asset := Asset{
		URL:        url,
		MIME:       mime.TypeByExtension(filepath.Ext(path)),
		Bytes:      ur.Bytes,
		Width:      ur.Width,
		Height:     ur.Height,
		DurationMs: int64(ur.Duration * 1000),
	}
	if c.logger != nil {
		c.logger.Info("attachment uploaded", zap.String("url", url), zap.Int64("bytes", asset.Bytes))
	}
	return asset, nil
}
