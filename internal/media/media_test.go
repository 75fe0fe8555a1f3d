package media

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/connexa/chatsync/internal/backend"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestUpload(t *testing.T) {
	var gotPreset, gotResource string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotPreset = r.FormValue("upload_preset")
		gotResource = r.FormValue("resource_type")
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("file part missing: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"secure_url": "https://cdn.example/photo.jpg",
			"bytes":      1234,
			"width":      640,
			"height":     480,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "chat_uploads", nil)
	asset, err := c.Upload(context.Background(), writeTempFile(t, "photo.jpg", "jpegbytes"))
	if err != nil {
		t.Fatal(err)
	}
	if gotPreset != "chat_uploads" {
		t.Errorf("preset = %q, want chat_uploads", gotPreset)
	}
	if gotResource != "image" {
		t.Errorf("resource_type = %q, want image", gotResource)
	}
	if asset.URL != "https://cdn.example/photo.jpg" {
		t.Errorf("url = %q", asset.URL)
	}
	if asset.Width != 640 || asset.Height != 480 || asset.Bytes != 1234 {
		t.Errorf("asset = %+v", asset)
	}
}

func TestUploadVideoDuration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"secure_url": "https://cdn.example/clip.mp4",
			"duration":   12.5,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "p", nil)
	asset, err := c.Upload(context.Background(), writeTempFile(t, "clip.mp4", "mp4bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if asset.DurationMs != 12500 {
		t.Errorf("duration = %dms, want 12500", asset.DurationMs)
	}
}

func TestUploadRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "preset not allowed", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "p", nil)
	_, err := c.Upload(context.Background(), writeTempFile(t, "f.bin", "x"))
	if err == nil {
		t.Fatal("rejected upload must error")
	}
	if backend.KindOf(err) != backend.Upload {
		t.Errorf("kind = %v, want Upload", backend.KindOf(err))
	}
	if backend.IsRetryable(err) {
		t.Error("a rejected upload is not retryable")
	}
}

func TestUploadTransportFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	c := NewClient(srv.URL, "p", nil)
	_, err := c.Upload(context.Background(), writeTempFile(t, "f.bin", "x"))
	if err == nil {
		t.Fatal("transport failure must error")
	}
	if !backend.IsRetryable(err) {
		t.Error("transport failure should be retryable")
	}
}

func TestUploadMissingFile(t *testing.T) {
	c := NewClient("http://unused.invalid", "p", nil)
	_, err := c.Upload(context.Background(), filepath.Join(t.TempDir(), "nope.jpg"))
	if err == nil {
		t.Fatal("missing file must error")
	}
	if backend.KindOf(err) != backend.Upload {
		t.Errorf("kind = %v, want Upload", backend.KindOf(err))
	}
}
