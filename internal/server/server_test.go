package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"phototag/internal/exiftool"
	"phototag/internal/pipeline"
	"phototag/internal/spool"
	"phototag/internal/storage"
)

type passthroughEncoder struct{}

func (passthroughEncoder) Encode(ctx context.Context, src []byte, format, outPath string) error {
	return os.WriteFile(outPath, src, 0o644)
}

type fakeTool struct{}

func (fakeTool) Embed(ctx context.Context, f exiftool.Fields, src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func (fakeTool) ReadMetadata(ctx context.Context, path string) (map[string]any, error) {
	return map[string]any{"GPSLatitudeRef": "South"}, nil
}

type failingTool struct{ fakeTool }

func (failingTool) Embed(ctx context.Context, f exiftool.Fields, src, dst string) error {
	return errors.New("exiftool: cannot write")
}

func newTestServer(t *testing.T, tool pipeline.MetadataTool) *httptest.Server {
	t.Helper()
	base := t.TempDir()
	sp := spool.New(filepath.Join(base, "temp"), filepath.Join(base, "downloads"))
	if err := sp.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs failed: %v", err)
	}
	store, err := storage.New(filepath.Join(base, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	remover := spool.NewRemover(2, time.Millisecond, slog.Default())
	pipe := pipeline.New(passthroughEncoder{}, tool, sp, remover, store, slog.Default())
	s := NewServer(":0", pipe, store, nil, 8, slog.Default())

	r := mux.NewRouter()
	s.setupRoutes(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func multipartRequest(t *testing.T, url string, fields map[string]string, image []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if image != nil {
		fw, err := w.CreateFormFile("image", "upload.jpg")
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write(image); err != nil {
			t.Fatalf("write image: %v", err)
		}
	}
	w.Close()

	req, err := http.NewRequest(http.MethodPost, url, &body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func validFields() map[string]string {
	return map[string]string{
		"title":     "Harbour",
		"latitude":  "-33.9",
		"longitude": "151.2",
		"tags":      "a, b ,c",
		"format":    "png",
	}
}

func TestProcessImageReturnsBase64Payload(t *testing.T) {
	ts := newTestServer(t, fakeTool{})

	req := multipartRequest(t, ts.URL+"/api/process-image", validFields(), []byte("image-bytes"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		File struct {
			Data     string `json:"data"`
			Filename string `json:"filename"`
			Mimetype string `json:"mimetype"`
		} `json:"file"`
		Metadata      map[string]any `json:"metadata"`
		CleanupFailed bool           `json:"cleanupFailed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	data, err := base64.StdEncoding.DecodeString(payload.File.Data)
	if err != nil {
		t.Fatalf("file data is not valid base64: %v", err)
	}
	if string(data) != "image-bytes" {
		t.Fatalf("unexpected file data: %q", data)
	}
	if payload.File.Mimetype != "image/png" {
		t.Fatalf("unexpected mimetype: %s", payload.File.Mimetype)
	}
	if !strings.HasSuffix(payload.File.Filename, ".png") {
		t.Fatalf("unexpected filename: %s", payload.File.Filename)
	}
	if payload.Metadata["GPSLatitudeRef"] != "South" {
		t.Fatalf("metadata missing: %v", payload.Metadata)
	}
	if payload.CleanupFailed {
		t.Fatalf("cleanup should have succeeded")
	}
}

func TestProcessImageDownloadVariant(t *testing.T) {
	ts := newTestServer(t, fakeTool{})

	fields := validFields()
	fields["download"] = "true"
	req := multipartRequest(t, ts.URL+"/api/process-image", fields, []byte("image-bytes"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment") {
		t.Fatalf("expected attachment disposition, got %q", cd)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "image-bytes" {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestProcessImageInvalidCoordinates(t *testing.T) {
	ts := newTestServer(t, fakeTool{})

	for _, pair := range [][2]string{{"abc", "151.2"}, {"-91", "0"}, {"0", "181"}, {"", ""}} {
		fields := validFields()
		fields["latitude"], fields["longitude"] = pair[0], pair[1]
		req := multipartRequest(t, ts.URL+"/api/process-image", fields, []byte("x"))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		var body struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("pair %v: expected 400, got %d", pair, resp.StatusCode)
		}
		if body.Error != "Invalid coordinates" {
			t.Fatalf("pair %v: unexpected error %q", pair, body.Error)
		}
	}
}

func TestProcessImageMissingFile(t *testing.T) {
	ts := newTestServer(t, fakeTool{})

	req := multipartRequest(t, ts.URL+"/api/process-image", validFields(), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestProcessImageToolFailureReturns500(t *testing.T) {
	ts := newTestServer(t, failingTool{})

	req := multipartRequest(t, ts.URL+"/api/process-image", validFields(), []byte("x"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	var body struct {
		Error         string `json:"error"`
		CleanupFailed bool   `json:"cleanupFailed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if !strings.Contains(body.Error, "metadata write failed") {
		t.Fatalf("unexpected error message: %q", body.Error)
	}
}

func TestJobsEndpointListsHistory(t *testing.T) {
	ts := newTestServer(t, fakeTool{})

	req := multipartRequest(t, ts.URL+"/api/process-image", validFields(), []byte("x"))
	if resp, err := http.DefaultClient.Do(req); err != nil {
		t.Fatalf("request failed: %v", err)
	} else {
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/jobs")
	if err != nil {
		t.Fatalf("jobs request failed: %v", err)
	}
	defer resp.Body.Close()

	var recs []storage.RequestRecord
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		t.Fatalf("decode jobs: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one record, got %d", len(recs))
	}
	if recs[0].Status != "completed" {
		t.Fatalf("unexpected status: %s", recs[0].Status)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, fakeTool{})
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
