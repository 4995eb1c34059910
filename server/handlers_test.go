package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"videoSearch/config"
	"videoSearch/core"
	"videoSearch/processors"
	"videoSearch/storage"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	t.Setenv("DATA_ROOT", t.TempDir())

	cfg := &config.Config{
		Store:         "flat",
		MaxChunkBytes: config.DefaultMaxChunkBytes,
		MinSliceMS:    config.DefaultMinSliceMS,
	}
	store, err := storage.OpenSegmentStore(filepath.Join(core.DataRoot(), "segments.db"))
	if err != nil {
		t.Fatalf("open segment store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	orch := processors.NewOrchestrator(cfg, store,
		storage.NewFlatIndex(storage.IndexPath()), storage.NewHashEmbedder(), processors.NewMockASR())
	ts := httptest.NewServer(New(orch).Router())
	t.Cleanup(ts.Close)
	return ts
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}

	var state core.PipelineState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if state.Stage != core.StageIdle {
		t.Errorf("fresh server stage = %s, want idle", state.Stage)
	}
}

func TestUploadRejectsUnsupportedExtension(t *testing.T) {
	ts := newTestServer(t)

	video := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(video, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(ts.URL+"/api/upload", "application/json",
		strings.NewReader(`{"video_path":"`+video+`"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status code = %d, want 400", resp.StatusCode)
	}
}

func TestUploadRequiresVideoPath(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/upload", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status code = %d, want 400", resp.StatusCode)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/search", "application/json",
		strings.NewReader(`{"query":"  "}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status code = %d, want 400", resp.StatusCode)
	}
}

func TestSearchOnEmptyIndex(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/search", "application/json",
		strings.NewReader(`{"query":"anything"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d, want 200", resp.StatusCode)
	}

	var result core.SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode search response: %v", err)
	}
	if len(result.Hits) != 0 {
		t.Errorf("empty index should return no hits, got %d", len(result.Hits))
	}
}

func TestImageNotFound(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/image/seg_0_start.jpg")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status code = %d, want 404", resp.StatusCode)
	}
}

func TestImageServesFromScreenshotsDirOnly(t *testing.T) {
	ts := newTestServer(t)

	if err := os.MkdirAll(core.ScreenshotsDir(), 0755); err != nil {
		t.Fatal(err)
	}
	img := filepath.Join(core.ScreenshotsDir(), "seg_0_start.jpg")
	if err := os.WriteFile(img, []byte("jpg-bytes"), 0644); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.URL + "/api/image/seg_0_start.jpg")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status code = %d, want 200", resp.StatusCode)
	}

	// 路径遍历只剩 basename，等价于直接取该文件
	resp2, err := http.Get(ts.URL + "/api/image/..%2Fsegments.db")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode == http.StatusOK {
		body := make([]byte, 16)
		resp2.Body.Read(body)
		if strings.Contains(string(body), "SQLite") {
			t.Error("path traversal must not escape the screenshots dir")
		}
	}
}
