package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jetvision/agent/internal/config"
	"github.com/jetvision/agent/internal/dispatch"
	"github.com/jetvision/agent/internal/models"
	"github.com/jetvision/agent/internal/platform"
)

type fakeLoop struct {
	mu      sync.Mutex
	state   dispatch.State
	started []config.StreamConfig
	stops   int
	err     error
}

func (f *fakeLoop) Start(cfg config.StreamConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if f.err != nil {
		return f.err
	}
	if f.state != dispatch.Idle {
		return dispatch.ErrAlreadyRunning
	}
	f.started = append(f.started, cfg)
	f.state = dispatch.Running
	return nil
}

func (f *fakeLoop) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.state = dispatch.Idle
}

func (f *fakeLoop) State() dispatch.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeLoop) Stats() models.LoopStats {
	return models.LoopStats{RunID: "run-1", FramesProcessed: 7}
}

func (f *fakeLoop) Stream() config.StreamConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.started) == 0 {
		return config.StreamConfig{}
	}
	return f.started[len(f.started)-1]
}

type fakeFeed struct {
	mu        sync.Mutex
	snapshots int
}

func (f *fakeFeed) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusTeapot)
}

func (f *fakeFeed) ClientCount() int { return 2 }

func (f *fakeFeed) PublishMetrics(*models.MetricsSnapshot) {
	f.mu.Lock()
	f.snapshots++
	f.mu.Unlock()
}

type fixedMetrics struct {
	snap *models.MetricsSnapshot
	raw  string
}

func (f fixedMetrics) Load() *models.MetricsSnapshot { return f.snap }
func (f fixedMetrics) LastRaw() string { return f.raw }

func defaultStream() config.StreamConfig {
	return config.StreamConfig{
		Source:              config.SourceMountedFile,
		ConfidenceThreshold: 0.25,
		FPSLimit:            25,
	}
}

const tegraLine = "RAM 2448/7620MB (lfb 1x4MB) CPU [12%@1510,8%@1510] GR3D_FREQ 42%"

func newTestServer(t *testing.T, loop *fakeLoop) (*httptest.Server, config.ServerConfig) {
	t.Helper()
	cfg := config.ServerConfig{
		Listen:      "127.0.0.1:0",
		VideosDir:   t.TempDir(),
		UploadDir:   t.TempDir(),
		MaxUploadMB: 1,
	}
	snap := &models.MetricsSnapshot{Source: "tegrastats", GPUUtil: 42}
	srv := New(cfg, defaultStream(), loop, &fakeFeed{}, fixedMetrics{snap: snap, raw: tegraLine}, "tegrastats",
		platform.Device{Hostname: "orin", Jetson: true}, nil)
	handler, err := srv.Handler()
	if err != nil {
		t.Fatalf("Handler() error: %v", err)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts, cfg
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestIndexServed(t *testing.T) {
	ts, _ := newTestServer(t, &fakeLoop{})

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(buf.String(), "<title>jetvision</title>") {
		t.Error("index page not served")
	}
}

func TestWebsocketRouted(t *testing.T) {
	ts, _ := newTestServer(t, &fakeLoop{})

	resp, err := http.Get(ts.URL + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("status = %d, want feed handler", resp.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	ts, _ := newTestServer(t, &fakeLoop{})

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var got statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.State != "idle" {
		t.Errorf("State = %q, want idle", got.State)
	}
	if got.Stats.FramesProcessed != 7 {
		t.Errorf("FramesProcessed = %d, want 7", got.Stats.FramesProcessed)
	}
	if got.Metrics == nil || got.Metrics.GPUUtil != 42 {
		t.Errorf("Metrics = %+v", got.Metrics)
	}
	if got.MetricsRaw != tegraLine {
		t.Errorf("MetricsRaw = %q, want %q", got.MetricsRaw, tegraLine)
	}
	if got.WSClients != 2 || !got.Device.Jetson || got.MetricsMode != "tegrastats" {
		t.Errorf("status = %+v", got)
	}
}

func TestVideos(t *testing.T) {
	ts, cfg := newTestServer(t, &fakeLoop{})
	for _, name := range []string{"b.mp4", "a.mkv", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(cfg.VideosDir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := http.Get(ts.URL + "/api/videos")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var got struct {
		Videos []string `json:"videos"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	want := []string{filepath.Join(cfg.VideosDir, "a.mkv"), filepath.Join(cfg.VideosDir, "b.mp4")}
	if len(got.Videos) != 2 || got.Videos[0] != want[0] || got.Videos[1] != want[1] {
		t.Errorf("Videos = %v, want %v", got.Videos, want)
	}
}

func TestStart(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"mounted file", `{"source":"mounted-file","path":"clip.mp4"}`, nil, http.StatusAccepted},
		{"network port", `{"source":"network-stream","port":5000}`, nil, http.StatusAccepted},
		{"camera", `{"source":"device","device":1}`, nil, http.StatusAccepted},
		{"negative camera", `{"source":"device","device":-1}`, nil, http.StatusBadRequest},
		{"missing path", `{"source":"mounted-file"}`, nil, http.StatusBadRequest},
		{"bad threshold", `{"source":"mounted-file","path":"a.mp4","confidence_threshold":1.5}`, nil, http.StatusBadRequest},
		{"unknown field", `{"source":"mounted-file","path":"a.mp4","bogus":1}`, nil, http.StatusBadRequest},
		{"malformed", `{`, nil, http.StatusBadRequest},
		{"open failure", `{"source":"mounted-file","path":"a.mp4"}`, fmt.Errorf("open: no such file"), http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, _ := newTestServer(t, &fakeLoop{err: tt.err})
			resp := postJSON(t, ts.URL+"/api/start", tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestStart_FillsDefaultsAndResolvesPath(t *testing.T) {
	loop := &fakeLoop{}
	ts, cfg := newTestServer(t, loop)

	resp := postJSON(t, ts.URL+"/api/start", `{"source":"mounted-file","path":"clip.mp4"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	got := loop.Stream()
	if got.Path != filepath.Join(cfg.VideosDir, "clip.mp4") {
		t.Errorf("Path = %q", got.Path)
	}
	if got.FPSLimit != 25 || got.ConfidenceThreshold != 0.25 {
		t.Errorf("defaults not applied: %+v", got)
	}
}

func TestStart_AlreadyRunning(t *testing.T) {
	ts, _ := newTestServer(t, &fakeLoop{state: dispatch.Running})

	resp := postJSON(t, ts.URL+"/api/start", `{"source":"mounted-file","path":"clip.mp4"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestStop(t *testing.T) {
	loop := &fakeLoop{state: dispatch.Running}
	ts, _ := newTestServer(t, loop)

	resp := postJSON(t, ts.URL+"/api/stop", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
	if loop.stops != 1 || loop.State() != dispatch.Idle {
		t.Errorf("stops = %d state = %s", loop.stops, loop.State())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t, &fakeLoop{})

	resp, err := http.Get(ts.URL + "/api/start")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func uploadRequest(t *testing.T, url, filename string, content []byte, fields map[string]string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write(content)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Post(url, w.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestUpload(t *testing.T) {
	loop := &fakeLoop{}
	ts, cfg := newTestServer(t, loop)

	resp := uploadRequest(t, ts.URL+"/api/upload", "clip.mp4", []byte("video bytes"),
		map[string]string{"confidence_threshold": "0.5", "fps_limit": "10"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	got := loop.Stream()
	if got.Source != config.SourceUploadedFile {
		t.Errorf("Source = %q", got.Source)
	}
	if got.ConfidenceThreshold != 0.5 || got.FPSLimit != 10 {
		t.Errorf("form fields not applied: %+v", got)
	}
	if filepath.Dir(got.Path) != cfg.UploadDir {
		t.Errorf("Path = %q, want inside %q", got.Path, cfg.UploadDir)
	}
	data, err := os.ReadFile(got.Path)
	if err != nil || string(data) != "video bytes" {
		t.Errorf("stored upload = %q, %v", data, err)
	}
}

func TestUpload_Rejected(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		fields   map[string]string
	}{
		{"bad fps", "clip.mp4", map[string]string{"fps_limit": "0"}},
		{"non numeric", "clip.mp4", map[string]string{"confidence_threshold": "high"}},
		{"not a video", "clip.exe", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loop := &fakeLoop{}
			ts, _ := newTestServer(t, loop)
			resp := uploadRequest(t, ts.URL+"/api/upload", tt.filename, []byte("x"), tt.fields)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			if len(loop.started) != 0 {
				t.Error("loop started on a rejected upload")
			}
		})
	}
}

func TestUpload_RemovedWhenRunDoesNotStart(t *testing.T) {
	tests := []struct {
		name string
		loop *fakeLoop
		want int
	}{
		{"already running", &fakeLoop{state: dispatch.Running}, http.StatusConflict},
		{"open failure", &fakeLoop{err: fmt.Errorf("cannot open video")}, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, cfg := newTestServer(t, tt.loop)
			resp := uploadRequest(t, ts.URL+"/api/upload", "clip.mp4", []byte("video bytes"), nil)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}

			entries, err := os.ReadDir(cfg.UploadDir)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 0 {
				t.Errorf("upload dir holds %d files, want 0", len(entries))
			}
		})
	}
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, &fakeLoop{})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestFeedMetrics_OnlyWhileIdle(t *testing.T) {
	loop := &fakeLoop{}
	feed := &fakeFeed{}
	srv := New(config.ServerConfig{}, defaultStream(), loop, feed,
		fixedMetrics{snap: &models.MetricsSnapshot{}}, "host", platform.Device{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.feedMetrics(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	loop.mu.Lock()
	loop.state = dispatch.Running
	loop.mu.Unlock()

	feed.mu.Lock()
	idleCount := feed.snapshots
	feed.mu.Unlock()
	if idleCount == 0 {
		t.Fatal("no metrics pushed while idle")
	}

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	feed.mu.Lock()
	defer feed.mu.Unlock()
	// At most one tick can race the state change.
	if feed.snapshots > idleCount+1 {
		t.Errorf("snapshots = %d after run started, had %d", feed.snapshots, idleCount)
	}
}
