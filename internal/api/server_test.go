package api

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/smazurov/hwcomposer/internal/api/models"
	"github.com/smazurov/hwcomposer/internal/composition"
	"github.com/smazurov/hwcomposer/internal/compositor"
	"github.com/smazurov/hwcomposer/internal/events"
	"github.com/smazurov/hwcomposer/internal/logging"
)

// mockDisplayService is a test implementation of DisplayService.
type mockDisplayService struct {
	displays []compositor.Status
	dpms     map[int]bool
	modes    map[int]string
	overlays bool
	fbCache  bool
	dpmsErr  error
}

func newMockDisplayService() *mockDisplayService {
	return &mockDisplayService{
		displays: []compositor.Status{
			{Display: 0, Active: true, Mode: "1920x1080@60", Modes: []string{"1920x1080@60", "1280x720@60"}},
			{Display: 1, Active: true, Mode: "1280x720@60", Modes: []string{"1280x720@60"}},
		},
		dpms:     make(map[int]bool),
		modes:    make(map[int]string),
		overlays: true,
		fbCache:  true,
	}
}

func (m *mockDisplayService) Status() []compositor.Status { return m.displays }

func (m *mockDisplayService) DisplayStatus(id int) (compositor.Status, error) {
	if id < 0 || id >= len(m.displays) {
		return compositor.Status{}, fmt.Errorf("display %d: %w", id, compositor.ErrUnknownDisplay)
	}
	return m.displays[id], nil
}

func (m *mockDisplayService) SetDPMS(id int, on bool) error {
	if _, err := m.DisplayStatus(id); err != nil {
		return err
	}
	if m.dpmsErr != nil {
		return m.dpmsErr
	}
	m.dpms[id] = on
	return nil
}

func (m *mockDisplayService) SetMode(id int, name string) error {
	status, err := m.DisplayStatus(id)
	if err != nil {
		return err
	}
	for _, mode := range status.Modes {
		if mode == name {
			m.modes[id] = name
			return nil
		}
	}
	return composition.NewError(composition.CodeConfiguration, "no such mode", compositor.ErrUnknownMode)
}

func (m *mockDisplayService) UseOverlayPlanes() bool              { return m.overlays }
func (m *mockDisplayService) SetUseOverlayPlanes(enabled bool)    { m.overlays = enabled }
func (m *mockDisplayService) UseFramebufferCache() bool           { return m.fbCache }
func (m *mockDisplayService) SetUseFramebufferCache(enabled bool) { m.fbCache = enabled }

func newTestServer(t *testing.T, opts *Options) *httptest.Server {
	t.Helper()
	if opts.Displays == nil {
		opts.Displays = newMockDisplayService()
	}
	ts := httptest.NewServer(NewServer(opts).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doRequest(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthReportsDisplays(t *testing.T) {
	ts := newTestServer(t, &Options{})

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	health := decode[models.HealthData](t, resp)
	if health.Status != "ok" || health.Displays != 2 {
		t.Errorf("health = %+v", health)
	}
}

func TestDisplayRoutes(t *testing.T) {
	svc := newMockDisplayService()
	ts := newTestServer(t, &Options{Displays: svc})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"list", http.MethodGet, "/api/displays", "", http.StatusOK},
		{"get", http.MethodGet, "/api/displays/1", "", http.StatusOK},
		{"unknown display", http.MethodGet, "/api/displays/7", "", http.StatusNotFound},
		{"dpms off", http.MethodPut, "/api/displays/0/dpms", `{"mode":"off"}`, http.StatusAccepted},
		{"dpms bad value", http.MethodPut, "/api/displays/0/dpms", `{"mode":"standby"}`, http.StatusUnprocessableEntity},
		{"dpms unknown display", http.MethodPut, "/api/displays/9/dpms", `{"mode":"on"}`, http.StatusNotFound},
		{"mode", http.MethodPut, "/api/displays/0/mode", `{"mode":"1280x720@60"}`, http.StatusAccepted},
		{"unknown mode", http.MethodPut, "/api/displays/1/mode", `{"mode":"640x480@60"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, tt.method, ts.URL+tt.path, tt.body)
			if resp.StatusCode != tt.status {
				body, _ := io.ReadAll(resp.Body)
				t.Fatalf("status = %d, want %d: %s", resp.StatusCode, tt.status, body)
			}
		})
	}

	if on, ok := svc.dpms[0]; !ok || on {
		t.Errorf("dpms[0] = %v, %v; want off", on, ok)
	}
	if svc.modes[0] != "1280x720@60" {
		t.Errorf("modes[0] = %q", svc.modes[0])
	}
}

func TestDPMSConflict(t *testing.T) {
	svc := newMockDisplayService()
	svc.dpmsErr = composition.NewError(composition.CodeInvalidState, "compositor not started", nil)
	ts := newTestServer(t, &Options{Displays: svc})

	resp := doRequest(t, http.MethodPut, ts.URL+"/api/displays/0/dpms", `{"mode":"on"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestListDisplays(t *testing.T) {
	ts := newTestServer(t, &Options{})

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/displays", "")
	list := decode[models.DisplayListData](t, resp)
	if list.Count != 2 || len(list.Displays) != 2 {
		t.Fatalf("list = %+v", list)
	}
	if list.Displays[0].Mode != "1920x1080@60" {
		t.Errorf("display 0 mode = %q", list.Displays[0].Mode)
	}
}

func TestPatchSettings(t *testing.T) {
	svc := newMockDisplayService()
	ts := newTestServer(t, &Options{Displays: svc})

	resp := doRequest(t, http.MethodPatch, ts.URL+"/api/settings", `{"use_overlay_planes":false}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	settings := decode[models.SettingsData](t, resp)
	if settings.UseOverlayPlanes || !settings.UseFramebufferCache {
		t.Errorf("settings = %+v", settings)
	}
	if svc.overlays {
		t.Error("overlay planes still enabled")
	}
	if !svc.fbCache {
		t.Error("omitted field changed the framebuffer cache")
	}
}

func TestBasicAuth(t *testing.T) {
	ts := newTestServer(t, &Options{AuthUsername: "admin", AuthPassword: "secret"})

	creds := base64.StdEncoding.EncodeToString([]byte("admin:secret"))
	wrong := base64.StdEncoding.EncodeToString([]byte("admin:nope"))

	tests := []struct {
		name   string
		path   string
		header string
		status int
	}{
		{"health is public", "/api/health", "", http.StatusOK},
		{"missing credentials", "/api/displays", "", http.StatusUnauthorized},
		{"wrong password", "/api/displays", "Basic " + wrong, http.StatusUnauthorized},
		{"bearer token", "/api/displays", "Bearer abc", http.StatusUnauthorized},
		{"valid header", "/api/displays", "Basic " + creds, http.StatusOK},
		{"valid query", "/api/displays?auth=" + creds, "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, ts.URL+tt.path, nil)
			if err != nil {
				t.Fatal(err)
			}
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if tt.status == http.StatusUnauthorized && resp.Header.Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, &Options{})

	resp := doRequest(t, http.MethodOptions, ts.URL+"/api/settings", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, http.MethodPatch) {
		t.Errorf("allow methods = %q", got)
	}
}

func TestPrometheusHandlerMounted(t *testing.T) {
	prom := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "hwcd_compositor_frames_committed_total 1\n")
	})
	ts := newTestServer(t, &Options{AuthUsername: "admin", AuthPassword: "secret", PrometheusHandler: prom})

	resp := doRequest(t, http.MethodGet, ts.URL+"/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestLogsFilter(t *testing.T) {
	logging.Initialize(logging.Config{Level: "debug", Format: "text"})
	ts := newTestServer(t, &Options{})

	start := logging.GetBuffer().Since(0)
	var since uint64
	if len(start) > 0 {
		since = start[len(start)-1].Seq
	}
	logging.GetLogger("scene").Debug("scene loaded", "layers", 3)
	logging.GetLogger("compositor").Warn("plane plan rejected", "display", 0)

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"all", "", []string{"scene loaded", "plane plan rejected"}},
		{"module", "&module=scene", []string{"scene loaded"}},
		{"level", "&level=warn", []string{"plane plan rejected"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, http.MethodGet, fmt.Sprintf("%s/api/logs?since=%d%s", ts.URL, since, tt.query), "")
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
			logs := decode[models.LogsData](t, resp)
			var got []string
			for _, e := range logs.Entries {
				// Ignore request logs from the API itself.
				if e.Module == "api" {
					continue
				}
				got = append(got, e.Message)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("messages = %q, want %q", got, tt.want)
			}
		})
	}

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/logs?level=loud", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad level status = %d, want 400", resp.StatusCode)
	}
}

func TestEventStream(t *testing.T) {
	bus := events.New()
	ts := newTestServer(t, &Options{EventBus: bus})

	// The stream sends no headers before its first event and the subscription
	// races the first publish; keep publishing until a frame shows up.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				bus.Publish(events.FrameCommittedEvent{Display: 3, FrameNo: 9})
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var eventName string
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			eventName = name
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if eventName != "frame-committed" {
			t.Fatalf("event = %q, want frame-committed", eventName)
		}
		var ev events.FrameCommittedEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Display != 3 || ev.FrameNo != 9 {
			t.Errorf("event = %+v", ev)
		}
		return
	}
	t.Fatalf("stream ended without an event: %v", scanner.Err())
}

func TestEventRoutesNeedBus(t *testing.T) {
	ts := newTestServer(t, &Options{})

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/events", "")
	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want route to be absent", resp.StatusCode)
	}
}

type recordHandler struct {
	records chan slog.Record
}

func (h *recordHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *recordHandler) Handle(_ context.Context, r slog.Record) error {
	h.records <- r
	return nil
}
func (h *recordHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordHandler) WithGroup(string) slog.Handler      { return h }

func TestRequestLog(t *testing.T) {
	h := &recordHandler{records: make(chan slog.Record, 8)}
	srv := NewServer(&Options{Displays: newMockDisplayService()})
	srv.logger = slog.New(h)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	tests := []struct {
		name    string
		method  string
		path    string
		body    string
		level   slog.Level
		route   string
		display any
	}{
		{"list", http.MethodGet, "/api/displays", "", slog.LevelDebug, "/api/displays", nil},
		{"get", http.MethodGet, "/api/displays/1", "", slog.LevelDebug, "/api/displays/{display}", int64(1)},
		{"dpms", http.MethodPut, "/api/displays/0/dpms", `{"mode":"off"}`, slog.LevelInfo, "/api/displays/{display}/dpms", int64(0)},
		{"unknown display", http.MethodGet, "/api/displays/7", "", slog.LevelWarn, "/api/displays/{display}", int64(7)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doRequest(t, tt.method, ts.URL+tt.path, tt.body)

			var r slog.Record
			for r.Message != "API request" {
				select {
				case r = <-h.records:
				case <-time.After(time.Second):
					t.Fatal("request not logged")
				}
			}
			attrs := map[string]any{}
			r.Attrs(func(a slog.Attr) bool {
				attrs[a.Key] = a.Value.Any()
				return true
			})
			if r.Level != tt.level {
				t.Errorf("level = %v, want %v", r.Level, tt.level)
			}
			if attrs["route"] != tt.route {
				t.Errorf("route = %v, want %q", attrs["route"], tt.route)
			}
			if attrs["display"] != tt.display {
				t.Errorf("display = %v, want %v", attrs["display"], tt.display)
			}
		})
	}
}
