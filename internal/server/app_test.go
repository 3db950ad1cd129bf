package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/api"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/config"
)

type fakeProvider struct {
	mu        sync.Mutex
	callbacks []string
}

func (p *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.callbacks = append(p.callbacks, r.URL.Query().Get("endpoint"))
	p.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"snapshot_id":"snap-e2e"}`))
}

func (p *fakeProvider) lastCallback() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.callbacks) == 0 {
		return ""
	}
	return p.callbacks[len(p.callbacks)-1]
}

func testConfig(t *testing.T, providerURL string) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		Server: config.ServerConfig{ShutdownTimeout: 2 * time.Second},
		Provider: config.ProviderConfig{
			Endpoint:      providerURL,
			DatasetID:     "ds-test",
			Token:         "token",
			PublicBaseURL: "https://reporter.test",
			Timeout:       5 * time.Second,
			RatePerSecond: 100,
			Burst:         10,
		},
		Analysis: config.AnalysisConfig{Kind: config.AnalyzerMock, Timeout: 5 * time.Second},
		Worker:   config.WorkerConfig{Concurrency: 1},
		Queue:    config.QueueConfig{Kind: config.BackendMemory, Depth: 8, EnqueueTimeout: time.Second},
		Storage: config.StorageConfig{
			Jobs:          config.BackendSQLite,
			Archive:       config.BackendLocal,
			ArchivePrefix: "webhooks",
			LocalDir:      filepath.Join(dir, "payloads"),
		},
		SQLite:  config.SQLiteConfig{Path: filepath.Join(dir, "jobs.db")},
		PubSub:  config.PubSubConfig{Kind: config.BackendMemory, TopicName: "job-events"},
		Logging: config.LoggingConfig{Level: "error"},
	}
}

func call(t *testing.T, h http.Handler, method, target, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader([]byte(body)))
	req.Header.Set(api.UserHeader, "owner-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	out := map[string]any{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec.Code, out
}

func TestAppEndToEnd(t *testing.T) {
	provider := &fakeProvider{}
	providerSrv := httptest.NewServer(provider)
	defer providerSrv.Close()

	cfg := testConfig(t, providerSrv.URL)
	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	h := app.Handler()
	code, body := call(t, h, http.MethodPost, "/v1/jobs", `{"prompt":"Acme Anvils"}`)
	require.Equal(t, http.StatusAccepted, code)
	require.Equal(t, "snap-e2e", body["snapshot_id"])
	jobID := body["job_id"].(string)

	callback, err := url.Parse(provider.lastCallback())
	require.NoError(t, err)
	require.Equal(t, "/api/webhook", callback.Path)
	require.Equal(t, jobID, callback.Query().Get("jobId"))

	code, _ = call(t, h, http.MethodPost, callback.RequestURI(),
		`[{"url":"https://acme.example","answer_text":"Acme makes anvils."}]`)
	require.Equal(t, http.StatusOK, code)

	require.Eventually(t, func() bool {
		_, view := call(t, h, http.MethodGet, "/v1/jobs/"+jobID, "")
		return view["status"] == "completed"
	}, 5*time.Second, 20*time.Millisecond)

	entries, err := os.ReadDir(filepath.Join(cfg.Storage.LocalDir, "webhooks", jobID))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	code, _ = call(t, h, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, code)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not shut down")
	}
}

func TestBuildFailsOnBadAnalyzerConfig(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Analysis.Kind = config.AnalyzerAnthropic

	_, err := Build(context.Background(), cfg)
	require.ErrorContains(t, err, "analyzer init failed")
}

func TestBuildFailsOnBadLogLevel(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Logging.Level = "chatty"

	_, err := Build(context.Background(), cfg)
	require.ErrorContains(t, err, "logger init failed")
}

func TestBuildRejectsMissingProviderCredentials(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Provider.Token = ""

	_, err := Build(context.Background(), cfg)
	require.ErrorContains(t, err, "provider client init failed")
}
