package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	grpcapi "github.com/sitepulse/sitepulse/internal/api/grpc"
	"github.com/sitepulse/sitepulse/internal/config"
	"github.com/sitepulse/sitepulse/internal/observability"
	"github.com/sitepulse/sitepulse/pkg/types"
)

const testKey = "app-test-key"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Auth.APIKey = testKey
	cfg.HTTP.IngestAddr = "127.0.0.1:0"
	cfg.HTTP.QueryAddr = "127.0.0.1:0"
	cfg.HTTP.RetentionAddr = "127.0.0.1:0"
	cfg.GRPC.Addr = "127.0.0.1:0"
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Stop(ctx)
	})
	return a
}

func url(a *App, service, path string) string {
	return "http://" + a.Addr(service).String() + path
}

func doRequest(t *testing.T, method, target, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, target, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if !strings.Contains(target, "/v1/track") {
		req.Header.Set("Authorization", "Bearer "+testKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestApp_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	cfg.GRPC.Enabled = true
	a := startApp(t, cfg)

	for _, path := range []string{"/home", "/home", "/pricing"} {
		resp := doRequest(t, http.MethodPost, url(a, ServiceIngest, "/v1/track"),
			`{"website_id":"site-1","event_name":"pageview","event_data":{"path":"`+path+`"}}`)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
	}

	conn, err := grpc.NewClient(a.Addr(ServiceGRPC).String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	in, err := structpb.NewStruct(map[string]interface{}{
		"website_id": "site-1",
		"event_name": "404_not_found",
		"event_data": map[string]interface{}{"path_not_found": "/old"},
	})
	require.NoError(t, err)
	_, err = grpcapi.NewIngestServiceClient(conn).Record(context.Background(), in)
	require.NoError(t, err)

	resp := doRequest(t, http.MethodGet, url(a, ServiceQuery, "/v1/summary?website_id=site-1"), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var summary types.Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	assert.Equal(t, int64(4), summary.TotalCount)
	assert.Equal(t, []types.ValueCount{{Value: "/home", Count: 2}, {Value: "/pricing", Count: 1}}, summary.TopPages)
	assert.Equal(t, []types.ValueCount{{Value: "/old", Count: 1}}, summary.TopNotFoundPaths)

	ingested := a.Metrics().IngestEvents
	assert.Equal(t, 3.0, testutil.ToFloat64(ingested.WithLabelValues("pageview", observability.OutcomeAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(ingested.WithLabelValues("not_found", observability.OutcomeAccepted)))

	resp = doRequest(t, http.MethodPost, url(a, ServiceRetention, "/v1/retention/run"), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var run map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	assert.Equal(t, "none", run["policy"])
}

func TestApp_RateLimitedIngest(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig(t)
	cfg.Mode = config.ModeIngest
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RedisAddr = mr.Addr()
	cfg.RateLimit.Window = time.Hour
	cfg.RateLimit.MaxRequests = 2
	a := startApp(t, cfg)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp := doRequest(t, http.MethodPost, url(a, ServiceIngest, "/v1/track"), `{"website_id":"w","event_name":"e"}`)
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)
	assert.Nil(t, a.Addr(ServiceQuery), "query service does not run in ingest mode")
}

func TestApp_TTLRetentionWithArchive(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = config.ModeRetention
	cfg.Retention.Policy = "ttl"
	cfg.Retention.TTL = time.Hour
	cfg.Retention.Archive = true
	a := startApp(t, cfg)

	resp := doRequest(t, http.MethodPost, url(a, ServiceRetention, "/v1/retention/run"), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var run map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	assert.Equal(t, "ttl", run["policy"])
	assert.EqualValues(t, 0, run["deleted"])
}

func TestApp_LogsClassificationTable(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	cfg := testConfig(t)
	cfg.Classification.Version = 2
	cfg.Classification.Pageview = []string{"view"}

	a, err := New(cfg, zap.New(core))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	entries := logs.FilterMessage("event classification loaded").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.EqualValues(t, 2, fields["version"])
	assert.Equal(t, []interface{}{"view"}, fields["pageview"])
}

func TestApp_StopIsIdempotent(t *testing.T) {
	a, err := New(testConfig(t), nil)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	require.NoError(t, a.Stop(context.Background()))
	require.NoError(t, a.Stop(context.Background()))
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.APIKey = ""
	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}
