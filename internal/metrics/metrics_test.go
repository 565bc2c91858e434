package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetricFamily は収集済みメトリクスから指定名のファミリーを返す。
func findMetricFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

// counterWithLabels は指定ラベルを持つカウンタの値を返す。
func counterWithLabels(mf *dto.MetricFamily, labels map[string]string) float64 {
	for _, m := range mf.GetMetric() {
		matched := 0
		for _, lp := range m.GetLabel() {
			if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
				matched++
			}
		}
		if matched == len(labels) {
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordLogin_LabelsByStrategyAndResult は認証方式と結果ごとにカウントされることを検証する。
func TestRecordLogin_LabelsByStrategyAndResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLogin("local", ResultSuccess)
	c.RecordLogin("local", ResultSuccess)
	c.RecordLogin("local", ResultFailure)
	c.RecordLogin("oidc", ResultSuccess)

	mf := findMetricFamily(t, reg, "marceconnect_login_total")
	if got := counterWithLabels(mf, map[string]string{"strategy": "local", "result": ResultSuccess}); got != 2 {
		t.Errorf("local/success = %v, want 2", got)
	}
	if got := counterWithLabels(mf, map[string]string{"strategy": "local", "result": ResultFailure}); got != 1 {
		t.Errorf("local/failure = %v, want 1", got)
	}
	if got := counterWithLabels(mf, map[string]string{"strategy": "oidc", "result": ResultSuccess}); got != 1 {
		t.Errorf("oidc/success = %v, want 1", got)
	}
}

func TestRecordRegistrationAndRefresh(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRegistration(ResultSuccess)
	c.RecordTokenRefresh(ResultFailure)
	c.RecordTokenRefresh(ResultFailure)

	reg1 := findMetricFamily(t, reg, "marceconnect_registration_total")
	if got := counterWithLabels(reg1, map[string]string{"result": ResultSuccess}); got != 1 {
		t.Errorf("registration success = %v, want 1", got)
	}
	ref := findMetricFamily(t, reg, "marceconnect_token_refresh_total")
	if got := counterWithLabels(ref, map[string]string{"result": ResultFailure}); got != 2 {
		t.Errorf("token refresh failure = %v, want 2", got)
	}
}

// TestRecordSessionsPruned_IgnoresZero は0件の削除でカウンタが変化しないことを検証する。
func TestRecordSessionsPruned_IgnoresZero(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSessionsPruned(3)
	c.RecordSessionsPruned(0)
	c.RecordSessionsPruned(2)

	mf := findMetricFamily(t, reg, "marceconnect_sessions_pruned_total")
	if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 5 {
		t.Errorf("sessions_pruned_total = %v, want 5", got)
	}
}

func TestMiddleware_RecordsStatusAndLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/denied", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	handler := Middleware(c)(mux)

	for _, path := range []string{"/ok", "/denied", "/denied"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	mf := findMetricFamily(t, reg, "marceconnect_http_status_total")
	if got := counterWithLabels(mf, map[string]string{"status_code": "200"}); got != 1 {
		t.Errorf("200 count = %v, want 1", got)
	}
	if got := counterWithLabels(mf, map[string]string{"status_code": "401"}); got != 2 {
		t.Errorf("401 count = %v, want 2", got)
	}

	latency := findMetricFamily(t, reg, "marceconnect_http_request_duration_seconds")
	if got := latency.GetMetric()[0].GetHistogram().GetSampleCount(); got != 3 {
		t.Errorf("latency sample count = %d, want 3", got)
	}
}

// TestHandler_ServesMetrics はスクレイプ用ハンドラーがテキスト形式で返すことを検証する。
func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordLogin("local", ResultSuccess)
	c.RecordRequestLatency(10 * time.Millisecond)

	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `marceconnect_login_total{result="success",strategy="local"} 1`) {
		t.Errorf("response should contain login counter, got:\n%s", body)
	}
}

func TestNoop_SatisfiesInterface(t *testing.T) {
	var c MetricsCollector = Noop{}
	c.RecordLogin("local", ResultSuccess)
	c.RecordSessionsPruned(10)
}
