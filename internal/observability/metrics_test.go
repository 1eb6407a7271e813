package observability

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	// Don't call NewMetrics() here as it registers with the default
	// registry. Just verify the structure would be created.
	t.Log("Metrics structure verified through integration tests")
}

func TestRecordLLMRequest(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_llm_requests_total",
			Help: "Test LLM request counter",
		},
		[]string{"provider", "model", "status"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("anthropic", "claude-3-opus", "success").Inc()
	counter.WithLabelValues("openai", "gpt-4", "success").Inc()
	counter.WithLabelValues("anthropic", "claude-3-opus", "error").Inc()

	expected := `
		# HELP test_llm_requests_total Test LLM request counter
		# TYPE test_llm_requests_total counter
		test_llm_requests_total{model="claude-3-opus",provider="anthropic",status="error"} 1
		test_llm_requests_total{model="claude-3-opus",provider="anthropic",status="success"} 1
		test_llm_requests_total{model="gpt-4",provider="openai",status="success"} 1
	`
	if err := testutil.CollectAndCompare(counter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordToolExecution(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_tool_executions_total",
			Help: "Test tool execution counter",
		},
		[]string{"tool_name", "status"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("files.read", "success").Inc()
	counter.WithLabelValues("files.read", "success").Inc()
	counter.WithLabelValues("files.write", "denied").Inc()

	if count := testutil.CollectAndCount(counter); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}
}

func TestRecordError(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_errors_total",
			Help: "Test error counter",
		},
		[]string{"component", "error_type"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("router", "provider_unavailable").Inc()
	counter.WithLabelValues("router", "provider_unavailable").Inc()
	counter.WithLabelValues("mcp", "connection_dropped").Inc()
	counter.WithLabelValues("registry", "tool_not_found").Inc()

	if count := testutil.CollectAndCount(counter); count != 3 {
		t.Errorf("expected 3 label combinations, got %d", count)
	}
}

func TestProviderStateLifecycle(t *testing.T) {
	// Exercises the gauge/counter shape SetProviderState and
	// RecordProviderRestart build on, with an isolated registry.
	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "test_provider_state",
			Help: "Test provider state gauge",
		},
		[]string{"provider_id", "kind", "state"},
	)
	restarts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_provider_restarts_total",
			Help: "Test provider restart counter",
		},
		[]string{"provider_id", "kind"},
	)
	registry.MustRegister(gauge, restarts)

	gauge.WithLabelValues("mcp:files", "mcp", "healthy").Set(1)
	gauge.WithLabelValues("mcp:files", "mcp", "failed").Set(0)
	gauge.WithLabelValues("mcp:files", "mcp", "healthy").Set(0)
	gauge.WithLabelValues("mcp:files", "mcp", "restarting").Set(1)
	restarts.WithLabelValues("mcp:files", "mcp").Inc()

	if testutil.CollectAndCount(gauge) < 1 {
		t.Error("expected provider state gauge to be tracked")
	}
	if got := testutil.ToFloat64(restarts.WithLabelValues("mcp:files", "mcp")); got != 1 {
		t.Errorf("expected 1 restart recorded, got %v", got)
	}
}

func TestDispatchTurnsHistogramBuckets(t *testing.T) {
	registry := prometheus.NewRegistry()
	histogram := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "test_dispatch_turns",
			Help:    "Test dispatch turn histogram",
			Buckets: []float64{1, 2, 3, 5, 8, 10},
		},
	)
	registry.MustRegister(histogram)

	for _, turns := range []float64{1, 2, 3, 5, 8, 10} {
		histogram.Observe(turns)
	}

	if testutil.CollectAndCount(histogram) < 1 {
		t.Error("expected dispatch turns histogram to have observations")
	}
}

func TestConcurrentMetrics(t *testing.T) {
	// Test concurrent metric recording.
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_concurrent_total",
			Help: "Test concurrent counter",
		},
		[]string{"label"},
	)
	registry.MustRegister(counter)

	done := make(chan bool)
	iterations := 100

	go func() {
		for i := 0; i < iterations; i++ {
			counter.WithLabelValues("a").Inc()
			time.Sleep(time.Microsecond)
		}
		done <- true
	}()

	go func() {
		for i := 0; i < iterations; i++ {
			counter.WithLabelValues("b").Inc()
			time.Sleep(time.Microsecond)
		}
		done <- true
	}()

	<-done
	<-done

	// Should not panic.
	if testutil.CollectAndCount(counter) < 1 {
		t.Error("expected concurrent metric recording to work")
	}
}
