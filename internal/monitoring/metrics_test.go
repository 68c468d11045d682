package monitoring

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestMetricsRegistry_NewCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := registry.NewCounter("test_counter", "Test counter")
	if counter == nil {
		t.Fatal("Expected counter to be created")
	}

	if counter.name != "test_counter" {
		t.Errorf("Expected name 'test_counter', got '%s'", counter.name)
	}

	if again := registry.NewCounter("test_counter", "ignored"); again != counter {
		t.Error("Registering the same name should return the existing counter")
	}
}

func TestCounter_Operations(t *testing.T) {
	registry := NewMetricsRegistry()
	counter := registry.NewCounter("test_counter", "Test counter")

	counter.Inc()
	if counter.Get() != 1 {
		t.Errorf("Expected counter value 1, got %d", counter.Get())
	}

	counter.Add(5)
	if counter.Get() != 6 {
		t.Errorf("Expected counter value 6, got %d", counter.Get())
	}

	// Counters never go down
	counter.Add(-3)
	if counter.Get() != 6 {
		t.Errorf("Expected counter value 6 after negative add, got %d", counter.Get())
	}
}

func TestCounter_Concurrency(t *testing.T) {
	registry := NewMetricsRegistry()
	counter := registry.NewCounter("concurrent_counter", "Concurrent counter")

	goroutines := 10
	incrementsPerGoroutine := 100

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < incrementsPerGoroutine; j++ {
				counter.Inc()
			}
		}()
	}

	wg.Wait()

	expected := int64(goroutines * incrementsPerGoroutine)
	if counter.Get() != expected {
		t.Errorf("Expected counter value %d, got %d", expected, counter.Get())
	}
}

func TestGauge_Operations(t *testing.T) {
	registry := NewMetricsRegistry()
	gauge := registry.NewGauge("test_gauge", "Test gauge")

	gauge.Set(42)
	if gauge.Get() != 42 {
		t.Errorf("Expected gauge value 42, got %d", gauge.Get())
	}

	gauge.Inc()
	if gauge.Get() != 43 {
		t.Errorf("Expected gauge value 43, got %d", gauge.Get())
	}

	gauge.Dec()
	gauge.Dec()
	if gauge.Get() != 41 {
		t.Errorf("Expected gauge value 41, got %d", gauge.Get())
	}
}

func TestMetricsRegistry_GetAllMetrics(t *testing.T) {
	registry := NewMetricsRegistry()

	registry.NewGauge("b_gauge", "B").Set(7)
	registry.NewCounter("a_counter", "A").Inc()

	all := registry.GetAllMetrics()
	if len(all) != 2 {
		t.Fatalf("Expected 2 metrics, got %d", len(all))
	}

	if all[0].Name != "a_counter" || all[0].Type != MetricTypeCounter || all[0].Value != 1 {
		t.Errorf("Unexpected first metric: %+v", all[0])
	}

	if all[1].Name != "b_gauge" || all[1].Type != MetricTypeGauge || all[1].Value != 7 {
		t.Errorf("Unexpected second metric: %+v", all[1])
	}
}

func TestMetricsRegistry_Format(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.NewCounter("kvdb_puts_total", "Put operations").Add(3)
	registry.NewGauge("kvdb_live_iterators", "Open iterators")

	want := "kvdb_live_iterators 0\nkvdb_puts_total 3\n"
	if got := registry.Format(); got != want {
		t.Errorf("Format() = %q, want %q", got, want)
	}
}

func TestMetricsRegistry_Prometheus(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.NewCounter("kvdb_puts_total", "Put operations").Add(2)

	out := registry.Prometheus()

	for _, line := range []string{
		"# HELP kvdb_puts_total Put operations",
		"# TYPE kvdb_puts_total counter",
		"kvdb_puts_total 2",
	} {
		if !strings.Contains(out, line+"\n") {
			t.Errorf("Expected exposition to contain %q, got:\n%s", line, out)
		}
	}
}

func TestHealthManager_CheckHealth(t *testing.T) {
	tests := []struct {
		name     string
		checkers []HealthChecker
		want     HealthStatus
	}{
		{
			name: "all healthy",
			checkers: []HealthChecker{
				&ProbeChecker{CheckName: "db", Critical: true, Probe: okProbe},
			},
			want: HealthStatusHealthy,
		},
		{
			name: "slow probe degrades",
			checkers: []HealthChecker{
				&ProbeChecker{CheckName: "db", Probe: okProbe},
				&ProbeChecker{CheckName: "slow", SlowAfter: time.Nanosecond, Probe: slowProbe},
			},
			want: HealthStatusDegraded,
		},
		{
			name: "failed probe is unhealthy",
			checkers: []HealthChecker{
				&ProbeChecker{CheckName: "slow", SlowAfter: time.Nanosecond, Probe: slowProbe},
				&ProbeChecker{CheckName: "backup", Critical: true, Probe: failProbe},
			},
			want: HealthStatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm := NewHealthManager()
			for _, c := range tt.checkers {
				hm.RegisterChecker(c)
			}

			resp := hm.CheckHealth(context.Background())
			if resp.Status != tt.want {
				t.Errorf("Expected status %s, got %s", tt.want, resp.Status)
			}
			if resp.Summary.Total != len(tt.checkers) {
				t.Errorf("Expected %d checks, got %d", len(tt.checkers), resp.Summary.Total)
			}
		})
	}
}

func TestProbeChecker_FailureDetails(t *testing.T) {
	hm := NewHealthManager()
	hm.RegisterChecker(&ProbeChecker{CheckName: "backup", Critical: true, Probe: failProbe})

	resp := hm.CheckHealth(context.Background())
	check, ok := resp.Checks["backup"]
	if !ok {
		t.Fatal("Expected backup check in response")
	}

	if !check.Critical || resp.Summary.Critical != 1 {
		t.Errorf("Expected a critical failure, got %+v", check)
	}

	if !strings.Contains(check.Message, "catalog missing") {
		t.Errorf("Expected probe error in message, got %q", check.Message)
	}
}

func TestMemoryHealthChecker(t *testing.T) {
	check := NewMemoryHealthChecker(0).Check(context.Background())
	if check.Status != HealthStatusHealthy {
		t.Errorf("A zero limit should always be healthy, got %s", check.Status)
	}

	if _, ok := check.Details["alloc_mb"]; !ok {
		t.Error("Expected alloc_mb detail")
	}
}

func okProbe(context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{"ok": true}, nil
}

func slowProbe(context.Context) (map[string]interface{}, error) {
	time.Sleep(time.Millisecond)
	return nil, nil
}

func failProbe(context.Context) (map[string]interface{}, error) {
	return nil, errors.New("catalog missing")
}
