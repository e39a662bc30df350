package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nexus-edge/rackmon/internal/health"
	"github.com/nexus-edge/rackmon/testing/mocks"
)

func newTestChecker() *health.HealthChecker {
	return health.NewChecker(health.Config{
		ServiceName:    "rackmond",
		ServiceVersion: "test",
		CheckTimeout:   time.Second,
	})
}

func TestHealthChecker_Check(t *testing.T) {
	tests := []struct {
		name        string
		busErr      error
		mqttErr     error
		wantStatus  string
		wantHealthy bool
	}{
		{"all healthy", nil, nil, health.StatusHealthy, true},
		{"optional failure degrades", nil, errors.New("not connected"), health.StatusDegraded, true},
		{"required failure", errors.New("breaker open"), nil, health.StatusUnhealthy, false},
		{"both failing", errors.New("breaker open"), errors.New("not connected"), health.StatusUnhealthy, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := mocks.NewMockChecker()
			bus.SetError(tt.busErr)
			mqtt := mocks.NewMockChecker()
			mqtt.SetError(tt.mqttErr)

			hc := newTestChecker()
			hc.AddCheck("serial", bus)
			hc.AddOptionalCheck("mqtt", mqtt)

			resp := hc.Check(context.Background())
			if resp.Status != tt.wantStatus {
				t.Errorf("expected status %s, got %s", tt.wantStatus, resp.Status)
			}
			if len(resp.Checks) != 2 {
				t.Fatalf("expected 2 checks, got %d", len(resp.Checks))
			}
			if tt.busErr != nil && resp.Checks["serial"].Error != tt.busErr.Error() {
				t.Errorf("expected serial error %q, got %q", tt.busErr, resp.Checks["serial"].Error)
			}
			if !resp.Checks["mqtt"].Optional {
				t.Error("expected mqtt check to be optional")
			}
			if got := hc.IsHealthy(context.Background()); got != tt.wantHealthy {
				t.Errorf("expected IsHealthy %v, got %v", tt.wantHealthy, got)
			}
		})
	}
}

func TestHealthChecker_CachedStatus(t *testing.T) {
	hc := newTestChecker()
	c := mocks.NewMockChecker()
	hc.AddCheck("monitor", c)

	if got := hc.GetStatus("monitor"); got == nil || got.Status != health.StatusUnknown {
		t.Fatalf("expected unknown status before first check, got %+v", got)
	}

	hc.Check(context.Background())
	if got := hc.GetStatus("monitor"); got.Status != health.StatusHealthy {
		t.Errorf("expected healthy, got %s", got.Status)
	}
	if c.Calls() != 1 {
		t.Errorf("expected 1 check call, got %d", c.Calls())
	}

	hc.RemoveCheck("monitor")
	if hc.GetStatus("monitor") != nil {
		t.Error("expected removed check to have no status")
	}
}

func TestHealthChecker_CheckerFunc(t *testing.T) {
	hc := newTestChecker()
	hc.AddCheck("slow", health.CheckerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	resp := hc.Check(ctx)
	if resp.Status != health.StatusUnhealthy {
		t.Errorf("expected a check that times out to be unhealthy, got %s", resp.Status)
	}
}

func TestHealthChecker_Handlers(t *testing.T) {
	bus := mocks.NewMockChecker()
	mqtt := mocks.NewMockChecker()
	mqtt.SetError(errors.New("not connected"))

	hc := newTestChecker()
	hc.AddCheck("serial", bus)
	hc.AddOptionalCheck("mqtt", mqtt)

	tests := []struct {
		name       string
		handler    http.HandlerFunc
		busErr     error
		wantCode   int
		wantStatus string
	}{
		{"health degraded", hc.HealthHandler, nil, http.StatusOK, health.StatusDegraded},
		{"ready degraded", hc.ReadinessHandler, nil, http.StatusOK, health.StatusDegraded},
		{"ready unhealthy", hc.ReadinessHandler, errors.New("port gone"), http.StatusServiceUnavailable, health.StatusUnhealthy},
		{"live while unhealthy", hc.LivenessHandler, errors.New("port gone"), http.StatusOK, health.StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus.SetError(tt.busErr)

			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("expected code %d, got %d", tt.wantCode, rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected JSON content type, got %q", ct)
			}

			var resp health.HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("expected status %s, got %s", tt.wantStatus, resp.Status)
			}
			if resp.Service != "rackmond" {
				t.Errorf("expected service rackmond, got %s", resp.Service)
			}
		})
	}
}
