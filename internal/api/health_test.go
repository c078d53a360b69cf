package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/fda-chat/internal/domain"
	"github.com/ashureev/fda-chat/internal/health"
	"github.com/ashureev/fda-chat/internal/toolhost"
)

type staticHost struct {
	connected bool
	catalog   *toolhost.Catalog
}

func (h staticHost) Ping(context.Context) error { return nil }
func (h staticHost) Connected() bool            { return h.connected }
func (h staticHost) Catalog() *toolhost.Catalog { return h.catalog }

type sessionCount int

func (s sessionCount) Len() int { return int(s) }

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name       string
		connected  bool
		wantStatus string
	}{
		{"connected", true, health.StatusHealthy},
		{"disconnected", false, health.StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := staticHost{
				connected: tt.connected,
				catalog:   toolhost.NewCatalog([]domain.ToolDeclaration{{Name: "search_recalls"}}),
			}
			h := HealthHandler(health.NewReporter(host, sessionCount(2)))

			w := httptest.NewRecorder()
			h(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Code != http.StatusOK {
				t.Fatalf("Expected status 200, got %d", w.Code)
			}
			var got health.Report
			if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", got.Status, tt.wantStatus)
			}
			if got.MCPConnected != tt.connected {
				t.Errorf("mcp_connected = %v, want %v", got.MCPConnected, tt.connected)
			}
			if got.ToolsLoaded != 1 || got.Sessions != 2 {
				t.Errorf("unexpected counts: %+v", got)
			}
		})
	}
}
