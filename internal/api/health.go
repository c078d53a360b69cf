package api

import (
	"net/http"

	"github.com/ashureev/fda-chat/internal/health"
)

// HealthHandler serves GET /health. A degraded tool host still answers 200;
// the status field carries the detail.
func HealthHandler(reporter *health.Reporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		JSON(w, http.StatusOK, reporter.Report())
	}
}
