package httpapi

import (
	"net/http"

	"github.com/ent0n29/parley/internal/observability"
)

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.metrics.SnapshotStages()
	if dropped := s.bus.Dropped(); dropped > 0 {
		snapshot.Indicators = append(snapshot.Indicators, observability.Indicator{Name: "ws_events_dropped", Count: int(dropped)})
	}
	respondJSON(w, http.StatusOK, snapshot)
}
