package status

import (
	"encoding/json"
	"net/http"

	"github.com/rickgao/updown-recorder/internal/model"
)

// Handler serves /health and /debug/status.
func (r *Reporter) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		s := r.Snapshot()
		overall := Overall(s)

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     overall.String(),
			Components: make(map[string]any),
		}

		feeds := make(map[string]string, len(s.Health))
		for _, h := range s.Health {
			feeds[h.Feed] = h.Status.String()
		}
		health.Components["feeds"] = feeds
		health.Components["markets"] = len(s.Markets)
		writerState := map[string]any{"active_date": s.Writer.ActiveDate, "written": s.Writer.Written}
		if s.Writer.Fatal != "" {
			writerState["fatal"] = s.Writer.Fatal
		}
		health.Components["writer"] = writerState

		w.Header().Set("Content-Type", "application/json")
		if overall == model.Down {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(r.Snapshot())
	})

	return mux
}
