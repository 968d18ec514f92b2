package api

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

var exportHeader = []string{
	"id", "url", "final_url", "status_code", "title", "description",
	"og_title", "og_description", "cache_hit", "duration_ms", "created_at",
}

// exportHistory streams the client's history as JSON or CSV, selected by
// the format query parameter.
func (s *Server) exportHistory(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		s.writeError(w, http.StatusBadRequest, "format must be json or csv")
		return
	}

	rows, ok := s.listHistory(w, r)
	if !ok {
		return
	}

	if format == "json" {
		w.Header().Set("Content-Disposition", `attachment; filename="seoscope-history.json"`)
		s.writeJSON(w, http.StatusOK, rows)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="seoscope-history.csv"`)
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		s.logger.Error("csv write failed", zap.Error(err))
		return
	}
	for _, rec := range rows {
		row := []string{
			rec.ID,
			rec.URL,
			rec.FinalURL,
			strconv.Itoa(rec.StatusCode),
			rec.Title,
			rec.Description,
			rec.OGTitle,
			rec.OGDescription,
			strconv.FormatBool(rec.CacheHit),
			strconv.FormatInt(rec.DurationMs, 10),
			rec.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			s.logger.Error("csv write failed", zap.Error(err))
			return
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		s.logger.Error("csv flush failed", zap.Error(err))
	}
}
