package logsink

import (
	"context"
	"net/http"
	"strings"

	"github.com/openearth-labs/openearth-go/internal/platform/httpserver"
)

// HistoryReader returns the retained messages of a channel.
type HistoryReader interface {
	History(ctx context.Context, channel string) ([]string, error)
}

// HistoryHandler serves GET /jobs/{id}/log?user=<name> with the retained
// log lines of a job so late subscribers can catch up.
func HistoryHandler(reader HistoryReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := strings.TrimSpace(r.PathValue("id"))
		user := strings.TrimSpace(r.URL.Query().Get("user"))
		if jobID == "" || user == "" {
			httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "job id and user are required"})
			return
		}
		channel := Channel(user, jobID)
		lines, err := reader.History(r.Context(), channel)
		if err != nil {
			httpserver.WriteJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
			return
		}
		if lines == nil {
			lines = []string{}
		}
		httpserver.WriteJSON(w, http.StatusOK, map[string]any{
			"channel": channel,
			"lines":   lines,
		})
	}
}

var (
	_ HistoryReader = (*RedisSink)(nil)
	_ HistoryReader = (*MemorySink)(nil)
)
