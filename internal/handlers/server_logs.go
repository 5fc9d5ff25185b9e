package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gluk-w/claworc/nodelink/internal/logging"
)

const (
	defaultLogLines = 200
	maxLogLines     = 5000
)

// GetServerLogs returns the tail of the node's log file. "lines" bounds the
// tail and "match" keeps only lines containing the given text, e.g. a setup
// or channel id.
func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := defaultLogLines
	if q := r.URL.Query().Get("lines"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "lines must be a positive number")
			return
		}
		lines = min(n, maxLogLines)
	}
	match := r.URL.Query().Get("match")

	// Filtering happens after the tail is read, so read the maximum.
	read := lines
	if match != "" {
		read = maxLogLines
	}
	content, err := logging.ReadTail(read)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if match != "" {
		content = filterLines(content, match, lines)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": content, "lines": lines})
}

func filterLines(content, match string, limit int) string {
	var kept []string
	for _, line := range strings.Split(content, "\n") {
		if strings.Contains(line, match) {
			kept = append(kept, line)
		}
	}
	if len(kept) > limit {
		kept = kept[len(kept)-limit:]
	}
	return strings.Join(kept, "\n")
}

func RotateServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Rotate(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
