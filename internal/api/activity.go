package api

import (
	"net/http"

	"github.com/eniz1806/VaultGallery/internal/audit"
)

const (
	defaultActivityEntries = 50
	maxActivityEntries     = 500
)

// handleActivity returns the caller's own trail, newest first.
func (h *Handler) handleActivity(w http.ResponseWriter, r *http.Request, s *session) (string, error) {
	limit, err := queryInt(r, "limit", defaultActivityEntries, maxActivityEntries)
	if err != nil {
		return "", err
	}
	since, err := queryTime(r, "since")
	if err != nil {
		return "", err
	}
	entries := []audit.Entry{}
	if h.activity != nil {
		got, err := h.activity.List(s.owner, limit, since)
		if err != nil {
			return "", err
		}
		entries = append(entries, got...)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
	return "", nil
}
