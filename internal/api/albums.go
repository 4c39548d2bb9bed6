package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/eniz1806/VaultGallery/internal/gateway"
	"github.com/eniz1806/VaultGallery/internal/notify"
)

// handleListAlbums lists the caller's albums (the immediate folders under
// their prefix) and the images that belong to none.
func (h *Handler) handleListAlbums(w http.ResponseWriter, r *http.Request, s *session) (string, error) {
	prefix := gateway.UserPrefix(s.owner)
	res, err := h.gw.List(r.Context(), s.creds, prefix, "/")
	if err != nil {
		return prefix, err
	}
	ungrouped := []imageView{}
	for _, o := range res.Objects {
		ref, err := gateway.ParseKey(o.Key)
		if err != nil || ref.Owner != s.owner || ref.Album != "" {
			continue
		}
		ungrouped = append(ungrouped, h.view(ref, o.Size, o.LastModified))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"albums":    gateway.AlbumsFromPrefixes(s.owner, res.CommonPrefixes),
		"ungrouped": ungrouped,
	})
	return prefix, nil
}

type createAlbumRequest struct {
	AlbumName string `json:"albumName"`
}

// handleCreateAlbum writes the album's zero-byte folder marker.
func (h *Handler) handleCreateAlbum(w http.ResponseWriter, r *http.Request, s *session) (string, error) {
	var req createAlbumRequest
	if err := readJSON(r, &req); err != nil {
		return "", err
	}
	name := strings.TrimSpace(req.AlbumName)
	if err := gateway.ValidateAlbumName(name); err != nil {
		return "", badRequest("%v", err)
	}
	marker := gateway.AlbumPrefix(s.owner, name)
	if _, err := h.gw.Put(r.Context(), s.creds, marker, strings.NewReader(""), 0, gateway.PutOptions{
		ContentType: "application/x-directory",
	}); err != nil {
		return marker, err
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"message": fmt.Sprintf("Album '%s' created", name),
		"album":   name,
	})
	return marker, nil
}

// handleDeleteAlbum removes every object under the album and then its
// marker. The marker stays when any object could not be removed so the
// album remains visible for a retry.
func (h *Handler) handleDeleteAlbum(w http.ResponseWriter, r *http.Request, s *session) (string, error) {
	name := r.PathValue("album")
	if err := gateway.ValidateAlbumName(name); err != nil {
		return "", badRequest("%v", err)
	}
	prefix := gateway.AlbumPrefix(s.owner, name)

	res, err := h.gw.List(r.Context(), s.creds, prefix, "")
	if err != nil {
		return prefix, err
	}
	var keys []string
	markerSeen := false
	for _, o := range res.Objects {
		if o.Key == prefix {
			markerSeen = true
			continue
		}
		keys = append(keys, o.Key)
	}
	if len(keys) == 0 && !markerSeen {
		return prefix, &gateway.Error{Kind: gateway.KindNotFound, Op: "delete_album", Message: fmt.Sprintf("album %q not found", name)}
	}

	deleted, err := h.gw.DeleteMany(r.Context(), s.creds, keys)
	if err != nil {
		return prefix, err
	}
	for _, k := range keys {
		if _, failed := deleted.Failed[k]; !failed {
			h.dispatch(k, notify.EventObjectRemovedDelete, 0, "")
		}
	}
	if len(deleted.Failed) > 0 {
		slog.Warn("album delete incomplete", "album", name, "failed", len(deleted.Failed))
		return prefix, &gateway.Error{
			Kind:    gateway.KindUnknown,
			Op:      "delete_album",
			Message: fmt.Sprintf("%d of %d objects could not be deleted", len(deleted.Failed), len(keys)),
		}
	}

	if err := h.gw.Delete(r.Context(), s.creds, prefix); err != nil && !gateway.IsNotFound(err) {
		return prefix, err
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": fmt.Sprintf("Album '%s' deleted", name),
		"deleted": deleted.Deleted,
	})
	return prefix, nil
}
