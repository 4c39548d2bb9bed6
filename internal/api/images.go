package api

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/eniz1806/VaultGallery/internal/gateway"
	"github.com/eniz1806/VaultGallery/internal/notify"
)

// imageView is the client's view of one stored image.
type imageView struct {
	Key          string `json:"key"`
	Filename     string `json:"filename"`
	Album        string `json:"album,omitempty"`
	URL          string `json:"url"`
	Size         int64  `json:"size"`
	LastModified string `json:"lastModified,omitempty"`
}

// objectURL renders the virtual-hosted style URL of key.
func (h *Handler) objectURL(key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", h.gw.Bucket(), h.opts.Region, strings.Join(segs, "/"))
}

func (h *Handler) view(ref gateway.ObjectRef, size, lastModified int64) imageView {
	v := imageView{
		Key:      ref.Key(),
		Filename: ref.Filename,
		Album:    ref.Album,
		URL:      h.objectURL(ref.Key()),
		Size:     size,
	}
	if lastModified > 0 {
		v.LastModified = time.Unix(lastModified, 0).UTC().Format(time.RFC3339)
	}
	return v
}

// metaValue keeps user metadata ASCII, which S3 requires for headers.
func metaValue(s string) string {
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return url.PathEscape(s)
		}
	}
	return s
}

func splitTags(s string) []string {
	tags := []string{}
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

type uploadResponse struct {
	Message  string   `json:"message"`
	URL      string   `json:"url"`
	Key      string   `json:"key"`
	Filename string   `json:"filename"`
	Name     string   `json:"name"`
	Album    string   `json:"album,omitempty"`
	Tags     []string `json:"tags"`
	Size     int64    `json:"size"`
}

// handleUpload stores a multipart "file" under a fresh {uuid}.{ext} name in
// the caller's space, optionally inside an album.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request, s *session) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", &requestError{Status: http.StatusRequestEntityTooLarge, Kind: "InvalidRequest", Message: fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit)}
		}
		return "", badRequest("invalid multipart form: %v", err)
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		return "", badRequest("form field \"file\" is required")
	}
	defer file.Close()

	ext := gateway.Ext(header.Filename)
	if ext == "" {
		return "", badRequest("file %q has no extension", header.Filename)
	}
	ref, err := imageRef(s.owner, r.FormValue("album"), strings.ReplaceAll(uuid.NewString(), "-", "")+"."+ext)
	if err != nil {
		return "", err
	}

	displayName := strings.TrimSpace(r.FormValue("name"))
	if displayName == "" {
		displayName = header.Filename
	}
	tagsRaw := r.FormValue("tags")
	meta := map[string]string{
		"originalname": metaValue(path.Base(header.Filename)),
		"displayname":  metaValue(displayName),
		"userid":       s.owner,
	}
	if tagsRaw != "" {
		meta["tags"] = metaValue(tagsRaw)
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		if t := mime.TypeByExtension("." + ext); t != "" {
			contentType = t
		}
	}

	key := ref.Key()
	info, err := h.gw.Put(r.Context(), s.creds, key, file, header.Size, gateway.PutOptions{
		ContentType: contentType,
		Metadata:    meta,
	})
	if err != nil {
		return key, err
	}
	size := info.Size
	if size == 0 {
		size = header.Size
	}
	h.dispatch(key, notify.EventObjectCreatedPut, size, info.ETag)

	writeJSON(w, http.StatusOK, uploadResponse{
		Message:  "Image uploaded successfully",
		URL:      h.objectURL(key),
		Key:      key,
		Filename: ref.Filename,
		Name:     displayName,
		Album:    ref.Album,
		Tags:     splitTags(tagsRaw),
		Size:     size,
	})
	return key, nil
}

func (h *Handler) dispatch(key, event string, size int64, etag string) {
	if h.notifier != nil {
		h.notifier.Dispatch(h.gw.Bucket(), key, event, size, etag)
	}
}

// handleListImages lists every image of the caller, or only one album's
// when ?album is set.
func (h *Handler) handleListImages(w http.ResponseWriter, r *http.Request, s *session) (string, error) {
	album := strings.TrimSpace(r.URL.Query().Get("album"))
	prefix := gateway.UserPrefix(s.owner)
	delimiter := ""
	if album != "" {
		if err := gateway.ValidateAlbumName(album); err != nil {
			return "", badRequest("%v", err)
		}
		prefix = gateway.AlbumPrefix(s.owner, album)
		delimiter = "/"
	}

	res, err := h.gw.List(r.Context(), s.creds, prefix, delimiter)
	if err != nil {
		return prefix, err
	}
	images := []imageView{}
	for _, o := range res.Objects {
		ref, err := gateway.ParseKey(o.Key)
		if err != nil || ref.Owner != s.owner {
			continue
		}
		images = append(images, h.view(ref, o.Size, o.LastModified))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"images": images})
	return prefix, nil
}

func (h *Handler) handleDeleteImage(w http.ResponseWriter, r *http.Request, s *session) (string, error) {
	ref, err := imageRef(s.owner, r.URL.Query().Get("album"), r.PathValue("filename"))
	if err != nil {
		return "", err
	}
	key := ref.Key()
	if _, err := h.gw.Head(r.Context(), s.creds, key); err != nil {
		return key, err
	}
	if err := h.gw.Delete(r.Context(), s.creds, key); err != nil {
		return key, err
	}
	h.dispatch(key, notify.EventObjectRemovedDelete, 0, "")
	writeJSON(w, http.StatusOK, map[string]string{"message": "Image deleted successfully", "key": key})
	return key, nil
}

type moveRequest struct {
	Filename  string `json:"filename"`
	FromAlbum string `json:"fromAlbum"`
	ToAlbum   string `json:"toAlbum"`
}

// handleMoveImage moves an image between albums, or in and out of the
// ungrouped space when an album is empty.
func (h *Handler) handleMoveImage(w http.ResponseWriter, r *http.Request, s *session) (string, error) {
	var req moveRequest
	if err := readJSON(r, &req); err != nil {
		return "", err
	}
	src, err := imageRef(s.owner, req.FromAlbum, req.Filename)
	if err != nil {
		return "", err
	}
	dst, err := imageRef(s.owner, req.ToAlbum, req.Filename)
	if err != nil {
		return "", err
	}
	if src.Key() == dst.Key() {
		return src.Key(), badRequest("source and destination are the same")
	}
	info, err := h.gw.Head(r.Context(), s.creds, src.Key())
	if err != nil {
		return src.Key(), err
	}
	if err := h.gw.Move(r.Context(), s.creds, src.Key(), dst.Key()); err != nil {
		return src.Key(), err
	}
	h.dispatch(dst.Key(), notify.EventObjectCreatedCopy, info.Size, info.ETag)
	h.dispatch(src.Key(), notify.EventObjectRemovedDelete, 0, "")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Image moved successfully",
		"from":    src.Key(),
		"to":      dst.Key(),
		"image":   h.view(dst, info.Size, info.LastModified),
	})
	return src.Key() + " -> " + dst.Key(), nil
}
