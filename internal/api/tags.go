package api

import (
	"net/http"
	"sort"
	"strings"

	"github.com/eniz1806/VaultGallery/internal/gateway"
)

const (
	defaultPopularTags = 20
	maxPopularTags     = 200
)

func (h *Handler) handleImageTags(w http.ResponseWriter, r *http.Request, s *session) (string, error) {
	ref, err := imageRef(s.owner, r.URL.Query().Get("album"), r.PathValue("filename"))
	if err != nil {
		return "", err
	}
	rec, err := h.gw.GetLabels(r.Context(), s.creds, ref.Key())
	if err != nil {
		return ref.Key(), err
	}
	writeJSON(w, http.StatusOK, rec)
	return ref.Key(), nil
}

type tagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// popularTags counts each label once per image, merging names that differ
// only in case under the first spelling seen.
func popularTags(recs []gateway.LabelRecord, limit int) []tagCount {
	counts := map[string]*tagCount{}
	for _, rec := range recs {
		seen := map[string]bool{}
		for _, name := range rec.LabelNames {
			k := strings.ToLower(name)
			if seen[k] {
				continue
			}
			seen[k] = true
			if c, ok := counts[k]; ok {
				c.Count++
			} else {
				counts[k] = &tagCount{Tag: name, Count: 1}
			}
		}
	}
	out := make([]tagCount, 0, len(counts))
	for _, c := range counts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tag < out[j].Tag
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (h *Handler) handlePopularTags(w http.ResponseWriter, r *http.Request, s *session) (string, error) {
	limit, err := queryInt(r, "limit", defaultPopularTags, maxPopularTags)
	if err != nil {
		return "", err
	}
	prefix := gateway.UserPrefix(s.owner)
	recs, err := h.gw.ScanLabels(r.Context(), s.creds, prefix)
	if err != nil {
		return prefix, err
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tags": popularTags(recs, limit)})
	return prefix, nil
}

type taggedImage struct {
	imageView
	Confidence string `json:"confidence,omitempty"`
}

func (h *Handler) handleImagesByTag(w http.ResponseWriter, r *http.Request, s *session) (string, error) {
	tag := strings.TrimSpace(r.PathValue("tag"))
	if tag == "" {
		return "", badRequest("tag is required")
	}
	prefix := gateway.UserPrefix(s.owner)
	recs, err := h.gw.ScanLabels(r.Context(), s.creds, prefix)
	if err != nil {
		return prefix, err
	}

	images := []taggedImage{}
	for _, rec := range recs {
		if !rec.HasLabel(tag) {
			continue
		}
		ref, err := gateway.ParseKey(rec.ImageKey)
		if err != nil || ref.Owner != s.owner {
			continue
		}
		ti := taggedImage{imageView: h.view(ref, 0, 0)}
		for _, l := range rec.Labels {
			if strings.EqualFold(l.Name, tag) {
				ti.Confidence = l.Confidence.String()
				break
			}
		}
		images = append(images, ti)
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Key < images[j].Key })
	writeJSON(w, http.StatusOK, map[string]interface{}{"tag": tag, "images": images})
	return "tag:" + tag, nil
}
