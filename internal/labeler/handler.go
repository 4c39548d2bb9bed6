package labeler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/eniz1806/VaultGallery/internal/notify"
)

const maxEventBytes = 1 << 20

// Handler is the labeler's function URL. POST /events takes an S3 event
// notification, either bare or wrapped as {"event": ...}. With ?async=true
// records are queued on the pool and the call returns 202.
type Handler struct {
	processor *Processor
	pool      *Pool
	mux       *http.ServeMux
}

func NewHandler(processor *Processor, pool *Pool) *Handler {
	h := &Handler{processor: processor, pool: pool, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /events", h.handleEvents)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type recordError struct {
	ImageKey string `json:"imageKey"`
	Bucket   string `json:"bucket"`
	Error    string `json:"error"`
}

type eventsResponse struct {
	Message string        `json:"message"`
	Results []Result      `json:"results"`
	Errors  []recordError `json:"errors,omitempty"`
}

// decodeEvent accepts both the bare notification and the envelope the
// function-URL dispatcher sends.
func decodeEvent(body []byte) (notify.S3Event, error) {
	var ev notify.S3Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, err
	}
	if len(ev.Records) > 0 {
		return ev, nil
	}
	var env struct {
		Event notify.S3Event `json:"event"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return ev, err
	}
	return env.Event, nil
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes))
	r.Body.Close()
	if err != nil {
		writeError(w, http.StatusBadRequest, "read event: "+err.Error())
		return
	}
	ev, err := decodeEvent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event: "+err.Error())
		return
	}
	if len(ev.Records) == 0 {
		writeError(w, http.StatusBadRequest, "event has no records")
		return
	}

	if r.URL.Query().Get("async") == "true" && h.pool != nil {
		n := h.pool.Enqueue(ev)
		writeJSON(w, http.StatusAccepted, map[string]int{"queued": n})
		return
	}

	resp := eventsResponse{Results: []Result{}}
	status := http.StatusOK
	for _, j := range eventRecords(ev) {
		res, err := h.processor.Process(r.Context(), j.bucket, j.key)
		if err != nil {
			resp.Errors = append(resp.Errors, recordError{ImageKey: j.key, Bucket: j.bucket, Error: err.Error()})
			if status == http.StatusOK {
				status = statusFor(err)
			}
			continue
		}
		resp.Results = append(resp.Results, res)
	}
	resp.Message = "analysis complete"
	if len(resp.Errors) > 0 {
		resp.Message = "analysis failed for some records"
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, ErrObjectNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	depth := 0
	if h.pool != nil {
		depth = h.pool.QueueDepth()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "queueDepth": depth})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
