// Package handler exposes the dispatcher's HTTP surface: endpoints
// translating client calls into tracker operations and framing JSON
// responses.
package handler

import (
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/gurre/dispatchd/config"
	"github.com/gurre/dispatchd/metrics"
	"github.com/gurre/dispatchd/tracker"
)

// defaultRetryIn is the constant fallback hint used when the tracker has
// nothing currently issued to compute a soonest expiration from.
const defaultRetryIn = 5 * time.Second

// maxRetryIn caps the heap-derived retry_in hint so a worker issued with a
// very long work_timeout doesn't sleep for hours between polls.
const maxRetryIn = 30 * time.Second

// getWorkItem is one element of the get_work response's items array.
type getWorkItem struct {
	WorkID     uint64 `json:"work_id"`
	RowContent string `json:"row_content"`
}

type getWorkResponse struct {
	Status  string        `json:"status"`
	Items   []getWorkItem `json:"items,omitempty"`
	RetryIn float64       `json:"retry_in,omitempty"`
}

type submitItem struct {
	RowID  uint64 `json:"row_id"`
	Result string `json:"result"`
}

type submitRequest struct {
	Items []submitItem `json:"items"`
}

type submitResponse struct {
	Status string `json:"status"`
}

type statusResponse struct {
	Issued              int   `json:"issued"`
	PendingWrite        int   `json:"pending_write"`
	LastProcessedWorkID int64 `json:"last_processed_work_id"`
	ExpiredReissues     int64 `json:"expired_reissues"`
	InputEOF            bool  `json:"input_eof"`
}

// Handler wires a *tracker.Tracker to the HTTP surface.
type Handler struct {
	tracker      *tracker.Tracker
	metrics      *metrics.Metrics
	maxBatchSize int

	// sem bounds how many requests execute tracker operations at once;
	// net/http spawns a goroutine per connection, so this buffered channel
	// is what caps concurrent handler bodies under a worker stampede.
	sem chan struct{}
}

// New constructs a Handler backed by t, clamping get_work's batch_size to
// cfg.MaxBatchSize and bounding concurrent handler bodies to
// cfg.MaxConcurrentHandlers. m may be nil, in which case protocol-layer
// rejections (e.g. embedded newlines in a submitted result) go unrecorded.
func New(t *tracker.Tracker, cfg *config.Config, m *metrics.Metrics) *Handler {
	maxConcurrent := cfg.MaxConcurrentHandlers
	if maxConcurrent < 1 {
		maxConcurrent = config.DefaultMaxConcurrentHandlers
	}
	return &Handler{
		tracker:      t,
		metrics:      m,
		maxBatchSize: cfg.MaxBatchSize,
		sem:          make(chan struct{}, maxConcurrent),
	}
}

// Router builds the mux.Router exposing /get_work, /submit_result,
// /status, and /metrics. The tracker-facing endpoints go through the
// concurrency semaphore; the Prometheus scrape does not, so observability
// stays responsive when the worker fleet has all slots occupied.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/get_work", h.limited(h.getWork)).Methods(http.MethodGet)
	r.HandleFunc("/submit_result", h.limited(h.submitResult)).Methods(http.MethodPost)
	r.HandleFunc("/status", h.limited(h.status)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// limited gates next behind the handler semaphore: a request blocks until
// a slot frees up rather than being rejected, since workers already poll
// with retries and a queued request is cheaper than another retry cycle.
func (h *Handler) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case h.sem <- struct{}{}:
		case <-r.Context().Done():
			return
		}
		defer func() { <-h.sem }()
		next(w, r)
	}
}

func (h *Handler) getWork(w http.ResponseWriter, r *http.Request) {
	batchSize := 1
	if raw := r.URL.Query().Get("batch_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, "batch_size must be a positive integer")
			return
		}
		batchSize = n
	}
	if batchSize > h.maxBatchSize {
		batchSize = h.maxBatchSize
	}

	items, err := h.tracker.GetWorkBatch(r.Context(), batchSize)
	if err != nil {
		// Fatal I/O error: the coordinator's onFatal callback handles
		// shutdown; the in-flight request still needs a response.
		log.WithError(err).Error("get_work failed")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if len(items) > 0 {
		resp := getWorkResponse{Status: "OK", Items: make([]getWorkItem, len(items))}
		for i, it := range items {
			resp.Items[i] = getWorkItem{WorkID: it.WorkID, RowContent: string(it.Content)}
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if h.tracker.AllWorkComplete() {
		writeJSON(w, http.StatusOK, getWorkResponse{Status: "all_work_complete"})
		return
	}

	writeJSON(w, http.StatusOK, getWorkResponse{Status: "retry", RetryIn: h.retryIn().Seconds()})
}

// retryIn computes the retry hint: the soonest live expiration, clamped
// between 1 second and maxRetryIn, or a constant default when nothing is
// currently issued.
func (h *Handler) retryIn() time.Duration {
	expiry, ok := h.tracker.SoonestExpiry()
	if !ok {
		return defaultRetryIn
	}
	d := time.Until(expiry)
	if d < time.Second {
		d = time.Second
	}
	if d > maxRetryIn {
		d = maxRetryIn
	}
	return d
}

func (h *Handler) submitResult(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	results := make([]tracker.Result, 0, len(req.Items))
	for _, item := range req.Items {
		if containsNewline(item.Result) {
			if h.metrics != nil {
				h.metrics.RecordRejectedSubmission()
			}
			writeJSONError(w, http.StatusBadRequest, "result must not contain embedded newlines")
			return
		}
		results = append(results, tracker.Result{WorkID: item.RowID, Bytes: []byte(item.Result)})
	}

	if err := h.tracker.CompleteWorkBatch(r.Context(), results); err != nil {
		log.WithError(err).Error("submit_result failed")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{Status: "OK"})
}

func containsNewline(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return true
		}
	}
	return false
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	st := h.tracker.Status()
	writeJSON(w, http.StatusOK, statusResponse{
		Issued:              st.Issued,
		PendingWrite:        st.PendingWrite,
		LastProcessedWorkID: st.LastProcessedWorkID,
		ExpiredReissues:     st.ExpiredReissues,
		InputEOF:            st.InputEOF,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Error("failed to encode response")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
