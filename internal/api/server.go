// Package api exposes the reconciliation engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/dhanush-2313/finalyearproject-sub000/internal/engine"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/record"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/resolver"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/storage"
)

const (
	maxBodyBytes = 1 << 20
	maxLimit     = 500
)

// Service is the engine surface the API drives.
type Service interface {
	Submit(ctx context.Context, kind record.Kind, payload record.Payload, initiator string) (engine.SubmitResult, error)
	RecordOffChain(ctx context.Context, kind record.Kind, payload record.Payload, initiator string) (*record.Event, error)
	GetRecord(ctx context.Context, id string) (*record.Event, error)
	ListRecords(ctx context.Context, f record.Filter) ([]*record.Event, error)
	Resolve(ctx context.Context, address string) (resolver.Identity, bool, error)
	ResolveBatch(ctx context.Context, addresses []string) (map[string]resolver.Identity, error)
	Enrich(ctx context.Context, ev *record.Event) (map[string]resolver.Identity, error)
}

// Options carries the optional handlers mounted next to the API.
type Options struct {
	Health  http.Handler
	Metrics http.Handler
	Logger  *slog.Logger
}

type server struct {
	svc Service
	log *slog.Logger
}

type submitRequest struct {
	Kind      string          `json:"kind"`
	Initiator string          `json:"initiator"`
	Payload   json.RawMessage `json:"payload"`
}

type resolveRequest struct {
	Addresses []string `json:"addresses"`
}

type enrichedRecord struct {
	*record.Event
	Identities map[string]resolver.Identity `json:"identities"`
}

// NewRouter builds the HTTP routes.
func NewRouter(svc Service, opts Options) *mux.Router {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &server{svc: svc, log: log.With("component", "api")}

	r := mux.NewRouter()
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/records", s.submit).Methods(http.MethodPost)
	v1.HandleFunc("/records/offchain", s.offChain).Methods(http.MethodPost)
	v1.HandleFunc("/records", s.list).Methods(http.MethodGet)
	v1.HandleFunc("/records/{id}", s.get).Methods(http.MethodGet)
	v1.HandleFunc("/identities/resolve", s.resolveBatch).Methods(http.MethodPost)
	v1.HandleFunc("/identities/{address}", s.resolve).Methods(http.MethodGet)
	if opts.Health != nil {
		r.Handle("/healthz", opts.Health).Methods(http.MethodGet)
	}
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}
	r.Use(s.logRequests)
	return r
}

// Serve starts an HTTP server for handler in the background.
func Serve(addr string, handler http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", "addr", addr, "err", err)
		}
	}()
	return srv
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

func (s *server) decodeSubmission(w http.ResponseWriter, r *http.Request) (record.Kind, record.Payload, string, bool) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", nil, "", false
	}
	kind, err := record.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", nil, "", false
	}
	payload, err := record.DecodePayload(kind, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", nil, "", false
	}
	return kind, payload, req.Initiator, true
}

func (s *server) submit(w http.ResponseWriter, r *http.Request) {
	kind, payload, initiator, ok := s.decodeSubmission(w, r)
	if !ok {
		return
	}
	res, err := s.svc.Submit(r.Context(), kind, payload, initiator)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *server) offChain(w http.ResponseWriter, r *http.Request) {
	kind, payload, initiator, ok := s.decodeSubmission(w, r)
	if !ok {
		return
	}
	ev, err := s.svc.RecordOffChain(r.Context(), kind, payload, initiator)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *server) get(w http.ResponseWriter, r *http.Request) {
	ev, err := s.svc.GetRecord(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	if enrich, _ := strconv.ParseBool(r.URL.Query().Get("enrich")); enrich {
		ids, err := s.svc.Enrich(r.Context(), ev)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, enrichedRecord{Event: ev, Identities: ids})
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *server) list(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	evs, err := s.svc.ListRecords(r.Context(), f)
	if err != nil {
		s.fail(w, err)
		return
	}
	if evs == nil {
		evs = []*record.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *server) resolve(w http.ResponseWriter, r *http.Request) {
	id, ok, err := s.svc.Resolve(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		s.fail(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "address not linked to a user")
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (s *server) resolveBatch(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ids, err := s.svc.ResolveBatch(r.Context(), req.Addresses)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

func parseFilter(r *http.Request) (record.Filter, error) {
	q := r.URL.Query()
	f := record.Filter{
		InitiatedBy: q.Get("initiator"),
		TxHandle:    q.Get("handle"),
		Limit:       100,
	}
	if v := q.Get("status"); v != "" {
		st, err := record.ParseStatus(v)
		if err != nil {
			return f, err
		}
		f.Status = st
	}
	if v := q.Get("cause"); v != "" {
		f.Cause = record.Cause(v)
	}
	if v := q.Get("kind"); v != "" {
		k, err := record.ParseKind(v)
		if err != nil {
			return f, err
		}
		f.Kind = k
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		if n > maxLimit {
			n = maxLimit
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid offset %q", v)
		}
		f.Offset = n
	}
	return f, nil
}

func (s *server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, record.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, record.ErrSubmissionRejected):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
