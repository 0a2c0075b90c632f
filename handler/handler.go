// Package handler exposes the session and lease stores over HTTP so browser and Go clients
// share one authoritative store, plus the websocket endpoint of the presence channel.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/epbforge/shellsync/channel"
	"github.com/epbforge/shellsync/collab"
	"github.com/epbforge/shellsync/internal"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// maxBodySize bounds request bodies; workspace state is the largest thing clients send.
const maxBodySize = 4 << 20

// Handler serves the shellsync HTTP API.
type Handler struct {
	Sessions collab.SessionStore
	Locks    collab.LockStore
	Hub      *channel.Hub

	router          *mux.Router
	acquireOutcomes *prometheus.CounterVec
}

func NewHandler(sessions collab.SessionStore, locks collab.LockStore, hub *channel.Hub) *Handler {
	h := &Handler{
		Sessions: sessions,
		Locks:    locks,
		Hub:      hub,
	}
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Handle("/documents/{documentID}/session", h.wrap(h.findActiveSession)).Methods(http.MethodGet)
	v1.Handle("/sessions", h.wrap(h.createSession)).Methods(http.MethodPost)
	v1.Handle("/sessions/code/{code}", h.wrap(h.findSessionByCode)).Methods(http.MethodGet)
	v1.Handle("/sessions/{sessionID}/deactivate", h.wrap(h.deactivateSession)).Methods(http.MethodPost)
	v1.Handle("/sessions/{sessionID}/state", h.wrap(h.saveState)).Methods(http.MethodPut)
	v1.Handle("/sessions/{sessionID}/participants", h.wrap(h.addParticipant)).Methods(http.MethodPost)
	v1.Handle("/sessions/{sessionID}/participants", h.wrap(h.listParticipants)).Methods(http.MethodGet)
	v1.Handle("/sessions/{sessionID}/participants/{userID}/reactivate", h.wrap(h.reactivateParticipant)).Methods(http.MethodPost)
	v1.Handle("/sessions/{sessionID}/participants/{userID}", h.wrap(h.deactivateParticipant)).Methods(http.MethodDelete)
	v1.Handle("/locks/acquire", h.wrap(h.acquireLock)).Methods(http.MethodPost)
	v1.Handle("/locks/refresh", h.wrap(h.refreshLock)).Methods(http.MethodPost)
	v1.Handle("/locks/release", h.wrap(h.releaseLock)).Methods(http.MethodPost)
	v1.Handle("/locks", h.wrap(h.listLocks)).Methods(http.MethodGet)
	if hub != nil {
		v1.HandleFunc("/channel", hub.ServeWS).Methods(http.MethodGet)
	}
	h.router = r
	return h
}

func (h *Handler) AddPrometheusMetrics() {
	h.acquireOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shellsync",
		Subsystem: "api",
		Name:      "lock_acquire_total",
		Help:      "Lease acquire attempts by unit kind and outcome.",
	}, []string{"kind", "outcome"})
	prometheus.MustRegister(h.acquireOutcomes)
}

func (h *Handler) Teardown() {
	if h.acquireOutcomes != nil {
		prometheus.Unregister(h.acquireOutcomes)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.router.ServeHTTP(w, req)
}

// wrap turns an error-returning endpoint into a handler, mapping errors onto status codes.
func (h *Handler) wrap(fn func(w http.ResponseWriter, req *http.Request) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		req = req.WithContext(internal.RequestContext(req.Context()))
		vars := mux.Vars(req)
		internal.SetRequestContextDocument(req.Context(), vars["documentID"], vars["sessionID"])
		internal.SetRequestContextUserID(req.Context(), vars["userID"])
		err := fn(w, req)
		if err == nil {
			return
		}
		herr := toHandlerError(err)
		if herr.StatusCode >= 500 {
			internal.GetSentryHubFromContextOrDefault(req.Context()).CaptureException(err)
			internal.DecorateLogger(req.Context(), hlog.FromRequest(req).Error()).Err(err).Msg("request failed")
		} else {
			internal.DecorateLogger(req.Context(), hlog.FromRequest(req).Debug()).Err(err).Int("status", herr.StatusCode).Msg("request rejected")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(herr.StatusCode)
		w.Write(herr.JSON())
	})
}

// toHandlerError maps the collab error taxonomy onto HTTP.
func toHandlerError(err error) *internal.HandlerError {
	var herr *internal.HandlerError
	if errors.As(err, &herr) {
		return herr
	}
	var conflict *collab.ConflictError
	var invalid *collab.ValidationError
	switch {
	case errors.As(err, &invalid):
		return &internal.HandlerError{StatusCode: http.StatusBadRequest, Err: err, Code: collab.CodeInvalidRequest, Details: invalid}
	case errors.Is(err, collab.ErrInvalidRequest):
		return &internal.HandlerError{StatusCode: http.StatusBadRequest, Err: err, Code: collab.CodeInvalidRequest}
	case errors.As(err, &conflict):
		return &internal.HandlerError{StatusCode: http.StatusConflict, Err: err, Code: collab.CodeSessionConflict, Details: conflict.Existing}
	case errors.Is(err, collab.ErrSessionConflict):
		return &internal.HandlerError{StatusCode: http.StatusConflict, Err: err, Code: collab.CodeSessionConflict}
	case errors.Is(err, collab.ErrSessionNotFound):
		return &internal.HandlerError{StatusCode: http.StatusNotFound, Err: err, Code: collab.CodeSessionNotFound}
	case errors.Is(err, collab.ErrParticipantNotFound):
		return &internal.HandlerError{StatusCode: http.StatusNotFound, Err: err, Code: collab.CodeParticipantNotFound}
	case errors.Is(err, collab.ErrNotHost):
		return &internal.HandlerError{StatusCode: http.StatusForbidden, Err: err, Code: collab.CodeNotHost}
	}
	return internal.AsHandlerError(err)
}

type validator interface {
	Validate() error
}

// decode reads a JSON body into v and validates it.
func decode(req *http.Request, v validator) error {
	defer req.Body.Close()
	if err := json.NewDecoder(io.LimitReader(req.Body, maxBodySize)).Decode(v); err != nil {
		return &internal.HandlerError{
			StatusCode: http.StatusBadRequest,
			Err:        fmt.Errorf("%w: malformed body: %s", collab.ErrInvalidRequest, err),
			Code:       collab.CodeInvalidRequest,
		}
	}
	return v.Validate()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
	return nil
}

func queryBool(req *http.Request, name string) (bool, error) {
	v := req.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, &collab.ValidationError{Field: name, Reason: "must be a boolean"}
	}
	return b, nil
}
