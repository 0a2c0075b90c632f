package handler

import (
	"net/http"

	"github.com/epbforge/shellsync/collab"
	"github.com/epbforge/shellsync/internal"
)

func (h *Handler) acquireLock(w http.ResponseWriter, req *http.Request) (err error) {
	ctx, span := internal.StartSpan(req.Context(), "AcquireLock")
	defer func() {
		span.Fail(err)
		span.End()
	}()
	var body collab.AcquireLockRequest
	if err := decode(req, &body); err != nil {
		return err
	}
	internal.SetRequestContextDocument(ctx, body.Unit.Scope, "")
	internal.SetRequestContextUserID(ctx, body.Holder.ID)
	internal.SetRequestContextUnit(ctx, body.Unit.String())
	res, err := h.Locks.AcquireLock(ctx, body.Unit, body.Holder, body.TTL())
	if err != nil {
		return err
	}
	if h.acquireOutcomes != nil {
		outcome := "granted"
		if !res.Success {
			outcome = "held"
		}
		h.acquireOutcomes.WithLabelValues(string(body.Unit.Kind), outcome).Inc()
	}
	if !res.Success {
		internal.Logf(ctx, "lock", "%s held by %s", body.Unit, res.LockedBy)
	}
	// losing to another holder is a normal answer, not an error status
	return writeJSON(w, http.StatusOK, res)
}

func (h *Handler) refreshLock(w http.ResponseWriter, req *http.Request) error {
	var body collab.RefreshLockRequest
	if err := decode(req, &body); err != nil {
		return err
	}
	internal.SetRequestContextUnit(req.Context(), body.Unit.String())
	ok, err := h.Locks.RefreshLock(req.Context(), body.Unit, body.HolderID, body.TTL())
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, collab.RefreshLockResponse{Refreshed: ok})
}

func (h *Handler) releaseLock(w http.ResponseWriter, req *http.Request) error {
	var body collab.ReleaseLockRequest
	if err := decode(req, &body); err != nil {
		return err
	}
	internal.SetRequestContextUnit(req.Context(), body.Unit.String())
	if err := h.Locks.ReleaseLock(req.Context(), body.Unit, body.HolderID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) listLocks(w http.ResponseWriter, req *http.Request) error {
	scope := req.URL.Query().Get("scope")
	if scope == "" {
		return &collab.ValidationError{Field: "scope", Reason: "is required"}
	}
	locks, err := h.Locks.ListLocks(req.Context(), scope)
	if err != nil {
		return err
	}
	if locks == nil {
		locks = []collab.Lock{}
	}
	return writeJSON(w, http.StatusOK, collab.ListLocksResponse{Locks: locks})
}
