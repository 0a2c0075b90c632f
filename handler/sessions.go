package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/epbforge/shellsync/channel"
	"github.com/epbforge/shellsync/collab"
	"github.com/epbforge/shellsync/internal"
	"github.com/gorilla/mux"
)

const expireTimeout = 10 * time.Second

func (h *Handler) findActiveSession(w http.ResponseWriter, req *http.Request) error {
	s, err := h.Sessions.FindActiveSession(req.Context(), mux.Vars(req)["documentID"])
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, collab.SessionResponse{Session: s})
}

func (h *Handler) findSessionByCode(w http.ResponseWriter, req *http.Request) error {
	s, err := h.Sessions.FindSessionByCode(req.Context(), mux.Vars(req)["code"])
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, collab.SessionResponse{Session: s})
}

func (h *Handler) createSession(w http.ResponseWriter, req *http.Request) (err error) {
	ctx, span := internal.StartSpan(req.Context(), "CreateSession")
	defer func() {
		span.Fail(err)
		span.End()
	}()
	var body collab.CreateSessionRequest
	if err := decode(req, &body); err != nil {
		return err
	}
	internal.SetRequestContextDocument(ctx, body.DocumentID, "")
	internal.SetRequestContextUserID(ctx, body.Host.ID)
	s, err := h.Sessions.CreateSession(ctx, body.DocumentID, body.Host, body.InitialState)
	if err != nil {
		return err
	}
	internal.SetRequestContextDocument(ctx, "", s.ID)
	return writeJSON(w, http.StatusCreated, s)
}

func (h *Handler) deactivateSession(w http.ResponseWriter, req *http.Request) error {
	var body collab.DeactivateSessionRequest
	if err := decode(req, &body); err != nil {
		return err
	}
	sessionID := mux.Vars(req)["sessionID"]
	internal.SetRequestContextUserID(req.Context(), body.HostID)
	if err := h.checkHost(req.Context(), sessionID, body.HostID); err != nil {
		return err
	}
	if err := h.Sessions.DeactivateSession(req.Context(), sessionID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// checkHost rejects ending a session by anyone but its host.
func (h *Handler) checkHost(ctx context.Context, sessionID, userID string) error {
	type byID interface {
		SessionByID(ctx context.Context, sessionID string) (*collab.Session, error)
	}
	if f, ok := h.Sessions.(byID); ok {
		s, err := f.SessionByID(ctx, sessionID)
		if err != nil {
			return err
		}
		if s == nil || !s.IsActive {
			return fmt.Errorf("session %s: %w", sessionID, collab.ErrSessionNotFound)
		}
		if s.HostID != userID {
			return fmt.Errorf("%s ending %s: %w", userID, sessionID, collab.ErrNotHost)
		}
		return nil
	}
	// stores without lookup by id: the participant records carry the host flag
	ps, err := h.Sessions.ListParticipants(ctx, sessionID, false)
	if err != nil {
		return err
	}
	if len(ps) == 0 {
		return fmt.Errorf("session %s: %w", sessionID, collab.ErrSessionNotFound)
	}
	for _, p := range ps {
		if p.IsHost && p.UserID == userID {
			return nil
		}
	}
	return fmt.Errorf("%s ending %s: %w", userID, sessionID, collab.ErrNotHost)
}

func (h *Handler) saveState(w http.ResponseWriter, req *http.Request) error {
	var body collab.SaveStateRequest
	if err := decode(req, &body); err != nil {
		return err
	}
	if err := h.Sessions.SaveWorkspaceState(req.Context(), mux.Vars(req)["sessionID"], body.State); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) addParticipant(w http.ResponseWriter, req *http.Request) error {
	var body collab.AddParticipantRequest
	if err := decode(req, &body); err != nil {
		return err
	}
	internal.SetRequestContextUserID(req.Context(), body.User.ID)
	p, err := h.Sessions.AddParticipant(req.Context(), mux.Vars(req)["sessionID"], body.User, body.IsHost)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, p)
}

func (h *Handler) listParticipants(w http.ResponseWriter, req *http.Request) error {
	activeOnly, err := queryBool(req, "active")
	if err != nil {
		return err
	}
	ps, err := h.Sessions.ListParticipants(req.Context(), mux.Vars(req)["sessionID"], activeOnly)
	if err != nil {
		return err
	}
	if ps == nil {
		ps = []collab.Participant{}
	}
	return writeJSON(w, http.StatusOK, collab.ParticipantsResponse{Participants: ps})
}

func (h *Handler) reactivateParticipant(w http.ResponseWriter, req *http.Request) error {
	vars := mux.Vars(req)
	p, err := h.Sessions.ReactivateParticipant(req.Context(), vars["sessionID"], vars["userID"])
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, p)
}

func (h *Handler) deactivateParticipant(w http.ResponseWriter, req *http.Request) error {
	vars := mux.Vars(req)
	if err := h.Sessions.DeactivateParticipant(req.Context(), vars["sessionID"], vars["userID"]); err != nil {
		return err
	}
	if _, err := endIfEmpty(req.Context(), h.Sessions, vars["sessionID"]); err != nil {
		internal.DecorateLogger(req.Context(), logger.Warn()).Err(err).Msg("failed to end session after its last participant left")
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// endIfEmpty ends sessionID when none of its participants is active. It reports whether this
// call ended it.
func endIfEmpty(ctx context.Context, sessions collab.SessionStore, sessionID string) (bool, error) {
	active, err := sessions.ListParticipants(ctx, sessionID, true)
	if err != nil || len(active) > 0 {
		return false, err
	}
	err = sessions.DeactivateSession(ctx, sessionID)
	if errors.Is(err, collab.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	logger.Info().Str("session", sessionID).Msg("last participant left, session ended")
	return true, nil
}

// ExpireAbandonedSessions ends a session once its channel has had no subscribers for grace.
// Clients that crash never leave, so without this their sessions would block the document.
func (h *Handler) ExpireAbandonedSessions(grace time.Duration) {
	if h.Hub == nil {
		return
	}
	h.Hub.OnTopicEmpty(func(topic string) {
		sessionID, ok := strings.CutPrefix(topic, channel.SessionTopic(""))
		if !ok {
			return
		}
		time.AfterFunc(grace, func() {
			defer internal.ReportPanicsToSentry()
			if h.Hub.NumSubscribers(topic) > 0 {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), expireTimeout)
			defer cancel()
			if err := h.expireSession(ctx, sessionID); err != nil {
				internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
				logger.Err(err).Str("session", sessionID).Msg("failed to expire abandoned session")
			}
		})
	})
}

func (h *Handler) expireSession(ctx context.Context, sessionID string) error {
	active, err := h.Sessions.ListParticipants(ctx, sessionID, true)
	if err != nil {
		return err
	}
	for _, p := range active {
		if err := h.Sessions.DeactivateParticipant(ctx, sessionID, p.UserID); err != nil && !errors.Is(err, collab.ErrParticipantNotFound) {
			return err
		}
	}
	ended, err := endIfEmpty(ctx, h.Sessions, sessionID)
	if ended {
		logger.Info().Str("session", sessionID).Int("expired_participants", len(active)).Msg("abandoned session expired")
	}
	return err
}
