// Package client talks to a shellsync server over HTTP. *Client implements both
// collab.SessionStore and collab.LockStore, so the session and lock managers run unchanged
// against a remote server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/epbforge/shellsync/collab"
)

const defaultTimeout = 30 * time.Second

type Client struct {
	BaseURL string
	Client  *http.Client
	// UserID identifies the caller where the server checks who is asking, such as ending a
	// session.
	UserID string
}

func New(baseURL, userID string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Client: &http.Client{
			Timeout: defaultTimeout,
		},
		UserID: userID,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s %s: failed to marshal body: %w", method, path, err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return decodeError(res)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)
	}
	return nil
}

// decodeError turns an error response back into the collab error it was made from.
func decodeError(res *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	var er collab.ErrorResponse
	if err := json.Unmarshal(b, &er); err != nil || er.Error == "" {
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}
	switch er.Code {
	case collab.CodeSessionConflict:
		var existing collab.SessionSummary
		if len(er.Details) > 0 && json.Unmarshal(er.Details, &existing) == nil && existing.SessionID != "" {
			return &collab.ConflictError{Existing: &existing}
		}
		return fmt.Errorf("%s: %w", er.Error, collab.ErrSessionConflict)
	case collab.CodeInvalidRequest:
		var v collab.ValidationError
		if len(er.Details) > 0 && json.Unmarshal(er.Details, &v) == nil && v.Field != "" {
			return &v
		}
		return fmt.Errorf("%s: %w", er.Error, collab.ErrInvalidRequest)
	case collab.CodeSessionNotFound:
		return fmt.Errorf("%s: %w", er.Error, collab.ErrSessionNotFound)
	case collab.CodeParticipantNotFound:
		return fmt.Errorf("%s: %w", er.Error, collab.ErrParticipantNotFound)
	case collab.CodeNotHost:
		return fmt.Errorf("%s: %w", er.Error, collab.ErrNotHost)
	}
	return fmt.Errorf("HTTP %d: %s", res.StatusCode, er.Error)
}

func (c *Client) FindActiveSession(ctx context.Context, documentID string) (*collab.Session, error) {
	var res collab.SessionResponse
	err := c.do(ctx, http.MethodGet, "/v1/documents/"+url.PathEscape(documentID)+"/session", nil, &res)
	return res.Session, err
}

func (c *Client) FindSessionByCode(ctx context.Context, code string) (*collab.Session, error) {
	var res collab.SessionResponse
	err := c.do(ctx, http.MethodGet, "/v1/sessions/code/"+url.PathEscape(collab.NormalizeCode(code)), nil, &res)
	return res.Session, err
}

func (c *Client) CreateSession(ctx context.Context, documentID string, host collab.User, initial collab.WorkspaceState) (*collab.Session, error) {
	var s collab.Session
	err := c.do(ctx, http.MethodPost, "/v1/sessions", collab.CreateSessionRequest{
		DocumentID:   documentID,
		Host:         host,
		InitialState: initial,
	}, &s)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) DeactivateSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, sessionPath(sessionID)+"/deactivate", collab.DeactivateSessionRequest{HostID: c.UserID}, nil)
}

func (c *Client) SaveWorkspaceState(ctx context.Context, sessionID string, state collab.WorkspaceState) error {
	return c.do(ctx, http.MethodPut, sessionPath(sessionID)+"/state", collab.SaveStateRequest{State: state}, nil)
}

func (c *Client) AddParticipant(ctx context.Context, sessionID string, user collab.User, isHost bool) (*collab.Participant, error) {
	var p collab.Participant
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID)+"/participants", collab.AddParticipantRequest{
		User:   user,
		IsHost: isHost,
	}, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) ReactivateParticipant(ctx context.Context, sessionID, userID string) (*collab.Participant, error) {
	var p collab.Participant
	err := c.do(ctx, http.MethodPost, participantPath(sessionID, userID)+"/reactivate", nil, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) DeactivateParticipant(ctx context.Context, sessionID, userID string) error {
	return c.do(ctx, http.MethodDelete, participantPath(sessionID, userID), nil, nil)
}

func (c *Client) ListParticipants(ctx context.Context, sessionID string, activeOnly bool) ([]collab.Participant, error) {
	var res collab.ParticipantsResponse
	path := sessionPath(sessionID) + "/participants"
	if activeOnly {
		path += "?active=true"
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return res.Participants, nil
}

func (c *Client) AcquireLock(ctx context.Context, unit collab.UnitKey, holder collab.User, ttl time.Duration) (*collab.AcquireResult, error) {
	var res collab.AcquireResult
	err := c.do(ctx, http.MethodPost, "/v1/locks/acquire", collab.AcquireLockRequest{
		Unit:       unit,
		Holder:     holder,
		TTLSeconds: ttl.Seconds(),
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) RefreshLock(ctx context.Context, unit collab.UnitKey, holderID string, ttl time.Duration) (bool, error) {
	var res collab.RefreshLockResponse
	err := c.do(ctx, http.MethodPost, "/v1/locks/refresh", collab.RefreshLockRequest{
		Unit:       unit,
		HolderID:   holderID,
		TTLSeconds: ttl.Seconds(),
	}, &res)
	return res.Refreshed, err
}

func (c *Client) ReleaseLock(ctx context.Context, unit collab.UnitKey, holderID string) error {
	return c.do(ctx, http.MethodPost, "/v1/locks/release", collab.ReleaseLockRequest{
		Unit:     unit,
		HolderID: holderID,
	}, nil)
}

func (c *Client) ListLocks(ctx context.Context, scope string) ([]collab.Lock, error) {
	var res collab.ListLocksResponse
	if err := c.do(ctx, http.MethodGet, "/v1/locks?scope="+url.QueryEscape(scope), nil, &res); err != nil {
		return nil, err
	}
	return res.Locks, nil
}

func sessionPath(sessionID string) string {
	return "/v1/sessions/" + url.PathEscape(sessionID)
}

func participantPath(sessionID, userID string) string {
	return sessionPath(sessionID) + "/participants/" + url.PathEscape(userID)
}

var _ collab.SessionStore = (*Client)(nil)
var _ collab.LockStore = (*Client)(nil)
