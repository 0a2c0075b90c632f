package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/epbforge/shellsync/channel"
	"github.com/epbforge/shellsync/collab"
	"github.com/epbforge/shellsync/state"
	"github.com/matrix-org/complement/must"
)

var (
	alice = collab.User{ID: "@alice", DisplayName: "Alice", Rank: "SSgt"}
	bob   = collab.User{ID: "@bob", DisplayName: "Bob", Rank: "Capt"}
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newServer(t *testing.T) (*httptest.Server, *state.MemoryStore) {
	t.Helper()
	store := state.NewMemoryStore()
	srv := httptest.NewServer(NewHandler(store, store, channel.NewHub(0)))
	t.Cleanup(srv.Close)
	return srv, store
}

func call(t *testing.T, srv *httptest.Server, method, path, body string) (int, collab.ErrorResponse) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	must.NotError(t, "NewRequest", err)
	res, err := srv.Client().Do(req)
	must.NotError(t, "Do", err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	must.NotError(t, "ReadAll", err)
	var er collab.ErrorResponse
	if res.StatusCode >= 300 {
		must.NotError(t, "error body is json: "+string(b), json.Unmarshal(b, &er))
	}
	return res.StatusCode, er
}

func TestErrorMapping(t *testing.T) {
	srv, store := newServer(t)
	s, err := store.CreateSession(context.Background(), "doc-1", alice, collab.WorkspaceState{})
	must.NotError(t, "CreateSession", err)

	testCases := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name: "malformed body", method: "POST", path: "/v1/sessions", body: `{`,
			wantStatus: 400, wantCode: collab.CodeInvalidRequest,
		},
		{
			name: "missing document", method: "POST", path: "/v1/sessions", body: `{"host":{"userId":"@alice"}}`,
			wantStatus: 400, wantCode: collab.CodeInvalidRequest,
		},
		{
			name: "second session", method: "POST", path: "/v1/sessions", body: `{"documentId":"doc-1","host":{"userId":"@bob"}}`,
			wantStatus: 409, wantCode: collab.CodeSessionConflict,
		},
		{
			name: "unknown session", method: "POST", path: "/v1/sessions/nope/deactivate", body: `{"hostId":"@alice"}`,
			wantStatus: 404, wantCode: collab.CodeSessionNotFound,
		},
		{
			name: "end without host id", method: "POST", path: "/v1/sessions/" + s.ID + "/deactivate", body: `{}`,
			wantStatus: 400, wantCode: collab.CodeInvalidRequest,
		},
		{
			name: "end by a guest", method: "POST", path: "/v1/sessions/" + s.ID + "/deactivate", body: `{"hostId":"@bob"}`,
			wantStatus: 403, wantCode: collab.CodeNotHost,
		},
		{
			name: "unknown participant", method: "DELETE", path: "/v1/sessions/" + s.ID + "/participants/@nobody",
			wantStatus: 404, wantCode: collab.CodeParticipantNotFound,
		},
		{
			name: "bad lock kind", method: "POST", path: "/v1/locks/acquire",
			body:       `{"unit":{"scope":"doc-1","kind":"paragraph","name":"x"},"holder":{"userId":"@alice"},"ttlSeconds":60}`,
			wantStatus: 400, wantCode: collab.CodeInvalidRequest,
		},
		{
			name: "lock list without scope", method: "GET", path: "/v1/locks",
			wantStatus: 400, wantCode: collab.CodeInvalidRequest,
		},
		{
			name: "bad active flag", method: "GET", path: "/v1/sessions/" + s.ID + "/participants?active=maybe",
			wantStatus: 400, wantCode: collab.CodeInvalidRequest,
		},
	}
	for _, tc := range testCases {
		status, er := call(t, srv, tc.method, tc.path, tc.body)
		must.Equal(t, status, tc.wantStatus, tc.name+": status")
		must.Equal(t, er.Code, tc.wantCode, tc.name+": code")
	}
}

func TestConflictCarriesExistingSession(t *testing.T) {
	srv, store := newServer(t)
	s, err := store.CreateSession(context.Background(), "doc-1", alice, collab.WorkspaceState{})
	must.NotError(t, "CreateSession", err)

	status, er := call(t, srv, "POST", "/v1/sessions", `{"documentId":"doc-1","host":{"userId":"@bob"}}`)
	must.Equal(t, status, http.StatusConflict, "status")
	var existing collab.SessionSummary
	must.NotError(t, "details", json.Unmarshal(er.Details, &existing))
	must.Equal(t, existing.SessionCode, s.Code, "existing code")
	must.Equal(t, existing.HostID, alice.ID, "existing host")
}

func TestLockedIsNotAnError(t *testing.T) {
	srv, _ := newServer(t)
	body := `{"unit":{"scope":"doc-1","kind":"field","name":"duty_title"},"holder":{"userId":"@alice","displayName":"Alice","rank":"SSgt"},"ttlSeconds":60}`
	status, _ := call(t, srv, "POST", "/v1/locks/acquire", body)
	must.Equal(t, status, http.StatusOK, "granted")

	req, err := http.NewRequest("POST", srv.URL+"/v1/locks/acquire",
		strings.NewReader(`{"unit":{"scope":"doc-1","kind":"field","name":"duty_title"},"holder":{"userId":"@bob"},"ttlSeconds":60}`))
	must.NotError(t, "NewRequest", err)
	res, err := srv.Client().Do(req)
	must.NotError(t, "Do", err)
	defer res.Body.Close()
	must.Equal(t, res.StatusCode, http.StatusOK, "held by someone else is still a 200")
	var result collab.AcquireResult
	must.NotError(t, "decode", json.NewDecoder(res.Body).Decode(&result))
	must.Equal(t, result.Success, false, "not granted")
	must.Equal(t, result.LockedBy, "SSgt Alice", "holder label")
}

func TestNoSessionIsNull(t *testing.T) {
	srv, _ := newServer(t)
	res, err := srv.Client().Get(srv.URL + "/v1/documents/doc-9/session")
	must.NotError(t, "Get", err)
	defer res.Body.Close()
	must.Equal(t, res.StatusCode, http.StatusOK, "status")
	b, _ := io.ReadAll(res.Body)
	must.Equal(t, string(b), `{"session":null}`, "null session")
}

func TestHostEndsSession(t *testing.T) {
	srv, store := newServer(t)
	s, err := store.CreateSession(context.Background(), "doc-1", alice, collab.WorkspaceState{})
	must.NotError(t, "CreateSession", err)

	status, _ := call(t, srv, "POST", "/v1/sessions/"+s.ID+"/deactivate", `{"hostId":"@alice"}`)
	must.Equal(t, status, http.StatusNoContent, "host ends the session")
	active, err := store.FindActiveSession(context.Background(), "doc-1")
	must.NotError(t, "FindActiveSession", err)
	must.Equal(t, active == nil, true, "session ended")
}

func TestLastParticipantLeavingEndsSession(t *testing.T) {
	ctx := context.Background()
	srv, store := newServer(t)
	s, err := store.CreateSession(ctx, "doc-1", alice, collab.WorkspaceState{})
	must.NotError(t, "CreateSession", err)
	_, err = store.AddParticipant(ctx, s.ID, bob, false)
	must.NotError(t, "AddParticipant", err)

	status, _ := call(t, srv, "DELETE", "/v1/sessions/"+s.ID+"/participants/@alice", "")
	must.Equal(t, status, http.StatusNoContent, "host leaves")
	active, err := store.FindActiveSession(ctx, "doc-1")
	must.NotError(t, "FindActiveSession", err)
	must.Equal(t, active != nil, true, "session continues for bob")

	status, _ = call(t, srv, "DELETE", "/v1/sessions/"+s.ID+"/participants/@bob", "")
	must.Equal(t, status, http.StatusNoContent, "bob leaves")
	active, err = store.FindActiveSession(ctx, "doc-1")
	must.NotError(t, "FindActiveSession", err)
	must.Equal(t, active == nil, true, "nobody left, session ended")
	_, err = store.CreateSession(ctx, "doc-1", bob, collab.WorkspaceState{})
	must.NotError(t, "document free for a new session", err)
}

func TestAbandonedSessionExpires(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	hub := channel.NewHub(0)
	h := NewHandler(store, store, hub)
	h.ExpireAbandonedSessions(100 * time.Millisecond)

	kept, err := store.CreateSession(ctx, "doc-1", alice, collab.WorkspaceState{})
	must.NotError(t, "CreateSession", err)
	gone, err := store.CreateSession(ctx, "doc-2", alice, collab.WorkspaceState{})
	must.NotError(t, "CreateSession", err)

	// a reconnect within the grace period keeps the session
	first, err := hub.Join(ctx, channel.SessionTopic(kept.ID), alice.ID)
	must.NotError(t, "Join", err)
	must.NotError(t, "Close", first.Close())
	again, err := hub.Join(ctx, channel.SessionTopic(kept.ID), alice.ID)
	must.NotError(t, "Join again", err)
	defer again.Close()

	// a client that vanishes does not
	crashed, err := hub.Join(ctx, channel.SessionTopic(gone.ID), alice.ID)
	must.NotError(t, "Join", err)
	must.NotError(t, "Close", crashed.Close())

	waitFor(t, "abandoned session to expire", func() bool {
		s, err := store.FindActiveSession(ctx, "doc-2")
		return err == nil && s == nil
	})
	ps, err := store.ListParticipants(ctx, gone.ID, true)
	must.NotError(t, "ListParticipants", err)
	must.Equal(t, len(ps), 0, "participants expired with it")

	time.Sleep(150 * time.Millisecond)
	s, err := store.FindActiveSession(ctx, "doc-1")
	must.NotError(t, "FindActiveSession", err)
	must.Equal(t, s != nil && s.ID == kept.ID, true, "reconnected session survives")
}
