package shellsync

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/epbforge/shellsync/collab"
	"github.com/epbforge/shellsync/handler"
	"github.com/epbforge/shellsync/state"
	"github.com/matrix-org/complement/must"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := state.NewMemoryStore()
	srv := httptest.NewServer(NewServer(handler.NewHandler(store, store, nil)))
	t.Cleanup(srv.Close)
	return srv
}

func TestServerCORSPreflight(t *testing.T) {
	srv := newTestServer(t)
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/v1/sessions", nil)
	must.NotError(t, "NewRequest", err)
	res, err := srv.Client().Do(req)
	must.NotError(t, "Do", err)
	defer res.Body.Close()
	must.Equal(t, res.StatusCode, http.StatusOK, "preflight status")
	must.Equal(t, res.Header.Get("Access-Control-Allow-Origin"), "*", "allow origin")
}

func TestServerRoutesAPI(t *testing.T) {
	srv := newTestServer(t)
	res, err := srv.Client().Get(srv.URL + "/v1/documents/epb-1/session")
	must.NotError(t, "Get", err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	must.NotError(t, "ReadAll", err)
	must.Equal(t, res.StatusCode, http.StatusOK, "status")
	must.Equal(t, string(body), `{"session":null}`, "body")
	must.Equal(t, res.Header.Get("Access-Control-Allow-Origin"), "*", "allow origin")

	res, err = srv.Client().Get(srv.URL + "/nope")
	must.NotError(t, "Get", err)
	res.Body.Close()
	must.Equal(t, res.StatusCode, http.StatusNotFound, "unknown path")
}

func TestServerErrorBody(t *testing.T) {
	srv := newTestServer(t)
	res, err := srv.Client().Get(srv.URL + "/v1/locks")
	must.NotError(t, "Get", err)
	defer res.Body.Close()
	must.Equal(t, res.StatusCode, http.StatusBadRequest, "missing scope")
	must.Equal(t, res.Header.Get("Content-Type"), "application/json", "content type")
	var er collab.ErrorResponse
	must.NotError(t, "Decode", json.NewDecoder(res.Body).Decode(&er))
	must.Equal(t, er.Code, collab.CodeInvalidRequest, "error code")
}

func TestRunServerShutsDownOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	must.NotError(t, "Listen", err)
	addr := l.Addr().String()
	l.Close()

	store := state.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- RunServer(ctx, handler.NewHandler(store, store, nil), addr)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		res, err := http.Get("http://" + addr + "/version")
		if err == nil {
			res.Body.Close()
			must.Equal(t, res.StatusCode, http.StatusOK, "version status")
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %s", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		must.NotError(t, "RunServer", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("RunServer did not return after cancel")
	}
}
