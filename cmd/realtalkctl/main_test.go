package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRemote(t *testing.T, h http.HandlerFunc) (*remote, *bytes.Buffer) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	var out bytes.Buffer
	return &remote{base: srv.URL, client: srv.Client(), out: &out}, &out
}

func TestDispatchRoutes(t *testing.T) {
	tests := []struct {
		args   []string
		method string
		path   string
	}{
		{[]string{"talk"}, http.MethodPost, "/api/talk"},
		{[]string{"select", "12"}, http.MethodPost, "/api/conversations/12/select"},
		{[]string{"delete"}, http.MethodDelete, "/api/conversations/active"},
		{[]string{"delete", "active"}, http.MethodDelete, "/api/conversations/active"},
		{[]string{"delete", "9"}, http.MethodDelete, "/api/conversations/9"},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			var method, path string
			r, _ := newRemote(t, func(w http.ResponseWriter, req *http.Request) {
				method, path = req.Method, req.URL.Path
				w.WriteHeader(http.StatusNoContent)
			})
			require.NoError(t, r.dispatch(context.Background(), tt.args))
			assert.Equal(t, tt.method, method)
			assert.Equal(t, tt.path, path)
		})
	}
}

func TestDispatchRejectsBadID(t *testing.T) {
	r, _ := newRemote(t, func(w http.ResponseWriter, req *http.Request) {
		t.Errorf("unexpected request %s", req.URL.Path)
	})
	assert.Error(t, r.dispatch(context.Background(), []string{"select", "abc"}))
	assert.Error(t, r.dispatch(context.Background(), []string{"select"}))
	assert.Error(t, r.dispatch(context.Background(), []string{"bogus"}))
}

func TestErrorPayloadSurfaces(t *testing.T) {
	r, _ := newRemote(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"turn: busy"}`))
	})
	err := r.dispatch(context.Background(), []string{"new"})
	require.Error(t, err)
	assert.Equal(t, "turn: busy (409)", err.Error())
}

func TestStateAndList(t *testing.T) {
	r, out := newRemote(t, func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/api/state":
			w.Write([]byte(`{"state":"SPEAKING","conversation_id":5,"transcript":[{"id":1,"text":"hi","sender":"USER"},{"id":2,"text":"hello","sender":"ASSISTANT"}]}`))
		case "/api/conversations":
			w.Write([]byte(`[{"conversation_id":5,"last_turn":{"id":2,"text":"hello","sender":"ASSISTANT","created_at":"2024-01-02T03:04:05Z"}}]`))
		}
	})

	require.NoError(t, r.dispatch(context.Background(), []string{"state"}))
	assert.Contains(t, out.String(), "state: SPEAKING")
	assert.Contains(t, out.String(), "conversation: 5")
	assert.Contains(t, out.String(), "      you: hi")
	assert.Contains(t, out.String(), "assistant: hello")

	out.Reset()
	require.NoError(t, r.dispatch(context.Background(), []string{"list"}))
	assert.True(t, strings.HasPrefix(out.String(), "5\t"))
	assert.Contains(t, out.String(), "\thello\n")
}

func TestPrintEvent(t *testing.T) {
	var out bytes.Buffer
	r := &remote{out: &out}

	r.printEvent([]byte(`{"kind":"state","state":"LISTENING"}`))
	r.printEvent([]byte(`{"kind":"notice","notice":"Speech error: busy"}`))
	r.printEvent([]byte(`{"kind":"conversation","conversation_id":77}`))
	r.printEvent([]byte(`{"kind":"snapshot","state":"IDLE","conversation_id":3,"transcript":[]}`))

	got := out.String()
	assert.Contains(t, got, "[state] LISTENING\n")
	assert.Contains(t, got, "[notice] Speech error: busy\n")
	assert.Contains(t, got, "[conversation] 77\n")
	assert.Contains(t, got, "state: IDLE\nconversation: 3\n")
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", preview("short"))
	long := strings.Repeat("a", 80)
	assert.Len(t, []rune(preview(long)), 60)
}
