package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/foundersbase/chatdock/internal/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSend_PostsToAndContent(t *testing.T) {
	var got SendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chat/send", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":11,"content":"Hello","sender":{"username":"alice"},"recipient":{"username":"bob"},"createdAt":"2024-05-01T10:00:00"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	msg, err := c.Send(context.Background(), "bob", "Hello")
	require.NoError(t, err)

	assert.Equal(t, SendRequest{To: "bob", Content: "Hello"}, got)
	assert.Equal(t, chat.ID("11"), msg.ID)
	assert.Equal(t, "Hello", msg.Content)
}

func TestTicket(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantErr func(error) bool
	}{
		{"ok", 200, `{"token":"abc"}`, nil},
		{"missing token", 200, `{}`, func(err error) bool { return err == ErrNoTicket }},
		{"unauthorized", 401, `{"error":"x"}`, func(err error) bool { return IsStatus(err, 401) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/chat/ws-ticket", r.URL.Path)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			tok, err := New(srv.URL).Ticket(context.Background())
			if tc.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, "abc", tok)
				return
			}
			require.Error(t, err)
			assert.True(t, tc.wantErr(err), "unexpected error: %v", err)
		})
	}
}

func TestMarkRead_NoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/conversations/bob%20smith/mark-read", r.URL.EscapedPath())
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL).MarkRead(context.Background(), "bob smith"))
}

func TestDirectMessages_UsesBackendAndBearer(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer t0k", r.Header.Get("Authorization"))
		assert.Equal(t, "/api/chat/messages/bob", r.URL.Path)
		_, _ = w.Write([]byte(`[{"id":1,"content":"a","createdAt":"2024-05-01T10:00:00"}]`))
	}))
	defer backend.Close()

	bff := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("bff should not be called, got %s", r.URL.Path)
	}))
	defer bff.Close()

	c := New(bff.URL, WithBackendOrigin(backend.URL+"/"))
	msgs, err := c.DirectMessages(context.Background(), "t0k", "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "a", msgs[0].Content)
}

func TestSessionCookies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ck, err := r.Cookie(AccessTokenCookie)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"username":"` + ck.Value + `"}`))
	}))
	defer srv.Close()

	me, err := New(srv.URL, WithSessionCookies("alice", "r1")).Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, chat.Username("alice"), me.Username)

	_, err = New(srv.URL).Me(context.Background())
	assert.True(t, IsStatus(err, http.StatusUnauthorized))
}

func TestSearchUsers_EscapesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "a&b c", r.URL.Query().Get("q"))
		_, _ = w.Write([]byte(`[{"id":4,"username":"ab","name":"A B"}]`))
	}))
	defer srv.Close()

	users, err := New(srv.URL).SearchUsers(context.Background(), "a&b c")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, chat.Username("ab"), users[0].Username)
}
