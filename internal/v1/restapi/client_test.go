package restapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/annolab/collab-server/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(srv *httptest.Server) *Client {
	c := NewClient(srv.URL)
	c.retryBase = time.Millisecond
	return c
}

func TestGetUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/users/u1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"u1","username":"alice","role":"annotator","permissions":["annotate"]}`))
	}))
	defer srv.Close()

	user, err := newTestClient(srv).GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, types.UserIDType("u1"), user.ID)
	// Username stands in when displayName is absent.
	assert.Equal(t, "alice", user.DisplayName)
	assert.Equal(t, types.RoleAnnotator, user.Role)
	assert.Equal(t, []string{"annotate"}, user.Permissions)
}

func TestGetUserUnknownRoleFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"u1","username":"alice","role":"superhero"}`))
	}))
	defer srv.Close()

	user, err := newTestClient(srv).GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, types.RoleUser, user.Role)
}

func TestGetUserNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).GetUser(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestCheckProjectAccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/projects/p1/access/u1":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv)
	allowed, err := c.CheckProjectAccess(context.Background(), "p1", "u1")
	require.NoError(t, err)
	assert.True(t, allowed)

	// A 4xx answer is a denial, not a transport failure.
	allowed, err = c.CheckProjectAccess(context.Background(), "p2", "u1")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestGetMembership(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/projects/p1/members/u1", r.URL.Path)
		_, _ = w.Write([]byte(`{"projectId":"p1","userId":"u1","role":"reviewer"}`))
	}))
	defer srv.Close()

	m, err := newTestClient(srv).GetMembership(context.Background(), "p1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "reviewer", m.Role)
}

func TestRetriesTransientServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"id":"u1","username":"alice","role":"annotator"}`))
	}))
	defer srv.Close()

	user, err := newTestClient(srv).GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, types.UserIDType("u1"), user.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExhaustedRetriesReportUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.GetUser(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrUnavailable)

	// Sustained failures open the breaker; the next call fails fast.
	_, err = c.GetUser(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrUnavailable)
}
