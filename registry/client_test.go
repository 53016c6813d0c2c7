package registry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnconfiguredClient(t *testing.T) {
	c := NewClient("", "")
	assert.False(t, c.Configured())

	_, err := c.GetProject(t.Context(), "p1")
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = c.ListProjects(t.Context())
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = c.CreateProject(t.Context(), Project{ID: "p1"})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = c.ListTasks(t.Context(), "p1")
	assert.ErrorIs(t, err, ErrNotConfigured)

	// A nil client behaves like an unconfigured one for the read-only checks.
	var nilClient *Client
	assert.False(t, nilClient.Configured())
	nilClient.Invalidate("p1")
	nilClient.InvalidateAll()
}

func TestGetProjectCachesAndInvalidates(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.Equal(t, "/api/v1/projects/p1", r.URL.Path)
		require.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(Project{ID: "p1", Name: "Payments", Tags: []string{"go"}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-token")
	require.True(t, c.Configured())

	p, err := c.GetProject(t.Context(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "Payments", p.Name)
	assert.Equal(t, []string{"go"}, p.Tags)

	_, err = c.GetProject(t.Context(), "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits.Load())

	c.Invalidate("p1")
	_, err = c.GetProject(t.Context(), "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), hits.Load())
}

func TestGetProjectNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.GetProject(t.Context(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServerErrorIncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "registry on fire", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.GetProject(t.Context(), "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "registry on fire")
}

func TestCreateProjectPopulatesCache(t *testing.T) {
	var gets atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			require.Equal(t, "application/json", r.Header.Get("Content-Type"))
			var p Project
			require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
			json.NewEncoder(w).Encode(p)
		case http.MethodGet:
			gets.Add(1)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	created, err := c.CreateProject(t.Context(), Project{ID: "p1", Name: "Payments"})
	require.NoError(t, err)
	assert.Equal(t, "p1", created.ID)

	// The freshly created project is served from cache, never re-fetched.
	p, err := c.GetProject(t.Context(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "Payments", p.Name)
	assert.Zero(t, gets.Load())
}

func TestListTasks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/projects/p1/tasks", r.URL.Path)
		json.NewEncoder(w).Encode([]Task{
			{ID: "t1", ProjectID: "p1", Title: "index the repo"},
			{ID: "t2", ProjectID: "p1", Title: "run migrations"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	tasks, err := c.ListTasks(t.Context(), "p1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "index the repo", tasks[0].Title)
}
