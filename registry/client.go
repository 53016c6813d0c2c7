// Package registry is a thin client for the external ChittyOS project
// registry. The coordinator consumes it through a narrow surface: resolve or
// create a project, and list or create tasks scoped to one. Results are
// cached per project id and invalidated explicitly when a session switches
// projects.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/chittyapps/chittysync/log"
)

var (
	// ErrNotConfigured means no registry URL was set; project contexts stay
	// local in that case.
	ErrNotConfigured = errors.New("project registry not configured")
	// ErrNotFound is returned for an unknown project or task.
	ErrNotFound = errors.New("not found in project registry")
)

// Project is a registry project definition.
type Project struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Tags []string `json:"tags,omitempty"`
}

// Task is a registry task scoped to a project.
type Task struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Title     string    `json:"title"`
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Client talks to the registry over HTTP with bearer-token auth.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client

	mu    sync.Mutex
	cache map[string]*Project
}

// NewClient creates a Client. An empty baseURL yields an unconfigured client
// whose calls all return ErrNotConfigured.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cache:      make(map[string]*Project),
	}
}

// Configured reports whether a registry endpoint was set.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// GetProject resolves a project by id, serving repeat lookups from cache.
func (c *Client) GetProject(ctx context.Context, id string) (*Project, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	c.mu.Lock()
	if p, ok := c.cache[id]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	var p Project
	if err := c.do(ctx, http.MethodGet, "/api/v1/projects/"+id, nil, &p); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[id] = &p
	c.mu.Unlock()
	return &p, nil
}

// ListProjects returns all active projects.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	var out []Project
	if err := c.do(ctx, http.MethodGet, "/api/v1/projects", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateProject registers a new project and caches the result.
func (c *Client) CreateProject(ctx context.Context, p Project) (*Project, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	var created Project
	if err := c.do(ctx, http.MethodPost, "/api/v1/projects", p, &created); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[created.ID] = &created
	c.mu.Unlock()
	return &created, nil
}

// ListTasks returns the tasks scoped to a project.
func (c *Client) ListTasks(ctx context.Context, projectID string) ([]Task, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	var out []Task
	if err := c.do(ctx, http.MethodGet, "/api/v1/projects/"+projectID+"/tasks", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateTask adds a task to a project.
func (c *Client) CreateTask(ctx context.Context, projectID, title string) (*Task, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	var created Task
	body := Task{ProjectID: projectID, Title: title}
	if err := c.do(ctx, http.MethodPost, "/api/v1/projects/"+projectID+"/tasks", body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// Invalidate drops one project from the cache. Called on switchProject so the
// next bind sees fresh registry state.
func (c *Client) Invalidate(id string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.cache, id)
	c.mu.Unlock()
}

// InvalidateAll empties the cache.
func (c *Client) InvalidateAll() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.cache = make(map[string]*Project)
	c.mu.Unlock()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build registry request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registry request to %s failed: %w", log.SanitizeURL(c.baseURL), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("registry returned %d for %s %s: %s", resp.StatusCode, method, path, bytes.TrimSpace(msg))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode registry response: %w", err)
	}
	return nil
}
