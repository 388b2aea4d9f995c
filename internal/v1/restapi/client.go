// Package restapi is the outbound client for the REST service that owns the
// canonical annotation/project database. The collaboration server consults it
// only for user lookups and access checks.
package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/annolab/collab-server/internal/v1/logging"
	"github.com/annolab/collab-server/internal/v1/metrics"
	"github.com/annolab/collab-server/internal/v1/types"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrUserNotFound is returned when the REST service has no record of the user.
var ErrUserNotFound = errors.New("user not found")

// ErrUnavailable is returned when the REST service cannot be reached within
// the retry budget or the circuit is open.
var ErrUnavailable = errors.New("rest api unavailable")

// UserRecord is the wire shape of GET /api/users/{id}.
type UserRecord struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	DisplayName string   `json:"displayName,omitempty"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
}

// Membership is the wire shape of GET /api/projects/{id}/members/{userId}.
type Membership struct {
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
	Role      string `json:"role"`
	JoinedAt  string `json:"joinedAt,omitempty"`
}

// Directory resolves users and project access. Narrow interface so the
// transport layer can be tested without HTTP.
type Directory interface {
	GetUser(ctx context.Context, userID types.UserIDType) (*types.User, error)
	CheckProjectAccess(ctx context.Context, projectID string, userID types.UserIDType) (bool, error)
	GetMembership(ctx context.Context, projectID string, userID types.UserIDType) (*Membership, error)
}

// Client calls the REST API with a circuit breaker and bounded retries.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	maxRetries int
	retryBase  time.Duration
}

// NewClient creates a REST client for the given base URL.
func NewClient(baseURL string) *Client {
	st := gobreaker.Settings{
		Name:        "restapi",
		MaxRequests: 1,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("restapi").Set(stateVal)
		},
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		cb:         gobreaker.NewCircuitBreaker(st),
		maxRetries: 3,
		retryBase:  200 * time.Millisecond,
	}
}

// GetUser resolves a user record. 4xx responses map to ErrUserNotFound.
func (c *Client) GetUser(ctx context.Context, userID types.UserIDType) (*types.User, error) {
	var record UserRecord
	err := c.getJSON(ctx, fmt.Sprintf("%s/api/users/%s", c.baseURL, userID), &record)
	if err != nil {
		return nil, err
	}

	display := record.DisplayName
	if display == "" {
		display = record.Username
	}
	role := types.RoleType(record.Role)
	if role.Rank() < 0 {
		role = types.RoleUser
	}
	return &types.User{
		ID:          types.UserIDType(record.ID),
		DisplayName: display,
		Role:        role,
		Permissions: record.Permissions,
	}, nil
}

// CheckProjectAccess returns true when the REST API grants the user access to
// the project. Any 2xx response allows the join.
func (c *Client) CheckProjectAccess(ctx context.Context, projectID string, userID types.UserIDType) (bool, error) {
	url := fmt.Sprintf("%s/api/projects/%s/access/%s", c.baseURL, projectID, userID)
	status, _, err := c.do(ctx, url)
	if err != nil {
		return false, err
	}
	return status >= 200 && status < 300, nil
}

// GetMembership fetches membership detail for a project member.
func (c *Client) GetMembership(ctx context.Context, projectID string, userID types.UserIDType) (*Membership, error) {
	var m Membership
	url := fmt.Sprintf("%s/api/projects/%s/members/%s", c.baseURL, projectID, userID)
	if err := c.getJSON(ctx, url, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	status, body, err := c.do(ctx, url)
	if err != nil {
		return err
	}
	if status >= 400 && status < 500 {
		return ErrUserNotFound
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrUnavailable, status)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// do executes a GET through the breaker, retrying transient faults (transport
// errors and 5xx) with exponential backoff.
func (c *Client) do(ctx context.Context, url string) (int, []byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryBase * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		res, err := c.cb.Execute(func() (interface{}, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, err
			}
			resp, err := c.httpClient.Do(req)
			if err != nil {
				return nil, err
			}
			defer func() { _ = resp.Body.Close() }()

			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return nil, err
			}
			// 5xx counts as a breaker failure; 4xx is a valid answer.
			if resp.StatusCode >= 500 {
				return nil, fmt.Errorf("server error %d", resp.StatusCode)
			}
			return &restResponse{status: resp.StatusCode, body: body}, nil
		})

		if err == nil {
			r := res.(*restResponse)
			return r.status, r.body, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("restapi").Inc()
			return 0, nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		lastErr = err
		logging.Warn(ctx, "REST API call failed, retrying", zap.String("url", url), zap.Int("attempt", attempt), zap.Error(err))
	}
	return 0, nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

type restResponse struct {
	status int
	body   []byte
}
