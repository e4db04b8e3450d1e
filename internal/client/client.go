// Package client provides a transport-agnostic interface for the gmscreen
// service and an HTTP/JSON implementation that talks to its REST API.
package client

import (
	"context"

	"github.com/alfredjeanlab/gmscreen/internal/model"
	"github.com/alfredjeanlab/gmscreen/internal/presence"
)

// Client is the interface the gmscreen CLI commands use to talk to a
// running server.
type Client interface {
	// Health returns the server status and its open socket count.
	Health(ctx context.Context) (*HealthResponse, error)

	// Presence
	RecordOnline(ctx context.Context, tenantID, sessionID string, role model.Role) (*presence.Entry, error)
	GetPresence(ctx context.Context, tenantID, sessionID string) (*presence.Entry, error)
	ListPresence(ctx context.Context, tenantID string) ([]presence.Entry, error)

	// Run history
	ListRuns(ctx context.Context, req *ListRunsRequest) (*ListRunsResponse, error)

	// Lifecycle
	Close() error
}

// HealthResponse is the body of GET /v1/health.
type HealthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

// ListRunsRequest holds the filters for listing run history.
type ListRunsRequest struct {
	TenantID  string
	SessionID string
	OpenOnly  bool
	Limit     int
}

// ListRunsResponse is the grouped audit view of run history.
type ListRunsResponse struct {
	Tenants []*model.TenantRuns `json:"tenants"`
	Total   int                 `json:"total"`
}
