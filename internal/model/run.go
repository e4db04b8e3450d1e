package model

import (
	"sort"
	"time"
)

// Run is one contiguous live window of a session, opened when the GM comes
// online and closed once both roles are offline.
type Run struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	SessionID     string     `json:"session_id"`
	Front         Status     `json:"front"`
	GM            Status     `json:"gm"`
	LastFrontPing *time.Time `json:"last_front_ping,omitempty"`
	LastGMPing    *time.Time `json:"last_gm_ping,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Open reports whether either role is still online in this run.
func (r *Run) Open() bool {
	return r.Front == StatusOnline || r.GM == StatusOnline
}

// Closed reports whether both roles are offline.
func (r *Run) Closed() bool {
	return r.Front == StatusOffline && r.GM == StatusOffline
}

// Duration is the length of the window as recorded so far.
func (r *Run) Duration() time.Duration {
	return r.UpdatedAt.Sub(r.CreatedAt)
}

// StatusOf returns the status stored for the given role.
func (r *Run) StatusOf(role Role) Status {
	if role == RoleGM {
		return r.GM
	}
	return r.Front
}

// RunFilter holds criteria for listing runs.
type RunFilter struct {
	TenantID  string `json:"tenant_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	OpenOnly  bool   `json:"open_only,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// SessionRuns groups the runs of one session, newest first.
type SessionRuns struct {
	SessionID string `json:"session_id"`
	Runs      []*Run `json:"runs"`
}

// TenantRuns groups the sessions of one tenant.
type TenantRuns struct {
	TenantID string         `json:"tenant_id"`
	Sessions []*SessionRuns `json:"sessions"`
}

// GroupRuns arranges runs into tenant -> session -> runs. Tenants and
// sessions are sorted by id; runs are ordered newest first.
func GroupRuns(runs []*Run) []*TenantRuns {
	byTenant := make(map[string]map[string][]*Run)
	for _, r := range runs {
		sessions, ok := byTenant[r.TenantID]
		if !ok {
			sessions = make(map[string][]*Run)
			byTenant[r.TenantID] = sessions
		}
		sessions[r.SessionID] = append(sessions[r.SessionID], r)
	}

	out := make([]*TenantRuns, 0, len(byTenant))
	for tenantID, sessions := range byTenant {
		tr := &TenantRuns{TenantID: tenantID}
		for sessionID, list := range sessions {
			sort.SliceStable(list, func(i, j int) bool {
				return list[i].CreatedAt.After(list[j].CreatedAt)
			})
			tr.Sessions = append(tr.Sessions, &SessionRuns{SessionID: sessionID, Runs: list})
		}
		sort.Slice(tr.Sessions, func(i, j int) bool {
			return tr.Sessions[i].SessionID < tr.Sessions[j].SessionID
		})
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}
