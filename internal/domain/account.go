package domain

import (
	"slices"
	"time"
)

// Account is a linked platform identity. Active is administrative and
// independent of live connectivity.
type Account struct {
	ID          string         `json:"id"`
	Platform    Platform       `json:"platform"`
	Label       string         `json:"label,omitempty"`
	WorkspaceID string         `json:"workspaceId,omitempty"`
	BrandID     string         `json:"brandId,omitempty"`
	CreatedBy   string         `json:"createdBy,omitempty"`
	Active      bool           `json:"active"`
	CreatedAt   time.Time      `json:"createdAt"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// Viewer identifies who is asking for an aggregated view.
type Viewer struct {
	UserID     string   `json:"userId"`
	Workspaces []string `json:"workspaces,omitempty"`
}

// Key returns a stable cache key for the viewer.
func (v Viewer) Key() string {
	ws := slices.Clone(v.Workspaces)
	slices.Sort(ws)
	key := "user:" + v.UserID
	for _, w := range ws {
		key += "|" + w
	}
	return key
}

// VisibleTo reports whether the viewer may see the account: its workspace is
// one of the viewer's, or it is unassigned and was created by the viewer.
func (a Account) VisibleTo(v Viewer) bool {
	if a.WorkspaceID != "" {
		return slices.Contains(v.Workspaces, a.WorkspaceID)
	}
	return a.CreatedBy != "" && a.CreatedBy == v.UserID
}

// ConnState is the classified connectivity of an account's client.
type ConnState string

const (
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateUnlinked     ConnState = "unlinked"
	StateLoggedOut    ConnState = "loggedOut"
)

// Healthy reports whether the state needs no watchdog attention.
func (s ConnState) Healthy() bool { return s == StateConnected }
