// Package capability defines the narrow interfaces through which the core
// talks to OS-specific and cloud-specific collaborators it never touches
// directly: profile enumeration, activity tracking, the cloud provider, the
// ticketing system, and the clock. Production wiring supplies real
// implementations; tests supply in-memory fakes.
package capability

import (
	"context"
	"time"
)

// DiscoveredProfile is the raw shape ProfileDetector returns for one local
// Windows user profile, before ProfileSvc classifies it.
type DiscoveredProfile struct {
	UserID      string
	UserName    string
	ProfilePath string
	SID         string
	IsAccessible bool
}

// ProfileDetector enumerates and resolves local Windows user profiles. The
// real implementation reads the registry's ProfileList key and walks the
// filesystem; it is never invoked directly by the core.
type ProfileDetector interface {
	ListProfiles(ctx context.Context) ([]DiscoveredProfile, error)
	ResolveBySID(ctx context.Context, sid string) (*DiscoveredProfile, error)
}

// ActivitySnapshot is a point-in-time reading of how recently and how
// actively a profile has been used.
type ActivitySnapshot struct {
	LastLogin           time.Time
	LastActivity         time.Time
	ActiveProcessCount   int
	IsLoaded             bool
	HasActiveSession     bool
	IsAccessible         bool
	Errors               []string
}

// ActivitySource supplies the recency/activity signals ProfileSvc scores.
type ActivitySource interface {
	LastLogin(ctx context.Context, userID string) (time.Time, error)
	HasActiveSession(ctx context.Context, userID string) (bool, error)
	Snapshot(ctx context.Context, userID string) (ActivitySnapshot, error)
}

// AccountInfo is a OneDrive account's identity and quota figures.
type AccountInfo struct {
	Email     string
	TotalBytes int64
	UsedBytes  int64
}

// SyncState is the per-file sync status CloudProvider reports.
type SyncState string

const (
	SyncStateUpToDate SyncState = "UpToDate"
	SyncStatePending  SyncState = "Pending"
	SyncStateError    SyncState = "Error"
)

// CloudProvider wraps whatever the OneDrive client exposes locally: install
// state, account info, folder scope, and file-level sync status. CloudSvc
// consumes this; the core never calls the OneDrive client's own APIs.
type CloudProvider interface {
	IsInstalled(ctx context.Context) (bool, error)
	IsRunning(ctx context.Context) (bool, error)
	IsSignedIn(ctx context.Context, userID string) (bool, error)
	AccountInfo(ctx context.Context, userID string) (*AccountInfo, error)
	PrimarySyncFolder(ctx context.Context, userID string) (string, error)
	ExcludedFolders(ctx context.Context, userID, account string) ([]string, error)
	AddToScope(ctx context.Context, userID, account, path string) error
	RemoveFromScope(ctx context.Context, userID, account, path string) error
	LocalOnlyFiles(ctx context.Context, userID, folder string) ([]string, error)
	ForceSync(ctx context.Context, userID, folder string) error
	WaitForSync(ctx context.Context, userID, folder string) error
	FileSyncState(ctx context.Context, userID, path string) (SyncState, error)
}

// Ticket is what the escalation sink creates from an Escalation.
type Ticket struct {
	Number string
}

// TicketClient submits, queries, and acknowledges an Escalation against an
// external ticketing system.
type TicketClient interface {
	Submit(ctx context.Context, escalationID, description, details string) (*Ticket, error)
	Query(ctx context.Context, ticketNumber string) (status string, err error)
	Acknowledge(ctx context.Context, ticketNumber, by string) error
}

// Clock is the injectable time source used throughout the core so tests can
// control wall-clock and monotonic readings deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
