package store

import "time"

// ProfileType enumerates the kinds of Windows user profile a UserProfile can
// represent.
type ProfileType string

const (
	ProfileTypeLocal     ProfileType = "Local"
	ProfileTypeDomain    ProfileType = "Domain"
	ProfileTypeAzureAD   ProfileType = "AzureAD"
	ProfileTypeHybrid    ProfileType = "Hybrid"
	ProfileTypeSystem    ProfileType = "System"
	ProfileTypeTemporary ProfileType = "Temporary"
)

var validProfileTypes = map[ProfileType]bool{
	ProfileTypeLocal: true, ProfileTypeDomain: true, ProfileTypeAzureAD: true,
	ProfileTypeHybrid: true, ProfileTypeSystem: true, ProfileTypeTemporary: true,
}

// UserProfile is one row per local user discovered on the workstation.
type UserProfile struct {
	UserID          string
	UserName        string
	ProfilePath     string
	ProfileType     ProfileType
	ProfileSizeBytes int64
	LastLogin       *time.Time
	IsActive        bool
	RequiresBackup  bool
	BackupPriority  int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Classification enumerates the outcomes ProfileSvc may assign a user.
type Classification string

const (
	ClassificationActive    Classification = "Active"
	ClassificationInactive  Classification = "Inactive"
	ClassificationSystem    Classification = "System"
	ClassificationTemporary Classification = "Temporary"
	ClassificationCorrupted Classification = "Corrupted"
	ClassificationUnknown   Classification = "Unknown"
)

var validClassifications = map[Classification]bool{
	ClassificationActive: true, ClassificationInactive: true, ClassificationSystem: true,
	ClassificationTemporary: true, ClassificationCorrupted: true, ClassificationUnknown: true,
}

// ValidClassification reports whether c is one of the six recognized
// classification values, for use by callers (e.g. the rule engine) that
// need to validate a value before it reaches the Store.
func ValidClassification(c Classification) bool { return validClassifications[c] }

// ClassificationRecord is the current, single-row-per-user classification.
type ClassificationRecord struct {
	UserID         string
	Classification Classification
	Confidence     float64
	Reason         string
	RuleSetName    string
	RuleSetVersion string
	ActivityScore  *float64
	IsOverridden   bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ClassificationHistory is an immutable, append-only audit row written on
// every classification change.
type ClassificationHistory struct {
	ID                   string
	UserID               string
	OldClassification    Classification
	NewClassification    Classification
	ChangeTime           time.Time
	Reason               string
	ActivitySnapshotJSON string
}

// Override is a manually applied classification that takes precedence over
// rule-engine evaluation until it expires.
type Override struct {
	UserID                string
	TargetClassification  Classification
	AppliedBy             string
	Reason                string
	AppliedAt             time.Time
	ExpiresAt             *time.Time
}

// BackupCategory enumerates the data categories a user's backup is split
// into.
type BackupCategory string

const (
	CategoryFiles    BackupCategory = "Files"
	CategoryBrowsers BackupCategory = "Browsers"
	CategoryEmail    BackupCategory = "Email"
	CategorySystem   BackupCategory = "System"
)

var validCategories = map[BackupCategory]bool{
	CategoryFiles: true, CategoryBrowsers: true, CategoryEmail: true, CategorySystem: true,
}

// OperationStatus enumerates the lifecycle of a BackupOperation or
// SyncOperation.
type OperationStatus string

const (
	StatusPending               OperationStatus = "Pending"
	StatusInProgress            OperationStatus = "InProgress"
	StatusCompleted             OperationStatus = "Completed"
	StatusFailed                OperationStatus = "Failed"
	StatusCancelled             OperationStatus = "Cancelled"
	StatusTimedOut              OperationStatus = "TimedOut"
	StatusRequiresIntervention  OperationStatus = "RequiresIntervention"
)

var validOperationStatuses = map[OperationStatus]bool{
	StatusPending: true, StatusInProgress: true, StatusCompleted: true, StatusFailed: true,
	StatusCancelled: true, StatusTimedOut: true, StatusRequiresIntervention: true,
}

// terminalOperationStatuses marks statuses that may never be revised once
// set, enforced by Store.UpdateBackupOperation / Store.UpdateSyncOperation.
var terminalOperationStatuses = map[OperationStatus]bool{
	StatusCompleted: true, StatusFailed: true, StatusCancelled: true,
	StatusTimedOut: true, StatusRequiresIntervention: true,
}

// BackupOperation is one row per (user, category) backup job.
type BackupOperation struct {
	ID                 string
	UserID             string
	Category           BackupCategory
	Status             OperationStatus
	Progress           int
	BytesTransferred   int64
	BytesTotal         int64
	StartedAt          time.Time
	LastUpdated        time.Time
	EndedAt            *time.Time
	Error              string
	RetryCount         int
	LastErrorCategory  string
}

// Phase enumerates a user's position in the per-user backup state machine.
type Phase string

const (
	PhaseNotStarted   Phase = "NotStarted"
	PhaseRequested    Phase = "Requested"
	PhaseInProgress   Phase = "InProgress"
	PhaseDelayed      Phase = "Delayed"
	PhaseEscalated    Phase = "Escalated"
	PhaseReadyForReset Phase = "ReadyForReset"
	PhaseCompleted    Phase = "Completed"
	PhaseFailed       Phase = "Failed"
)

var validPhases = map[Phase]bool{
	PhaseNotStarted: true, PhaseRequested: true, PhaseInProgress: true, PhaseDelayed: true,
	PhaseEscalated: true, PhaseReadyForReset: true, PhaseCompleted: true, PhaseFailed: true,
}

// TerminalPhases are phases from which no further transition is permitted.
var TerminalPhases = map[Phase]bool{PhaseCompleted: true, PhaseFailed: true}

// MigrationState is the per-user aggregate state-machine row.
type MigrationState struct {
	UserID          string
	Phase           Phase
	OverallProgress int
	Deadline        time.Time
	DelaysUsed      int
	LastUpdated     time.Time
}

// SyncStatus enumerates the OneDrive sync state for a user's account.
type SyncStatus string

const (
	SyncStatusUnknown     SyncStatus = "Unknown"
	SyncStatusUpToDate    SyncStatus = "UpToDate"
	SyncStatusSyncing     SyncStatus = "Syncing"
	SyncStatusPaused      SyncStatus = "Paused"
	SyncStatusError       SyncStatus = "Error"
	SyncStatusNotSignedIn SyncStatus = "NotSignedIn"
	SyncStatusAuthRequired SyncStatus = "AuthRequired"
)

var validSyncStatuses = map[SyncStatus]bool{
	SyncStatusUnknown: true, SyncStatusUpToDate: true, SyncStatusSyncing: true, SyncStatusPaused: true,
	SyncStatusError: true, SyncStatusNotSignedIn: true, SyncStatusAuthRequired: true,
}

// CloudStatusSnapshot is the per-user cached cloud-readiness reading.
type CloudStatusSnapshot struct {
	UserID            string
	IsInstalled       bool
	IsRunning         bool
	IsSignedIn        bool
	AccountEmail      string
	PrimarySyncFolder string
	SyncStatus        SyncStatus
	AccountInfoJSON   string
	ErrorDetails      string
	LastChecked       time.Time
}

// SyncOperation tracks an ongoing local-to-cloud upload for one (user,
// folder) pair.
type SyncOperation struct {
	ID             string
	UserID         string
	FolderPath     string
	Status         OperationStatus
	StartedAt      time.Time
	EndedAt        *time.Time
	FilesTotal     *int
	FilesUploaded  *int
	BytesTotal     *int64
	BytesUploaded  *int64
	LocalOnlyFiles *int
	ErrorCount     int
	RetryCount     int
	LastRetry      *time.Time
	SessionURL     string
}

// ErrorCategory classifies a SyncError for recovery-strategy selection.
type ErrorCategory string

const (
	ErrorCategoryFileLocked      ErrorCategory = "FileLocked"
	ErrorCategoryInvalidPath     ErrorCategory = "InvalidPath"
	ErrorCategoryFileNotFound    ErrorCategory = "FileNotFound"
	ErrorCategoryQuotaExceeded   ErrorCategory = "QuotaExceeded"
	ErrorCategoryAuthRequired    ErrorCategory = "AuthRequired"
	ErrorCategoryTransientNetwork ErrorCategory = "TransientNetwork"
	ErrorCategoryOther           ErrorCategory = "Other"
)

// SyncError is one failed file transfer within a SyncOperation.
type SyncError struct {
	ID             string
	SyncOpID       string
	FilePath       string
	ErrorMessage   string
	Category       ErrorCategory
	RetryAttempts  int
	IsResolved     bool
	EscalatedToIT  bool
	ErrorTime      time.Time
}

// QuotaHealth enumerates the banded health assessment QuotaSvc assigns.
type QuotaHealth string

const (
	QuotaHealthHealthy  QuotaHealth = "Healthy"
	QuotaHealthWarning  QuotaHealth = "Warning"
	QuotaHealthCritical QuotaHealth = "Critical"
	QuotaHealthExceeded QuotaHealth = "Exceeded"
	QuotaHealthUnknown  QuotaHealth = "Unknown"
)

// QuotaStatus is a transient per-user quota snapshot; QuotaSvc persists the
// latest one for inspection and audit.
type QuotaStatus struct {
	UserID               string
	Health               QuotaHealth
	TotalMB              int64
	UsedMB               int64
	AvailableMB          int64
	RequiredMB           int64
	ShortfallMB          int64
	UsagePct             float64
	CanAccommodateBackup bool
	Issues               []string
	Recommendations      []string
	UpdatedAt            time.Time
}

// WarningType enumerates the kinds of QuotaWarning that can be raised.
type WarningType string

const (
	WarningTypeHighUsage              WarningType = "HighUsage"
	WarningTypeInsufficientBackupSpace WarningType = "InsufficientBackupSpace"
	WarningTypeApproachingLimit       WarningType = "ApproachingLimit"
)

// WarningLevel enumerates severity for a QuotaWarning.
type WarningLevel string

const (
	WarningLevelInfo     WarningLevel = "Info"
	WarningLevelWarning  WarningLevel = "Warning"
	WarningLevelCritical WarningLevel = "Critical"
)

// QuotaWarning is a persisted, resolvable quota-health notice.
type QuotaWarning struct {
	ID          string
	UserID      string
	WarningType WarningType
	Level       WarningLevel
	Title       string
	Message     string
	CreatedAt   time.Time
	ResolvedAt  *time.Time
	IsResolved  bool
}

// EscalationKind enumerates the reasons an Escalation can be raised.
type EscalationKind string

const (
	EscalationKindInsufficientSpace  EscalationKind = "InsufficientSpace"
	EscalationKindRepeatedWarnings   EscalationKind = "RepeatedWarnings"
	EscalationKindSyncErrors         EscalationKind = "SyncErrors"
	EscalationKindLargeFile          EscalationKind = "LargeFile"
	EscalationKindUserBusyExhausted  EscalationKind = "UserBusyExhausted"
	EscalationKindServiceFault       EscalationKind = "ServiceFault"
	EscalationKindManual             EscalationKind = "Manual"
)

// EscalationPriority enumerates an Escalation's urgency.
type EscalationPriority string

const (
	EscalationPriorityLow      EscalationPriority = "Low"
	EscalationPriorityNormal   EscalationPriority = "Normal"
	EscalationPriorityHigh     EscalationPriority = "High"
	EscalationPriorityCritical EscalationPriority = "Critical"
)

// Escalation is a persisted operator-facing alert, optionally scoped to one
// user.
type Escalation struct {
	ID              string
	UserID          string // empty for a service-wide escalation
	Kind            EscalationKind
	Priority        EscalationPriority
	Description     string
	Details         string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ResolvedAt      *time.Time
	AcknowledgedBy  string
	AcknowledgedAt  *time.Time
}

// IsOpen reports whether the escalation has not yet been resolved.
func (e *Escalation) IsOpen() bool { return e.ResolvedAt == nil }
