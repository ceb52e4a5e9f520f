// Package msgbus implements the length-prefixed JSON wire protocol shared by
// the local-socket transport: message framing, the closed set of message
// types, and their payload shapes.
package msgbus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type is one of the fourteen registered message types.
type Type string

const (
	TypeBackupRequest       Type = "BACKUP_REQUEST"
	TypeStatusUpdate        Type = "STATUS_UPDATE"
	TypeEscalationNotice    Type = "ESCALATION_NOTICE"
	TypeConfigurationUpdate Type = "CONFIGURATION_UPDATE"
	TypeShutdownRequest     Type = "SHUTDOWN_REQUEST"
	TypeAgentStarted        Type = "AGENT_STARTED"
	TypeBackupStarted       Type = "BACKUP_STARTED"
	TypeBackupProgress      Type = "BACKUP_PROGRESS"
	TypeBackupCompleted     Type = "BACKUP_COMPLETED"
	TypeDelayRequest        Type = "DELAY_REQUEST"
	TypeUserAction          Type = "USER_ACTION"
	TypeErrorReport         Type = "ERROR_REPORT"
	TypeHeartbeat           Type = "HEARTBEAT"
	TypeAcknowledgment      Type = "ACKNOWLEDGMENT"
)

// KnownTypes is the full closed set of registered message types, used to
// reject unrecognized `type` values as a Protocol error rather than
// dispatching them.
var KnownTypes = map[Type]bool{
	TypeBackupRequest: true, TypeStatusUpdate: true, TypeEscalationNotice: true,
	TypeConfigurationUpdate: true, TypeShutdownRequest: true, TypeAgentStarted: true,
	TypeBackupStarted: true, TypeBackupProgress: true, TypeBackupCompleted: true,
	TypeDelayRequest: true, TypeUserAction: true, TypeErrorReport: true,
	TypeHeartbeat: true, TypeAcknowledgment: true,
}

// Message is the wire envelope: {id, type, timestamp, payload}.
type Message struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewMessage builds a Message with a fresh UUID id and the current
// timestamp, marshaling payload into the wire shape.
func NewMessage(t Type, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Message{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// DecodePayload unmarshals the message's payload into dst.
func (m *Message) DecodePayload(dst any) error {
	return json.Unmarshal(m.Payload, dst)
}

// Priority enumerates BackupRequestPayload.Priority.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// BackupRequestPayload is the server->agent BACKUP_REQUEST payload.
type BackupRequestPayload struct {
	UserID     string    `json:"userId"`
	Priority   Priority  `json:"priority"`
	Deadline   time.Time `json:"deadline"`
	Categories []string  `json:"categories"`
}

// StatusUpdatePayload is the server->agent STATUS_UPDATE payload.
type StatusUpdatePayload struct {
	OverallStatus string   `json:"overallStatus"`
	BlockingUsers []string `json:"blockingUsers"`
	ReadyUsers    []string `json:"readyUsers"`
	TotalUsers    int      `json:"totalUsers"`
}

// EscalationNoticePayload is the server->agent ESCALATION_NOTICE payload.
type EscalationNoticePayload struct {
	Reason      string `json:"reason"`
	Details     string `json:"details"`
	TicketNumber string `json:"ticketNumber,omitempty"`
}

// ShutdownRequestPayload is the server->agent SHUTDOWN_REQUEST payload.
type ShutdownRequestPayload struct {
	Reason string `json:"reason,omitempty"`
}

// AgentStartedPayload is the agent->server AGENT_STARTED payload.
type AgentStartedPayload struct {
	UserID       string `json:"userId"`
	AgentVersion string `json:"agentVersion"`
	SessionID    string `json:"sessionId"`
}

// BackupStartedPayload is the agent->server BACKUP_STARTED payload.
type BackupStartedPayload struct {
	UserID          string   `json:"userId"`
	Categories      []string `json:"categories"`
	EstimatedSizeMB int64    `json:"estimatedSizeMB"`
}

// BackupProgressPayload is the agent->server BACKUP_PROGRESS payload.
type BackupProgressPayload struct {
	UserID           string `json:"userId"`
	Category         string `json:"category"`
	Progress         int    `json:"progress"`
	BytesTransferred int64  `json:"bytesTransferred"`
	BytesTotal       int64  `json:"bytesTotal"`
	CurrentFile      string `json:"currentFile,omitempty"`
}

// CategoryResult is one entry of BackupCompletedPayload.Categories.
type CategoryResult struct {
	Success   bool   `json:"success"`
	ItemCount int    `json:"itemCount,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BackupCompletedPayload is the agent->server BACKUP_COMPLETED payload.
type BackupCompletedPayload struct {
	UserID       string                    `json:"userId"`
	Success      bool                      `json:"success"`
	ManifestPath string                    `json:"manifestPath,omitempty"`
	Categories   map[string]CategoryResult `json:"categories"`
}

// DelayRequestPayload is the agent->server DELAY_REQUEST payload.
type DelayRequestPayload struct {
	UserID               string `json:"userId"`
	Reason               string `json:"reason"`
	RequestedDelaySeconds int64  `json:"requestedDelaySeconds"`
	DelaysUsed           int    `json:"delaysUsed"`
}

// UserActionPayload is the agent->server USER_ACTION payload.
type UserActionPayload struct {
	UserID  string `json:"userId"`
	Action  string `json:"action"`
	Details string `json:"details,omitempty"`
}

// ErrorReportPayload is the agent->server ERROR_REPORT payload.
type ErrorReportPayload struct {
	UserID     string `json:"userId"`
	ErrorCode  string `json:"errorCode"`
	Message    string `json:"message"`
	StackTrace string `json:"stackTrace,omitempty"`
	Context    string `json:"context,omitempty"`
}

// HeartbeatPayload is the bidirectional HEARTBEAT payload.
type HeartbeatPayload struct {
	SenderID       string    `json:"senderId"`
	SequenceNumber int64     `json:"sequenceNumber"`
	Timestamp      time.Time `json:"timestamp"`
}

// AcknowledgmentPayload is the bidirectional ACKNOWLEDGMENT payload.
type AcknowledgmentPayload struct {
	OriginalMessageID string    `json:"originalMessageId"`
	Success           bool      `json:"success"`
	Error             string    `json:"error,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}
