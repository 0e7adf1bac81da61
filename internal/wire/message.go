package wire

import (
	"time"
)

// Action names a logical message on the wire.
type Action string

const (
	ActionTokenExchange       Action = "syncTokenExchange"
	ActionTokenExchangeReply  Action = "syncTokenExchangeReply"
	ActionRequestFullSessions Action = "requestFullSessions"
	ActionFullSessions        Action = "fullSessions"
	ActionSyncSessions        Action = "syncSessions"
	ActionRequestSessions     Action = "requestSessions"
	ActionStatus              Action = "status"
	ActionPing                Action = "ping"
	ActionPong                Action = "pong"
	ActionHeartbeat           Action = "heartbeat"
	ActionClearData           Action = "clearData"
	ActionCompletion          Action = "workoutData"
	ActionError               Action = "error"
)

// Status values carried by StatusReply.
const (
	StatusProcessing = "processing"
	StatusReceived   = "received"
	StatusCleared    = "cleared"
	StatusRejected   = "rejected"
	StatusAlive      = "alive"
)

// Message is implemented by every wire message. The unexported method seals
// the set to this package.
type Message interface {
	Action() Action
	isMessage()
}

// BatchInfo describes which slice of the program a payload carries.
type BatchInfo struct {
	Phase       string `json:"phase"`
	Description string `json:"description"`
	UserWeek    int    `json:"user_week"`
	Frequency   int    `json:"frequency"`
}

// TokenExchange opens a reconciliation cycle.
type TokenExchange struct {
	DeviceID     string    `json:"device_id"`
	SyncToken    string    `json:"sync_token"`
	DeviceType   string    `json:"device_type"`
	SessionCount int       `json:"session_count"`
	Timestamp    time.Time `json:"timestamp"`
}

// TokenExchangeReply carries the owner's identity and version.
type TokenExchangeReply struct {
	SyncToken    string    `json:"sync_token"`
	DeviceID     string    `json:"device_id"`
	DeviceType   string    `json:"device_type"`
	SessionCount int       `json:"session_count"`
	Timestamp    time.Time `json:"timestamp"`
}

// FullSessionsRequest asks the owner for its program. UserWeek is the
// requester's progress and drives batch selection.
type FullSessionsRequest struct {
	DeviceID  string    `json:"device_id"`
	UserWeek  int       `json:"user_week"`
	Timestamp time.Time `json:"timestamp"`
}

// FullSessionsReply answers FullSessionsRequest.
type FullSessionsReply struct {
	SessionsData  []byte    `json:"sessions_data"`
	SessionCount  int       `json:"session_count"`
	TotalSessions int       `json:"total_sessions"`
	BatchInfo     BatchInfo `json:"batch_info"`
	DeviceID      string    `json:"device_id"`
	SyncToken     string    `json:"sync_token"`
	UserLevel     string    `json:"user_level"`
	UserFrequency int       `json:"user_frequency"`
	Timestamp     time.Time `json:"timestamp"`
}

// SyncSessions pushes a batch without being asked for it directly.
type SyncSessions struct {
	SessionsData  []byte    `json:"sessions_data"`
	SessionCount  int       `json:"session_count"`
	TotalSessions int       `json:"total_sessions"`
	BatchInfo     BatchInfo `json:"batch_info"`
	DeviceID      string    `json:"device_id"`
	SyncToken     string    `json:"sync_token"`
	UserLevel     string    `json:"user_level"`
	UserFrequency int       `json:"user_frequency"`
	UserName      string    `json:"user_name,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// SessionsRequest asks the owner to push a batch later via SyncSessions.
type SessionsRequest struct {
	CurrentSessionCount int       `json:"current_session_count"`
	UserWeek            int       `json:"user_week"`
	ForceRefresh        bool      `json:"force_refresh"`
	Timestamp           time.Time `json:"timestamp"`
}

// StatusReply is the generic acknowledgement.
type StatusReply struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Ping checks liveness.
type Ping struct {
	DeviceType string    `json:"device_type"`
	Timestamp  time.Time `json:"timestamp"`
}

// Pong answers Ping.
type Pong struct {
	Status       string    `json:"status"`
	DeviceType   string    `json:"device_type"`
	SessionCount int       `json:"session_count"`
	Timestamp    time.Time `json:"timestamp"`
}

// Heartbeat is fire-and-forget.
type Heartbeat struct {
	SessionCount int       `json:"session_count"`
	BatteryLevel float64   `json:"battery_level"`
	Timestamp    time.Time `json:"timestamp"`
}

// ClearData asks the receiver to drop its program.
type ClearData struct {
	Timestamp time.Time `json:"timestamp"`
}

// CompletionReport carries a workout finished on the companion to the
// owner. It is answered with StatusReply "received".
type CompletionReport struct {
	DeviceID    string    `json:"device_id"`
	SessionID   string    `json:"session_id"`
	CompletedAt time.Time `json:"completed_at"`
	Results     []float64 `json:"results,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ErrorReply is sent in place of a normal reply when the handler failed.
type ErrorReply struct {
	Error string `json:"error"`
}

func (TokenExchange) Action() Action       { return ActionTokenExchange }
func (TokenExchangeReply) Action() Action  { return ActionTokenExchangeReply }
func (FullSessionsRequest) Action() Action { return ActionRequestFullSessions }
func (FullSessionsReply) Action() Action   { return ActionFullSessions }
func (SyncSessions) Action() Action        { return ActionSyncSessions }
func (SessionsRequest) Action() Action     { return ActionRequestSessions }
func (StatusReply) Action() Action         { return ActionStatus }
func (Ping) Action() Action                { return ActionPing }
func (Pong) Action() Action                { return ActionPong }
func (Heartbeat) Action() Action           { return ActionHeartbeat }
func (ClearData) Action() Action           { return ActionClearData }
func (CompletionReport) Action() Action    { return ActionCompletion }
func (ErrorReply) Action() Action          { return ActionError }

func (TokenExchange) isMessage()       {}
func (TokenExchangeReply) isMessage()  {}
func (FullSessionsRequest) isMessage() {}
func (FullSessionsReply) isMessage()   {}
func (SyncSessions) isMessage()        {}
func (SessionsRequest) isMessage()     {}
func (StatusReply) isMessage()         {}
func (Ping) isMessage()                {}
func (Pong) isMessage()                {}
func (Heartbeat) isMessage()           {}
func (ClearData) isMessage()           {}
func (CompletionReport) isMessage()    {}
func (ErrorReply) isMessage()          {}
