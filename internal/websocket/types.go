package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// EventType classifies hub events.
type EventType string

const (
	// EventTypeDetection is emitted after each detection pass.
	EventTypeDetection EventType = "detection"
	// EventTypeRuleChange is emitted after rule mutations.
	EventTypeRuleChange EventType = "rule_change"
	// EventTypeSystemStatus carries periodic service status.
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection signals client connect/disconnect.
	EventTypeConnection EventType = "connection"
)

// Event is the wire format pushed to connected clients.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id,omitempty"`
}

// DetectionEvent summarizes one detection pass. It carries derived
// metadata only; neither the input text nor entity values are pushed.
type DetectionEvent struct {
	RequestID   string   `json:"request_id"`
	Language    string   `json:"language"`
	EntityCount int      `json:"entity_count"`
	EntityTypes []string `json:"entity_types"`
	RiskLevel   string   `json:"risk_level"`
	IsSafe      bool     `json:"is_safe"`
	DurationMS  float64  `json:"duration_ms"`
}

// RuleChangeEvent describes a rule mutation.
type RuleChangeEvent struct {
	Action     string `json:"action"` // "added", "updated", "deleted", "replaced", "reloaded"
	RuleID     string `json:"rule_id,omitempty"`
	RuleCount  int    `json:"rule_count"`
	Generation uint64 `json:"generation"`
}

// SystemStatusEvent carries periodic service health.
type SystemStatusEvent struct {
	Status           string `json:"status"`
	Uptime           string `json:"uptime"`
	TotalDetections  int64  `json:"total_detections"`
	ActiveRules      int    `json:"active_rules"`
	ConnectedClients int    `json:"connected_clients"`
}

// ConnectionEvent signals a client joining or leaving.
type ConnectionEvent struct {
	Action   string `json:"action"` // "connected", "disconnected"
	ClientID string `json:"client_id"`
	ClientIP string `json:"client_ip"`
}

// ClientMessage is a message received from a client.
type ClientMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// SubscriptionRequest narrows the event types a client receives.
type SubscriptionRequest struct {
	Events []EventType `json:"events"`
}

// Client is one connected WebSocket peer.
type Client struct {
	ID           string
	Conn         *websocket.Conn
	Send         chan Event
	Subscription *SubscriptionRequest
	ConnectedAt  time.Time
	IP           string
	UserAgent    string
}
