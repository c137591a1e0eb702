package events

import (
	"encoding/json"
	"time"
)

// QueuedNotification is a targeted notification held for an offline user.
type QueuedNotification struct {
	UserID    string          `json:"userId"`
	Sequence  int64           `json:"sequence"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Outcome describes what Notify did with a notification.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeQueued    Outcome = "queued"
	OutcomeDropped   Outcome = "dropped"
)

// DeliveryResult is returned to collaborators that send targeted notifications.
type DeliveryResult struct {
	Outcome Outcome `json:"outcome"`
	// Connections is the number of live connections that accepted the notification.
	Connections int `json:"connections,omitempty"`
	// Sequence is set when the notification was queued.
	Sequence int64 `json:"sequence,omitempty"`
}

// Stats is a point-in-time snapshot of the service.
type Stats struct {
	Connections   int `json:"connections"`
	Authenticated int `json:"authenticated"`
	OnlineUsers   int `json:"onlineUsers"`
	Topics        int `json:"topics"`
}

// Presence reports a user's live connections and queued backlog.
type Presence struct {
	UserID      string `json:"userId"`
	Online      bool   `json:"online"`
	Connections int    `json:"connections"`
	Queued      int    `json:"queued"`
}
