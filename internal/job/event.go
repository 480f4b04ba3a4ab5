// Copyright 2025 James Ross
package job

import (
	"encoding/json"
	"time"
)

// Event type tags, hierarchical and colon-separated as required by the
// event bus's channel naming (§4.3, §6).
const (
	EventQueued    = "job:queued"
	EventStarted   = "job:started"
	EventProgress  = "job:progress"
	EventCompleted = "job:completed"
	EventFailed    = "job:failed"
	EventCancelled = "job:cancelled"
	EventRetry     = "job:retry"
)

// Envelope is the cross-process event shape relayed by the event bus.
type Envelope struct {
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	Timestamp     time.Time       `json:"timestamp"`
	OriginID      string          `json:"origin_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Sequence      uint64          `json:"sequence,omitempty"`
}
