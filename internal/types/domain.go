// Package types holds the domain model shared by the scheduler, the stores,
// the transports and the admin API.
package types

import "time"

// QueueStatus is the lifecycle state of a QueueEntry. An entry is created
// pending and moves to exactly one terminal state.
type QueueStatus string

const (
	QueueStatusPending QueueStatus = "pending"
	QueueStatusSent    QueueStatus = "sent"
	QueueStatusFailed  QueueStatus = "failed"
)

// IsTerminal reports whether the status can no longer change.
func (s QueueStatus) IsTerminal() bool {
	return s == QueueStatusSent || s == QueueStatusFailed
}

// Failure reasons recorded on QueueEntry.ErrorMessage by the executor.
const (
	ReasonMissedWindow        = "missed window"
	ReasonRecipientInactive   = "recipient inactive"
	ReasonCircuitOpen         = "transport circuit open"
	ReasonDuplicatePrevented  = "duplicate interaction prevented"
	ReasonNoContent           = "no content assigned"
	ReasonTrackingUnavailable = "interaction tracking failed"
)

// Recipient is a subscriber of the daily message. The scheduler only reads it,
// except for LastDeliveryAt which is stamped after a successful send.
type Recipient struct {
	ID               string
	PhoneNumber      string
	Active           bool
	DeliveryTime     string // local "HH:MM"
	Timezone         string // IANA name
	InteractionCount int
	LastDeliveryAt   *time.Time
	CreatedAt        time.Time
}

// QueueEntry is one scheduled, single-attempt delivery.
type QueueEntry struct {
	ID           string      `json:"id"`
	RecipientID  string      `json:"recipient_id"`
	ScheduledFor time.Time   `json:"scheduled_for"`
	LocalDate    time.Time   `json:"local_date"` // midnight UTC carrying the recipient-local calendar date
	Status       QueueStatus `json:"status"`
	Attempts     int         `json:"attempts"`
	ContentID    *string     `json:"content_id,omitempty"`
	Body         string      `json:"-"`
	SentAt       *time.Time  `json:"sent_at,omitempty"`
	ErrorMessage *string     `json:"error_message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Content is a message body owned by the content-selection component.
type Content struct {
	ID       string
	Category string
	Body     string
	Answer   string
}

// OpenInteraction is a delivered item awaiting the recipient's reply. A nil
// Response means the interaction is still open.
type OpenInteraction struct {
	ID           string
	RecipientID  string
	ContentID    string
	QueueEntryID *string
	Response     *string
	Correct      *bool
	Points       int
	CreatedAt    time.Time
	AnsweredAt   *time.Time
}

// InteractionOutcome is returned to the reply processor once an open
// interaction has been closed.
type InteractionOutcome struct {
	InteractionID string `json:"interaction_id"`
	ContentID     string `json:"content_id"`
	Correct       bool   `json:"correct"`
	Points        int    `json:"points"`
}

// BreakerStatus is a snapshot of the transport circuit breaker.
type BreakerStatus struct {
	State               string     `json:"state"`
	ConsecutiveFailures uint32     `json:"consecutive_failures"`
	Healthy             bool       `json:"healthy"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
}

// QueueStatusReport summarizes the queue over a UTC range.
type QueueStatusReport struct {
	From    time.Time           `json:"from"`
	To      time.Time           `json:"to"`
	Counts  map[QueueStatus]int `json:"counts"`
	Entries []QueueEntry        `json:"entries"`
	Breaker BreakerStatus       `json:"breaker"`
}

// DeliveryResult labels the outcome of processing one queue entry.
type DeliveryResult string

const (
	DeliverySent      DeliveryResult = "sent"
	DeliveryFailed    DeliveryResult = "failed"
	DeliveryMissed    DeliveryResult = "missed"
	DeliveryBlocked   DeliveryResult = "circuit_open"
	DeliveryDuplicate DeliveryResult = "duplicate"
	DeliveryInactive  DeliveryResult = "inactive"
	DeliverySkipped   DeliveryResult = "skipped"
)
