package domain

import "time"

// Status enumerates the delivery lifecycle of a record.
type Status string

const (
	StatusWaiting Status = "Waiting"
	StatusStart   Status = "Start"
	StatusSucceed Status = "Succeed"
	StatusFailed  Status = "Failed"
	StatusTest    Status = "Test"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{StatusStart, StatusWaiting, StatusSucceed, StatusFailed, StatusTest}

// BlockingStatuses are the statuses that make a source post count as already handled.
// Waiting is left out on purpose so a silently failed enqueue can be retried.
var BlockingStatuses = []Status{StatusSucceed, StatusStart, StatusFailed, StatusTest}

// Handle is the store identity of a persisted record.
type Handle int64

// DeliveryRecord is the unit of the delivery state machine.
type DeliveryRecord struct {
	SourceDirection    string
	DestDirection      string
	SourcePostID       string
	SourcePostURL      string
	SourceMedia        []MediaRef
	Status             Status
	Parts              []string // one element for a single message, more for an unexpanded thread
	TriggerTag         string
	ProcessedAt        time.Time
	DestPostID         string
	DestPostURL        string
	PreviousDestPostID string
	ErrorMessage       string
}

// StoredRecord pairs a record with its store handle.
type StoredRecord struct {
	Handle Handle
	Record DeliveryRecord
}
