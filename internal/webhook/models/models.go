package models

import (
	"time"

	"github.com/google/uuid"

	id "clavis/pkg/domain"
)

// DeliveryStatus is the lifecycle state of a webhook delivery.
type DeliveryStatus string

const (
	// StatusPending deliveries are waiting for their next attempt.
	StatusPending DeliveryStatus = "pending"
	// StatusDelivered deliveries received a 2xx response.
	StatusDelivered DeliveryStatus = "delivered"
	// StatusFailed deliveries exhausted their retry budget. Terminal;
	// surfaced only through the delivery log.
	StatusFailed DeliveryStatus = "failed"
)

// Delivery is one event queued for a tenant endpoint. The row doubles
// as the durable queue entry and the delivery log: attempt bookkeeping
// is updated in place after every POST.
//
// ID is the stable event id sent with every attempt so tenant handlers
// can deduplicate retries.
type Delivery struct {
	ID            uuid.UUID
	ApplicationID id.ApplicationID
	EventType     string
	Payload       []byte
	Status        DeliveryStatus
	AttemptCount  int
	NextAttemptAt time.Time

	// Outcome of the most recent attempt. Earlier outcomes are
	// overwritten: the log keeps the attempt count plus the last
	// result per delivery, not a full per-attempt history.
	LastStatusCode   int
	LastResponseBody string
	LastError        string
	LastDuration     time.Duration

	CreatedAt   time.Time
	DeliveredAt *time.Time
}

// Terminal reports whether no further attempts will be made.
func (d *Delivery) Terminal() bool {
	return d.Status == StatusDelivered || d.Status == StatusFailed
}

// MarkDelivered records a successful attempt.
func (d *Delivery) MarkDelivered(at time.Time) {
	d.Status = StatusDelivered
	d.DeliveredAt = &at
}

// MarkFailed records retry exhaustion.
func (d *Delivery) MarkFailed() {
	d.Status = StatusFailed
}
