package messaging

import "time"

// RequestNotification describes a request received by a ResponseServer.
// Pass it back to SendResponse to reply.
type RequestNotification struct {
	replyTo       string
	correlationID string
	payload       []byte
	receivedAt    time.Time
}

// NewRequestNotification creates a notification. The payload is copied.
func NewRequestNotification(replyTo, correlationID string, payload []byte) *RequestNotification {
	var owned []byte
	if payload != nil {
		owned = make([]byte, len(payload))
		copy(owned, payload)
	}

	return &RequestNotification{
		replyTo:       replyTo,
		correlationID: correlationID,
		payload:       owned,
		receivedAt:    time.Now(),
	}
}

// ReplyTo returns the topic the requester expects the reply on
func (n *RequestNotification) ReplyTo() string {
	return n.replyTo
}

// CorrelationID returns the id the reply must carry
func (n *RequestNotification) CorrelationID() string {
	return n.correlationID
}

// Payload returns the request body. The slice belongs to the receiver of
// the notification and is not shared with other handlers.
func (n *RequestNotification) Payload() []byte {
	return n.payload
}

// ReceivedAt returns when the request was taken off the queue
func (n *RequestNotification) ReceivedAt() time.Time {
	return n.receivedAt
}
