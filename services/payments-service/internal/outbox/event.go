package outbox

// Payment event types published by the capture and expiry jobs. The Kafka
// topic name equals the event type (event per topic).
const (
	EventCaptureSucceeded = "payments.capture.succeeded.v1"
	EventCaptureFailed    = "payments.capture.failed.v1"
	EventHoldReleased     = "payments.hold.released.v1"
)

// Event is the domain event envelope written to the outbox table.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}
