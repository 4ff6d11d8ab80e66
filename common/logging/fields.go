package logging

import "log/slog"

// Common field names for consistent logging across services.
const (
	FieldService       = "service"
	FieldComponent     = "component"
	FieldRequestID     = "request_id"
	FieldError         = "error"
	FieldEventID       = "event_id"
	FieldEventType     = "event_type"
	FieldTopic         = "topic"
	FieldPartition     = "partition"
	FieldOffset        = "offset"
	FieldConsumerGroup = "consumer_group"
	FieldAttempt       = "attempt"
	FieldOutboxID      = "outbox_id"
	FieldMethod        = "method"
	FieldPath          = "path"
	FieldStatus        = "status"
	FieldDuration      = "duration_ms"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Error returns a slog attribute for an error. A nil error logs as "<nil>".
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "<nil>")
	}
	return slog.String(FieldError, err.Error())
}

// EventID returns a slog attribute for an event ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// EventType returns a slog attribute for an event type tag.
func EventType(t string) slog.Attr {
	return slog.String(FieldEventType, t)
}

// Topic returns a slog attribute for a broker topic.
func Topic(topic string) slog.Attr {
	return slog.String(FieldTopic, topic)
}

// Partition returns a slog attribute for a broker partition.
func Partition(p int) slog.Attr {
	return slog.Int(FieldPartition, p)
}

// Offset returns a slog attribute for a partition offset.
func Offset(o int64) slog.Attr {
	return slog.Int64(FieldOffset, o)
}

// ConsumerGroup returns a slog attribute for a consumer group name.
func ConsumerGroup(group string) slog.Attr {
	return slog.String(FieldConsumerGroup, group)
}

// Attempt returns a slog attribute for a delivery or publish attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// Method returns a slog attribute for the HTTP method.
func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

// Path returns a slog attribute for the HTTP path.
func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}
