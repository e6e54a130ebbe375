package monitor

import "github.com/rs/zerolog"

// AlertSink delivers alert messages.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the log.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Send(message string) error {
	s.Log.Warn().Str("alert", message).Msg("alert")
	return nil
}
