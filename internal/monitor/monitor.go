// Package monitor collects trading metrics and forwards risk alerts.
package monitor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"autotrade-core/internal/events"
	"autotrade-core/internal/risk"
)

// Monitor forwards risk alerts and emergency stops to the sinks.
type Monitor struct {
	Bus   *events.Bus
	Sinks []AlertSink
	Log   zerolog.Logger
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || len(m.Sinks) == 0 {
		m.Log.Info().Msg("monitor not fully configured; skipping")
		return
	}
	alerts, unsubAlerts := m.Bus.Subscribe(events.EventRiskAlert, 50)
	stops, unsubStops := m.Bus.Subscribe(events.EventEmergencyStop, 10)
	go func() {
		defer unsubAlerts()
		defer unsubStops()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-alerts:
				if !ok {
					return
				}
				m.send(formatAlert(msg))
			case msg, ok := <-stops:
				if !ok {
					return
				}
				m.send(formatAlert(msg))
			}
		}
	}()
}

func (m *Monitor) send(text string) {
	for _, s := range m.Sinks {
		if err := s.Send(text); err != nil {
			m.Log.Error().Err(err).Msg("alert delivery failed")
		}
	}
}

func formatAlert(msg any) string {
	switch a := msg.(type) {
	case risk.Alert:
		return fmt.Sprintf("[%s] %s: %s", a.At.Format("2006-01-02T15:04:05Z07:00"), a.Level, a.Reason)
	case string:
		return a
	default:
		return "alert triggered"
	}
}
