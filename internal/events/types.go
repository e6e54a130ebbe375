package events

// Event enumerates topics published inside the coordinator.
type Event string

const (
	// EventBrokerStateChanged carries an engine.BrokerState after any mutation.
	EventBrokerStateChanged Event = "broker.state_changed"
	EventTradeExecuted      Event = "trade.executed"
	EventTradeRejected      Event = "trade.rejected"
	EventDepositCompleted   Event = "deposit.completed"
	EventProjectionUpdated  Event = "projection.updated"
	EventDecision           Event = "autonomous.decision"
	EventRiskAlert          Event = "risk.alert"
	EventEmergencyStop      Event = "risk.emergency_stop"
)
