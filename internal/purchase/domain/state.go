package domain

var transitions = map[Status][]Status{
	StatusPaymentPending:   {StatusPaymentCompleted, StatusFailed},
	StatusPaymentCompleted: {StatusBridgePending, StatusMinting, StatusFailed, StatusRefunded},
	StatusBridgePending:    {StatusBridgeConverting, StatusUSDCReceived, StatusFailed, StatusRefunded},
	StatusBridgeConverting: {StatusUSDCReceived, StatusFailed, StatusRefunded},
	StatusUSDCReceived:     {StatusMinting, StatusFailed, StatusRefunded},
	StatusMinting:          {StatusCompleted, StatusFailed},
	StatusFailed:           {StatusMinting, StatusRefunded},
	StatusCompleted:        {StatusRefunded},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports statuses no settlement step may leave on its own.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRefunded
}

// Settleable reports statuses from which an atomic settlement may start.
func (s Status) Settleable() bool {
	switch s {
	case StatusPaymentCompleted, StatusUSDCReceived, StatusFailed:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusPaymentPending, StatusPaymentCompleted, StatusBridgePending,
		StatusBridgeConverting, StatusUSDCReceived, StatusMinting,
		StatusCompleted, StatusFailed, StatusRefunded:
		return true
	default:
		return false
	}
}
