package tunnel

// HopSettings configures one hop when the circuit is extended to it.
type HopSettings struct {
	// CCtrl configures the hop's congestion control.
	CCtrl *CongestionControlConfig
}

// DefaultHopSettings returns settings with default congestion control.
func DefaultHopSettings() *HopSettings {
	return &HopSettings{
		CCtrl: DefaultCongestionControlConfig(),
	}
}
