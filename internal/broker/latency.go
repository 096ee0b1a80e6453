package broker

// LatencyConfig is an event-tick-based latency model (§4.F). Using
// tape-event ticks instead of wall-clock time keeps replay fully
// deterministic regardless of how event arrival rate varies between
// runs.
//
//	cfg := LatencyConfig{SubmitTicks: 2, CancelTicks: 1}
//	cfg.EffectiveSeq(10)       // 12 — order submitted at seq 10 activates at 12
//	cfg.CancelEffectiveSeq(15) // 16 — cancel submitted at seq 15 takes effect at 16
type LatencyConfig struct {
	SubmitTicks int64
	CancelTicks int64
}

// ZeroLatency is the default: orders and cancels take effect on the
// same tape event they are submitted on.
var ZeroLatency = LatencyConfig{}

// EffectiveSeq returns the first tape seq at which an order submitted
// at submitSeq becomes eligible for fills.
func (c LatencyConfig) EffectiveSeq(submitSeq int64) int64 {
	return submitSeq + c.SubmitTicks
}

// CancelEffectiveSeq returns the first tape seq at which a cancel
// requested at cancelSeq takes effect.
func (c LatencyConfig) CancelEffectiveSeq(cancelSeq int64) int64 {
	return cancelSeq + c.CancelTicks
}
