package strategy

import (
	"math"

	"simtrader/pkg/types"
)

// flowFill is one fill recorded by a FlowTracker, keyed by the tape's
// monotonic seq rather than wall-clock time so toxicity windows stay
// reproducible across replay and shadow runs alike.
type flowFill struct {
	Seq  int64
	Side types.Side
}

// ToxicityMetrics summarizes adverse-selection signal from recent fills.
type ToxicityMetrics struct {
	DirectionalImbalance float64 // fraction of fills in the dominant direction
	FillVelocity         float64 // fills per tick inside the window
	ToxicityScore        float64
	IsAverse             bool
}

// FlowTracker detects toxic flow: a run of fills consistently on one
// side, suggesting the quotes are stale relative to where price is
// about to move. Windowed by seq ticks, not wall time, so two replays
// of the same tape produce identical spread-widening decisions.
type FlowTracker struct {
	windowTicks       int64
	fills             []flowFill

	toxicityThreshold float64
	cooldownTicks     int64
	maxSpreadMultiple float64

	lastToxicSeq int64
	haveToxic    bool
}

// NewFlowTracker builds a tracker with the given window, in event
// ticks, and toxicity parameters.
func NewFlowTracker(windowTicks int64, toxicityThreshold float64, cooldownTicks int64, maxSpreadMultiple float64) *FlowTracker {
	return &FlowTracker{
		windowTicks:       windowTicks,
		fills:             make([]flowFill, 0, 64),
		toxicityThreshold: toxicityThreshold,
		cooldownTicks:     cooldownTicks,
		maxSpreadMultiple: maxSpreadMultiple,
	}
}

// AddFill records a new fill and evicts entries that fell out of the window.
func (ft *FlowTracker) AddFill(seq int64, side types.Side) {
	ft.fills = append(ft.fills, flowFill{Seq: seq, Side: side})
	ft.evictStale(seq)
}

func (ft *FlowTracker) evictStale(nowSeq int64) {
	cutoff := nowSeq - ft.windowTicks
	idx := 0
	for idx < len(ft.fills) && ft.fills[idx].Seq < cutoff {
		idx++
	}
	if idx > 0 {
		ft.fills = ft.fills[idx:]
	}
}

// CalculateToxicity computes the current adverse-selection metrics as
// of nowSeq, evicting anything that has aged out of the window first.
func (ft *FlowTracker) CalculateToxicity(nowSeq int64) ToxicityMetrics {
	ft.evictStale(nowSeq)
	if len(ft.fills) == 0 {
		return ToxicityMetrics{}
	}

	var buyCount, sellCount int
	for _, f := range ft.fills {
		if f.Side == types.BUY {
			buyCount++
		} else {
			sellCount++
		}
	}
	total := len(ft.fills)
	dominant := math.Max(float64(buyCount), float64(sellCount))
	directional := dominant / float64(total)

	if total < 2 || ft.windowTicks <= 0 {
		return ToxicityMetrics{
			DirectionalImbalance: directional,
			ToxicityScore:        directional * 0.6,
			IsAverse:             directional > ft.toxicityThreshold,
		}
	}

	velocity := float64(total) / float64(ft.windowTicks)
	// normalize so a fill on every third tick saturates velocityFactor
	velocityFactor := math.Min(velocity*3.0, 1.0)

	score := 0.6*directional + 0.4*velocityFactor
	return ToxicityMetrics{
		DirectionalImbalance: directional,
		FillVelocity:         velocity,
		ToxicityScore:        score,
		IsAverse:             score > ft.toxicityThreshold,
	}
}

// GetSpreadMultiplier returns the multiplier a quoting strategy should
// apply to its base spread as of nowSeq: 1.0 under normal flow, rising
// toward maxSpreadMultiple while toxic, decaying back over cooldownTicks.
func (ft *FlowTracker) GetSpreadMultiplier(nowSeq int64) float64 {
	metrics := ft.CalculateToxicity(nowSeq)
	if metrics.IsAverse {
		ft.lastToxicSeq = nowSeq
		ft.haveToxic = true
	}

	inCooldown := ft.haveToxic && nowSeq-ft.lastToxicSeq < ft.cooldownTicks
	if !metrics.IsAverse && !inCooldown {
		return 1.0
	}

	if metrics.ToxicityScore < ft.toxicityThreshold {
		ticksSinceToxic := nowSeq - ft.lastToxicSeq
		progress := 1.0
		if ft.cooldownTicks > 0 {
			progress = math.Min(float64(ticksSinceToxic)/float64(ft.cooldownTicks), 1.0)
		}
		return 1.0 + (ft.maxSpreadMultiple-1.0)*(1.0-progress)
	}

	normalized := (metrics.ToxicityScore - ft.toxicityThreshold) / (1.0 - ft.toxicityThreshold)
	return 1.0 + (ft.maxSpreadMultiple-1.0)*math.Min(normalized*2.0, 1.0)
}

// IsFlowToxic reports whether flow as of nowSeq looks adversarial.
func (ft *FlowTracker) IsFlowToxic(nowSeq int64) bool {
	return ft.CalculateToxicity(nowSeq).IsAverse
}

// GetFillCount returns the number of fills currently inside the window.
func (ft *FlowTracker) GetFillCount() int {
	return len(ft.fills)
}
