// Package model holds the wire-independent data types shared between the
// Agent and the Master: stop events, starts, measures and the control-plane
// measure definition. Both sides import this package so codecs on either
// side of the wire agree on field meaning without duplicating structs.
package model

// StopEvent is one signal transition on a stop channel within a start window.
//
// Channel is signed: the sign encodes the slope (negative = falling) and the
// absolute value is the physical channel number. At the Agent it ranges over
// [-8,-1] ∪ [1,8]; the Master remaps it into [-8N,-1] ∪ [1,8N] for N agents.
type StopEvent struct {
	Channel      int8
	StoptimeBins int32
	Retrig       uint32
}

// RemapChannel returns the Master-side channel number for a StopEvent
// observed at the given zero-based agent ordinal, preserving slope sign.
func RemapChannel(localChannel int8, agentID int) int32 {
	abs := int32(localChannel)
	sign := int32(1)
	if abs < 0 {
		sign = -1
		abs = -abs
	}
	return sign * (abs + int32(8*agentID))
}

// StartData is the ordered sequence of StopEvents belonging to one start
// pulse, as produced by a single Agent. Within a StartData the pair
// (Retrig, StoptimeBins) is strictly increasing per channel in insertion
// order.
type StartData struct {
	Events           []StopEvent
	WindowBeginNS    uint64
	WindowDurationNS uint64
}

// MasterEvent is a StopEvent after the Master's channel remap (spec §8
// invariant 4: c' = sign(c) * (|c| + 8*agent_id)). Channel is widened to
// int32 since the remapped range grows with the agent count and can exceed
// an int8 for more than ~15 agents.
type MasterEvent struct {
	Channel      int32
	StoptimeBins int32
	Retrig       uint32
}

// MasterStart is one sealed start on the Master: the per-agent StartData
// merges concatenated in per-agent emission order (spec §4.9 point 8).
type MasterStart struct {
	Events           []MasterEvent
	WindowBeginNS    uint64
	WindowDurationNS uint64
}

// ComputeStart01 folds the hardware start01 correction into every event that
// carries a nonzero retrigger count. It must be invoked exactly once per
// start; the Agent's event buffer enforces this (see evbuf.Buffer).
func (s *StartData) ComputeStart01(start01 int32) {
	for i := range s.Events {
		if s.Events[i].Retrig > 0 {
			s.Events[i].StoptimeBins += start01
			s.Events[i].Retrig--
		}
	}
}

// Measure is an ordered sequence of sealed, cross-agent-merged starts
// sharing one acquisition resolution.
type Measure struct {
	Starts     []MasterStart
	TimeBinPS  float64
	Incomplete bool
	ElapsedNS  uint64
}

// MeasureDef is the control-plane description of one measurement run, pushed
// from the Master to every Agent before MEAS_CTR(START).
type MeasureDef struct {
	StartRising   uint8
	StartFalling  uint8
	RisingMask    uint8
	FallingMask   uint8
	MeasureTimeNS uint64
	WindowTimeNS  uint64
	TimeoutNS     uint64
	DeadtimeNS    uint64
	StartOffset   uint32
	RefClkDiv     uint16
	HSDiv         uint16
	TDMACycle     uint32
}

// AgentDescriptor identifies one configured Agent slot on the Master.
type AgentDescriptor struct {
	ID  int
	MAC [6]byte
}
