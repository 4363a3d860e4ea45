package poller

import (
	"time"

	"aqm-go/bus"
	"aqm-go/drivers/sen5x"
	"aqm-go/errcode"
)

// Bus topics published by the poller.
var (
	TopicState  = bus.T("sensor", "state")  // State, retained
	TopicSample = bus.T("sensor", "sample") // SampleEvent
	TopicStatus = bus.T("sensor", "status") // StatusEvent, retained
	TopicFault  = bus.T("sensor", "fault")  // FaultEvent
)

// SampleEvent is published after every committed sample.
type SampleEvent struct {
	Time   time.Time
	Sample sen5x.Sample
	Raw    [sen5x.SampleSize]byte
}

// StatusEvent is published after every status register check. New holds the
// names announced for the first time by this check.
type StatusEvent struct {
	Time   time.Time
	Status sen5x.Status
	New    []string
}

// FaultEvent is published for every failed poll cycle.
type FaultEvent struct {
	Time time.Time
	Err  error
	Code errcode.Code
}

// State is the poller lifecycle state.
type State uint32

const (
	Starting State = iota
	Running
	Recovering
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Recovering:
		return "recovering"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}
