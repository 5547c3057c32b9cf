package statemachine

import (
	"fmt"

	"github.com/dougsko/nexrigd/pkg/rf"
)

// Step is one hardware action in a mode transition
type Step int

const (
	StepDisableTransmit Step = iota
	StepDisableReceive
	StepSettle
	StepConfigureFilters
	StepEnableReceive
	StepWaitPLLLock
	StepEnableTransmit
	StepCommit
)

var stepNames = [...]string{
	"disable_tx",
	"disable_rx",
	"settle",
	"configure_filters",
	"enable_rx",
	"wait_pll_lock",
	"enable_tx",
	"commit",
}

func (s Step) String() string {
	if s < 0 || int(s) >= len(stepNames) {
		return fmt.Sprintf("step(%d)", int(s))
	}
	return stepNames[s]
}

type transition struct {
	from, to rf.Mode
}

// Every path into a radiating or receiving mode starts from a quiet front
// end: transmit off first, then filters, then the new path.
var transitions = map[transition][]Step{
	{rf.ModeStandby, rf.ModeRX}: {
		StepDisableTransmit, StepSettle,
		StepConfigureFilters, StepSettle,
		StepEnableReceive, StepCommit,
	},
	{rf.ModeStandby, rf.ModeTX}: {
		StepDisableTransmit, StepDisableReceive, StepSettle,
		StepConfigureFilters, StepSettle,
		StepWaitPLLLock, StepEnableTransmit, StepCommit,
	},
	{rf.ModeStandby, rf.ModeCalibrate}: {
		StepDisableTransmit, StepDisableReceive, StepSettle,
		StepConfigureFilters, StepSettle,
		StepWaitPLLLock, StepCommit,
	},
	{rf.ModeRX, rf.ModeStandby}:        toStandby,
	{rf.ModeTX, rf.ModeStandby}:        toStandby,
	{rf.ModeCalibrate, rf.ModeStandby}: toStandby,
}

var toStandby = []Step{StepDisableTransmit, StepDisableReceive, StepSettle, StepCommit}

// Steps returns the ordered steps for from -> to, or false if the transition
// is not in the table
func Steps(from, to rf.Mode) ([]Step, bool) {
	steps, ok := transitions[transition{from, to}]
	if !ok {
		return nil, false
	}
	out := make([]Step, len(steps))
	copy(out, steps)
	return out, true
}
