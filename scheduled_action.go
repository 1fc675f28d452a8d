package jobguard

import (
	"fmt"
	"strings"
)

// ScheduledAction guards the start and stop of a job's scheduler.
type ScheduledAction int

const (
	ScheduledActionStop ScheduledAction = iota
	ScheduledActionStart
)

func ParseScheduledAction(s string) (ScheduledAction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "STOP":
		return ScheduledActionStop, nil
	case "START":
		return ScheduledActionStart, nil
	}
	return ScheduledActionStop, fmt.Errorf("unknown scheduled action %q", s)
}

func (a ScheduledAction) String() string {
	switch a {
	case ScheduledActionStop:
		return "STOP"
	case ScheduledActionStart:
		return "START"
	}
	return fmt.Sprintf("ScheduledAction(%d)", int(a))
}

func (a ScheduledAction) Verb() string {
	if a == ScheduledActionStart {
		return "start"
	}
	return "stop"
}

func (a ScheduledAction) Gerund() string {
	if a == ScheduledActionStart {
		return "starting"
	}
	return "stopping"
}

func (a ScheduledAction) TypeName() string {
	return "scheduled_action"
}

// IsValidTransition is always true: start and stop requests are idempotent
// at the scheduler level, the guardian only records which one ran last.
func (a ScheduledAction) IsValidTransition(ScheduledAction) bool {
	return true
}

func (a ScheduledAction) NextState(ScheduledAction) ScheduledAction {
	return ScheduledActionStop
}

func (a ScheduledAction) HoldsLockWhileIdle() bool {
	return false
}

func (a ScheduledAction) ErrorCode() string {
	return ErrCodeConcurrentUse
}

func (a ScheduledAction) BusyMessage(resourceID string, inUse ScheduledAction, host string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Cannot %s scheduler for job %s while another connection ", a.Verb(), resourceID))
	if host = strings.TrimSpace(host); host != "" {
		sb.WriteString(fmt.Sprintf("on host %s ", host))
	}
	sb.WriteString(fmt.Sprintf("is %s it", inUse.Gerund()))
	return sb.String()
}
