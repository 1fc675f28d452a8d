package jobguard

import (
	"fmt"
	"strings"
)

// Action enumerates the mutually exclusive operations that can run against a job.
type Action int

const (
	ActionClosed Action = iota
	ActionSleeping
	ActionClosing
	ActionDeleting
	ActionFlushing
	ActionPausing
	ActionResuming
	ActionReverting
	ActionUpdating
	ActionWriting
)

const (
	ErrCodeConcurrentUse = "PROCESS_CONCURRENT_USE"
	ErrCodeCannotResume  = "CANNOT_RESUME_JOB"
)

var actionNames = [...]string{
	ActionClosed:    "CLOSED",
	ActionSleeping:  "SLEEPING",
	ActionClosing:   "CLOSING",
	ActionDeleting:  "DELETING",
	ActionFlushing:  "FLUSHING",
	ActionPausing:   "PAUSING",
	ActionResuming:  "RESUMING",
	ActionReverting: "REVERTING",
	ActionUpdating:  "UPDATING",
	ActionWriting:   "WRITING",
}

var actionVerbs = [...]string{
	ActionClosed:    "open",
	ActionSleeping:  "sleep",
	ActionClosing:   "close",
	ActionDeleting:  "delete",
	ActionFlushing:  "flush",
	ActionPausing:   "pause",
	ActionResuming:  "resume",
	ActionReverting: "revert",
	ActionUpdating:  "update",
	ActionWriting:   "write to",
}

var actionGerunds = [...]string{
	ActionClosed:    "closed",
	ActionSleeping:  "sleeping",
	ActionClosing:   "closing",
	ActionDeleting:  "deleting",
	ActionFlushing:  "flushing",
	ActionPausing:   "pausing",
	ActionResuming:  "resuming",
	ActionReverting: "reverting",
	ActionUpdating:  "updating",
	ActionWriting:   "writing to",
}

// StartingState is the state of a job with no worker and no lock held.
func StartingState() Action {
	return ActionClosed
}

// Actions lists every Action variant in declaration order.
func Actions() []Action {
	out := make([]Action, 0, len(actionNames))
	for a := range actionNames {
		out = append(out, Action(a))
	}
	return out
}

// ParseAction decodes the String form of an Action.
func ParseAction(s string) (Action, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for a, n := range actionNames {
		if n == name {
			return Action(a), nil
		}
	}
	return ActionClosed, fmt.Errorf("unknown action %q", s)
}

func (a Action) valid() bool {
	return a >= ActionClosed && int(a) < len(actionNames)
}

func (a Action) String() string {
	if !a.valid() {
		return fmt.Sprintf("Action(%d)", int(a))
	}
	return actionNames[a]
}

func (a Action) Verb() string {
	if !a.valid() {
		return "use"
	}
	return actionVerbs[a]
}

func (a Action) Gerund() string {
	if !a.valid() {
		return "using"
	}
	return actionGerunds[a]
}

// MessageKey names the conflict message template for the action.
func (a Action) MessageKey() string {
	return "job.concurrent_use." + strings.ReplaceAll(a.Verb(), " ", "_")
}

func (a Action) TypeName() string {
	return "action"
}

func (a Action) IsValidTransition(next Action) bool {
	switch a {
	case ActionClosed:
		return true
	case ActionSleeping:
		switch next {
		case ActionUpdating, ActionFlushing, ActionClosing, ActionDeleting, ActionWriting, ActionPausing:
			return true
		}
		return false
	default:
		return false
	}
}

func (a Action) NextState(previous Action) Action {
	switch a {
	case ActionUpdating:
		return previous
	case ActionSleeping, ActionFlushing, ActionWriting:
		return ActionSleeping
	default:
		return ActionClosed
	}
}

// HoldsLockWhileIdle is true only for the sleeping state: the worker stays
// alive between operations so the shared lock must not be handed over.
func (a Action) HoldsLockWhileIdle() bool {
	return a == ActionSleeping
}

func (a Action) ErrorCode() string {
	if a == ActionResuming {
		return ErrCodeCannotResume
	}
	return ErrCodeConcurrentUse
}

func (a Action) BusyMessage(resourceID string, inUse Action, host string) string {
	return busyMessage(a.Verb(), resourceID, inUse.Gerund(), host)
}

func busyMessage(verb, resourceID, inUse, host string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Cannot %s job %s while another connection ", verb, resourceID))
	if host = strings.TrimSpace(host); host != "" {
		sb.WriteString(fmt.Sprintf("on host %s ", host))
	}
	sb.WriteString(fmt.Sprintf("is %s the job", inUse))
	return sb.String()
}
