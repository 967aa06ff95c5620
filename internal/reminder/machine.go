// Package reminder holds the lifecycle rules of a single reminder instance.
// Apply is pure: it computes the next state and the side effects the caller
// must perform, and never touches storage or the network itself.
package reminder

import (
	"errors"
	"fmt"
	"time"

	"medicine-reminder/internal/models"
)

var ErrStaleTransition = errors.New("stale transition")

// Event is something that happened to an instance.
type Event string

const (
	EventDispatchDue  Event = "dispatch_due"
	EventConfirm      Event = "confirm"
	EventSnooze       Event = "snooze"
	EventSkip         Event = "skip"
	EventRetryTimeout Event = "retry_timeout"
	EventDayCutoff    Event = "day_cutoff"
	EventCancel       Event = "cancel"
)

// Policy carries the retry settings that apply to one instance.
type Policy struct {
	SnoozeDelay time.Duration
	MaxAttempts int
	Escalate    bool // false for non-critical schedules
}

// Effect is a side effect requested by a transition.
type Effect int

const (
	EffectSendReminder Effect = iota + 1
	EffectArmRetry
	EffectArmCutoff
	EffectClearTimers
	EffectDecrementStock
	EffectEscalate
	EffectResolveEscalation
)

func (e Effect) String() string {
	switch e {
	case EffectSendReminder:
		return "send_reminder"
	case EffectArmRetry:
		return "arm_retry"
	case EffectArmCutoff:
		return "arm_cutoff"
	case EffectClearTimers:
		return "clear_timers"
	case EffectDecrementStock:
		return "decrement_stock"
	case EffectEscalate:
		return "escalate"
	case EffectResolveEscalation:
		return "resolve_escalation"
	default:
		return fmt.Sprintf("effect(%d)", int(e))
	}
}

// Outcome is the result of applying an event.
type Outcome struct {
	From    models.ReminderState
	Next    models.ReminderInstance
	Effects []Effect
}

// Has reports whether the outcome requests e.
func (o Outcome) Has(e Effect) bool {
	for _, x := range o.Effects {
		if x == e {
			return true
		}
	}
	return false
}

// Apply computes the transition of inst under ev at now. Events that make
// no sense in the current state return ErrStaleTransition and leave the
// instance untouched.
func Apply(inst models.ReminderInstance, ev Event, now time.Time, p Policy) (Outcome, error) {
	out := Outcome{From: inst.State, Next: inst}
	next := &out.Next
	effects := func(e ...Effect) { out.Effects = append(out.Effects, e...) }

	stale := func() (Outcome, error) {
		return Outcome{From: inst.State, Next: inst}, fmt.Errorf("%w: %s in state %s", ErrStaleTransition, ev, inst.State)
	}

	switch ev {
	case EventDispatchDue:
		if inst.State != models.StatePending {
			return stale()
		}
		next.State = models.StateFired
		next.Attempts = 1
		next.NextActionAt = now.Add(p.SnoozeDelay)
		effects(EffectSendReminder, EffectArmRetry, EffectArmCutoff)

	case EventConfirm:
		switch inst.State {
		case models.StatePending, models.StateFired, models.StateSnoozed:
			next.State = models.StateAcknowledged
			effects(EffectDecrementStock, EffectClearTimers)
		case models.StateEscalated:
			next.State = models.StateAcknowledged
			effects(EffectDecrementStock, EffectClearTimers, EffectResolveEscalation)
		case models.StateExpired:
			next.State = models.StateAcknowledged
			effects(EffectDecrementStock)
		default:
			return stale()
		}

	case EventSnooze:
		if inst.State != models.StateFired {
			return stale()
		}
		next.State = models.StateSnoozed
		if next.Attempts < p.MaxAttempts {
			next.Attempts++
		}
		next.NextActionAt = now.Add(p.SnoozeDelay)
		effects(EffectArmRetry)

	case EventSkip:
		if !inst.State.Open() {
			return stale()
		}
		next.State = models.StateSkipped
		effects(EffectClearTimers)

	case EventRetryTimeout:
		if inst.State != models.StateFired && inst.State != models.StateSnoozed {
			return stale()
		}
		if inst.Attempts < p.MaxAttempts {
			next.State = models.StateFired
			next.Attempts++
			next.NextActionAt = now.Add(p.SnoozeDelay)
			effects(EffectSendReminder, EffectArmRetry)
			break
		}
		if p.Escalate {
			next.State = models.StateEscalated
			effects(EffectClearTimers, EffectEscalate)
			break
		}
		// Out of retries on a non-critical schedule: wait for the cutoff.
		next.NextActionAt = inst.CutoffAt
		if inst.State == models.StateSnoozed {
			next.State = models.StateFired
		}

	case EventDayCutoff:
		if inst.State != models.StateFired && inst.State != models.StateSnoozed {
			return stale()
		}
		next.State = models.StateExpired
		effects(EffectClearTimers)

	case EventCancel:
		if !inst.State.Open() {
			return stale()
		}
		next.State = models.StateCancelled
		effects(EffectClearTimers)

	default:
		return stale()
	}

	next.UpdatedAt = now
	return out, nil
}
