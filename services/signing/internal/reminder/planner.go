// Package reminder plans and drives reminder campaigns. Cadence is
// derived from signing topology and urgency; eligibility is
// re-validated every time a timer fires, never trusted from plan time.
package reminder

import (
	"time"
)

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// ReminderType tags a step by position to drive message tone.
type ReminderType string

const (
	TypeInitial  ReminderType = "initial"
	TypeFollowUp ReminderType = "followUp"
	TypeReminder ReminderType = "reminder"
	TypeFinal    ReminderType = "final"
)

type Step struct {
	Offset  time.Duration `json:"offset"`
	Type    ReminderType  `json:"type"`
	Message string        `json:"message"`
}

type Plan struct {
	StrategyType string `json:"strategy_type"` // sequential | parallel | custom
	Steps        []Step `json:"steps"`
}

var sequentialOffsets = map[Urgency][]time.Duration{
	UrgencyLow:      {48 * time.Hour, 168 * time.Hour},
	UrgencyNormal:   {24 * time.Hour, 72 * time.Hour},
	UrgencyHigh:     {12 * time.Hour, 48 * time.Hour},
	UrgencyCritical: {4 * time.Hour, 12 * time.Hour, 24 * time.Hour},
}

var parallelOffsets = map[Urgency][]time.Duration{
	UrgencyLow:      {48 * time.Hour, 168 * time.Hour, 336 * time.Hour},
	UrgencyNormal:   {24 * time.Hour, 72 * time.Hour, 168 * time.Hour},
	UrgencyHigh:     {12 * time.Hour, 48 * time.Hour, 120 * time.Hour},
	UrgencyCritical: {8 * time.Hour, 24 * time.Hour, 72 * time.Hour},
}

// BuildPlan derives the reminder schedule. A non-empty customOffsets
// overrides the derived cadence entirely.
func BuildPlan(sequential bool, urgency Urgency, customOffsets []time.Duration) Plan {
	if urgency == "" {
		urgency = UrgencyNormal
	}
	var (
		strategy string
		offsets  []time.Duration
	)
	switch {
	case len(customOffsets) > 0:
		strategy = "custom"
		offsets = customOffsets
	case sequential:
		strategy = "sequential"
		offsets = sequentialOffsets[urgency]
		if offsets == nil {
			offsets = sequentialOffsets[UrgencyNormal]
		}
	default:
		strategy = "parallel"
		offsets = parallelOffsets[urgency]
		if offsets == nil {
			offsets = parallelOffsets[UrgencyNormal]
		}
	}

	plan := Plan{StrategyType: strategy}
	for i, off := range offsets {
		typ := typeForPosition(i, len(offsets))
		plan.Steps = append(plan.Steps, Step{
			Offset:  off,
			Type:    typ,
			Message: messageFor(typ),
		})
	}
	return plan
}

// typeForPosition tags purely by position: first is initial, last is
// final, second is followUp, anything between is a plain reminder.
func typeForPosition(i, total int) ReminderType {
	switch {
	case i == 0:
		return TypeInitial
	case i == total-1:
		return TypeFinal
	case i == 1:
		return TypeFollowUp
	default:
		return TypeReminder
	}
}

func messageFor(typ ReminderType) string {
	switch typ {
	case TypeInitial:
		return "This document is awaiting your signature."
	case TypeFollowUp:
		return "Following up: your signature is still needed on this document."
	case TypeFinal:
		return "Final reminder: please sign this document as soon as possible."
	default:
		return "Reminder: this document is still awaiting your signature."
	}
}
