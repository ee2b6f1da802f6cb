package models

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is one scheduled-trigger entry stored in the database. The next
// execution time is precomputed so a single centralized poller can query
// for due schedules without keeping per-flow timers.
type Schedule struct {
	ID             string    `json:"id"              validate:"required"`
	FlowID         string    `json:"flow_id"         validate:"required"`
	CronExpression string    `json:"cron_expression" validate:"required"`
	NextDueAt      time.Time `json:"next_due_at"     validate:"required"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewSchedule creates a schedule with the first due time calculated from now.
func NewSchedule(id, flowID, cronExpression string) (*Schedule, error) {
	now := time.Now().UTC()
	schedule := &Schedule{
		ID:             id,
		FlowID:         flowID,
		CronExpression: cronExpression,
		CreatedAt:      now,
		UpdatedAt:      now,
		Active:         true,
	}

	if err := schedule.calculateNextDueAt(now); err != nil {
		return nil, err
	}

	return schedule, nil
}

// UpdateNextDueAt advances the due time past the current time after a
// trigger fires.
func (s *Schedule) UpdateNextDueAt() error {
	now := time.Now().UTC()
	s.UpdatedAt = now

	return s.calculateNextDueAt(now)
}

func (s *Schedule) calculateNextDueAt(from time.Time) error {
	spec, err := cron.ParseStandard(s.CronExpression)
	if err != nil {
		return err
	}

	s.NextDueAt = spec.Next(from)

	return nil
}

// IsDue reports whether the schedule should fire at the given instant.
func (s *Schedule) IsDue(at time.Time) bool {
	return s.Active && !s.NextDueAt.After(at)
}
