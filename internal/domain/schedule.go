package domain

import "time"

// Schedule fires a chat execution against a single agent (spec §3, §4.7).
// Exactly one of CronExpression / OneShotAt is set.
type Schedule struct {
	ID             string
	AgentName      string
	CronExpression string // standard 5-field cron, interpreted in TimeZone
	TimeZone       string // IANA zone name; "" means UTC
	OneShotAt      time.Time
	Message        string
	Enabled        bool
	OwnerPrincipal string
	CreatedAt      time.Time
	// LastFiredAt records the last instant this schedule actually produced an
	// execution, used by the evaluator to avoid double-firing within a tick
	// and to anchor cron.Next() for the "just-elapsed window" check.
	LastFiredAt time.Time
}

// IsOneShot reports whether the schedule is a single future-instant fire
// rather than a recurring cron expression.
func (s *Schedule) IsOneShot() bool {
	return s.CronExpression == "" && !s.OneShotAt.IsZero()
}
