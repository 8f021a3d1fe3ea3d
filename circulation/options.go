package circulation

import (
	"log/slog"
	"time"
)

// Reference lending windows: 15-day loans, 7-day penalty after a late
// return.
const (
	DefaultLoanPeriod    = 15 * 24 * time.Hour
	DefaultPenaltyWindow = 7 * 24 * time.Hour
)

type settings struct {
	loanPeriod    int64
	penaltyWindow int64
	logger        *slog.Logger
}

func defaultSettings() settings {
	return settings{
		loanPeriod:    int64(DefaultLoanPeriod.Seconds()),
		penaltyWindow: int64(DefaultPenaltyWindow.Seconds()),
		logger:        slog.Default(),
	}
}

// Option configures a Library.
type Option func(*settings)

// WithLoanPeriod overrides how long a checkout may run before the
// return counts as late. Sub-second precision is truncated.
func WithLoanPeriod(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.loanPeriod = int64(d.Seconds())
		}
	}
}

// WithPenaltyWindow overrides how long a late returner is barred from
// new checkouts.
func WithPenaltyWindow(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.penaltyWindow = int64(d.Seconds())
		}
	}
}

// WithLogger sets the logger for engine transitions and store events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}
