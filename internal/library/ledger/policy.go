package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultLoanPeriod = 14 * 24 * time.Hour
)

var DefaultDailyRate = decimal.RequireFromString("0.50")

// Policy fixes the loan period and the fine rate.
type Policy struct {
	LoanPeriod time.Duration
	DailyRate  decimal.Decimal
	// Location decides calendar-day boundaries for lateness.
	Location *time.Location
}

func DefaultPolicy() Policy {
	return Policy{LoanPeriod: DefaultLoanPeriod, DailyRate: DefaultDailyRate, Location: time.UTC}
}

func (p Policy) DueAt(issued time.Time) time.Time { return issued.Add(p.LoanPeriod) }

// DaysLate counts whole calendar days from due to returned, never negative.
func (p Policy) DaysLate(due, returned time.Time) int64 {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	d := civilDay(due.In(loc))
	r := civilDay(returned.In(loc))
	if !r.After(d) {
		return 0
	}
	return int64(r.Sub(d) / (24 * time.Hour))
}

// Fine = days_late * daily_rate, 2 decimal places.
func (p Policy) Fine(due, returned time.Time) decimal.Decimal {
	days := p.DaysLate(due, returned)
	return p.DailyRate.Mul(decimal.NewFromInt(days)).Round(2)
}

func civilDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
