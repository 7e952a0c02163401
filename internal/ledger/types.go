package ledger

import (
	"errors"
	"time"
)

// Schedule prices one identity-day. Acquisition spend is amortised over
// AmortisationDays; revenue scales with the expected activity percentage.
// A schedule is validated once, at configuration load, and treated as
// trusted afterwards.
type Schedule struct {
	ProxyDailyCost   float64 `json:"proxy_daily_cost"`
	AccountCost      float64 `json:"account_cost"`
	MailboxCost      float64 `json:"mailbox_cost"`
	AmortisationDays int     `json:"amortisation_days"`
	DailyOverhead    float64 `json:"daily_overhead"`
	RevenuePerDay    float64 `json:"revenue_per_day"`
	ActivityPercent  float64 `json:"activity_percent"`
}

// DefaultSchedule carries the operating assumptions the planner ships with.
func DefaultSchedule() Schedule {
	return Schedule{
		ProxyDailyCost:   0.15,
		AccountCost:      3.00,
		MailboxCost:      1.00,
		AmortisationDays: 30,
		DailyOverhead:    0.05,
		RevenuePerDay:    1.50,
		ActivityPercent:  85,
	}
}

// Validate rejects schedules that cannot be priced.
func (s Schedule) Validate() error {
	if s.AmortisationDays <= 0 {
		return errors.New("amortisation_days must be positive")
	}
	if s.ActivityPercent < 0 || s.ActivityPercent > 100 {
		return errors.New("activity_percent must be within [0, 100]")
	}
	if s.ProxyDailyCost < 0 || s.AccountCost < 0 || s.MailboxCost < 0 ||
		s.DailyOverhead < 0 || s.RevenuePerDay < 0 {
		return errors.New("costs and revenue cannot be negative")
	}
	return nil
}

// DailyCost = proxy + (account + mailbox) / amortisation days + overhead.
func (s Schedule) DailyCost() float64 {
	return s.ProxyDailyCost + (s.AccountCost+s.MailboxCost)/float64(s.AmortisationDays) + s.DailyOverhead
}

// DailyRevenue scales the full-day revenue by the expected activity share.
func (s Schedule) DailyRevenue() float64 {
	return s.RevenuePerDay * s.ActivityPercent / 100
}

// DailyProfit is revenue minus cost for one identity-day.
func (s Schedule) DailyProfit() float64 {
	return s.DailyRevenue() - s.DailyCost()
}

// TotalProfit projects the daily profit over the accrued activity days.
func (s Schedule) TotalProfit(activityDays int) float64 {
	return s.DailyProfit() * float64(activityDays)
}

// Statement is the per-identity projection at its recorded activity level.
type Statement struct {
	IdentityID   string    `json:"identity_id"`
	ActivityDays int       `json:"activity_days"`
	DailyCost    float64   `json:"daily_cost"`
	DailyRevenue float64   `json:"daily_revenue"`
	DailyProfit  float64   `json:"daily_profit"`
	TotalProfit  float64   `json:"total_profit"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Summary aggregates every recorded statement.
type Summary struct {
	Identities   int       `json:"identities"`
	ActivityDays int       `json:"activity_days"`
	TotalCost    float64   `json:"total_cost"`
	TotalRevenue float64   `json:"total_revenue"`
	TotalProfit  float64   `json:"total_profit"`
	ROIPercent   float64   `json:"roi_percent"`
	LossMakers   int       `json:"loss_makers"`
	GeneratedAt  time.Time `json:"generated_at"`
}

var ErrStatementNotFound = errors.New("ledger: no statement recorded for identity")
