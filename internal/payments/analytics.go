package payments

import (
	"context"
	"time"

	"github.com/servilink/servilink/internal/money"
)

// reportQueryLimit caps how many rows a single report aggregates.
const reportQueryLimit = 10000

// ReportFilter narrows which payments a report covers. Zero values match
// everything.
type ReportFilter struct {
	OrderRef   string
	ProviderID string
	Status     Status
	From       time.Time
	To         time.Time
}

func (f ReportFilter) matches(p *Payment) bool {
	if f.OrderRef != "" && p.OrderRef != f.OrderRef {
		return false
	}
	if f.ProviderID != "" && p.ProviderID != f.ProviderID {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && p.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !p.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

// Report aggregates payment volume and outcomes over a filter.
type Report struct {
	Count            int            `json:"count"`
	ByStatus         map[Status]int `json:"byStatus"`
	TotalVolume      money.Amount   `json:"totalVolume"`
	ServiceVolume    money.Amount   `json:"serviceVolume"`
	FeesCollected    money.Amount   `json:"feesCollected"`
	Transferred      money.Amount   `json:"transferred"`
	Refunded         money.Amount   `json:"refunded"`
	HeldInEscrow     money.Amount   `json:"heldInEscrow"`
	PlatformRevenue  money.Amount   `json:"platformRevenue"`
	ProviderEarnings money.Amount   `json:"providerEarnings"`
	RefundRate       float64        `json:"refundRate"`
	AveragePayment   money.Amount   `json:"averagePayment"`
	GeneratedAt      time.Time      `json:"generatedAt"`
}

// BuildReport aggregates payments matching the filter.
//
// RefundRate is the share of captured payments that saw any refund.
// AveragePayment is the mean total over all matched payments.
func (s *Service) BuildReport(ctx context.Context, filter ReportFilter) (*Report, error) {
	payments, err := s.store.QueryForReport(ctx, filter, reportQueryLimit)
	if err != nil {
		return nil, err
	}

	r := &Report{
		ByStatus:    make(map[Status]int),
		GeneratedAt: s.now(),
	}
	captured := 0
	refunded := 0
	for _, p := range payments {
		r.Count++
		r.ByStatus[p.Status]++
		r.TotalVolume += p.TotalAmount
		r.ServiceVolume += p.ServiceAmount
		r.Transferred += p.TransferredAmount
		r.Refunded += p.RefundedAmount
		r.HeldInEscrow += p.EscrowedAmount()
		r.PlatformRevenue += p.PlatformRevenue()
		r.ProviderEarnings += p.ProviderEarnings()
		if p.FeeCollected {
			r.FeesCollected += p.ProtectionFee
			captured++
			if p.RefundedAmount > 0 {
				refunded++
			}
		}
	}
	if captured > 0 {
		r.RefundRate = float64(refunded) / float64(captured)
	}
	if r.Count > 0 {
		r.AveragePayment = r.TotalVolume / money.Amount(r.Count)
	}
	return r, nil
}
