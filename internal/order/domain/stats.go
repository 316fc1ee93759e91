package domain

import "github.com/aminio9/shopstream/internal/money"

type StatusStats struct {
	Status  Status      `json:"status"`
	Count   int64       `json:"count"`
	Revenue money.Money `json:"revenue"`
}

type PeriodStats struct {
	Count   int64       `json:"count"`
	Revenue money.Money `json:"revenue"`
}

// Stats is a read-only aggregate over all orders. Today starts at UTC midnight;
// ThisWeek covers the trailing seven days.
type Stats struct {
	ByStatus []StatusStats `json:"byStatus"`
	Today    PeriodStats   `json:"today"`
	ThisWeek PeriodStats   `json:"thisWeek"`
}
