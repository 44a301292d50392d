package model

// DailySpend is the executed spend on one UTC day (YYYY-MM-DD).
type DailySpend struct {
	Date   string
	Amount float64
}

// BudgetState is the ledger view of a policy's budget.
type BudgetState struct {
	TotalBudgetUSD float64
	SpentUSD       float64
	ReservedUSD    float64
	AvailableUSD   float64
	TodaySpendUSD  float64
	DailySpend     []DailySpend
}
