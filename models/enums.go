package models

import "fmt"

// CostingMethod selects how a SKU's consumption is costed.
// FIFO draws down discrete receipt layers oldest-first; AVG debits a rolling
// weighted-average snapshot. The two are mutually exclusive per SKU.
type CostingMethod string

const (
	CostingMethodFifo CostingMethod = "FIFO"
	CostingMethodAvg  CostingMethod = "AVG"
)

func (m CostingMethod) IsValid() bool {
	return m == CostingMethodFifo || m == CostingMethodAvg
}

// ParseCostingMethod validates an external string (event payloads, flags).
func ParseCostingMethod(s string) (CostingMethod, error) {
	m := CostingMethod(s)
	if !m.IsValid() {
		return "", fmt.Errorf("%q is not a valid costing method", s)
	}
	return m, nil
}

// OrderStatusGroup is the coarse order-line lifecycle bucket consumed from
// order management. Only CANCELLED is meaningful to this engine: cancelled
// lines never reserve stock.
type OrderStatusGroup string

const (
	OrderStatusGroupPending   OrderStatusGroup = "PENDING"
	OrderStatusGroupShipped   OrderStatusGroup = "SHIPPED"
	OrderStatusGroupCancelled OrderStatusGroup = "CANCELLED"
)
