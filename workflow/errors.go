package workflow

import (
	"errors"
	"fmt"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
)

var (
	// ErrOwnershipMismatch: the referenced record belongs to a different owner.
	// Deliberately indistinguishable from "not found" at the API surface.
	ErrOwnershipMismatch = errors.New("record not found")

	// ErrAlreadyReversed: the allocation has already been reversed once.
	ErrAlreadyReversed = errors.New("allocation already reversed")

	// ErrNotReversible: the target row is itself a reversal.
	ErrNotReversible = errors.New("reversal rows cannot be reversed")

	// ErrContention: lock wait timeout or deadlock; the caller should retry.
	ErrContention = errors.New("allocation contention, retry")
)

// InsufficientStockError reports a draw that exceeds remaining layer stock.
// The shortfall lets the caller decide between backorder and rejection.
type InsufficientStockError struct {
	Sku       string
	Requested decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %s, short by %s", e.Sku, e.Requested, e.Shortfall)
}

// NoCostSnapshotError reports an AVG allocation with no snapshot on or before
// the shipment date.
type NoCostSnapshotError struct {
	Sku  string
	Date time.Time
}

func (e *NoCostSnapshotError) Error() string {
	return fmt.Sprintf("no cost snapshot for %s on or before %s", e.Sku, e.Date.Format("2006-01-02"))
}

// InvariantViolationError marks a state the ledger must never reach. It is not
// retryable; the transaction is rolled back and the event must be investigated,
// not redelivered into the same corruption.
type InvariantViolationError struct {
	Detail string
}

func (e *InvariantViolationError) Error() string {
	return "ledger invariant violated: " + e.Detail
}

// classifyDBError maps MySQL lock wait timeout (1205) and deadlock (1213) to
// ErrContention so callers can retry instead of surfacing a raw driver error.
func classifyDBError(err error) error {
	if err == nil {
		return nil
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1205, 1213:
			return fmt.Errorf("%w: %v", ErrContention, err)
		}
	}
	return err
}
