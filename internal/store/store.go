package store

import (
	"context"
	"errors"
	"time"

	"barmate/backend/internal/domain"
)

// Sentinel errors form the ledger's machine-readable taxonomy. Handlers map
// them to HTTP statuses; anything else is treated as internal.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalid           = errors.New("invalid input")
	ErrInvalidState      = errors.New("invalid state for operation")
	ErrConflict          = errors.New("conflict")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrDependent         = errors.New("blocked by dependent records")
)

// SaleDeduction is the atomic unit of the sale ledger: one stock deduction
// plus one sale row, committed together or not at all.
type SaleDeduction struct {
	ItemID     string
	SizeID     string
	SizeMl     int64
	Quantity   int64
	RequiredMl int64
	Amount     int64
	StaffName  string
	OrderID    string
	At         time.Time
}

// VoidResult reports what a sale void actually did to inventory.
type VoidResult struct {
	Sale           domain.Sale
	RestockSkipped bool
}

// MonthAggregate is the order rollup computed inside the close-month
// transaction.
type MonthAggregate struct {
	TotalSalesPaise int64
	TotalOrders     int64
	TopItemName     string
	TopItemQuantity int64
}

type Repository interface {
	// Inventory store.
	ListItems(ctx context.Context, includeInactive bool) ([]domain.InventoryItem, error)
	GetItem(ctx context.Context, itemID string) (*domain.InventoryItem, error)
	CreateItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error)
	UpdateItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error)
	// AdjustStockMl applies a signed volume delta as a single conditional
	// update: a deduction that would drive the volume negative fails with
	// ErrInsufficientStock and changes nothing. stock_quantity is recomputed
	// in the same statement.
	AdjustStockMl(ctx context.Context, itemID string, deltaMl int64) (*domain.InventoryItem, error)
	// DisableItem soft-disables the item; historical sales keep their
	// denormalized snapshot either way.
	DisableItem(ctx context.Context, itemID string) error
	// DeleteItem hard-deletes and fails with ErrDependent while any sale
	// references the item.
	DeleteItem(ctx context.Context, itemID string) error

	// Size variants.
	ListSizes(ctx context.Context, itemID string) ([]domain.SizeVariant, error)
	GetSize(ctx context.Context, sizeID string) (*domain.SizeVariant, error)
	// UpsertSize inserts keyed on (item_id, size_ml) and returns the winning
	// row, so concurrent first-sale races converge on one default variant.
	UpsertSize(ctx context.Context, variant domain.SizeVariant) (*domain.SizeVariant, error)

	// Sale ledger.
	RecordSale(ctx context.Context, deduction SaleDeduction, itemName string) (*domain.Sale, error)
	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)
	ListSales(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error)
	VoidSale(ctx context.Context, saleID string, reason string, at time.Time) (*VoidResult, error)

	// Tabs.
	CreateTab(ctx context.Context, tab domain.Tab) (*domain.Tab, error)
	GetTab(ctx context.Context, tabID string) (*domain.Tab, error)
	ListTabs(ctx context.Context, status string, limit int) ([]domain.Tab, error)
	// AppendTabItems inserts the batch and bumps the tab total in one
	// transaction; it fails with ErrInvalidState unless the tab is open.
	AppendTabItems(ctx context.Context, tabID string, items []domain.TabItem, batchTotal int64) (*domain.Tab, error)
	// ClaimTabForClose atomically moves an open tab to "closing" and returns
	// it with its lines. Exactly one of any set of concurrent closers wins
	// the claim; the rest fail with ErrInvalidState before any line is
	// converted into a sale.
	ClaimTabForClose(ctx context.Context, tabID string) (*domain.Tab, error)
	// ReopenTab reverts a claimed tab to open after a failed close.
	ReopenTab(ctx context.Context, tabID string) error
	CloseTab(ctx context.Context, tabID string, orderID string, total int64, closedAt time.Time) (*domain.Tab, error)

	// Orders.
	CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)

	// Day register.
	GetRegisterRows(ctx context.Context, date string) (map[string]domain.RegisterSaveRow, error)
	GetPriorClosings(ctx context.Context, date string) (map[string]int64, error)
	// SaveRegisterRow upserts the (item, date) row and mirrors the closing
	// balance into the item's stock in the same transaction.
	SaveRegisterRow(ctx context.Context, date string, row domain.RegisterSaveRow) error
	GetDayLock(ctx context.Context, date string) (*domain.DayLock, error)
	LockDay(ctx context.Context, lock domain.DayLock) (bool, error)
	UnlockDay(ctx context.Context, date string) (bool, error)

	// Month closure.
	GetMonthClosure(ctx context.Context, monthKey string) (*domain.MonthClosure, error)
	LatestClosureCutoff(ctx context.Context) (*time.Time, error)
	// CloseMonth cancels every open tab, aggregates the period's orders and
	// inserts the closure row in one transaction. An existing closure for
	// the key fails with ErrConflict.
	CloseMonth(ctx context.Context, closure domain.MonthClosure) (*domain.MonthClosure, error)
	AggregateOrders(ctx context.Context, from time.Time, to time.Time) (MonthAggregate, error)

	// Analytics.
	SalesSummary(ctx context.Context, from time.Time, to time.Time) (domain.SalesSummary, error)

	// Audit trail.
	AppendAuditEvent(ctx context.Context, event domain.AuditEvent) error
	// ListAuditEvents pages descending on (created_at, id); before is the
	// decoded keyset cursor, nil for the first page.
	ListAuditEvents(ctx context.Context, beforeAt *time.Time, beforeID string, limit int) ([]domain.AuditEvent, error)

	// Auth accounts.
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
