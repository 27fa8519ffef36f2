package domain

import (
	"encoding/json"
	"time"
)

// Liquor categories form a closed set; anything else is treated as Food,
// which counts portions instead of millilitres.
const (
	CategoryBeer   = "Beer"
	CategoryWhisky = "Whisky"
	CategoryRum    = "Rum"
	CategoryVodka  = "Vodka"
	CategoryFood   = "Food"
)

func IsLiquorCategory(category string) bool {
	switch category {
	case CategoryBeer, CategoryWhisky, CategoryRum, CategoryVodka:
		return true
	}
	return false
}

// InventoryItem keeps stock in two units: CurrentStockMl is authoritative,
// StockQuantity is derived as floor(CurrentStockMl / BottleSizeMl) and stored
// for display. Food items use BottleSizeMl = 1 so portions count one-to-one.
type InventoryItem struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Brand          string    `json:"brand"`
	Category       string    `json:"category"`
	BottleSizeMl   int64     `json:"bottle_size_ml"`
	CostPricePaise int64     `json:"cost_price_paise"`
	SellPricePaise int64     `json:"sell_price_paise"`
	StockQuantity  int64     `json:"stock_quantity"`
	CurrentStockMl int64     `json:"current_stock_ml"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type InventoryItemCreateRequest struct {
	Name           string `json:"name"`
	Brand          string `json:"brand"`
	Category       string `json:"category"`
	BottleSizeMl   int64  `json:"bottle_size_ml"`
	CostPricePaise int64  `json:"cost_price_paise"`
	SellPricePaise int64  `json:"sell_price_paise"`
	StockQuantity  int64  `json:"stock_quantity"`
}

type InventoryItemUpdateRequest struct {
	Name           *string `json:"name,omitempty"`
	Brand          *string `json:"brand,omitempty"`
	Category       *string `json:"category,omitempty"`
	BottleSizeMl   *int64  `json:"bottle_size_ml,omitempty"`
	CostPricePaise *int64  `json:"cost_price_paise,omitempty"`
	SellPricePaise *int64  `json:"sell_price_paise,omitempty"`
	StockQuantity  *int64  `json:"stock_quantity,omitempty"`
	Active         *bool   `json:"active,omitempty"`
}

const (
	SizeSourceAuto   = "auto"
	SizeSourceManual = "manual"

	DefaultPegSizeMl = 60
	DefaultPegLabel  = "Peg"
)

// SizeVariant is a named pour or portion for an item. Variants are unique
// per (item_id, size_ml); Source "auto" marks the synthesized default peg.
type SizeVariant struct {
	ID             string    `json:"id"`
	ItemID         string    `json:"item_id"`
	Label          string    `json:"label"`
	SizeMl         int64     `json:"size_ml"`
	SellPricePaise int64     `json:"sell_price_paise"`
	Source         string    `json:"source"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
}

type SizeVariantCreateRequest struct {
	Label          string `json:"label"`
	SizeMl         int64  `json:"size_ml"`
	SellPricePaise int64  `json:"sell_price_paise"`
}

type Sale struct {
	ID          string     `json:"id"`
	ItemID      string     `json:"item_id"`
	ItemName    string     `json:"item_name"`
	SizeID      string     `json:"size_id"`
	SizeMl      int64      `json:"size_ml"`
	Quantity    int64      `json:"quantity"`
	AmountPaise int64      `json:"amount_paise"`
	StaffName   string     `json:"staff_name"`
	OrderID     string     `json:"order_id,omitempty"`
	IsVoided    bool       `json:"is_voided"`
	VoidReason  string     `json:"void_reason,omitempty"`
	VoidedAt    *time.Time `json:"voided_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type SaleCreateRequest struct {
	ItemID    string `json:"item_id"`
	SizeID    string `json:"size_id,omitempty"`
	Quantity  int64  `json:"quantity"`
	StaffName string `json:"staff_name"`
}

type SaleVoidRequest struct {
	Reason      string `json:"reason"`
	AmountPaise int64  `json:"amount_paise,omitempty"`
}

type SaleVoidResponse struct {
	Sale           Sale   `json:"sale"`
	RestockSkipped bool   `json:"restock_skipped"`
	Warning        string `json:"warning,omitempty"`
}

// CartVoidRequest records an item removed from an in-progress order before it
// was ever sold. No stock moved, so the void is audit-only.
type CartVoidRequest struct {
	ItemName    string `json:"item_name"`
	Quantity    int64  `json:"quantity"`
	AmountPaise int64  `json:"amount_paise"`
	Reason      string `json:"reason"`
}

const (
	VoidModeSale = "sale"
	VoidModeCart = "cart"
)

// TabStatusClosing marks a tab claimed by a checkout in progress. The claim
// keeps a second concurrent close from converting the same lines into sales;
// a failed close reverts the tab to open.
const (
	TabStatusOpen      = "open"
	TabStatusClosing   = "closing"
	TabStatusClosed    = "closed"
	TabStatusCancelled = "cancelled"
)

type Tab struct {
	ID           string     `json:"id"`
	Code         string     `json:"code"`
	Status       string     `json:"status"`
	CustomerName string     `json:"customer_name"`
	TableLabel   string     `json:"table_label"`
	TotalPaise   int64      `json:"total_paise"`
	OpenedBy     string     `json:"opened_by"`
	OrderID      string     `json:"order_id,omitempty"`
	OpenedAt     time.Time  `json:"opened_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	Items        []TabItem  `json:"items,omitempty"`
}

type TabItem struct {
	ID             string    `json:"id"`
	TabID          string    `json:"tab_id"`
	ItemID         string    `json:"item_id"`
	SizeID         string    `json:"size_id,omitempty"`
	Quantity       int64     `json:"quantity"`
	UnitPricePaise int64     `json:"unit_price_paise"`
	LineTotalPaise int64     `json:"line_total_paise"`
	CreatedAt      time.Time `json:"created_at"`
}

type TabOpenRequest struct {
	CustomerName string `json:"customer_name"`
	TableLabel   string `json:"table_label"`
}

type TabItemRequest struct {
	ItemID         string `json:"item_id"`
	SizeID         string `json:"size_id,omitempty"`
	Quantity       int64  `json:"quantity"`
	UnitPricePaise int64  `json:"unit_price_paise"`
	LineTotalPaise int64  `json:"line_total_paise,omitempty"`
}

type TabAddItemsRequest struct {
	Items []TabItemRequest `json:"items"`
}

type TabCloseRequest struct {
	PaymentMethod string `json:"payment_method"`
}

const (
	PaymentCash          = "CASH"
	PaymentCard          = "CARD"
	PaymentUPI           = "UPI"
	PaymentComplimentary = "COMPLIMENTARY"
)

func IsSupportedPaymentMethod(method string) bool {
	switch method {
	case PaymentCash, PaymentCard, PaymentUPI, PaymentComplimentary:
		return true
	}
	return false
}

const OrderStatusCompleted = "completed"

// OrderLine is the denormalized receipt line stored as JSON on the order.
type OrderLine struct {
	ItemID         string `json:"item_id"`
	ItemName       string `json:"item_name"`
	SizeLabel      string `json:"size_label,omitempty"`
	SizeMl         int64  `json:"size_ml"`
	Quantity       int64  `json:"quantity"`
	UnitPricePaise int64  `json:"unit_price_paise"`
	LineTotalPaise int64  `json:"line_total_paise"`
}

type Order struct {
	ID            string      `json:"id"`
	Code          string      `json:"code"`
	Items         []OrderLine `json:"items"`
	TotalPaise    int64       `json:"total_paise"`
	PaymentMethod string      `json:"payment_method"`
	Status        string      `json:"status"`
	CreatedBy     string      `json:"created_by,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// StockRegisterRow is one item's reconciliation line for a calendar day.
// Opening defaults to the prior day's closing (carry-forward); the derived
// columns are recomputed on every read, never stored.
type StockRegisterRow struct {
	ItemID         string `json:"item_id"`
	ItemName       string `json:"item_name"`
	Category       string `json:"category"`
	Date           string `json:"date"`
	Opening        int64  `json:"opening"`
	Received       int64  `json:"received"`
	Total          int64  `json:"total"`
	Closing        int64  `json:"closing"`
	Sale           int64  `json:"sale"`
	AmountPaise    int64  `json:"amount_paise"`
	UnitPricePaise int64  `json:"unit_price_paise"`
	Saved          bool   `json:"saved"`
}

type RegisterSaveRow struct {
	ItemID   string `json:"item_id"`
	Opening  int64  `json:"opening"`
	Received int64  `json:"received"`
	Closing  int64  `json:"closing"`
}

type RegisterSaveRequest struct {
	Date string            `json:"date"`
	Rows []RegisterSaveRow `json:"rows"`
}

type RegisterView struct {
	Date   string             `json:"date"`
	Locked bool               `json:"locked"`
	Rows   []StockRegisterRow `json:"rows"`
}

type DayLock struct {
	Date     string    `json:"date"`
	LockedBy string    `json:"locked_by"`
	LockedAt time.Time `json:"locked_at"`
}

type DayLockResponse struct {
	Date          string `json:"date"`
	Locked        bool   `json:"locked"`
	AlreadyLocked bool   `json:"already_locked,omitempty"`
	AlreadyOpen   bool   `json:"already_open,omitempty"`
}

type MonthClosure struct {
	MonthKey               string    `json:"month_key"`
	PeriodStart            time.Time `json:"period_start"`
	PeriodEnd              time.Time `json:"period_end"`
	TotalSalesPaise        int64     `json:"total_sales_paise"`
	TotalOrders            int64     `json:"total_orders"`
	TopItemName            string    `json:"top_item_name,omitempty"`
	TopItemQuantity        int64     `json:"top_item_quantity"`
	CancelledTabCount      int64     `json:"cancelled_tab_count"`
	CancelledTabTotalPaise int64     `json:"cancelled_tab_total_paise"`
	ClosedBy               string    `json:"closed_by"`
	CreatedAt              time.Time `json:"created_at"`
}

// TimezoneOffsetMinutes is a pointer so an explicit zero (UTC) is
// distinguishable from an absent field, which falls back to the server's
// configured offset.
type MonthCloseRequest struct {
	TimezoneOffsetMinutes *int `json:"timezone_offset_minutes"`
}

type MonthCloseResponse struct {
	Closure       MonthClosure `json:"closure"`
	AlreadyClosed bool         `json:"already_closed"`
}

const (
	AuditOutcomeSuccess = "success"
	AuditOutcomeFailure = "failure"
)

type AuditEvent struct {
	ID         string          `json:"id"`
	ActorID    string          `json:"actor_id"`
	ActorEmail string          `json:"actor_email"`
	ActorRole  string          `json:"actor_role"`
	Action     string          `json:"action"`
	Resource   string          `json:"resource"`
	ResourceID string          `json:"resource_id"`
	Outcome    string          `json:"outcome"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

type AuditPage struct {
	Events     []AuditEvent `json:"events"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type SalesSummaryItem struct {
	ItemName    string `json:"item_name"`
	Quantity    int64  `json:"quantity"`
	AmountPaise int64  `json:"amount_paise"`
}

// SalesSummary is the clamped read-side aggregate consumed by dashboards.
// Clamped reports whether a month-closure cutoff moved WindowStart forward.
type SalesSummary struct {
	WindowStart time.Time          `json:"window_start"`
	WindowEnd   time.Time          `json:"window_end"`
	Clamped     bool               `json:"clamped"`
	TotalPaise  int64              `json:"total_paise"`
	TotalOrders int64              `json:"total_orders"`
	TotalSales  int64              `json:"total_sales"`
	VoidedSales int64              `json:"voided_sales"`
	TopItems    []SalesSummaryItem `json:"top_items"`
	ByPayment   map[string]int64   `json:"by_payment"`
	GeneratedAt time.Time          `json:"generated_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// Actor is the authenticated caller attached to every mutating request.
type Actor struct {
	ID       string
	Username string
	Email    string
	Role     string
}

const (
	RoleOwner = "owner"
	RoleStaff = "staff"
)

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Email     string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
