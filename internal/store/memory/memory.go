package memory

import (
	"context"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"barmate/backend/internal/domain"
	"barmate/backend/internal/store"
	"barmate/backend/internal/xid"
)

// Store is the in-memory Repository used for dev mode and tests. One mutex
// guards everything, so every method is as atomic as a database transaction.
type Store struct {
	mu              sync.RWMutex
	items           map[string]domain.InventoryItem
	sizesByID       map[string]domain.SizeVariant
	sizeIDByItemMl  map[string]string
	salesByID       map[string]domain.Sale
	saleOrder       []string
	tabsByID        map[string]domain.Tab
	ordersByID      map[string]domain.Order
	registerRows    map[string]map[string]domain.RegisterSaveRow
	dayLocks        map[string]domain.DayLock
	closuresByKey   map[string]domain.MonthClosure
	auditEvents     []domain.AuditEvent
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		items:           make(map[string]domain.InventoryItem),
		sizesByID:       make(map[string]domain.SizeVariant),
		sizeIDByItemMl:  make(map[string]string),
		salesByID:       make(map[string]domain.Sale),
		tabsByID:        make(map[string]domain.Tab),
		ordersByID:      make(map[string]domain.Order),
		registerRows:    make(map[string]map[string]domain.RegisterSaveRow),
		dayLocks:        make(map[string]domain.DayLock),
		closuresByKey:   make(map[string]domain.MonthClosure),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_OWNER_PASSWORD and SEED_STAFF_PASSWORD; if unset
// hardcoded dev defaults are used with a warning. Production deployments use
// PostgreSQL (DATABASE_URL set) and never hit this path.
func seedUsers() map[string]domain.UserAccount {
	ownerPwd := envOr("SEED_OWNER_PASSWORD", "owner123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_OWNER_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_OWNER_PASSWORD and SEED_STAFF_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		email    string
		role     string
	}{
		{"owner", ownerPwd, "owner@barmate.local", domain.RoleOwner},
		{"staff", staffPwd, "staff@barmate.local", domain.RoleStaff},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Email:     u.email,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	seed := []domain.InventoryItem{
		{ID: "itm-kingfisher", Name: "Kingfisher Premium", Brand: "Kingfisher", Category: domain.CategoryBeer, BottleSizeMl: 650, CostPricePaise: 9500, SellPricePaise: 18000},
		{ID: "itm-tuborg", Name: "Tuborg Strong", Brand: "Tuborg", Category: domain.CategoryBeer, BottleSizeMl: 650, CostPricePaise: 9000, SellPricePaise: 17000},
		{ID: "itm-jw-red", Name: "Johnnie Walker Red Label", Brand: "Johnnie Walker", Category: domain.CategoryWhisky, BottleSizeMl: 750, CostPricePaise: 145000, SellPricePaise: 220000},
		{ID: "itm-blenders", Name: "Blenders Pride", Brand: "Blenders Pride", Category: domain.CategoryWhisky, BottleSizeMl: 750, CostPricePaise: 95000, SellPricePaise: 150000},
		{ID: "itm-old-monk", Name: "Old Monk", Brand: "Old Monk", Category: domain.CategoryRum, BottleSizeMl: 750, CostPricePaise: 45000, SellPricePaise: 80000},
		{ID: "itm-smirnoff", Name: "Smirnoff", Brand: "Smirnoff", Category: domain.CategoryVodka, BottleSizeMl: 750, CostPricePaise: 75000, SellPricePaise: 130000},
		{ID: "itm-chicken-tikka", Name: "Chicken Tikka", Brand: "", Category: domain.CategoryFood, BottleSizeMl: 1, CostPricePaise: 12000, SellPricePaise: 28000},
		{ID: "itm-paneer-chilli", Name: "Paneer Chilli", Brand: "", Category: domain.CategoryFood, BottleSizeMl: 1, CostPricePaise: 9000, SellPricePaise: 22000},
		{ID: "itm-peanut-masala", Name: "Peanut Masala", Brand: "", Category: domain.CategoryFood, BottleSizeMl: 1, CostPricePaise: 4000, SellPricePaise: 12000},
	}
	for _, item := range seed {
		item.Active = true
		item.CreatedAt = now
		item.UpdatedAt = now
		bottles := int64(12)
		if item.Category == domain.CategoryFood {
			bottles = 40
		}
		item.CurrentStockMl = bottles * item.BottleSizeMl
		item.StockQuantity = bottles
		s.items[item.ID] = item
	}

	sizes := []domain.SizeVariant{
		{ID: "szv-jw-red-30", ItemID: "itm-jw-red", Label: "Small Peg", SizeMl: 30, SellPricePaise: 12000, Source: domain.SizeSourceManual},
		{ID: "szv-jw-red-60", ItemID: "itm-jw-red", Label: "Large Peg", SizeMl: 60, SellPricePaise: 22000, Source: domain.SizeSourceManual},
		{ID: "szv-old-monk-60", ItemID: "itm-old-monk", Label: "Peg", SizeMl: 60, SellPricePaise: 9000, Source: domain.SizeSourceManual},
		{ID: "szv-kingfisher-650", ItemID: "itm-kingfisher", Label: "Bottle", SizeMl: 650, SellPricePaise: 18000, Source: domain.SizeSourceManual},
	}
	for _, size := range sizes {
		size.Active = true
		size.CreatedAt = now
		s.sizesByID[size.ID] = size
		s.sizeIDByItemMl[sizeKey(size.ItemID, size.SizeMl)] = size.ID
	}

	s.usersByUsername = seedUsers()
	return s
}

func sizeKey(itemID string, sizeMl int64) string {
	return itemID + "|" + strconv.FormatInt(sizeMl, 10)
}

// --- inventory ---

func (s *Store) ListItems(_ context.Context, includeInactive bool) ([]domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.InventoryItem, 0, len(s.items))
	for _, item := range s.items {
		if !includeInactive && !item.Active {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Category == items[j].Category {
			return items[i].Name < items[j].Name
		}
		return items[i].Category < items[j].Category
	})
	return items, nil
}

func (s *Store) GetItem(_ context.Context, itemID string) (*domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[itemID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := item
	return &copied, nil
}

func (s *Store) CreateItem(_ context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	if item.Name == "" || item.BottleSizeMl < 1 || item.CostPricePaise < 0 || item.SellPricePaise < 0 || item.StockQuantity < 0 {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ID == "" {
		item.ID = xid.New("itm")
	}
	if _, exists := s.items[item.ID]; exists {
		return nil, store.ErrConflict
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	item.Active = true
	item.CurrentStockMl = item.StockQuantity * item.BottleSizeMl
	s.items[item.ID] = item

	created := item
	return &created, nil
}

func (s *Store) UpdateItem(_ context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	if item.Name == "" || item.BottleSizeMl < 1 || item.CostPricePaise < 0 || item.SellPricePaise < 0 {
		return nil, store.ErrInvalid
	}
	if item.CurrentStockMl < 0 {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.items[item.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	item.CreatedAt = existing.CreatedAt
	item.UpdatedAt = time.Now().UTC()
	item.StockQuantity = item.CurrentStockMl / item.BottleSizeMl
	s.items[item.ID] = item

	updated := item
	return &updated, nil
}

func (s *Store) AdjustStockMl(_ context.Context, itemID string, deltaMl int64) (*domain.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok {
		return nil, store.ErrNotFound
	}

	newMl := item.CurrentStockMl + deltaMl
	if deltaMl < 0 && newMl < 0 {
		return nil, store.ErrInsufficientStock
	}
	if newMl < 0 {
		newMl = 0
	}
	item.CurrentStockMl = newMl
	item.StockQuantity = newMl / item.BottleSizeMl
	item.UpdatedAt = time.Now().UTC()
	s.items[itemID] = item

	adjusted := item
	return &adjusted, nil
}

func (s *Store) DisableItem(_ context.Context, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok {
		return store.ErrNotFound
	}
	item.Active = false
	item.UpdatedAt = time.Now().UTC()
	s.items[itemID] = item
	return nil
}

func (s *Store) DeleteItem(_ context.Context, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[itemID]; !ok {
		return store.ErrNotFound
	}
	for _, sale := range s.salesByID {
		if sale.ItemID == itemID {
			return store.ErrDependent
		}
	}
	delete(s.items, itemID)
	for id, size := range s.sizesByID {
		if size.ItemID == itemID {
			delete(s.sizesByID, id)
			delete(s.sizeIDByItemMl, sizeKey(itemID, size.SizeMl))
		}
	}
	return nil
}

// --- size variants ---

func (s *Store) ListSizes(_ context.Context, itemID string) ([]domain.SizeVariant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.items[itemID]; !ok {
		return nil, store.ErrNotFound
	}

	sizes := make([]domain.SizeVariant, 0, 4)
	for _, size := range s.sizesByID {
		if size.ItemID == itemID {
			sizes = append(sizes, size)
		}
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i].SizeMl < sizes[j].SizeMl })
	return sizes, nil
}

func (s *Store) GetSize(_ context.Context, sizeID string) (*domain.SizeVariant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	size, ok := s.sizesByID[sizeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := size
	return &copied, nil
}

func (s *Store) UpsertSize(_ context.Context, variant domain.SizeVariant) (*domain.SizeVariant, error) {
	if variant.ItemID == "" || variant.SizeMl < 1 || variant.SellPricePaise < 0 {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[variant.ItemID]; !ok {
		return nil, store.ErrNotFound
	}

	key := sizeKey(variant.ItemID, variant.SizeMl)
	if existingID, ok := s.sizeIDByItemMl[key]; ok {
		existing := s.sizesByID[existingID]
		return &existing, nil
	}

	if variant.ID == "" {
		variant.ID = xid.New("szv")
	}
	if variant.CreatedAt.IsZero() {
		variant.CreatedAt = time.Now().UTC()
	}
	variant.Active = true
	s.sizesByID[variant.ID] = variant
	s.sizeIDByItemMl[key] = variant.ID

	created := variant
	return &created, nil
}

// --- sale ledger ---

func (s *Store) RecordSale(_ context.Context, deduction store.SaleDeduction, itemName string) (*domain.Sale, error) {
	if deduction.Quantity < 1 || deduction.RequiredMl < 1 {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[deduction.ItemID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if item.CurrentStockMl < deduction.RequiredMl {
		return nil, store.ErrInsufficientStock
	}

	item.CurrentStockMl -= deduction.RequiredMl
	item.StockQuantity = item.CurrentStockMl / item.BottleSizeMl
	item.UpdatedAt = time.Now().UTC()
	s.items[deduction.ItemID] = item

	at := deduction.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	sale := domain.Sale{
		ID:          xid.New("sale"),
		ItemID:      deduction.ItemID,
		ItemName:    itemName,
		SizeID:      deduction.SizeID,
		SizeMl:      deduction.SizeMl,
		Quantity:    deduction.Quantity,
		AmountPaise: deduction.Amount,
		StaffName:   deduction.StaffName,
		OrderID:     deduction.OrderID,
		CreatedAt:   at,
	}
	s.salesByID[sale.ID] = sale
	s.saleOrder = append(s.saleOrder, sale.ID)

	created := sale
	return &created, nil
}

func (s *Store) GetSale(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := sale
	return &copied, nil
}

func (s *Store) ListSales(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, limit)
	for i := len(s.saleOrder) - 1; i >= 0 && len(sales) < limit; i-- {
		sale := s.salesByID[s.saleOrder[i]]
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		sales = append(sales, sale)
	}
	return sales, nil
}

func (s *Store) VoidSale(_ context.Context, saleID string, reason string, at time.Time) (*store.VoidResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.IsVoided {
		return nil, store.ErrConflict
	}

	sale.IsVoided = true
	sale.VoidReason = reason
	voidedAt := at.UTC()
	sale.VoidedAt = &voidedAt
	s.salesByID[saleID] = sale

	result := store.VoidResult{Sale: sale}
	item, itemExists := s.items[sale.ItemID]
	if itemExists && sale.SizeMl > 0 {
		item.CurrentStockMl += sale.Quantity * sale.SizeMl
		item.StockQuantity = item.CurrentStockMl / item.BottleSizeMl
		item.UpdatedAt = time.Now().UTC()
		s.items[sale.ItemID] = item
	} else {
		result.RestockSkipped = true
	}
	return &result, nil
}

// --- tabs ---

func (s *Store) CreateTab(_ context.Context, tab domain.Tab) (*domain.Tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tab.ID == "" {
		tab.ID = xid.New("tab")
	}
	if tab.OpenedAt.IsZero() {
		tab.OpenedAt = time.Now().UTC()
	}
	tab.Status = domain.TabStatusOpen
	tab.TotalPaise = 0
	tab.Items = nil
	s.tabsByID[tab.ID] = tab

	created := tab
	return &created, nil
}

func (s *Store) GetTab(_ context.Context, tabID string) (*domain.Tab, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tab, ok := s.tabsByID[tabID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := tab
	copied.Items = append([]domain.TabItem(nil), tab.Items...)
	return &copied, nil
}

func (s *Store) ListTabs(_ context.Context, status string, limit int) ([]domain.Tab, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	tabs := make([]domain.Tab, 0, limit)
	for _, tab := range s.tabsByID {
		if status != "" && tab.Status != status {
			continue
		}
		copied := tab
		copied.Items = append([]domain.TabItem(nil), tab.Items...)
		tabs = append(tabs, copied)
	}
	sort.Slice(tabs, func(i, j int) bool { return tabs[i].OpenedAt.After(tabs[j].OpenedAt) })
	if len(tabs) > limit {
		tabs = tabs[:limit]
	}
	return tabs, nil
}

func (s *Store) AppendTabItems(_ context.Context, tabID string, items []domain.TabItem, batchTotal int64) (*domain.Tab, error) {
	if len(items) == 0 {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tab, ok := s.tabsByID[tabID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if tab.Status != domain.TabStatusOpen {
		return nil, store.ErrInvalidState
	}

	now := time.Now().UTC()
	for _, item := range items {
		if item.ID == "" {
			item.ID = xid.New("tbi")
		}
		item.TabID = tabID
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
		tab.Items = append(tab.Items, item)
	}
	tab.TotalPaise += batchTotal
	s.tabsByID[tabID] = tab

	updated := tab
	updated.Items = append([]domain.TabItem(nil), tab.Items...)
	return &updated, nil
}

func (s *Store) ClaimTabForClose(_ context.Context, tabID string) (*domain.Tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tab, ok := s.tabsByID[tabID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if tab.Status != domain.TabStatusOpen {
		return nil, store.ErrInvalidState
	}
	tab.Status = domain.TabStatusClosing
	s.tabsByID[tabID] = tab

	claimed := tab
	claimed.Items = append([]domain.TabItem(nil), tab.Items...)
	return &claimed, nil
}

func (s *Store) ReopenTab(_ context.Context, tabID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tab, ok := s.tabsByID[tabID]
	if !ok {
		return store.ErrNotFound
	}
	if tab.Status != domain.TabStatusClosing {
		return store.ErrInvalidState
	}
	tab.Status = domain.TabStatusOpen
	s.tabsByID[tabID] = tab
	return nil
}

func (s *Store) CloseTab(_ context.Context, tabID string, orderID string, total int64, closedAt time.Time) (*domain.Tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tab, ok := s.tabsByID[tabID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if tab.Status != domain.TabStatusOpen && tab.Status != domain.TabStatusClosing {
		return nil, store.ErrInvalidState
	}

	tab.Status = domain.TabStatusClosed
	tab.OrderID = orderID
	tab.TotalPaise = total
	at := closedAt.UTC()
	tab.ClosedAt = &at
	s.tabsByID[tabID] = tab

	closed := tab
	closed.Items = append([]domain.TabItem(nil), tab.Items...)
	return &closed, nil
}

// --- orders ---

func (s *Store) CreateOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	if len(order.Items) == 0 {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusCompleted
	}
	s.ordersByID[order.ID] = order

	created := order
	return &created, nil
}

func (s *Store) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.ordersByID[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := order
	return &copied, nil
}

// --- day register ---

func (s *Store) GetRegisterRows(_ context.Context, date string) (map[string]domain.RegisterSaveRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make(map[string]domain.RegisterSaveRow, len(s.registerRows[date]))
	for itemID, row := range s.registerRows[date] {
		rows[itemID] = row
	}
	return rows, nil
}

func (s *Store) GetPriorClosings(_ context.Context, date string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Register dates are YYYY-MM-DD, so lexicographic order is date order.
	dates := make([]string, 0, len(s.registerRows))
	for d := range s.registerRows {
		if d < date {
			dates = append(dates, d)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))

	closings := make(map[string]int64)
	for _, d := range dates {
		for itemID, row := range s.registerRows[d] {
			if _, seen := closings[itemID]; !seen {
				closings[itemID] = row.Closing
			}
		}
	}
	return closings, nil
}

func (s *Store) SaveRegisterRow(_ context.Context, date string, row domain.RegisterSaveRow) error {
	if row.Opening < 0 || row.Received < 0 || row.Closing < 0 {
		return store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, locked := s.dayLocks[date]; locked {
		return store.ErrConflict
	}
	item, ok := s.items[row.ItemID]
	if !ok {
		return store.ErrNotFound
	}

	if s.registerRows[date] == nil {
		s.registerRows[date] = make(map[string]domain.RegisterSaveRow)
	}
	s.registerRows[date][row.ItemID] = row

	// The register is the authoritative correction mechanism for physical
	// counts: mirror the closing balance back into the item.
	item.CurrentStockMl = row.Closing * item.BottleSizeMl
	item.StockQuantity = row.Closing
	item.UpdatedAt = time.Now().UTC()
	s.items[row.ItemID] = item
	return nil
}

func (s *Store) GetDayLock(_ context.Context, date string) (*domain.DayLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lock, ok := s.dayLocks[date]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := lock
	return &copied, nil
}

func (s *Store) LockDay(_ context.Context, lock domain.DayLock) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.dayLocks[lock.Date]; exists {
		return false, nil
	}
	if lock.LockedAt.IsZero() {
		lock.LockedAt = time.Now().UTC()
	}
	s.dayLocks[lock.Date] = lock
	return true, nil
}

func (s *Store) UnlockDay(_ context.Context, date string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.dayLocks[date]; !exists {
		return false, nil
	}
	delete(s.dayLocks, date)
	return true, nil
}

// --- month closure ---

func (s *Store) GetMonthClosure(_ context.Context, monthKey string) (*domain.MonthClosure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	closure, ok := s.closuresByKey[monthKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := closure
	return &copied, nil
}

func (s *Store) LatestClosureCutoff(_ context.Context) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *time.Time
	for _, closure := range s.closuresByKey {
		end := closure.PeriodEnd
		if latest == nil || end.After(*latest) {
			latest = &end
		}
	}
	return latest, nil
}

func (s *Store) CloseMonth(_ context.Context, closure domain.MonthClosure) (*domain.MonthClosure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.closuresByKey[closure.MonthKey]; exists {
		return nil, store.ErrConflict
	}

	for id, tab := range s.tabsByID {
		if tab.Status != domain.TabStatusOpen {
			continue
		}
		tab.Status = domain.TabStatusCancelled
		at := closure.CreatedAt
		tab.ClosedAt = &at
		s.tabsByID[id] = tab
		closure.CancelledTabCount++
		closure.CancelledTabTotalPaise += tab.TotalPaise
	}

	agg := s.aggregateOrdersLocked(closure.PeriodStart, closure.PeriodEnd)
	closure.TotalSalesPaise = agg.TotalSalesPaise
	closure.TotalOrders = agg.TotalOrders
	closure.TopItemName = agg.TopItemName
	closure.TopItemQuantity = agg.TopItemQuantity

	if closure.CreatedAt.IsZero() {
		closure.CreatedAt = time.Now().UTC()
	}
	s.closuresByKey[closure.MonthKey] = closure

	created := closure
	return &created, nil
}

func (s *Store) AggregateOrders(_ context.Context, from time.Time, to time.Time) (store.MonthAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aggregateOrdersLocked(from, to), nil
}

func (s *Store) aggregateOrdersLocked(from time.Time, to time.Time) store.MonthAggregate {
	var agg store.MonthAggregate
	quantities := make(map[string]int64)
	for _, order := range s.ordersByID {
		if order.CreatedAt.Before(from) || !order.CreatedAt.Before(to) {
			continue
		}
		agg.TotalOrders++
		agg.TotalSalesPaise += order.TotalPaise
		for _, line := range order.Items {
			quantities[line.ItemName] += line.Quantity
		}
	}
	for name, qty := range quantities {
		if qty > agg.TopItemQuantity || (qty == agg.TopItemQuantity && name < agg.TopItemName) {
			agg.TopItemName = name
			agg.TopItemQuantity = qty
		}
	}
	return agg
}

// --- analytics ---

func (s *Store) SalesSummary(_ context.Context, from time.Time, to time.Time) (domain.SalesSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := domain.SalesSummary{
		ByPayment: make(map[string]int64),
	}
	quantities := make(map[string]*domain.SalesSummaryItem)
	for _, sale := range s.salesByID {
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		if sale.IsVoided {
			summary.VoidedSales++
			continue
		}
		summary.TotalSales++
		summary.TotalPaise += sale.AmountPaise
		entry := quantities[sale.ItemName]
		if entry == nil {
			entry = &domain.SalesSummaryItem{ItemName: sale.ItemName}
			quantities[sale.ItemName] = entry
		}
		entry.Quantity += sale.Quantity
		entry.AmountPaise += sale.AmountPaise
	}
	for _, order := range s.ordersByID {
		if order.CreatedAt.Before(from) || !order.CreatedAt.Before(to) {
			continue
		}
		summary.TotalOrders++
		summary.ByPayment[order.PaymentMethod] += order.TotalPaise
	}

	summary.TopItems = make([]domain.SalesSummaryItem, 0, len(quantities))
	for _, entry := range quantities {
		summary.TopItems = append(summary.TopItems, *entry)
	}
	sort.Slice(summary.TopItems, func(i, j int) bool {
		if summary.TopItems[i].Quantity == summary.TopItems[j].Quantity {
			return summary.TopItems[i].ItemName < summary.TopItems[j].ItemName
		}
		return summary.TopItems[i].Quantity > summary.TopItems[j].Quantity
	})
	if len(summary.TopItems) > 5 {
		summary.TopItems = summary.TopItems[:5]
	}
	return summary, nil
}

// --- audit trail ---

func (s *Store) AppendAuditEvent(_ context.Context, event domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		event.ID = xid.New("evt")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	s.auditEvents = append(s.auditEvents, event)
	return nil
}

func (s *Store) ListAuditEvents(_ context.Context, beforeAt *time.Time, beforeID string, limit int) ([]domain.AuditEvent, error) {
	if limit < 1 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	events := append([]domain.AuditEvent(nil), s.auditEvents...)
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].ID > events[j].ID
		}
		return events[i].CreatedAt.After(events[j].CreatedAt)
	})

	page := make([]domain.AuditEvent, 0, limit)
	for _, event := range events {
		if beforeAt != nil {
			if event.CreatedAt.After(*beforeAt) {
				continue
			}
			if event.CreatedAt.Equal(*beforeAt) && event.ID >= beforeID {
				continue
			}
		}
		page = append(page, event)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

// --- auth accounts ---

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}
