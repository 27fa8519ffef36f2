package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"barmate/backend/internal/analytics"
	"barmate/backend/internal/domain"
	"barmate/backend/internal/store"
	"barmate/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo      store.Repository
	analytics *analytics.Engine

	now             func() time.Time
	defaultTZOffset int
}

func New(repo store.Repository, engine *analytics.Engine, defaultTZOffsetMinutes int) *Service {
	return NewWithClock(repo, engine, defaultTZOffsetMinutes, func() time.Time { return time.Now().UTC() })
}

// NewWithClock injects the wall clock. Month keys and audit timestamps come
// from this clock, which is what makes closure behaviour testable.
func NewWithClock(repo store.Repository, engine *analytics.Engine, defaultTZOffsetMinutes int, now func() time.Time) *Service {
	return &Service{
		repo:            repo,
		analytics:       engine,
		now:             now,
		defaultTZOffset: defaultTZOffsetMinutes,
	}
}

func (s *Service) ListInventory(ctx context.Context, includeInactive bool) ([]domain.InventoryItem, error) {
	return s.repo.ListItems(ctx, includeInactive)
}

func (s *Service) GetInventoryItem(ctx context.Context, itemID string) (*domain.InventoryItem, error) {
	return s.repo.GetItem(ctx, itemID)
}

func (s *Service) CreateInventoryItem(ctx context.Context, req domain.InventoryItemCreateRequest) (*domain.InventoryItem, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Brand = strings.TrimSpace(req.Brand)
	req.Category = strings.TrimSpace(req.Category)

	if req.Name == "" || req.Category == "" {
		return nil, fmt.Errorf("%w: name and category are required", store.ErrInvalid)
	}
	if req.CostPricePaise < 0 || req.SellPricePaise < 0 || req.StockQuantity < 0 {
		return nil, fmt.Errorf("%w: prices and stock must be non-negative", store.ErrInvalid)
	}

	item := domain.InventoryItem{
		Name:           req.Name,
		Brand:          req.Brand,
		Category:       req.Category,
		BottleSizeMl:   req.BottleSizeMl,
		CostPricePaise: req.CostPricePaise,
		SellPricePaise: req.SellPricePaise,
		StockQuantity:  req.StockQuantity,
		CreatedAt:      s.now(),
	}
	if !domain.IsLiquorCategory(item.Category) {
		// Food and other non-liquor stock counts portions one-to-one.
		item.Category = domain.CategoryFood
		item.BottleSizeMl = 1
	}
	if item.BottleSizeMl < 1 {
		return nil, fmt.Errorf("%w: bottle_size_ml must be at least 1", store.ErrInvalid)
	}

	created, err := s.repo.CreateItem(ctx, item)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "inventory.create", "inventory_item", created.ID, domain.AuditOutcomeSuccess, nil, created, nil)
	return created, nil
}

func (s *Service) UpdateInventoryItem(ctx context.Context, itemID string, req domain.InventoryItemUpdateRequest) (*domain.InventoryItem, error) {
	current, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	before := *current

	item := *current
	if req.Name != nil {
		item.Name = strings.TrimSpace(*req.Name)
	}
	if req.Brand != nil {
		item.Brand = strings.TrimSpace(*req.Brand)
	}
	if req.Category != nil {
		item.Category = strings.TrimSpace(*req.Category)
		if !domain.IsLiquorCategory(item.Category) {
			item.Category = domain.CategoryFood
			item.BottleSizeMl = 1
		}
	}
	if req.BottleSizeMl != nil {
		item.BottleSizeMl = *req.BottleSizeMl
	}
	if req.CostPricePaise != nil {
		item.CostPricePaise = *req.CostPricePaise
	}
	if req.SellPricePaise != nil {
		item.SellPricePaise = *req.SellPricePaise
	}
	if req.StockQuantity != nil {
		if *req.StockQuantity < 0 {
			return nil, fmt.Errorf("%w: stock_quantity must be non-negative", store.ErrInvalid)
		}
		item.CurrentStockMl = *req.StockQuantity * item.BottleSizeMl
	}
	if req.Active != nil {
		item.Active = *req.Active
	}
	if item.Name == "" || item.BottleSizeMl < 1 || item.CostPricePaise < 0 || item.SellPricePaise < 0 {
		return nil, fmt.Errorf("%w: invalid item fields", store.ErrInvalid)
	}

	updated, err := s.repo.UpdateItem(ctx, item)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "inventory.update", "inventory_item", itemID, domain.AuditOutcomeSuccess, before, updated, nil)
	return updated, nil
}

// DeleteInventoryItem hard-deletes when nothing references the item and
// falls back to soft-disable when historical sales do. Returns true when the
// item was disabled rather than removed.
func (s *Service) DeleteInventoryItem(ctx context.Context, itemID string) (bool, error) {
	before, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		return false, err
	}

	err = s.repo.DeleteItem(ctx, itemID)
	if err == nil {
		s.logAudit(ctx, "inventory.delete", "inventory_item", itemID, domain.AuditOutcomeSuccess, before, nil, nil)
		return false, nil
	}
	if !errors.Is(err, store.ErrDependent) {
		return false, err
	}

	if err := s.repo.DisableItem(ctx, itemID); err != nil {
		return false, err
	}
	s.logAudit(ctx, "inventory.disable", "inventory_item", itemID, domain.AuditOutcomeSuccess, before, nil,
		map[string]any{"reason": "referenced by sales"})
	return true, nil
}

func (s *Service) AdjustStock(ctx context.Context, itemID string, deltaMl int64) (*domain.InventoryItem, error) {
	if deltaMl == 0 {
		return nil, fmt.Errorf("%w: delta_ml must be non-zero", store.ErrInvalid)
	}
	item, err := s.repo.AdjustStockMl(ctx, itemID, deltaMl)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "inventory.adjust", "inventory_item", itemID, domain.AuditOutcomeSuccess, nil, item,
		map[string]any{"delta_ml": deltaMl})
	return item, nil
}

func (s *Service) ListSizes(ctx context.Context, itemID string) ([]domain.SizeVariant, error) {
	return s.repo.ListSizes(ctx, itemID)
}

func (s *Service) CreateSize(ctx context.Context, itemID string, req domain.SizeVariantCreateRequest) (*domain.SizeVariant, error) {
	req.Label = strings.TrimSpace(req.Label)
	if req.Label == "" || req.SizeMl < 1 || req.SellPricePaise < 0 {
		return nil, fmt.Errorf("%w: label, positive size_ml and non-negative price required", store.ErrInvalid)
	}
	saved, err := s.repo.UpsertSize(ctx, domain.SizeVariant{
		ItemID:         itemID,
		Label:          req.Label,
		SizeMl:         req.SizeMl,
		SellPricePaise: req.SellPricePaise,
		Source:         domain.SizeSourceManual,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "size.create", "size_variant", saved.ID, domain.AuditOutcomeSuccess, nil, saved, nil)
	return saved, nil
}

// pickSize resolves the pour for a sale line. An explicitly requested
// manual variant wins; otherwise the smallest active variant; otherwise a
// default peg is synthesized at the item's selling price. The peg upsert is
// keyed on (item_id, size_ml), so concurrent first sales converge on one row.
func (s *Service) pickSize(ctx context.Context, item *domain.InventoryItem, sizeID string) (*domain.SizeVariant, error) {
	if sizeID != "" {
		size, err := s.repo.GetSize(ctx, sizeID)
		if err != nil {
			return nil, err
		}
		if size.ItemID != item.ID {
			return nil, fmt.Errorf("%w: size %s does not belong to item %s", store.ErrInvalid, sizeID, item.ID)
		}
		if size.Source != domain.SizeSourceAuto {
			return size, nil
		}
	}

	sizes, err := s.repo.ListSizes(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	var smallest *domain.SizeVariant
	for i := range sizes {
		if !sizes[i].Active {
			continue
		}
		if smallest == nil || sizes[i].SizeMl < smallest.SizeMl {
			smallest = &sizes[i]
		}
	}
	if smallest != nil {
		return smallest, nil
	}

	if item.SellPricePaise < 1 {
		return nil, fmt.Errorf("%w: item %s has no selling price to seed a default size", store.ErrInvalid, item.ID)
	}
	sizeMl := int64(domain.DefaultPegSizeMl)
	label := domain.DefaultPegLabel
	if !domain.IsLiquorCategory(item.Category) {
		sizeMl = 1
		label = "Portion"
	}
	return s.repo.UpsertSize(ctx, domain.SizeVariant{
		ItemID:         item.ID,
		Label:          label,
		SizeMl:         sizeMl,
		SellPricePaise: item.SellPricePaise,
		Source:         domain.SizeSourceAuto,
		CreatedAt:      s.now(),
	})
}

func (s *Service) RecordSale(ctx context.Context, req domain.SaleCreateRequest) (*domain.Sale, error) {
	if req.Quantity < 1 {
		return nil, fmt.Errorf("%w: quantity must be a positive integer", store.ErrInvalid)
	}
	item, err := s.repo.GetItem(ctx, req.ItemID)
	if err != nil {
		return nil, err
	}
	size, err := s.pickSize(ctx, item, req.SizeID)
	if err != nil {
		return nil, err
	}

	staffName := strings.TrimSpace(req.StaffName)
	if staffName == "" {
		if actor, ok := ActorFromContext(ctx); ok {
			staffName = actor.Username
		}
	}

	sale, err := s.repo.RecordSale(ctx, store.SaleDeduction{
		ItemID:     item.ID,
		SizeID:     size.ID,
		SizeMl:     size.SizeMl,
		Quantity:   req.Quantity,
		RequiredMl: req.Quantity * size.SizeMl,
		Amount:     req.Quantity * size.SellPricePaise,
		StaffName:  staffName,
		At:         s.now(),
	}, item.Name)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "sale.create", "sale", sale.ID, domain.AuditOutcomeSuccess, nil, sale,
		map[string]any{"required_ml": sale.Quantity * sale.SizeMl})
	return sale, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	return s.repo.GetSale(ctx, saleID)
}

func (s *Service) ListSales(ctx context.Context, from time.Time, to time.Time, limit int, showArchived bool) ([]domain.Sale, bool, error) {
	start, end, clamped, err := s.analytics.Window(ctx, from, to, showArchived)
	if err != nil {
		return nil, false, err
	}
	sales, err := s.repo.ListSales(ctx, start, end, limit)
	if err != nil {
		return nil, false, err
	}
	return sales, clamped, nil
}

func (s *Service) VoidSale(ctx context.Context, saleID string, req domain.SaleVoidRequest) (*domain.SaleVoidResponse, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: a void reason is required", store.ErrInvalid)
	}

	result, err := s.repo.VoidSale(ctx, saleID, reason, s.now())
	if err != nil {
		return nil, err
	}

	resp := &domain.SaleVoidResponse{Sale: result.Sale, RestockSkipped: result.RestockSkipped}
	if result.RestockSkipped {
		resp.Warning = "stock credit skipped: the sold item no longer exists"
		log.Printf("[service] WARN: void %s could not restock item %s", saleID, result.Sale.ItemID)
	}
	meta := map[string]any{
		"mode":            domain.VoidModeSale,
		"amount_paise":    result.Sale.AmountPaise,
		"restock_skipped": result.RestockSkipped,
	}
	if req.AmountPaise != 0 {
		// The caller's own figure, kept next to the ledger amount so a
		// mismatch shows up in the trail.
		meta["reported_amount_paise"] = req.AmountPaise
	}
	s.logAudit(ctx, "void.create", "sale", saleID, domain.AuditOutcomeSuccess, nil, &result.Sale, meta)
	return resp, nil
}

// VoidCartItem records the removal of a line that was never sold. No stock
// moved, so this is an audit-only path.
func (s *Service) VoidCartItem(ctx context.Context, req domain.CartVoidRequest) error {
	req.ItemName = strings.TrimSpace(req.ItemName)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.ItemName == "" || req.Reason == "" {
		return fmt.Errorf("%w: item_name and reason are required", store.ErrInvalid)
	}
	if req.Quantity < 1 || req.AmountPaise < 0 {
		return fmt.Errorf("%w: quantity must be positive and amount non-negative", store.ErrInvalid)
	}

	s.logAudit(ctx, "void.create", "cart_item", "", domain.AuditOutcomeSuccess, nil, nil,
		map[string]any{
			"mode":         domain.VoidModeCart,
			"item_name":    req.ItemName,
			"quantity":     req.Quantity,
			"amount_paise": req.AmountPaise,
			"reason":       req.Reason,
		})
	return nil
}

func (s *Service) OpenTab(ctx context.Context, req domain.TabOpenRequest) (*domain.Tab, error) {
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.TableLabel = strings.TrimSpace(req.TableLabel)
	if req.CustomerName == "" && req.TableLabel == "" {
		return nil, fmt.Errorf("%w: a customer name or table label is required", store.ErrInvalid)
	}

	openedBy := ""
	if actor, ok := ActorFromContext(ctx); ok {
		openedBy = actor.Username
	}
	now := s.now()
	tab, err := s.repo.CreateTab(ctx, domain.Tab{
		ID:           xid.New("tab"),
		Code:         xid.Code("TAB", now),
		CustomerName: req.CustomerName,
		TableLabel:   req.TableLabel,
		OpenedBy:     openedBy,
		OpenedAt:     now,
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "tab.open", "tab", tab.ID, domain.AuditOutcomeSuccess, nil, tab, nil)
	return tab, nil
}

func (s *Service) GetTab(ctx context.Context, tabID string) (*domain.Tab, error) {
	return s.repo.GetTab(ctx, tabID)
}

func (s *Service) ListTabs(ctx context.Context, status string, limit int) ([]domain.Tab, error) {
	if status != "" && status != domain.TabStatusOpen && status != domain.TabStatusClosing && status != domain.TabStatusClosed && status != domain.TabStatusCancelled {
		return nil, fmt.Errorf("%w: unknown tab status %q", store.ErrInvalid, status)
	}
	return s.repo.ListTabs(ctx, status, limit)
}

// AddTabItems validates the whole batch before any row is written. One bad
// line rejects everything, naming the offending index.
func (s *Service) AddTabItems(ctx context.Context, tabID string, req domain.TabAddItemsRequest) (*domain.Tab, error) {
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", store.ErrInvalid)
	}

	var batchTotal int64
	items := make([]domain.TabItem, 0, len(req.Items))
	for i, line := range req.Items {
		if line.Quantity < 1 {
			return nil, fmt.Errorf("%w: item %d: quantity must be a positive integer", store.ErrInvalid, i)
		}
		if line.UnitPricePaise < 0 {
			return nil, fmt.Errorf("%w: item %d: unit price must be non-negative", store.ErrInvalid, i)
		}
		item, err := s.repo.GetItem(ctx, line.ItemID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: item %d: inventory item %s not found", store.ErrInvalid, i, line.ItemID)
			}
			return nil, err
		}
		if line.SizeID != "" {
			size, err := s.repo.GetSize(ctx, line.SizeID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return nil, fmt.Errorf("%w: item %d: size %s not found", store.ErrInvalid, i, line.SizeID)
				}
				return nil, err
			}
			if size.ItemID != item.ID {
				return nil, fmt.Errorf("%w: item %d: size %s does not belong to item %s", store.ErrInvalid, i, line.SizeID, item.ID)
			}
		}

		lineTotal := line.Quantity * line.UnitPricePaise
		if line.LineTotalPaise != 0 && line.LineTotalPaise != lineTotal {
			return nil, fmt.Errorf("%w: item %d: line total %d does not match quantity * unit price", store.ErrInvalid, i, line.LineTotalPaise)
		}
		batchTotal += lineTotal
		items = append(items, domain.TabItem{
			TabID:          tabID,
			ItemID:         line.ItemID,
			SizeID:         line.SizeID,
			Quantity:       line.Quantity,
			UnitPricePaise: line.UnitPricePaise,
			LineTotalPaise: lineTotal,
			CreatedAt:      s.now(),
		})
	}

	tab, err := s.repo.AppendTabItems(ctx, tabID, items, batchTotal)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "tab.items.add", "tab", tabID, domain.AuditOutcomeSuccess, nil, nil,
		map[string]any{"lines": len(items), "batch_total_paise": batchTotal})
	return tab, nil
}

// CloseTab converts a tab's intent lines into real sales. Each line's
// stock-deduct plus ledger-write is atomic, but the sequence across lines is
// not: when a later line runs out of stock, earlier lines stay sold and the
// error names the short item so staff can settle the remainder by hand.
func (s *Service) CloseTab(ctx context.Context, tabID string, req domain.TabCloseRequest) (*domain.Tab, *domain.Order, error) {
	if !domain.IsSupportedPaymentMethod(req.PaymentMethod) {
		return nil, nil, fmt.Errorf("%w: unsupported payment method %q", store.ErrInvalid, req.PaymentMethod)
	}

	// Claim the tab before converting anything. A concurrent second closer
	// loses the claim and fails here, before any order or sale is written.
	tab, err := s.repo.ClaimTabForClose(ctx, tabID)
	if err != nil {
		return nil, nil, err
	}
	converted := false
	defer func() {
		if converted {
			return
		}
		if rerr := s.repo.ReopenTab(ctx, tabID); rerr != nil {
			log.Printf("[service] WARN: tab %s left in closing state: %v", tabID, rerr)
		}
	}()

	if len(tab.Items) == 0 {
		return nil, nil, fmt.Errorf("%w: tab has no items", store.ErrInvalidState)
	}

	type resolvedLine struct {
		tabItem domain.TabItem
		item    *domain.InventoryItem
		size    *domain.SizeVariant
	}
	lines := make([]resolvedLine, 0, len(tab.Items))
	orderLines := make([]domain.OrderLine, 0, len(tab.Items))
	for _, tabItem := range tab.Items {
		item, err := s.repo.GetItem(ctx, tabItem.ItemID)
		if err != nil {
			return nil, nil, fmt.Errorf("tab line for item %s: %w", tabItem.ItemID, err)
		}
		size, err := s.pickSize(ctx, item, tabItem.SizeID)
		if err != nil {
			return nil, nil, fmt.Errorf("tab line for item %s: %w", tabItem.ItemID, err)
		}
		lines = append(lines, resolvedLine{tabItem: tabItem, item: item, size: size})
		orderLines = append(orderLines, domain.OrderLine{
			ItemID:         item.ID,
			ItemName:       item.Name,
			SizeLabel:      size.Label,
			SizeMl:         size.SizeMl,
			Quantity:       tabItem.Quantity,
			UnitPricePaise: tabItem.UnitPricePaise,
			LineTotalPaise: tabItem.LineTotalPaise,
		})
	}

	createdBy := ""
	if actor, ok := ActorFromContext(ctx); ok {
		createdBy = actor.Username
	}
	now := s.now()
	order, err := s.repo.CreateOrder(ctx, domain.Order{
		ID:            xid.New("ord"),
		Code:          xid.Code("ORD", now),
		Items:         orderLines,
		TotalPaise:    tab.TotalPaise,
		PaymentMethod: req.PaymentMethod,
		Status:        domain.OrderStatusCompleted,
		CreatedBy:     createdBy,
		CreatedAt:     now,
	})
	if err != nil {
		return nil, nil, err
	}

	for i, line := range lines {
		_, err := s.repo.RecordSale(ctx, store.SaleDeduction{
			ItemID:     line.item.ID,
			SizeID:     line.size.ID,
			SizeMl:     line.size.SizeMl,
			Quantity:   line.tabItem.Quantity,
			RequiredMl: line.tabItem.Quantity * line.size.SizeMl,
			Amount:     line.tabItem.LineTotalPaise,
			StaffName:  createdBy,
			OrderID:    order.ID,
			At:         now,
		}, line.item.Name)
		if err != nil {
			if errors.Is(err, store.ErrInsufficientStock) {
				return nil, nil, fmt.Errorf("%w: line %d (%s) is short on stock; earlier lines were sold", store.ErrInsufficientStock, i, line.item.Name)
			}
			return nil, nil, err
		}
	}

	closed, err := s.repo.CloseTab(ctx, tabID, order.ID, tab.TotalPaise, now)
	if err != nil {
		return nil, nil, err
	}
	converted = true
	s.logAudit(ctx, "tab.close", "tab", tabID, domain.AuditOutcomeSuccess, nil, closed,
		map[string]any{
			"order_id":       order.ID,
			"payment_method": req.PaymentMethod,
			"total_paise":    tab.TotalPaise,
		})
	return closed, order, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.repo.GetOrder(ctx, orderID)
}

const registerDateLayout = "2006-01-02"

// GetRegister builds the reconciliation view for one day. Derived columns
// are recomputed at read time; only opening/received/closing are stored.
func (s *Service) GetRegister(ctx context.Context, date string) (*domain.RegisterView, error) {
	if _, err := time.Parse(registerDateLayout, date); err != nil {
		return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrInvalid)
	}

	items, err := s.repo.ListItems(ctx, false)
	if err != nil {
		return nil, err
	}
	saved, err := s.repo.GetRegisterRows(ctx, date)
	if err != nil {
		return nil, err
	}
	prior, err := s.repo.GetPriorClosings(ctx, date)
	if err != nil {
		return nil, err
	}

	locked := false
	if _, err := s.repo.GetDayLock(ctx, date); err == nil {
		locked = true
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	view := &domain.RegisterView{Date: date, Locked: locked, Rows: make([]domain.StockRegisterRow, 0, len(items))}
	for _, item := range items {
		row := domain.StockRegisterRow{
			ItemID:         item.ID,
			ItemName:       item.Name,
			Category:       item.Category,
			Date:           date,
			UnitPricePaise: item.SellPricePaise,
		}
		if savedRow, ok := saved[item.ID]; ok {
			row.Saved = true
			row.Opening = savedRow.Opening
			row.Received = savedRow.Received
			row.Closing = savedRow.Closing
		} else {
			row.Opening = prior[item.ID]
			row.Closing = row.Opening // nothing received, nothing sold yet
		}
		row.Total = row.Opening + row.Received
		if !row.Saved {
			row.Closing = row.Total
		}
		row.Sale = row.Total - row.Closing
		if row.Sale < 0 {
			row.Sale = 0
		}
		row.AmountPaise = row.Sale * row.UnitPricePaise
		view.Rows = append(view.Rows, row)
	}
	return view, nil
}

func (s *Service) SaveRegister(ctx context.Context, req domain.RegisterSaveRequest) error {
	if _, err := time.Parse(registerDateLayout, req.Date); err != nil {
		return fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrInvalid)
	}
	if len(req.Rows) == 0 {
		return fmt.Errorf("%w: at least one row is required", store.ErrInvalid)
	}

	// The per-row store write re-checks the lock inside its transaction;
	// this early check just fails fast before validating the batch.
	if _, err := s.repo.GetDayLock(ctx, req.Date); err == nil {
		return fmt.Errorf("%w: day %s is locked", store.ErrConflict, req.Date)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	for i, row := range req.Rows {
		if row.ItemID == "" {
			return fmt.Errorf("%w: row %d: item_id is required", store.ErrInvalid, i)
		}
		if row.Opening < 0 || row.Received < 0 || row.Closing < 0 {
			return fmt.Errorf("%w: row %d: counts must be non-negative integers", store.ErrInvalid, i)
		}
	}

	for _, row := range req.Rows {
		if err := s.repo.SaveRegisterRow(ctx, req.Date, row); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("%w: day %s is locked", store.ErrConflict, req.Date)
			}
			return err
		}
	}
	s.logAudit(ctx, "register.save", "stock_register", req.Date, domain.AuditOutcomeSuccess, nil, nil,
		map[string]any{"rows": len(req.Rows)})
	return nil
}

func (s *Service) LockDay(ctx context.Context, date string) (*domain.DayLockResponse, error) {
	if _, err := time.Parse(registerDateLayout, date); err != nil {
		return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrInvalid)
	}
	lockedBy := ""
	if actor, ok := ActorFromContext(ctx); ok {
		lockedBy = actor.Username
	}
	changed, err := s.repo.LockDay(ctx, domain.DayLock{Date: date, LockedBy: lockedBy, LockedAt: s.now()})
	if err != nil {
		return nil, err
	}
	if changed {
		s.logAudit(ctx, "register.lock", "day_lock", date, domain.AuditOutcomeSuccess, nil, nil, nil)
	}
	return &domain.DayLockResponse{Date: date, Locked: true, AlreadyLocked: !changed}, nil
}

func (s *Service) UnlockDay(ctx context.Context, date string) (*domain.DayLockResponse, error) {
	if _, err := time.Parse(registerDateLayout, date); err != nil {
		return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrInvalid)
	}
	changed, err := s.repo.UnlockDay(ctx, date)
	if err != nil {
		return nil, err
	}
	if changed {
		s.logAudit(ctx, "register.unlock", "day_lock", date, domain.AuditOutcomeSuccess, nil, nil, nil)
	}
	return &domain.DayLockResponse{Date: date, Locked: false, AlreadyOpen: !changed}, nil
}

// CloseMonth archives the current month as seen from the caller's timezone.
// Already-closed months return the existing record instead of mutating it.
func (s *Service) CloseMonth(ctx context.Context, req domain.MonthCloseRequest) (*domain.MonthCloseResponse, error) {
	// An absent offset falls back to the configured default; an explicit
	// zero means UTC.
	offset := s.defaultTZOffset
	if req.TimezoneOffsetMinutes != nil {
		offset = *req.TimezoneOffsetMinutes
	}
	if offset < -14*60 || offset > 14*60 {
		return nil, fmt.Errorf("%w: timezone offset out of range", store.ErrInvalid)
	}

	loc := time.FixedZone("local", offset*60)
	nowLocal := s.now().In(loc)
	monthKey := nowLocal.Format("2006-01")
	periodStart := time.Date(nowLocal.Year(), nowLocal.Month(), 1, 0, 0, 0, 0, loc)
	periodEnd := periodStart.AddDate(0, 1, 0)

	if existing, err := s.repo.GetMonthClosure(ctx, monthKey); err == nil {
		return &domain.MonthCloseResponse{Closure: *existing, AlreadyClosed: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	closedBy := ""
	if actor, ok := ActorFromContext(ctx); ok {
		closedBy = actor.Username
	}
	closure, err := s.repo.CloseMonth(ctx, domain.MonthClosure{
		MonthKey:    monthKey,
		PeriodStart: periodStart.UTC(),
		PeriodEnd:   periodEnd.UTC(),
		ClosedBy:    closedBy,
		CreatedAt:   s.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost a race with a concurrent closure of the same month.
			existing, getErr := s.repo.GetMonthClosure(ctx, monthKey)
			if getErr != nil {
				return nil, err
			}
			return &domain.MonthCloseResponse{Closure: *existing, AlreadyClosed: true}, nil
		}
		return nil, err
	}

	s.logAudit(ctx, "month.close", "month_closure", monthKey, domain.AuditOutcomeSuccess, nil, closure,
		map[string]any{
			"cancelled_tabs": closure.CancelledTabCount,
			"period_end":     closure.PeriodEnd,
		})
	return &domain.MonthCloseResponse{Closure: *closure}, nil
}

func (s *Service) GetMonthClosure(ctx context.Context, monthKey string) (*domain.MonthClosure, error) {
	return s.repo.GetMonthClosure(ctx, monthKey)
}

func (s *Service) Summary(ctx context.Context, from time.Time, to time.Time, showArchived bool) (*domain.SalesSummary, error) {
	summary, err := s.analytics.Summary(ctx, from, to, showArchived)
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

func (s *Service) ListAuditEvents(ctx context.Context, beforeAt *time.Time, beforeID string, limit int) ([]domain.AuditEvent, error) {
	return s.repo.ListAuditEvents(ctx, beforeAt, beforeID, limit)
}

func (s *Service) logAudit(ctx context.Context, action string, resource string, resourceID string, outcome string, before any, after any, metadata map[string]any) {
	actor, _ := ActorFromContext(ctx)
	event := domain.AuditEvent{
		ActorID:    actor.ID,
		ActorEmail: actor.Email,
		ActorRole:  actor.Role,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Outcome:    outcome,
		CreatedAt:  s.now(),
	}
	event.Before = marshalRaw(before)
	event.After = marshalRaw(after)
	if len(metadata) > 0 {
		event.Metadata = marshalRaw(metadata)
	}
	if err := s.repo.AppendAuditEvent(ctx, event); err != nil {
		// The audit trail must never block core logic.
		log.Printf("[audit] WARN: failed to append event action=%s resource=%s/%s: %v", action, resource, resourceID, err)
	}
}

func marshalRaw(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
