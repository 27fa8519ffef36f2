package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"barmate/backend/internal/analytics"
	"barmate/backend/internal/cache"
	"barmate/backend/internal/domain"
	"barmate/backend/internal/store"
	"barmate/backend/internal/store/memory"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func newTestService() (*Service, *memory.Store, *testClock) {
	repo := memory.NewSeeded()
	clock := &testClock{now: time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)}
	engine := analytics.NewEngine(repo, cache.NoopSummaryCache{}, 0)
	svc := NewWithClock(repo, engine, 0, clock.Now)
	return svc, repo, clock
}

func ownerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{
		ID: "owner", Username: "owner", Email: "owner@bar.local", Role: domain.RoleOwner,
	})
}

func TestRecordSaleDeductsVolumeAndDerivedCount(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := ownerCtx()

	item, err := svc.CreateInventoryItem(ctx, domain.InventoryItemCreateRequest{
		Name:           "Magic Moments",
		Brand:          "Magic Moments",
		Category:       domain.CategoryVodka,
		BottleSizeMl:   750,
		CostPricePaise: 60000,
		SellPricePaise: 110000,
		StockQuantity:  2,
	})
	if err != nil {
		t.Fatalf("create item failed: %v", err)
	}
	if item.CurrentStockMl != 1500 {
		t.Fatalf("expected 1500 ml, got %d", item.CurrentStockMl)
	}

	size, err := svc.CreateSize(ctx, item.ID, domain.SizeVariantCreateRequest{
		Label: "Peg", SizeMl: 60, SellPricePaise: 9000,
	})
	if err != nil {
		t.Fatalf("create size failed: %v", err)
	}

	sale, err := svc.RecordSale(ctx, domain.SaleCreateRequest{
		ItemID: item.ID, SizeID: size.ID, Quantity: 3, StaffName: "Ravi",
	})
	if err != nil {
		t.Fatalf("record sale failed: %v", err)
	}
	if sale.AmountPaise != 27000 {
		t.Fatalf("expected amount 27000, got %d", sale.AmountPaise)
	}

	after, err := svc.GetInventoryItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("get item failed: %v", err)
	}
	if after.CurrentStockMl != 1320 {
		t.Fatalf("expected 1320 ml after three pegs, got %d", after.CurrentStockMl)
	}
	if after.StockQuantity != 1 {
		t.Fatalf("expected derived count 1 (floor 1320/750), got %d", after.StockQuantity)
	}
}

func TestRecordSaleInsufficientStockLeavesNoTrace(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := ownerCtx()

	before, _ := repo.GetItem(ctx, "itm-old-monk")

	// 12 bottles of 750 ml = 9000 ml; 200 pegs of 60 ml need 12000 ml.
	_, err := svc.RecordSale(ctx, domain.SaleCreateRequest{
		ItemID: "itm-old-monk", SizeID: "szv-old-monk-60", Quantity: 200,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	after, _ := repo.GetItem(ctx, "itm-old-monk")
	if after.CurrentStockMl != before.CurrentStockMl {
		t.Fatalf("stock changed on failed sale: %d -> %d", before.CurrentStockMl, after.CurrentStockMl)
	}
	sales, _ := repo.ListSales(ctx, time.Time{}, time.Now().Add(time.Hour), 100)
	for _, sale := range sales {
		if sale.ItemID == "itm-old-monk" {
			t.Fatalf("found a sale row for a rejected sale: %s", sale.ID)
		}
	}
}

func TestRecordSaleRejectsNonPositiveQuantity(t *testing.T) {
	svc, _, _ := newTestService()
	for _, qty := range []int64{0, -3} {
		_, err := svc.RecordSale(ownerCtx(), domain.SaleCreateRequest{
			ItemID: "itm-old-monk", Quantity: qty,
		})
		if !errors.Is(err, store.ErrInvalid) {
			t.Fatalf("quantity %d: expected ErrInvalid, got %v", qty, err)
		}
	}
}

func TestRecordSaleSynthesizesDefaultPeg(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := ownerCtx()

	// itm-smirnoff is seeded without any size variant.
	sale, err := svc.RecordSale(ctx, domain.SaleCreateRequest{
		ItemID: "itm-smirnoff", Quantity: 1,
	})
	if err != nil {
		t.Fatalf("record sale failed: %v", err)
	}
	if sale.SizeMl != 60 {
		t.Fatalf("expected default 60 ml peg, got %d ml", sale.SizeMl)
	}
	if sale.AmountPaise != 130000 {
		t.Fatalf("expected default peg priced at item selling price 130000, got %d", sale.AmountPaise)
	}

	sizes, err := repo.ListSizes(ctx, "itm-smirnoff")
	if err != nil {
		t.Fatalf("list sizes failed: %v", err)
	}
	if len(sizes) != 1 {
		t.Fatalf("expected exactly one synthesized variant, got %d", len(sizes))
	}
	if sizes[0].Source != domain.SizeSourceAuto || sizes[0].Label != domain.DefaultPegLabel {
		t.Fatalf("unexpected synthesized variant: %+v", sizes[0])
	}

	// A second unsized sale reuses the same variant instead of duplicating it.
	second, err := svc.RecordSale(ctx, domain.SaleCreateRequest{
		ItemID: "itm-smirnoff", Quantity: 2,
	})
	if err != nil {
		t.Fatalf("second sale failed: %v", err)
	}
	if second.SizeID != sizes[0].ID {
		t.Fatalf("expected reuse of variant %s, got %s", sizes[0].ID, second.SizeID)
	}
}

func TestRecordSaleFoodCountsPortions(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := ownerCtx()

	_, err := svc.RecordSale(ctx, domain.SaleCreateRequest{
		ItemID: "itm-chicken-tikka", Quantity: 2,
	})
	if err != nil {
		t.Fatalf("record sale failed: %v", err)
	}

	after, _ := repo.GetItem(ctx, "itm-chicken-tikka")
	if after.StockQuantity != 38 || after.CurrentStockMl != 38 {
		t.Fatalf("expected 38 portions left, got qty=%d ml=%d", after.StockQuantity, after.CurrentStockMl)
	}
}

func TestVoidRestoresExactVolume(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := ownerCtx()

	before, _ := repo.GetItem(ctx, "itm-jw-red")

	sale, err := svc.RecordSale(ctx, domain.SaleCreateRequest{
		ItemID: "itm-jw-red", SizeID: "szv-jw-red-30", Quantity: 4,
	})
	if err != nil {
		t.Fatalf("record sale failed: %v", err)
	}

	deducted, _ := repo.GetItem(ctx, "itm-jw-red")
	if deducted.CurrentStockMl != before.CurrentStockMl-120 {
		t.Fatalf("expected 120 ml deducted, got %d -> %d", before.CurrentStockMl, deducted.CurrentStockMl)
	}

	resp, err := svc.VoidSale(ctx, sale.ID, domain.SaleVoidRequest{Reason: "wrong table"})
	if err != nil {
		t.Fatalf("void failed: %v", err)
	}
	if !resp.Sale.IsVoided || resp.Sale.VoidReason != "wrong table" {
		t.Fatalf("void not reflected on sale: %+v", resp.Sale)
	}
	if resp.RestockSkipped {
		t.Fatalf("restock should not be skipped for a live item")
	}

	restored, _ := repo.GetItem(ctx, "itm-jw-red")
	if restored.CurrentStockMl != before.CurrentStockMl {
		t.Fatalf("void did not restore exact volume: %d != %d", restored.CurrentStockMl, before.CurrentStockMl)
	}
}

func TestVoidTwiceIsConflict(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := ownerCtx()

	sale, err := svc.RecordSale(ctx, domain.SaleCreateRequest{
		ItemID: "itm-old-monk", SizeID: "szv-old-monk-60", Quantity: 1,
	})
	if err != nil {
		t.Fatalf("record sale failed: %v", err)
	}
	if _, err := svc.VoidSale(ctx, sale.ID, domain.SaleVoidRequest{Reason: "spilled"}); err != nil {
		t.Fatalf("first void failed: %v", err)
	}
	_, err = svc.VoidSale(ctx, sale.ID, domain.SaleVoidRequest{Reason: "again"})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict on double void, got %v", err)
	}
}

func TestCartVoidIsAuditOnly(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := ownerCtx()

	before, _ := repo.GetItem(ctx, "itm-kingfisher")
	err := svc.VoidCartItem(ctx, domain.CartVoidRequest{
		ItemName: "Kingfisher Premium", Quantity: 2, AmountPaise: 36000, Reason: "customer changed mind",
	})
	if err != nil {
		t.Fatalf("cart void failed: %v", err)
	}
	after, _ := repo.GetItem(ctx, "itm-kingfisher")
	if after.CurrentStockMl != before.CurrentStockMl {
		t.Fatalf("cart void must not touch stock")
	}

	events, err := repo.ListAuditEvents(ctx, nil, "", 10)
	if err != nil {
		t.Fatalf("list audit failed: %v", err)
	}
	if len(events) == 0 || events[0].Action != "void.create" {
		t.Fatalf("expected a void.create audit event, got %+v", events)
	}
	if !strings.Contains(string(events[0].Metadata), domain.VoidModeCart) {
		t.Fatalf("expected cart mode metadata, got %s", events[0].Metadata)
	}
}

func TestTabTotalEqualsSumOfLines(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := ownerCtx()

	tab, err := svc.OpenTab(ctx, domain.TabOpenRequest{CustomerName: "Sharma", TableLabel: "T4"})
	if err != nil {
		t.Fatalf("open tab failed: %v", err)
	}
	if tab.Status != domain.TabStatusOpen || tab.TotalPaise != 0 {
		t.Fatalf("fresh tab should be open with zero total: %+v", tab)
	}

	tab, err = svc.AddTabItems(ctx, tab.ID, domain.TabAddItemsRequest{Items: []domain.TabItemRequest{
		{ItemID: "itm-old-monk", SizeID: "szv-old-monk-60", Quantity: 4, UnitPricePaise: 9000},
	}})
	if err != nil {
		t.Fatalf("first batch failed: %v", err)
	}
	tab, err = svc.AddTabItems(ctx, tab.ID, domain.TabAddItemsRequest{Items: []domain.TabItemRequest{
		{ItemID: "itm-old-monk", SizeID: "szv-old-monk-60", Quantity: 2, UnitPricePaise: 9000},
	}})
	if err != nil {
		t.Fatalf("second batch failed: %v", err)
	}

	var sum int64
	for _, line := range tab.Items {
		sum += line.LineTotalPaise
	}
	if tab.TotalPaise != sum || sum != 54000 {
		t.Fatalf("tab total %d != sum of lines %d (want 54000)", tab.TotalPaise, sum)
	}

	closed, order, err := svc.CloseTab(ctx, tab.ID, domain.TabCloseRequest{PaymentMethod: domain.PaymentCash})
	if err != nil {
		t.Fatalf("close tab failed: %v", err)
	}
	if closed.Status != domain.TabStatusClosed {
		t.Fatalf("expected closed tab, got %s", closed.Status)
	}
	if order.TotalPaise != 54000 || order.PaymentMethod != domain.PaymentCash {
		t.Fatalf("unexpected order: %+v", order)
	}
	if closed.OrderID != order.ID {
		t.Fatalf("tab should reference its order")
	}
}

func TestAddTabItemsRejectsWholeBatchOnOneBadLine(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := ownerCtx()

	tab, err := svc.OpenTab(ctx, domain.TabOpenRequest{TableLabel: "T1"})
	if err != nil {
		t.Fatalf("open tab failed: %v", err)
	}

	_, err = svc.AddTabItems(ctx, tab.ID, domain.TabAddItemsRequest{Items: []domain.TabItemRequest{
		{ItemID: "itm-old-monk", SizeID: "szv-old-monk-60", Quantity: 1, UnitPricePaise: 9000},
		{ItemID: "itm-old-monk", SizeID: "szv-old-monk-60", Quantity: -1, UnitPricePaise: 9000},
	}})
	if !errors.Is(err, store.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if !strings.Contains(err.Error(), "item 1") {
		t.Fatalf("error should name the failing index: %v", err)
	}

	unchanged, _ := svc.GetTab(ctx, tab.ID)
	if len(unchanged.Items) != 0 || unchanged.TotalPaise != 0 {
		t.Fatalf("a rejected batch must write nothing: %+v", unchanged)
	}
}

func TestCloseTabPartialFailurePreservesEarlierLines(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := ownerCtx()

	short, err := svc.CreateInventoryItem(ctx, domain.InventoryItemCreateRequest{
		Name: "Last Bottle Gin", Category: domain.CategoryVodka,
		BottleSizeMl: 750, SellPricePaise: 100000, StockQuantity: 0,
	})
	if err != nil {
		t.Fatalf("create short item failed: %v", err)
	}

	tab, err := svc.OpenTab(ctx, domain.TabOpenRequest{TableLabel: "T9"})
	if err != nil {
		t.Fatalf("open tab failed: %v", err)
	}
	tab, err = svc.AddTabItems(ctx, tab.ID, domain.TabAddItemsRequest{Items: []domain.TabItemRequest{
		{ItemID: "itm-old-monk", SizeID: "szv-old-monk-60", Quantity: 2, UnitPricePaise: 9000},
		{ItemID: short.ID, Quantity: 1, UnitPricePaise: 100000},
	}})
	if err != nil {
		t.Fatalf("add items failed: %v", err)
	}

	rumBefore, _ := repo.GetItem(ctx, "itm-old-monk")

	_, _, err = svc.CloseTab(ctx, tab.ID, domain.TabCloseRequest{PaymentMethod: domain.PaymentCard})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if !strings.Contains(err.Error(), "Last Bottle Gin") {
		t.Fatalf("error should name the short item: %v", err)
	}

	// The first line's deduction stays applied and the tab stays open for
	// staff to settle by hand.
	rumAfter, _ := repo.GetItem(ctx, "itm-old-monk")
	if rumAfter.CurrentStockMl != rumBefore.CurrentStockMl-120 {
		t.Fatalf("earlier line should stay deducted: %d -> %d", rumBefore.CurrentStockMl, rumAfter.CurrentStockMl)
	}
	stillOpen, _ := svc.GetTab(ctx, tab.ID)
	if stillOpen.Status != domain.TabStatusOpen {
		t.Fatalf("tab should remain open after a failed close, got %s", stillOpen.Status)
	}
}

func TestTabTerminalStatesRejectMutation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := ownerCtx()

	tab, _ := svc.OpenTab(ctx, domain.TabOpenRequest{TableLabel: "T2"})
	if _, _, err := svc.CloseTab(ctx, tab.ID, domain.TabCloseRequest{PaymentMethod: domain.PaymentUPI}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("closing an empty tab should be ErrInvalidState, got %v", err)
	}

	if _, err := svc.AddTabItems(ctx, tab.ID, domain.TabAddItemsRequest{Items: []domain.TabItemRequest{
		{ItemID: "itm-old-monk", SizeID: "szv-old-monk-60", Quantity: 1, UnitPricePaise: 9000},
	}}); err != nil {
		t.Fatalf("add items failed: %v", err)
	}
	if _, _, err := svc.CloseTab(ctx, tab.ID, domain.TabCloseRequest{PaymentMethod: domain.PaymentUPI}); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if _, err := svc.AddTabItems(ctx, tab.ID, domain.TabAddItemsRequest{Items: []domain.TabItemRequest{
		{ItemID: "itm-old-monk", SizeID: "szv-old-monk-60", Quantity: 1, UnitPricePaise: 9000},
	}}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("adding to a closed tab should be ErrInvalidState, got %v", err)
	}
	if _, _, err := svc.CloseTab(ctx, tab.ID, domain.TabCloseRequest{PaymentMethod: domain.PaymentCash}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("closing a closed tab should be ErrInvalidState, got %v", err)
	}
}

func TestRegisterCarryForwardAndStockMirror(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := ownerCtx()

	err := svc.SaveRegister(ctx, domain.RegisterSaveRequest{
		Date: "2026-08-14",
		Rows: []domain.RegisterSaveRow{
			{ItemID: "itm-kingfisher", Opening: 12, Received: 0, Closing: 8},
		},
	})
	if err != nil {
		t.Fatalf("save register failed: %v", err)
	}

	// Closing is mirrored into live stock.
	item, _ := repo.GetItem(ctx, "itm-kingfisher")
	if item.StockQuantity != 8 || item.CurrentStockMl != 8*650 {
		t.Fatalf("expected mirrored stock 8 bottles, got qty=%d ml=%d", item.StockQuantity, item.CurrentStockMl)
	}

	// The next day opens with yesterday's closing.
	view, err := svc.GetRegister(ctx, "2026-08-15")
	if err != nil {
		t.Fatalf("get register failed: %v", err)
	}
	var row *domain.StockRegisterRow
	for i := range view.Rows {
		if view.Rows[i].ItemID == "itm-kingfisher" {
			row = &view.Rows[i]
		}
	}
	if row == nil {
		t.Fatalf("kingfisher row missing from register view")
	}
	if row.Opening != 8 || row.Total != 8 || row.Closing != 8 || row.Sale != 0 {
		t.Fatalf("carry-forward wrong: %+v", row)
	}

	// Saved rows recompute sale and amount at read time.
	err = svc.SaveRegister(ctx, domain.RegisterSaveRequest{
		Date: "2026-08-15",
		Rows: []domain.RegisterSaveRow{
			{ItemID: "itm-kingfisher", Opening: 8, Received: 4, Closing: 9},
		},
	})
	if err != nil {
		t.Fatalf("save register failed: %v", err)
	}
	view, _ = svc.GetRegister(ctx, "2026-08-15")
	for _, r := range view.Rows {
		if r.ItemID != "itm-kingfisher" {
			continue
		}
		if r.Total != 12 || r.Sale != 3 || r.AmountPaise != 3*18000 {
			t.Fatalf("derived columns wrong: %+v", r)
		}
	}
}

func TestDayLockBlocksRegisterWrites(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := ownerCtx()

	save := func() error {
		return svc.SaveRegister(ctx, domain.RegisterSaveRequest{
			Date: "2026-08-15",
			Rows: []domain.RegisterSaveRow{{ItemID: "itm-tuborg", Opening: 12, Closing: 10}},
		})
	}
	if err := save(); err != nil {
		t.Fatalf("save before lock failed: %v", err)
	}

	lock, err := svc.LockDay(ctx, "2026-08-15")
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if !lock.Locked || lock.AlreadyLocked {
		t.Fatalf("unexpected lock response: %+v", lock)
	}

	if err := save(); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict on locked day, got %v", err)
	}

	again, err := svc.LockDay(ctx, "2026-08-15")
	if err != nil {
		t.Fatalf("relock failed: %v", err)
	}
	if !again.AlreadyLocked {
		t.Fatalf("locking a locked day should report already_locked")
	}

	unlock, err := svc.UnlockDay(ctx, "2026-08-15")
	if err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	if unlock.AlreadyOpen {
		t.Fatalf("first unlock should report a state change")
	}
	if err := save(); err != nil {
		t.Fatalf("save after unlock failed: %v", err)
	}
}

func TestCloseMonthCancelsOpenTabsAndRejectsRepeat(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := ownerCtx()

	tab, _ := svc.OpenTab(ctx, domain.TabOpenRequest{CustomerName: "Forgotten"})
	if _, err := svc.AddTabItems(ctx, tab.ID, domain.TabAddItemsRequest{Items: []domain.TabItemRequest{
		{ItemID: "itm-kingfisher", SizeID: "szv-kingfisher-650", Quantity: 2, UnitPricePaise: 18000},
	}}); err != nil {
		t.Fatalf("add items failed: %v", err)
	}

	resp, err := svc.CloseMonth(ctx, domain.MonthCloseRequest{})
	if err != nil {
		t.Fatalf("close month failed: %v", err)
	}
	if resp.AlreadyClosed {
		t.Fatalf("first closure should not report already closed")
	}
	if resp.Closure.MonthKey != "2026-08" {
		t.Fatalf("expected month key 2026-08, got %s", resp.Closure.MonthKey)
	}
	if resp.Closure.CancelledTabCount != 1 || resp.Closure.CancelledTabTotalPaise != 36000 {
		t.Fatalf("expected one cancelled tab worth 36000, got %+v", resp.Closure)
	}

	cancelled, _ := svc.GetTab(ctx, tab.ID)
	if cancelled.Status != domain.TabStatusCancelled {
		t.Fatalf("open tab should be cancelled by closure, got %s", cancelled.Status)
	}

	repeat, err := svc.CloseMonth(ctx, domain.MonthCloseRequest{})
	if err != nil {
		t.Fatalf("repeat closure errored: %v", err)
	}
	if !repeat.AlreadyClosed {
		t.Fatalf("second closure should report already closed")
	}
	if repeat.Closure.CreatedAt != resp.Closure.CreatedAt {
		t.Fatalf("repeat closure must return the original record")
	}
}

func TestAnalyticsWindowClampsAfterClosure(t *testing.T) {
	svc, _, clock := newTestService()
	ctx := ownerCtx()

	// Sell something in August, then close August from a September clock.
	if _, err := svc.RecordSale(ctx, domain.SaleCreateRequest{
		ItemID: "itm-old-monk", SizeID: "szv-old-monk-60", Quantity: 1,
	}); err != nil {
		t.Fatalf("record sale failed: %v", err)
	}

	clock.now = time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC)
	if _, err := svc.CloseMonth(ctx, domain.MonthCloseRequest{}); err != nil {
		t.Fatalf("close month failed: %v", err)
	}
	cutoff := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	clock.now = time.Date(2026, 9, 10, 12, 0, 0, 0, time.UTC)
	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	to := clock.now

	summary, err := svc.Summary(ctx, from, to, false)
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if !summary.Clamped {
		t.Fatalf("window crossing a closure must report clamped")
	}
	if summary.WindowStart.Before(cutoff) {
		t.Fatalf("window start %s is before cutoff %s", summary.WindowStart, cutoff)
	}
	if summary.TotalSales != 0 {
		t.Fatalf("archived sales must not leak into the clamped window, got %d", summary.TotalSales)
	}

	// The override reads history on purpose.
	archived, err := svc.Summary(ctx, from, to, true)
	if err != nil {
		t.Fatalf("archived summary failed: %v", err)
	}
	if archived.Clamped {
		t.Fatalf("show_archived window should not clamp")
	}
	if archived.TotalSales != 1 {
		t.Fatalf("expected the August sale in the archived window, got %d", archived.TotalSales)
	}
}

func TestConcurrentTabClosesConvertOnce(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := ownerCtx()

	before, _ := repo.GetItem(ctx, "itm-old-monk")

	const rounds = 25
	for round := 0; round < rounds; round++ {
		tab, err := svc.OpenTab(ctx, domain.TabOpenRequest{TableLabel: "T7"})
		if err != nil {
			t.Fatalf("round %d: open tab failed: %v", round, err)
		}
		if _, err := svc.AddTabItems(ctx, tab.ID, domain.TabAddItemsRequest{Items: []domain.TabItemRequest{
			{ItemID: "itm-old-monk", SizeID: "szv-old-monk-60", Quantity: 1, UnitPricePaise: 9000},
		}}); err != nil {
			t.Fatalf("round %d: add items failed: %v", round, err)
		}

		start := make(chan struct{})
		results := make(chan error, 2)
		for i := 0; i < 2; i++ {
			go func() {
				<-start
				_, _, err := svc.CloseTab(ctx, tab.ID, domain.TabCloseRequest{PaymentMethod: domain.PaymentCash})
				results <- err
			}()
		}
		close(start)

		var won, lost int
		for i := 0; i < 2; i++ {
			switch err := <-results; {
			case err == nil:
				won++
			case errors.Is(err, store.ErrInvalidState):
				lost++
			default:
				t.Fatalf("round %d: unexpected close error: %v", round, err)
			}
		}
		if won != 1 || lost != 1 {
			t.Fatalf("round %d: expected exactly one winning close, got %d won / %d lost", round, won, lost)
		}

		closed, _ := svc.GetTab(ctx, tab.ID)
		if closed.Status != domain.TabStatusClosed || closed.OrderID == "" {
			t.Fatalf("round %d: tab not settled by the winner: %+v", round, closed)
		}
	}

	after, _ := repo.GetItem(ctx, "itm-old-monk")
	want := before.CurrentStockMl - rounds*60
	if after.CurrentStockMl != want {
		t.Fatalf("expected %d ml after %d single-peg tabs, got %d", want, rounds, after.CurrentStockMl)
	}
	sales, _ := repo.ListSales(ctx, time.Time{}, time.Now().Add(time.Hour), 200)
	count := 0
	for _, sale := range sales {
		if sale.ItemID == "itm-old-monk" {
			count++
		}
	}
	if count != rounds {
		t.Fatalf("expected %d sale rows for %d tabs, got %d", rounds, rounds, count)
	}
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := ownerCtx()

	item, err := svc.CreateInventoryItem(ctx, domain.InventoryItemCreateRequest{
		Name: "Last Pour Brandy", Category: domain.CategoryWhisky,
		BottleSizeMl: 100, SellPricePaise: 50000, StockQuantity: 1,
	})
	if err != nil {
		t.Fatalf("create item failed: %v", err)
	}
	size, err := svc.CreateSize(ctx, item.ID, domain.SizeVariantCreateRequest{
		Label: "Peg", SizeMl: 60, SellPricePaise: 8000,
	})
	if err != nil {
		t.Fatalf("create size failed: %v", err)
	}

	// 100 ml on hand, both callers want 60 ml. At most one can win.
	start := make(chan struct{})
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			<-start
			_, err := svc.RecordSale(ctx, domain.SaleCreateRequest{
				ItemID: item.ID, SizeID: size.ID, Quantity: 1,
			})
			results <- err
		}()
	}
	close(start)

	var sold, short int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			sold++
		case errors.Is(err, store.ErrInsufficientStock):
			short++
		default:
			t.Fatalf("unexpected sale error: %v", err)
		}
	}
	if sold != 1 || short != 1 {
		t.Fatalf("expected one sale and one rejection, got %d sold / %d short", sold, short)
	}

	after, _ := repo.GetItem(ctx, item.ID)
	if after.CurrentStockMl != 40 {
		t.Fatalf("expected 40 ml left, got %d", after.CurrentStockMl)
	}
	sales, _ := repo.ListSales(ctx, time.Time{}, time.Now().Add(time.Hour), 100)
	count := 0
	for _, sale := range sales {
		if sale.ItemID == item.ID {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one sale row, got %d", count)
	}
}

func TestCloseMonthHonoursExplicitUTCOffset(t *testing.T) {
	repo := memory.NewSeeded()
	engine := analytics.NewEngine(repo, cache.NoopSummaryCache{}, 0)
	clock := &testClock{now: time.Date(2026, 8, 31, 20, 0, 0, 0, time.UTC)}
	svc := NewWithClock(repo, engine, 330, clock.Now)
	ctx := ownerCtx()

	// 20:00 UTC on Aug 31 is already Sep 1 in the IST default, so the two
	// offsets disagree on which month is being closed.
	utc := 0
	explicit, err := svc.CloseMonth(ctx, domain.MonthCloseRequest{TimezoneOffsetMinutes: &utc})
	if err != nil {
		t.Fatalf("close with explicit UTC offset failed: %v", err)
	}
	if explicit.Closure.MonthKey != "2026-08" {
		t.Fatalf("explicit UTC close should key 2026-08, got %s", explicit.Closure.MonthKey)
	}

	fallback, err := svc.CloseMonth(ctx, domain.MonthCloseRequest{})
	if err != nil {
		t.Fatalf("close with default offset failed: %v", err)
	}
	if fallback.AlreadyClosed {
		t.Fatalf("default-offset close should target a different month")
	}
	if fallback.Closure.MonthKey != "2026-09" {
		t.Fatalf("default IST close should key 2026-09, got %s", fallback.Closure.MonthKey)
	}
}

func TestVoidAuditRecordsReportedAmount(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := ownerCtx()

	sale, err := svc.RecordSale(ctx, domain.SaleCreateRequest{
		ItemID: "itm-old-monk", SizeID: "szv-old-monk-60", Quantity: 1,
	})
	if err != nil {
		t.Fatalf("record sale failed: %v", err)
	}
	if _, err := svc.VoidSale(ctx, sale.ID, domain.SaleVoidRequest{
		Reason: "billed wrong table", AmountPaise: 9500,
	}); err != nil {
		t.Fatalf("void failed: %v", err)
	}

	events, err := repo.ListAuditEvents(ctx, nil, "", 5)
	if err != nil {
		t.Fatalf("list audit failed: %v", err)
	}
	if len(events) == 0 || events[0].Action != "void.create" {
		t.Fatalf("expected a void.create event first, got %+v", events)
	}
	metadata := string(events[0].Metadata)
	if !strings.Contains(metadata, `"reported_amount_paise":9500`) {
		t.Fatalf("caller-reported amount missing from metadata: %s", metadata)
	}
	if !strings.Contains(metadata, `"amount_paise":9000`) {
		t.Fatalf("ledger amount missing from metadata: %s", metadata)
	}
}

func TestSaleAuditTrailAndPagination(t *testing.T) {
	svc, repo, clock := newTestService()
	ctx := ownerCtx()

	for i := 0; i < 5; i++ {
		clock.now = clock.now.Add(time.Second)
		if _, err := svc.RecordSale(ctx, domain.SaleCreateRequest{
			ItemID: "itm-old-monk", SizeID: "szv-old-monk-60", Quantity: 1,
		}); err != nil {
			t.Fatalf("sale %d failed: %v", i, err)
		}
	}

	page1, err := repo.ListAuditEvents(ctx, nil, "", 2)
	if err != nil {
		t.Fatalf("page 1 failed: %v", err)
	}
	if len(page1) != 2 {
		t.Fatalf("expected 2 events, got %d", len(page1))
	}
	if page1[0].CreatedAt.Before(page1[1].CreatedAt) {
		t.Fatalf("events must be newest first")
	}

	last := page1[len(page1)-1]
	page2, err := repo.ListAuditEvents(ctx, &last.CreatedAt, last.ID, 2)
	if err != nil {
		t.Fatalf("page 2 failed: %v", err)
	}
	seen := map[string]bool{}
	for _, event := range page1 {
		seen[event.ID] = true
	}
	for _, event := range page2 {
		if seen[event.ID] {
			t.Fatalf("event %s repeated across pages", event.ID)
		}
		if event.CreatedAt.After(last.CreatedAt) {
			t.Fatalf("page 2 contains an event newer than the cursor")
		}
	}
	if page1[0].Action != "sale.create" {
		t.Fatalf("expected sale.create events, got %s", page1[0].Action)
	}
}

func TestDeleteItemWithSalesFallsBackToDisable(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := ownerCtx()

	if _, err := svc.RecordSale(ctx, domain.SaleCreateRequest{
		ItemID: "itm-tuborg", Quantity: 1,
	}); err != nil {
		t.Fatalf("record sale failed: %v", err)
	}

	disabled, err := svc.DeleteInventoryItem(ctx, "itm-tuborg")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if !disabled {
		t.Fatalf("item with sales history must be disabled, not deleted")
	}
	item, err := repo.GetItem(ctx, "itm-tuborg")
	if err != nil {
		t.Fatalf("item should still exist: %v", err)
	}
	if item.Active {
		t.Fatalf("item should be inactive after soft delete")
	}

	// An unreferenced item is removed outright.
	fresh, _ := svc.CreateInventoryItem(ctx, domain.InventoryItemCreateRequest{
		Name: "Test Soda", Category: domain.CategoryFood, SellPricePaise: 2000, StockQuantity: 5,
	})
	disabled, err = svc.DeleteInventoryItem(ctx, fresh.ID)
	if err != nil || disabled {
		t.Fatalf("unreferenced item should hard-delete: disabled=%v err=%v", disabled, err)
	}
	if _, err := repo.GetItem(ctx, fresh.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected hard delete, got %v", err)
	}
}
