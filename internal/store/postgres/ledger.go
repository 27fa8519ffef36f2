package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"barmate/backend/internal/domain"
	"barmate/backend/internal/store"
	"barmate/backend/internal/xid"
)

// RecordSale deducts stock and writes the sale row in one transaction. The
// deduction itself is the conditional update in AdjustStockMl, executed here
// against the tx so a failed insert rolls the stock back.
func (s *Store) RecordSale(ctx context.Context, deduction store.SaleDeduction, itemName string) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE inventory_items
		SET current_stock_ml = current_stock_ml - $2,
			stock_quantity = (current_stock_ml - $2) / bottle_size_ml,
			updated_at = now()
		WHERE id = $1 AND current_stock_ml - $2 >= 0
	`, deduction.ItemID, deduction.RequiredMl)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM inventory_items WHERE id = $1)
		`, deduction.ItemID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, store.ErrNotFound
		}
		return nil, store.ErrInsufficientStock
	}

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
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (id, item_id, item_name, size_id, size_ml, quantity,
			amount_paise, staff_name, order_id, is_voided, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,false,$10)
	`, sale.ID, sale.ItemID, sale.ItemName, sale.SizeID, sale.SizeMl, sale.Quantity,
		sale.AmountPaise, sale.StaffName, nullIfEmpty(sale.OrderID), sale.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func scanSale(row rowScanner) (domain.Sale, error) {
	var sale domain.Sale
	var orderID, voidReason sql.NullString
	var voidedAt sql.NullTime
	err := row.Scan(
		&sale.ID,
		&sale.ItemID,
		&sale.ItemName,
		&sale.SizeID,
		&sale.SizeMl,
		&sale.Quantity,
		&sale.AmountPaise,
		&sale.StaffName,
		&orderID,
		&sale.IsVoided,
		&voidReason,
		&voidedAt,
		&sale.CreatedAt,
	)
	if err != nil {
		return sale, err
	}
	sale.OrderID = orderID.String
	sale.VoidReason = voidReason.String
	if voidedAt.Valid {
		at := voidedAt.Time.UTC()
		sale.VoidedAt = &at
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	return sale, nil
}

const saleColumns = `id, item_id, item_name, size_id, size_ml, quantity,
	amount_paise, staff_name, order_id, is_voided, void_reason, voided_at, created_at`

func (s *Store) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx, `
		SELECT `+saleColumns+` FROM sales WHERE id = $1
	`, saleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	if limit < 1 || limit > 500 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

// VoidSale restores exactly the millilitres the sale deducted. A sale whose
// item has since been deleted still voids, but with RestockSkipped set.
func (s *Store) VoidSale(ctx context.Context, saleID string, reason string, at time.Time) (*store.VoidResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sale, err := scanSale(tx.QueryRowContext(ctx, `
		SELECT `+saleColumns+` FROM sales WHERE id = $1 FOR UPDATE
	`, saleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if sale.IsVoided {
		return nil, store.ErrConflict
	}

	at = at.UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE sales SET is_voided = true, void_reason = $2, voided_at = $3 WHERE id = $1
	`, saleID, nullIfEmpty(reason), at); err != nil {
		return nil, err
	}

	restoreMl := sale.Quantity * sale.SizeMl
	res, err := tx.ExecContext(ctx, `
		UPDATE inventory_items
		SET current_stock_ml = current_stock_ml + $2,
			stock_quantity = (current_stock_ml + $2) / bottle_size_ml,
			updated_at = now()
		WHERE id = $1
	`, sale.ItemID, restoreMl)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	sale.IsVoided = true
	sale.VoidReason = reason
	sale.VoidedAt = &at
	return &store.VoidResult{Sale: sale, RestockSkipped: affected == 0}, nil
}

func (s *Store) CreateTab(ctx context.Context, tab domain.Tab) (*domain.Tab, error) {
	if tab.ID == "" {
		tab.ID = xid.New("tab")
	}
	if tab.OpenedAt.IsZero() {
		tab.OpenedAt = time.Now().UTC()
	}
	if tab.Code == "" {
		tab.Code = xid.Code("TAB", tab.OpenedAt)
	}
	tab.Status = domain.TabStatusOpen

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tabs (id, code, status, customer_name, table_label, total_paise, opened_by, opened_at)
		VALUES ($1,$2,$3,$4,$5,0,$6,$7)
	`, tab.ID, tab.Code, tab.Status, tab.CustomerName, tab.TableLabel, tab.OpenedBy, tab.OpenedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	tab.Items = []domain.TabItem{}
	return &tab, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanTab(row rowScanner) (domain.Tab, error) {
	var tab domain.Tab
	var orderID sql.NullString
	var closedAt sql.NullTime
	err := row.Scan(
		&tab.ID,
		&tab.Code,
		&tab.Status,
		&tab.CustomerName,
		&tab.TableLabel,
		&tab.TotalPaise,
		&tab.OpenedBy,
		&orderID,
		&tab.OpenedAt,
		&closedAt,
	)
	if err != nil {
		return tab, err
	}
	tab.OrderID = orderID.String
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		tab.ClosedAt = &at
	}
	tab.OpenedAt = tab.OpenedAt.UTC()
	return tab, nil
}

const tabColumns = `id, code, status, customer_name, table_label, total_paise,
	opened_by, order_id, opened_at, closed_at`

func loadTabItems(ctx context.Context, q queryer, tabID string) ([]domain.TabItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, tab_id, item_id, size_id, quantity, unit_price_paise, line_total_paise, created_at
		FROM tab_items
		WHERE tab_id = $1
		ORDER BY created_at ASC, id ASC
	`, tabID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.TabItem, 0, 8)
	for rows.Next() {
		var item domain.TabItem
		var sizeID sql.NullString
		if err := rows.Scan(&item.ID, &item.TabID, &item.ItemID, &sizeID, &item.Quantity, &item.UnitPricePaise, &item.LineTotalPaise, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.SizeID = sizeID.String
		item.CreatedAt = item.CreatedAt.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetTab(ctx context.Context, tabID string) (*domain.Tab, error) {
	tab, err := scanTab(s.db.QueryRowContext(ctx, `
		SELECT `+tabColumns+` FROM tabs WHERE id = $1
	`, tabID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	tab.Items, err = loadTabItems(ctx, s.db, tabID)
	if err != nil {
		return nil, err
	}
	return &tab, nil
}

func (s *Store) ListTabs(ctx context.Context, status string, limit int) ([]domain.Tab, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + tabColumns + ` FROM tabs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY opened_at DESC LIMIT ` + strconv.Itoa(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tabs := make([]domain.Tab, 0, limit)
	for rows.Next() {
		tab, err := scanTab(rows)
		if err != nil {
			return nil, err
		}
		tabs = append(tabs, tab)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tabs, nil
}

// AppendTabItems adds a validated batch to an open tab. The tab row is locked
// so the total bump and the inserts land together or not at all.
func (s *Store) AppendTabItems(ctx context.Context, tabID string, items []domain.TabItem, batchTotal int64) (*domain.Tab, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tabs WHERE id = $1 FOR UPDATE`, tabID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.TabStatusOpen {
		return nil, store.ErrInvalidState
	}

	now := time.Now().UTC()
	for _, item := range items {
		id := item.ID
		if id == "" {
			id = xid.New("tbi")
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tab_items (id, tab_id, item_id, size_id, quantity, unit_price_paise, line_total_paise, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, id, tabID, item.ItemID, nullIfEmpty(item.SizeID), item.Quantity, item.UnitPricePaise, item.LineTotalPaise, now)
		if err != nil {
			return nil, err
		}
	}

	tab, err := scanTab(tx.QueryRowContext(ctx, `
		UPDATE tabs SET total_paise = total_paise + $2 WHERE id = $1
		RETURNING `+tabColumns+`
	`, tabID, batchTotal))
	if err != nil {
		return nil, err
	}
	tab.Items, err = loadTabItems(ctx, tx, tabID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &tab, nil
}

// ClaimTabForClose flips an open tab to "closing" in one conditional update.
// Concurrent closers race on the WHERE clause, so at most one of them gets
// to convert the tab's lines into sales.
func (s *Store) ClaimTabForClose(ctx context.Context, tabID string) (*domain.Tab, error) {
	tab, err := scanTab(s.db.QueryRowContext(ctx, `
		UPDATE tabs SET status = $2 WHERE id = $1 AND status = $3
		RETURNING `+tabColumns+`
	`, tabID, domain.TabStatusClosing, domain.TabStatusOpen))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			var status string
			probeErr := s.db.QueryRowContext(ctx, `SELECT status FROM tabs WHERE id = $1`, tabID).Scan(&status)
			if errors.Is(probeErr, sql.ErrNoRows) {
				return nil, store.ErrNotFound
			}
			if probeErr != nil {
				return nil, probeErr
			}
			return nil, store.ErrInvalidState
		}
		return nil, err
	}
	tab.Items, err = loadTabItems(ctx, s.db, tabID)
	if err != nil {
		return nil, err
	}
	return &tab, nil
}

func (s *Store) ReopenTab(ctx context.Context, tabID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tabs SET status = $2 WHERE id = $1 AND status = $3
	`, tabID, domain.TabStatusOpen, domain.TabStatusClosing)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrInvalidState
	}
	return nil
}

func (s *Store) CloseTab(ctx context.Context, tabID string, orderID string, total int64, closedAt time.Time) (*domain.Tab, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tabs WHERE id = $1 FOR UPDATE`, tabID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.TabStatusOpen && status != domain.TabStatusClosing {
		return nil, store.ErrInvalidState
	}

	tab, err := scanTab(tx.QueryRowContext(ctx, `
		UPDATE tabs SET status = $2, order_id = $3, total_paise = $4, closed_at = $5
		WHERE id = $1
		RETURNING `+tabColumns+`
	`, tabID, domain.TabStatusClosed, nullIfEmpty(orderID), total, closedAt.UTC()))
	if err != nil {
		return nil, err
	}
	tab.Items, err = loadTabItems(ctx, tx, tabID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &tab, nil
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	if order.Code == "" {
		order.Code = xid.Code("ORD", order.CreatedAt)
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusCompleted
	}
	if order.Items == nil {
		order.Items = []domain.OrderLine{}
	}

	itemsJSON, err := json.Marshal(order.Items)
	if err != nil {
		return nil, err
	}

	if s.hasOrderCreatedBy {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO orders (id, code, items, total_paise, payment_method, status, created_by, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, order.ID, order.Code, itemsJSON, order.TotalPaise, order.PaymentMethod, order.Status,
			nullIfEmpty(order.CreatedBy), order.CreatedAt)
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO orders (id, code, items, total_paise, payment_method, status, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, order.ID, order.Code, itemsJSON, order.TotalPaise, order.PaymentMethod, order.Status, order.CreatedAt)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	created := order
	return &created, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	query := `SELECT id, code, items, total_paise, payment_method, status, `
	if s.hasOrderCreatedBy {
		query += `created_by, `
	} else {
		query += `NULL::text, `
	}
	query += `created_at FROM orders WHERE id = $1`

	var order domain.Order
	var itemsJSON []byte
	var createdBy sql.NullString
	err := s.db.QueryRowContext(ctx, query, orderID).Scan(
		&order.ID,
		&order.Code,
		&itemsJSON,
		&order.TotalPaise,
		&order.PaymentMethod,
		&order.Status,
		&createdBy,
		&order.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	order.CreatedBy = createdBy.String
	order.CreatedAt = order.CreatedAt.UTC()
	if err := json.Unmarshal(itemsJSON, &order.Items); err != nil {
		return nil, err
	}
	return &order, nil
}
