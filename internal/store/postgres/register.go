package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"barmate/backend/internal/domain"
	"barmate/backend/internal/store"
	"barmate/backend/internal/xid"
)

func (s *Store) GetRegisterRows(ctx context.Context, date string) (map[string]domain.RegisterSaveRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, opening, received, closing
		FROM stock_register_rows
		WHERE day = $1
	`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	saved := make(map[string]domain.RegisterSaveRow)
	for rows.Next() {
		var row domain.RegisterSaveRow
		if err := rows.Scan(&row.ItemID, &row.Opening, &row.Received, &row.Closing); err != nil {
			return nil, err
		}
		saved[row.ItemID] = row
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return saved, nil
}

// GetPriorClosings returns, per item, the closing count from the most recent
// register day before the given date. Used for opening carry-forward.
func (s *Store) GetPriorClosings(ctx context.Context, date string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (item_id) item_id, closing
		FROM stock_register_rows
		WHERE day < $1
		ORDER BY item_id, day DESC
	`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	closings := make(map[string]int64)
	for rows.Next() {
		var itemID string
		var closing int64
		if err := rows.Scan(&itemID, &closing); err != nil {
			return nil, err
		}
		closings[itemID] = closing
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return closings, nil
}

// SaveRegisterRow upserts one reconciliation line and mirrors the closing
// count into live stock. A locked day rejects the whole write.
func (s *Store) SaveRegisterRow(ctx context.Context, date string, row domain.RegisterSaveRow) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var locked bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM day_locks WHERE day = $1)
	`, date).Scan(&locked); err != nil {
		return err
	}
	if locked {
		return store.ErrConflict
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stock_register_rows (item_id, day, opening, received, closing, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
		ON CONFLICT (item_id, day)
		DO UPDATE SET opening = EXCLUDED.opening, received = EXCLUDED.received,
			closing = EXCLUDED.closing, updated_at = now()
	`, row.ItemID, date, row.Opening, row.Received, row.Closing); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE inventory_items
		SET current_stock_ml = $2 * bottle_size_ml, stock_quantity = $2, updated_at = now()
		WHERE id = $1
	`, row.ItemID, row.Closing)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return tx.Commit()
}

func (s *Store) GetDayLock(ctx context.Context, date string) (*domain.DayLock, error) {
	var lock domain.DayLock
	err := s.db.QueryRowContext(ctx, `
		SELECT day, locked_by, locked_at FROM day_locks WHERE day = $1
	`, date).Scan(&lock.Date, &lock.LockedBy, &lock.LockedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	lock.LockedAt = lock.LockedAt.UTC()
	return &lock, nil
}

// LockDay reports false when the day was already locked. Locking twice is
// not an error, just a no-op.
func (s *Store) LockDay(ctx context.Context, lock domain.DayLock) (bool, error) {
	if lock.LockedAt.IsZero() {
		lock.LockedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO day_locks (day, locked_by, locked_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (day) DO NOTHING
	`, lock.Date, lock.LockedBy, lock.LockedAt)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *Store) UnlockDay(ctx context.Context, date string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM day_locks WHERE day = $1`, date)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

const closureColumns = `month_key, period_start, period_end, total_sales_paise,
	total_orders, top_item_name, top_item_qty, cancelled_tab_count,
	cancelled_tab_total_paise, closed_by, created_at`

func scanClosure(row rowScanner) (domain.MonthClosure, error) {
	var closure domain.MonthClosure
	var topItem sql.NullString
	err := row.Scan(
		&closure.MonthKey,
		&closure.PeriodStart,
		&closure.PeriodEnd,
		&closure.TotalSalesPaise,
		&closure.TotalOrders,
		&topItem,
		&closure.TopItemQuantity,
		&closure.CancelledTabCount,
		&closure.CancelledTabTotalPaise,
		&closure.ClosedBy,
		&closure.CreatedAt,
	)
	if err != nil {
		return closure, err
	}
	closure.TopItemName = topItem.String
	closure.PeriodStart = closure.PeriodStart.UTC()
	closure.PeriodEnd = closure.PeriodEnd.UTC()
	closure.CreatedAt = closure.CreatedAt.UTC()
	return closure, nil
}

func (s *Store) GetMonthClosure(ctx context.Context, monthKey string) (*domain.MonthClosure, error) {
	closure, err := scanClosure(s.db.QueryRowContext(ctx, `
		SELECT `+closureColumns+` FROM month_closures WHERE month_key = $1
	`, monthKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &closure, nil
}

func (s *Store) LatestClosureCutoff(ctx context.Context) (*time.Time, error) {
	var cutoff sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(period_end) FROM month_closures
	`).Scan(&cutoff)
	if err != nil {
		return nil, err
	}
	if !cutoff.Valid {
		return nil, nil
	}
	at := cutoff.Time.UTC()
	return &at, nil
}

// CloseMonth cancels every open tab, folds the period's orders into the
// closure snapshot, and inserts it, all in one serializable transaction.
// A second closure of the same month hits the primary key and reports
// ErrConflict rather than overwriting history.
func (s *Store) CloseMonth(ctx context.Context, closure domain.MonthClosure) (*domain.MonthClosure, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if closure.CreatedAt.IsZero() {
		closure.CreatedAt = time.Now().UTC()
	}

	err = tx.QueryRowContext(ctx, `
		WITH cancelled AS (
			UPDATE tabs SET status = $1, closed_at = $2
			WHERE status = $3
			RETURNING total_paise
		)
		SELECT COUNT(*), COALESCE(SUM(total_paise), 0) FROM cancelled
	`, domain.TabStatusCancelled, closure.CreatedAt, domain.TabStatusOpen).Scan(
		&closure.CancelledTabCount, &closure.CancelledTabTotalPaise)
	if err != nil {
		return nil, err
	}

	agg, err := aggregateOrders(ctx, tx, closure.PeriodStart, closure.PeriodEnd)
	if err != nil {
		return nil, err
	}
	closure.TotalSalesPaise = agg.TotalSalesPaise
	closure.TotalOrders = agg.TotalOrders
	closure.TopItemName = agg.TopItemName
	closure.TopItemQuantity = agg.TopItemQuantity

	_, err = tx.ExecContext(ctx, `
		INSERT INTO month_closures (`+closureColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, closure.MonthKey, closure.PeriodStart, closure.PeriodEnd, closure.TotalSalesPaise,
		closure.TotalOrders, nullIfEmpty(closure.TopItemName), closure.TopItemQuantity,
		closure.CancelledTabCount, closure.CancelledTabTotalPaise, closure.ClosedBy, closure.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &closure, nil
}

func (s *Store) AggregateOrders(ctx context.Context, from time.Time, to time.Time) (store.MonthAggregate, error) {
	return aggregateOrders(ctx, s.db, from, to)
}

func aggregateOrders(ctx context.Context, q queryer, from time.Time, to time.Time) (store.MonthAggregate, error) {
	var agg store.MonthAggregate
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_paise), 0), COUNT(*)
		FROM orders
		WHERE created_at >= $1 AND created_at < $2
	`, from, to).Scan(&agg.TotalSalesPaise, &agg.TotalOrders)
	if err != nil {
		return agg, err
	}

	var topItem sql.NullString
	var topQty sql.NullInt64
	err = q.QueryRowContext(ctx, `
		SELECT item_name, SUM(quantity) AS qty
		FROM sales
		WHERE created_at >= $1 AND created_at < $2 AND is_voided = false
		GROUP BY item_name
		ORDER BY qty DESC, item_name ASC
		LIMIT 1
	`, from, to).Scan(&topItem, &topQty)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return agg, err
	}
	agg.TopItemName = topItem.String
	agg.TopItemQuantity = topQty.Int64
	return agg, nil
}

func (s *Store) SalesSummary(ctx context.Context, from time.Time, to time.Time) (domain.SalesSummary, error) {
	summary := domain.SalesSummary{
		TopItems:  []domain.SalesSummaryItem{},
		ByPayment: map[string]int64{},
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount_paise) FILTER (WHERE is_voided = false), 0),
			COUNT(*) FILTER (WHERE is_voided = false),
			COUNT(*) FILTER (WHERE is_voided = true)
		FROM sales
		WHERE created_at >= $1 AND created_at < $2
	`, from, to).Scan(&summary.TotalPaise, &summary.TotalSales, &summary.VoidedSales)
	if err != nil {
		return summary, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders WHERE created_at >= $1 AND created_at < $2
	`, from, to).Scan(&summary.TotalOrders)
	if err != nil {
		return summary, err
	}

	topRows, err := s.db.QueryContext(ctx, `
		SELECT item_name, SUM(quantity) AS qty, SUM(amount_paise)
		FROM sales
		WHERE created_at >= $1 AND created_at < $2 AND is_voided = false
		GROUP BY item_name
		ORDER BY qty DESC, item_name ASC
		LIMIT 5
	`, from, to)
	if err != nil {
		return summary, err
	}
	defer topRows.Close()
	for topRows.Next() {
		var item domain.SalesSummaryItem
		if err := topRows.Scan(&item.ItemName, &item.Quantity, &item.AmountPaise); err != nil {
			return summary, err
		}
		summary.TopItems = append(summary.TopItems, item)
	}
	if err := topRows.Err(); err != nil {
		return summary, err
	}

	payRows, err := s.db.QueryContext(ctx, `
		SELECT payment_method, COALESCE(SUM(total_paise), 0)
		FROM orders
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY payment_method
	`, from, to)
	if err != nil {
		return summary, err
	}
	defer payRows.Close()
	for payRows.Next() {
		var method string
		var total int64
		if err := payRows.Scan(&method, &total); err != nil {
			return summary, err
		}
		summary.ByPayment[method] = total
	}
	if err := payRows.Err(); err != nil {
		return summary, err
	}

	return summary, nil
}

func (s *Store) AppendAuditEvent(ctx context.Context, event domain.AuditEvent) error {
	if event.ID == "" {
		event.ID = xid.New("evt")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, actor_id, actor_email, actor_role, action,
			resource, resource_id, outcome, before_state, after_state, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, event.ID, event.ActorID, event.ActorEmail, event.ActorRole, event.Action,
		event.Resource, nullIfEmpty(event.ResourceID), event.Outcome,
		nullJSON(event.Before), nullJSON(event.After), nullJSON(event.Metadata), event.CreatedAt)
	return err
}

// ListAuditEvents pages newest-first with a (created_at, id) keyset so rows
// sharing a timestamp are never skipped or repeated across pages.
func (s *Store) ListAuditEvents(ctx context.Context, beforeAt *time.Time, beforeID string, limit int) ([]domain.AuditEvent, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}

	query := `
		SELECT id, actor_id, actor_email, actor_role, action, resource,
			resource_id, outcome, before_state, after_state, metadata, created_at
		FROM audit_events
	`
	args := []any{}
	if beforeAt != nil {
		query += ` WHERE (created_at, id) < ($1, $2)`
		args = append(args, beforeAt.UTC(), beforeID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ` + strconv.Itoa(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.AuditEvent, 0, limit)
	for rows.Next() {
		var event domain.AuditEvent
		var resourceID sql.NullString
		var before, after, metadata []byte
		if err := rows.Scan(&event.ID, &event.ActorID, &event.ActorEmail, &event.ActorRole,
			&event.Action, &event.Resource, &resourceID, &event.Outcome,
			&before, &after, &metadata, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.ResourceID = resourceID.String
		event.Before = before
		event.After = after
		event.Metadata = metadata
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_accounts (username, email, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, user.Username, user.Email, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, email, password, role, active, created_at
		FROM user_accounts
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Email, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_accounts SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
