package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"barmate/backend/internal/domain"
	"barmate/backend/internal/store"
	"barmate/backend/internal/xid"
)

type Store struct {
	db *sql.DB

	// Legacy deployments predate the orders.created_by column. The
	// capability is probed once at startup instead of per request.
	hasOrderCreatedBy bool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	s.hasOrderCreatedBy, err = s.probeColumn(ctx, "orders", "created_by")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) probeColumn(ctx context.Context, table string, column string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_name = $1 AND column_name = $2
		)
	`, table, column).Scan(&exists)
	return exists, err
}

func (s *Store) ListItems(ctx context.Context, includeInactive bool) ([]domain.InventoryItem, error) {
	query := `
		SELECT id, name, brand, category, bottle_size_ml, cost_price_paise,
			sell_price_paise, stock_quantity, current_stock_ml, active, created_at, updated_at
		FROM inventory_items
	`
	if !includeInactive {
		query += ` WHERE active = true`
	}
	query += ` ORDER BY category, name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.InventoryItem, 0, 64)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.InventoryItem, error) {
	var item domain.InventoryItem
	err := row.Scan(
		&item.ID,
		&item.Name,
		&item.Brand,
		&item.Category,
		&item.BottleSizeMl,
		&item.CostPricePaise,
		&item.SellPricePaise,
		&item.StockQuantity,
		&item.CurrentStockMl,
		&item.Active,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return item, err
	}
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return item, nil
}

func (s *Store) GetItem(ctx context.Context, itemID string) (*domain.InventoryItem, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, `
		SELECT id, name, brand, category, bottle_size_ml, cost_price_paise,
			sell_price_paise, stock_quantity, current_stock_ml, active, created_at, updated_at
		FROM inventory_items
		WHERE id = $1
	`, itemID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) CreateItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	if item.Name == "" || item.BottleSizeMl < 1 || item.CostPricePaise < 0 || item.SellPricePaise < 0 || item.StockQuantity < 0 {
		return nil, store.ErrInvalid
	}
	if item.ID == "" {
		item.ID = xid.New("itm")
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	item.Active = true
	item.CurrentStockMl = item.StockQuantity * item.BottleSizeMl

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_items (
			id, name, brand, category, bottle_size_ml, cost_price_paise,
			sell_price_paise, stock_quantity, current_stock_ml, active, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, item.ID, item.Name, item.Brand, item.Category, item.BottleSizeMl, item.CostPricePaise,
		item.SellPricePaise, item.StockQuantity, item.CurrentStockMl, item.Active, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	created := item
	return &created, nil
}

func (s *Store) UpdateItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	if item.Name == "" || item.BottleSizeMl < 1 || item.CostPricePaise < 0 || item.SellPricePaise < 0 || item.CurrentStockMl < 0 {
		return nil, store.ErrInvalid
	}

	updated, err := scanItem(s.db.QueryRowContext(ctx, `
		UPDATE inventory_items
		SET name = $2, brand = $3, category = $4, bottle_size_ml = $5,
			cost_price_paise = $6, sell_price_paise = $7,
			current_stock_ml = $8, stock_quantity = $8 / $5, active = $9, updated_at = now()
		WHERE id = $1
		RETURNING id, name, brand, category, bottle_size_ml, cost_price_paise,
			sell_price_paise, stock_quantity, current_stock_ml, active, created_at, updated_at
	`, item.ID, item.Name, item.Brand, item.Category, item.BottleSizeMl,
		item.CostPricePaise, item.SellPricePaise, item.CurrentStockMl, item.Active))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &updated, nil
}

// AdjustStockMl is a single conditional update: the stock-sufficiency check
// and the decrement happen in one statement, so two concurrent deductions can
// never both pass the check on the same millilitres.
func (s *Store) AdjustStockMl(ctx context.Context, itemID string, deltaMl int64) (*domain.InventoryItem, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, `
		UPDATE inventory_items
		SET current_stock_ml = current_stock_ml + $2,
			stock_quantity = (current_stock_ml + $2) / bottle_size_ml,
			updated_at = now()
		WHERE id = $1 AND ($2 >= 0 OR current_stock_ml + $2 >= 0)
		RETURNING id, name, brand, category, bottle_size_ml, cost_price_paise,
			sell_price_paise, stock_quantity, current_stock_ml, active, created_at, updated_at
	`, itemID, deltaMl))
	if err == nil {
		return &item, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	// No row matched: either the item is missing or the deduction would
	// overdraw. Disambiguate with a plain read.
	if _, getErr := s.GetItem(ctx, itemID); getErr != nil {
		return nil, getErr
	}
	return nil, store.ErrInsufficientStock
}

func (s *Store) DisableItem(ctx context.Context, itemID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inventory_items
		SET active = false, updated_at = now()
		WHERE id = $1
	`, itemID)
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

func (s *Store) DeleteItem(ctx context.Context, itemID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var refs int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sales WHERE item_id = $1
	`, itemID).Scan(&refs); err != nil {
		return err
	}
	if refs > 0 {
		return store.ErrDependent
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM size_variants WHERE item_id = $1`, itemID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM inventory_items WHERE id = $1`, itemID)
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

func (s *Store) ListSizes(ctx context.Context, itemID string) ([]domain.SizeVariant, error) {
	if _, err := s.GetItem(ctx, itemID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, label, size_ml, sell_price_paise, source, active, created_at
		FROM size_variants
		WHERE item_id = $1
		ORDER BY size_ml ASC
	`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sizes := make([]domain.SizeVariant, 0, 4)
	for rows.Next() {
		var size domain.SizeVariant
		if err := rows.Scan(&size.ID, &size.ItemID, &size.Label, &size.SizeMl, &size.SellPricePaise, &size.Source, &size.Active, &size.CreatedAt); err != nil {
			return nil, err
		}
		size.CreatedAt = size.CreatedAt.UTC()
		sizes = append(sizes, size)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sizes, nil
}

func (s *Store) GetSize(ctx context.Context, sizeID string) (*domain.SizeVariant, error) {
	var size domain.SizeVariant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, item_id, label, size_ml, sell_price_paise, source, active, created_at
		FROM size_variants
		WHERE id = $1
	`, sizeID).Scan(&size.ID, &size.ItemID, &size.Label, &size.SizeMl, &size.SellPricePaise, &size.Source, &size.Active, &size.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	size.CreatedAt = size.CreatedAt.UTC()
	return &size, nil
}

// UpsertSize is keyed on (item_id, size_ml) so two staff selling an
// unsized item at the same moment converge on one default variant.
func (s *Store) UpsertSize(ctx context.Context, variant domain.SizeVariant) (*domain.SizeVariant, error) {
	if variant.ItemID == "" || variant.SizeMl < 1 || variant.SellPricePaise < 0 {
		return nil, store.ErrInvalid
	}
	if _, err := s.GetItem(ctx, variant.ItemID); err != nil {
		return nil, err
	}
	if variant.ID == "" {
		variant.ID = xid.New("szv")
	}
	if variant.CreatedAt.IsZero() {
		variant.CreatedAt = time.Now().UTC()
	}
	variant.Active = true

	var saved domain.SizeVariant
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO size_variants (id, item_id, label, size_ml, sell_price_paise, source, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (item_id, size_ml)
		DO UPDATE SET item_id = size_variants.item_id
		RETURNING id, item_id, label, size_ml, sell_price_paise, source, active, created_at
	`, variant.ID, variant.ItemID, variant.Label, variant.SizeMl, variant.SellPricePaise, variant.Source, variant.Active, variant.CreatedAt).Scan(
		&saved.ID,
		&saved.ItemID,
		&saved.Label,
		&saved.SizeMl,
		&saved.SellPricePaise,
		&saved.Source,
		&saved.Active,
		&saved.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	saved.CreatedAt = saved.CreatedAt.UTC()
	return &saved, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) sql.NullString {
	if val == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: val, Valid: true}
}
