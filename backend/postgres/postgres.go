// Package postgres implements the capture collaborators on PostgreSQL:
// the expense ledger, per-user categories, monthly budgets, spending
// summaries and the category correction log.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/huytu0702/moniagent-sub000/backend"
	"github.com/huytu0702/moniagent-sub000/capture"
	"github.com/huytu0702/moniagent-sub000/category"
	"github.com/huytu0702/moniagent-sub000/normalize"
)

// globalUser owns categories offered to every user.
const globalUser = ""

var schema = []string{
	`CREATE TABLE IF NOT EXISTS categories (
		user_id TEXT NOT NULL DEFAULT '',
		id      TEXT NOT NULL,
		name    TEXT NOT NULL,
		PRIMARY KEY (user_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS expenses (
		id            UUID PRIMARY KEY,
		session_id    TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		merchant_name TEXT NOT NULL,
		amount        NUMERIC(14, 2) NOT NULL CHECK (amount > 0),
		spent_on      DATE NOT NULL,
		category_id   TEXT NOT NULL DEFAULT '',
		note          TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_expenses_user_spent_on ON expenses (user_id, spent_on)`,
	`CREATE TABLE IF NOT EXISTS budgets (
		user_id       TEXT NOT NULL,
		category_id   TEXT NOT NULL,
		monthly_limit NUMERIC(14, 2) NOT NULL,
		PRIMARY KEY (user_id, category_id)
	)`,
	`CREATE TABLE IF NOT EXISTS category_corrections (
		id               UUID PRIMARY KEY,
		user_id          TEXT NOT NULL,
		record_id        TEXT NOT NULL,
		from_category_id TEXT NOT NULL,
		to_category_id   TEXT NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL
	)`,
}

// NewPool connects to dsn and verifies the connection.
func NewPool(ctx context.Context, dsn string, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connection established",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database),
	)
	return pool, nil
}

// Backend implements capture.Ledger, category.Source, capture.BudgetService,
// capture.LearningService and capture.SpendingReporter.
type Backend struct {
	db        *pgxpool.Pool
	sb        squirrel.StatementBuilderType
	logger    *zap.Logger
	now       func() time.Time
	warnRatio float64
}

// Option configures a Backend.
type Option func(*Backend)

// WithClock sets the time source for created_at and the budget month.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// WithWarnRatio sets the share of a budget at which warnings start.
func WithWarnRatio(r float64) Option {
	return func(b *Backend) { b.warnRatio = r }
}

// New creates a Backend on db.
func New(db *pgxpool.Pool, logger *zap.Logger, opts ...Option) *Backend {
	b := &Backend{
		db:        db,
		sb:        squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		logger:    logger,
		now:       time.Now,
		warnRatio: backend.DefaultWarnRatio,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Migrate creates the tables and seeds the global categories.
func (b *Backend) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := b.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	for _, c := range backend.DefaultCategories {
		if err := b.PutCategory(ctx, globalUser, c); err != nil {
			return err
		}
	}
	return nil
}

// PutCategory creates or renames a category. An empty userID makes it global.
func (b *Backend) PutCategory(ctx context.Context, userID string, c category.Category) error {
	query := b.sb.Insert("categories").
		Columns("user_id", "id", "name").
		Values(userID, c.ID, c.Name).
		Suffix("ON CONFLICT (user_id, id) DO UPDATE SET name = EXCLUDED.name")

	sql, args, err := query.ToSql()
	if err != nil {
		return err
	}
	if _, err := b.db.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to save category %s: %w", c.ID, err)
	}
	return nil
}

// SetLimit sets the monthly budget of a category.
func (b *Backend) SetLimit(ctx context.Context, userID, categoryID string, limit float64) error {
	query := b.sb.Insert("budgets").
		Columns("user_id", "category_id", "monthly_limit").
		Values(userID, categoryID, limit).
		Suffix("ON CONFLICT (user_id, category_id) DO UPDATE SET monthly_limit = EXCLUDED.monthly_limit")

	sql, args, err := query.ToSql()
	if err != nil {
		return err
	}
	if _, err := b.db.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to save budget: %w", err)
	}
	return nil
}

// Categories implements category.Source. A user's own categories shadow
// global ones with the same id.
func (b *Backend) Categories(ctx context.Context, userID string) ([]category.Category, error) {
	query := b.sb.Select("DISTINCT ON (id) id", "name").
		From("categories").
		Where(squirrel.Or{squirrel.Eq{"user_id": userID}, squirrel.Eq{"user_id": globalUser}}).
		OrderBy("id", "user_id DESC")

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := b.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer rows.Close()

	var out []category.Category
	for rows.Next() {
		var c category.Category
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Commit implements capture.Ledger.
func (b *Backend) Commit(ctx context.Context, rec capture.Record) (string, error) {
	spentOn, err := time.Parse(normalize.StorageLayout, rec.Date)
	if err != nil {
		return "", fmt.Errorf("invalid record date %q: %w", rec.Date, err)
	}

	id := uuid.NewString()
	query := b.sb.Insert("expenses").
		Columns("id", "session_id", "user_id", "merchant_name", "amount", "spent_on", "category_id", "note", "created_at").
		Values(id, rec.SessionID, rec.UserID, rec.MerchantName, rec.Amount, spentOn, rec.CategoryID, rec.Note, b.now())

	sql, args, err := query.ToSql()
	if err != nil {
		return "", err
	}
	if _, err := b.db.Exec(ctx, sql, args...); err != nil {
		return "", fmt.Errorf("failed to insert expense: %w", err)
	}

	b.logger.Debug("expense committed", zap.String("id", id), zap.String("user_id", rec.UserID))
	return id, nil
}

// CheckStatus implements capture.BudgetService for the current month.
func (b *Backend) CheckStatus(ctx context.Context, userID, categoryID string, _ float64) (*capture.BudgetWarning, error) {
	sql, args, err := b.sb.Select("monthly_limit").
		From("budgets").
		Where(squirrel.Eq{"user_id": userID, "category_id": categoryID}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var limit float64
	if err := b.db.QueryRow(ctx, sql, args...).Scan(&limit); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load budget: %w", err)
	}

	start, end := backend.MonthBounds(b.now())
	sql, args, err = b.sb.Select("COALESCE(SUM(amount), 0)").
		From("expenses").
		Where(squirrel.Eq{"user_id": userID, "category_id": categoryID}).
		Where(squirrel.GtOrEq{"spent_on": start}).
		Where(squirrel.Lt{"spent_on": end}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var spent float64
	if err := b.db.QueryRow(ctx, sql, args...).Scan(&spent); err != nil {
		return nil, fmt.Errorf("failed to sum spending: %w", err)
	}

	return backend.Evaluate(categoryID, b.categoryName(ctx, userID, categoryID), spent, limit, b.warnRatio), nil
}

// RecordCorrection implements capture.LearningService.
func (b *Backend) RecordCorrection(ctx context.Context, userID, recordID, from, to string) error {
	sql, args, err := b.sb.Insert("category_corrections").
		Columns("id", "user_id", "record_id", "from_category_id", "to_category_id", "created_at").
		Values(uuid.NewString(), userID, recordID, from, to, b.now()).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := b.db.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to record correction: %w", err)
	}
	return nil
}

// Spending implements capture.SpendingReporter. period is YYYY-MM.
func (b *Backend) Spending(ctx context.Context, userID, period string) ([]capture.CategorySpend, error) {
	month, err := time.Parse("2006-01", period)
	if err != nil {
		return nil, fmt.Errorf("invalid period %q: %w", period, err)
	}
	start, end := backend.MonthBounds(month)

	sql, args, err := b.sb.Select(
		"e.category_id",
		"SUM(e.amount)",
		"COALESCE(MAX(bg.monthly_limit), 0)",
	).
		From("expenses e").
		LeftJoin("budgets bg ON bg.user_id = e.user_id AND bg.category_id = e.category_id").
		Where(squirrel.Eq{"e.user_id": userID}).
		Where(squirrel.GtOrEq{"e.spent_on": start}).
		Where(squirrel.Lt{"e.spent_on": end}).
		GroupBy("e.category_id").
		OrderBy("e.category_id").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := b.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize spending: %w", err)
	}
	defer rows.Close()

	var out []capture.CategorySpend
	for rows.Next() {
		var s capture.CategorySpend
		if err := rows.Scan(&s.CategoryID, &s.Total, &s.Limit); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	names := b.categoryNames(ctx, userID)
	for i := range out {
		out[i].CategoryName = names[out[i].CategoryID]
	}
	return out, nil
}

func (b *Backend) categoryName(ctx context.Context, userID, categoryID string) string {
	return b.categoryNames(ctx, userID)[categoryID]
}

// categoryNames maps category ids visible to userID to their names.
// Lookup failures are logged and yield an empty map.
func (b *Backend) categoryNames(ctx context.Context, userID string) map[string]string {
	names := make(map[string]string)
	cats, err := b.Categories(ctx, userID)
	if err != nil {
		b.logger.Warn("failed to load category names", zap.Error(err))
		return names
	}
	for _, c := range cats {
		names[c.ID] = c.Name
	}
	return names
}
