package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/stockcart/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const (
	pqUniqueViolation  = "23505"
	pqLockNotAvailable = "55P03"
	pqDeadlockDetected = "40P01"
)

const DefaultLockTimeout = 5 * time.Second

type Repository struct {
	db          *sqlx.DB
	lockTimeout time.Duration
}

var (
	_ Catalog           = (*Repository)(nil)
	_ CartStore         = (*Repository)(nil)
	_ SubscriptionStore = (*Repository)(nil)
	_ TxManager         = (*Repository)(nil)
	_ OutboxRepository  = (*Repository)(nil)
)

func NewRepository(cred *Credentials, lockTimeout time.Duration) (*Repository, error) {
	psqlconn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cred.Host,
		cred.Port,
		cred.User,
		cred.Password,
		cred.DBName)

	db, err := sqlx.Open("postgres", psqlconn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if e2 := db.Ping(); e2 != nil {
		return nil, fmt.Errorf("failed to ping database: %w", e2)
	}

	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(10)

	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Repository{db: db, lockTimeout: lockTimeout}, nil
}

func (r *Repository) RunMigrations(cred *Credentials) error {
	driver, err := postgres.WithInstance(r.db.DB, &postgres.Config{
		MigrationsTable: "stockcart_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", cred.MigrationsDirPath),
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if e2 := m.Up(); e2 != nil && !errors.Is(e2, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", e2)
	}

	return nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

const itemColumns = `id, name, stock, price, brand, image, sub_category_id, created_at, updated_at`

func (r *Repository) FindItem(ctx context.Context, id int64) (*domain.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE id = $1 AND deleted_at IS NULL`

	var item domain.Item
	err := r.db.GetContext(ctx, &item, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query item by id: %w", err)
	}
	return &item, nil
}

func (r *Repository) FindItems(ctx context.Context, ids []int64) (map[int64]*domain.Item, error) {
	items := make(map[int64]*domain.Item, len(ids))
	if len(ids) == 0 {
		return items, nil
	}

	query := `SELECT ` + itemColumns + ` FROM items WHERE id = ANY($1) AND deleted_at IS NULL`

	var rows []domain.Item
	if err := r.db.SelectContext(ctx, &rows, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("query items by ids: %w", err)
	}
	for i := range rows {
		items[rows[i].ID] = &rows[i]
	}
	return items, nil
}

// classifyError turns lock wait failures into ErrLockTimeout and leaves everything else as is.
func classifyError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqLockNotAvailable, pqDeadlockDetected:
			return fmt.Errorf("%w: %s", ErrLockTimeout, pqErr.Message)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}
