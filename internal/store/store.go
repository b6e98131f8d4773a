// Package store persists users, TWAP parent orders and their executions.
//
// The backend is selected from the database URL: a postgres:// URL opens
// lib/pq, anything else is treated as a SQLite file path. All monetary values
// are stored as exact decimal strings, never floats.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"twap-trading-api/pkg/types"
)

var (
	// ErrNotFound is returned when a row does not exist or is owned by a
	// different user. Ownership mismatches are deliberately indistinguishable
	// from absence so order ids leak nothing across accounts.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateOrder is returned when an order id is already registered.
	ErrDuplicateOrder = errors.New("order id already exists")

	// ErrUsernameTaken is returned when registering an existing username.
	ErrUsernameTaken = errors.New("username already exists")
)

// Store is the SQL repository.
type Store struct {
	db *sqlx.DB
}

// Open connects to the database named by url, creates the schema if missing
// and returns the repository.
func Open(url string) (*Store, error) {
	driver := "sqlite3"
	dsn := url
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		driver = "postgres"
	} else {
		// SQLite: enforce foreign keys so execution rows cascade on delete.
		dsn = url + "?_foreign_keys=on"
	}
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.ensureSchema(driver); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema(driver string) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if driver == "postgres" {
		serial = "SERIAL PRIMARY KEY"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS users (
			id %s,
			username TEXT NOT NULL UNIQUE,
			password TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user'
		)`, serial),
		`CREATE TABLE IF NOT EXISTS twap_orders (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id),
			symbol TEXT NOT NULL,
			exchange TEXT NOT NULL,
			side TEXT NOT NULL,
			limit_price TEXT NOT NULL,
			quantity TEXT NOT NULL,
			duration INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			percent_exec TEXT NOT NULL DEFAULT '0',
			avg_exec_price TEXT NOT NULL DEFAULT '0',
			lots_count INTEGER NOT NULL DEFAULT 0,
			total_exec TEXT NOT NULL DEFAULT '0'
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS twap_executions (
			id %s,
			order_id TEXT NOT NULL REFERENCES twap_orders(id) ON DELETE CASCADE,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity TEXT NOT NULL,
			price TEXT NOT NULL,
			exchange TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`, serial),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Users
// ————————————————————————————————————————————————————————————————————————

type userRow struct {
	ID       int64  `db:"id"`
	Username string `db:"username"`
	Password string `db:"password"`
	Role     string `db:"role"`
}

// CreateUser registers a new account. password must already be hashed.
func (s *Store) CreateUser(ctx context.Context, username, password string, role types.Role) (types.User, error) {
	if _, err := s.UserByUsername(ctx, username); err == nil {
		return types.User{}, ErrUsernameTaken
	} else if !errors.Is(err, ErrNotFound) {
		return types.User{}, err
	}
	query := s.db.Rebind(`INSERT INTO users (username, password, role) VALUES (?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, username, password, string(role)); err != nil {
		return types.User{}, fmt.Errorf("insert user: %w", err)
	}
	return s.UserByUsername(ctx, username)
}

// UserByUsername looks up one account.
func (s *Store) UserByUsername(ctx context.Context, username string) (types.User, error) {
	var row userRow
	query := s.db.Rebind(`SELECT id, username, password, role FROM users WHERE username = ?`)
	err := s.db.GetContext(ctx, &row, query, username)
	if errors.Is(err, sql.ErrNoRows) {
		return types.User{}, ErrNotFound
	}
	if err != nil {
		return types.User{}, fmt.Errorf("select user: %w", err)
	}
	return types.User{ID: row.ID, Username: row.Username, Password: row.Password, Role: types.Role(row.Role)}, nil
}

// DeleteUser removes one account. Orders it owned are kept.
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	query := s.db.Rebind(`DELETE FROM users WHERE username = ?`)
	res, err := s.db.ExecContext(ctx, query, username)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// AllUsers lists every account, ordered by id.
func (s *Store) AllUsers(ctx context.Context) ([]types.User, error) {
	var rows []userRow
	query := `SELECT id, username, password, role FROM users ORDER BY id ASC`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	users := make([]types.User, 0, len(rows))
	for _, r := range rows {
		users = append(users, types.User{ID: r.ID, Username: r.Username, Password: r.Password, Role: types.Role(r.Role)})
	}
	return users, nil
}

// SeedAdmin inserts the configured admin account if it does not exist yet.
func (s *Store) SeedAdmin(ctx context.Context, username, password string) error {
	_, err := s.CreateUser(ctx, username, password, types.RoleAdmin)
	if errors.Is(err, ErrUsernameTaken) {
		return nil
	}
	return err
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

type orderRow struct {
	ID           string `db:"id"`
	UserID       int64  `db:"user_id"`
	Symbol       string `db:"symbol"`
	Exchange     string `db:"exchange"`
	Side         string `db:"side"`
	LimitPrice   string `db:"limit_price"`
	Quantity     string `db:"quantity"`
	Duration     int    `db:"duration"`
	Status       string `db:"status"`
	CreatedAt    string `db:"created_at"`
	PercentExec  string `db:"percent_exec"`
	AvgExecPrice string `db:"avg_exec_price"`
	LotsCount    int    `db:"lots_count"`
	TotalExec    string `db:"total_exec"`
}

func (r orderRow) toOrder() (types.ParentOrder, error) {
	o := types.ParentOrder{
		OrderID:         r.ID,
		UserID:          r.UserID,
		Symbol:          r.Symbol,
		Venues:          strings.Split(r.Exchange, ","),
		Side:            types.Side(r.Side),
		DurationSeconds: r.Duration,
		Status:          types.OrderStatus(r.Status),
		LotsCount:       r.LotsCount,
	}
	var err error
	if o.CreatedAt, err = time.Parse(time.RFC3339Nano, r.CreatedAt); err != nil {
		return o, fmt.Errorf("parse created_at: %w", err)
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&o.LimitPrice, r.LimitPrice}, {&o.Quantity, r.Quantity},
		{&o.PercentExec, r.PercentExec}, {&o.AvgExecPrice, r.AvgExecPrice},
		{&o.TotalExec, r.TotalExec},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return o, fmt.Errorf("parse decimal column: %w", err)
		}
	}
	return o, nil
}

// AddOrder inserts a fresh parent order. The id must be unused.
func (s *Store) AddOrder(ctx context.Context, o types.ParentOrder) error {
	var exists int
	query := s.db.Rebind(`SELECT COUNT(1) FROM twap_orders WHERE id = ?`)
	if err := s.db.GetContext(ctx, &exists, query, o.OrderID); err != nil {
		return fmt.Errorf("check order id: %w", err)
	}
	if exists > 0 {
		return ErrDuplicateOrder
	}
	query = s.db.Rebind(`INSERT INTO twap_orders
		(id, user_id, symbol, exchange, side, limit_price, quantity, duration,
		 status, created_at, percent_exec, avg_exec_price, lots_count, total_exec)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		o.OrderID, o.UserID, o.Symbol, strings.Join(o.Venues, ","), string(o.Side),
		o.LimitPrice.String(), o.Quantity.String(), o.DurationSeconds,
		string(o.Status), o.CreatedAt.UTC().Format(time.RFC3339Nano),
		o.PercentExec.String(), o.AvgExecPrice.String(), o.LotsCount, o.TotalExec.String())
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// UpdateOrderState persists the status and running aggregates after a slice.
func (s *Store) UpdateOrderState(ctx context.Context, o types.ParentOrder) error {
	query := s.db.Rebind(`UPDATE twap_orders SET
		status = ?, percent_exec = ?, avg_exec_price = ?, lots_count = ?, total_exec = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query,
		string(o.Status), o.PercentExec.String(), o.AvgExecPrice.String(),
		o.LotsCount, o.TotalExec.String(), o.OrderID)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// OrdersByUser returns every order owned by userID, newest first.
func (s *Store) OrdersByUser(ctx context.Context, userID int64) ([]types.ParentOrder, error) {
	var rows []orderRow
	query := s.db.Rebind(`SELECT * FROM twap_orders WHERE user_id = ? ORDER BY created_at DESC`)
	if err := s.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	orders := make([]types.ParentOrder, 0, len(rows))
	for _, r := range rows {
		o, err := r.toOrder()
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// OrderByID returns one order if it exists and belongs to userID.
func (s *Store) OrderByID(ctx context.Context, userID int64, orderID string) (types.ParentOrder, error) {
	var row orderRow
	query := s.db.Rebind(`SELECT * FROM twap_orders WHERE id = ?`)
	err := s.db.GetContext(ctx, &row, query, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ParentOrder{}, ErrNotFound
	}
	if err != nil {
		return types.ParentOrder{}, fmt.Errorf("select order: %w", err)
	}
	if row.UserID != userID {
		return types.ParentOrder{}, ErrNotFound
	}
	return row.toOrder()
}

// ————————————————————————————————————————————————————————————————————————
// Executions
// ————————————————————————————————————————————————————————————————————————

type executionRow struct {
	ID        int64  `db:"id"`
	OrderID   string `db:"order_id"`
	Symbol    string `db:"symbol"`
	Side      string `db:"side"`
	Quantity  string `db:"quantity"`
	Price     string `db:"price"`
	Exchange  string `db:"exchange"`
	Timestamp string `db:"timestamp"`
}

func (r executionRow) toExecution() (types.Execution, error) {
	e := types.Execution{
		ID:      r.ID,
		OrderID: r.OrderID,
		Symbol:  r.Symbol,
		Side:    types.Side(r.Side),
		Venue:   r.Exchange,
	}
	var err error
	if e.Timestamp, err = time.Parse(time.RFC3339Nano, r.Timestamp); err != nil {
		return e, fmt.Errorf("parse timestamp: %w", err)
	}
	if e.Quantity, err = decimal.NewFromString(r.Quantity); err != nil {
		return e, fmt.Errorf("parse quantity: %w", err)
	}
	if e.Price, err = decimal.NewFromString(r.Price); err != nil {
		return e, fmt.Errorf("parse price: %w", err)
	}
	return e, nil
}

// AppendExecution records one fill.
func (s *Store) AppendExecution(ctx context.Context, e types.Execution) error {
	query := s.db.Rebind(`INSERT INTO twap_executions
		(order_id, symbol, side, quantity, price, exchange, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		e.OrderID, e.Symbol, string(e.Side), e.Quantity.String(), e.Price.String(),
		e.Venue, e.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// ExecutionsByOrder returns the fills of one owned order, oldest first.
// Empty symbol or side filters match everything.
func (s *Store) ExecutionsByOrder(ctx context.Context, userID int64, orderID, symbol string, side types.Side) ([]types.Execution, error) {
	if _, err := s.OrderByID(ctx, userID, orderID); err != nil {
		return nil, err
	}
	q := `SELECT * FROM twap_executions WHERE order_id = ?`
	args := []any{orderID}
	if symbol != "" {
		q += ` AND symbol = ?`
		args = append(args, symbol)
	}
	if side != "" {
		q += ` AND side = ?`
		args = append(args, string(side))
	}
	q += ` ORDER BY id ASC`
	var rows []executionRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("select executions: %w", err)
	}
	execs := make([]types.Execution, 0, len(rows))
	for _, r := range rows {
		e, err := r.toExecution()
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, nil
}
