// Package postgres stores circulation state in PostgreSQL. Every transaction
// takes a per-book advisory lock before touching rows, then row locks in
// book, borrow, reservation order.
package postgres

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"libranexus/internal/circulation"
	"libranexus/internal/eventstore"
)

const (
	copyColumns        = `id, book_id, barcode, status, removed_at, created_at, updated_at`
	borrowColumns      = `id, borrower_id, copy_id, book_id, reservation_id, status, created_at, borrowed_at, pickup_deadline, due_date, returned_at, deposit_fee, deposit_paid, fine, updated_at`
	reservationColumns = `id, borrower_id, book_id, status, reserved_at, expires_at, fulfilled_at, borrow_id, deposit_fee, updated_at`
)

var dialect = goqu.Dialect("postgres")

// Open connects with the lib/pq ("postgres") or pgx ("pgx") driver.
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	switch driver {
	case "", "postgres":
		driver = "postgres"
	case "pgx":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	return db, nil
}

type Store struct {
	db     *sqlx.DB
	events *eventstore.EventStore
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db, events: eventstore.NewEventStore()}
}

// Migrate creates the circulation tables and the event log.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply circulation schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, eventstore.Schema); err != nil {
		return fmt.Errorf("apply event schema: %w", err)
	}
	return nil
}

// InTx runs fn at READ COMMITTED; the advisory lock taken by LockBook
// serializes writers of one book, and every statement after it reads
// committed state.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx circulation.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(ctx, &txn{tx: tx, events: s.events}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

func (s *Store) GetCopy(ctx context.Context, id uuid.UUID) (circulation.Copy, error) {
	return getCopy(ctx, s.db, id, false)
}

func (s *Store) ListCopies(ctx context.Context, bookID uuid.UUID) ([]circulation.Copy, error) {
	copies := []circulation.Copy{}
	err := s.db.SelectContext(ctx, &copies, `SELECT `+copyColumns+` FROM copies WHERE book_id = $1 ORDER BY id`, bookID)
	return copies, err
}

func (s *Store) GetBorrow(ctx context.Context, id uuid.UUID) (circulation.Borrow, error) {
	return getBorrow(ctx, s.db, id, false)
}

func (s *Store) ListBorrows(ctx context.Context, f circulation.BorrowFilter) ([]circulation.Borrow, int, error) {
	var where []exp.Expression
	if f.BorrowerID != nil {
		where = append(where, goqu.C("borrower_id").Eq(f.BorrowerID.String()))
	}
	if f.BookID != nil {
		where = append(where, goqu.C("book_id").Eq(f.BookID.String()))
	}
	switch f.Status {
	case "":
	case circulation.BorrowOverdue:
		where = append(where, goqu.C("status").Eq(string(circulation.BorrowActive)), goqu.C("due_date").Lt(f.Now))
	case circulation.BorrowActive:
		where = append(where, goqu.C("status").Eq(string(circulation.BorrowActive)), goqu.C("due_date").Gte(f.Now))
	default:
		where = append(where, goqu.C("status").Eq(string(f.Status)))
	}

	base := dialect.From("borrows").Where(where...)
	borrows := []circulation.Borrow{}
	total, err := s.page(ctx, base, goqu.L(borrowColumns), &borrows,
		[]exp.OrderedExpression{goqu.C("created_at").Desc(), goqu.C("id").Desc()}, f.Offset(), f.PageSize)
	return borrows, total, err
}

func (s *Store) GetReservation(ctx context.Context, id uuid.UUID) (circulation.Reservation, error) {
	return getReservation(ctx, s.db, id, false)
}

func (s *Store) ListReservations(ctx context.Context, f circulation.ReservationFilter) ([]circulation.Reservation, int, error) {
	var where []exp.Expression
	if f.BorrowerID != nil {
		where = append(where, goqu.C("borrower_id").Eq(f.BorrowerID.String()))
	}
	if f.BookID != nil {
		where = append(where, goqu.C("book_id").Eq(f.BookID.String()))
	}
	if f.Status != "" {
		where = append(where, goqu.C("status").Eq(string(f.Status)))
	}
	order := []exp.OrderedExpression{goqu.C("reserved_at").Desc(), goqu.C("id").Desc()}
	if f.FIFO {
		order = []exp.OrderedExpression{goqu.C("reserved_at").Asc(), goqu.C("id").Asc()}
	}

	base := dialect.From("reservations").Where(where...)
	reservations := []circulation.Reservation{}
	total, err := s.page(ctx, base, goqu.L(reservationColumns), &reservations, order, f.Offset(), f.PageSize)
	return reservations, total, err
}

// page counts the rows of base and selects one page of them into dst.
func (s *Store) page(ctx context.Context, base *goqu.SelectDataset, cols exp.LiteralExpression, dst any, order []exp.OrderedExpression, offset, limit int) (int, error) {
	countSQL, countArgs, err := base.Prepared(true).Select(goqu.COUNT(goqu.Star())).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build count query: %w", err)
	}
	var total int
	if err := s.db.GetContext(ctx, &total, countSQL, countArgs...); err != nil {
		return 0, err
	}

	ds := base.Prepared(true).Select(cols).Order(order...)
	if offset > 0 {
		ds = ds.Offset(uint(offset))
	}
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	query, args, err := ds.ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build select query: %w", err)
	}
	if err := s.db.SelectContext(ctx, dst, query, args...); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) BorrowStats(ctx context.Context, now time.Time) (circulation.Stats, error) {
	var st circulation.Stats
	day := now.UTC().Truncate(24 * time.Hour)
	err := s.db.QueryRowxContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'ACTIVE' AND due_date >= $1),
			COUNT(*) FILTER (WHERE status = 'ACTIVE' AND due_date < $1),
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status = 'RETURNED' AND returned_at >= $2)
		FROM borrows
	`, now, day).Scan(&st.ActiveBorrows, &st.OverdueBooks, &st.PendingPickups, &st.ReturnedToday)
	return st, err
}

func (s *Store) BorrowsPerDay(ctx context.Context, since time.Time) ([]circulation.DailyBorrows, error) {
	day := goqu.L(`to_char(borrowed_at AT TIME ZONE 'UTC', 'YYYY-MM-DD')`)
	query, args, err := dialect.From("borrows").Prepared(true).
		Select(day.As("date"), goqu.COUNT(goqu.Star()).As("count")).
		Where(goqu.C("borrowed_at").Gte(since)).
		GroupBy(day).
		Order(day.Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build trends query: %w", err)
	}
	counts := []circulation.DailyBorrows{}
	err = s.db.SelectContext(ctx, &counts, query, args...)
	return counts, err
}

func (s *Store) MostBorrowed(ctx context.Context, limit int) ([]circulation.BookPopularity, error) {
	query, args, err := dialect.From("borrows").Prepared(true).
		Select(goqu.C("book_id"), goqu.COUNT(goqu.Star()).As("borrow_count")).
		Where(goqu.C("borrowed_at").IsNotNull()).
		GroupBy(goqu.C("book_id")).
		Order(goqu.I("borrow_count").Desc(), goqu.C("book_id").Asc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build popularity query: %w", err)
	}
	books := []circulation.BookPopularity{}
	err = s.db.SelectContext(ctx, &books, query, args...)
	return books, err
}

func (s *Store) QueuePosition(ctx context.Context, r circulation.Reservation) (int, error) {
	var pos int
	err := s.db.GetContext(ctx, &pos, `
		SELECT COUNT(*) + 1 FROM reservations
		WHERE book_id = $1 AND status = 'PENDING' AND (reserved_at, id) < ($2, $3)
	`, r.BookID, r.ReservedAt, r.ID)
	return pos, err
}

func (s *Store) PickupsPastDeadline(ctx context.Context, now time.Time, limit int) ([]circulation.Borrow, error) {
	borrows := []circulation.Borrow{}
	err := s.db.SelectContext(ctx, &borrows, `
		SELECT `+borrowColumns+` FROM borrows
		WHERE status = 'PENDING' AND pickup_deadline < $1
		ORDER BY pickup_deadline LIMIT $2
	`, now, limit)
	return borrows, err
}

func (s *Store) ReservationsPastExpiry(ctx context.Context, now time.Time, limit int) ([]circulation.Reservation, error) {
	reservations := []circulation.Reservation{}
	err := s.db.SelectContext(ctx, &reservations, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE status = 'PENDING' AND expires_at < $1
		ORDER BY expires_at LIMIT $2
	`, now, limit)
	return reservations, err
}

func (s *Store) History(ctx context.Context, aggregateID uuid.UUID) ([]circulation.Event, error) {
	rows, err := s.events.LoadEvents(ctx, s.db, aggregateID)
	if err != nil {
		return nil, err
	}
	out := make([]circulation.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, circulation.Event{
			Type:          circulation.EventType(r.EventType),
			AggregateID:   r.AggregateID,
			AggregateType: r.AggregateType,
			BookID:        r.BookID,
			BorrowerID:    r.BorrowerID.UUID,
			Data:          r.EventData,
			OccurredAt:    r.CreatedAt,
		})
	}
	return out, nil
}

type txn struct {
	tx     *sqlx.Tx
	events *eventstore.EventStore
}

// LockBook takes a transaction-scoped advisory lock keyed by the book id,
// which also covers books that have no copy rows yet.
func (t *txn) LockBook(ctx context.Context, bookID uuid.UUID) (int, error) {
	key := int64(binary.BigEndian.Uint64(bookID[:8]))
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
		return 0, fmt.Errorf("lock book: %w", err)
	}
	var ids []uuid.UUID
	if err := t.tx.SelectContext(ctx, &ids, `
		SELECT id FROM copies WHERE book_id = $1 AND removed_at IS NULL ORDER BY id FOR UPDATE
	`, bookID); err != nil {
		return 0, fmt.Errorf("lock copies: %w", err)
	}
	return len(ids), nil
}

func (t *txn) FirstAvailableCopy(ctx context.Context, bookID uuid.UUID) (circulation.Copy, error) {
	var c circulation.Copy
	err := t.tx.GetContext(ctx, &c, `
		SELECT `+copyColumns+` FROM copies
		WHERE book_id = $1 AND status = 'AVAILABLE' AND removed_at IS NULL
		ORDER BY id LIMIT 1
	`, bookID)
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.Copy{}, circulation.ErrNoCopyAvailable
	}
	return c, err
}

func (t *txn) GetCopy(ctx context.Context, id uuid.UUID) (circulation.Copy, error) {
	return getCopy(ctx, t.tx, id, true)
}

func (t *txn) InsertCopy(ctx context.Context, c circulation.Copy) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO copies (`+copyColumns+`)
		VALUES (:id, :book_id, :barcode, :status, :removed_at, :created_at, :updated_at)
	`, c)
	if constraintViolated(err, "copies_barcode_key") {
		return circulation.ErrDuplicateBarcode
	}
	return err
}

func (t *txn) UpdateCopy(ctx context.Context, c circulation.Copy) error {
	res, err := t.tx.NamedExecContext(ctx, `
		UPDATE copies SET status = :status, removed_at = :removed_at, updated_at = :updated_at
		WHERE id = :id
	`, c)
	return affected(res, err)
}

func (t *txn) GetBorrow(ctx context.Context, id uuid.UUID) (circulation.Borrow, error) {
	return getBorrow(ctx, t.tx, id, true)
}

func (t *txn) InsertBorrow(ctx context.Context, b circulation.Borrow) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO borrows (`+borrowColumns+`)
		VALUES (:id, :borrower_id, :copy_id, :book_id, :reservation_id, :status, :created_at, :borrowed_at,
			:pickup_deadline, :due_date, :returned_at, :deposit_fee, :deposit_paid, :fine, :updated_at)
	`, b)
	return err
}

func (t *txn) UpdateBorrow(ctx context.Context, b circulation.Borrow) error {
	res, err := t.tx.NamedExecContext(ctx, `
		UPDATE borrows SET status = :status, borrowed_at = :borrowed_at, returned_at = :returned_at,
			deposit_paid = :deposit_paid, fine = :fine, updated_at = :updated_at
		WHERE id = :id
	`, b)
	return affected(res, err)
}

func (t *txn) HasOpenBorrow(ctx context.Context, borrowerID, bookID uuid.UUID) (bool, error) {
	var open bool
	err := t.tx.GetContext(ctx, &open, `
		SELECT EXISTS (
			SELECT 1 FROM borrows
			WHERE borrower_id = $1 AND book_id = $2 AND status IN ('PENDING', 'ACTIVE')
		)
	`, borrowerID, bookID)
	return open, err
}

func (t *txn) GetReservation(ctx context.Context, id uuid.UUID) (circulation.Reservation, error) {
	return getReservation(ctx, t.tx, id, true)
}

func (t *txn) InsertReservation(ctx context.Context, r circulation.Reservation) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES (:id, :borrower_id, :book_id, :status, :reserved_at, :expires_at, :fulfilled_at, :borrow_id,
			:deposit_fee, :updated_at)
	`, r)
	if constraintViolated(err, "reservations_pending_uidx") {
		return circulation.ErrDuplicateReservation
	}
	return err
}

func (t *txn) UpdateReservation(ctx context.Context, r circulation.Reservation) error {
	res, err := t.tx.NamedExecContext(ctx, `
		UPDATE reservations SET status = :status, fulfilled_at = :fulfilled_at, borrow_id = :borrow_id,
			updated_at = :updated_at
		WHERE id = :id
	`, r)
	return affected(res, err)
}

func (t *txn) PendingReservation(ctx context.Context, borrowerID, bookID uuid.UUID) (circulation.Reservation, error) {
	var r circulation.Reservation
	err := t.tx.GetContext(ctx, &r, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE borrower_id = $1 AND book_id = $2 AND status = 'PENDING'
		FOR UPDATE
	`, borrowerID, bookID)
	return r, notFound(err)
}

func (t *txn) QueueHead(ctx context.Context, bookID uuid.UUID) (circulation.Reservation, error) {
	var r circulation.Reservation
	err := t.tx.GetContext(ctx, &r, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE book_id = $1 AND status = 'PENDING'
		ORDER BY reserved_at, id LIMIT 1
		FOR UPDATE
	`, bookID)
	return r, notFound(err)
}

func (t *txn) AppendEvents(ctx context.Context, events ...circulation.Event) error {
	rows := make([]eventstore.Event, 0, len(events))
	for _, e := range events {
		row, err := eventstore.NewEvent(e.AggregateID, e.AggregateType, string(e.Type), e.BookID, e.BorrowerID, e.Data, e.OccurredAt)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return t.events.AppendEvents(ctx, t.tx, rows)
}

func getCopy(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID, lock bool) (circulation.Copy, error) {
	var c circulation.Copy
	err := sqlx.GetContext(ctx, q, &c, `SELECT `+copyColumns+` FROM copies WHERE id = $1`+forUpdate(lock), id)
	return c, notFound(err)
}

func getBorrow(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID, lock bool) (circulation.Borrow, error) {
	var b circulation.Borrow
	err := sqlx.GetContext(ctx, q, &b, `SELECT `+borrowColumns+` FROM borrows WHERE id = $1`+forUpdate(lock), id)
	return b, notFound(err)
}

func getReservation(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID, lock bool) (circulation.Reservation, error) {
	var r circulation.Reservation
	err := sqlx.GetContext(ctx, q, &r, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`+forUpdate(lock), id)
	return r, notFound(err)
}

func forUpdate(lock bool) string {
	if lock {
		return ` FOR UPDATE`
	}
	return ""
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.ErrNotFound
	}
	return err
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return circulation.ErrNotFound
	}
	return nil
}

// sqlState extracts the SQLSTATE and constraint from a lib/pq or pgx error.
func sqlState(err error) (code, constraint string) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), pqErr.Constraint
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

func constraintViolated(err error, name string) bool {
	code, constraint := sqlState(err)
	return code == "23505" && constraint == name
}

// classify turns serialization failures, deadlocks and racing unique
// violations into circulation.ErrTxConflict.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, eventstore.ErrConcurrencyConflict) {
		return fmt.Errorf("%w: %v", circulation.ErrTxConflict, err)
	}
	switch code, _ := sqlState(err); code {
	case "40001", "40P01", "23505":
		return fmt.Errorf("%w: %v", circulation.ErrTxConflict, err)
	}
	return err
}
