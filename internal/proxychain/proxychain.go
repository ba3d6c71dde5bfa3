// Package proxychain implements the composable interception pipeline that
// sits in front of a native MySQL connection. Every client call
// enters at the head of the chain and flows link-to-link until one of them
// returns. The FailoverProxy link (internal/failoverproxy) is the one
// interesting override; everything else here is "forward to next".
package proxychain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// Errors returned by chain bookkeeping operations.
var (
	ErrAlreadyLinked  = errors.New("proxychain: next link is already set")
	ErrNoNativeHandle = errors.New("proxychain: no native handle to move")
)

// Link is the interface every node in the chain implements. The default
// behavior of every method, except where noted, is "forward to Next()".
type Link interface {
	// SetNext installs this link's successor. Fails with ErrAlreadyLinked
	// if already set; set_next may be called at most once per link.
	SetNext(next Link) error
	Next() Link

	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Ping(ctx context.Context) error
	Autocommit(ctx context.Context, enabled bool) error
	SelectDB(ctx context.Context, schema string) error
	SetCharacterSet(ctx context.Context, charset string) error

	// Close tears down this link and cascades into Next(), destroying the
	// native handle if this is the terminal link.
	Close() error

	// MoveHandle atomically yields the native handle and its owning pool to
	// the caller and leaves the donor empty. At non-terminal links it
	// forwards.
	MoveHandle() (*sql.Conn, *sql.DB, error)
	// SetConnection installs a native handle and its owning pool, closing
	// whatever this (terminal) link currently holds first. At non-terminal
	// links it forwards.
	SetConnection(conn *sql.Conn, db *sql.DB)
	// NativeConn peeks at the terminal link's native handle without
	// transferring ownership, for callers (e.g. topology refresh) that
	// need to issue a query through a connection already in active use.
	NativeConn() *sql.Conn

	// Error returns the link's CustomErrorSlot value if one was set
	// (clearing the flag), else forwards to the native error.
	Error() string
	// SQLState mirrors Error's override semantics for the sentinel code.
	SQLState() string
	// SetCustomError arms the CustomErrorSlot for the next Error()/
	// SQLState() read.
	SetCustomError(message, sqlState string)

	// InTransaction reports whether the terminal link believes a
	// transaction is currently open (autocommit disabled and at least one
	// statement executed since). Used by FailoverProxy to choose between
	// the 08S02/08S01 and 08007 sentinels.
	InTransaction() bool

	// IsTerminal reports whether this link owns the native handle.
	IsTerminal() bool
}

// customErrorSlot is the one-shot per-link synthetic error field.
// Reading it clears the flag; a subsequent read falls through to
// the native error.
type customErrorSlot struct {
	message  string
	sqlState string
	set      bool
}

func (s *customErrorSlot) arm(message, sqlState string) {
	s.message = message
	s.sqlState = sqlState
	s.set = true
}

// take returns (message, sqlState, ok) and clears the flag if it was set.
func (s *customErrorSlot) take() (string, string, bool) {
	if !s.set {
		return "", "", false
	}

	s.set = false

	return s.message, s.sqlState, true
}

// baseLink provides SetNext/Next/error-slot plumbing shared by every
// non-terminal link implementation; embed it and override only the methods
// that need real interception semantics.
type baseLink struct {
	next Link
	errs customErrorSlot
}

func (b *baseLink) SetNext(next Link) error {
	if b.next != nil {
		return ErrAlreadyLinked
	}

	b.next = next

	return nil
}

func (b *baseLink) Next() Link { return b.next }

func (b *baseLink) SetCustomError(message, sqlState string) {
	b.errs.arm(message, sqlState)
}

func (b *baseLink) Error() string {
	if msg, _, ok := b.errs.take(); ok {
		return msg
	}

	if b.next != nil {
		return b.next.Error()
	}

	return ""
}

func (b *baseLink) SQLState() string {
	if _, state, ok := b.errs.take(); ok {
		return state
	}

	if b.next != nil {
		return b.next.SQLState()
	}

	return ""
}

func (b *baseLink) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return b.next.Query(ctx, query, args...)
}

func (b *baseLink) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return b.next.Exec(ctx, query, args...)
}

func (b *baseLink) Ping(ctx context.Context) error { return b.next.Ping(ctx) }

func (b *baseLink) Autocommit(ctx context.Context, enabled bool) error {
	return b.next.Autocommit(ctx, enabled)
}

func (b *baseLink) SelectDB(ctx context.Context, schema string) error {
	return b.next.SelectDB(ctx, schema)
}

func (b *baseLink) SetCharacterSet(ctx context.Context, charset string) error {
	return b.next.SetCharacterSet(ctx, charset)
}

func (b *baseLink) Close() error {
	if b.next == nil {
		return nil
	}

	return b.next.Close()
}

func (b *baseLink) MoveHandle() (*sql.Conn, *sql.DB, error) { return b.next.MoveHandle() }

func (b *baseLink) SetConnection(conn *sql.Conn, db *sql.DB) { b.next.SetConnection(conn, db) }

func (b *baseLink) NativeConn() *sql.Conn { return b.next.NativeConn() }

func (b *baseLink) InTransaction() bool { return b.next.InTransaction() }

func (b *baseLink) IsTerminal() bool { return false }

// TerminalLink owns the native handle and implements every operation in
// terms of the real go-sql-driver/mysql connection. It holds exactly one
// *sql.Conn at a time; MoveHandle is a swap-with-nil.
type TerminalLink struct {
	baseLink

	conn          *sql.Conn
	db            *sql.DB
	autocommitOff bool
	dirty         bool // at least one statement ran since autocommit was disabled
	lastErr       error
}

// NewTerminalLink wraps an already-open native connection. db is the pool
// the conn was checked out from, kept only so Close can release resources
// cleanly; the proxy chain otherwise treats conn as a single unpooled
// physical connection.
func NewTerminalLink(db *sql.DB, conn *sql.Conn) *TerminalLink {
	return &TerminalLink{db: db, conn: conn}
}

func (t *TerminalLink) IsTerminal() bool { return true }

func (t *TerminalLink) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if t.conn == nil {
		return nil, ErrNoNativeHandle
	}

	if t.autocommitOff {
		t.dirty = true
	}

	rows, err := t.conn.QueryContext(ctx, query, args...)
	t.lastErr = err

	return rows, err
}

func (t *TerminalLink) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if t.conn == nil {
		return nil, ErrNoNativeHandle
	}

	if t.autocommitOff {
		t.dirty = true
	}

	result, err := t.conn.ExecContext(ctx, query, args...)
	t.lastErr = err

	return result, err
}

func (t *TerminalLink) Ping(ctx context.Context) error {
	if t.conn == nil {
		return ErrNoNativeHandle
	}

	return t.conn.PingContext(ctx)
}

func (t *TerminalLink) Autocommit(ctx context.Context, enabled bool) error {
	if t.conn == nil {
		return ErrNoNativeHandle
	}

	state := "ON"
	if !enabled {
		state = "OFF"
	}

	_, err := t.conn.ExecContext(ctx, fmt.Sprintf("SET autocommit=%s", state))
	if err != nil {
		return err
	}

	t.autocommitOff = !enabled
	t.dirty = false

	return nil
}

func (t *TerminalLink) SelectDB(ctx context.Context, schema string) error {
	if t.conn == nil {
		return ErrNoNativeHandle
	}

	_, err := t.conn.ExecContext(ctx, "USE "+mysql.Escape(schema))

	return err
}

func (t *TerminalLink) SetCharacterSet(ctx context.Context, charset string) error {
	if t.conn == nil {
		return ErrNoNativeHandle
	}

	_, err := t.conn.ExecContext(ctx, "SET NAMES "+mysql.Escape(charset))

	return err
}

// Close releases both the checked-out connection and the pool it came from,
// so a TerminalLink never leaks the *sql.DB passed to NewTerminalLink.
func (t *TerminalLink) Close() error {
	var errs []error

	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			errs = append(errs, err)
		}

		t.conn = nil
	}

	if t.db != nil {
		if err := t.db.Close(); err != nil {
			errs = append(errs, err)
		}

		t.db = nil
	}

	return errors.Join(errs...)
}

// MoveHandle atomically returns and nils the native handle and its owning
// pool, matching the move-handle contract: the donor becomes empty so a
// subsequent Close is a no-op.
func (t *TerminalLink) MoveHandle() (*sql.Conn, *sql.DB, error) {
	if t.conn == nil {
		return nil, nil, ErrNoNativeHandle
	}

	conn, db := t.conn, t.db
	t.conn, t.db = nil, nil

	return conn, db, nil
}

// SetConnection installs a new native handle and its owning pool, closing
// whatever this link currently holds first so neither the prior connection
// nor its pool is ever leaked.
func (t *TerminalLink) SetConnection(conn *sql.Conn, db *sql.DB) {
	if t.conn != nil {
		t.conn.Close()
	}

	if t.db != nil {
		t.db.Close()
	}

	t.conn = conn
	t.db = db
	t.autocommitOff = false
	t.dirty = false
}

func (t *TerminalLink) InTransaction() bool {
	return t.autocommitOff && t.dirty
}

// NativeConn returns the currently-installed handle without detaching it,
// or nil if none is installed.
func (t *TerminalLink) NativeConn() *sql.Conn {
	return t.conn
}

// Error returns the armed CustomErrorSlot message, else the last native
// driver error observed on this link.
func (t *TerminalLink) Error() string {
	if msg, _, ok := t.errs.take(); ok {
		return msg
	}

	if t.lastErr == nil {
		return ""
	}

	return t.lastErr.Error()
}

// SQLState mirrors Error, returning the last native error's SQLSTATE via
// go-sql-driver/mysql's *mysql.MySQLError when available.
func (t *TerminalLink) SQLState() string {
	if _, state, ok := t.errs.take(); ok {
		return state
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(t.lastErr, &mysqlErr) {
		return sqlStateForErrno(mysqlErr.Number)
	}

	return ""
}

// sqlStateForErrno maps a handful of common MySQL error numbers to their
// SQLSTATE; go-sql-driver/mysql does not surface SQLSTATE directly.
func sqlStateForErrno(num uint16) string {
	switch num {
	case 2006, 2013: // CR_SERVER_GONE_ERROR, CR_SERVER_LOST
		return "HY000"
	case 1213: // deadlock
		return "40001"
	default:
		return "HY000"
	}
}

// Next/SetNext are intentionally the zero-value baseLink behavior (no
// successor; ErrAlreadyLinked on any SetNext call after the first, which a
// terminal link never performs).

var _ Link = (*TerminalLink)(nil)
