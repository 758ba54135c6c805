// Package fakedb provides a recording driver for tests and scenarios.
//
// Every call the coordinator makes on a connection or transaction handle is
// appended to an ordered event log stamped with a logical sequence number.
// Failures can be injected per event kind to exercise error paths.
//
// Thread-safety: the Factory and its log are safe for concurrent use, so a
// single Factory can observe many executions at once.
package fakedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/opscope/internal/driver"
)

// EventKind names a recorded driver call.
type EventKind string

const (
	EventCreate   EventKind = "create"
	EventOpen     EventKind = "open"
	EventBegin    EventKind = "begin"
	EventCommit   EventKind = "commit"
	EventRollback EventKind = "rollback"
	EventClose    EventKind = "close"
)

// ErrTxDone is returned when a finalized transaction is committed or rolled back again.
var ErrTxDone = errors.New("fakedb: transaction has already been committed or rolled back")

// Event is one recorded driver call.
type Event struct {
	Seq        int64              `json:"seq"`
	Kind       EventKind          `json:"kind"`
	Conn       int                `json:"conn"`
	Isolation  sql.IsolationLevel `json:"isolation,omitempty"`
	Failed     bool               `json:"failed,omitempty"`
	ConnString string             `json:"-"`
}

// Factory is a recording driver.Factory.
type Factory struct {
	mu       sync.Mutex
	seq      int64
	nextConn int
	events   []Event
	failures map[EventKind]error
}

var _ driver.Factory = (*Factory)(nil)

// New creates an empty recording factory.
func New() *Factory {
	return &Factory{failures: make(map[EventKind]error)}
}

// CreateConnection records a create event and returns a closed handle.
func (f *Factory) CreateConnection(connString string) driver.Conn {
	f.mu.Lock()
	f.nextConn++
	id := f.nextConn
	f.mu.Unlock()

	f.record(Event{Kind: EventCreate, Conn: id, ConnString: connString})
	return &Conn{factory: f, id: id, connString: connString}
}

// FailOn makes every subsequent call of kind fail with err. A nil err clears
// the failure.
func (f *Factory) FailOn(kind EventKind, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err == nil {
		delete(f.failures, kind)
		return
	}
	f.failures[kind] = err
}

// Events returns a copy of the log.
func (f *Factory) Events() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Event, len(f.events))
	copy(out, f.events)
	return out
}

// Kinds returns the kinds of all recorded events in order.
func (f *Factory) Kinds() []EventKind {
	events := f.Events()
	kinds := make([]EventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}

// Count returns the number of successful events of kind.
func (f *Factory) Count(kind EventKind) int {
	n := 0
	for _, e := range f.Events() {
		if e.Kind == kind && !e.Failed {
			n++
		}
	}
	return n
}

// Reset clears the log, the sequence counter and all injected failures.
func (f *Factory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq = 0
	f.nextConn = 0
	f.events = nil
	f.failures = make(map[EventKind]error)
}

// record appends e and returns the injected failure for its kind, if any.
func (f *Factory) record(e Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.failures[e.Kind]
	f.seq++
	e.Seq = f.seq
	e.Failed = err != nil
	f.events = append(f.events, e)
	return err
}

// Conn is a recording connection handle.
type Conn struct {
	factory    *Factory
	id         int
	connString string
	open       bool
}

var _ driver.Conn = (*Conn)(nil)

// ID returns the handle's creation ordinal within its factory.
func (c *Conn) ID() int { return c.id }

// IsOpen reports whether Open succeeded and Close has not been called.
func (c *Conn) IsOpen() bool { return c.open }

func (c *Conn) ConnectionString() string { return c.connString }

func (c *Conn) Open(ctx context.Context) error {
	if c.open {
		return fmt.Errorf("fakedb: connection %d is already open", c.id)
	}
	if err := c.factory.record(Event{Kind: EventOpen, Conn: c.id, ConnString: c.connString}); err != nil {
		return err
	}
	c.open = true
	return nil
}

func (c *Conn) Close() error {
	if !c.open {
		return nil
	}
	c.open = false
	return c.factory.record(Event{Kind: EventClose, Conn: c.id})
}

func (c *Conn) BeginTx(ctx context.Context, level sql.IsolationLevel) (driver.Tx, error) {
	if !c.open {
		return nil, fmt.Errorf("fakedb: connection %d is not open", c.id)
	}
	if err := c.factory.record(Event{Kind: EventBegin, Conn: c.id, Isolation: level}); err != nil {
		return nil, err
	}
	return &Tx{conn: c, level: level}, nil
}

// Tx is a recording transaction handle.
type Tx struct {
	conn  *Conn
	level sql.IsolationLevel
	done  bool
}

var _ driver.Tx = (*Tx)(nil)

// Done reports whether the transaction was committed or rolled back.
func (t *Tx) Done() bool { return t.done }

func (t *Tx) Isolation() sql.IsolationLevel { return t.level }

func (t *Tx) Commit() error {
	return t.finish(EventCommit)
}

func (t *Tx) Rollback() error {
	return t.finish(EventRollback)
}

func (t *Tx) finish(kind EventKind) error {
	if t.done {
		return ErrTxDone
	}
	if err := t.conn.factory.record(Event{Kind: kind, Conn: t.conn.id}); err != nil {
		return err
	}
	t.done = true
	return nil
}
