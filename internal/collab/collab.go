// Package collab multiplexes UI consumers onto shared editing sessions. A
// session owns one replicated document, its room connection, and a debounced
// reconciler that writes the rendered content back to the page store. At most
// one document identity has live sessions per process.
package collab

import (
	"context"
	"time"

	"tandem/api/internal/crdt"
	"tandem/api/internal/transport"
)

// SaveState is the persistence status surfaced to consumers.
type SaveState string

const (
	SaveSaved  SaveState = "saved"
	SaveDirty  SaveState = "dirty"
	SaveSaving SaveState = "saving"
)

// Participant identifies the local user inside a session.
type Participant struct {
	Name  string
	Color string
}

// Callbacks are per-consumer notifications. All fields are optional. A newly
// registered consumer immediately receives the current status, roster, and
// save state.
type Callbacks struct {
	Status func(transport.Status)
	Users  func([]crdt.Presence)
	Save   func(SaveState)
	Change func()
}

// Conn is the slice of the room connection a session drives.
type Conn interface {
	PublishPresence(crdt.Presence) error
	ClearPresence() error
	Close() error
}

// Dialer opens room connections. transport.Dialer satisfies it through
// NewTransportDialer.
type Dialer interface {
	Dial(ctx context.Context, room string, doc *crdt.Doc, events transport.Events) (Conn, error)
}

// Backend is the page store the reconciler reads seeds from and writes
// rendered content to.
type Backend interface {
	FetchPage(ctx context.Context, path string) (string, error)
	UpdatePage(ctx context.Context, path, content, author string) error
}

// EditingReporter announces editing intent to the server so merges can be
// held off while a page has live editors.
type EditingReporter interface {
	SetEditing(ctx context.Context, path, participant string, editing bool) error
}

// Options configure a Registry. Zero durations get defaults.
type Options struct {
	Dialer   Dialer
	Backend  Backend
	Editing  EditingReporter
	Debounce time.Duration
	Settle   time.Duration
}

const (
	defaultDebounce = 2 * time.Second
	defaultSettle   = time.Second
)

type transportDialer struct {
	d *transport.Dialer
}

// NewTransportDialer wraps the websocket dialer in the Dialer interface.
func NewTransportDialer(baseURL string) Dialer {
	return transportDialer{d: transport.NewDialer(baseURL)}
}

func (t transportDialer) Dial(ctx context.Context, room string, doc *crdt.Doc, events transport.Events) (Conn, error) {
	conn, err := t.d.Dial(ctx, room, doc, events)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
