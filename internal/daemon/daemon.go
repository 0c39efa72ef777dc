// Package daemon runs the event loop that owns every server connection:
// reconnecting with cool-down, sending periodic status queries, multiplexing
// reads across the open connections and feeding snapshots to the per-server
// tables.
package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/svalouch/burp-exporter/internal/config"
	"github.com/svalouch/burp-exporter/internal/history"
	"github.com/svalouch/burp-exporter/internal/log"
	"github.com/svalouch/burp-exporter/internal/protocol"
	"github.com/svalouch/burp-exporter/internal/state"
)

// connectCoolDown is how long a failed connection attempt blocks the next
// one for the same server. Variable so tests can shrink the window.
var connectCoolDown = time.Minute

// server bundles one connection with its client table.
type server struct {
	conn  *protocol.Conn
	table *state.Table
}

// ServerView is the read-only state of one server handed to the metrics
// encoder. Client records are replaced wholesale and never mutated in
// place, so the view can share them safely.
type ServerView struct {
	Name            string
	Up              bool
	LastContact     time.Time
	ContactAttempts uint64
	ParseErrors     uint64
	Clients         []state.Client
}

// Daemon owns all connections and runs the polling loop. All fields except
// the published view are touched only by the loop goroutine.
type Daemon struct {
	pollTimeout time.Duration
	servers     []*server
	journal     *history.Journal
	reload      chan *config.Config

	mu   sync.RWMutex
	view []ServerView
}

// New builds a daemon for the given configuration. journal may be nil.
func New(cfg *config.Config, journal *history.Journal) *Daemon {
	d := &Daemon{
		pollTimeout: cfg.PollTimeout,
		journal:     journal,
		reload:      make(chan *config.Config, 1),
	}
	for i := range cfg.Servers {
		d.servers = append(d.servers, newServer(&cfg.Servers[i]))
	}
	return d
}

func newServer(cfg *config.Server) *server {
	return &server{
		conn:  protocol.NewConn(cfg),
		table: state.NewTable(log.L.With().Str("server", cfg.Name).Logger()),
	}
}

// Reload hands a validated replacement configuration to the loop. A pending
// reload that the loop has not picked up yet is superseded.
func (d *Daemon) Reload(cfg *config.Config) {
	select {
	case d.reload <- cfg:
	default:
		<-d.reload
		d.reload <- cfg
	}
}

// Snapshot returns the most recently published per-server view, sorted by
// name. Safe for concurrent use.
func (d *Daemon) Snapshot() []ServerView {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ServerView, len(d.view))
	copy(out, d.view)
	return out
}

// Run executes the loop until ctx is cancelled, then closes all
// connections. Runtime failures never end the loop; a failing server shows
// up as down in the published view until a reconnect succeeds.
func (d *Daemon) Run(ctx context.Context) error {
	log.Info().Int("servers", len(d.servers)).Msg("daemon starting")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			for _, s := range d.servers {
				s.conn.Close()
			}
			return nil
		case cfg := <-d.reload:
			d.applyConfig(cfg)
		default:
		}

		d.connectPass(time.Now())
		d.refreshPass(time.Now())
		open := d.receivePass(ctx)
		d.publish()

		// With no open connection there is nothing to wait on, so pace
		// the loop explicitly; the wait doubles as the interruptible
		// part of the reconnect cool-down.
		if open == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(d.pollTimeout):
			}
		}
	}
}

// connectPass dials and logs in every server that is not connected, at most
// once per cool-down window.
func (d *Daemon) connectPass(now time.Time) {
	for _, s := range d.servers {
		if s.conn.Connected() {
			continue
		}
		if now.Sub(s.conn.LastConnAttempt()) < connectCoolDown {
			continue
		}
		l := log.L.With().Str("server", s.conn.Name()).Logger()
		// A stale socket from a failed handshake may linger.
		s.conn.Close()
		if err := s.conn.Dial(); err != nil {
			l.Warn().Err(err).Msg("connection failed")
			s.conn.Close()
			continue
		}
		cfg := s.conn.Config()
		err := protocol.Handshake(s.conn, protocol.Params{
			ClientCName: cfg.ClientCName,
			Password:    cfg.Password,
			Version:     cfg.Version,
		}, l)
		if err != nil {
			l.Error().Err(err).Msg("error during handshake")
			s.conn.Close()
			continue
		}
		s.conn.MarkReady()
		l.Info().Msg("connected")
	}
}

// refreshPass sends a status query on every connection whose refresh
// interval has elapsed. Write failures tear the connection down for the
// next cool-down.
func (d *Daemon) refreshPass(now time.Time) {
	for _, s := range d.servers {
		if err := s.conn.Refresh(now); err != nil {
			log.Warn().Str("server", s.conn.Name()).Err(err).Msg("failed to send query")
			s.conn.Close()
		}
	}
}

// receivePass performs one bounded readiness wait across all open
// connections by giving each an equal share of the poll timeout as its read
// deadline. Returns the number of connections that were open.
func (d *Daemon) receivePass(ctx context.Context) int {
	var open []*server
	for _, s := range d.servers {
		if s.conn.Connected() {
			open = append(open, s)
		}
	}
	if len(open) == 0 {
		return 0
	}
	share := d.pollTimeout / time.Duration(len(open))
	if share < 100*time.Millisecond {
		share = 100 * time.Millisecond
	}
	for _, s := range open {
		if ctx.Err() != nil {
			break
		}
		frames, err := s.conn.Receive(time.Now().Add(share))
		d.dispatch(s, frames)
		if err != nil && !errors.Is(err, protocol.ErrClosedByPeer) {
			log.Warn().Str("server", s.conn.Name()).Err(err).Msg("receive failed, tearing connection down")
			s.conn.Close()
		}
	}
	return len(open)
}

// dispatch routes decoded frames: warnings are logged, command payloads go
// through the reconciler, and new or changed current backups are journaled.
func (d *Daemon) dispatch(s *server, frames []protocol.Frame) {
	l := log.L.With().Str("server", s.conn.Name()).Logger()
	for _, f := range frames {
		switch f.Type {
		case protocol.TypeWarning:
			l.Warn().Str("warning", string(f.Payload)).Msg("got warning")
		case protocol.TypeCommand:
			if len(f.Payload) == 0 {
				continue
			}
			delta, err := s.table.Apply(f.Payload)
			if err != nil {
				l.Warn().Err(err).Msg("snapshot rejected, tearing connection down")
				s.conn.Close()
				return
			}
			l.Debug().
				Int("added", len(delta.Added)).
				Int("updated", len(delta.Updated)).
				Int("removed", len(delta.Removed)).
				Msg("snapshot applied")
			d.journalDelta(s, delta)
		}
	}
}

func (d *Daemon) journalDelta(s *server, delta state.Delta) {
	if d.journal == nil {
		return
	}
	for _, names := range [][]string{delta.Added, delta.Updated} {
		for _, name := range names {
			rec, ok := s.table.Get(name)
			if !ok {
				continue
			}
			cur := rec.CurrentBackup()
			if cur == nil {
				continue
			}
			if err := d.journal.Record(s.conn.Name(), name, cur.Number, cur.Timestamp); err != nil {
				log.Warn().Str("server", s.conn.Name()).Str("client", name).Err(err).Msg("failed to journal backup")
			}
		}
	}
}

// publish copies the current per-server state into the view read by the
// metrics endpoint.
func (d *Daemon) publish() {
	view := make([]ServerView, 0, len(d.servers))
	for _, s := range d.servers {
		view = append(view, ServerView{
			Name:            s.conn.Name(),
			Up:              s.conn.Connected(),
			LastContact:     s.conn.LastQuery(),
			ContactAttempts: s.conn.ContactAttempts(),
			ParseErrors:     s.table.ParseErrors() + s.conn.FrameErrors(),
			Clients:         s.table.Clients(),
		})
	}
	d.mu.Lock()
	d.view = view
	d.mu.Unlock()
}

// applyConfig reconciles the server set with a reloaded configuration.
// Removed servers are disconnected and dropped with their tables; added or
// changed ones start from a fresh connection on the next pass.
func (d *Daemon) applyConfig(cfg *config.Config) {
	log.Info().Msg("applying reloaded configuration")
	d.pollTimeout = cfg.PollTimeout

	existing := make(map[string]*server, len(d.servers))
	for _, s := range d.servers {
		existing[s.conn.Name()] = s
	}
	next := make([]*server, 0, len(cfg.Servers))
	for i := range cfg.Servers {
		want := &cfg.Servers[i]
		if s, ok := existing[want.Name]; ok && *s.conn.Config() == *want {
			next = append(next, s)
			delete(existing, want.Name)
			continue
		}
		if s, ok := existing[want.Name]; ok {
			log.Info().Str("server", want.Name).Msg("server configuration changed, reconnecting")
			s.conn.Close()
			delete(existing, want.Name)
		} else {
			log.Info().Str("server", want.Name).Msg("server added")
		}
		next = append(next, newServer(want))
	}
	for name, s := range existing {
		log.Info().Str("server", name).Msg("server removed")
		s.conn.Close()
	}
	d.servers = next
}
