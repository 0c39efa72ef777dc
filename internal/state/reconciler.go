package state

import (
	"encoding/json"
	"sort"

	"github.com/rs/zerolog"

	"github.com/svalouch/burp-exporter/internal/protocol"
)

// Delta describes how one snapshot changed the table. Removed names tell the
// consumer which per-client series to retract.
type Delta struct {
	Added   []string
	Updated []string
	Removed []string
}

// Table holds the client records of one server, keyed by name. It is owned
// by the daemon loop; readers get copies via Clients.
type Table struct {
	clients     map[string]Client
	parseErrors uint64
	log         zerolog.Logger
}

// NewTable returns an empty table logging through the given logger.
func NewTable(log zerolog.Logger) *Table {
	return &Table{
		clients: make(map[string]Client),
		log:     log,
	}
}

// Len returns the number of known clients.
func (t *Table) Len() int { return len(t.clients) }

// ParseErrors returns the running total of entries that failed validation.
// The counter is never reset, not even across reconnects.
func (t *Table) ParseErrors() uint64 { return t.parseErrors }

// Get returns the record for name, if known.
func (t *Table) Get(name string) (Client, bool) {
	c, ok := t.clients[name]
	return c, ok
}

// Clients returns a copy of all records, sorted by name.
func (t *Table) Clients() []Client {
	out := make([]Client, 0, len(t.clients))
	for _, c := range t.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Apply reconciles one JSON snapshot into the table. Valid entries are
// inserted or replace the existing record wholesale; entries failing
// validation are logged, counted and skipped without aborting the batch.
// Names known before the call but absent from this snapshot are removed.
// A payload without a "clients" list is a protocol error and tears the
// connection down.
func (t *Table) Apply(snapshot []byte) (Delta, error) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(snapshot, &msg); err != nil {
		return Delta{}, &protocol.ProtocolError{Reason: "undecodable message: " + err.Error()}
	}
	rawClients, ok := msg["clients"]
	if !ok {
		t.log.Warn().RawJSON("message", snapshot).Msg("unknown message")
		return Delta{}, &protocol.ProtocolError{Reason: "unknown message"}
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(rawClients, &entries); err != nil {
		return Delta{}, &protocol.ProtocolError{Reason: "clients is not a list: " + err.Error()}
	}

	var delta Delta
	seen := make(map[string]struct{}, len(entries))
	for _, raw := range entries {
		c, err := decodeClient(raw)
		if err != nil {
			t.log.Warn().Err(err).Msg("validation error")
			t.parseErrors++
			continue
		}
		if _, known := seen[c.Name]; !known {
			if _, exists := t.clients[c.Name]; exists {
				delta.Updated = append(delta.Updated, c.Name)
			} else {
				t.log.Debug().Str("client", c.Name).Msg("new client")
				delta.Added = append(delta.Added, c.Name)
			}
		}
		seen[c.Name] = struct{}{}
		t.clients[c.Name] = c
	}
	for name := range t.clients {
		if _, ok := seen[name]; !ok {
			delete(t.clients, name)
			delta.Removed = append(delta.Removed, name)
		}
	}
	sort.Strings(delta.Removed)
	return delta, nil
}
