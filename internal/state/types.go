// Package state turns the status snapshots a burp server sends into a
// queryable per-server table of clients and their backups.
package state

import (
	"encoding/json"
	"fmt"
)

// Backup flags this package derives state from. Other flags pass through
// untouched.
const (
	// FlagCurrent marks the most recent completed backup.
	FlagCurrent = "current"
	// FlagWorking marks a backup that is still running.
	FlagWorking = "working"
)

// Backup is one entry in a client's backup list.
type Backup struct {
	// Number is the sequential number of this backup.
	Number int64 `json:"number"`
	// Timestamp is the UNIX timestamp when this backup was made.
	Timestamp int64 `json:"timestamp"`
	// Flags associated with this backup, e.g. "current" or "working".
	Flags []string `json:"flags"`
	// Logs available for this backup, keyed by category.
	Logs map[string][]string `json:"logs,omitempty"`
}

// HasFlag reports whether the backup carries the given flag.
func (b *Backup) HasFlag(flag string) bool {
	for _, f := range b.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Client is one client entry from a status snapshot. Records are replaced
// wholesale on update, never merged field by field.
type Client struct {
	// Name uniquely identifies the client within a server.
	Name string `json:"name"`
	// Labels configured for the client, if any.
	Labels []string `json:"labels,omitempty"`
	// RunStatus is the current run status, e.g. "idle" or "running". The
	// server may send other values; they are passed through as-is.
	RunStatus string `json:"run_status"`
	// Protocol is the configured burp protocol (0, 1 or 2).
	Protocol int `json:"protocol"`
	// Backups lists the client's backups in server order.
	Backups []Backup `json:"backups"`
}

// CurrentBackup returns the backup flagged "current", or nil if there is
// none. Should a snapshot ever flag more than one backup as current, the
// last one in array order wins.
func (c *Client) CurrentBackup() *Backup {
	var cur *Backup
	for i := range c.Backups {
		if c.Backups[i].HasFlag(FlagCurrent) {
			cur = &c.Backups[i]
		}
	}
	return cur
}

// InProgress reports whether any backup carries the "working" flag.
func (c *Client) InProgress() bool {
	for i := range c.Backups {
		if c.Backups[i].HasFlag(FlagWorking) {
			return true
		}
	}
	return false
}

// decodeClient validates one raw snapshot entry against the expected shape.
// All fields except labels and per-backup logs are required.
func decodeClient(raw json.RawMessage) (Client, error) {
	var aux struct {
		Name      *string  `json:"name"`
		Labels    []string `json:"labels"`
		RunStatus *string  `json:"run_status"`
		Protocol  *int     `json:"protocol"`
		Backups   []struct {
			Number    *int64              `json:"number"`
			Timestamp *int64              `json:"timestamp"`
			Flags     []string            `json:"flags"`
			Logs      map[string][]string `json:"logs"`
		} `json:"backups"`
	}
	if err := json.Unmarshal(raw, &aux); err != nil {
		return Client{}, err
	}
	if aux.Name == nil || *aux.Name == "" {
		return Client{}, fmt.Errorf("client entry without name")
	}
	if aux.RunStatus == nil {
		return Client{}, fmt.Errorf("client %q without run_status", *aux.Name)
	}
	if aux.Protocol == nil {
		return Client{}, fmt.Errorf("client %q without protocol", *aux.Name)
	}
	if aux.Backups == nil {
		return Client{}, fmt.Errorf("client %q without backups list", *aux.Name)
	}
	c := Client{
		Name:      *aux.Name,
		Labels:    aux.Labels,
		RunStatus: *aux.RunStatus,
		Protocol:  *aux.Protocol,
		Backups:   make([]Backup, 0, len(aux.Backups)),
	}
	for i, b := range aux.Backups {
		if b.Number == nil || b.Timestamp == nil || b.Flags == nil {
			return Client{}, fmt.Errorf("client %q backup %d is incomplete", c.Name, i)
		}
		c.Backups = append(c.Backups, Backup{
			Number:    *b.Number,
			Timestamp: *b.Timestamp,
			Flags:     b.Flags,
			Logs:      b.Logs,
		})
	}
	return c, nil
}
