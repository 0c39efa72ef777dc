// Package exporter encodes the daemon's per-server view into Prometheus
// metrics and serves them over HTTP.
package exporter

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/svalouch/burp-exporter/internal/daemon"
	"github.com/svalouch/burp-exporter/internal/state"
)

// labelDefault is the group label value for clients that do not carry the
// configured label.
const labelDefault = "--unknown--"

// Source provides the read-only per-server view. Implemented by
// *daemon.Daemon.
type Source interface {
	Snapshot() []daemon.ServerView
}

var (
	descUp = prometheus.NewDesc("burp_up",
		"Shows if the connection to the server is up", []string{"server"}, nil)
	descLastContact = prometheus.NewDesc("burp_last_contact",
		"Time when the burp server was last contacted", []string{"server"}, nil)
	descContactAttempts = prometheus.NewDesc("burp_contact_attempts_total",
		"Amount of times it was tried to establish a connection", []string{"server"}, nil)
	descParseErrors = prometheus.NewDesc("burp_parse_errors_total",
		"Amount of times parsing the server response failed", []string{"server"}, nil)
	descClients = prometheus.NewDesc("burp_clients",
		"Number of clients known to the server", []string{"server"}, nil)
)

// collector exports the view of all servers, optionally limited to a named
// subset or to samples matching one label value. When groupLabel is set, the
// per-client metrics carry an extra label of that name whose value comes from
// the client's key=value labels.
type collector struct {
	src        Source
	groupLabel string
	filter     map[string]struct{}
	labelName  string
	labelValue string

	descBackupNum        *prometheus.Desc
	descBackupTimestamp  *prometheus.Desc
	descBackupInProgress *prometheus.Desc
	descRunStatus        *prometheus.Desc
}

func newCollector(src Source, groupLabel string) *collector {
	clientLabels := []string{"server", "name"}
	statusLabels := []string{"server", "name", "run_status"}
	if groupLabel != "" {
		clientLabels = append(clientLabels, groupLabel)
		statusLabels = append(statusLabels, groupLabel)
	}
	return &collector{
		src:        src,
		groupLabel: groupLabel,
		descBackupNum: prometheus.NewDesc("burp_client_backup_num",
			"Number of the most recent completed backup for a client", clientLabels, nil),
		descBackupTimestamp: prometheus.NewDesc("burp_client_backup_timestamp",
			"Timestamp of the most recent backup", clientLabels, nil),
		descBackupInProgress: prometheus.NewDesc("burp_client_backup_has_in_progress",
			"Indicates whether a backup with flag \"working\" is present", clientLabels, nil),
		descRunStatus: prometheus.NewDesc("burp_client_run_status",
			"Current run status of the client", statusLabels, nil),
	}
}

// NewCollector returns a collector over all servers in src.
func NewCollector(src Source, groupLabel string) prometheus.Collector {
	return newCollector(src, groupLabel)
}

// NewFilteredCollector returns a collector limited to the named servers.
func NewFilteredCollector(src Source, names []string, groupLabel string) prometheus.Collector {
	c := newCollector(src, groupLabel)
	c.filter = make(map[string]struct{}, len(names))
	for _, n := range names {
		c.filter[n] = struct{}{}
	}
	return c
}

// NewLabelFilteredCollector returns a collector that drops samples carrying a
// label named labelName with a value other than labelValue. Samples without
// that label pass through unfiltered.
func NewLabelFilteredCollector(src Source, groupLabel, labelName, labelValue string) prometheus.Collector {
	c := newCollector(src, groupLabel)
	c.labelName = labelName
	c.labelValue = labelValue
	return c
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descUp
	ch <- descLastContact
	ch <- descContactAttempts
	ch <- descParseErrors
	ch <- descClients
	ch <- c.descBackupNum
	ch <- c.descBackupTimestamp
	ch <- c.descBackupInProgress
	ch <- c.descRunStatus
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, sv := range c.src.Snapshot() {
		if c.filter != nil {
			if _, ok := c.filter[sv.Name]; !ok {
				continue
			}
		}
		if c.labelName == "server" && sv.Name != c.labelValue {
			continue
		}
		up := 0.0
		if sv.Up {
			up = 1.0
		}
		ch <- prometheus.MustNewConstMetric(descUp, prometheus.GaugeValue, up, sv.Name)
		ch <- prometheus.MustNewConstMetric(descLastContact, prometheus.GaugeValue,
			float64(sv.LastContact.Unix()), sv.Name)
		ch <- prometheus.MustNewConstMetric(descContactAttempts, prometheus.CounterValue,
			float64(sv.ContactAttempts), sv.Name)
		ch <- prometheus.MustNewConstMetric(descParseErrors, prometheus.CounterValue,
			float64(sv.ParseErrors), sv.Name)
		ch <- prometheus.MustNewConstMetric(descClients, prometheus.GaugeValue,
			float64(len(sv.Clients)), sv.Name)
		for i := range sv.Clients {
			c.collectClient(ch, sv.Name, &sv.Clients[i])
		}
	}
}

// groupValue resolves the group label value from the client's key=value
// labels, falling back to labelDefault.
func (c *collector) groupValue(cl *state.Client) string {
	for _, l := range cl.Labels {
		if strings.HasPrefix(l, c.groupLabel+"=") {
			return l[len(c.groupLabel)+1:]
		}
	}
	return labelDefault
}

func (c *collector) collectClient(ch chan<- prometheus.Metric, server string, cl *state.Client) {
	labels := []string{server, cl.Name}
	var group string
	if c.groupLabel != "" {
		group = c.groupValue(cl)
		labels = append(labels, group)
	}
	if c.labelName != "" {
		switch c.labelName {
		case "name":
			if cl.Name != c.labelValue {
				return
			}
		case c.groupLabel:
			if group != c.labelValue {
				return
			}
		}
	}

	if cur := cl.CurrentBackup(); cur != nil {
		ch <- prometheus.MustNewConstMetric(c.descBackupNum, prometheus.GaugeValue,
			float64(cur.Number), labels...)
		ch <- prometheus.MustNewConstMetric(c.descBackupTimestamp, prometheus.GaugeValue,
			float64(cur.Timestamp), labels...)
	}
	inProgress := 0.0
	if cl.InProgress() {
		inProgress = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.descBackupInProgress, prometheus.GaugeValue,
		inProgress, labels...)

	// One series per status, like an enum: the known states are always
	// present, an unexpected status from the server gets its own series.
	states := []string{"running", "idle"}
	known := cl.RunStatus == "running" || cl.RunStatus == "idle"
	if !known {
		states = append(states, cl.RunStatus)
	}
	for _, st := range states {
		v := 0.0
		if cl.RunStatus == st {
			v = 1.0
		}
		vals := []string{server, cl.Name, st}
		if c.groupLabel != "" {
			vals = append(vals, group)
		}
		ch <- prometheus.MustNewConstMetric(c.descRunStatus, prometheus.GaugeValue,
			v, vals...)
	}
}
