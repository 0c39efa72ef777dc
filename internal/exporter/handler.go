package exporter

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const welcomePage = `<html><head><title>Burp Exporter</title></head><body>
<h1>Burp Exporter</h1>
<p><a href="/metrics">Metrics</a></p>
</body></html>`

// Handler serves the welcome page, the aggregate /metrics endpoint and the
// per-server /probe endpoint. groupLabel is the extra per-client label
// dimension, empty for none.
func Handler(src Source, groupLabel string) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector(src, groupLabel))
	metrics := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(welcomePage))
	})
	mux.Handle("/metrics", metrics)
	mux.HandleFunc("/probe", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		names := q["server[]"]
		labelName, labelValue := q.Get("label_name"), q.Get("label_value")

		var col prometheus.Collector
		switch {
		case len(names) > 0:
			col = NewFilteredCollector(src, names, groupLabel)
		case labelName != "" && labelValue != "":
			col = NewLabelFilteredCollector(src, groupLabel, labelName, labelValue)
		default:
			http.Error(w, "missing server[] or label_name/label_value parameters", http.StatusBadRequest)
			return
		}
		reg := prometheus.NewRegistry()
		reg.MustRegister(col)
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
	return mux
}
