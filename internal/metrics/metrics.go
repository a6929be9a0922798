// Package metrics owns the Prometheus registry the server exports.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type BuildInfo struct {
	Version   string
	Revision  string
	Branch    string
	BuildDate string
}

type Config struct {
	Enabled bool
	Path    string
	// Namespace is the index namespace served by this process.
	Namespace string
	Build     BuildInfo
}

// Provider is a private registry with the Go runtime and process
// collectors and a geocell_build_info series.
type Provider struct {
	reg *prometheus.Registry
}

func Init(cfg Config) *Provider {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	b := cfg.Build
	if b.Version == "" {
		b.Version = "dev"
	}
	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geocell_build_info",
		Help: "Build and index namespace of this binary (value is always 1).",
		ConstLabels: prometheus.Labels{
			"version":    b.Version,
			"revision":   b.Revision,
			"branch":     b.Branch,
			"build_date": b.BuildDate,
			"namespace":  cfg.Namespace,
		},
	})
	info.Set(1)
	reg.MustRegister(info)

	return &Provider{reg: reg}
}

// Handler serves the registry; collection errors are reported in the
// response instead of failing the scrape.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{
		Registry:      p.reg,
		ErrorHandling: promhttp.ContinueOnError,
	})
}

func (p *Provider) Register(cs ...prometheus.Collector) {
	p.reg.MustRegister(cs...)
}

func (p *Provider) Registerer() prometheus.Registerer { return p.reg }

func (p *Provider) Gatherer() prometheus.Gatherer { return p.reg }
