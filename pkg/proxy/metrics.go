package proxy

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
	"github.com/w9cv/elproxy/pkg/elproto"
)

type proxyMetrics struct {
	set *metrics.Set

	accepts struct {
		handoff *metrics.Counter
		busy    *metrics.Counter
		err     *metrics.Counter
	}
	auth struct {
		success     *metrics.Counter
		badPassword *metrics.Counter
		denied      *metrics.Counter
		protocol    *metrics.Counter
		transport   *metrics.Counter
	}
}

func (p *Proxy) initMetrics() {
	m := &p.m
	m.set = metrics.NewSet()
	m.accepts.handoff = m.set.NewCounter(`elproxy_accepts_total{result="handoff"}`)
	m.accepts.busy = m.set.NewCounter(`elproxy_accepts_total{result="busy"}`)
	m.accepts.err = m.set.NewCounter(`elproxy_accepts_total{result="error"}`)
	m.auth.success = m.set.NewCounter(`elproxy_auth_total{result="success"}`)
	m.auth.badPassword = m.set.NewCounter(`elproxy_auth_total{result="bad_password"}`)
	m.auth.denied = m.set.NewCounter(`elproxy_auth_total{result="denied"}`)
	m.auth.protocol = m.set.NewCounter(`elproxy_auth_total{result="protocol_error"}`)
	m.auth.transport = m.set.NewCounter(`elproxy_auth_total{result="transport_error"}`)
	m.set.NewGauge(`elproxy_slots_used`, func() float64 {
		return float64(p.SlotsUsed())
	})
	m.set.NewGauge(`elproxy_slots_usable`, func() float64 {
		return float64(p.usableClients())
	})
}

func (m *proxyMetrics) frame(dir string, f elproto.Frame) {
	m.set.GetOrCreateCounter(`elproxy_frames_total{dir="` + dir + `",op="` + f.Op.String() + `"}`).Inc()
	m.set.GetOrCreateCounter(`elproxy_relay_bytes_total{dir="` + dir + `",op="` + f.Op.String() + `"}`).Add(len(f.Data))
}

func (m *proxyMetrics) sessionReason(reason string) {
	m.set.GetOrCreateCounter(`elproxy_sessions_total{reason="` + reason + `"}`).Inc()
}

// WritePrometheus writes the proxy's metrics to w in Prometheus text format.
func (p *Proxy) WritePrometheus(w io.Writer) {
	if p.m.set != nil {
		p.m.set.WritePrometheus(w)
	}
}
