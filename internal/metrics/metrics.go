// Package metrics holds the Prometheus collectors for multicast sessions and
// EPG decoding. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Datagram outcomes.
const (
	DatagramAccepted  = "accepted"
	DatagramDuplicate = "duplicate"
	DatagramBadIndex  = "bad_index"
	DatagramCorrupt   = "corrupt"
)

type Metrics struct {
	Datagrams       *prometheus.CounterVec
	FilesAssembled  prometheus.Counter
	Sessions        *prometheus.CounterVec
	EPGFiles        *prometheus.CounterVec
	RecordsDecoded  prometheus.Counter
	FilesTruncated  prometheus.Counter
	ChannelsSkipped prometheus.Counter
}

// New creates the collectors and registers them with reg (nil = don't register).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Datagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcastguide",
			Name:      "datagrams_total",
			Help:      "Multicast datagrams processed, by outcome.",
		}, []string{"outcome"}),
		FilesAssembled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcastguide",
			Name:      "files_assembled_total",
			Help:      "Files fully reassembled from chunks.",
		}),
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcastguide",
			Name:      "sessions_total",
			Help:      "Multicast sessions finished, by result.",
		}, []string{"result"}),
		EPGFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcastguide",
			Name:      "epg_files_total",
			Help:      "EPG binaries seen by the decoder, by result.",
		}, []string{"result"}),
		RecordsDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcastguide",
			Name:      "epg_records_decoded_total",
			Help:      "EPG program records decoded.",
		}),
		FilesTruncated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcastguide",
			Name:      "epg_files_truncated_total",
			Help:      "EPG files whose remaining records were abandoned after a corrupt record.",
		}),
		ChannelsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcastguide",
			Name:      "channels_skipped_total",
			Help:      "Package entries dropped because the service had no multicast location.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Datagrams, m.FilesAssembled, m.Sessions, m.EPGFiles,
			m.RecordsDecoded, m.FilesTruncated, m.ChannelsSkipped)
	}
	return m
}

func (m *Metrics) Datagram(outcome string) {
	if m == nil {
		return
	}
	m.Datagrams.WithLabelValues(outcome).Inc()
}

func (m *Metrics) FileAssembled(n int) {
	if m == nil {
		return
	}
	m.FilesAssembled.Add(float64(n))
}

func (m *Metrics) Session(result string) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(result).Inc()
}

func (m *Metrics) EPGFile(result string) {
	if m == nil {
		return
	}
	m.EPGFiles.WithLabelValues(result).Inc()
}

func (m *Metrics) Records(decoded int, truncated bool) {
	if m == nil {
		return
	}
	m.RecordsDecoded.Add(float64(decoded))
	if truncated {
		m.FilesTruncated.Inc()
	}
}

func (m *Metrics) ChannelSkipped() {
	if m == nil {
		return
	}
	m.ChannelsSkipped.Inc()
}

// Serve exposes gatherer on addr at /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("metrics: listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
