// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes Prometheus instrumentation for issuance and
// activation traffic.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Manager owns the registry and the domain counters.
type Manager struct {
	log      zerolog.Logger
	registry *prometheus.Registry

	tokensIssued   *prometheus.CounterVec
	decodeFailures *prometheus.CounterVec
	bindOutcomes   *prometheus.CounterVec
	activeBindings prometheus.Gauge
	webhooks       *prometheus.CounterVec
}

func NewManager(log zerolog.Logger) *Manager {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Manager{
		log:      log.With().Str("component", "metrics").Logger(),
		registry: registry,

		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keygate_tokens_issued_total",
			Help: "Activation codes issued, by product type.",
		}, []string{"product_type"}),

		decodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keygate_decode_failures_total",
			Help: "Activation code decode failures, by kind.",
		}, []string{"kind"}),

		bindOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keygate_bind_outcomes_total",
			Help: "Device bind attempts, by outcome.",
		}, []string{"outcome"}),

		activeBindings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keygate_active_bindings",
			Help: "Active device bindings across all licenses.",
		}),

		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keygate_webhooks_total",
			Help: "Webhook deliveries received, by result.",
		}, []string{"result"}),
	}

	registry.MustRegister(m.tokensIssued, m.decodeFailures, m.bindOutcomes, m.activeBindings, m.webhooks)

	return m
}

func (m *Manager) TokenIssued(productType string) {
	m.tokensIssued.WithLabelValues(productType).Inc()
}

func (m *Manager) DecodeFailure(kind string) {
	m.decodeFailures.WithLabelValues(kind).Inc()
}

func (m *Manager) BindOutcome(outcome string) {
	m.bindOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Manager) SetActiveBindings(n int) {
	m.activeBindings.Set(float64(n))
}

func (m *Manager) Webhook(result string) {
	m.webhooks.WithLabelValues(result).Inc()
}

// Handler serves the registry in the text exposition format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs a dedicated metrics listener until ctx is cancelled. Keeping
// metrics off the public API port means the scrape endpoint never needs the
// API key middleware.
func (m *Manager) Serve(ctx context.Context, addr string) error {
	r := chi.NewRouter()
	r.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		m.log.Info().Str("addr", addr).Msg("Metrics server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
