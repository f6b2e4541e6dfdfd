package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/tokenbroker"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Handshake metrics
	HandshakesStartedTotal   metric.Int64Counter
	HandshakesCompletedTotal metric.Int64Counter
	HandshakesFailedTotal    metric.Int64Counter
	CodeExchangeDuration     metric.Float64Histogram

	// Broker metrics
	TokenRequestsTotal    metric.Int64Counter
	TokenRefreshesTotal   metric.Int64Counter
	TokenRefreshErrors    metric.Int64Counter
	TokenRefreshDuration  metric.Float64Histogram
	RefreshConflictsTotal metric.Int64Counter
	ConnectionsRevoked    metric.Int64Counter

	// Cipher metrics
	DecryptFailuresTotal metric.Int64Counter

	// Config metrics
	ConfigValidationErrors metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	// Handshake metrics
	m.HandshakesStartedTotal, _ = meter.Int64Counter(
		"tokenbroker.handshakes.started.total",
		metric.WithDescription("Total number of authorization handshakes started"),
		metric.WithUnit("{handshake}"),
	)

	m.HandshakesCompletedTotal, _ = meter.Int64Counter(
		"tokenbroker.handshakes.completed.total",
		metric.WithDescription("Total number of authorization handshakes that stored a connection"),
		metric.WithUnit("{handshake}"),
	)

	m.HandshakesFailedTotal, _ = meter.Int64Counter(
		"tokenbroker.handshakes.failed.total",
		metric.WithDescription("Total number of failed authorization handshakes by reason"),
		metric.WithUnit("{handshake}"),
	)

	m.CodeExchangeDuration, _ = meter.Float64Histogram(
		"tokenbroker.handshakes.exchange.duration",
		metric.WithDescription("Duration of authorization code exchanges"),
		metric.WithUnit("ms"),
	)

	// Broker metrics
	m.TokenRequestsTotal, _ = meter.Int64Counter(
		"tokenbroker.tokens.requests.total",
		metric.WithDescription("Total number of access token requests"),
		metric.WithUnit("{request}"),
	)

	m.TokenRefreshesTotal, _ = meter.Int64Counter(
		"tokenbroker.tokens.refreshes.total",
		metric.WithDescription("Total number of refresh calls made to providers"),
		metric.WithUnit("{refresh}"),
	)

	m.TokenRefreshErrors, _ = meter.Int64Counter(
		"tokenbroker.tokens.refreshes.errors.total",
		metric.WithDescription("Total number of failed refresh calls"),
		metric.WithUnit("{error}"),
	)

	m.TokenRefreshDuration, _ = meter.Float64Histogram(
		"tokenbroker.tokens.refreshes.duration",
		metric.WithDescription("Duration of refresh calls"),
		metric.WithUnit("ms"),
	)

	m.RefreshConflictsTotal, _ = meter.Int64Counter(
		"tokenbroker.tokens.refreshes.conflicts.total",
		metric.WithDescription("Total number of refreshes that lost the version compare-and-swap"),
		metric.WithUnit("{conflict}"),
	)

	m.ConnectionsRevoked, _ = meter.Int64Counter(
		"tokenbroker.connections.revoked.total",
		metric.WithDescription("Total number of connections marked revoked by a provider"),
		metric.WithUnit("{connection}"),
	)

	// Cipher metrics
	m.DecryptFailuresTotal, _ = meter.Int64Counter(
		"tokenbroker.cipher.decrypt_failures.total",
		metric.WithDescription("Total number of stored credentials that failed to decrypt"),
		metric.WithUnit("{error}"),
	)

	// Config metrics
	m.ConfigValidationErrors, _ = meter.Int64Counter(
		"tokenbroker.configs.validation_errors.total",
		metric.WithDescription("Total number of rejected configuration payloads"),
		metric.WithUnit("{error}"),
	)

	return m
}
