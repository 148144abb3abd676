// Package telemetry provides the Prometheus counters for the playlist relay.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// labels: platform, result (added|skipped|error)
	Additions *prometheus.CounterVec
	// labels: platform, status
	Mirrors *prometheus.CounterVec
	// labels: platform, reason (unauthorized|rate_limited|server_error)
	ProviderRetries *prometheus.CounterVec
	// labels: platform, result (ok|error)
	TokenRefreshes *prometheus.CounterVec
	// labels: mode (webhook|bot|failed)
	RelaySends *prometheus.CounterVec
	// labels: command
	Commands *prometheus.CounterVec
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		Additions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_playlist_additions_total", Help: "Primary playlist additions by platform and result"}, []string{"platform", "result"})
		Mirrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_playlist_mirrors_total", Help: "Mirror attempts onto the companion platform by status"}, []string{"platform", "status"})
		ProviderRetries = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_provider_retries_total", Help: "Catalog API retries by platform and reason"}, []string{"platform", "reason"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_token_refreshes_total", Help: "OAuth token refreshes by platform and result"}, []string{"platform", "result"})
		RelaySends = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_chat_sends_total", Help: "Chat relays by delivery mode"}, []string{"mode"})
		Commands = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_commands_total", Help: "Slash commands handled"}, []string{"command"})
	})
}

func inc(vec *prometheus.CounterVec, labels ...string) {
	if vec != nil {
		vec.WithLabelValues(labels...).Inc()
	}
}

func RecordAddition(platform, result string) { inc(Additions, platform, result) }

func RecordMirror(platform, status string) { inc(Mirrors, platform, status) }

func RecordRetry(platform, reason string) { inc(ProviderRetries, platform, reason) }

func RecordTokenRefresh(platform string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	inc(TokenRefreshes, platform, result)
}

func RecordRelaySend(mode string) { inc(RelaySends, mode) }

func RecordCommand(command string) { inc(Commands, command) }
