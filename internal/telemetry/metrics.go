package telemetry

import "time"

// Metrics is the observation surface shared by the sync, webhook, image and
// search layers.
type Metrics interface {
	ObserveSyncRun(mode, state string, duration time.Duration)
	AddSyncObjects(mode, outcome string, n int)
	ObserveFetchRetry(op string)
	ObserveWebhook(disposition string)
	ObserveWebhookResolution(resolution string)
	ObserveImageLookup(result string)
	ObserveImageEviction(count int, bytes int64)
	SetImageCacheBytes(bytes int64)
	ObserveSearch(duration time.Duration, results int, cached bool)
}

type NoopMetrics struct{}

func (NoopMetrics) ObserveSyncRun(string, string, time.Duration) {}
func (NoopMetrics) AddSyncObjects(string, string, int)           {}
func (NoopMetrics) ObserveFetchRetry(string)                     {}
func (NoopMetrics) ObserveWebhook(string)                        {}
func (NoopMetrics) ObserveWebhookResolution(string)              {}
func (NoopMetrics) ObserveImageLookup(string)                    {}
func (NoopMetrics) ObserveImageEviction(int, int64)              {}
func (NoopMetrics) SetImageCacheBytes(int64)                     {}
func (NoopMetrics) ObserveSearch(time.Duration, int, bool)       {}

var _ Metrics = NoopMetrics{}
