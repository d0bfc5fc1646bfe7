package fxupload

import (
	"regexp"
	"time"

	"github.com/derektruong/fxupload/internal/allowance"
	"github.com/derektruong/fxupload/internal/pipeline"
	"github.com/derektruong/fxupload/internal/refill"
	"github.com/derektruong/fxupload/storage"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"
)

const (
	defaultMaxFileSize      = 5 << 40 // 5 TB
	defaultMinFileSize      = 0
	defaultRefreshInterval  = 1 * time.Second
	defaultCancelTimeout    = 5 * time.Second
	defaultStateExpiry      = 30 * time.Minute
	defaultSliceSize        = 10 << 20 // 10 MiB
	defaultMaxRetryAttempts = 3
	defaultInitialDelay     = 100 * time.Millisecond
	defaultMaxDelay         = 2 * time.Second
)

type UploaderOption func(*uploader)

// WithMaxFileSize sets the maximum declared size accepted by Prepare.
// Default is 5 TB.
func WithMaxFileSize(size int64) UploaderOption {
	if size <= 0 {
		size = defaultMaxFileSize
	}
	return func(u *uploader) {
		u.fileRule.MaxFileSize = size
	}
}

// WithMinFileSize sets the minimum declared size accepted by Prepare.
// Default is 0 (no limit).
func WithMinFileSize(size int64) UploaderOption {
	if size <= 0 {
		size = defaultMinFileSize
	}
	return func(u *uploader) {
		u.fileRule.MinFileSize = size
	}
}

// WithExtensionWhitelist sets the list of allowed file extensions.
// Default is empty (no restriction).
func WithExtensionWhitelist(extensions ...string) UploaderOption {
	return func(u *uploader) {
		u.fileRule.ExtensionWhitelist = extensions
	}
}

// WithExtensionBlacklist sets the list of blocked file extensions.
// Default is empty (no restriction).
func WithExtensionBlacklist(extensions ...string) UploaderOption {
	return func(u *uploader) {
		u.fileRule.ExtensionBlacklist = extensions
	}
}

// WithFileNamePattern sets the regular expression pattern for file names.
// Default is nil (no restriction).
func WithFileNamePattern(pattern *regexp.Regexp) UploaderOption {
	return func(u *uploader) {
		u.fileRule.FileNamePattern = pattern
	}
}

// WithFileNameGlobs sets doublestar globs (e.g. "*.{mp4,mov}"), a file name
// must match at least one. Default is empty (no restriction).
func WithFileNameGlobs(globs ...string) UploaderOption {
	return func(u *uploader) {
		u.fileRule.FileNameGlobs = globs
	}
}

// WithRates sets the master, default client and minimum rates in KB/s.
// Zero fields keep their defaults (10 GB/s, 10 MB/s, 10 KB/s).
func WithRates(rates refill.Rates) UploaderOption {
	return func(u *uploader) {
		if rates.MasterKBps > 0 {
			u.rates.MasterKBps = rates.MasterKBps
		}
		if rates.ClientKBps > 0 {
			u.rates.ClientKBps = rates.ClientKBps
		}
		if rates.MinimumKBps > 0 {
			u.rates.MinimumKBps = rates.MinimumKBps
		}
	}
}

// WithTick sets the refill period. Default is 100ms.
func WithTick(tick time.Duration) UploaderOption {
	if tick <= 0 || tick > time.Second {
		tick = refill.DefaultTick
	}
	return func(u *uploader) {
		u.tick = tick
	}
}

// WithWorkers bounds the number of chunk steps running at once.
// Default is 128.
func WithWorkers(workers int) UploaderOption {
	if workers <= 0 {
		workers = pipeline.DefaultWorkers
	}
	return func(u *uploader) {
		u.workers = workers
	}
}

// WithBufferSize bounds the bytes moved by one write step. Default is 8 KiB.
func WithBufferSize(size int) UploaderOption {
	if size <= 0 {
		size = pipeline.DefaultBufferSize
	}
	return func(u *uploader) {
		u.bufferSize = size
	}
}

// WithCancelTimeout bounds how long a cancel waits for the running chunk
// to stop before deleting anyway. Default is 5 seconds.
func WithCancelTimeout(timeout time.Duration) UploaderOption {
	if timeout <= 0 {
		timeout = defaultCancelTimeout
	}
	return func(u *uploader) {
		u.cancelTimeout = timeout
	}
}

// WithExpiry sets the inactivity windows of the request and client
// allowance scopes. Defaults are 10 and 2 minutes.
func WithExpiry(request, client time.Duration) UploaderOption {
	if request <= 0 {
		request = allowance.DefaultRequestExpiry
	}
	if client <= 0 {
		client = allowance.DefaultClientExpiry
	}
	return func(u *uploader) {
		u.requestExpiry = request
		u.clientExpiry = client
	}
}

// WithStateExpiry sets how long the state of an idle client stays in
// memory. Default is 30 minutes.
func WithStateExpiry(expiry time.Duration) UploaderOption {
	if expiry <= 0 {
		expiry = defaultStateExpiry
	}
	return func(u *uploader) {
		u.stateExpiry = expiry
	}
}

// WithSliceSize sets the chunk size advertised to clients by PendingFiles.
// Default is 10 MiB.
func WithSliceSize(size int64) UploaderOption {
	if size <= 0 {
		size = defaultSliceSize
	}
	return func(u *uploader) {
		u.sliceSize = size
	}
}

// WithProgressRefreshInterval sets the interval of progress notifications.
// Default is 1 second.
func WithProgressRefreshInterval(interval time.Duration) UploaderOption {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	return func(u *uploader) {
		u.refreshProgressInterval = interval
	}
}

// WithVerifyReadRate throttles the disk reads of tail verification, in
// bytes per second. Default is 0 (unlimited).
func WithVerifyReadRate(bytesPerSec float64) UploaderOption {
	return func(u *uploader) {
		u.verifyReadRate = max(bytesPerSec, 0)
	}
}

// WithListener registers a Listener, it can be given several times.
func WithListener(listener Listener) UploaderOption {
	return func(u *uploader) {
		if listener != nil {
			u.listeners.add(listener)
		}
	}
}

// WithExporter ships every completed upload with exporter.
func WithExporter(exporter storage.Exporter) UploaderOption {
	return func(u *uploader) {
		u.exporter = exporter
	}
}

// WithMetricsRegisterer registers the pipeline and scheduler collectors
// with registerer.
func WithMetricsRegisterer(registerer prometheus.Registerer) UploaderOption {
	return func(u *uploader) {
		u.registerer = registerer
	}
}

// WithClock replaces the real clock, for tests.
func WithClock(clk clock.WithTickerAndDelayedExecution) UploaderOption {
	return func(u *uploader) {
		if clk != nil {
			u.clock = clk
		}
	}
}

// WithDisabledRetry disables the retry of state persistence. A failed
// persistence is logged and the in-memory state stays authoritative.
func WithDisabledRetry() UploaderOption {
	return func(u *uploader) {
		u.disabledRetry = true
	}
}

// RetryConfig defines the retry configuration of state persistence.
type RetryConfig struct {
	// MaxRetryAttempts is the maximum number of attempts, default = 3.
	MaxRetryAttempts int
	// InitialDelay is the initial delay before the first retry, default = 100ms.
	InitialDelay time.Duration
	// MaxDelay is the maximum delay between retries, default = 2 seconds.
	MaxDelay time.Duration
}

// WithRetryConfig sets the retry configuration of state persistence.
// Support partial configuration, default values will be used if not set.
func WithRetryConfig(config RetryConfig) UploaderOption {
	if config.MaxRetryAttempts <= 0 {
		config.MaxRetryAttempts = defaultMaxRetryAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaultInitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaultMaxDelay
	}
	return func(u *uploader) {
		u.retryConfig = config
	}
}
