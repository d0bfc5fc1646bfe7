package fxupload

import (
	"regexp"
	"time"

	"github.com/derektruong/fxupload/internal/refill"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"
)

var _ = Describe("Uploader options", func() {
	apply := func(opts ...UploaderOption) *uploader {
		u := defaultUploader(GinkgoLogr)
		for _, opt := range opts {
			opt(u)
		}
		return u
	}

	It("should hold the defaults", func() {
		u := apply()
		Expect(u.fileRule.MaxFileSize).To(Equal(int64(defaultMaxFileSize)))
		Expect(u.rates.MasterKBps).To(Equal(int64(refill.DefaultMasterRateKBps)))
		Expect(u.rates.ClientKBps).To(Equal(int64(refill.DefaultClientRateKBps)))
		Expect(u.tick).To(Equal(refill.DefaultTick))
		Expect(u.sliceSize).To(Equal(int64(defaultSliceSize)))
		Expect(u.cancelTimeout).To(Equal(defaultCancelTimeout))
		Expect(u.disabledRetry).To(BeFalse())
	})

	It("should set correct file rules", func() {
		pattern := regexp.MustCompile(`^[a-z]+$`)
		u := apply(
			WithMaxFileSize(1024),
			WithMinFileSize(16),
			WithExtensionWhitelist("png", "jpg"),
			WithExtensionBlacklist("exe"),
			WithFileNamePattern(pattern),
			WithFileNameGlobs("*.{png,jpg}"),
		)
		Expect(u.fileRule.MaxFileSize).To(Equal(int64(1024)))
		Expect(u.fileRule.MinFileSize).To(Equal(int64(16)))
		Expect(u.fileRule.ExtensionWhitelist).To(Equal([]string{"png", "jpg"}))
		Expect(u.fileRule.ExtensionBlacklist).To(Equal([]string{"exe"}))
		Expect(u.fileRule.FileNamePattern).To(Equal(pattern))
		Expect(u.fileRule.FileNameGlobs).To(Equal([]string{"*.{png,jpg}"}))
	})

	It("should fall back to the default max file size", func() {
		u := apply(WithMaxFileSize(-1))
		Expect(u.fileRule.MaxFileSize).To(Equal(int64(defaultMaxFileSize)))
	})

	It("should only override the given rates", func() {
		u := apply(WithRates(refill.Rates{ClientKBps: 20}))
		Expect(u.rates.ClientKBps).To(Equal(int64(20)))
		Expect(u.rates.MasterKBps).To(Equal(int64(refill.DefaultMasterRateKBps)))
		Expect(u.rates.MinimumKBps).To(Equal(int64(refill.DefaultMinimumRateKBps)))
	})

	It("should reject a tick longer than a second", func() {
		Expect(apply(WithTick(2 * time.Second)).tick).To(Equal(refill.DefaultTick))
		Expect(apply(WithTick(50 * time.Millisecond)).tick).To(Equal(50 * time.Millisecond))
	})

	It("should set correct pipeline sizes", func() {
		u := apply(WithWorkers(4), WithBufferSize(1024), WithSliceSize(1<<20))
		Expect(u.workers).To(Equal(4))
		Expect(u.bufferSize).To(Equal(1024))
		Expect(u.sliceSize).To(Equal(int64(1 << 20)))
	})

	It("should set correct expiries", func() {
		u := apply(WithExpiry(time.Minute, 0), WithStateExpiry(time.Hour), WithCancelTimeout(time.Second))
		Expect(u.requestExpiry).To(Equal(time.Minute))
		Expect(u.clientExpiry).ToNot(BeZero())
		Expect(u.stateExpiry).To(Equal(time.Hour))
		Expect(u.cancelTimeout).To(Equal(time.Second))
	})

	It("should set correct refresh progress interval", func() {
		u := apply(WithProgressRefreshInterval(5 * time.Second))
		Expect(u.refreshProgressInterval).To(Equal(5 * time.Second))
	})

	It("should never keep a negative verify read rate", func() {
		Expect(apply(WithVerifyReadRate(-5)).verifyReadRate).To(BeZero())
		Expect(apply(WithVerifyReadRate(1 << 20)).verifyReadRate).To(Equal(float64(1 << 20)))
	})

	It("should register every listener", func() {
		u := apply(WithListener(ListenerAdapter{}), WithListener(nil), WithListener(ListenerAdapter{}))
		Expect(u.listeners.all).To(HaveLen(2))
	})

	It("should replace the clock", func() {
		clk := clocktesting.NewFakeClock(time.Now())
		Expect(apply(WithClock(clk)).clock).To(BeIdenticalTo(clk))
	})

	It("should set correct disabled retry", func() {
		Expect(apply(WithDisabledRetry()).disabledRetry).To(BeTrue())
	})

	It("should set correct retry config", func() {
		u := apply(WithRetryConfig(RetryConfig{MaxRetryAttempts: 5}))
		Expect(u.retryConfig.MaxRetryAttempts).To(Equal(5))
		Expect(u.retryConfig.InitialDelay).To(Equal(defaultInitialDelay))
		Expect(u.retryConfig.MaxDelay).To(Equal(defaultMaxDelay))
	})
})
