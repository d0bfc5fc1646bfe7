package iometer_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/derektruong/fxupload/internal/checksum"
	"github.com/derektruong/fxupload/internal/iometer"
	mock_iometer "github.com/derektruong/fxupload/internal/iometer/mock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
)

var _ = Describe("TransferReader", func() {
	var (
		mockCtrl       *gomock.Controller
		mockReadCloser *mock_iometer.MockReadCloser
		sharedSize     int64
		transferReader *iometer.TransferReader
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		DeferCleanup(mockCtrl.Finish)
		mockReadCloser = mock_iometer.NewMockReadCloser(mockCtrl)
		sharedSize = 0
		transferReader = iometer.NewTransferReader(bytes.NewBufferString("test data"), &sharedSize)
	})

	Describe("Read", func() {
		It("should read data and update both counters", func(ctx context.Context) {
			data := make([]byte, 5)
			n, err := transferReader.Read(data)

			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(5))
			Expect(string(data)).To(Equal("test "))
			Expect(transferReader.TransferredSize()).To(Equal(int64(5)))
			Expect(sharedSize).To(Equal(int64(5)))
		}, NodeTimeout(10*time.Second))

		It("should fold the bytes read into the checksum", func(ctx context.Context) {
			_, err := io.Copy(io.Discard, transferReader)
			Expect(err).NotTo(HaveOccurred())
			Expect(transferReader.Checksum()).To(Equal(checksum.Bytes([]byte("test data"))))
			Expect(transferReader.TransferredSize()).To(Equal(int64(9)))
		}, NodeTimeout(10*time.Second))

		It("should work without a shared counter", func(ctx context.Context) {
			reader := iometer.NewTransferReader(bytes.NewBufferString("abc"), nil)
			data := make([]byte, 10)
			n, err := reader.Read(data)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(3))
			Expect(reader.TransferredSize()).To(Equal(int64(3)))
		}, NodeTimeout(10*time.Second))

		It("should propagate errors from the underlying reader", func(ctx context.Context) {
			errorReader := iometer.NewTransferReader(mockReadCloser, &sharedSize)
			mockReadCloser.EXPECT().Read(gomock.Any()).Return(0, errors.New("read error"))
			data := make([]byte, 5)
			n, err := errorReader.Read(data)

			Expect(err).To(MatchError("read error"))
			Expect(n).To(Equal(0))
			Expect(errorReader.TransferredSize()).To(Equal(int64(0)))
			Expect(errorReader.Checksum()).To(Equal("0"))
		}, NodeTimeout(10*time.Second))
	})

	Describe("SetRateLimit", func() {
		It("should throttle reads", func(ctx context.Context) {
			transferReader.SetRateLimit(1)
			data := make([]byte, 3)

			since := time.Now()
			n, err := transferReader.Read(data)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(3))
			Expect(time.Since(since)).To(BeNumerically("~", 3*time.Second, 1*time.Second))
		}, NodeTimeout(10*time.Second))

		It("should remove the limit on a non-positive rate", func(ctx context.Context) {
			transferReader.SetRateLimit(1)
			transferReader.SetRateLimit(0)
			since := time.Now()
			_, err := io.Copy(io.Discard, transferReader)
			Expect(err).NotTo(HaveOccurred())
			Expect(time.Since(since)).To(BeNumerically("<", time.Second))
		}, NodeTimeout(10*time.Second))
	})

	Describe("Close", func() {
		It("should close the underlying reader once", func(ctx context.Context) {
			closable := iometer.NewTransferReader(mockReadCloser, nil)
			mockReadCloser.EXPECT().Close().Return(nil).Times(1)
			Expect(closable.Close()).To(Succeed())
			Expect(closable.Close()).To(Succeed())
		}, NodeTimeout(10*time.Second))

		It("should do nothing if the underlying reader doesn't implement io.Closer", func(ctx context.Context) {
			Expect(transferReader.Close()).To(Succeed())
		}, NodeTimeout(10*time.Second))
	})
})
