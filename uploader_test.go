package fxupload_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/derektruong/fxupload"
	"github.com/derektruong/fxupload/internal/checksum"
	"github.com/derektruong/fxupload/internal/refill"
	"github.com/derektruong/fxupload/internal/upstate"
	"github.com/derektruong/fxupload/storage"
	"github.com/derektruong/fxupload/storage/local"
	mock_storage "github.com/derektruong/fxupload/storage/mock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
)

var _ = Describe("Uploader", func() {
	var (
		clientID string
		content  []byte
	)

	BeforeEach(func() {
		clientID = gofakeit.UUID()
		content = []byte("abcdefghi")
	})

	prepare := func(ctx context.Context, up fxupload.Uploader, size int) string {
		fileID, err := up.Prepare(ctx, clientID, fxupload.PrepareCommand{
			FileName: gofakeit.Word() + ".bin",
			Size:     int64(size),
		})
		Expect(err).ToNot(HaveOccurred())
		return fileID
	}

	chunk := func(fileID string, b []byte) fxupload.ChunkCommand {
		return fxupload.ChunkCommand{
			FileID:   fileID,
			Checksum: checksum.Bytes(b),
			Body:     bytes.NewReader(b),
		}
	}

	Describe("Prepare", func() {
		It("should create an empty backing file", func(ctx context.Context) {
			up, _ := uploaderFactory(ctx)
			fileID := prepare(ctx, up, len(content))

			config, err := up.PendingFiles(ctx, clientID)
			Expect(err).ToNot(HaveOccurred())
			Expect(config.Files).To(HaveLen(1))
			Expect(config.Files[0].ID).To(Equal(fileID))
			Expect(config.Files[0].FileSize).To(BeZero())
			Expect(config.Files[0].ValidatedBytes).To(BeZero())
		}, NodeTimeout(10*time.Second))

		It("should apply the file rules", func(ctx context.Context) {
			up, _ := uploaderFactory(ctx, fxupload.WithMaxFileSize(8), fxupload.WithExtensionBlacklist("exe"))

			_, err := up.Prepare(ctx, clientID, fxupload.PrepareCommand{FileName: "a.bin", Size: 9})
			Expect(err).To(MatchError(fxupload.ErrMaxFileSizeExceeded(8, 9)))

			_, err = up.Prepare(ctx, clientID, fxupload.PrepareCommand{FileName: "a.exe", Size: 1})
			Expect(err).To(HaveOccurred())
		}, NodeTimeout(10*time.Second))

		It("should reject an invalid client id", func(ctx context.Context) {
			up, _ := uploaderFactory(ctx)
			_, err := up.Prepare(ctx, "../etc", fxupload.PrepareCommand{FileName: "a.bin", Size: 1})
			Expect(err).To(MatchError(storage.ErrInvalidClientID))
		}, NodeTimeout(10*time.Second))
	})

	Describe("Process", func() {
		It("should validate chunks one after the other", func(ctx context.Context) {
			up, _ := uploaderFactory(ctx)
			fileID := prepare(ctx, up, len(content))

			for _, step := range []struct {
				chunk    []byte
				progress float64
			}{
				{content[:3], 33.33},
				{content[3:5], 55.55},
				{content[5:], 100},
			} {
				Expect(up.Process(ctx, clientID, chunk(fileID, step.chunk))).To(Succeed())
				progress, err := up.Progress(ctx, clientID, fileID)
				Expect(err).ToNot(HaveOccurred())
				Expect(progress.Percentage).To(BeNumerically("~", step.progress, 0.01))
			}

			config, err := up.PendingFiles(ctx, clientID)
			Expect(err).ToNot(HaveOccurred())
			Expect(config.Files).To(BeEmpty())
		}, NodeTimeout(10*time.Second))

		It("should keep a mismatching chunk unvalidated", func(ctx context.Context) {
			up, _ := uploaderFactory(ctx)
			fileID := prepare(ctx, up, len(content))

			err := up.Process(ctx, clientID, fxupload.ChunkCommand{
				FileID:   fileID,
				Checksum: "lala",
				Body:     bytes.NewReader(content[:3]),
			})
			Expect(errors.Is(err, fxupload.ErrChecksumMismatch)).To(BeTrue())
			var mismatch *fxupload.ChecksumMismatchError
			Expect(errors.As(err, &mismatch)).To(BeTrue())
			Expect(mismatch.Expected).To(Equal("lala"))

			config, err := up.PendingFiles(ctx, clientID)
			Expect(err).ToNot(HaveOccurred())
			Expect(config.Files[0].ValidatedBytes).To(BeZero())
			Expect(config.Files[0].FileSize).To(Equal(int64(3)))
		}, NodeTimeout(10*time.Second))

		It("should ignore chunks of a completed upload", func(ctx context.Context) {
			up, files := uploaderFactory(ctx)
			fileID := prepare(ctx, up, len(content))
			Expect(up.Process(ctx, clientID, chunk(fileID, content))).To(Succeed())
			Expect(up.Process(ctx, clientID, chunk(fileID, content))).To(Succeed())

			config, err := up.PendingFiles(ctx, clientID)
			Expect(err).ToNot(HaveOccurred())
			Expect(config.Files).To(BeEmpty())
			Expect(files.BytesWritten()).To(Equal(int64(len(content))))
		}, NodeTimeout(10*time.Second))

		It("should return not found for an unknown upload", func(ctx context.Context) {
			up, _ := uploaderFactory(ctx)
			err := up.Process(ctx, clientID, chunk(gofakeit.UUID(), content))
			Expect(err).To(MatchError(fxupload.ErrUploadNotFound))
		}, NodeTimeout(10*time.Second))

		It("should throttle to the client rate", func(ctx context.Context) {
			up, _ := uploaderFactory(ctx, fxupload.WithRates(refill.Rates{ClientKBps: 10}))
			body := []byte(gofakeit.LetterN(10 * 1024))
			fileID := prepare(ctx, up, len(body))

			start := time.Now()
			Expect(up.Process(ctx, clientID, chunk(fileID, body))).To(Succeed())
			Expect(time.Since(start)).To(BeNumerically("~", time.Second, 150*time.Millisecond))
		}, NodeTimeout(10*time.Second))

		It("should throttle to the rate override of the upload", func(ctx context.Context) {
			up, _ := uploaderFactory(ctx, fxupload.WithRates(refill.Rates{ClientKBps: 1000}))
			body := []byte(gofakeit.LetterN(10 * 1024))
			fileID := prepare(ctx, up, len(body))
			Expect(up.SetRate(ctx, clientID, fxupload.RateCommand{FileID: fileID, RateKBps: 20})).To(Succeed())

			start := time.Now()
			Expect(up.Process(ctx, clientID, chunk(fileID, body))).To(Succeed())
			Expect(time.Since(start)).To(BeNumerically("~", 500*time.Millisecond, 75*time.Millisecond))

			config, err := up.PendingFiles(ctx, clientID)
			Expect(err).ToNot(HaveOccurred())
			Expect(config.Files).To(BeEmpty())
		}, NodeTimeout(10*time.Second))

		DescribeTable("should apply rates changed at runtime",
			func(ctx context.Context, set func(fxupload.Uploader)) {
				up, _ := uploaderFactory(ctx)
				set(up)
				body := []byte(gofakeit.LetterN(10 * 1024))
				fileID := prepare(ctx, up, len(body))

				start := time.Now()
				Expect(up.Process(ctx, clientID, chunk(fileID, body))).To(Succeed())
				Expect(time.Since(start)).To(BeNumerically("~", time.Second, 150*time.Millisecond))
			},
			Entry("client rate", func(up fxupload.Uploader) { up.SetClientRate(10) }, NodeTimeout(10*time.Second)),
			Entry("master rate", func(up fxupload.Uploader) { up.SetMasterRate(10) }, NodeTimeout(10*time.Second)),
		)

		It("should refuse a second chunk while one is running", func(ctx context.Context) {
			up, _ := uploaderFactory(ctx, fxupload.WithRates(refill.Rates{ClientKBps: 10}))
			body := []byte(gofakeit.LetterN(20 * 1024))
			fileID := prepare(ctx, up, len(body))

			done := make(chan error, 1)
			go func() {
				done <- up.Process(ctx, clientID, chunk(fileID, body))
			}()
			Eventually(func() int64 { return up.UploadStat(fileID) }).Should(BeNumerically(">", 0))
			Expect(up.Process(ctx, clientID, chunk(fileID, content))).To(MatchError(fxupload.ErrUploadBusy))

			Expect(up.CancelFile(ctx, clientID, fileID)).To(Succeed())
			Eventually(done).Should(Receive(MatchError(fxupload.ErrUploadCancelled)))
		}, NodeTimeout(10*time.Second))
	})

	Describe("Pause and Resume", func() {
		It("should stop a running chunk and refuse new ones until resumed", func(ctx context.Context) {
			listener := &recordingListener{}
			up, _ := uploaderFactory(ctx,
				fxupload.WithRates(refill.Rates{ClientKBps: 10}),
				fxupload.WithListener(listener))
			body := []byte(gofakeit.LetterN(20 * 1024))
			fileID := prepare(ctx, up, len(body))

			done := make(chan error, 1)
			go func() {
				done <- up.Process(ctx, clientID, chunk(fileID, body))
			}()
			Eventually(func() int64 { return up.UploadStat(fileID) }).Should(BeNumerically(">", 0))

			Expect(up.Pause(ctx, clientID, fileID)).To(Succeed())
			Eventually(done).Should(Receive(MatchError(fxupload.ErrUploadPaused)))
			Expect(up.Process(ctx, clientID, chunk(fileID, content))).To(MatchError(fxupload.ErrUploadPaused))

			file, err := up.Resume(ctx, clientID, fileID)
			Expect(err).ToNot(HaveOccurred())
			Expect(file.ValidatedBytes).To(BeZero())
			Expect(file.FileSize).To(BeNumerically(">", 0))
			Expect(listener.Events()).To(ContainElements("paused", "resumed"))
		}, NodeTimeout(10*time.Second))

		It("should fail to pause an unknown upload", func(ctx context.Context) {
			up, _ := uploaderFactory(ctx)
			Expect(up.Pause(ctx, clientID, gofakeit.UUID())).To(MatchError(fxupload.ErrUploadNotFound))
		}, NodeTimeout(10*time.Second))

		It("should unpause uploads listed by PendingFiles", func(ctx context.Context) {
			up, _ := uploaderFactory(ctx)
			fileID := prepare(ctx, up, len(content))
			Expect(up.Pause(ctx, clientID, fileID)).To(Succeed())

			_, err := up.PendingFiles(ctx, clientID)
			Expect(err).ToNot(HaveOccurred())
			Expect(up.Process(ctx, clientID, chunk(fileID, content))).To(Succeed())
		}, NodeTimeout(10*time.Second))

		It("should stay paused once the allowance scope expired", func(ctx context.Context) {
			up, _ := uploaderFactory(ctx, fxupload.WithExpiry(200*time.Millisecond, time.Minute))
			fileID := prepare(ctx, up, len(content))
			Expect(up.Pause(ctx, clientID, fileID)).To(Succeed())

			time.Sleep(600 * time.Millisecond)
			Expect(up.Process(ctx, clientID, chunk(fileID, content))).To(MatchError(fxupload.ErrUploadPaused))

			_, err := up.Resume(ctx, clientID, fileID)
			Expect(err).ToNot(HaveOccurred())
			Expect(up.Process(ctx, clientID, chunk(fileID, content))).To(Succeed())
		}, NodeTimeout(10*time.Second))

		It("should keep the pause across restarts", func(ctx context.Context) {
			root := filepath.Join(tempDir, gofakeit.UUID())
			store, err := local.NewStore(GinkgoLogr, filepath.Join(root, "state"))
			Expect(err).ToNot(HaveOccurred())
			files, err := local.NewFiles(GinkgoLogr, filepath.Join(root, "files"))
			Expect(err).ToNot(HaveOccurred())

			first, err := fxupload.NewUploader(GinkgoLogr, store, files)
			Expect(err).ToNot(HaveOccurred())
			first.Start(context.WithoutCancel(ctx))
			fileID := prepare(ctx, first, len(content))
			Expect(first.Pause(ctx, clientID, fileID)).To(Succeed())
			first.Close()

			second, err := fxupload.NewUploader(GinkgoLogr, store, files)
			Expect(err).ToNot(HaveOccurred())
			second.Start(context.WithoutCancel(ctx))
			DeferCleanup(second.Close)
			Expect(second.Process(ctx, clientID, chunk(fileID, content))).To(MatchError(fxupload.ErrUploadPaused))
		}, NodeTimeout(10*time.Second))

		It("should pause nothing when one of the uploads is unknown", func(ctx context.Context) {
			up, _ := uploaderFactory(ctx)
			fileID := prepare(ctx, up, len(content))
			Expect(up.Pause(ctx, clientID, fileID, gofakeit.UUID())).To(MatchError(fxupload.ErrUploadNotFound))
			Expect(up.Process(ctx, clientID, chunk(fileID, content))).To(Succeed())
		}, NodeTimeout(10*time.Second))
	})

	Describe("Cancel", func() {
		It("should stop a running chunk and delete the upload", func(ctx context.Context) {
			listener := &recordingListener{}
			up, files := uploaderFactory(ctx,
				fxupload.WithRates(refill.Rates{ClientKBps: 10}),
				fxupload.WithListener(listener))
			body := []byte(gofakeit.LetterN(50 * 1024))
			fileID := prepare(ctx, up, len(body))

			done := make(chan error, 1)
			go func() {
				done <- up.Process(ctx, clientID, chunk(fileID, body))
			}()
			Eventually(func() int64 { return up.UploadStat(fileID) }).Should(BeNumerically(">", 0))

			Expect(up.CancelFile(ctx, clientID, fileID)).To(Succeed())
			Eventually(done).Should(Receive(MatchError(fxupload.ErrUploadCancelled)))

			_, err := up.Progress(ctx, clientID, fileID)
			Expect(err).To(MatchError(fxupload.ErrUploadNotFound))
			entries, err := os.ReadDir(filepath.Join(files.Root(), clientID))
			Expect(err).ToNot(HaveOccurred())
			Expect(entries).To(BeEmpty())
			Expect(listener.Events()).To(ContainElement("cancelled"))
		}, NodeTimeout(10*time.Second))

		It("should delete every upload of a client", func(ctx context.Context) {
			up, files := uploaderFactory(ctx)
			first := prepare(ctx, up, len(content))
			second := prepare(ctx, up, len(content))
			Expect(up.Process(ctx, clientID, chunk(first, content[:3]))).To(Succeed())

			Expect(up.CancelAll(ctx, clientID)).To(Succeed())
			for _, fileID := range []string{first, second} {
				_, err := up.Progress(ctx, clientID, fileID)
				Expect(err).To(MatchError(fxupload.ErrUploadNotFound))
			}
			entries, err := os.ReadDir(filepath.Join(files.Root(), clientID))
			Expect(err).ToNot(HaveOccurred())
			Expect(entries).To(BeEmpty())
		}, NodeTimeout(10*time.Second))
	})

	Describe("VerifyUncheckedTail", func() {
		var (
			up     fxupload.Uploader
			fileID string
		)

		BeforeEach(func(ctx context.Context) {
			up, _ = uploaderFactory(ctx)
			fileID = prepare(ctx, up, len(content))
			Expect(up.Process(ctx, clientID, chunk(fileID, content[:3]))).To(Succeed())
			err := up.Process(ctx, clientID, fxupload.ChunkCommand{
				FileID:   fileID,
				Checksum: "lala",
				Body:     bytes.NewReader(content[3:6]),
			})
			Expect(err).To(MatchError(fxupload.ErrChecksumMismatch))
		}, NodeTimeout(10*time.Second))

		It("should promote a matching tail", func(ctx context.Context) {
			Expect(up.VerifyUncheckedTail(ctx, clientID, fxupload.VerifyCommand{
				FileID:   fileID,
				Checksum: checksum.Bytes(content[3:6]),
			})).To(Succeed())

			progress, err := up.Progress(ctx, clientID, fileID)
			Expect(err).ToNot(HaveOccurred())
			Expect(progress.ValidatedBytes).To(Equal(int64(6)))

			By("verifying again with the same checksum")
			Expect(up.VerifyUncheckedTail(ctx, clientID, fxupload.VerifyCommand{
				FileID:   fileID,
				Checksum: checksum.Bytes(content[3:6]),
			})).To(Succeed())
			progress, err = up.Progress(ctx, clientID, fileID)
			Expect(err).ToNot(HaveOccurred())
			Expect(progress.ValidatedBytes).To(Equal(int64(6)))
		}, NodeTimeout(10*time.Second))

		It("should truncate a mismatching tail", func(ctx context.Context) {
			err := up.VerifyUncheckedTail(ctx, clientID, fxupload.VerifyCommand{
				FileID:   fileID,
				Checksum: "lala",
			})
			Expect(err).To(MatchError(fxupload.ErrChecksumMismatch))

			config, err := up.PendingFiles(ctx, clientID)
			Expect(err).ToNot(HaveOccurred())
			Expect(config.Files[0].ValidatedBytes).To(Equal(int64(3)))
			Expect(config.Files[0].FileSize).To(Equal(int64(3)))

			By("resuming from the watermark")
			Expect(up.Process(ctx, clientID, chunk(fileID, content[3:]))).To(Succeed())
			progress, err := up.Progress(ctx, clientID, fileID)
			Expect(err).ToNot(HaveOccurred())
			Expect(progress.Percentage).To(Equal(100.0))
		}, NodeTimeout(10*time.Second))
	})

	Describe("FirstChunkChecksum", func() {
		It("should return the checksum of the first bytes", func(ctx context.Context) {
			up, _ := uploaderFactory(ctx)
			fileID := prepare(ctx, up, len(content))
			Expect(up.Process(ctx, clientID, chunk(fileID, content))).To(Succeed())

			sum, err := up.FirstChunkChecksum(ctx, clientID, fileID)
			Expect(err).ToNot(HaveOccurred())
			Expect(sum).To(Equal(checksum.Bytes(content)))
		}, NodeTimeout(10*time.Second))
	})

	Describe("listeners and exporter", func() {
		It("should notify the lifecycle of an upload", func(ctx context.Context) {
			listener := &recordingListener{}
			up, _ := uploaderFactory(ctx, fxupload.WithListener(listener))
			fileID := prepare(ctx, up, len(content))
			Expect(up.Process(ctx, clientID, chunk(fileID, content))).To(Succeed())
			Expect(listener.Events()).To(Equal([]string{"new_client", "prepared", "end"}))
		}, NodeTimeout(10*time.Second))

		It("should report progress of running chunks", func(ctx context.Context) {
			listener := &recordingListener{}
			up, _ := uploaderFactory(ctx,
				fxupload.WithRates(refill.Rates{ClientKBps: 10}),
				fxupload.WithProgressRefreshInterval(100*time.Millisecond),
				fxupload.WithListener(listener))
			body := []byte(gofakeit.LetterN(10 * 1024))
			fileID := prepare(ctx, up, len(body))

			Expect(up.Process(ctx, clientID, chunk(fileID, body))).To(Succeed())
			Expect(listener.Progress()).ToNot(BeEmpty())
			Expect(listener.Progress()).To(HaveEach(BeNumerically("<", 100)))
		}, NodeTimeout(10*time.Second))

		It("should export completed uploads", func(ctx context.Context) {
			ctrl := gomock.NewController(GinkgoT())
			exporter := mock_storage.NewMockExporter(ctrl)
			exported := make(chan []byte, 1)
			exporter.EXPECT().
				Export(gomock.Any(), gomock.Any()).
				DoAndReturn(func(_ context.Context, obj storage.ExportObject) error {
					defer GinkgoRecover()
					Expect(obj.Size).To(Equal(int64(len(content))))
					b, err := io.ReadAll(io.NewSectionReader(obj.Body, 0, obj.Size))
					Expect(err).ToNot(HaveOccurred())
					exported <- b
					return nil
				})

			up, _ := uploaderFactory(ctx, fxupload.WithExporter(exporter))
			fileID := prepare(ctx, up, len(content))
			Expect(up.Process(ctx, clientID, chunk(fileID, content))).To(Succeed())
			Eventually(exported).Should(Receive(Equal(content)))
		}, NodeTimeout(10*time.Second))
	})

	Describe("persistence", func() {
		It("should keep serving from memory when persisting fails", func(ctx context.Context) {
			ctrl := gomock.NewController(GinkgoT())
			store := mock_storage.NewMockStore(ctrl)
			store.EXPECT().GetState(gomock.Any(), clientID).Return(upstate.State{}, storage.ErrStateNotExists).AnyTimes()
			store.EXPECT().Persist(gomock.Any(), clientID, gomock.Any()).Return(errors.New("disk full")).AnyTimes()

			files, err := local.NewFiles(GinkgoLogr, filepath.Join(tempDir, gofakeit.UUID()))
			Expect(err).ToNot(HaveOccurred())
			up, err := fxupload.NewUploader(GinkgoLogr, store, files, fxupload.WithDisabledRetry())
			Expect(err).ToNot(HaveOccurred())
			up.Start(context.WithoutCancel(ctx))
			DeferCleanup(up.Close)

			fileID := prepare(ctx, up, len(content))
			Expect(up.Process(ctx, clientID, chunk(fileID, content[:3]))).To(Succeed())
			progress, err := up.Progress(ctx, clientID, fileID)
			Expect(err).ToNot(HaveOccurred())
			Expect(progress.ValidatedBytes).To(Equal(int64(3)))
		}, NodeTimeout(10*time.Second))

		It("should keep an unsaved state past the state expiry", func(ctx context.Context) {
			ctrl := gomock.NewController(GinkgoT())
			store := mock_storage.NewMockStore(ctrl)
			store.EXPECT().GetState(gomock.Any(), clientID).Return(upstate.State{}, storage.ErrStateNotExists).AnyTimes()
			store.EXPECT().Persist(gomock.Any(), clientID, gomock.Any()).Return(errors.New("disk full")).AnyTimes()

			files, err := local.NewFiles(GinkgoLogr, filepath.Join(tempDir, gofakeit.UUID()))
			Expect(err).ToNot(HaveOccurred())
			up, err := fxupload.NewUploader(GinkgoLogr, store, files,
				fxupload.WithDisabledRetry(),
				fxupload.WithStateExpiry(200*time.Millisecond))
			Expect(err).ToNot(HaveOccurred())
			up.Start(context.WithoutCancel(ctx))
			DeferCleanup(up.Close)

			fileID := prepare(ctx, up, len(content))
			time.Sleep(600 * time.Millisecond)
			Expect(up.Process(ctx, clientID, chunk(fileID, content[:3]))).To(Succeed())

			time.Sleep(600 * time.Millisecond)
			progress, err := up.Progress(ctx, clientID, fileID)
			Expect(err).ToNot(HaveOccurred())
			Expect(progress.ValidatedBytes).To(Equal(int64(3)))
		}, NodeTimeout(10*time.Second))

		It("should let a saved state expire", func(ctx context.Context) {
			ctrl := gomock.NewController(GinkgoT())
			store := mock_storage.NewMockStore(ctrl)
			store.EXPECT().GetState(gomock.Any(), clientID).Return(upstate.State{}, storage.ErrStateNotExists).Times(2)
			store.EXPECT().Persist(gomock.Any(), clientID, gomock.Any()).Return(nil).AnyTimes()

			files, err := local.NewFiles(GinkgoLogr, filepath.Join(tempDir, gofakeit.UUID()))
			Expect(err).ToNot(HaveOccurred())
			up, err := fxupload.NewUploader(GinkgoLogr, store, files, fxupload.WithStateExpiry(200*time.Millisecond))
			Expect(err).ToNot(HaveOccurred())
			up.Start(context.WithoutCancel(ctx))
			DeferCleanup(up.Close)

			fileID := prepare(ctx, up, len(content))
			time.Sleep(600 * time.Millisecond)
			_, err = up.Progress(ctx, clientID, fileID)
			Expect(err).To(MatchError(fxupload.ErrUploadNotFound))
		}, NodeTimeout(10*time.Second))

		It("should reload the state of a known client", func(ctx context.Context) {
			root := filepath.Join(tempDir, gofakeit.UUID())
			store, err := local.NewStore(GinkgoLogr, filepath.Join(root, "state"))
			Expect(err).ToNot(HaveOccurred())
			files, err := local.NewFiles(GinkgoLogr, filepath.Join(root, "files"))
			Expect(err).ToNot(HaveOccurred())

			first, err := fxupload.NewUploader(GinkgoLogr, store, files)
			Expect(err).ToNot(HaveOccurred())
			first.Start(context.WithoutCancel(ctx))
			fileID := prepare(ctx, first, len(content))
			Expect(first.Process(ctx, clientID, chunk(fileID, content[:3]))).To(Succeed())
			first.Close()

			listener := &recordingListener{}
			second, err := fxupload.NewUploader(GinkgoLogr, store, files, fxupload.WithListener(listener))
			Expect(err).ToNot(HaveOccurred())
			second.Start(context.WithoutCancel(ctx))
			DeferCleanup(second.Close)

			config, err := second.PendingFiles(ctx, clientID)
			Expect(err).ToNot(HaveOccurred())
			Expect(config.Files).To(HaveLen(1))
			Expect(config.Files[0].ValidatedBytes).To(Equal(int64(3)))
			Expect(listener.Events()).To(BeEmpty())
		}, NodeTimeout(10*time.Second))
	})

	It("should refuse work once closed", func(ctx context.Context) {
		up, _ := uploaderFactory(ctx)
		up.Close()
		_, err := up.Prepare(ctx, clientID, fxupload.PrepareCommand{FileName: "a.bin", Size: 1})
		Expect(err).To(MatchError(fxupload.ErrUploaderClosed))
	}, NodeTimeout(10*time.Second))
})
