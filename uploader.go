package fxupload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/derektruong/fxupload/internal/allowance"
	"github.com/derektruong/fxupload/internal/checksum"
	"github.com/derektruong/fxupload/internal/fileutils"
	"github.com/derektruong/fxupload/internal/integrity"
	"github.com/derektruong/fxupload/internal/metrics"
	"github.com/derektruong/fxupload/internal/pipeline"
	"github.com/derektruong/fxupload/internal/refill"
	"github.com/derektruong/fxupload/internal/upstate"
	"github.com/derektruong/fxupload/storage"
	"github.com/docker/go-units"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

// Uploader is the interface for receiving resumable chunked uploads.
type Uploader interface {
	// Prepare declares a new upload and creates its empty backing file.
	//
	// Parameters:
	//   - ctx: the context of the request.
	//   - clientID: the id of the owning client.
	//   - cmd: see PrepareCommand.
	//
	// Returns:
	//   - fileID: the id of the upload, used by every other operation.
	//   - err: a validation or file rule error, nil otherwise.
	Prepare(ctx context.Context, clientID string, cmd PrepareCommand) (fileID string, err error)

	// Process appends one chunk to an upload under the request, client and
	// master rate limits. It blocks until the chunk is written and
	// verified, cancelled or failed.
	//
	// Returns:
	//   - err: nil once the chunk is validated. ErrChecksumMismatch when the
	//     chunk does not match its checksum, the written bytes are then left
	//     unvalidated. ErrUploadPaused, ErrUploadCancelled or
	//     ErrClientDisconnected when the chunk stopped early.
	Process(ctx context.Context, clientID string, cmd ChunkCommand) (err error)

	// Pause freezes uploads, a running chunk stops at its next step.
	Pause(ctx context.Context, clientID string, fileIDs ...string) (err error)

	// Resume unfreezes an upload and returns where it stands.
	Resume(ctx context.Context, clientID, fileID string) (file PendingFile, err error)

	// CancelFile stops the running chunk of an upload, waiting a bounded
	// time for it, then deletes the upload and its backing file.
	CancelFile(ctx context.Context, clientID, fileID string) (err error)

	// CancelAll is CancelFile for every upload of a client.
	CancelAll(ctx context.Context, clientID string) (err error)

	// SetRate sets or removes the rate override of an upload. It takes
	// effect on the next refill.
	SetRate(ctx context.Context, clientID string, cmd RateCommand) (err error)

	// Progress returns the progress of an upload, including the bytes of a
	// running chunk.
	Progress(ctx context.Context, clientID, fileID string) (progress Progress, err error)

	// UploadStat returns the current throughput of an upload in bytes per
	// second, 0 when nothing is running.
	UploadStat(fileID string) int64

	// VerifyUncheckedTail checks the bytes written after the validated
	// watermark against a checksum computed by the client. On a match the
	// whole file is validated, on a mismatch the file is truncated back to
	// the watermark and a ChecksumMismatchError is returned.
	VerifyUncheckedTail(ctx context.Context, clientID string, cmd VerifyCommand) (err error)

	// FirstChunkChecksum returns the checksum of the first 8192 bytes of
	// the backing file.
	FirstChunkChecksum(ctx context.Context, clientID, fileID string) (sum string, err error)

	// PendingFiles returns the unfinished uploads of a client, oldest first,
	// and unpauses them.
	PendingFiles(ctx context.Context, clientID string) (config Config, err error)

	// SetMasterRate and SetClientRate change the server and the default
	// client rates in KB/s while running.
	SetMasterRate(kbps int64)
	SetClientRate(kbps int64)

	// Start runs the background loops until ctx is done or Close is called.
	Start(ctx context.Context)

	// Close stops the background loops and fails running chunks.
	Close()
}

// runningChunk is a chunk task in flight.
type runningChunk struct {
	clientID string
	task     *pipeline.Task
}

// uploader handles uploads with configurations
type uploader struct {
	logger    logr.Logger
	store     storage.Store
	files     storage.Files
	exporter  storage.Exporter
	listeners *listeners

	ledger    *allowance.Ledger
	scheduler *refill.Scheduler
	pool      *pipeline.Pool
	verifier  *integrity.Verifier
	states    *stateCache
	metrics   *metrics.Collector

	// options
	fileRule                *fileRule
	rates                   refill.Rates
	tick                    time.Duration
	workers                 int
	bufferSize              int
	cancelTimeout           time.Duration
	requestExpiry           time.Duration
	clientExpiry            time.Duration
	stateExpiry             time.Duration
	sliceSize               int64
	refreshProgressInterval time.Duration
	verifyReadRate          float64
	registerer              prometheus.Registerer
	clock                   clock.WithTickerAndDelayedExecution
	disabledRetry           bool
	retryConfig             RetryConfig

	// running maps file ids to *runningChunk
	running sync.Map
	exports sync.WaitGroup
	closed  atomic.Bool

	lifecycleMu sync.Mutex
	started     bool
	stop        context.CancelFunc
}

// defaultUploader returns an uploader holding the default options.
func defaultUploader(logger logr.Logger) *uploader {
	return &uploader{
		logger:    logger.WithName("uploader"),
		listeners: &listeners{logger: logger.WithName("listeners")},
		fileRule:  &fileRule{MaxFileSize: defaultMaxFileSize},
		rates: refill.Rates{
			MasterKBps:  refill.DefaultMasterRateKBps,
			ClientKBps:  refill.DefaultClientRateKBps,
			MinimumKBps: refill.DefaultMinimumRateKBps,
		},
		tick:                    refill.DefaultTick,
		workers:                 pipeline.DefaultWorkers,
		bufferSize:              pipeline.DefaultBufferSize,
		cancelTimeout:           defaultCancelTimeout,
		requestExpiry:           allowance.DefaultRequestExpiry,
		clientExpiry:            allowance.DefaultClientExpiry,
		stateExpiry:             defaultStateExpiry,
		sliceSize:               defaultSliceSize,
		refreshProgressInterval: defaultRefreshInterval,
		clock:                   clock.RealClock{},
		retryConfig: RetryConfig{
			MaxRetryAttempts: defaultMaxRetryAttempts,
			InitialDelay:     defaultInitialDelay,
			MaxDelay:         defaultMaxDelay,
		},
	}
}

// NewUploader creates a new uploader with the optional UploaderOption(s).
// store keeps the upload records, files holds the backing files.
func NewUploader(
	logger logr.Logger,
	store storage.Store,
	files storage.Files,
	options ...UploaderOption,
) (up Uploader, err error) {
	u := defaultUploader(logger)
	u.store = store
	u.files = files
	for _, opt := range options {
		opt(u)
	}

	var pipelineObserver pipeline.Observer
	var refillObserver refill.Observer
	if u.registerer != nil {
		if u.metrics, err = metrics.New(u.registerer, u.awaitingTasks); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		pipelineObserver, refillObserver = u.metrics, u.metrics
	}

	u.ledger = allowance.NewLedger(logger, u.requestExpiry, u.clientExpiry, u.listeners)
	u.scheduler = refill.NewScheduler(logger, u.ledger, u.clock, u.tick, u.rates, refillObserver)
	u.pool = pipeline.NewPool(logger, pipeline.PoolConfig{
		Tick:       u.scheduler.Tick(),
		Workers:    u.workers,
		BufferSize: u.bufferSize,
		Clock:      u.clock,
		Observer:   pipelineObserver,
		Toucher:    u.ledger,
		Refiller:   u.scheduler,
	})
	u.verifier = integrity.NewVerifier(logger, u.verifyReadRate)
	u.states = newStateCache(logger, store, u.listeners, u.stateExpiry, !u.disabledRetry, u.retryConfig)
	return u, nil
}

func (u *uploader) awaitingTasks() float64 {
	if u.pool == nil {
		return 0
	}
	return float64(u.pool.Awaiting())
}

func (u *uploader) Start(ctx context.Context) {
	u.lifecycleMu.Lock()
	defer u.lifecycleMu.Unlock()
	if u.started || u.closed.Load() {
		return
	}
	u.started = true
	ctx, u.stop = context.WithCancel(ctx)

	u.ledger.Start()
	go u.states.cache.Start()
	go u.scheduler.Run(ctx)
	go u.trackProgress(ctx)
	u.logger.Info("uploader started",
		"masterRate", units.HumanSize(float64(u.rates.MasterKBps*1024))+"/s",
		"clientRate", units.HumanSize(float64(u.rates.ClientKBps*1024))+"/s")
}

func (u *uploader) Close() {
	if u.closed.Swap(true) {
		return
	}
	u.pool.Close()

	u.lifecycleMu.Lock()
	if u.started {
		u.stop()
		u.ledger.Stop()
		u.states.flush(context.Background())
		u.states.cache.Stop()
	}
	u.lifecycleMu.Unlock()

	u.exports.Wait()
	u.logger.Info("uploader closed")
}

func (u *uploader) SetMasterRate(kbps int64) {
	u.scheduler.SetMasterRate(kbps)
}

func (u *uploader) SetClientRate(kbps int64) {
	u.scheduler.SetClientRate(kbps)
}

func (u *uploader) Prepare(ctx context.Context, clientID string, cmd PrepareCommand) (fileID string, err error) {
	if u.closed.Load() {
		return "", ErrUploaderClosed
	}
	if err = cmd.Validate(ctx); err != nil {
		return
	}
	if err = u.fileRule.Check(cmd.FileName, cmd.Size); err != nil {
		return
	}

	id := uuid.NewString()
	var path string
	if path, err = u.files.CreateFile(ctx, clientID, fileutils.BackingFileName(id, cmd.FileName)); err != nil {
		return
	}
	rec := upstate.Record{
		ID:           id,
		OriginalName: cmd.FileName,
		Size:         cmd.Size,
		Path:         path,
		CreatedAt:    u.clock.Now().UTC(),
	}
	if err = u.states.update(ctx, clientID, func(state *upstate.State) error {
		state.Put(rec)
		return nil
	}); err != nil {
		if delErr := u.files.DeleteFile(path); delErr != nil {
			u.logger.Error(delErr, "failed to remove backing file", "path", path)
		}
		return
	}

	u.logger.Info("prepared upload",
		"clientID", clientID, "fileID", id,
		"fileName", cmd.FileName, "size", units.HumanSize(float64(cmd.Size)))
	u.listeners.OnFileUploadPrepared(clientID, u.pendingFileOf(rec))
	return id, nil
}

func (u *uploader) Process(ctx context.Context, clientID string, cmd ChunkCommand) (err error) {
	if u.closed.Load() {
		return ErrUploaderClosed
	}
	if err = cmd.Validate(ctx); err != nil {
		return
	}
	var rec upstate.Record
	if rec, err = u.states.get(ctx, clientID, cmd.FileID); err != nil {
		return
	}
	logger := u.logger.WithValues("clientID", clientID, "fileID", cmd.FileID)
	if rec.Completed() {
		logger.Info("ignoring chunk of a completed upload")
		return
	}

	scope := u.ledger.Request(cmd.FileID)
	if rec.Paused || scope.Paused() {
		return ErrUploadPaused
	}
	if !scope.TryStartProcessing() {
		return ErrUploadBusy
	}
	defer scope.StopProcessing()
	if rec.RateKBps != nil {
		scope.SetRate(*rec.RateKBps)
	} else {
		scope.ClearRate()
	}

	var output io.WriteCloser
	if output, err = u.files.OpenAppend(rec.Path); err != nil {
		return
	}
	scopes := pipeline.Scopes{
		Request: scope,
		Client:  u.ledger.Client(clientID),
		Master:  u.ledger.Master(),
	}
	u.scheduler.Activate(scope)
	var task *pipeline.Task
	if task, err = u.pool.Submit(ctx, pipeline.TaskConfig{
		FileID:           cmd.FileID,
		ClientID:         clientID,
		ExpectedChecksum: cmd.Checksum,
		Input:            cmd.Body,
		Output:           output,
		Scopes:           scopes,
	}); err != nil {
		_ = output.Close()
		if errors.Is(err, pipeline.ErrPoolClosed) {
			err = ErrUploaderClosed
		}
		return
	}
	u.running.Store(cmd.FileID, &runningChunk{clientID: clientID, task: task})
	res := <-task.Done()
	u.running.Delete(cmd.FileID)

	switch res.State {
	case pipeline.StateCompleted:
		logger.V(1).Info("chunk validated", "written", res.Written, "checksum", res.Checksum)
		return u.commitChunk(ctx, clientID, cmd.FileID, res.Written)
	case pipeline.StateCancelled:
		switch {
		case res.Err != nil:
			logger.V(1).Info("chunk interrupted", "written", res.Written, "reason", res.Err.Error())
			return ErrClientDisconnected
		case scope.Paused():
			logger.Info("chunk stopped by pause", "written", res.Written)
			return ErrUploadPaused
		default:
			logger.Info("chunk stopped by cancel", "written", res.Written)
			return ErrUploadCancelled
		}
	default:
		if errors.Is(res.Err, pipeline.ErrPoolClosed) {
			return ErrUploaderClosed
		}
		if errors.Is(res.Err, ErrChecksumMismatch) {
			logger.Info("chunk checksum mismatch", "written", res.Written, "errorMessage", res.Err.Error())
			return res.Err
		}
		logger.Error(res.Err, "chunk failed", "written", res.Written)
		return fmt.Errorf("process chunk of %s: %w", cmd.FileID, res.Err)
	}
}

// commitChunk advances the watermark of an upload by the bytes of a
// validated chunk.
func (u *uploader) commitChunk(ctx context.Context, clientID, fileID string, written int64) (err error) {
	var rec upstate.Record
	if err = u.states.update(ctx, clientID, func(state *upstate.State) error {
		var getErr error
		if rec, getErr = state.Get(fileID); getErr != nil {
			return ErrUploadNotFound
		}
		if rec.ValidatedBytes+written > rec.Size {
			u.logger.Info("chunk goes past the declared size",
				"fileID", fileID, "size", rec.Size, "end", rec.ValidatedBytes+written)
		}
		rec.ValidatedBytes = min(rec.ValidatedBytes+written, rec.Size)
		state.Put(rec)
		return nil
	}); err != nil {
		return
	}
	if rec.Completed() {
		u.complete(ctx, clientID, rec)
	}
	return
}

// complete notifies the end of an upload and exports it.
func (u *uploader) complete(ctx context.Context, clientID string, rec upstate.Record) {
	u.logger.Info("upload completed",
		"clientID", clientID, "fileID", rec.ID, "size", units.HumanSize(float64(rec.Size)))
	u.listeners.OnFileUploadEnd(clientID, rec.ID)
	if u.exporter == nil {
		return
	}

	u.exports.Add(1)
	go func() {
		defer u.exports.Done()
		file, size, err := u.files.Open(rec.Path)
		if err != nil {
			u.logger.Error(err, "failed to open completed upload for export", "fileID", rec.ID)
			return
		}
		defer file.Close()
		if err = u.exporter.Export(context.WithoutCancel(ctx), storage.ExportObject{
			Key:  clientID + "/" + fileutils.BackingFileName(rec.ID, rec.OriginalName),
			Name: rec.OriginalName,
			Body: file,
			Size: size,
		}); err != nil {
			u.logger.Error(err, "failed to export completed upload", "fileID", rec.ID)
			return
		}
		u.logger.Info("exported completed upload", "clientID", clientID, "fileID", rec.ID)
	}()
}

func (u *uploader) Pause(ctx context.Context, clientID string, fileIDs ...string) (err error) {
	if err = u.states.update(ctx, clientID, func(state *upstate.State) error {
		return setPaused(state, true, fileIDs...)
	}); err != nil {
		return
	}
	for _, fileID := range fileIDs {
		u.ledger.Request(fileID).SetPaused(true)
		u.logger.Info("paused upload", "clientID", clientID, "fileID", fileID)
		u.listeners.OnFileUploadPaused(clientID, fileID)
	}
	return
}

func (u *uploader) Resume(ctx context.Context, clientID, fileID string) (file PendingFile, err error) {
	var rec upstate.Record
	if err = u.states.update(ctx, clientID, func(state *upstate.State) error {
		if err := setPaused(state, false, fileID); err != nil {
			return err
		}
		rec, _ = state.Get(fileID)
		return nil
	}); err != nil {
		return
	}
	u.ledger.Request(fileID).SetPaused(false)
	u.logger.Info("resumed upload", "clientID", clientID, "fileID", fileID)
	u.listeners.OnFileUploadResumed(clientID, fileID)
	return u.pendingFileOf(rec), nil
}

// setPaused flags the records of fileIDs, all of them or none.
func setPaused(state *upstate.State, paused bool, fileIDs ...string) error {
	recs := make([]upstate.Record, 0, len(fileIDs))
	for _, fileID := range fileIDs {
		rec, err := state.Get(fileID)
		if err != nil {
			return ErrUploadNotFound
		}
		rec.Paused = paused
		recs = append(recs, rec)
	}
	for _, rec := range recs {
		state.Put(rec)
	}
	return nil
}

func (u *uploader) CancelFile(ctx context.Context, clientID, fileID string) (err error) {
	var rec upstate.Record
	if rec, err = u.states.get(ctx, clientID, fileID); err != nil {
		return
	}
	u.cancelAndWait(ctx, fileID)

	if err = u.states.update(ctx, clientID, func(state *upstate.State) error {
		state.Delete(fileID)
		return nil
	}); err != nil {
		return
	}
	u.forget(clientID, rec)
	return
}

func (u *uploader) CancelAll(ctx context.Context, clientID string) (err error) {
	var state upstate.State
	if state, err = u.states.view(ctx, clientID); err != nil {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for fileID := range state.Records {
		g.Go(func() error {
			u.cancelAndWait(gctx, fileID)
			return nil
		})
	}
	_ = g.Wait()

	if err = u.states.drop(ctx, clientID); err != nil {
		u.logger.Error(err, "failed to delete stored state", "clientID", clientID)
	}
	for _, rec := range state.Records {
		u.forget(clientID, rec)
	}
	return
}

// cancelAndWait flags the running chunk of an upload for cancellation and
// waits, at most cancelTimeout, for it to stop.
func (u *uploader) cancelAndWait(ctx context.Context, fileID string) {
	scope, ok := u.ledger.LookupRequest(fileID)
	if !ok || !scope.RequestCancel() {
		return
	}
	timer := u.clock.NewTimer(u.cancelTimeout)
	defer timer.Stop()
	select {
	case <-scope.Idle():
	case <-timer.C():
		u.logger.Info("running chunk did not stop in time, deleting anyway",
			"fileID", fileID, "timeout", u.cancelTimeout)
	case <-ctx.Done():
		u.logger.Info("stopped waiting for the running chunk", "fileID", fileID, "reason", ctx.Err().Error())
	}
}

// forget removes the backing file and the allowance scope of a deleted
// upload.
func (u *uploader) forget(clientID string, rec upstate.Record) {
	if err := u.files.DeleteFile(rec.Path); err != nil {
		u.logger.Error(err, "failed to remove backing file", "fileID", rec.ID, "path", rec.Path)
	}
	u.ledger.ForgetRequest(rec.ID)
	u.logger.Info("cancelled upload", "clientID", clientID, "fileID", rec.ID)
	u.listeners.OnFileUploadCancelled(clientID, rec.ID)
}

func (u *uploader) SetRate(ctx context.Context, clientID string, cmd RateCommand) (err error) {
	if err = cmd.Validate(ctx); err != nil {
		return
	}
	if err = u.states.update(ctx, clientID, func(state *upstate.State) error {
		rec, getErr := state.Get(cmd.FileID)
		if getErr != nil {
			return ErrUploadNotFound
		}
		rec.RateKBps = nil
		if cmd.RateKBps > 0 {
			rec.RateKBps = lo.ToPtr(cmd.RateKBps)
		}
		state.Put(rec)
		return nil
	}); err != nil {
		return
	}

	if cmd.RateKBps > 0 {
		u.ledger.AssignRate(cmd.FileID, cmd.RateKBps)
	} else {
		u.ledger.Request(cmd.FileID).ClearRate()
	}
	u.logger.V(1).Info("set upload rate", "clientID", clientID, "fileID", cmd.FileID, "rateKBps", cmd.RateKBps)
	return
}

func (u *uploader) Progress(ctx context.Context, clientID, fileID string) (progress Progress, err error) {
	var rec upstate.Record
	if rec, err = u.states.get(ctx, clientID, fileID); err != nil {
		return
	}
	return u.progressOf(rec), nil
}

// progressOf counts the bytes of a running chunk as progress, without
// reporting 100 before the watermark reaches the declared size.
func (u *uploader) progressOf(rec upstate.Record) (progress Progress) {
	progress = progressOfRecord(rec, u.UploadStat(rec.ID))
	value, ok := u.running.Load(rec.ID)
	if !ok || rec.Completed() {
		return
	}
	current := min(rec.ValidatedBytes+value.(*runningChunk).task.Written(), rec.Size)
	progress.Percentage = min(progressOf(current, rec.Size), maxUnfinishedProgress)
	return
}

func (u *uploader) UploadStat(fileID string) int64 {
	scope, ok := u.ledger.LookupRequest(fileID)
	if !ok {
		return 0
	}
	return scope.InstantRate()
}

func (u *uploader) VerifyUncheckedTail(ctx context.Context, clientID string, cmd VerifyCommand) (err error) {
	if err = cmd.Validate(ctx); err != nil {
		return
	}
	var rec upstate.Record
	if rec, err = u.states.get(ctx, clientID, cmd.FileID); err != nil {
		return
	}
	if rec.Completed() {
		return
	}

	scope := u.ledger.Request(cmd.FileID)
	if !scope.TryStartProcessing() {
		return ErrUploadBusy
	}
	defer scope.StopProcessing()

	var validated int64
	if validated, err = u.verifier.VerifyTail(ctx, rec.Path, rec.ValidatedBytes, cmd.Checksum); err != nil {
		return
	}
	validated = min(validated, rec.Size)
	if validated == rec.ValidatedBytes {
		return
	}

	if err = u.states.update(ctx, clientID, func(state *upstate.State) error {
		current, getErr := state.Get(cmd.FileID)
		if getErr != nil {
			return ErrUploadNotFound
		}
		current.ValidatedBytes = max(current.ValidatedBytes, validated)
		state.Put(current)
		rec = current
		return nil
	}); err != nil {
		return
	}
	u.logger.Info("promoted unchecked tail",
		"clientID", clientID, "fileID", cmd.FileID, "validatedBytes", rec.ValidatedBytes)
	if rec.Completed() {
		u.complete(ctx, clientID, rec)
	}
	return
}

func (u *uploader) FirstChunkChecksum(ctx context.Context, clientID, fileID string) (sum string, err error) {
	var rec upstate.Record
	if rec, err = u.states.get(ctx, clientID, fileID); err != nil {
		return
	}
	if rec.FirstChunkChecksum != "" {
		return rec.FirstChunkChecksum, nil
	}
	if sum, err = u.verifier.FirstChunkChecksum(rec.Path); err != nil {
		return
	}
	// the first chunk is only stable once validated
	if rec.ValidatedBytes < checksum.FirstChunkSize && !rec.Completed() {
		return
	}
	if updateErr := u.states.update(ctx, clientID, func(state *upstate.State) error {
		current, getErr := state.Get(fileID)
		if getErr != nil {
			return ErrUploadNotFound
		}
		current.FirstChunkChecksum = sum
		state.Put(current)
		return nil
	}); updateErr != nil {
		u.logger.V(1).Info("could not cache first chunk checksum", "fileID", fileID, "errorMessage", updateErr.Error())
	}
	return
}

func (u *uploader) PendingFiles(ctx context.Context, clientID string) (config Config, err error) {
	var state upstate.State
	if state, err = u.states.view(ctx, clientID); err != nil {
		return
	}
	pending := state.Pending()
	if paused := lo.FilterMap(pending, func(rec upstate.Record, _ int) (string, bool) {
		return rec.ID, rec.Paused
	}); len(paused) > 0 {
		if err = u.states.update(ctx, clientID, func(state *upstate.State) error {
			if err := setPaused(state, false, paused...); err != nil {
				return err
			}
			pending = state.Pending()
			return nil
		}); err != nil {
			return
		}
	}
	config = Config{
		SliceSize: u.sliceSize,
		Files: lo.Map(pending, func(rec upstate.Record, _ int) PendingFile {
			u.ledger.Request(rec.ID).SetPaused(false)
			return u.pendingFileOf(rec)
		}),
	}
	if config.Files == nil {
		config.Files = []PendingFile{}
	}
	return
}

func (u *uploader) pendingFileOf(rec upstate.Record) PendingFile {
	fileSize, err := u.files.Size(rec.Path)
	if err != nil {
		fileSize = rec.ValidatedBytes
	}
	return PendingFile{
		ID:                 rec.ID,
		Name:               rec.OriginalName,
		Size:               rec.Size,
		ValidatedBytes:     rec.ValidatedBytes,
		FileSize:           fileSize,
		Progress:           progressOf(rec.ValidatedBytes, rec.Size),
		RateKBps:           rec.RateKBps,
		FirstChunkChecksum: rec.FirstChunkChecksum,
		CreatedAt:          rec.CreatedAt,
	}
}
