package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/TobiSchelling/GapFinder/internal/ingest"
	"github.com/TobiSchelling/GapFinder/internal/logger"
	"github.com/TobiSchelling/GapFinder/internal/metrics"
	"github.com/TobiSchelling/GapFinder/internal/pipeline"
	"github.com/TobiSchelling/GapFinder/internal/report"
)

// MaxSampleSize bounds how many videos a job may analyze.
const MaxSampleSize = 50

// SubmitRequest asks for a channel analysis.
type SubmitRequest struct {
	ChannelID       string `validate:"required,max=200"`
	RequestingEmail string `validate:"required,email"`
	VideoSampleSize int    `validate:"gte=0,lte=50"`
}

// Options configures an Orchestrator.
type Options struct {
	Workers           int
	QueueSize         int
	Timeout           time.Duration
	StuckAfter        time.Duration
	SweepSchedule     string
	DefaultSampleSize int
}

type checkpoint struct {
	state *pipeline.State
	next  pipeline.Kind
}

// Orchestrator drives jobs through the pipeline. It is the only writer of
// job state: every change goes through mutate.
type Orchestrator struct {
	store    Store
	source   ingest.Source
	pipeline *pipeline.Pipeline
	metrics  *metrics.Metrics
	log      logger.Logger
	opts     Options
	validate *validator.Validate
	now      func() time.Time

	submitMu sync.Mutex

	mu          sync.Mutex
	keyLocks    map[string]*sync.Mutex
	inFlight    map[string]bool
	queued      map[string]bool
	checkpoints map[string]*checkpoint

	queue chan string
	cron  *cron.Cron
	wg    sync.WaitGroup
}

// New creates an orchestrator. m may be nil.
func New(store Store, source ingest.Source, p *pipeline.Pipeline, m *metrics.Metrics, opts Options, log logger.Logger) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	if opts.DefaultSampleSize <= 0 {
		opts.DefaultSampleSize = 10
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Orchestrator{
		store:       store,
		source:      source,
		pipeline:    p,
		metrics:     m,
		log:         log,
		opts:        opts,
		validate:    validator.New(),
		now:         time.Now,
		keyLocks:    make(map[string]*sync.Mutex),
		inFlight:    make(map[string]bool),
		queued:      make(map[string]bool),
		checkpoints: make(map[string]*checkpoint),
		queue:       make(chan string, opts.QueueSize),
	}
}

// Start launches the workers and the stuck-job sweep. Queued jobs left
// over from a previous process are enqueued again. Workers stop when ctx
// is done; call Wait to block until they have.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.opts.SweepSchedule != "" && o.opts.StuckAfter > 0 {
		o.cron = cron.New()
		_, err := o.cron.AddFunc(o.opts.SweepSchedule, func() {
			if _, err := o.SweepStuck(ctx); err != nil {
				o.log.Error("stuck sweep failed", logger.Error(err))
			}
			if err := o.enqueueQueued(ctx); err != nil {
				o.log.Error("queued job pickup failed", logger.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("scheduling stuck sweep %q: %w", o.opts.SweepSchedule, err)
		}
		o.cron.Start()
	}

	for i := 0; i < o.opts.Workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx)
	}

	if err := o.enqueueQueued(ctx); err != nil {
		return err
	}

	o.log.Info("orchestrator started",
		logger.Int("workers", o.opts.Workers),
		logger.String("sweep", o.opts.SweepSchedule))
	return nil
}

// Wait blocks until every worker has returned and stops the sweep.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
	if o.cron != nil {
		<-o.cron.Stop().Done()
	}
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-o.queue:
			o.mu.Lock()
			delete(o.queued, key)
			o.mu.Unlock()
			if err := o.Process(ctx, key); err != nil && !errors.Is(err, ErrAlreadyRunning) && !errors.Is(err, ErrNotRequeueable) {
				o.log.Warn("job run ended with error", logger.String("access_key", key), logger.Error(err))
			}
		}
	}
}

func (o *Orchestrator) enqueue(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.queued[key] || o.inFlight[key] {
		return
	}
	select {
	case o.queue <- key:
		o.queued[key] = true
	default:
		o.log.Warn("job queue full; job stays queued until the next pickup", logger.String("access_key", key))
	}
}

// enqueueQueued schedules every stored Queued job, oldest first. This picks
// up jobs left over from a previous process and jobs requeued by another.
func (o *Orchestrator) enqueueQueued(ctx context.Context) error {
	all, err := o.store.List(ctx, 0)
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Phase == PhaseQueued && !all[i].Stuck {
			o.enqueue(all[i].AccessKey)
		}
	}
	return nil
}

// Submit creates a job, or returns the caller's in-progress job for the
// same channel and email with coalesced set.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*AnalysisJob, bool, error) {
	req.ChannelID = strings.TrimSpace(req.ChannelID)
	req.RequestingEmail = strings.ToLower(strings.TrimSpace(req.RequestingEmail))
	if err := o.validate.Struct(req); err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if req.VideoSampleSize == 0 {
		req.VideoSampleSize = o.opts.DefaultSampleSize
	}

	o.submitMu.Lock()
	defer o.submitMu.Unlock()

	existing, err := o.store.FindActive(ctx, req.ChannelID, req.RequestingEmail)
	switch {
	case err == nil:
		o.log.Info("submission coalesced", logger.String("access_key", existing.AccessKey))
		if o.metrics != nil {
			o.metrics.JobsCoalesced.Inc()
		}
		return existing, true, nil
	case !errors.Is(err, ErrNotFound):
		return nil, false, fmt.Errorf("checking active jobs: %w", err)
	}

	now := o.now().UTC()
	job := &AnalysisJob{
		AccessKey:       uuid.NewString(),
		ChannelID:       req.ChannelID,
		RequestingEmail: req.RequestingEmail,
		VideoSampleSize: req.VideoSampleSize,
		Phase:           PhaseQueued,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.store.Create(ctx, job); err != nil {
		return nil, false, fmt.Errorf("creating job: %w", err)
	}
	if o.metrics != nil {
		o.metrics.JobsSubmitted.Inc()
	}
	o.log.Info("job submitted",
		logger.String("access_key", job.AccessKey),
		logger.String("channel_id", job.ChannelID),
		logger.Int("sample_size", job.VideoSampleSize))

	o.enqueue(job.AccessKey)
	return job, false, nil
}

// Status returns the current job record.
func (o *Orchestrator) Status(ctx context.Context, key string) (*AnalysisJob, error) {
	return o.store.Get(ctx, key)
}

// Report returns the report of a completed job.
func (o *Orchestrator) Report(ctx context.Context, key string) (*report.Report, error) {
	job, err := o.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if job.Phase != PhaseCompleted || job.Result == nil {
		return nil, fmt.Errorf("%w: job is %s", ErrNotReady, job.Phase)
	}
	return job.Result, nil
}

// List returns up to limit jobs, newest first.
func (o *Orchestrator) List(ctx context.Context, limit int) ([]*AnalysisJob, error) {
	return o.store.List(ctx, limit)
}

// Requeue schedules a failed or stuck job again. It resumes from the first
// phase not completed when a checkpoint is held in memory, otherwise from
// the beginning.
func (o *Orchestrator) Requeue(ctx context.Context, key string) (*AnalysisJob, error) {
	if o.isInFlight(key) {
		return nil, ErrAlreadyRunning
	}

	job, err := o.mutate(ctx, key, func(j *AnalysisJob) error {
		if j.Phase != PhaseFailed && !j.Stuck {
			return fmt.Errorf("%w: job is %s", ErrNotRequeueable, j.Phase)
		}
		j.Phase = PhaseQueued
		j.Stuck = false
		j.Reason = ""
		j.Result = nil
		j.Progress = 0
		if cp := o.checkpoint(key); cp != nil && cp.next > pipeline.KindFilter {
			j.Progress = (cp.next - 1).Progress()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.log.Info("job requeued", logger.String("access_key", key), logger.Int("progress", job.Progress))
	o.enqueue(key)
	return job, nil
}

// SweepStuck flags every non-terminal job without a transition for
// StuckAfter. Flagged jobs are left for an operator to requeue.
func (o *Orchestrator) SweepStuck(ctx context.Context) (int, error) {
	if o.opts.StuckAfter <= 0 {
		return 0, nil
	}
	cutoff := o.now().Add(-o.opts.StuckAfter)
	stale, err := o.store.ListStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("listing stale jobs: %w", err)
	}

	flagged := 0
	for _, j := range stale {
		_, err := o.mutate(ctx, j.AccessKey, func(cur *AnalysisJob) error {
			if cur.Phase.Terminal() || cur.Stuck || !cur.UpdatedAt.Before(cutoff) {
				return errSkip
			}
			cur.Stuck = true
			cur.Reason = fmt.Sprintf("no progress in %s since %s", cur.Phase, cur.UpdatedAt.Format(time.RFC3339))
			return nil
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return flagged, err
		}
		flagged++
		o.log.Warn("job flagged stuck", logger.String("access_key", j.AccessKey), logger.String("phase", string(j.Phase)))
		if o.metrics != nil {
			o.metrics.JobsStuck.Inc()
		}
	}
	return flagged, nil
}

var errSkip = errors.New("skip")

// Process runs one job to a terminal phase, or until it times out. At most
// one run per access key is active at a time.
func (o *Orchestrator) Process(ctx context.Context, key string) error {
	if !o.claim(key) {
		return ErrAlreadyRunning
	}
	defer o.release(key)

	log := o.log.With(logger.String("access_key", key))
	job, err := o.mutate(ctx, key, func(j *AnalysisJob) error {
		if j.Phase != PhaseQueued {
			return fmt.Errorf("%w: job is %s", ErrNotRequeueable, j.Phase)
		}
		j.Attempts++
		j.Stuck = false
		return nil
	})
	if err != nil {
		return err
	}

	if o.metrics != nil {
		o.metrics.JobsInFlight.Inc()
		defer o.metrics.JobsInFlight.Dec()
	}

	runCtx := ctx
	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}
	// Final writes must land even when the run context has ended.
	writeCtx := context.WithoutCancel(ctx)

	state, from := o.resume(key)
	if state == nil {
		if _, err := o.mutate(writeCtx, key, func(j *AnalysisJob) error {
			j.Phase = PhaseFiltering
			return nil
		}); err != nil {
			return err
		}
		ch, err := o.source.Load(runCtx, job.ChannelID, job.VideoSampleSize)
		if err != nil {
			if runCtx.Err() != nil {
				return o.interrupted(writeCtx, key, ctx.Err() != nil, err)
			}
			return o.fail(writeCtx, key, fmt.Sprintf("ingestion failed: %v", err))
		}
		state = pipeline.NewState(ch.ID, ch.Videos, ch.Comments)
		from = pipeline.KindFilter
	} else {
		log.Info("resuming from checkpoint", logger.String("phase", from.String()))
	}

	var hookErr error
	_, runErr := o.pipeline.Run(runCtx, state, from, pipeline.Hooks{
		PhaseStarted: func(k pipeline.Kind) {
			phase := PhaseOf(k)
			if _, err := o.mutate(writeCtx, key, func(j *AnalysisJob) error {
				j.Phase = phase
				return nil
			}); err != nil && hookErr == nil {
				hookErr = err
			}
		},
		PhaseDone: func(s pipeline.StepResult) {
			if o.metrics != nil {
				o.metrics.ObservePhase(s.Name, s.Duration)
			}
			if s.Err != nil {
				return
			}
			o.saveCheckpoint(key, state, s.Kind+1)
			if _, err := o.mutate(writeCtx, key, func(j *AnalysisJob) error {
				j.Progress = s.Kind.Progress()
				return nil
			}); err != nil && hookErr == nil {
				hookErr = err
			}
		},
	})
	if hookErr != nil {
		return fmt.Errorf("recording progress: %w", hookErr)
	}
	if runErr != nil {
		if runCtx.Err() != nil {
			return o.interrupted(writeCtx, key, ctx.Err() != nil, runErr)
		}
		return o.fail(writeCtx, key, runErr.Error())
	}

	rep := state.Report(o.now())
	if _, err := o.mutate(writeCtx, key, func(j *AnalysisJob) error {
		j.Phase = PhaseCompleted
		j.Progress = 100
		j.Stuck = false
		j.Reason = ""
		j.Result = rep
		return nil
	}); err != nil {
		return err
	}
	o.dropCheckpoint(key)

	if o.metrics != nil {
		o.metrics.RecordFinished(string(PhaseCompleted))
		o.metrics.RecordUnscored(len(state.Unscored))
	}
	log.Info("job completed",
		logger.Int("content_gaps", len(rep.ContentGaps)),
		logger.Int("warnings", len(rep.Metadata.Warnings)),
		logger.Int("degradations", len(rep.Metadata.Degradations)))
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, key, reason string) error {
	if _, err := o.mutate(ctx, key, func(j *AnalysisJob) error {
		j.Phase = PhaseFailed
		j.Reason = reason
		return nil
	}); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.RecordFinished(string(PhaseFailed))
	}
	o.log.Warn("job failed", logger.String("access_key", key), logger.String("reason", reason))
	return errors.New(reason)
}

// interrupted flags a run that hit its timeout, or was cut short by
// shutdown, as stuck.
func (o *Orchestrator) interrupted(ctx context.Context, key string, shutdown bool, cause error) error {
	reason := fmt.Sprintf("timed out after %s", o.opts.Timeout)
	if shutdown {
		reason = "interrupted by shutdown"
	}
	if _, err := o.mutate(ctx, key, func(j *AnalysisJob) error {
		j.Stuck = true
		j.Reason = reason
		return nil
	}); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.JobsStuck.Inc()
	}
	o.log.Warn("job flagged stuck", logger.String("access_key", key), logger.String("reason", reason))
	return fmt.Errorf("%s: %w", reason, cause)
}

// mutate is the single writer of job state. Mutations of one key are
// serialized; fn sees the latest stored record.
func (o *Orchestrator) mutate(ctx context.Context, key string, fn func(*AnalysisJob) error) (*AnalysisJob, error) {
	lock := o.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	job, err := o.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return nil, err
	}
	job.UpdatedAt = o.now().UTC()
	if err := o.store.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("updating job %s: %w", key, err)
	}
	return job, nil
}

func (o *Orchestrator) keyLock(key string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		o.keyLocks[key] = l
	}
	return l
}

func (o *Orchestrator) claim(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[key] {
		return false
	}
	o.inFlight[key] = true
	return true
}

func (o *Orchestrator) release(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, key)
}

func (o *Orchestrator) isInFlight(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inFlight[key]
}

func (o *Orchestrator) checkpoint(key string) *checkpoint {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.checkpoints[key]
}

// resume returns the checkpointed state and the next phase to run, or a
// nil state when the job must start over.
func (o *Orchestrator) resume(key string) (*pipeline.State, pipeline.Kind) {
	cp := o.checkpoint(key)
	if cp == nil || cp.state == nil {
		return nil, pipeline.KindFilter
	}
	if cp.next > pipeline.KindScore {
		o.dropCheckpoint(key)
		return nil, pipeline.KindFilter
	}
	return cp.state, cp.next
}

func (o *Orchestrator) saveCheckpoint(key string, state *pipeline.State, next pipeline.Kind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.checkpoints[key] = &checkpoint{state: state, next: next}
}

func (o *Orchestrator) dropCheckpoint(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.checkpoints, key)
}
