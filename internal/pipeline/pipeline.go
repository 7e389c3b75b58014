// Package pipeline drives migration jobs through their stage sequence:
// export, convert, transfer, publish, launch. Each queued task executes one
// stage of one job; the engine classifies failures, spends the stage's
// retry budget with backoff encoded in queue visibility, and finalizes
// terminal jobs with best-effort artifact cleanup.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kumoproj/kumo/internal/cloud"
	"github.com/kumoproj/kumo/internal/common"
	"github.com/kumoproj/kumo/internal/convert"
	"github.com/kumoproj/kumo/internal/logger"
	"github.com/kumoproj/kumo/internal/migrate"
	"github.com/kumoproj/kumo/internal/observability"
	"github.com/kumoproj/kumo/internal/staging"
	"github.com/kumoproj/kumo/internal/store"
	"github.com/kumoproj/kumo/internal/transfer"
)

// RetryLater asks the dispatcher to redeliver the task after a delay. No
// stage attempt is recorded; the retry budget is untouched.
type RetryLater struct {
	After time.Duration
	Err   error
}

func (r *RetryLater) Error() string {
	return fmt.Sprintf("retry later (%s): %v", r.After, r.Err)
}

func (r *RetryLater) Unwrap() error { return r.Err }

// Options configures an Engine.
type Options struct {
	StageAttempts int
	StageTimeout  time.Duration
	BackoffBase   time.Duration
	BackoffCap    time.Duration
}

// Engine executes pipeline stages for queued tasks.
type Engine struct {
	store     store.Store
	registry  *cloud.Registry
	staging   staging.Store
	converter *convert.Converter
	transfer  *transfer.Manager
	logger    *logger.Logger
	metrics   *observability.Metrics
	opts      Options

	now func() time.Time
}

// NewEngine creates a pipeline engine.
func NewEngine(st store.Store, registry *cloud.Registry, stage staging.Store, conv *convert.Converter, tm *transfer.Manager, metrics *observability.Metrics, log *logger.Logger, opts Options) *Engine {
	if opts.StageAttempts <= 0 {
		opts.StageAttempts = 3
	}
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = 2 * time.Hour
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 10 * time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 10 * time.Minute
	}
	return &Engine{
		store:     st,
		registry:  registry,
		staging:   stage,
		converter: conv,
		transfer:  tm,
		metrics:   metrics,
		logger:    log,
		opts:      opts,
		now:       time.Now,
	}
}

// SetClock overrides the engine's clock. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// stageResult is what a stage execution produces.
type stageResult struct {
	artifact   *migrate.Artifact
	imageID    string
	instanceID string
}

// HandleTask executes one queued stage task. A nil return means the task is
// done and must be acked; a *RetryLater asks for delayed redelivery; any
// other error leaves the task claimed until its visibility expires.
func (e *Engine) HandleTask(ctx context.Context, task store.Task) error {
	job, err := e.store.GetJob(ctx, task.JobID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Warningf("Dropping task for unknown job %s", task.JobID)
		return nil
	}
	if err != nil {
		return err
	}
	if job.Terminal() {
		e.logger.Debugf("Dropping task for terminal job %s", job.ID)
		return nil
	}
	// Stage order is monotonic per job: a task for an already-completed
	// stage is a duplicate delivery.
	if task.Stage.Index() < job.Stage.Index() {
		e.logger.Debugf("Dropping stale %s task for job %s (job at %s)", task.Stage, job.ID, job.Stage)
		return nil
	}

	// Cancellation is honored at stage boundaries only.
	if job.CancelRequested {
		return e.finalizeCancelled(ctx, job)
	}

	job.Stage = task.Stage
	started := e.now().UTC()
	stageCtx, cancel := context.WithTimeout(ctx, e.opts.StageTimeout)
	res, runErr := e.runStage(stageCtx, job, task.Stage)
	cancel()
	finished := e.now().UTC()

	if e.metrics != nil {
		e.metrics.StageDuration.WithLabelValues(string(task.Stage)).Observe(finished.Sub(started).Seconds())
	}

	if runErr != nil {
		var rl *RetryLater
		if errors.As(runErr, &rl) {
			return rl
		}
		if migrate.Redeliverable(runErr) {
			return &RetryLater{After: e.opts.BackoffBase, Err: runErr}
		}
		return e.recordFailure(ctx, job, task.Stage, started, finished, runErr)
	}
	return e.recordSuccess(ctx, job, task.Stage, started, finished, res)
}

func (e *Engine) runStage(ctx context.Context, job *migrate.Job, stage migrate.Stage) (*stageResult, error) {
	switch stage {
	case migrate.StageExporting:
		return e.runExport(ctx, job)
	case migrate.StageConverting:
		return e.runConvert(ctx, job)
	case migrate.StageTransferring:
		return e.runTransfer(ctx, job)
	case migrate.StagePublishing:
		return e.runPublish(ctx, job)
	case migrate.StageLaunching:
		return e.runLaunch(ctx, job)
	}
	return nil, migrate.Errorf(migrate.KindInternal, "pipeline", "no handler for stage %s", stage)
}

// runExport pulls the source disk into staging. A prior successful export
// whose staged file still checks out is reused without touching the source
// provider again.
func (e *Engine) runExport(ctx context.Context, job *migrate.Job) (*stageResult, error) {
	if prior, err := e.validStagedAttempt(ctx, job.ID, migrate.StageExporting); err != nil {
		return nil, err
	} else if prior != nil {
		e.logger.Infof("Reusing staged export for job %s", job.ID)
		return &stageResult{artifact: prior}, nil
	}

	driver, err := e.registry.Get(job.Source.Provider)
	if err != nil {
		return nil, err
	}
	art, err := driver.ExportDisk(ctx, job.Source, e.staging)
	if err != nil {
		return nil, err
	}
	return &stageResult{artifact: art}, nil
}

// runConvert translates the exported image into the target provider's
// format. Same-format pairs reuse the export artifact as-is.
func (e *Engine) runConvert(ctx context.Context, job *migrate.Job) (*stageResult, error) {
	if prior, err := e.validStagedAttempt(ctx, job.ID, migrate.StageConverting); err != nil {
		return nil, err
	} else if prior != nil {
		e.logger.Infof("Reusing converted image for job %s", job.ID)
		return &stageResult{artifact: prior}, nil
	}

	exported, err := e.requireArtifact(ctx, job.ID, migrate.StageExporting)
	if err != nil {
		return nil, err
	}
	target, err := e.registry.Get(job.Target.Provider)
	if err != nil {
		return nil, err
	}
	dstFormat := target.TargetFormat()
	if exported.Format == dstFormat {
		return &stageResult{artifact: exported}, nil
	}

	srcPath, err := e.staging.Fetch(ctx, artifactName(exported))
	if err != nil {
		return nil, err
	}
	dstName := fmt.Sprintf("%s-converted.%s", job.ID, dstFormat)
	dstPath := filepath.Join(e.staging.Workdir(), dstName)
	outPath, err := e.converter.Convert(ctx, srcPath, exported.Format, dstFormat, dstPath)
	if err != nil {
		return nil, err
	}
	if outPath == srcPath {
		return &stageResult{artifact: exported}, nil
	}

	size, err := common.FileSize(outPath)
	if err != nil {
		return nil, err
	}
	digest, err := common.FileSHA256(outPath)
	if err != nil {
		return nil, err
	}
	if err := e.staging.Put(ctx, dstName, outPath); err != nil {
		return nil, err
	}
	return &stageResult{artifact: &migrate.Artifact{
		URI:       e.staging.URI(dstName),
		Format:    dstFormat,
		SizeBytes: size,
		SHA256:    digest,
	}}, nil
}

// runTransfer uploads the converted image into the target provider's
// storage through the resumable transfer manager.
func (e *Engine) runTransfer(ctx context.Context, job *migrate.Job) (*stageResult, error) {
	if prior, err := e.store.LatestSuccess(ctx, job.ID, migrate.StageTransferring); err != nil {
		return nil, err
	} else if prior != nil && prior.Artifact != nil {
		e.logger.Infof("Reusing transferred artifact for job %s", job.ID)
		return &stageResult{artifact: prior.Artifact}, nil
	}

	converted, err := e.requireArtifact(ctx, job.ID, migrate.StageConverting)
	if err != nil {
		return nil, err
	}
	driver, err := e.registry.Get(job.Target.Provider)
	if err != nil {
		return nil, err
	}
	name := artifactName(converted)
	localPath, err := e.staging.Fetch(ctx, name)
	if err != nil {
		return nil, err
	}
	objectName := path.Join("kumo", job.ID.String(), name)
	remote, err := e.transfer.Transfer(ctx, job, driver, localPath, converted, objectName)
	if err != nil {
		return nil, err
	}
	return &stageResult{artifact: remote}, nil
}

// runPublish registers the uploaded disk as a bootable image.
func (e *Engine) runPublish(ctx context.Context, job *migrate.Job) (*stageResult, error) {
	if job.TargetImageID != "" {
		return &stageResult{imageID: job.TargetImageID}, nil
	}
	uploaded, err := e.requireArtifact(ctx, job.ID, migrate.StageTransferring)
	if err != nil {
		return nil, err
	}
	driver, err := e.registry.Get(job.Target.Provider)
	if err != nil {
		return nil, err
	}
	imageID, err := driver.PublishImage(ctx, job.Target, uploaded)
	if err != nil {
		return nil, err
	}
	return &stageResult{
		imageID:  imageID,
		artifact: &migrate.Artifact{URI: imageID, Provider: job.Target.Provider},
	}, nil
}

// runLaunch boots the target instance from the published image.
func (e *Engine) runLaunch(ctx context.Context, job *migrate.Job) (*stageResult, error) {
	if job.TargetInstanceID != "" {
		return &stageResult{instanceID: job.TargetInstanceID}, nil
	}
	imageID := job.TargetImageID
	if imageID == "" {
		published, err := e.requireArtifact(ctx, job.ID, migrate.StagePublishing)
		if err != nil {
			return nil, err
		}
		imageID = published.URI
	}
	driver, err := e.registry.Get(job.Target.Provider)
	if err != nil {
		return nil, err
	}
	instanceID, err := driver.LaunchInstance(ctx, job.Target, imageID)
	if err != nil {
		return nil, err
	}
	return &stageResult{instanceID: instanceID}, nil
}

// validStagedAttempt returns the artifact of a prior successful attempt of
// stage if the staged file still exists with the recorded size.
func (e *Engine) validStagedAttempt(ctx context.Context, jobID uuid.UUID, stage migrate.Stage) (*migrate.Artifact, error) {
	prior, err := e.store.LatestSuccess(ctx, jobID, stage)
	if err != nil {
		return nil, err
	}
	if prior == nil || prior.Artifact == nil {
		return nil, nil
	}
	size, exists, err := e.staging.Stat(ctx, artifactName(prior.Artifact))
	if err != nil {
		return nil, err
	}
	if !exists || size != prior.Artifact.SizeBytes {
		return nil, nil
	}
	return prior.Artifact, nil
}

// requireArtifact returns the artifact of the given stage's latest success
// or fails fatally: a missing predecessor artifact means the job's history
// is inconsistent with its stage.
func (e *Engine) requireArtifact(ctx context.Context, jobID uuid.UUID, stage migrate.Stage) (*migrate.Artifact, error) {
	prior, err := e.store.LatestSuccess(ctx, jobID, stage)
	if err != nil {
		return nil, err
	}
	if prior == nil || prior.Artifact == nil {
		return nil, migrate.Errorf(migrate.KindNotFound, "pipeline",
			"no successful %s attempt with an artifact", stage)
	}
	return prior.Artifact, nil
}

func (e *Engine) recordSuccess(ctx context.Context, job *migrate.Job, stage migrate.Stage, started, finished time.Time, res *stageResult) error {
	count, err := e.store.AttemptCount(ctx, job.ID, stage)
	if err != nil {
		return err
	}
	attempt := &migrate.StageAttempt{
		JobID:      job.ID,
		Stage:      stage,
		Attempt:    count + 1,
		Outcome:    migrate.AttemptSucceeded,
		Artifact:   res.artifact,
		StartedAt:  started,
		FinishedAt: finished,
	}
	if res.imageID != "" {
		job.TargetImageID = res.imageID
	}
	if res.instanceID != "" {
		job.TargetInstanceID = res.instanceID
	}

	next, ok := stage.Next()
	if !ok || next == migrate.StageCompleted {
		job.Stage = migrate.StageCompleted
		job.Outcome = migrate.OutcomeSucceeded
		if err := e.store.RecordStageResult(ctx, job, attempt, nil, time.Time{}); err != nil {
			return err
		}
		e.logger.Successf("Job %s completed: instance %s", job.ID, job.TargetInstanceID)
		e.countStage(stage, "succeeded")
		e.countJob(job.Outcome)
		e.cleanupStaging(ctx, job)
		return nil
	}

	job.Stage = next
	if err := e.store.RecordStageResult(ctx, job, attempt, &next, e.now().UTC()); err != nil {
		return err
	}
	e.logger.Infof("Job %s: %s succeeded, advancing to %s", job.ID, stage, next)
	e.countStage(stage, "succeeded")
	return nil
}

func (e *Engine) recordFailure(ctx context.Context, job *migrate.Job, stage migrate.Stage, started, finished time.Time, runErr error) error {
	kind := migrate.KindOf(runErr)
	count, err := e.store.AttemptCount(ctx, job.ID, stage)
	if err != nil {
		return err
	}
	attempt := &migrate.StageAttempt{
		JobID:       job.ID,
		Stage:       stage,
		Attempt:     count + 1,
		Outcome:     migrate.AttemptFailed,
		ErrorKind:   kind,
		ErrorDetail: runErr.Error(),
		StartedAt:   started,
		FinishedAt:  finished,
	}
	e.countStage(stage, "failed")

	if migrate.Retryable(runErr) && attempt.Attempt < e.opts.StageAttempts {
		delay := e.backoff(attempt.Attempt)
		same := stage
		if err := e.store.RecordStageResult(ctx, job, attempt, &same, e.now().UTC().Add(delay)); err != nil {
			return err
		}
		e.logger.Warningf("Job %s: %s attempt %d failed (%s), retrying in %s: %v",
			job.ID, stage, attempt.Attempt, kind, delay, runErr)
		return nil
	}

	job.Stage = migrate.StageFailed
	job.Outcome = migrate.OutcomeFailed
	job.FailureKind = kind
	job.FailureDetail = runErr.Error()
	if err := e.store.RecordStageResult(ctx, job, attempt, nil, time.Time{}); err != nil {
		return err
	}
	e.logger.Errorf("Job %s failed at %s (%s): %v", job.ID, stage, kind, runErr)
	e.countJob(job.Outcome)
	e.cleanupArtifacts(ctx, job)
	return nil
}

func (e *Engine) finalizeCancelled(ctx context.Context, job *migrate.Job) error {
	job.Stage = migrate.StageCancelled
	job.Outcome = migrate.OutcomeCancelled
	if err := e.store.RecordStageResult(ctx, job, nil, nil, time.Time{}); err != nil {
		return err
	}
	e.logger.Infof("Job %s cancelled", job.ID)
	e.countJob(job.Outcome)
	e.cleanupArtifacts(ctx, job)
	return nil
}

// backoff returns the delay before retry attempt n+1: base doubled per
// consumed attempt, capped.
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.opts.BackoffCap {
			return e.opts.BackoffCap
		}
	}
	if d > e.opts.BackoffCap {
		return e.opts.BackoffCap
	}
	return d
}

// cleanupArtifacts releases every artifact recorded in the job's history:
// staged files locally, provider-side artifacts through the owning driver.
// Best-effort; failures are logged, never escalated.
func (e *Engine) cleanupArtifacts(ctx context.Context, job *migrate.Job) {
	attempts, err := e.store.ListAttempts(ctx, job.ID)
	if err != nil {
		e.logger.Warningf("Cleanup for job %s: failed to list attempts: %v", job.ID, err)
		attempts = nil
	}
	for _, a := range attempts {
		if a.Outcome != migrate.AttemptSucceeded || a.Artifact == nil {
			continue
		}
		if a.Artifact.Provider == "" {
			if err := e.staging.Delete(ctx, artifactName(a.Artifact)); err != nil {
				e.logger.Warningf("Cleanup for job %s: failed to delete staged %s: %v", job.ID, a.Artifact.URI, err)
			}
			continue
		}
		driver, err := e.registry.Get(a.Artifact.Provider)
		if err != nil {
			e.logger.Warningf("Cleanup for job %s: %v", job.ID, err)
			continue
		}
		if err := driver.DeleteArtifact(ctx, a.Artifact); err != nil {
			e.logger.Warningf("Cleanup for job %s: failed to delete %s: %v", job.ID, a.Artifact.URI, err)
		}
	}
	if err := e.store.DeleteCheckpoint(ctx, job.ID); err != nil {
		e.logger.Warningf("Cleanup for job %s: failed to delete checkpoint: %v", job.ID, err)
	}
}

// cleanupStaging releases only the staged intermediate files. Used on
// successful completion, where provider-side artifacts are the product.
func (e *Engine) cleanupStaging(ctx context.Context, job *migrate.Job) {
	attempts, err := e.store.ListAttempts(ctx, job.ID)
	if err != nil {
		e.logger.Warningf("Cleanup for job %s: failed to list attempts: %v", job.ID, err)
		return
	}
	for _, a := range attempts {
		if a.Outcome != migrate.AttemptSucceeded || a.Artifact == nil || a.Artifact.Provider != "" {
			continue
		}
		if err := e.staging.Delete(ctx, artifactName(a.Artifact)); err != nil {
			e.logger.Warningf("Cleanup for job %s: failed to delete staged %s: %v", job.ID, a.Artifact.URI, err)
		}
	}
	if err := e.store.DeleteCheckpoint(ctx, job.ID); err != nil {
		e.logger.Warningf("Cleanup for job %s: failed to delete checkpoint: %v", job.ID, err)
	}
}

func (e *Engine) countStage(stage migrate.Stage, result string) {
	if e.metrics != nil {
		e.metrics.StageAttempts.WithLabelValues(string(stage), result).Inc()
	}
}

func (e *Engine) countJob(outcome migrate.Outcome) {
	if e.metrics != nil {
		e.metrics.JobsFinished.WithLabelValues(string(outcome)).Inc()
	}
}

// artifactName maps an artifact URI back to its staging object name.
func artifactName(art *migrate.Artifact) string {
	if u, err := url.Parse(art.URI); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return filepath.Base(art.URI)
}
