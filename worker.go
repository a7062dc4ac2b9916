package dockerizer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

////////////////////////////////////////////////////////////////////////////////
// Queue worker: one build request in, statuses and images out
////////////////////////////////////////////////////////////////////////////////

type imageBuilder interface {
	Build(ctx context.Context, req BuildRequest) (BuildResult, error)
}

type imagePusher interface {
	Push(ctx context.Context, imageRef string) error
}

const (
	stageDecode   = "decode"
	stageLoad     = "load"
	stageResults  = "results"
	stageBuild    = "build"
	stagePush     = "push"
	stageSave     = "save"
	stageSelect   = "select"
	stageDispatch = "dispatch"
)

// stageError remembers which step of a delivery failed.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string {
	return e.stage + ": " + e.err.Error()
}

func (e *stageError) Unwrap() error {
	return e.err
}

func atStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	var existing *stageError
	if errors.As(err, &existing) {
		return err
	}
	return &stageError{stage: stage, err: err}
}

func errorStage(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return "unknown"
}

type saveOptions struct {
	// skipRunTrigger keeps a READY submission out of automatic runs.
	skipRunTrigger bool
}

type Worker struct {
	store        Store
	builder      imageBuilder
	publisher    imagePusher
	results      resultStager
	dispatcher   *RunDispatcher
	tracker      *errorTracker
	gitBaseURL   string
	registryHost string
	timeouts     TimeoutConfig
	log          sourceLogger
}

// NewWorker wires the pipeline steps together. results may be nil when no
// object storage is configured.
func NewWorker(
	store Store,
	builder imageBuilder,
	publisher imagePusher,
	results resultStager,
	dispatcher *RunDispatcher,
	tracker *errorTracker,
	cfg Config,
	logger *appLogger,
) *Worker {
	return &Worker{
		store:        store,
		builder:      builder,
		publisher:    publisher,
		results:      results,
		dispatcher:   dispatcher,
		tracker:      tracker,
		gitBaseURL:   strings.TrimSuffix(cfg.Git.BaseURL, "/"),
		registryHost: cfg.Registry.Host,
		timeouts:     cfg.Timeouts,
		log:          logger.Source("worker"),
	}
}

// HandleMessage processes one queue delivery to completion. Failures are
// logged, reported and reflected in the record status; the returned error is
// informational and never asks for redelivery.
func (w *Worker) HandleMessage(ctx context.Context, data []byte) error {
	deliveryID := uuid.NewString()
	log := w.log.With("delivery_id", deliveryID)
	tags := map[string]string{"delivery_id": deliveryID}

	msg, err := decodeBuildRequest(data)
	if err != nil {
		err = atStage(stageDecode, err)
		log.Warnf("discarding message: %v", err)
		tags["stage"] = stageDecode
		w.tracker.Capture(err, tags)
		return err
	}

	if msg.IsCode() {
		tags["code_id"] = strconv.FormatInt(*msg.CodeID, 10)
		log = log.With("code_id", *msg.CodeID)
		log.Infof("start code build reference=%s", msg.Reference)
		err = w.handleCode(ctx, log, *msg.CodeID, msg.Reference)
	} else {
		tags["submission_id"] = strconv.FormatInt(*msg.SubmissionID, 10)
		log = log.With("submission_id", *msg.SubmissionID)
		log.Infof("start submission")
		err = w.handleSubmission(ctx, log, *msg.SubmissionID)
	}
	if err != nil {
		tags["stage"] = errorStage(err)
		log.Errorf("failed at %s: %v", tags["stage"], err)
		w.tracker.Capture(err, tags)
		return err
	}
	log.Infof("done")
	return nil
}

func (w *Worker) handleSubmission(ctx context.Context, log sourceLogger, id int64) error {
	var (
		sub     Submission
		problem Problem
	)
	err := w.withStore(ctx, func(ctx context.Context) error {
		var err error
		if sub, err = w.store.GetSubmission(ctx, id); err != nil {
			return err
		}
		problem, err = w.store.GetProblem(ctx, sub.ProblemID)
		return err
	})
	if err != nil {
		return atStage(stageLoad, err)
	}

	if sub.Status != StatusWaitingInQueue {
		log.Infof("skip: submission is %s", sub.Status)
		return nil
	}
	if sub.Runtime == runtimeSkip {
		return w.saveSubmission(ctx, &sub, problem, StatusSubmissionReady, saveOptions{skipRunTrigger: true})
	}
	if !problem.CodeExecution {
		return w.acceptResults(ctx, log, &sub, problem)
	}
	return w.buildSubmission(ctx, log, &sub, problem)
}

// acceptResults readies a submission whose problem only collects output
// files, promoting the staged files first when the problem expects any.
func (w *Worker) acceptResults(ctx context.Context, log sourceLogger, sub *Submission, problem Problem) error {
	if problem.OutputVolumeSize != nil {
		n, err := w.promoteResults(ctx, sub.ID)
		if err != nil {
			return w.fail(ctx, sub, problem, StatusImagePushFailed, atStage(stageResults, err))
		}
		log.Infof("promoted %d result objects", n)
	}
	return w.saveSubmission(ctx, sub, problem, StatusSubmissionReady, saveOptions{})
}

func (w *Worker) promoteResults(ctx context.Context, submissionID int64) (int, error) {
	if w.results == nil {
		return 0, fmt.Errorf("%w: object storage is not configured", ErrResultsUnavailable)
	}
	storageCtx, cancel := withTimeout(ctx, w.timeouts.Storage)
	defer cancel()
	n, err := w.results.PromoteResults(storageCtx, submissionID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrResultsUnavailable, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: nothing staged for submission %d", ErrResultsUnavailable, submissionID)
	}
	return n, nil
}

func (w *Worker) buildSubmission(ctx context.Context, log sourceLogger, sub *Submission, problem Problem) error {
	for _, next := range []SubmissionStatus{StatusImageBuildJobEnqueued, StatusImageBuildStarted} {
		if err := w.saveSubmission(ctx, sub, problem, next, saveOptions{}); err != nil {
			return err
		}
	}

	image := sub.ImageName(w.registryHost, problem)
	res, err := w.build(ctx, BuildRequest{
		RepoURL:    w.repoURL(sub.RepoPath(problem)),
		Reference:  sub.Reference,
		Image:      image,
		Runtime:    sub.Runtime,
		ArchiveKey: buildKey("submission", sub.ID),
	})
	if err != nil {
		return w.fail(ctx, sub, problem, StatusImageBuildFailed, atStage(stageBuild, err))
	}
	log.Infof("built %s with %s", image, res.Buildpack)
	if err := w.saveSubmission(ctx, sub, problem, StatusImageBuildSuccessful, saveOptions{}); err != nil {
		return err
	}

	if err := w.push(ctx, image); err != nil {
		return w.fail(ctx, sub, problem, StatusImagePushFailed, atStage(stagePush, err))
	}
	return w.saveSubmission(ctx, sub, problem, StatusSubmissionReady, saveOptions{})
}

func (w *Worker) handleCode(ctx context.Context, log sourceLogger, id int64, reference string) error {
	var code Code
	err := w.withStore(ctx, func(ctx context.Context) error {
		var err error
		code, err = w.store.GetCode(ctx, id)
		return err
	})
	if err != nil {
		return atStage(stageLoad, err)
	}

	image := imageRef(w.registryHost, code.RepoPath, code.ID)
	res, err := w.build(ctx, BuildRequest{
		RepoURL:    w.repoURL(code.RepoPath),
		Reference:  reference,
		Image:      image,
		Runtime:    "",
		ArchiveKey: buildKey("code", code.ID),
	})
	if err != nil {
		return atStage(stageBuild, err)
	}
	log.Infof("built %s with %s", image, res.Buildpack)
	if err := w.push(ctx, image); err != nil {
		return atStage(stagePush, err)
	}

	code.Image = image
	code.Reference = reference
	err = w.withStore(ctx, func(ctx context.Context) error {
		return w.store.SaveCode(ctx, code)
	})
	return atStage(stageSave, err)
}

// saveSubmission is the only place a submission status changes. Reaching
// READY selects the submission and, for auto-evaluated problems, starts a run.
func (w *Worker) saveSubmission(
	ctx context.Context,
	sub *Submission,
	problem Problem,
	next SubmissionStatus,
	opts saveOptions,
) error {
	if err := sub.Advance(next); err != nil {
		return atStage(stageSave, err)
	}
	err := w.withStore(ctx, func(ctx context.Context) error {
		return w.store.SaveSubmission(ctx, *sub)
	})
	if err != nil {
		return atStage(stageSave, fmt.Errorf("save submission %d as %s: %w", sub.ID, next, err))
	}
	w.log.Debugf("submission %d is %s", sub.ID, next)
	if next != StatusSubmissionReady {
		return nil
	}

	// READY is already stored and never re-processed, so a failed selection
	// must not cost the submission its run.
	selectErr := w.withStore(ctx, func(ctx context.Context) error {
		return w.store.SelectSubmission(ctx, *sub)
	})
	if selectErr != nil {
		w.log.Warnf("select submission %d: %v", sub.ID, selectErr)
	} else {
		sub.Selected = true
	}

	if opts.skipRunTrigger || problem.EvaluationMode != EvaluationOnAuto {
		return atStage(stageSelect, selectErr)
	}
	return errors.Join(
		atStage(stageSelect, selectErr),
		atStage(stageDispatch, w.triggerRun(ctx, *sub, problem)),
	)
}

func (w *Worker) triggerRun(ctx context.Context, sub Submission, problem Problem) error {
	dispatchCtx, cancel := withTimeout(ctx, w.timeouts.Dispatch)
	defer cancel()
	run, err := w.dispatcher.CreateAutoRun(dispatchCtx, sub, problem)
	if err != nil {
		return err
	}
	return w.dispatcher.Dispatch(dispatchCtx, run.ID)
}

// fail records a terminal failure status and returns cause, joined with the
// save error if the status could not be stored.
func (w *Worker) fail(ctx context.Context, sub *Submission, problem Problem, status SubmissionStatus, cause error) error {
	if err := w.saveSubmission(ctx, sub, problem, status, saveOptions{}); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (w *Worker) build(ctx context.Context, req BuildRequest) (BuildResult, error) {
	buildCtx, cancel := withTimeout(ctx, w.timeouts.Build)
	defer cancel()
	return w.builder.Build(buildCtx, req)
}

func (w *Worker) push(ctx context.Context, image string) error {
	pushCtx, cancel := withTimeout(ctx, w.timeouts.Push)
	defer cancel()
	return w.publisher.Push(pushCtx, image)
}

func (w *Worker) withStore(ctx context.Context, fn func(ctx context.Context) error) error {
	storeCtx, cancel := withTimeout(ctx, w.timeouts.Store)
	defer cancel()
	return fn(storeCtx)
}

func (w *Worker) repoURL(repoPath string) string {
	return w.gitBaseURL + "/" + strings.Trim(repoPath, "/")
}

// withTimeout treats a non-positive d as no deadline.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
