package dockerizer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

////////////////////////////////////////////////////////////////////////////////
// Run dispatcher: persist READY, then compose and publish the Room manifest
////////////////////////////////////////////////////////////////////////////////

const (
	roomKind         = "Room"
	directorName     = "director"
	metricoName      = "metrico"
	defaultActorRole = "actor"
)

// roomPublisher hands a rendered manifest to the orchestrator queue.
type roomPublisher interface {
	Publish(ctx context.Context, subject, msgID string, body []byte) error
}

type RunDispatcher struct {
	store      Store
	rooms      roomPublisher
	renderer   *manifestRenderer
	apiVersion string
	namespace  string
	roomPrefix string
	registry   RegistryConfig
	storage    StorageConfig
	log        sourceLogger
}

func NewRunDispatcher(store Store, rooms roomPublisher, cfg Config, logger *appLogger) *RunDispatcher {
	return &RunDispatcher{
		store:      store,
		rooms:      rooms,
		renderer:   newManifestRenderer(cfg.Dispatch),
		apiVersion: cfg.Dispatch.APIVersion,
		namespace:  cfg.Dispatch.Namespace,
		roomPrefix: cfg.Queue.RoomPrefix,
		registry:   cfg.Registry,
		storage:    cfg.Storage,
		log:        logger.Source("dispatcher"),
	}
}

// CreateAutoRun opens a run for sub's owner with sub gathered under the
// problem's first role and leaves it READY for Dispatch.
func (d *RunDispatcher) CreateAutoRun(ctx context.Context, sub Submission, problem Problem) (Run, error) {
	run, err := d.store.CreateRun(ctx, Run{
		OwnerID:   sub.OwnerID,
		ProblemID: problem.ID,
		Status:    RunPreparing,
	})
	if err != nil {
		return Run{}, fmt.Errorf("create run: %w", err)
	}
	if _, err := d.store.AddGatheredSubmission(ctx, GatheredSubmission{
		RunID:        run.ID,
		SubmissionID: sub.ID,
		Role:         problem.FirstRoleName(),
	}); err != nil {
		return Run{}, fmt.Errorf("gather submission %d into run %d: %w", sub.ID, run.ID, err)
	}
	if err := d.MarkReady(ctx, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

func (d *RunDispatcher) MarkReady(ctx context.Context, run *Run) error {
	if err := run.Advance(RunReady); err != nil {
		return err
	}
	if err := d.store.SaveRun(ctx, *run); err != nil {
		return fmt.Errorf("save run %d: %w", run.ID, err)
	}
	return nil
}

// Dispatch publishes the Room for a READY run and moves it on. Any other
// status means the run was already handed to the orchestrator.
func (d *RunDispatcher) Dispatch(ctx context.Context, runID int64) error {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %d: %w", runID, err)
	}
	if run.Status != RunReady {
		return fmt.Errorf("%w: run %d is %s", ErrAlreadyDispatched, run.ID, run.Status)
	}
	problem, err := d.store.GetProblem(ctx, run.ProblemID)
	if err != nil {
		return fmt.Errorf("load problem %d: %w", run.ProblemID, err)
	}
	manifest, err := d.composeManifest(ctx, run, problem)
	if err != nil {
		return err
	}
	body, err := d.renderer.Render(manifest)
	if err != nil {
		return err
	}

	subject := roomSubject(d.roomPrefix, problem.ID)
	if err := d.rooms.Publish(ctx, subject, manifest.Metadata.Name, body); err != nil {
		return err
	}
	if err := run.Advance(RunPodBuildJobEnqueued); err != nil {
		return err
	}
	if err := d.store.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("save run %d: %w", run.ID, err)
	}
	d.log.Infof("dispatched run %d with %d actors to %s", run.ID, len(manifest.Spec.Actors), subject)
	return nil
}

func (d *RunDispatcher) composeManifest(ctx context.Context, run Run, problem Problem) (RoomManifest, error) {
	if problem.EvaluatorCodeID == nil {
		return RoomManifest{}, fmt.Errorf("problem %d has no evaluator code", problem.ID)
	}
	directorImage, err := d.codeImage(ctx, *problem.EvaluatorCodeID)
	if err != nil {
		return RoomManifest{}, err
	}
	spec := RoomSpec{
		ID:        run.ID,
		ProblemID: problem.ID,
		Director: RoomMember{
			Name:      directorName,
			Image:     directorImage,
			Resources: nil,
		},
		Actors:                  nil,
		Metrico:                 nil,
		Timeout:                 nil,
		TerminateOnActorFailure: problem.TerminateOnActorFailure,
	}
	if problem.Director != nil {
		spec.Director.Resources = roleResources(*problem.Director)
	}
	if problem.MetricoCodeID != nil {
		metricoImage, err := d.codeImage(ctx, *problem.MetricoCodeID)
		if err != nil {
			return RoomManifest{}, err
		}
		spec.Metrico = &RoomMember{Name: metricoName, Image: metricoImage, Resources: nil}
	}
	if problem.RunTimeout > 0 {
		timeout := problem.RunTimeout
		spec.Timeout = &timeout
	}

	gathered, err := d.store.ListGatheredSubmissions(ctx, run.ID)
	if err != nil {
		return RoomManifest{}, fmt.Errorf("list submissions of run %d: %w", run.ID, err)
	}
	if len(gathered) == 0 {
		return RoomManifest{}, fmt.Errorf("run %d has no submissions", run.ID)
	}
	for _, g := range gathered {
		actor, err := d.composeActor(ctx, g, problem)
		if err != nil {
			return RoomManifest{}, err
		}
		spec.Actors = append(spec.Actors, actor)
	}

	return RoomManifest{
		APIVersion: d.apiVersion,
		Kind:       roomKind,
		Metadata: RoomMetadata{
			Name:      "run-" + strconv.FormatInt(run.ID, 10),
			Namespace: d.namespace,
		},
		Spec: spec,
	}, nil
}

func (d *RunDispatcher) composeActor(ctx context.Context, g GatheredSubmission, problem Problem) (RoomActor, error) {
	sub, err := d.store.GetSubmission(ctx, g.SubmissionID)
	if err != nil {
		return RoomActor{}, fmt.Errorf("load submission %d: %w", g.SubmissionID, err)
	}
	actor := RoomActor{
		Name:      "submission-" + strconv.FormatInt(sub.ID, 10),
		Image:     sub.ImageName(d.registry.Host, problem),
		Role:      g.Role,
		Envs:      nil,
		Resources: nil,
	}
	if actor.Role == "" {
		actor.Role = defaultActorRole
	}
	if role, ok := problem.Role(g.Role); ok {
		actor.Resources = roleResources(role)
	}
	if !problem.CodeExecution {
		actor.Image = d.registry.ResultOnlyImage
		actor.Envs = d.resultEnvs(sub.ID)
	}
	return actor, nil
}

// resultEnvs point a result-only actor at the submission's promoted files.
func (d *RunDispatcher) resultEnvs(submissionID int64) []RoomEnv {
	return []RoomEnv{
		{Key: "S3_ENDPOINT", Value: d.storage.Endpoint},
		{Key: "S3_ACCESS_KEY", Value: d.storage.AccessKey},
		{Key: "S3_SECRET_KEY", Value: d.storage.SecretKey},
		{Key: "S3_USE_SSL", Value: strconv.FormatBool(d.storage.UseSSL)},
		{Key: "S3_BUCKET", Value: d.storage.ResultBucket},
		{Key: "S3_PREFIX", Value: resultPrefix(submissionID)},
	}
}

func (d *RunDispatcher) codeImage(ctx context.Context, codeID int64) (string, error) {
	code, err := d.store.GetCode(ctx, codeID)
	if err != nil {
		return "", fmt.Errorf("load code %d: %w", codeID, err)
	}
	if code.Image == "" {
		return "", errors.New("code " + strconv.FormatInt(codeID, 10) + " has no built image")
	}
	return code.Image, nil
}

func roleResources(role Role) *RoomResources {
	if role.Limit == nil && role.Request == nil {
		return nil
	}
	return &RoomResources{
		Limits:   resourceList(role.Limit),
		Requests: resourceList(role.Request),
	}
}

func resourceList(r *Resource) *RoomResourceList {
	if r == nil {
		return nil
	}
	list := &RoomResourceList{
		CPU:       strconv.FormatFloat(r.CPU, 'f', -1, 64),
		Memory:    fmt.Sprintf("%dMi", r.Memory),
		Ephemeral: "",
	}
	if r.Ephemeral > 0 {
		list.Ephemeral = fmt.Sprintf("%dMi", r.Ephemeral)
	}
	return list
}
