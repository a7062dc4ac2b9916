//nolint:testpackage // Dispatcher tests inspect the rendered manifest and the unexported renderer.
package dockerizer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type renderedRoom struct {
	APIVersion string `json:"apiVersion"`
	Kind       string `json:"kind"`
	Metadata   struct {
		Name        string            `json:"name"`
		Namespace   string            `json:"namespace"`
		Labels      map[string]string `json:"labels"`
		Annotations map[string]string `json:"annotations"`
	} `json:"metadata"`
	Spec RoomSpec `json:"spec"`
}

func decodeRoom(t *testing.T, body []byte) renderedRoom {
	t.Helper()
	var room renderedRoom
	if err := json.Unmarshal(body, &room); err != nil {
		t.Fatalf("decode room: %v\n%s", err, body)
	}
	return room
}

type dispatcherHarness struct {
	store      *memStore
	rooms      *fakeRooms
	dispatcher *RunDispatcher
}

func newDispatcherHarness(t *testing.T, cfg Config) *dispatcherHarness {
	t.Helper()
	h := &dispatcherHarness{store: newMemStore(), rooms: &fakeRooms{}}
	h.dispatcher = NewRunDispatcher(h.store, h.rooms, cfg, nopAppLogger())

	evaluator, metrico := int64(900), int64(901)
	h.store.codes[evaluator] = Code{ID: evaluator, Image: "registry.example.com/eval:900"}
	h.store.codes[metrico] = Code{ID: metrico, Image: "registry.example.com/metrico:901"}
	terminate := true
	h.store.problems[3] = Problem{
		ID:              3,
		Title:           "Tron",
		CodeExecution:   true,
		EvaluationMode:  EvaluationOnAuto,
		EvaluatorCodeID: &evaluator,
		MetricoCodeID:   &metrico,
		Director:        &Role{Name: "director", Limit: &Resource{CPU: 2, Memory: 1024}},
		Roles: []Role{
			{Name: "light", Limit: &Resource{CPU: 0.5, Memory: 256, Ephemeral: 100}},
		},
		RunTimeout:              600,
		TerminateOnActorFailure: &terminate,
	}
	h.store.submissions[8] = Submission{ID: 8, OwnerID: 1, OwnerName: "Neo", ProblemID: 3, Status: StatusSubmissionReady}
	return h
}

func TestDispatchPublishesRenderedRoom(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Dispatch.Namespace = "arena"
	cfg.Dispatch.Labels = map[string]string{"team": "hub"}
	h := newDispatcherHarness(t, cfg)
	ctx := context.Background()

	run, err := h.dispatcher.CreateAutoRun(ctx, h.store.submissions[8], h.store.problems[3])
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if run.Status != RunReady || run.OwnerID != 1 {
		t.Fatalf("unexpected run %+v", run)
	}
	if err := h.dispatcher.Dispatch(ctx, run.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if len(h.rooms.published) != 1 {
		t.Fatalf("expected one published room, got %d", len(h.rooms.published))
	}
	pub := h.rooms.published[0]
	if pub.subject != "room-3" || pub.msgID != "run-1" {
		t.Fatalf("unexpected subject %q msg id %q", pub.subject, pub.msgID)
	}
	room := decodeRoom(t, pub.body)
	if room.Kind != roomKind || room.APIVersion != cfg.Dispatch.APIVersion {
		t.Fatalf("unexpected type %s %s", room.APIVersion, room.Kind)
	}
	if room.Metadata.Name != "run-1" || room.Metadata.Namespace != "arena" {
		t.Fatalf("unexpected metadata %+v", room.Metadata)
	}
	if room.Metadata.Labels["team"] != "hub" {
		t.Fatalf("expected operator label, got %v", room.Metadata.Labels)
	}

	timeout := int64(600)
	terminate := true
	want := RoomSpec{
		ID:        1,
		ProblemID: 3,
		Director: RoomMember{
			Name:      directorName,
			Image:     "registry.example.com/eval:900",
			Resources: &RoomResources{Limits: &RoomResourceList{CPU: "2", Memory: "1024Mi"}},
		},
		Actors: []RoomActor{{
			Name:      "submission-8",
			Image:     testRegistryHost + "/tron/neo:8",
			Role:      "light",
			Resources: &RoomResources{Limits: &RoomResourceList{CPU: "0.5", Memory: "256Mi", Ephemeral: "100Mi"}},
		}},
		Metrico:                 &RoomMember{Name: metricoName, Image: "registry.example.com/metrico:901"},
		Timeout:                 &timeout,
		TerminateOnActorFailure: &terminate,
	}
	if diff := cmp.Diff(want, room.Spec); diff != "" {
		t.Fatalf("room spec mismatch (-want +got):\n%s", diff)
	}
	if got := h.store.runs[run.ID].Status; got != RunPodBuildJobEnqueued {
		t.Fatalf("expected POD_BUILD_JOB_ENQUEUED, got %s", got)
	}
}

func TestDispatchRefusesRunPastReady(t *testing.T) {
	t.Parallel()
	h := newDispatcherHarness(t, testConfig())
	ctx := context.Background()

	run, err := h.dispatcher.CreateAutoRun(ctx, h.store.submissions[8], h.store.problems[3])
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := h.dispatcher.Dispatch(ctx, run.ID); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if err := h.dispatcher.Dispatch(ctx, run.ID); !errors.Is(err, ErrAlreadyDispatched) {
		t.Fatalf("expected ErrAlreadyDispatched, got %v", err)
	}
	if len(h.rooms.published) != 1 {
		t.Fatalf("expected a single publication, got %d", len(h.rooms.published))
	}
}

func TestDispatchLeavesRunReadyWhenPublishFails(t *testing.T) {
	t.Parallel()
	h := newDispatcherHarness(t, testConfig())
	h.rooms.err = errors.New("no responders")
	ctx := context.Background()

	run, err := h.dispatcher.CreateAutoRun(ctx, h.store.submissions[8], h.store.problems[3])
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := h.dispatcher.Dispatch(ctx, run.ID); err == nil {
		t.Fatal("expected publish error")
	}
	if got := h.store.runs[run.ID].Status; got != RunReady {
		t.Fatalf("expected run to stay READY for a later dispatch, got %s", got)
	}
}

func TestDispatchResultOnlyActorReadsFromStorage(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	h := newDispatcherHarness(t, cfg)
	p := h.store.problems[3]
	p.CodeExecution = false
	h.store.problems[3] = p
	ctx := context.Background()

	run, err := h.dispatcher.CreateAutoRun(ctx, h.store.submissions[8], p)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := h.dispatcher.Dispatch(ctx, run.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	actor := decodeRoom(t, h.rooms.published[0].body).Spec.Actors[0]
	if actor.Image != cfg.Registry.ResultOnlyImage {
		t.Fatalf("expected result-only image, got %s", actor.Image)
	}
	envs := map[string]string{}
	for _, e := range actor.Envs {
		envs[e.Key] = e.Value
	}
	if envs["S3_PREFIX"] != "8/" || envs["S3_BUCKET"] != cfg.Storage.ResultBucket || envs["S3_ENDPOINT"] != "minio:9000" {
		t.Fatalf("unexpected storage envs %v", envs)
	}
}

func TestDispatchNeedsBuiltEvaluator(t *testing.T) {
	t.Parallel()
	h := newDispatcherHarness(t, testConfig())
	h.store.codes[900] = Code{ID: 900}
	ctx := context.Background()

	run, err := h.dispatcher.CreateAutoRun(ctx, h.store.submissions[8], h.store.problems[3])
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := h.dispatcher.Dispatch(ctx, run.ID); err == nil {
		t.Fatal("expected an error for an evaluator without image")
	}
	if len(h.rooms.published) != 0 {
		t.Fatal("expected nothing published")
	}
}

func TestManifestRendererAppliesPatches(t *testing.T) {
	t.Parallel()
	renderer := newManifestRenderer(DispatchConfig{
		APIVersion: "hub.roboepics.com/v1",
		Namespace:  "staging",
		Labels:     nil,
		Patches: []string{`apiVersion: hub.roboepics.com/v1
kind: Room
metadata:
  name: run-5
  annotations:
    owner: platform
`},
	})
	body, err := renderer.Render(RoomManifest{
		APIVersion: "hub.roboepics.com/v1",
		Kind:       roomKind,
		Metadata:   RoomMetadata{Name: "run-5", Namespace: "default"},
		Spec:       RoomSpec{ID: 5, ProblemID: 2, Director: RoomMember{Name: directorName, Image: "eval:1"}},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	room := decodeRoom(t, body)
	if room.Metadata.Namespace != "staging" {
		t.Fatalf("expected namespace override, got %q", room.Metadata.Namespace)
	}
	if room.Metadata.Annotations["owner"] != "platform" {
		t.Fatalf("expected patched annotation, got %v", room.Metadata.Annotations)
	}
	if room.Spec.ID != 5 || room.Spec.Director.Image != "eval:1" {
		t.Fatalf("spec changed by rendering: %+v", room.Spec)
	}
}
