package dockerizer

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

////////////////////////////////////////////////////////////////////////////////
// Domain model: submissions, problems, code, runs
////////////////////////////////////////////////////////////////////////////////

type SubmissionStatus int

const (
	StatusWaitingInQueue        SubmissionStatus = 10
	StatusImageBuildJobEnqueued SubmissionStatus = 20
	StatusImageBuildStarted     SubmissionStatus = 30
	StatusImageBuildFailed      SubmissionStatus = 40
	StatusImageBuildSuccessful  SubmissionStatus = 50
	StatusImagePushFailed       SubmissionStatus = 60
	StatusSubmissionReady       SubmissionStatus = 70
)

var submissionStatusNames = map[SubmissionStatus]string{
	StatusWaitingInQueue:        "WAITING_IN_QUEUE",
	StatusImageBuildJobEnqueued: "IMAGE_BUILD_JOB_ENQUEUED",
	StatusImageBuildStarted:     "IMAGE_BUILD_STARTED",
	StatusImageBuildFailed:      "IMAGE_BUILD_FAILED",
	StatusImageBuildSuccessful:  "IMAGE_BUILD_SUCCESSFUL",
	StatusImagePushFailed:       "IMAGE_PUSH_FAILED",
	StatusSubmissionReady:       "SUBMISSION_READY",
}

// WAITING->READY serves the no-build paths; WAITING->PUSH_FAILED a failed result copy.
var submissionTransitions = map[SubmissionStatus][]SubmissionStatus{
	StatusWaitingInQueue:        {StatusImageBuildJobEnqueued, StatusSubmissionReady, StatusImagePushFailed},
	StatusImageBuildJobEnqueued: {StatusImageBuildStarted},
	StatusImageBuildStarted:     {StatusImageBuildFailed, StatusImageBuildSuccessful},
	StatusImageBuildSuccessful:  {StatusImagePushFailed, StatusSubmissionReady},
}

func (s SubmissionStatus) String() string {
	if name, ok := submissionStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SubmissionStatus(%d)", int(s))
}

func (s SubmissionStatus) Terminal() bool {
	return s == StatusImageBuildFailed || s == StatusImagePushFailed || s == StatusSubmissionReady
}

func (s SubmissionStatus) CanTransitionTo(next SubmissionStatus) bool {
	for _, allowed := range submissionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Submission struct {
	ID        int64            `json:"id"`
	OwnerID   int64            `json:"owner_id"`
	OwnerName string           `json:"owner_name"`
	ProblemID int64            `json:"problem_id"`
	Reference string           `json:"reference"`
	Runtime   string           `json:"runtime,omitempty"`
	Status    SubmissionStatus `json:"status"`
	Selected  bool             `json:"selected"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Advance moves the submission forward. Backward moves are rejected.
func (s *Submission) Advance(next SubmissionStatus) error {
	if !s.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: submission %d %s -> %s", ErrInvalidTransition, s.ID, s.Status, next)
	}
	s.Status = next
	return nil
}

// Resubmit puts a terminally failed submission back in the queue.
func (s *Submission) Resubmit() error {
	if s.Status != StatusImageBuildFailed && s.Status != StatusImagePushFailed {
		return fmt.Errorf("%w: submission %d cannot be resubmitted from %s", ErrInvalidTransition, s.ID, s.Status)
	}
	s.Status = StatusWaitingInQueue
	return nil
}

func (s Submission) RepoPath(problem Problem) string {
	return problem.Slug() + "/" + s.OwnerName
}

// ImageName is <registry>/<problem-slug>/<owner>:<id> with the path lower-cased.
func (s Submission) ImageName(registryHost string, problem Problem) string {
	return imageRef(registryHost, s.RepoPath(problem), s.ID)
}

func imageRef(registryHost, repoPath string, id int64) string {
	repo := strings.ToLower(strings.Trim(repoPath, "/"))
	host := strings.TrimSuffix(strings.TrimSpace(registryHost), "/")
	if host == "" {
		return fmt.Sprintf("%s:%d", repo, id)
	}
	return fmt.Sprintf("%s/%s:%d", host, repo, id)
}

type EvaluationMode int

const (
	EvaluationOff    EvaluationMode = 10
	EvaluationOn     EvaluationMode = 20
	EvaluationOnAuto EvaluationMode = 30
)

type Resource struct {
	CPU       float64 `json:"cpu"`
	Memory    int64   `json:"memory"`    // MiB
	Ephemeral int64   `json:"ephemeral"` // MiB
}

func DefaultResource() Resource {
	return Resource{CPU: 1, Memory: 256, Ephemeral: 0}
}

type Role struct {
	Name    string    `json:"name"`
	Limit   *Resource `json:"resource_limit,omitempty"`
	Request *Resource `json:"resource_request,omitempty"`
}

type Problem struct {
	ID                      int64          `json:"id"`
	Title                   string         `json:"title"`
	CodeExecution           bool           `json:"code_execution"`
	OutputVolumeSize        *int64         `json:"output_volume_size,omitempty"`
	EvaluationMode          EvaluationMode `json:"evaluation_mode"`
	EvaluatorCodeID         *int64         `json:"evaluator_code_id,omitempty"`
	MetricoCodeID           *int64         `json:"metrico_code_id,omitempty"`
	Director                *Role          `json:"director,omitempty"`
	Roles                   []Role         `json:"roles,omitempty"`
	RunTimeout              int64          `json:"run_timeout,omitempty"` // seconds
	TerminateOnActorFailure *bool          `json:"terminate_on_actor_failure,omitempty"`
}

func (p Problem) Slug() string {
	return slugify(p.Title)
}

func (p Problem) FirstRoleName() string {
	if len(p.Roles) == 0 {
		return ""
	}
	return p.Roles[0].Name
}

func (p Problem) Role(name string) (Role, bool) {
	for _, role := range p.Roles {
		if role.Name == name {
			return role, true
		}
	}
	return Role{}, false
}

// Code is evaluator or utility code owned by a problem.
type Code struct {
	ID        int64     `json:"id"`
	RepoPath  string    `json:"repo_path"`
	Reference string    `json:"reference"`
	Image     string    `json:"image"`
	UpdatedAt time.Time `json:"updated_at"`
}

type RunStatus int

const (
	RunPreparing           RunStatus = 10
	RunReady               RunStatus = 20
	RunPodBuildJobEnqueued RunStatus = 30
	RunPodBuildStarted     RunStatus = 40
	RunPodBuildFailed      RunStatus = 50
	RunPodBuildSuccessful  RunStatus = 60
	RunWaitingInQueueToRun RunStatus = 70
	RunInitiated           RunStatus = 80
	RunFailed              RunStatus = 90
	RunSuccessful          RunStatus = 100
)

var runStatusNames = map[RunStatus]string{
	RunPreparing:           "PREPARING",
	RunReady:               "READY",
	RunPodBuildJobEnqueued: "POD_BUILD_JOB_ENQUEUED",
	RunPodBuildStarted:     "POD_BUILD_STARTED",
	RunPodBuildFailed:      "POD_BUILD_FAILED",
	RunPodBuildSuccessful:  "POD_BUILD_SUCCESSFUL",
	RunWaitingInQueueToRun: "WAITING_IN_QUEUE_TO_RUN",
	RunInitiated:           "RUN_INITIATED",
	RunFailed:              "RUN_FAILED",
	RunSuccessful:          "RUN_SUCCESSFUL",
}

var runTransitions = map[RunStatus][]RunStatus{
	RunPreparing:           {RunReady},
	RunReady:               {RunPodBuildJobEnqueued},
	RunPodBuildJobEnqueued: {RunPodBuildStarted},
	RunPodBuildStarted:     {RunPodBuildFailed, RunPodBuildSuccessful},
	RunPodBuildSuccessful:  {RunWaitingInQueueToRun},
	RunWaitingInQueueToRun: {RunInitiated},
	RunInitiated:           {RunFailed, RunSuccessful},
}

func (s RunStatus) String() string {
	if name, ok := runStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("RunStatus(%d)", int(s))
}

func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Run struct {
	ID        int64     `json:"id"`
	OwnerID   int64     `json:"owner_id"`
	ProblemID int64     `json:"problem_id"`
	Status    RunStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *Run) Advance(next RunStatus) error {
	if !r.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: run %d %s -> %s", ErrInvalidTransition, r.ID, r.Status, next)
	}
	r.Status = next
	return nil
}

type GatheredSubmission struct {
	ID           int64  `json:"id"`
	RunID        int64  `json:"run_id"`
	SubmissionID int64  `json:"submission_id"`
	Role         string `json:"role"`
}

func slugify(title string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || r == '-' || r == '_' || r == '.' {
			pendingDash = true
		}
	}
	return b.String()
}
