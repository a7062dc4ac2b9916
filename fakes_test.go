//nolint:testpackage // Shared in-memory doubles for the worker and dispatcher tests.
package dockerizer

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type memStore struct {
	mu          sync.Mutex
	submissions map[int64]Submission
	problems    map[int64]Problem
	codes       map[int64]Code
	runs        map[int64]Run
	gathered    []GatheredSubmission
	history     map[int64][]SubmissionStatus
	nextRun     int64
	saveErr     error
	selectErr   error
}

func newMemStore() *memStore {
	return &memStore{
		submissions: map[int64]Submission{},
		problems:    map[int64]Problem{},
		codes:       map[int64]Code{},
		runs:        map[int64]Run{},
		history:     map[int64][]SubmissionStatus{},
	}
}

func (s *memStore) GetSubmission(_ context.Context, id int64) (Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return Submission{}, fmt.Errorf("%w: submission %d", ErrRecordNotFound, id)
	}
	return sub, nil
}

func (s *memStore) SaveSubmission(_ context.Context, sub Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.submissions[sub.ID] = sub
	s.history[sub.ID] = append(s.history[sub.ID], sub.Status)
	return nil
}

func (s *memStore) SelectSubmission(_ context.Context, sub Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selectErr != nil {
		return s.selectErr
	}
	for id, other := range s.submissions {
		if other.OwnerID == sub.OwnerID && other.ProblemID == sub.ProblemID {
			other.Selected = id == sub.ID
			s.submissions[id] = other
		}
	}
	return nil
}

func (s *memStore) GetProblem(_ context.Context, id int64) (Problem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.problems[id]
	if !ok {
		return Problem{}, fmt.Errorf("%w: problem %d", ErrRecordNotFound, id)
	}
	return p, nil
}

func (s *memStore) GetCode(_ context.Context, id int64) (Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[id]
	if !ok {
		return Code{}, fmt.Errorf("%w: code %d", ErrRecordNotFound, id)
	}
	return c, nil
}

func (s *memStore) SaveCode(_ context.Context, code Code) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.ID] = code
	return nil
}

func (s *memStore) CreateRun(_ context.Context, run Run) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRun++
	run.ID = s.nextRun
	s.runs[run.ID] = run
	return run, nil
}

func (s *memStore) GetRun(_ context.Context, id int64) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("%w: run %d", ErrRecordNotFound, id)
	}
	return r, nil
}

func (s *memStore) SaveRun(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *memStore) AddGatheredSubmission(_ context.Context, g GatheredSubmission) (GatheredSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g.ID = int64(len(s.gathered) + 1)
	s.gathered = append(s.gathered, g)
	return g, nil
}

func (s *memStore) ListGatheredSubmissions(_ context.Context, runID int64) ([]GatheredSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []GatheredSubmission
	for _, g := range s.gathered {
		if g.RunID == runID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) Close() error {
	return nil
}

func (s *memStore) statusHistory(id int64) []SubmissionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SubmissionStatus(nil), s.history[id]...)
}

type fakeBuilder struct {
	mu       sync.Mutex
	requests []BuildRequest
	err      error
}

func (b *fakeBuilder) Build(_ context.Context, req BuildRequest) (BuildResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	if b.err != nil {
		return BuildResult{}, b.err
	}
	return BuildResult{Buildpack: "python", Dockerfile: []byte("FROM scratch\n"), Log: ""}, nil
}

type fakePusher struct {
	mu     sync.Mutex
	pushed []string
	err    error
}

func (p *fakePusher) Push(_ context.Context, imageRef string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.pushed = append(p.pushed, imageRef)
	return nil
}

type fakeStager struct {
	promoted []int64
	objects  int
	err      error
}

func (s *fakeStager) PromoteResults(_ context.Context, submissionID int64) (int, error) {
	s.promoted = append(s.promoted, submissionID)
	return s.objects, s.err
}

type publishedRoom struct {
	subject string
	msgID   string
	body    []byte
}

type fakeRooms struct {
	mu        sync.Mutex
	published []publishedRoom
	err       error
}

func (r *fakeRooms) Publish(_ context.Context, subject, msgID string, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.published = append(r.published, publishedRoom{subject: subject, msgID: msgID, body: body})
	return nil
}
