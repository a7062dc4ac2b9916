package dockerizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

////////////////////////////////////////////////////////////////////////////////
// Persistence: submissions, problems, code, runs
////////////////////////////////////////////////////////////////////////////////

// Store is the persistence the pipeline needs. Problems and code records are
// owned by the web layer; the worker reads them and only writes Code images.
type Store interface {
	GetSubmission(ctx context.Context, id int64) (Submission, error)
	SaveSubmission(ctx context.Context, sub Submission) error
	// SelectSubmission marks sub as the only selected submission of its
	// owner for its problem.
	SelectSubmission(ctx context.Context, sub Submission) error

	GetProblem(ctx context.Context, id int64) (Problem, error)
	GetCode(ctx context.Context, id int64) (Code, error)
	SaveCode(ctx context.Context, code Code) error

	CreateRun(ctx context.Context, run Run) (Run, error)
	GetRun(ctx context.Context, id int64) (Run, error)
	SaveRun(ctx context.Context, run Run) error
	AddGatheredSubmission(ctx context.Context, g GatheredSubmission) (GatheredSubmission, error)
	ListGatheredSubmissions(ctx context.Context, runID int64) ([]GatheredSubmission, error)

	Close() error
}

const maxCASAttempts = 16

// kvStore keeps every record as JSON in one JetStream KV bucket.
type kvStore struct {
	kv jetstream.KeyValue
}

func newKVStore(ctx context.Context, js jetstream.JetStream) (*kvStore, error) {
	var records jetstream.KeyValue
	if err := ensureKVBucket(ctx, js, kvBucketRecords, kvRecordHistory, &records); err != nil {
		return nil, fmt.Errorf("ensure kv bucket %s: %w", kvBucketRecords, err)
	}
	return &kvStore{kv: records}, nil
}

func idKey(prefix string, id int64) string {
	return prefix + strconv.FormatInt(id, 10)
}

func selectedKey(problemID, ownerID int64) string {
	return kvSelectedKeyPrefix + strconv.FormatInt(problemID, 10) + "." + strconv.FormatInt(ownerID, 10)
}

func gatheredKey(runID, id int64) string {
	return kvGatheredKeyPrefix + strconv.FormatInt(runID, 10) + "." + strconv.FormatInt(id, 10)
}

func (s *kvStore) getJSON(ctx context.Context, key string, out any) error {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, key)
		}
		return err
	}
	return json.Unmarshal(entry.Value(), out)
}

func (s *kvStore) putJSON(ctx context.Context, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.kv.Put(ctx, key, body)
	return err
}

func isCASConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// nextID hands out increasing IDs per sequence name, safe across processes.
func (s *kvStore) nextID(ctx context.Context, sequence string) (int64, error) {
	key := kvSequenceKeyPrefix + sequence
	for range maxCASAttempts {
		entry, err := s.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			_, createErr := s.kv.Create(ctx, key, []byte("1"))
			if createErr == nil {
				return 1, nil
			}
			if isCASConflict(createErr) {
				continue
			}
			return 0, createErr
		}
		if err != nil {
			return 0, err
		}
		current, parseErr := strconv.ParseInt(string(entry.Value()), 10, 64)
		if parseErr != nil {
			return 0, fmt.Errorf("corrupt sequence %s: %w", sequence, parseErr)
		}
		next := current + 1
		_, updateErr := s.kv.Update(ctx, key, []byte(strconv.FormatInt(next, 10)), entry.Revision())
		if updateErr == nil {
			return next, nil
		}
		if !isCASConflict(updateErr) {
			return 0, updateErr
		}
	}
	return 0, fmt.Errorf("allocate %s id: too much contention", sequence)
}

func (s *kvStore) GetSubmission(ctx context.Context, id int64) (Submission, error) {
	var sub Submission
	err := s.getJSON(ctx, idKey(kvSubmissionKeyPrefix, id), &sub)
	return sub, err
}

func (s *kvStore) SaveSubmission(ctx context.Context, sub Submission) error {
	sub.UpdatedAt = time.Now().UTC()
	return s.putJSON(ctx, idKey(kvSubmissionKeyPrefix, sub.ID), sub)
}

// PutSubmission stores a submission as the web layer would hand it over.
func (s *kvStore) PutSubmission(ctx context.Context, sub Submission) error {
	return s.SaveSubmission(ctx, sub)
}

func (s *kvStore) SelectSubmission(ctx context.Context, sub Submission) error {
	key := selectedKey(sub.ProblemID, sub.OwnerID)
	value := []byte(strconv.FormatInt(sub.ID, 10))

	entry, err := s.kv.Get(ctx, key)
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound):
		if _, createErr := s.kv.Create(ctx, key, value); createErr != nil {
			if isCASConflict(createErr) {
				return fmt.Errorf("%w: submission %d", ErrSelectionConflict, sub.ID)
			}
			return createErr
		}
	case err != nil:
		return err
	default:
		previous, _ := strconv.ParseInt(string(entry.Value()), 10, 64)
		if previous != sub.ID {
			if _, updateErr := s.kv.Update(ctx, key, value, entry.Revision()); updateErr != nil {
				if isCASConflict(updateErr) {
					return fmt.Errorf("%w: submission %d", ErrSelectionConflict, sub.ID)
				}
				return updateErr
			}
			if err := s.setSelected(ctx, previous, false); err != nil && !errors.Is(err, ErrRecordNotFound) {
				return err
			}
		}
	}
	return s.setSelected(ctx, sub.ID, true)
}

func (s *kvStore) setSelected(ctx context.Context, id int64, selected bool) error {
	sub, err := s.GetSubmission(ctx, id)
	if err != nil {
		return err
	}
	if sub.Selected == selected {
		return nil
	}
	sub.Selected = selected
	return s.SaveSubmission(ctx, sub)
}

func (s *kvStore) GetProblem(ctx context.Context, id int64) (Problem, error) {
	var p Problem
	err := s.getJSON(ctx, idKey(kvProblemKeyPrefix, id), &p)
	return p, err
}

func (s *kvStore) PutProblem(ctx context.Context, p Problem) error {
	return s.putJSON(ctx, idKey(kvProblemKeyPrefix, p.ID), p)
}

func (s *kvStore) GetCode(ctx context.Context, id int64) (Code, error) {
	var c Code
	err := s.getJSON(ctx, idKey(kvCodeKeyPrefix, id), &c)
	return c, err
}

func (s *kvStore) SaveCode(ctx context.Context, code Code) error {
	code.UpdatedAt = time.Now().UTC()
	return s.putJSON(ctx, idKey(kvCodeKeyPrefix, code.ID), code)
}

func (s *kvStore) PutCode(ctx context.Context, code Code) error {
	return s.SaveCode(ctx, code)
}

func (s *kvStore) CreateRun(ctx context.Context, run Run) (Run, error) {
	id, err := s.nextID(ctx, "run")
	if err != nil {
		return Run{}, err
	}
	now := time.Now().UTC()
	run.ID = id
	run.CreatedAt = now
	run.UpdatedAt = now
	if err := s.putJSON(ctx, idKey(kvRunKeyPrefix, id), run); err != nil {
		return Run{}, err
	}
	return run, nil
}

func (s *kvStore) GetRun(ctx context.Context, id int64) (Run, error) {
	var r Run
	err := s.getJSON(ctx, idKey(kvRunKeyPrefix, id), &r)
	return r, err
}

func (s *kvStore) SaveRun(ctx context.Context, run Run) error {
	run.UpdatedAt = time.Now().UTC()
	return s.putJSON(ctx, idKey(kvRunKeyPrefix, run.ID), run)
}

func (s *kvStore) AddGatheredSubmission(ctx context.Context, g GatheredSubmission) (GatheredSubmission, error) {
	id, err := s.nextID(ctx, "gathered")
	if err != nil {
		return GatheredSubmission{}, err
	}
	g.ID = id
	if err := s.putJSON(ctx, gatheredKey(g.RunID, id), g); err != nil {
		return GatheredSubmission{}, err
	}
	return g, nil
}

func (s *kvStore) ListGatheredSubmissions(ctx context.Context, runID int64) ([]GatheredSubmission, error) {
	lister, err := s.kv.ListKeysFiltered(ctx, kvGatheredKeyPrefix+strconv.FormatInt(runID, 10)+".*")
	if err != nil {
		return nil, err
	}
	var out []GatheredSubmission
	for key := range lister.Keys() {
		var g GatheredSubmission
		if err := s.getJSON(ctx, key, &g); err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *kvStore) Close() error {
	return nil
}

