package jobs

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/review-enrich/internal/model"
)

// MemoryStore implements Store in process memory. It is a degraded mode
// for local runs and tests; nothing survives a restart.
type MemoryStore struct {
	mu    sync.RWMutex
	jobs  map[string]*model.Job
	byKey map[string]string
	logs  map[string][]string
	now   func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]*model.Job),
		byKey: make(map[string]string),
		logs:  make(map[string][]string),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) GetOrCreate(_ context.Context, idemKey string, payload []byte) (*model.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[idemKey]; ok {
		return cloneJob(s.jobs[id]), false, nil
	}
	now := s.now()
	j := &model.Job{
		ID:        model.JobIDFor(idemKey),
		IdemKey:   idemKey,
		Status:    model.JobStatusCreated,
		Payload:   slices.Clone(payload),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.jobs[j.ID] = j
	s.byKey[idemKey] = j.ID
	return cloneJob(j), true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: get job %s", id)
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, to model.JobStatus, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return eris.Wrapf(ErrNotFound, "memory: transition job %s", id)
	}
	if !j.Status.CanTransition(to) {
		return eris.Wrapf(ErrInvalidTransition, "memory: job %s %s -> %s", id, j.Status, to)
	}
	now := s.now()
	started, finished := timestamps(to, now)
	j.Status = to
	j.UpdatedAt = now
	if started != nil {
		j.StartedAt = started
	}
	if finished != nil {
		j.FinishedAt = finished
	}
	if u.Error != "" {
		j.Error = model.TruncateError(u.Error)
	}
	if u.OutputRef != "" {
		j.OutputRef = u.OutputRef
	}
	if u.Metadata != nil {
		j.Metadata = maps.Clone(u.Metadata)
	}
	return nil
}

func (s *MemoryStore) SetProgress(_ context.Context, id string, cur, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return eris.Wrapf(ErrNotFound, "memory: set progress %s", id)
	}
	if j.Status.Terminal() {
		return nil
	}
	j.ProgressCur = max(j.ProgressCur, cur)
	j.ProgressTotal = max(j.ProgressTotal, total)
	j.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Job
	for _, j := range s.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, *cloneJob(j))
	}
	slices.SortFunc(out, func(a, b model.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}

func (s *MemoryStore) AppendLog(_ context.Context, id, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return eris.Wrapf(ErrNotFound, "memory: append log %s", id)
	}
	s.logs[id] = append(s.logs[id], line)
	return nil
}

func (s *MemoryStore) Logs(_ context.Context, id string, offset, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lines := s.logs[id]
	if offset < 0 {
		offset = 0
	}
	if offset >= len(lines) {
		return nil, nil
	}
	lines = lines[offset:]
	if limit > 0 && len(lines) > limit {
		lines = lines[:limit]
	}
	return slices.Clone(lines), nil
}

func (s *MemoryStore) ExpireOutputs(_ context.Context, before time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var refs []string
	for _, j := range s.jobs {
		if !j.Status.Terminal() || j.OutputRef == "" || j.FinishedAt == nil || !j.FinishedAt.Before(before) {
			continue
		}
		refs = append(refs, j.OutputRef)
		j.OutputRef = ""
	}
	slices.Sort(refs)
	return refs, nil
}

func cloneJob(j *model.Job) *model.Job {
	c := *j
	c.Payload = slices.Clone(j.Payload)
	c.Metadata = maps.Clone(j.Metadata)
	return &c
}
