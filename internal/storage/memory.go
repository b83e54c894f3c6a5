package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"volseg/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunRecord
	subepochs   map[string]model.SubepochRecord
	byRun       map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]model.RunRecord)
	s.subepochs = make(map[string]model.SubepochRecord)
	s.byRun = make(map[string][]string)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	run.Categories = append([]string(nil), run.Categories...)
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return model.RunRecord{}, false, nil
	}
	run.Categories = append([]string(nil), run.Categories...)
	return run, true, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		run.Categories = append([]string(nil), run.Categories...)
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *MemoryStore) SaveSubepoch(_ context.Context, record model.SubepochRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	if _, exists := s.subepochs[record.ID]; !exists {
		s.byRun[record.RunID] = append(s.byRun[record.RunID], record.ID)
	}
	s.subepochs[record.ID] = copySubepoch(record)
	return nil
}

func (s *MemoryStore) GetSubepoch(_ context.Context, id string) (model.SubepochRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.subepochs[id]
	if !ok {
		return model.SubepochRecord{}, false, nil
	}
	return copySubepoch(record), true, nil
}

func (s *MemoryStore) ListSubepochs(_ context.Context, runID string) ([]model.SubepochRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byRun[runID]
	out := make([]model.SubepochRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, copySubepoch(s.subepochs[id]))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func copySubepoch(record model.SubepochRecord) model.SubepochRecord {
	subjects := make([]model.SubjectDraw, len(record.Subjects))
	for i, s := range record.Subjects {
		subjects[i] = model.SubjectDraw{
			Subject:    s.Subject,
			Categories: append([]model.CategoryDraw(nil), s.Categories...),
		}
	}
	record.Subjects = subjects
	return record
}
