package data

import (
	"context"
	"sync"
)

// MemoryRepository is an in-memory Repository used by tests and by
// nodes running without a database.
type MemoryRepository struct {
	mu         sync.RWMutex
	archives   map[string]*RoundArchive
	validators map[string]*ValidatorRecord
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		archives:   make(map[string]*RoundArchive),
		validators: make(map[string]*ValidatorRecord),
	}
}

func (m *MemoryRepository) SaveRoundArchive(_ context.Context, archive *RoundArchive) error {
	if err := archive.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.archives[archive.RoundID]; exists {
		return ErrDuplicate
	}
	m.archives[archive.RoundID] = archive
	return nil
}

func (m *MemoryRepository) GetRoundArchive(_ context.Context, roundID string) (*RoundArchive, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	archive, exists := m.archives[roundID]
	if !exists {
		return nil, ErrNotFound
	}
	return archive, nil
}

func (m *MemoryRepository) ListRoundArchives(_ context.Context, filter RoundFilter) ([]*RoundArchive, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var archives []*RoundArchive
	for _, archive := range m.archives {
		if filter.FeedID != "" && archive.FeedID != filter.FeedID {
			continue
		}
		if filter.State != "" && archive.State != filter.State {
			continue
		}
		archives = append(archives, archive)
	}
	return archives, nil
}

func (m *MemoryRepository) SaveValidatorRecord(_ context.Context, record *ValidatorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.validators[record.ValidatorID] = record.Clone()
	return nil
}

func (m *MemoryRepository) GetValidatorRecord(_ context.Context, validatorID string) (*ValidatorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, exists := m.validators[validatorID]
	if !exists {
		return nil, ErrNotFound
	}
	return record.Clone(), nil
}

func (m *MemoryRepository) ListValidatorRecords(_ context.Context, filter ValidatorFilter) ([]*ValidatorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []*ValidatorRecord
	for _, record := range m.validators {
		if filter.MinReputation != nil && record.ReputationScore < *filter.MinReputation {
			continue
		}
		if filter.MaxReputation != nil && record.ReputationScore > *filter.MaxReputation {
			continue
		}
		records = append(records, record.Clone())
	}
	return records, nil
}
