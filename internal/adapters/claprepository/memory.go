package claprepository

import (
	"context"
	"fmt"
	"sync"

	"github.com/Amund211/applause/internal/domain"
)

type Memory struct {
	records map[domain.ResourceKey]domain.ClapRecord
	mutex   sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[domain.ResourceKey]domain.ClapRecord),
	}
}

func (m *Memory) GetClapRecord(ctx context.Context, key domain.ResourceKey) (domain.ClapRecord, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	record, ok := m.records[key]
	if !ok {
		return domain.ClapRecord{}, fmt.Errorf("no clap record for %s: %w", key, domain.ErrResourceNotFound)
	}
	return record, nil
}

func (m *Memory) MergeClapRecord(ctx context.Context, key domain.ResourceKey, claps int) (domain.ClapRecord, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	record, ok := m.records[key]
	if !ok && claps <= 0 {
		return domain.ClapRecord{}, nil
	}

	record = record.Merge(claps)
	m.records[key] = record
	return record, nil
}
