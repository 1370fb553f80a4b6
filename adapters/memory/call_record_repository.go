package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/Aayaan-Sahu/kova/domain/entities"
	"github.com/Aayaan-Sahu/kova/domain/repositories"
)

// CallRecordRepository is an in-memory implementation of
// CallRecordRepository, used when no MongoDB is configured
type CallRecordRepository struct {
	mu        sync.RWMutex
	records   []*entities.CallRecord
	bySession map[string][]*entities.CallRecord
}

var _ repositories.CallRecordRepository = (*CallRecordRepository)(nil)

// NewCallRecordRepository creates an empty repository
func NewCallRecordRepository() *CallRecordRepository {
	return &CallRecordRepository{
		bySession: make(map[string][]*entities.CallRecord),
	}
}

// Save stores a copy of the record
func (m *CallRecordRepository) Save(ctx context.Context, record *entities.CallRecord) error {
	if record == nil {
		return errors.New("call record cannot be nil")
	}
	if err := record.Validate(); err != nil {
		return err
	}

	stored := copyRecord(record)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, stored)
	m.bySession[stored.SessionID] = append(m.bySession[stored.SessionID], stored)
	return nil
}

// ListByUserID returns the most recent records of a user, newest first.
// A non-positive limit returns every record.
func (m *CallRecordRepository) ListByUserID(ctx context.Context, userID string, limit int) ([]*entities.CallRecord, error) {
	m.mu.RLock()
	var out []*entities.CallRecord
	for _, r := range m.records {
		if r.UserID == userID {
			out = append(out, copyRecord(r))
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EndedAt.After(out[j].EndedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetBySessionID returns every call recorded under a session, oldest first
func (m *CallRecordRepository) GetBySessionID(ctx context.Context, sessionID string) ([]*entities.CallRecord, error) {
	if sessionID == "" {
		return nil, errors.New("session ID cannot be empty")
	}

	m.mu.RLock()
	stored := m.bySession[sessionID]
	out := make([]*entities.CallRecord, 0, len(stored))
	for _, r := range stored {
		out = append(out, copyRecord(r))
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

func copyRecord(r *entities.CallRecord) *entities.CallRecord {
	c := *r
	c.Transcript = append([]entities.TranscriptSegment(nil), r.Transcript...)
	return &c
}
