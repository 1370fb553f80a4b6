package repositories

import (
	"context"

	"github.com/Aayaan-Sahu/kova/domain/entities"
)

// CallRecordRepository stores summaries of protected calls
type CallRecordRepository interface {
	Save(ctx context.Context, record *entities.CallRecord) error
	ListByUserID(ctx context.Context, userID string, limit int) ([]*entities.CallRecord, error)
	GetBySessionID(ctx context.Context, sessionID string) ([]*entities.CallRecord, error)
}
