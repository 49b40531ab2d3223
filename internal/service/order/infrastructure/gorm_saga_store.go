package infrastructure

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"

	"nexus-orders/internal/service/order/domain"
)

// GormSagaStore 持久化 saga 实例，Save 以 version 列做 CAS
type GormSagaStore struct {
	db *gorm.DB
}

func NewGormSagaStore(db *gorm.DB) *GormSagaStore {
	return &GormSagaStore{db: db}
}

func (s *GormSagaStore) Create(ctx context.Context, saga *domain.SagaInstance) error {
	err := s.db.WithContext(ctx).Create(toSagaModel(saga)).Error
	if isDuplicateKey(err) {
		return domain.ErrSagaExists
	}
	return pkgerrors.Wrap(err, "create saga")
}

func (s *GormSagaStore) Save(ctx context.Context, saga *domain.SagaInstance) error {
	m := toSagaModel(saga)
	res := s.db.WithContext(ctx).Model(&SagaModel{}).
		Where("correlation_id = ? AND version = ?", saga.CorrelationID, saga.Version).
		Updates(map[string]any{
			"status":             m.Status,
			"steps":              m.Steps,
			"compensation_stack": m.CompensationStack,
			"current":            m.Current,
			"deadline":           m.Deadline,
			"failure_reason":     m.FailureReason,
			"updated_at":         m.UpdatedAt,
			"version":            saga.Version + 1,
		})
	if res.Error != nil {
		return pkgerrors.Wrap(res.Error, "save saga")
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&SagaModel{}).Where("correlation_id = ?", saga.CorrelationID).Count(&count).Error; err != nil {
			return pkgerrors.Wrap(err, "check saga")
		}
		if count == 0 {
			return domain.ErrSagaNotFound
		}
		return domain.ErrSagaVersionConflict
	}
	saga.Version++
	return nil
}

func (s *GormSagaStore) Get(ctx context.Context, correlationID string) (*domain.SagaInstance, error) {
	var m SagaModel
	err := s.db.WithContext(ctx).Where("correlation_id = ?", correlationID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrSagaNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "get saga")
	}
	return toDomainSaga(&m), nil
}

func (s *GormSagaStore) ListByStatus(ctx context.Context, statuses ...domain.SagaStatus) ([]*domain.SagaInstance, error) {
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}
	var models []SagaModel
	err := s.db.WithContext(ctx).
		Where("status IN ? AND archived_at IS NULL", names).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list sagas")
	}
	out := make([]*domain.SagaInstance, 0, len(models))
	for i := range models {
		out = append(out, toDomainSaga(&models[i]))
	}
	return out, nil
}

func (s *GormSagaStore) Archive(ctx context.Context, correlationID string) error {
	now := time.Now().UTC().Truncate(time.Millisecond)
	res := s.db.WithContext(ctx).Model(&SagaModel{}).
		Where("correlation_id = ? AND archived_at IS NULL", correlationID).
		Update("archived_at", now)
	if res.Error != nil {
		return pkgerrors.Wrap(res.Error, "archive saga")
	}
	return nil
}
