package infrastructure

import (
	"context"
	"errors"

	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"

	"nexus-orders/internal/service/order/domain"
)

// GormOrderRepository 是 OrderRepository 的 GORM 实现，写入一律通过 version 比较
type GormOrderRepository struct {
	db *gorm.DB
}

func NewGormOrderRepository(db *gorm.DB) *GormOrderRepository {
	return &GormOrderRepository{db: db}
}

func (r *GormOrderRepository) Insert(ctx context.Context, order *domain.Order) error {
	return pkgerrors.Wrap(r.db.WithContext(ctx).Create(toOrderModel(order)).Error, "insert order projection")
}

func (r *GormOrderRepository) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	var model OrderModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "find order projection")
	}
	return toDomainOrder(&model), nil
}

func (r *GormOrderRepository) CompareAndSwap(ctx context.Context, order *domain.Order, expectedVersion int64) error {
	m := toOrderModel(order)
	res := r.db.WithContext(ctx).Model(&OrderModel{}).
		Where("id = ? AND version = ?", order.ID, expectedVersion).
		Updates(projectionColumns(m))
	if res.Error != nil {
		return pkgerrors.Wrap(res.Error, "update order projection")
	}
	if res.RowsAffected == 1 {
		return nil
	}
	current, err := r.FindByID(ctx, order.ID)
	if err != nil {
		return err
	}
	return &domain.StaleVersionError{OrderID: order.ID, Expected: expectedVersion, Actual: current.Version}
}

func (r *GormOrderRepository) Replace(ctx context.Context, order *domain.Order) error {
	m := toOrderModel(order)
	res := r.db.WithContext(ctx).Model(&OrderModel{}).Where("id = ?", order.ID).Updates(projectionColumns(m))
	if res.Error != nil {
		return pkgerrors.Wrap(res.Error, "replace order projection")
	}
	if res.RowsAffected == 0 {
		// MySQL 对未变化的行返回 0，此时插入会命中主键冲突
		if err := r.Insert(ctx, order); err != nil && !isDuplicateKey(err) {
			return err
		}
	}
	return nil
}

func (r *GormOrderRepository) ListByState(ctx context.Context, state domain.State, limit int) ([]*domain.Order, error) {
	q := r.db.WithContext(ctx).Where("status = ?", string(state)).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []OrderModel
	if err := q.Find(&models).Error; err != nil {
		return nil, pkgerrors.Wrap(err, "list order projections")
	}
	out := make([]*domain.Order, 0, len(models))
	for i := range models {
		out = append(out, toDomainOrder(&models[i]))
	}
	return out, nil
}

// projectionColumns 显式列出可变列，避免 Updates 忽略零值
func projectionColumns(m *OrderModel) map[string]any {
	return map[string]any{
		"status":     m.Status,
		"version":    m.Version,
		"updated_at": m.UpdatedAt,
	}
}
