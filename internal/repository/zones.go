package repository

import (
	"context"
	"database/sql"
	"fmt"

	"fallsentry/internal/models"

	"go.uber.org/zap"
)

// ZoneRepository 风险区域仓库
// 区域定义由管理端维护，引擎启动时全量加载进内存
type ZoneRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewZoneRepository 创建风险区域仓库
func NewZoneRepository(db *sql.DB, logger *zap.Logger) *ZoneRepository {
	return &ZoneRepository{
		db:     db,
		logger: logger,
	}
}

// LoadZones 加载租户的全部风险区域定义
func (r *ZoneRepository) LoadZones(ctx context.Context, tenantID string) ([]models.Zone, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}

	query := `
		SELECT
			zone_id,
			name,
			floor,
			min_x,
			min_y,
			max_x,
			max_y,
			category
		FROM risk_zones
		WHERE tenant_id = $1
		ORDER BY floor, zone_id
	`

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk zones: %w", err)
	}
	defer rows.Close()

	zones := []models.Zone{}
	for rows.Next() {
		var zone models.Zone
		var category string

		if err := rows.Scan(
			&zone.ID,
			&zone.Name,
			&zone.Floor,
			&zone.Bounds.MinX,
			&zone.Bounds.MinY,
			&zone.Bounds.MaxX,
			&zone.Bounds.MaxY,
			&category,
		); err != nil {
			return nil, fmt.Errorf("failed to scan risk zone: %w", err)
		}

		zone.Category = models.ZoneCategory(category)
		zones = append(zones, zone)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate risk zones: %w", err)
	}

	r.logger.Info("Loaded risk zones",
		zap.String("tenant_id", tenantID),
		zap.Int("zone_count", len(zones)),
	)

	return zones, nil
}
