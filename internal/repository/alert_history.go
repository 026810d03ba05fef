package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fallsentry/internal/models"

	"go.uber.org/zap"
)

// AlertHistoryRepository 报警历史仓库
// 内存状态机是权威数据源，这里只做异步落库，供报表与跨重启留痕
type AlertHistoryRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertHistoryRepository 创建报警历史仓库
func NewAlertHistoryRepository(db *sql.DB, logger *zap.Logger) *AlertHistoryRepository {
	return &AlertHistoryRepository{
		db:     db,
		logger: logger,
	}
}

// AlertFilters 报警历史过滤条件
type AlertFilters struct {
	// 时间段过滤
	StartTime *time.Time // detected_at >= StartTime
	EndTime   *time.Time // detected_at <= EndTime

	// 位置过滤
	RoomID *string
	Floor  *int

	// 住户过滤
	SubjectID *string

	// 级别和状态过滤
	Severity   *string
	Severities []string // IN 查询
	Status     *string
	Statuses   []string // IN 查询
}

// ============================================
// 写入操作
// ============================================

// CreateAlert 插入一条报警记录
func (r *AlertHistoryRepository) CreateAlert(ctx context.Context, tenantID string, alert *models.Alert) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if alert == nil {
		return fmt.Errorf("alert is required")
	}

	query := `
		INSERT INTO fall_alerts (
			alert_id,
			tenant_id,
			camera_id,
			room_id,
			subject_id,
			floor,
			detection_type,
			severity,
			status,
			confidence,
			coord_x,
			coord_y,
			detected_at,
			last_seen_at,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP
		)
	`

	_, err := r.db.ExecContext(ctx,
		query,
		alert.ID,
		tenantID,
		alert.CameraID,
		nullString(alert.RoomID),
		nullString(alert.SubjectID),
		alert.Floor,
		string(alert.DetectionType),
		string(alert.Severity),
		string(alert.Status),
		alert.Confidence,
		alert.Coordinates.X,
		alert.Coordinates.Y,
		alert.DetectedAt,
		alert.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create alert record: %w", err)
	}

	return nil
}

// UpdateAlertStatus 更新报警状态及处理字段（部分更新）
func (r *AlertHistoryRepository) UpdateAlertStatus(ctx context.Context, tenantID, alertID string, updates map[string]interface{}) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}
	if len(updates) == 0 {
		return fmt.Errorf("updates cannot be empty")
	}

	allowedFields := map[string]bool{
		"status":                true,
		"severity":              true,
		"confidence":            true,
		"coord_x":               true,
		"coord_y":               true,
		"last_seen_at":          true,
		"acknowledged_by":       true,
		"acknowledged_at":       true,
		"responding_by":         true,
		"resolved_by":           true,
		"resolved_at":           true,
		"response_time_seconds": true,
		"notes":                 true,
	}

	setParts := []string{}
	args := []interface{}{}
	argN := 1

	for field, value := range updates {
		if !allowedFields[field] {
			return fmt.Errorf("field '%s' is not allowed to update", field)
		}
		setParts = append(setParts, fmt.Sprintf("%s = $%d", field, argN))
		args = append(args, value)
		argN++
	}

	setParts = append(setParts, "updated_at = CURRENT_TIMESTAMP")

	args = append(args, alertID, tenantID)
	query := fmt.Sprintf(`
		UPDATE fall_alerts
		SET %s
		WHERE alert_id = $%d AND tenant_id = $%d
	`, strings.Join(setParts, ", "), argN, argN+1)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update alert record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("alert record not found: alert_id=%s, tenant_id=%s: %w", alertID, tenantID, models.ErrNotFound)
	}

	return nil
}

// CreateEscalationRecord 插入一条升级记录（只增不改）
func (r *AlertHistoryRepository) CreateEscalationRecord(ctx context.Context, tenantID string, record *models.EscalationRecord) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if record == nil {
		return fmt.Errorf("record is required")
	}

	targets, err := json.Marshal(record.NotifiedTargets)
	if err != nil {
		return fmt.Errorf("failed to marshal notified targets: %w", err)
	}

	query := `
		INSERT INTO escalation_records (
			record_id,
			tenant_id,
			alert_id,
			reason,
			notified_targets,
			triggered_at,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, CURRENT_TIMESTAMP
		)
	`

	_, err = r.db.ExecContext(ctx,
		query,
		record.RecordID,
		tenantID,
		record.AlertID,
		string(record.Reason),
		targets,
		record.TriggeredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create escalation record: %w", err)
	}

	return nil
}

// ============================================
// 查询操作
// ============================================

// GetAlert 根据 alert_id 获取单条报警记录
func (r *AlertHistoryRepository) GetAlert(ctx context.Context, tenantID, alertID string) (*models.Alert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT
			alert_id,
			camera_id,
			room_id,
			subject_id,
			floor,
			detection_type,
			severity,
			status,
			confidence,
			coord_x,
			coord_y,
			detected_at,
			last_seen_at,
			acknowledged_by,
			acknowledged_at,
			responding_by,
			resolved_by,
			resolved_at,
			response_time_seconds,
			notes
		FROM fall_alerts
		WHERE alert_id = $1
		  AND tenant_id = $2
	`

	row := r.db.QueryRowContext(ctx, query, alertID, tenantID)
	alert, err := scanAlert(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("alert record not found: alert_id=%s: %w", alertID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get alert record: %w", err)
	}

	return alert, nil
}

// ListAlerts 列表查询（支持多条件过滤、分页，按检测时间倒序）
func (r *AlertHistoryRepository) ListAlerts(ctx context.Context, tenantID string, filters AlertFilters, page, size int) ([]*models.Alert, int, error) {
	if tenantID == "" {
		return []*models.Alert{}, 0, nil
	}

	args := []interface{}{}
	argN := 1
	where := r.buildWhereClause(tenantID, filters, &args, &argN)
	whereClause := "WHERE " + strings.Join(where, " AND ")

	queryCount := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM fall_alerts
		%s
	`, whereClause)

	var total int
	if err := r.db.QueryRowContext(ctx, queryCount, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count alert records: %w", err)
	}

	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`
		SELECT
			alert_id,
			camera_id,
			room_id,
			subject_id,
			floor,
			detection_type,
			severity,
			status,
			confidence,
			coord_x,
			coord_y,
			detected_at,
			last_seen_at,
			acknowledged_by,
			acknowledged_at,
			responding_by,
			resolved_by,
			resolved_at,
			response_time_seconds,
			notes
		FROM fall_alerts
		%s
		ORDER BY detected_at DESC
		LIMIT $%d OFFSET $%d
	`, whereClause, len(args)+1, len(args)+2)

	args = append(args, size, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query alert records: %w", err)
	}
	defer rows.Close()

	alerts := []*models.Alert{}
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan alert record: %w", err)
		}
		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate alert records: %w", err)
	}

	return alerts, total, nil
}

// ListEscalationRecords 查询某报警的升级记录（按触发时间正序）
func (r *AlertHistoryRepository) ListEscalationRecords(ctx context.Context, tenantID, alertID string) ([]*models.EscalationRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT
			record_id,
			alert_id,
			reason,
			notified_targets,
			triggered_at
		FROM escalation_records
		WHERE tenant_id = $1
		  AND alert_id = $2
		ORDER BY triggered_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, tenantID, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalation records: %w", err)
	}
	defer rows.Close()

	records := []*models.EscalationRecord{}
	for rows.Next() {
		var record models.EscalationRecord
		var reason string
		var targets []byte

		if err := rows.Scan(
			&record.RecordID,
			&record.AlertID,
			&reason,
			&targets,
			&record.TriggeredAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan escalation record: %w", err)
		}

		record.Reason = models.EscalationReason(reason)
		if len(targets) > 0 {
			if err := json.Unmarshal(targets, &record.NotifiedTargets); err != nil {
				return nil, fmt.Errorf("failed to unmarshal notified targets: %w", err)
			}
		}

		records = append(records, &record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate escalation records: %w", err)
	}

	return records, nil
}

// buildWhereClause 构建 WHERE 子句
func (r *AlertHistoryRepository) buildWhereClause(tenantID string, filters AlertFilters, args *[]interface{}, argN *int) []string {
	where := []string{fmt.Sprintf("tenant_id = $%d", *argN)}
	*args = append(*args, tenantID)
	*argN++

	if filters.StartTime != nil {
		where = append(where, fmt.Sprintf("detected_at >= $%d", *argN))
		*args = append(*args, *filters.StartTime)
		*argN++
	}
	if filters.EndTime != nil {
		where = append(where, fmt.Sprintf("detected_at <= $%d", *argN))
		*args = append(*args, *filters.EndTime)
		*argN++
	}

	if filters.RoomID != nil {
		where = append(where, fmt.Sprintf("room_id = $%d", *argN))
		*args = append(*args, *filters.RoomID)
		*argN++
	}
	if filters.Floor != nil {
		where = append(where, fmt.Sprintf("floor = $%d", *argN))
		*args = append(*args, *filters.Floor)
		*argN++
	}
	if filters.SubjectID != nil {
		where = append(where, fmt.Sprintf("subject_id = $%d", *argN))
		*args = append(*args, *filters.SubjectID)
		*argN++
	}

	if filters.Severity != nil {
		where = append(where, fmt.Sprintf("severity = $%d", *argN))
		*args = append(*args, *filters.Severity)
		*argN++
	}
	if len(filters.Severities) > 0 {
		placeholders := make([]string, len(filters.Severities))
		for i := range filters.Severities {
			placeholders[i] = fmt.Sprintf("$%d", *argN)
			*args = append(*args, filters.Severities[i])
			*argN++
		}
		where = append(where, fmt.Sprintf("severity IN (%s)", strings.Join(placeholders, ", ")))
	}

	if filters.Status != nil {
		where = append(where, fmt.Sprintf("status = $%d", *argN))
		*args = append(*args, *filters.Status)
		*argN++
	}
	if len(filters.Statuses) > 0 {
		placeholders := make([]string, len(filters.Statuses))
		for i := range filters.Statuses {
			placeholders[i] = fmt.Sprintf("$%d", *argN)
			*args = append(*args, filters.Statuses[i])
			*argN++
		}
		where = append(where, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}

	return where
}

// scanner 兼容 *sql.Row 和 *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanAlert 从一行记录扫描出报警实体
func scanAlert(row scanner) (*models.Alert, error) {
	var alert models.Alert
	var roomID, subjectID, acknowledgedBy, respondingBy, resolvedBy, notes sql.NullString
	var acknowledgedAt, resolvedAt sql.NullTime
	var responseTimeSeconds sql.NullInt64
	var detectionType, severity, status string

	err := row.Scan(
		&alert.ID,
		&alert.CameraID,
		&roomID,
		&subjectID,
		&alert.Floor,
		&detectionType,
		&severity,
		&status,
		&alert.Confidence,
		&alert.Coordinates.X,
		&alert.Coordinates.Y,
		&alert.DetectedAt,
		&alert.LastSeenAt,
		&acknowledgedBy,
		&acknowledgedAt,
		&respondingBy,
		&resolvedBy,
		&resolvedAt,
		&responseTimeSeconds,
		&notes,
	)
	if err != nil {
		return nil, err
	}

	alert.DetectionType = models.DetectionType(detectionType)
	alert.Severity = models.Severity(severity)
	alert.Status = models.AlertStatus(status)

	if roomID.Valid {
		alert.RoomID = roomID.String
	}
	if subjectID.Valid {
		alert.SubjectID = subjectID.String
	}
	if acknowledgedBy.Valid {
		alert.AcknowledgedBy = acknowledgedBy.String
	}
	if acknowledgedAt.Valid {
		alert.AcknowledgedAt = &acknowledgedAt.Time
	}
	if respondingBy.Valid {
		alert.RespondingBy = respondingBy.String
	}
	if resolvedBy.Valid {
		alert.ResolvedBy = resolvedBy.String
	}
	if resolvedAt.Valid {
		alert.ResolvedAt = &resolvedAt.Time
	}
	if responseTimeSeconds.Valid {
		alert.ResponseTimeSeconds = &responseTimeSeconds.Int64
	}
	if notes.Valid {
		alert.Notes = notes.String
	}

	return &alert, nil
}

// nullString 空字符串入库为 NULL
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
