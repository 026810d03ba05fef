package repository

import (
	"context"
	"testing"
	"time"

	"fallsentry/internal/events"
	"fallsentry/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupHistorySink(t *testing.T) (sqlmock.Sqlmock, *HistorySink) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := NewAlertHistoryRepository(db, zap.NewNop())
	sink := NewHistorySink(repo, "tenant-1", zap.NewNop())
	return mock, sink
}

func TestPersist_AlertCreatedInserts(t *testing.T) {
	mock, sink := setupHistorySink(t)

	mock.ExpectExec(`INSERT INTO fall_alerts`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	alert := models.Alert{
		ID:            uuid.New().String(),
		CameraID:      "cam-401",
		RoomID:        "room-401",
		Floor:         4,
		DetectionType: models.DetectionFall,
		DetectedAt:    time.Now(),
		LastSeenAt:    time.Now(),
		Confidence:    0.9,
		Severity:      models.SeverityHigh,
		Status:        models.StatusDetected,
	}
	err := sink.persist(context.Background(), events.AlertCreated{Alert: alert})

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersist_LifecycleEventsUpdate(t *testing.T) {
	mock, sink := setupHistorySink(t)
	ctx := context.Background()
	alertID := uuid.New().String()

	lifecycleEvents := []events.Event{
		events.AlertAcknowledged{AlertID: alertID, UserID: "nurse-wang", At: time.Now()},
		events.AlertResponding{AlertID: alertID, UserID: "nurse-li", At: time.Now()},
		events.AlertResolved{AlertID: alertID, UserID: "nurse-li", ResponseTimeSeconds: 95, At: time.Now()},
		events.AlertEscalated{AlertID: alertID, NewSeverity: models.SeverityCritical, At: time.Now()},
	}

	for range lifecycleEvents {
		mock.ExpectExec(`UPDATE fall_alerts`).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	for _, ev := range lifecycleEvents {
		require.NoError(t, sink.persist(ctx, ev))
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersist_EscalationRecordedInserts(t *testing.T) {
	mock, sink := setupHistorySink(t)

	mock.ExpectExec(`INSERT INTO escalation_records`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	record := models.EscalationRecord{
		RecordID:    uuid.New().String(),
		AlertID:     uuid.New().String(),
		TriggeredAt: time.Now(),
		Reason:      models.ReasonSeverityCritical,
	}
	err := sink.persist(context.Background(), events.EscalationRecorded{Record: record})

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersist_EmergencyTriggeredIgnored(t *testing.T) {
	mock, sink := setupHistorySink(t)

	// 通知类事件不落库，不应触碰数据库
	err := sink.persist(context.Background(), events.EmergencyTriggered{AlertID: uuid.New().String()})

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersist_UpdateRetriesOnMissingRow(t *testing.T) {
	mock, sink := setupHistorySink(t)
	alertID := uuid.New().String()

	// 第一次更新落在插入提交之前，重试成功
	mock.ExpectExec(`UPDATE fall_alerts`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE fall_alerts`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := sink.persist(context.Background(), events.AlertAcknowledged{
		AlertID: alertID,
		UserID:  "nurse-wang",
		At:      time.Now(),
	})

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
