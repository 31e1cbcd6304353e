package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// NotificationRecord is the delivery trail of one (artifact, channel) job.
type NotificationRecord struct {
	ID         string    `json:"id"`
	ArtifactID string    `json:"artifact_id"`
	Channel    string    `json:"channel"`
	Attempts   int       `json:"attempts"`
	Status     string    `json:"status"`
	LastError  string    `json:"last_error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type notificationRow struct {
	ID         string `db:"id"`
	ArtifactID string `db:"artifact_id"`
	Channel    string `db:"channel"`
	Attempts   int    `db:"attempts"`
	Status     string `db:"status"`
	LastError  string `db:"last_error"`
	UpdatedAt  int64  `db:"updated_at"`
}

// RecordNotification inserts or updates a job. A retried job keeps its id, so
// the row always holds the latest attempt count and status.
func (x *Index) RecordNotification(ctx context.Context, n NotificationRecord) error {
	if n.ID == "" || n.ArtifactID == "" || n.Channel == "" {
		return errors.New("notification id, artifact id and channel are required")
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = time.Now()
	}
	query := x.db.Rebind(`INSERT INTO notification_jobs (
		id, artifact_id, channel, attempts, status, last_error, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		attempts = excluded.attempts,
		status = excluded.status,
		last_error = excluded.last_error,
		updated_at = excluded.updated_at`)

	_, err := x.db.ExecContext(ctx, query,
		n.ID, n.ArtifactID, n.Channel, n.Attempts, n.Status, n.LastError, n.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	return nil
}

// Notifications returns the jobs for one artifact ordered by channel.
func (x *Index) Notifications(ctx context.Context, artifactID string) ([]NotificationRecord, error) {
	var rows []notificationRow
	query := x.db.Rebind(`SELECT * FROM notification_jobs WHERE artifact_id = ? ORDER BY channel`)
	if err := x.db.SelectContext(ctx, &rows, query, artifactID); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	out := make([]NotificationRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, NotificationRecord{
			ID:         r.ID,
			ArtifactID: r.ArtifactID,
			Channel:    r.Channel,
			Attempts:   r.Attempts,
			Status:     r.Status,
			LastError:  r.LastError,
			UpdatedAt:  time.UnixMilli(r.UpdatedAt).UTC(),
		})
	}
	return out, nil
}
