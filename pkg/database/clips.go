package database

import (
	"context"
	"database/sql"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/latoulicious/Kiroku/pkg/replay"
)

// ClipRepository indexes saved clips. It implements replay.ClipSink so the
// pipeline can hand it every successful save.
type ClipRepository struct {
	db     *sql.DB
	logger Logger
}

// NewClipRepository creates a repository over an open database.
func NewClipRepository(d *Database) *ClipRepository {
	return &ClipRepository{db: d.db, logger: d.logger}
}

// RecordClip stores one saved clip in the index.
func (r *ClipRepository) RecordClip(info replay.ClipInfo) error {
	_, err := r.db.Exec(`
		INSERT INTO clips (id, path, created_at, duration_ms, frame_count, audio_count, bytes, has_audio)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		info.ID, info.Path, info.CreatedAt, info.Duration.Milliseconds(),
		info.FrameCount, info.AudioCount, info.Bytes, info.HasAudio)
	return errors.Wrap(err, "failed to record clip")
}

// RecentClips returns up to limit clips, newest first.
func (r *ClipRepository) RecentClips(ctx context.Context, limit int) ([]*ClipRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, path, created_at, duration_ms, frame_count, audio_count, bytes, has_audio
		FROM clips ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query clips")
	}
	defer rows.Close()

	var clips []*ClipRecord
	for rows.Next() {
		var clip ClipRecord
		var durationMS int64
		if err := rows.Scan(&clip.ID, &clip.Path, &clip.CreatedAt, &durationMS,
			&clip.FrameCount, &clip.AudioCount, &clip.Bytes, &clip.HasAudio); err != nil {
			return nil, errors.Wrap(err, "failed to scan clip row")
		}
		clip.Duration = time.Duration(durationMS) * time.Millisecond
		clips = append(clips, &clip)
	}
	return clips, errors.Wrap(rows.Err(), "failed to iterate clip rows")
}

// Stats summarizes the clip index.
func (r *ClipRepository) Stats(ctx context.Context) (*ClipStats, error) {
	var stats ClipStats
	// The aggregates strip the column's TIMESTAMP affinity, so the driver
	// hands back strings; scan those and parse.
	var oldest, newest sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(bytes), 0), MIN(created_at), MAX(created_at) FROM clips`).
		Scan(&stats.Count, &stats.TotalBytes, &oldest, &newest)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query clip stats")
	}
	if oldest.Valid {
		if t, err := parseTimestamp(oldest.String); err == nil {
			stats.Oldest = t
		}
	}
	if newest.Valid {
		if t, err := parseTimestamp(newest.String); err == nil {
			stats.Newest = t
		}
	}
	return &stats, nil
}

// parseTimestamp decodes a timestamp string as the sqlite3 driver stores it.
func parseTimestamp(value string) (time.Time, error) {
	layouts := []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
	}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, errors.Wrapf(lastErr, "failed to parse timestamp %q", value)
}

// PruneOlderThan removes clip records created before the cutoff, deleting
// the backing files where they still exist. Missing files are not errors;
// the user may have moved their clips.
func (r *ClipRepository) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, path FROM clips WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to query expired clips")
	}

	type doomed struct{ id, path string }
	var expired []doomed
	for rows.Next() {
		var d doomed
		if err := rows.Scan(&d.id, &d.path); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "failed to scan expired clip")
		}
		expired = append(expired, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "failed to iterate expired clips")
	}

	pruned := 0
	for _, d := range expired {
		if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
			r.logger.Errorf("failed to delete clip file %s: %v", d.path, err)
		}
		if _, err := r.db.ExecContext(ctx, `DELETE FROM clips WHERE id = ?`, d.id); err != nil {
			return pruned, errors.Wrap(err, "failed to delete clip record")
		}
		pruned++
	}
	return pruned, nil
}
