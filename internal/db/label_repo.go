package db

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"loadiq/internal/types"
)

// LabelRepository stores user labels in segment_labels, one row per
// (session, segment start). It implements types.LabelStore. Rows are never
// deleted; a new label for an existing start replaces the label and the
// feature snapshot.
type LabelRepository struct {
	db        DBTX
	sessionID string
	now       func() time.Time
	logger    *slog.Logger
}

// NewLabelRepository creates a LabelRepository scoped to one monitored
// session.
func NewLabelRepository(db DBTX, sessionID string, logger *slog.Logger) *LabelRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &LabelRepository{
		db:        db,
		sessionID: sessionID,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// List returns every label of the session ordered by start.
func (r *LabelRepository) List(ctx context.Context) ([]types.LabelRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id::text, start_at, end_at, label,
		       mean_power_w, peak_power_w, energy_kwh, duration_s,
		       created_at, updated_at
		FROM segment_labels
		WHERE session_id = $1
		ORDER BY start_at ASC`,
		r.sessionID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeStoreFailure, "failed to query labels", err)
	}
	defer rows.Close()

	var out []types.LabelRecord
	for rows.Next() {
		var (
			rec   types.LabelRecord
			label string
		)
		if err := rows.Scan(
			&rec.ID, &rec.Start, &rec.End, &label,
			&rec.Features.MeanPowerW, &rec.Features.PeakPowerW, &rec.Features.EnergyKWh, &rec.Features.DurationS,
			&rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeStoreFailure, "failed to scan label row", err)
		}
		rec.Label = types.NormalizeLabel(label)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeStoreFailure, "error iterating label rows", err)
	}
	return out, nil
}

// Upsert inserts rec or replaces the row with the same start.
func (r *LabelRepository) Upsert(ctx context.Context, rec types.LabelRecord) error {
	if rec.Start.IsZero() {
		return types.NewAppError(types.ErrCodeStoreInvalidLabel, "label record has no start time", nil)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := r.now()

	tag, err := r.db.Exec(ctx, `
		INSERT INTO segment_labels (
			id, session_id, start_at, end_at, label,
			mean_power_w, peak_power_w, energy_kwh, duration_s,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (session_id, start_at) DO UPDATE SET
			end_at       = EXCLUDED.end_at,
			label        = EXCLUDED.label,
			mean_power_w = EXCLUDED.mean_power_w,
			peak_power_w = EXCLUDED.peak_power_w,
			energy_kwh   = EXCLUDED.energy_kwh,
			duration_s   = EXCLUDED.duration_s,
			updated_at   = EXCLUDED.updated_at`,
		rec.ID, r.sessionID, rec.Start.UTC(), rec.End.UTC(), string(types.NormalizeLabel(string(rec.Label))),
		rec.Features.MeanPowerW, rec.Features.PeakPowerW, rec.Features.EnergyKWh, rec.Features.DurationS,
		now,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeStoreFailure, "failed to upsert label", err)
	}
	r.logger.Info("label stored",
		slog.String("session_id", r.sessionID),
		slog.Time("start", rec.Start),
		slog.String("label", string(rec.Label)),
		slog.Int64("rows_affected", tag.RowsAffected()),
	)
	return nil
}
