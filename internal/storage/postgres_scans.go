package storage

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/L1nMay/scanconsole/internal/model"
)

func (p *Postgres) AddScanRun(run *model.ScanRun) error {
	stats, err := json.Marshal(run.Statistics)
	if err != nil {
		return err
	}

	_, err = p.db.Exec(`
		INSERT INTO scan_runs (
			id,
			target,
			scan_type,
			status,
			started_at,
			finished_at,
			statistics,
			notes
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			finished_at = EXCLUDED.finished_at,
			statistics = EXCLUDED.statistics,
			notes = EXCLUDED.notes
	`,
		run.ID,
		run.Target,
		string(run.ScanType),
		string(run.Status),
		run.StartedAt,
		run.FinishedAt,
		stats,
		run.Notes,
	)
	return errors.Wrapf(err, "insert scan run %s", run.ID)
}

func (p *Postgres) ListScanRuns(limit int) ([]model.ScanRun, error) {
	query := `
        SELECT id, target, scan_type, status, started_at, finished_at, statistics, notes
        FROM scan_runs
        ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list scan runs")
	}
	defer rows.Close()

	out := make([]model.ScanRun, 0)
	for rows.Next() {
		var (
			r        model.ScanRun
			scanType string
			status   string
			stats    []byte
		)
		if err := rows.Scan(
			&r.ID,
			&r.Target,
			&scanType,
			&status,
			&r.StartedAt,
			&r.FinishedAt,
			&stats,
			&r.Notes,
		); err != nil {
			return nil, err
		}
		r.ScanType = model.ScanType(scanType)
		r.Status = model.Status(status)
		if len(stats) > 0 {
			if err := json.Unmarshal(stats, &r.Statistics); err != nil {
				return nil, errors.Wrapf(err, "decode statistics for %s", r.ID)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
