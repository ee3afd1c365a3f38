// Package postgres stores sweep results in PostgreSQL, one row per width
// setting keyed by run
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/snoplus/pmtcal/results"
)

const schema = `
	CREATE TABLE IF NOT EXISTS setting_results (
		run_id             UUID             NOT NULL,
		ipw                INTEGER          NOT NULL,
		pin                DOUBLE PRECISION NOT NULL,
		pin_error          DOUBLE PRECISION NOT NULL,
		charge_mean        DOUBLE PRECISION NOT NULL,
		charge_error       DOUBLE PRECISION NOT NULL,
		rise_mean          DOUBLE PRECISION NOT NULL,
		rise_error         DOUBLE PRECISION NOT NULL,
		gain_mean          DOUBLE PRECISION NOT NULL,
		gain_error         DOUBLE PRECISION NOT NULL,
		photon_count       DOUBLE PRECISION NOT NULL,
		photon_count_error DOUBLE PRECISION NOT NULL,
		saturated          BOOLEAN          NOT NULL,
		status             TEXT             NOT NULL,
		pulses             INTEGER          NOT NULL,
		dropouts           INTEGER          NOT NULL,
		created_at         TIMESTAMPTZ      NOT NULL DEFAULT now(),
		PRIMARY KEY (run_id, ipw)
	)`

// Store is a PostgreSQL result sink
type Store struct {
	db *sql.DB
}

// Open connects to a database URL and checks it is reachable
func Open(ctx context.Context, url string) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an open database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the results table if it does not exist
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Append inserts one setting of a run
func (s *Store) Append(ctx context.Context, runID uuid.UUID, r results.SettingResult) error {
	query := `
		INSERT INTO setting_results (run_id, ipw, pin, pin_error, charge_mean, charge_error,
			rise_mean, rise_error, gain_mean, gain_error, photon_count, photon_count_error,
			saturated, status, pulses, dropouts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := s.db.ExecContext(ctx, query,
		runID, r.IPW, r.PIN, r.PINError, r.ChargeMean, r.ChargeSigma,
		r.RiseMean, r.RiseSigma, r.GainMean, r.GainSigma, r.PhotonCount, r.PhotonCountError,
		r.Saturated, string(r.Status), r.Pulses, r.Dropouts)
	return err
}

// List returns every setting of a run in ascending IPW
func (s *Store) List(ctx context.Context, runID uuid.UUID) ([]results.SettingResult, error) {
	query := `
		SELECT ipw, pin, pin_error, charge_mean, charge_error, rise_mean, rise_error,
			gain_mean, gain_error, photon_count, photon_count_error, saturated, status, pulses, dropouts
		FROM setting_results
		WHERE run_id = $1
		ORDER BY ipw`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []results.SettingResult
	for rows.Next() {
		var r results.SettingResult
		var status string
		err = rows.Scan(&r.IPW, &r.PIN, &r.PINError, &r.ChargeMean, &r.ChargeSigma,
			&r.RiseMean, &r.RiseSigma, &r.GainMean, &r.GainSigma, &r.PhotonCount, &r.PhotonCountError,
			&r.Saturated, &status, &r.Pulses, &r.Dropouts)
		if err != nil {
			return nil, err
		}
		r.Status = results.Status(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
