package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

// SQLDirectory reads the directory tables over database/sql.
type SQLDirectory struct {
	db *sql.DB
}

// NewSQLDirectory wraps an open *sql.DB.
func NewSQLDirectory(db *sql.DB) *SQLDirectory {
	if db == nil {
		panic("directory: sql db required")
	}
	return &SQLDirectory{db: db}
}

// Open connects with the pgx database/sql driver.
func Open(dsn string) (*SQLDirectory, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("directory: open: %w", err)
	}
	return NewSQLDirectory(db), nil
}

// Close releases the underlying pool.
func (d *SQLDirectory) Close() error {
	return d.db.Close()
}

func (d *SQLDirectory) Incident(ctx context.Context, id string) (*Incident, error) {
	var in Incident
	err := d.db.QueryRowContext(ctx, `
		SELECT i.id, TRIM(w.first_name || ' ' || w.last_name), COALESCE(w.phone, ''),
		       COALESCE(e.name, ''), COALESCE(i.injury_description, '')
		FROM incidents i
		JOIN workers w ON w.id = i.worker_id
		LEFT JOIN employers e ON e.id = i.employer_id
		WHERE i.id = $1`, id,
	).Scan(&in.ID, &in.WorkerName, &in.WorkerPhone, &in.EmployerName, &in.InjuryDescription)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("directory: incident %s: %w", id, err)
	}
	return &in, nil
}

func (d *SQLDirectory) MedicalCenter(ctx context.Context, id string) (*MedicalCenter, error) {
	var mc MedicalCenter
	var doctorIDs, doctorNames []string
	err := d.db.QueryRowContext(ctx, `
		SELECT mc.id, mc.name, COALESCE(mc.phone, ''), COALESCE(mc.timezone, ''),
		       ARRAY(SELECT d.id::text FROM doctors d WHERE d.medical_center_id = mc.id ORDER BY d.name),
		       ARRAY(SELECT d.name FROM doctors d WHERE d.medical_center_id = mc.id ORDER BY d.name)
		FROM medical_centers mc
		WHERE mc.id = $1`, id,
	).Scan(&mc.ID, &mc.Name, &mc.Phone, &mc.Timezone, pq.Array(&doctorIDs), pq.Array(&doctorNames))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("directory: medical center %s: %w", id, err)
	}
	if len(doctorIDs) != len(doctorNames) {
		return nil, fmt.Errorf("directory: medical center %s: doctor columns out of step", id)
	}
	for i := range doctorIDs {
		mc.Doctors = append(mc.Doctors, Doctor{ID: doctorIDs[i], Name: doctorNames[i]})
	}
	return &mc, nil
}

// Ping checks the directory database is reachable.
func (d *SQLDirectory) Ping(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("directory: ping: %w", err)
	}
	return nil
}
