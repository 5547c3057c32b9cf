package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dougsko/nexrigd/pkg/rf"
)

// ErrSnapshotNotFound is returned for unknown snapshot names
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Snapshot is a named hardware configuration
type Snapshot struct {
	Name         string     `json:"name"`
	Band         rf.Band    `json:"band"`
	FrequencyHz  uint32     `json:"frequency_hz"`
	Antenna      rf.Antenna `json:"antenna"`
	Mode         rf.Mode    `json:"mode"`
	TargetPowerW float64    `json:"target_power_w"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Validate checks the snapshot describes a reachable configuration
func (s Snapshot) Validate() error {
	const op = "SaveSnapshot"

	switch {
	case strings.TrimSpace(s.Name) == "":
		return rf.NewError(rf.KindConfiguration, op, "snapshot name is required")
	case !s.Band.Valid():
		return rf.NewError(rf.KindConfiguration, op, "invalid band %d", int32(s.Band))
	case !s.Antenna.Valid():
		return rf.NewError(rf.KindConfiguration, op, "invalid antenna %d", int32(s.Antenna))
	case !s.Mode.Valid():
		return rf.NewError(rf.KindConfiguration, op, "invalid mode %d", int32(s.Mode))
	}
	r, err := rf.GetBandRange(s.Band)
	if err != nil {
		return err
	}
	if !r.Contains(s.FrequencyHz) {
		return rf.NewError(rf.KindOutOfBand, op, "%d Hz is outside %s", s.FrequencyHz, s.Band)
	}
	return nil
}

// SaveSnapshot inserts or replaces the snapshot named snap.Name
func (s *Store) SaveSnapshot(snap Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}

	_, err := s.db.Exec(`
		INSERT INTO snapshots (name, band, frequency, antenna, mode, target_power)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			band = excluded.band,
			frequency = excluded.frequency,
			antenna = excluded.antenna,
			mode = excluded.mode,
			target_power = excluded.target_power,
			updated_at = CURRENT_TIMESTAMP
	`, snap.Name, snap.Band.String(), snap.FrequencyHz, int(snap.Antenna), snap.Mode.String(), snap.TargetPowerW)
	if err != nil {
		return fmt.Errorf("failed to save snapshot %q: %w", snap.Name, err)
	}
	return nil
}

// GetSnapshot loads a snapshot by name
func (s *Store) GetSnapshot(name string) (*Snapshot, error) {
	row := s.db.QueryRow(`
		SELECT name, band, frequency, antenna, mode, target_power, created_at, updated_at
		FROM snapshots WHERE name = ?
	`, name)

	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrSnapshotNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %q: %w", name, err)
	}
	return snap, nil
}

// ListSnapshots returns every snapshot, most recently updated first
func (s *Store) ListSnapshots() ([]Snapshot, error) {
	rows, err := s.db.Query(`
		SELECT name, band, frequency, antenna, mode, target_power, created_at, updated_at
		FROM snapshots ORDER BY updated_at DESC, name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snapshots = append(snapshots, *snap)
	}
	return snapshots, rows.Err()
}

// DeleteSnapshot removes a snapshot
func (s *Store) DeleteSnapshot(name string) error {
	result, err := s.db.Exec("DELETE FROM snapshots WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %q: %w", name, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %q: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", ErrSnapshotNotFound, name)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var snap Snapshot
	var band, mode string
	var antenna int

	if err := row.Scan(&snap.Name, &band, &snap.FrequencyHz, &antenna, &mode,
		&snap.TargetPowerW, &snap.CreatedAt, &snap.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if snap.Band, err = rf.ParseBand(band); err != nil {
		return nil, err
	}
	if snap.Mode, err = rf.ParseMode(mode); err != nil {
		return nil, err
	}
	if snap.Antenna, err = rf.ParseAntenna(antenna); err != nil {
		return nil, err
	}
	return &snap, nil
}
