package storage

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/dougsko/nexrigd/pkg/protection"
)

// FaultQuery selects fault log records
type FaultQuery struct {
	Limit    int
	Offset   int
	Since    *time.Time
	Until    *time.Time
	Kind     string
	Severity string
}

// FaultStats are fault log counters
type FaultStats struct {
	TotalFaults      int       `json:"total_faults"`
	TotalEmergencies int       `json:"total_emergencies"`
	Stored           int       `json:"stored"`
	LastCleanup      time.Time `json:"last_cleanup"`
}

// StoreFault appends a fault record to the log
func (s *Store) StoreFault(record protection.FaultRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT OR IGNORE INTO faults (id, kind, severity, measured_value, limit_value, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, record.ID, record.Kind.String(), record.Severity.String(),
		record.MeasuredValue, record.LimitValue, record.Detail, record.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert fault: %w", err)
	}

	emergency := 0
	if record.Severity == protection.SeverityEmergency {
		emergency = 1
	}
	_, err = tx.Exec(`
		UPDATE fault_stats SET
			total_faults = total_faults + 1,
			total_emergencies = total_emergencies + ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = 1
	`, emergency)
	if err != nil {
		return fmt.Errorf("failed to update fault stats: %w", err)
	}

	if err := s.cleanupOldFaults(tx); err != nil {
		log.Printf("Warning: failed to cleanup old faults: %v", err)
	}

	return tx.Commit()
}

func (s *Store) cleanupOldFaults(tx *sql.Tx) error {
	if s.maxFaults <= 0 {
		return nil
	}

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM faults").Scan(&count); err != nil {
		return err
	}
	if count <= s.maxFaults {
		return nil
	}

	_, err := tx.Exec(`
		DELETE FROM faults
		WHERE seq IN (
			SELECT seq FROM faults
			ORDER BY seq ASC
			LIMIT ?
		)
	`, count-s.maxFaults)
	if err != nil {
		return err
	}

	_, err = tx.Exec("UPDATE fault_stats SET last_cleanup = CURRENT_TIMESTAMP WHERE id = 1")
	return err
}

// GetFaults returns fault records matching query, newest first
func (s *Store) GetFaults(query FaultQuery) ([]protection.FaultRecord, error) {
	var args []interface{}
	sqlQuery := `
		SELECT id, kind, severity, measured_value, limit_value, detail, timestamp
		FROM faults
		WHERE 1=1
	`

	if query.Since != nil {
		sqlQuery += " AND timestamp >= ?"
		args = append(args, query.Since.UTC())
	}
	if query.Until != nil {
		sqlQuery += " AND timestamp <= ?"
		args = append(args, query.Until.UTC())
	}
	if query.Kind != "" {
		sqlQuery += " AND kind = ?"
		args = append(args, query.Kind)
	}
	if query.Severity != "" {
		sqlQuery += " AND severity = ?"
		args = append(args, query.Severity)
	}

	sqlQuery += " ORDER BY seq DESC"

	if query.Limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, query.Limit)

		if query.Offset > 0 {
			sqlQuery += " OFFSET ?"
			args = append(args, query.Offset)
		}
	}

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query faults: %w", err)
	}
	defer rows.Close()

	var records []protection.FaultRecord
	for rows.Next() {
		var r protection.FaultRecord
		var kind, severity string
		if err := rows.Scan(&r.ID, &kind, &severity, &r.MeasuredValue, &r.LimitValue,
			&r.Detail, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan fault: %w", err)
		}
		if r.Kind, err = protection.ParseFaultKind(kind); err != nil {
			return nil, err
		}
		if r.Severity, err = protection.ParseSeverity(severity); err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

// GetRecentFaults returns the newest limit fault records
func (s *Store) GetRecentFaults(limit int) ([]protection.FaultRecord, error) {
	return s.GetFaults(FaultQuery{Limit: limit})
}

// GetFaultStats returns fault log counters
func (s *Store) GetFaultStats() (*FaultStats, error) {
	var stats FaultStats
	var lastCleanup sql.NullTime

	err := s.db.QueryRow(`
		SELECT total_faults, total_emergencies, last_cleanup
		FROM fault_stats WHERE id = 1
	`).Scan(&stats.TotalFaults, &stats.TotalEmergencies, &lastCleanup)
	if err != nil {
		return nil, fmt.Errorf("failed to get fault stats: %w", err)
	}
	if lastCleanup.Valid {
		stats.LastCleanup = lastCleanup.Time
	}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM faults").Scan(&stats.Stored); err != nil {
		return nil, fmt.Errorf("failed to count faults: %w", err)
	}

	return &stats, nil
}

// ClearFaults deletes the stored fault log. Counters are kept.
func (s *Store) ClearFaults() (int64, error) {
	result, err := s.db.Exec("DELETE FROM faults")
	if err != nil {
		return 0, fmt.Errorf("failed to clear faults: %w", err)
	}
	return result.RowsAffected()
}
