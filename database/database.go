// Package database persists the pipeline's failure records: callback
// deliveries that exhausted their retries and bulk jobs dropped after an
// unrecoverable status-check failure. Both exist for operator inspection;
// nothing in the hot path reads them.
package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/apex/log"
	_ "github.com/go-sql-driver/mysql"

	"lot-describe-pipeline/config"
	"lot-describe-pipeline/models"
)

// Database represents the database connection
type Database struct {
	db *sql.DB
}

// NewDatabase creates a new database connection
func NewDatabase(cfg *config.Config) (*Database, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection with exponential backoff retry
	var waitInterval time.Duration = 1 * time.Second
	for {
		if err := db.Ping(); err == nil {
			break
		} else {
			log.WithError(err).Warnf("Database connection failed, retrying in %v", waitInterval)
		}
		time.Sleep(waitInterval)
		waitInterval *= 2
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// CreateTables creates the failure-record tables if they don't exist
func (d *Database) CreateTables() error {
	deadLetters := `
	CREATE TABLE IF NOT EXISTS callback_dead_letters (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		url VARCHAR(2048) NOT NULL,
		payload MEDIUMTEXT NOT NULL,
		reason TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_dead_letters_created_at (created_at)
	)`

	if _, err := d.db.Exec(deadLetters); err != nil {
		return fmt.Errorf("failed to create callback_dead_letters table: %w", err)
	}

	lostJobs := `
	CREATE TABLE IF NOT EXISTS lost_batch_jobs (
		job_id VARCHAR(64) NOT NULL,
		stage VARCHAR(16) NOT NULL,
		reason TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_lost_jobs_created_at (created_at)
	)`

	if _, err := d.db.Exec(lostJobs); err != nil {
		return fmt.Errorf("failed to create lost_batch_jobs table: %w", err)
	}

	log.Info("Failure-record tables created/verified successfully")
	return nil
}

// SaveDeadLetter records one callback delivery that exhausted its retries
func (d *Database) SaveDeadLetter(dl *models.DeadLetter) error {
	query := `
	INSERT INTO callback_dead_letters (id, url, payload, reason, created_at)
	VALUES (?, ?, ?, ?, ?)`

	_, err := d.db.Exec(query, dl.ID, dl.URL, dl.Payload, dl.Reason, dl.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save dead letter %s: %w", dl.ID, err)
	}
	return nil
}

// SaveLostJob records one bulk job dropped after a status-check failure
func (d *Database) SaveLostJob(jobID, stage, reason string) error {
	query := `
	INSERT INTO lost_batch_jobs (job_id, stage, reason)
	VALUES (?, ?, ?)`

	_, err := d.db.Exec(query, jobID, stage, reason)
	if err != nil {
		return fmt.Errorf("failed to save lost job %s: %w", jobID, err)
	}
	return nil
}

// ListDeadLetters returns the most recent dead letters, newest first
func (d *Database) ListDeadLetters(limit int) ([]models.DeadLetter, error) {
	query := `
	SELECT id, url, payload, reason, created_at
	FROM callback_dead_letters
	ORDER BY created_at DESC
	LIMIT ?`

	rows, err := d.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var letters []models.DeadLetter
	for rows.Next() {
		var dl models.DeadLetter
		var reason sql.NullString
		if err := rows.Scan(&dl.ID, &dl.URL, &dl.Payload, &reason, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dl.Reason = reason.String
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

// GetDB returns the underlying sql.DB for direct queries
func (d *Database) GetDB() *sql.DB {
	return d.db
}
