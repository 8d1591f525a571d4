package main

import (
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// AuditRecord represents the schema of the audit_records table
type AuditRecord struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	SessionID     string    `gorm:"size:64;index" json:"session_id"`
	IngestID      string    `gorm:"size:255;index" json:"ingest_id"`
	Action        string    `gorm:"size:32;not null" json:"action"` // upload or protect
	Status        string    `gorm:"size:32;not null" json:"status"` // completed or failed
	ArtifactID    string    `gorm:"size:255" json:"artifact_id,omitempty"`
	KeyID         string    `gorm:"size:255" json:"key_id,omitempty"`
	SignatureHash string    `gorm:"size:255" json:"signature_hash,omitempty"`
	Detail        string    `gorm:"size:4096" json:"detail,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// InitializeDB opens the SQLite database at dbPath and migrates the schema
func InitializeDB(dbPath string) *gorm.DB {
	// Ensure db directory exists
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			log.Fatalf("Failed to create db directory: %v", err)
		}
	}

	db, err := openDB(dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	return db
}

func openDB(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Migrate the schema (create the table if it doesn't exist)
	if err := db.AutoMigrate(&AuditRecord{}); err != nil {
		return nil, err
	}
	return db, nil
}

// InsertAuditRecord inserts a new audit record into the database
func InsertAuditRecord(db *gorm.DB, record *AuditRecord) error {
	return db.Create(record).Error
}

// GetAuditRecords returns the newest records first, optionally for one ingest.
// A non-positive limit returns everything.
func GetAuditRecords(db *gorm.DB, ingestID string, limit int) ([]AuditRecord, error) {
	var records []AuditRecord
	query := db.Order("created_at desc").Order("id desc")
	if ingestID != "" {
		query = query.Where("ingest_id = ?", ingestID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	result := query.Find(&records)
	return records, result.Error
}
