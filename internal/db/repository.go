package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hybrid-dns/eventbroker/internal/logger"
	_ "modernc.org/sqlite"
)

// MaxRetries is the number of times to retry a database operation on SQLITE_BUSY
const MaxRetries = 5

// RetryDelay is the base delay between retries (increases exponentially)
const RetryDelay = 100 * time.Millisecond

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Repository is the event-broadcasting subsystem's persistence boundary
// (spec.md §2's EventRepository). The five CORE components depend on the
// narrower per-entity interfaces declared alongside their own packages;
// Repository is the concrete SQLite-backed implementation wired in by
// cmd/server's composition root.
type Repository struct {
	DB *sql.DB
}

func NewRepository(dbPath string) (*Repository, error) {
	// Ensure directory exists with restricted permissions (owner only)
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for SQLite with WAL mode
	// WAL mode allows multiple concurrent readers + 1 writer
	// Higher connection count enables parallel reads for better concurrency
	db.SetMaxOpenConns(10)                 // Allow concurrent readers (WAL mode safe)
	db.SetMaxIdleConns(5)                  // Keep connections ready for reuse
	db.SetConnMaxLifetime(0)               // Don't close connections due to age
	db.SetConnMaxIdleTime(5 * time.Minute) // Close idle connections after 5 minutes

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Configure SQLite for reliability and performance
	if err := configureSQLite(db); err != nil {
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	repo := &Repository{DB: db}
	if err := repo.runMigrations(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Recreate views to ensure they match latest schema
	if err := repo.recreateViews(); err != nil {
		logger.Errorf("Warning: failed to recreate views: %v", err)
		// Non-fatal - continue with startup
	}

	// Run integrity check on startup
	if err := repo.checkIntegrity(); err != nil {
		logger.Errorf("Warning: database integrity check failed: %v", err)
		// Non-fatal but logged - database may need attention
	}

	return repo, nil
}

// configureSQLite sets optimal SQLite pragmas for reliability and performance
func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		// WAL mode for better concurrency and crash recovery
		"PRAGMA journal_mode=WAL",
		// Synchronous NORMAL is safe with WAL and faster than FULL
		"PRAGMA synchronous=NORMAL",
		// Auto-vacuum in incremental mode - reclaims space automatically
		"PRAGMA auto_vacuum=INCREMENTAL",
		// Store temp tables in memory for performance
		"PRAGMA temp_store=MEMORY",
		// Enable foreign key constraints
		"PRAGMA foreign_keys=ON",
		// Increase cache size (negative = KB, so -8000 = 8MB)
		"PRAGMA cache_size=-8000",
		// Busy timeout of 30 seconds to handle concurrent access during bursts
		"PRAGMA busy_timeout=30000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			// Log but don't fail - some pragmas may not be supported
			logger.Debugf("Failed to set %s: %v", pragma, err)
		}
	}

	return nil
}

// checkIntegrity runs a quick integrity check on the database
func (r *Repository) checkIntegrity() error {
	var result string
	err := r.DB.QueryRow("PRAGMA quick_check").Scan(&result)
	if err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	logger.Infof("Database integrity check passed")
	return nil
}

func (r *Repository) Close() error {
	return r.DB.Close()
}

// recreateViews drops and recreates database views to ensure they match
// the latest schema. SQLite views are not automatically updated when the
// underlying schema changes.
func (r *Repository) recreateViews() error {
	views := []string{"delivery_stats", "subscription_stats"}
	for _, view := range views {
		if _, err := r.DB.Exec("DROP VIEW IF EXISTS " + view); err != nil {
			return fmt.Errorf("failed to drop view %s: %w", view, err)
		}
	}

	_, err := r.DB.Exec(`
		CREATE VIEW delivery_stats AS
		SELECT
			status,
			COUNT(*) as count,
			AVG(attempts) as avg_attempts
		FROM event_deliveries
		GROUP BY status
	`)
	if err != nil {
		return fmt.Errorf("failed to create delivery_stats view: %w", err)
	}

	_, err = r.DB.Exec(`
		CREATE VIEW subscription_stats AS
		SELECT
			user_id,
			COUNT(*) as total,
			SUM(CASE WHEN is_active = 1 THEN 1 ELSE 0 END) as active
		FROM event_subscriptions
		GROUP BY user_id
	`)
	if err != nil {
		return fmt.Errorf("failed to create subscription_stats view: %w", err)
	}

	logger.Debugf("Database views recreated")
	return nil
}

// RunMaintenance performs retention cleanup and housekeeping:
// - prune events/deliveries older than their retention windows
// - incremental vacuum, analyze, WAL checkpoint
// Called periodically by internal/retention (spec.md §3 retention policy).
func (r *Repository) RunMaintenance(eventRetentionDays, deliveryRetentionDays int) error {
	logger.Infof("Starting database maintenance...")

	if eventRetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -eventRetentionDays).Format(time.RFC3339)
		result, err := r.DB.Exec("DELETE FROM events WHERE created_at < ?", cutoff)
		if err != nil {
			logger.Errorf("Failed to prune old events: %v", err)
		} else if deleted, _ := result.RowsAffected(); deleted > 0 {
			logger.Infof("Pruned %d old events (older than %d days)", deleted, eventRetentionDays)
		}
	}

	if deliveryRetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -deliveryRetentionDays).Format(time.RFC3339)
		result, err := r.DB.Exec("DELETE FROM event_deliveries WHERE created_at < ?", cutoff)
		if err != nil {
			logger.Errorf("Failed to prune old deliveries: %v", err)
		} else if deleted, _ := result.RowsAffected(); deleted > 0 {
			logger.Infof("Pruned %d old delivery records (older than %d days)", deleted, deliveryRetentionDays)
		}

		result, err = r.DB.Exec(`
			DELETE FROM event_replays
			WHERE status IN ('completed', 'cancelled', 'failed')
			AND completed_at < ?
		`, cutoff)
		if err != nil {
			logger.Errorf("Failed to prune old replay sessions: %v", err)
		} else if deleted, _ := result.RowsAffected(); deleted > 0 {
			logger.Infof("Pruned %d old replay sessions", deleted)
		}

		// Acknowledged notifications older than 24h move to history by
		// deletion (spec.md §4.7 state hygiene); unacknowledged older than
		// 7d are force-archived the same way. internal/retention and the
		// critical notifier's hygiene sweep compute the two cutoffs and
		// call PurgeNotifications; RunMaintenance only handles the bulk
		// event/delivery/replay retention windows.
	}

	if _, err := r.DB.Exec("PRAGMA incremental_vacuum"); err != nil {
		logger.Errorf("Failed to run incremental vacuum: %v", err)
	} else {
		logger.Debugf("Incremental vacuum completed")
	}

	if _, err := r.DB.Exec("ANALYZE"); err != nil {
		logger.Errorf("Failed to analyze database: %v", err)
	} else {
		logger.Debugf("Database analysis completed")
	}

	if _, err := r.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		logger.Debugf("WAL checkpoint failed (might not be in WAL mode): %v", err)
	}

	logger.Infof("Database maintenance completed")
	return nil
}

// GetDatabaseStats returns statistics about the database
func (r *Repository) GetDatabaseStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var pageCount, pageSize int64
	if err := r.DB.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return nil, fmt.Errorf("failed to get page_count: %w", err)
	}
	if err := r.DB.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return nil, fmt.Errorf("failed to get page_size: %w", err)
	}
	stats["size_bytes"] = pageCount * pageSize
	stats["page_count"] = pageCount
	stats["page_size"] = pageSize

	var freelistCount int64
	if err := r.DB.QueryRow("PRAGMA freelist_count").Scan(&freelistCount); err != nil {
		return nil, fmt.Errorf("failed to get freelist_count: %w", err)
	}
	stats["freelist_pages"] = freelistCount
	stats["freelist_bytes"] = freelistCount * pageSize

	tables := []string{"events", "event_subscriptions", "event_deliveries", "event_replays", "critical_notifications"}
	tableCounts := make(map[string]int64)
	for _, table := range tables {
		var count int64
		if err := r.DB.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err == nil {
			tableCounts[table] = count
		}
	}
	stats["table_counts"] = tableCounts

	var journalMode string
	if err := r.DB.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return nil, fmt.Errorf("failed to get journal_mode: %w", err)
	}
	stats["journal_mode"] = journalMode

	var autoVacuum int
	if err := r.DB.QueryRow("PRAGMA auto_vacuum").Scan(&autoVacuum); err != nil {
		return nil, fmt.Errorf("failed to get auto_vacuum: %w", err)
	}
	autoVacuumModes := map[int]string{0: "none", 1: "full", 2: "incremental"}
	stats["auto_vacuum"] = autoVacuumModes[autoVacuum]

	return stats, nil
}

func (r *Repository) runMigrations() error {
	_, err := r.DB.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	var currentVersion int
	err = r.DB.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	var migrationFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			migrationFiles = append(migrationFiles, entry.Name())
		}
	}
	sort.Strings(migrationFiles)
	logger.Debugf("Found %d embedded migration files", len(migrationFiles))

	for _, file := range migrationFiles {
		var version int
		_, err := fmt.Sscanf(file, "%d_", &version)
		if err != nil {
			logger.Errorf("Skipping invalid migration file: %s", file)
			continue
		}

		if version > currentVersion {
			logger.Infof("Applying migration: %s", file)
			content, err := migrationsFS.ReadFile("migrations/" + file)
			if err != nil {
				return fmt.Errorf("failed to read migration file %s: %w", file, err)
			}

			tx, err := r.DB.Begin()
			if err != nil {
				return fmt.Errorf("failed to begin transaction: %w", err)
			}

			_, err = tx.Exec(string(content))
			if err != nil {
				if rbErr := tx.Rollback(); rbErr != nil {
					logger.Errorf("Failed to rollback transaction after migration error: %v", rbErr)
				}
				return fmt.Errorf("failed to execute migration %s: %w", file, err)
			}

			_, err = tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version)
			if err != nil {
				if rbErr := tx.Rollback(); rbErr != nil {
					logger.Errorf("Failed to rollback transaction after version record error: %v", rbErr)
				}
				return fmt.Errorf("failed to record migration version %s: %w", file, err)
			}

			if err := tx.Commit(); err != nil {
				return fmt.Errorf("failed to commit migration %s: %w", file, err)
			}
		}
	}

	return nil
}

// Backup creates a backup of the database file
// Returns the path to the backup file
func (r *Repository) Backup(dbPath string) (string, error) {
	backupDir := filepath.Join(filepath.Dir(dbPath), "backups")
	if err := os.MkdirAll(backupDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	backupPath := filepath.Join(backupDir, fmt.Sprintf("eventbroker_%s.db", timestamp))

	_, err := r.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		logger.Debugf("WAL checkpoint failed (might not be in WAL mode): %v", err)
	}

	srcFile, err := os.Open(dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to open source database: %w", err)
	}
	defer func() {
		if closeErr := srcFile.Close(); closeErr != nil {
			logger.Warnf("Failed to close source database file: %v", closeErr)
		}
	}()

	dstFile, err := os.Create(backupPath)
	if err != nil {
		return "", fmt.Errorf("failed to create backup file: %w", err)
	}

	_, err = io.Copy(dstFile, srcFile)
	if err != nil {
		_ = dstFile.Close()
		_ = os.Remove(backupPath)
		return "", fmt.Errorf("failed to copy database: %w", err)
	}

	if err := dstFile.Sync(); err != nil {
		_ = dstFile.Close()
		_ = os.Remove(backupPath)
		return "", fmt.Errorf("failed to sync backup file: %w", err)
	}

	if err := dstFile.Close(); err != nil {
		_ = os.Remove(backupPath)
		return "", fmt.Errorf("failed to close backup file: %w", err)
	}

	r.cleanupOldBackups(backupDir, 5)

	return backupPath, nil
}

// cleanupOldBackups removes old backup files, keeping only the most recent 'keep' files
func (r *Repository) cleanupOldBackups(backupDir string, keep int) {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		logger.Errorf("Failed to read backup directory: %v", err)
		return
	}

	type backupFile struct {
		name    string
		modTime time.Time
	}
	var backups []backupFile
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".db") {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			backups = append(backups, backupFile{name: entry.Name(), modTime: info.ModTime()})
		}
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].modTime.After(backups[j].modTime)
	})

	for i := keep; i < len(backups); i++ {
		path := filepath.Join(backupDir, backups[i].name)
		if err := os.Remove(path); err != nil {
			logger.Errorf("Failed to remove old backup %s: %v", path, err)
		} else {
			logger.Infof("Removed old backup: %s", backups[i].name)
		}
	}
}
