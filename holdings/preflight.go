package holdings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PreflightResult reports what the startup check found.
type PreflightResult struct {
	Healthy     bool
	Quarantined bool
	// MovedTo is the quarantine path of the main database file.
	MovedTo string
	Elapsed time.Duration
	Err     error
}

// Preflight runs a bounded WAL checkpoint and quick_check on the database at
// path. A file that fails either is renamed aside, sidecars included, so the
// scanner can start on a fresh file instead of stalling startup. A check that
// runs out of time is returned as an error and the file is left in place.
func Preflight(path string, timeout time.Duration) (PreflightResult, error) {
	if strings.TrimSpace(path) == "" {
		return PreflightResult{}, errors.New("holdings: preflight: empty path")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return PreflightResult{}, fmt.Errorf("holdings: preflight: ensure dir: %w", err)
	}
	present := existingFiles(path)
	began := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return PreflightResult{}, fmt.Errorf("holdings: preflight: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma busy_timeout=%d", timeout.Milliseconds())); err != nil {
		db.Close()
		return PreflightResult{}, fmt.Errorf("holdings: preflight: busy_timeout: %w", err)
	}
	_, checkErr := db.ExecContext(ctx, "pragma wal_checkpoint(TRUNCATE)")
	if checkErr == nil {
		checkErr = quickCheck(ctx, db)
	}
	db.Close()

	res := PreflightResult{Elapsed: time.Since(began), Err: checkErr}
	if checkErr == nil {
		res.Healthy = true
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("holdings: preflight timed out after %s", timeout)
	}
	moved, err := quarantine(present, time.Now().UTC())
	if err != nil {
		return res, fmt.Errorf("holdings: quarantine %s: %w (check: %v)", path, err, checkErr)
	}
	res.Quarantined = true
	res.MovedTo = moved
	log.Printf("holdings: %s failed preflight (%v); moved to %s", path, checkErr, moved)
	return res, nil
}

func quickCheck(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return err
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check: %s", status)
		}
	}
	return rows.Err()
}

func existingFiles(path string) []string {
	var out []string
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// quarantine renames each file to "<name>.bad-<stamp>" and returns the new
// name of the first (main) file.
func quarantine(files []string, now time.Time) (string, error) {
	suffix := ".bad-" + now.Format("20060102T150405Z")
	var moved string
	for _, p := range files {
		if err := os.Rename(p, p+suffix); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		if moved == "" {
			moved = p + suffix
		}
	}
	return moved, nil
}
