// Package holdings reads channel coverage from a SQLite holdings table kept
// by the ingest side. It is the bulk historical scan source for the catalog.
package holdings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"waveserver/catalog"
	"waveserver/channel"
	"waveserver/wire"

	"github.com/dustin/go-humanize"
	_ "modernc.org/sqlite"
)

// ErrBadTable is returned for a table name that is not a plain identifier.
var ErrBadTable = errors.New("holdings: invalid table name")

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Options configures Open.
type Options struct {
	Path             string
	Table            string
	PreflightTimeout time.Duration
}

// Scanner lists coverage rows. It is safe for concurrent use.
type Scanner struct {
	db    *sql.DB
	table string
	path  string
}

// Open preflights the database, opens it and makes sure the holdings table
// exists. Rows are (network, station, location, channel, earliest, latest,
// rate) with times in epoch seconds.
func Open(opts Options) (*Scanner, error) {
	if opts.Table == "" {
		opts.Table = "holdings"
	}
	if !tableName.MatchString(opts.Table) {
		return nil, fmt.Errorf("%w: %q", ErrBadTable, opts.Table)
	}
	if _, err := Preflight(opts.Path, opts.PreflightTimeout); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("holdings: open %s: %w", opts.Path, err)
	}
	db.SetMaxOpenConns(4)
	stmt := fmt.Sprintf(`create table if not exists %s (
		network text not null,
		station text not null,
		location text not null default '',
		channel text not null,
		earliest real not null,
		latest real not null,
		rate real not null default 0,
		primary key (network, station, location, channel)
	)`, opts.Table)
	if _, err := db.Exec(stmt); err != nil {
		db.Close()
		return nil, fmt.Errorf("holdings: ensure table %s: %w", opts.Table, err)
	}
	return &Scanner{db: db, table: opts.Table, path: opts.Path}, nil
}

// Scan implements catalog.Source. Rows with an unusable range are skipped.
func (s *Scanner) Scan(ctx context.Context) ([]catalog.ScanEntry, error) {
	began := time.Now()
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"select network, station, location, channel, earliest, latest, rate from %s", s.table))
	if err != nil {
		return nil, fmt.Errorf("holdings: scan %s: %w", s.path, err)
	}
	defer rows.Close()

	var out []catalog.ScanEntry
	skipped := 0
	for rows.Next() {
		var net, sta, loc, cha string
		var earliest, latest, rate float64
		if err := rows.Scan(&net, &sta, &loc, &cha, &earliest, &latest, &rate); err != nil {
			return nil, fmt.Errorf("holdings: scan row: %w", err)
		}
		ch, err := channel.New(sta, cha, net, loc)
		if err != nil || latest < earliest {
			skipped++
			continue
		}
		out = append(out, catalog.ScanEntry{
			Channel:  ch,
			Earliest: wire.FromEpochSeconds(earliest),
			Latest:   wire.FromEpochSeconds(latest),
			RateHz:   rate,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("holdings: scan %s: %w", s.path, err)
	}
	if skipped > 0 {
		log.Printf("holdings: skipped %d unusable rows", skipped)
	}
	log.Printf("holdings: scanned %s channels in %s", humanize.Comma(int64(len(out))), time.Since(began).Round(time.Millisecond))
	return out, nil
}

// Close releases the database.
func (s *Scanner) Close() error {
	return s.db.Close()
}
