// Package graphdb persists pose graphs to SQLite so taught paths survive
// process restarts. Writes happen on background workers at keyframe rate;
// LoadGraph rebuilds an in-memory graph for a later repeat session.
package graphdb

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
	_ "modernc.org/sqlite"

	"github.com/trailhead-robotics/retrace/internal/graph"
	"github.com/trailhead-robotics/retrace/internal/monitoring"
	"github.com/trailhead-robotics/retrace/internal/se3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Archive is a SQLite-backed store for graph elements. All methods are
// safe for concurrent use.
type Archive struct {
	mu      sync.Mutex
	db      *sql.DB
	session string
}

// Open opens (or creates) the archive at path and applies pending
// migrations. Each Open starts a new recording session.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("graphdb: open %s: %w", path, err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	a := &Archive{db: db, session: uuid.New().String()}
	if _, err := db.Exec(`INSERT INTO sessions (session_id) VALUES (?)`, a.session); err != nil {
		db.Close()
		return nil, fmt.Errorf("graphdb: start session: %w", err)
	}
	monitoring.Logf("graphdb: session %s open at %s", a.session, path)
	return a, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("graphdb: migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("graphdb: sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("graphdb: migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("graphdb: migration up: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.db.Close()
}

// Session returns the id of the current recording session.
func (a *Archive) Session() string { return a.session }

// ArchiveRun records a run under the current session.
func (a *Archive) ArchiveRun(id graph.RunID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.db.Exec(
		`INSERT OR IGNORE INTO runs (run_id, session_id) VALUES (?, ?)`,
		int64(id), a.session)
	if err != nil {
		return fmt.Errorf("graphdb: archive run %d: %w", id, err)
	}
	return nil
}

// ArchiveVertex records a vertex and the names of its data streams.
func (a *Archive) ArchiveVertex(v *graph.Vertex) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := v.ID()
	_, err := a.db.Exec(
		`INSERT OR REPLACE INTO vertices (run_id, seq, stamp_ns, data_names) VALUES (?, ?, ?, ?)`,
		int64(id.Run), int64(id.Seq), v.Stamp().UnixNano(), strings.Join(v.DataNames(), ","))
	if err != nil {
		return fmt.Errorf("graphdb: archive vertex %v: %w", id, err)
	}
	return nil
}

// ArchiveEdge records an edge with its transform.
func (a *Archive) ArchiveEdge(e *graph.Edge) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	q := e.T.Rotation()
	t := e.T.Translation()
	privileged := 0
	if e.Privileged {
		privileged = 1
	}
	_, err := a.db.Exec(
		`INSERT OR REPLACE INTO edges
		 (from_run, from_seq, to_run, to_seq, qw, qx, qy, qz, tx, ty, tz, privileged)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(e.From.Run), int64(e.From.Seq), int64(e.To.Run), int64(e.To.Seq),
		q.Real, q.Imag, q.Jmag, q.Kmag, t.X, t.Y, t.Z, privileged)
	if err != nil {
		return fmt.Errorf("graphdb: archive edge %v->%v: %w", e.From, e.To, err)
	}
	return nil
}

// LoadGraph rebuilds an in-memory graph from everything archived across
// all sessions. Vertex data streams are not restored; only their names
// were archived.
func (a *Archive) LoadGraph() (*graph.Graph, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	g := graph.New()

	runRows, err := a.db.Query(`SELECT run_id FROM runs ORDER BY run_id`)
	if err != nil {
		return nil, fmt.Errorf("graphdb: load runs: %w", err)
	}
	defer runRows.Close()
	var runs []int64
	for runRows.Next() {
		var id int64
		if err := runRows.Scan(&id); err != nil {
			return nil, fmt.Errorf("graphdb: scan run: %w", err)
		}
		runs = append(runs, id)
	}
	if err := runRows.Err(); err != nil {
		return nil, fmt.Errorf("graphdb: load runs: %w", err)
	}

	for _, runID := range runs {
		got := g.AddRun()
		if int64(got) != runID {
			return nil, fmt.Errorf("graphdb: non-contiguous run ids: have %d, want %d", runID, got)
		}
		rows, err := a.db.Query(
			`SELECT stamp_ns FROM vertices WHERE run_id = ? ORDER BY seq`, runID)
		if err != nil {
			return nil, fmt.Errorf("graphdb: load vertices of run %d: %w", runID, err)
		}
		for rows.Next() {
			var ns int64
			if err := rows.Scan(&ns); err != nil {
				rows.Close()
				return nil, fmt.Errorf("graphdb: scan vertex: %w", err)
			}
			if _, err := g.AddVertex(time.Unix(0, ns)); err != nil {
				rows.Close()
				return nil, fmt.Errorf("graphdb: rebuild vertex: %w", err)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("graphdb: load vertices of run %d: %w", runID, err)
		}
		rows.Close()
	}

	edgeRows, err := a.db.Query(
		`SELECT from_run, from_seq, to_run, to_seq, qw, qx, qy, qz, tx, ty, tz, privileged FROM edges`)
	if err != nil {
		return nil, fmt.Errorf("graphdb: load edges: %w", err)
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var fr, fs, tr, ts int64
		var qw, qx, qy, qz, tx, ty, tz float64
		var privileged int
		if err := edgeRows.Scan(&fr, &fs, &tr, &ts, &qw, &qx, &qy, &qz, &tx, &ty, &tz, &privileged); err != nil {
			return nil, fmt.Errorf("graphdb: scan edge: %w", err)
		}
		from := graph.VertexID{Run: graph.RunID(fr), Seq: uint32(fs)}
		to := graph.VertexID{Run: graph.RunID(tr), Seq: uint32(ts)}
		t := se3.FromQuatTrans(
			quat.Number{Real: qw, Imag: qx, Jmag: qy, Kmag: qz},
			r3.Vec{X: tx, Y: ty, Z: tz})
		if err := g.AddEdge(from, to, t, privileged == 1); err != nil {
			return nil, fmt.Errorf("graphdb: rebuild edge %v->%v: %w", from, to, err)
		}
	}
	if err := edgeRows.Err(); err != nil {
		return nil, fmt.Errorf("graphdb: load edges: %w", err)
	}
	return g, nil
}
