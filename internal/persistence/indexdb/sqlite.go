// Package indexdb maintains a queryable sqlite projection of the
// knowledge stream: order history, mission state transitions and metric
// samples. It is a secondary index; the JSONL event logs remain the
// source of truth. All writes go through one background goroutine so the
// control loop never blocks on the database.
package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"gridcourier/internal/bus"
	"gridcourier/internal/protocol"
)

type SQLiteIndex struct {
	log *log.Logger
	db  *sql.DB

	ch   chan protocol.KnowledgeSnapshot
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	cancels []func()
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		log: log.New(os.Stdout, "[index] ", log.LstdFlags|log.Lmicroseconds),
		db:  db,
		ch:  make(chan protocol.KnowledgeSnapshot, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-style workload; NORMAL is enough durability
	// for a derived index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS orders (
			epoch INTEGER NOT NULL,
			id TEXT NOT NULL,
			house_x INTEGER NOT NULL,
			house_y INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (epoch, id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);`,
		`CREATE TABLE IF NOT EXISTS mission_events (
			epoch INTEGER NOT NULL,
			rev INTEGER NOT NULL,
			state TEXT NOT NULL,
			at TEXT NOT NULL,
			PRIMARY KEY (epoch, rev)
		);`,
		`CREATE TABLE IF NOT EXISTS metric_samples (
			epoch INTEGER NOT NULL,
			rev INTEGER NOT NULL,
			total_deliveries INTEGER NOT NULL,
			total_distance INTEGER NOT NULL,
			replan_count INTEGER NOT NULL,
			avg_delivery_sec REAL NOT NULL,
			at TEXT NOT NULL,
			PRIMARY KEY (epoch, rev)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	return nil
}

// Start taps the knowledge stream on the bus.
func (s *SQLiteIndex) Start(b *bus.Bus) {
	s.cancels = append(s.cancels, b.Subscribe(bus.TopicKnowledgeUpdate, func(env bus.Envelope) {
		snap, ok := env.Payload.(protocol.KnowledgeSnapshot)
		if !ok {
			return
		}
		s.Record(snap)
	}))
}

// Record enqueues one snapshot. Drops when the indexer falls behind.
func (s *SQLiteIndex) Record(snap protocol.KnowledgeSnapshot) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- snap:
	default:
	}
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		for _, c := range s.cancels {
			c()
		}
		s.cancels = nil
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	// A failed prepare disables the index; Record keeps dropping into the
	// closed-off channel without blocking the control loop.
	upsertOrder, err := s.db.Prepare(`INSERT OR REPLACE INTO orders(epoch,id,house_x,house_y,status,created_at,updated_at) VALUES(?,?,?,?,?,?,?)`)
	if err != nil {
		s.log.Printf("prepare orders: %v", err)
		return
	}
	defer upsertOrder.Close()
	insertEvent, err := s.db.Prepare(`INSERT OR REPLACE INTO mission_events(epoch,rev,state,at) VALUES(?,?,?,?)`)
	if err != nil {
		s.log.Printf("prepare mission_events: %v", err)
		return
	}
	defer insertEvent.Close()
	insertMetrics, err := s.db.Prepare(`INSERT OR REPLACE INTO metric_samples(epoch,rev,total_deliveries,total_distance,replan_count,avg_delivery_sec,at) VALUES(?,?,?,?,?,?,?)`)
	if err != nil {
		s.log.Printf("prepare metric_samples: %v", err)
		return
	}
	defer insertMetrics.Close()

	var (
		tx          *sql.Tx
		opCount     int
		lastCommit  = time.Now()
		commitEvery = 256
		commitWait  = 2 * time.Second
		prev        *protocol.KnowledgeSnapshot
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
	}

	for snap := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		now := time.Now().UTC().Format(time.RFC3339Nano)

		if prev != nil && prev.Epoch != snap.Epoch {
			prev = nil
		}

		failed := false
		for _, o := range snap.Orders {
			if prev != nil {
				if po := prev.OrderByID(o.ID); po != nil && po.Status == o.Status {
					continue
				}
			}
			if _, err := tx.Stmt(upsertOrder).Exec(
				int64(snap.Epoch), o.ID, o.House.X, o.House.Y, string(o.Status),
				o.CreatedAt.UTC().Format(time.RFC3339Nano), now,
			); err != nil {
				rollback()
				failed = true
				break
			}
			opCount++
		}
		if failed {
			continue
		}

		if prev == nil || prev.MissionState != snap.MissionState {
			if _, err := tx.Stmt(insertEvent).Exec(
				int64(snap.Epoch), int64(snap.Rev), string(snap.MissionState), now,
			); err != nil {
				rollback()
				continue
			}
			opCount++
		}
		if prev == nil || prev.Metrics != snap.Metrics {
			m := snap.Metrics
			if _, err := tx.Stmt(insertMetrics).Exec(
				int64(snap.Epoch), int64(snap.Rev),
				m.TotalDeliveries, m.TotalDistance, m.ReplanCount, m.AvgDeliverySec, now,
			); err != nil {
				rollback()
				continue
			}
			opCount++
		}

		cp := snap
		prev = &cp

		if opCount >= commitEvery || time.Since(lastCommit) >= commitWait {
			commit()
		}
	}
	commit()
}

// OrderStatusCounts sums stored orders by status for the given epoch.
func (s *SQLiteIndex) OrderStatusCounts(epoch uint64) (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM orders WHERE epoch = ? GROUP BY status`, int64(epoch))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

// MissionStates returns the state transition history for an epoch in rev
// order.
func (s *SQLiteIndex) MissionStates(epoch uint64) ([]string, error) {
	rows, err := s.db.Query(`SELECT state FROM mission_events WHERE epoch = ? ORDER BY rev`, int64(epoch))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// LatestMetrics returns the newest metric sample for an epoch.
func (s *SQLiteIndex) LatestMetrics(epoch uint64) (protocol.Metrics, bool, error) {
	row := s.db.QueryRow(`SELECT total_deliveries,total_distance,replan_count,avg_delivery_sec
		FROM metric_samples WHERE epoch = ? ORDER BY rev DESC LIMIT 1`, int64(epoch))
	var m protocol.Metrics
	err := row.Scan(&m.TotalDeliveries, &m.TotalDistance, &m.ReplanCount, &m.AvgDeliverySec)
	if err == sql.ErrNoRows {
		return m, false, nil
	}
	if err != nil {
		return m, false, err
	}
	return m, true, nil
}
