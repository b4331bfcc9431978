// Package database provides an optional PostgreSQL archive sink for ingested
// events. The core stays purely in-memory; the archiver is an external
// collaborator enabled only when a database URL is configured.
package database

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/hervehildenbrand/threat-radar/pkg/logging"
	"github.com/hervehildenbrand/threat-radar/pkg/models"
)

const (
	batchSize     = 50
	batchInterval = 2 * time.Second
	queueSize     = 10000
)

// Archiver batch-writes accepted events to PostgreSQL.
type Archiver struct {
	db      *sql.DB
	queue   chan models.Event
	done    chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex

	// Stats
	eventsWritten  uint64
	eventsDropped  uint64
	batchesWritten uint64
}

// NewArchiver connects to PostgreSQL and prepares the archive queue.
func NewArchiver(databaseURL string) (*Archiver, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Info("archiver: connected to PostgreSQL")

	return &Archiver{
		db:    db,
		queue: make(chan models.Event, queueSize),
		done:  make(chan struct{}),
	}, nil
}

// Start begins the background writer goroutine.
func (a *Archiver) Start() {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.mu.Unlock()

	a.wg.Add(1)
	go a.writerLoop()
	logging.Info("archiver: started")
}

// Stop gracefully shuts down the archiver, flushing queued events.
func (a *Archiver) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	close(a.done)
	a.wg.Wait()
	a.db.Close()
	logging.Info("archiver: stopped",
		zap.Uint64("written", a.eventsWritten),
		zap.Uint64("dropped", a.eventsDropped),
		zap.Uint64("batches", a.batchesWritten))
}

// Archive queues an event for batch writing. Never blocks the ingest path;
// the queue drops on overflow.
func (a *Archiver) Archive(event models.Event) {
	select {
	case a.queue <- event:
	default:
		a.eventsDropped++
		if a.eventsDropped%1000 == 0 {
			logging.Warn("archiver: queue full", zap.Uint64("dropped", a.eventsDropped))
		}
	}
}

// Stats returns archiver statistics.
func (a *Archiver) Stats() map[string]interface{} {
	return map[string]interface{}{
		"events_written":  a.eventsWritten,
		"events_dropped":  a.eventsDropped,
		"batches_written": a.batchesWritten,
		"queue_len":       len(a.queue),
		"queue_cap":       cap(a.queue),
	}
}

func (a *Archiver) writerLoop() {
	defer a.wg.Done()

	batch := make([]models.Event, 0, batchSize)
	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-a.queue:
			batch = append(batch, event)
			if len(batch) >= batchSize {
				a.writeBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				a.writeBatch(batch)
				batch = batch[:0]
			}

		case <-a.done:
			// Flush remaining events
			close(a.queue)
			for event := range a.queue {
				batch = append(batch, event)
				if len(batch) >= batchSize {
					a.writeBatch(batch)
					batch = batch[:0]
				}
			}
			if len(batch) > 0 {
				a.writeBatch(batch)
			}
			return
		}
	}
}

func (a *Archiver) writeBatch(batch []models.Event) {
	if len(batch) == 0 {
		return
	}

	tx, err := a.db.Begin()
	if err != nil {
		logging.Error("archiver: begin transaction failed", zap.Error(err))
		return
	}
	defer tx.Rollback()

	written := 0
	for _, event := range batch {
		if a.writeEvent(tx, event) {
			written++
		}
	}

	if err := tx.Commit(); err != nil {
		logging.Error("archiver: commit failed", zap.Error(err))
		return
	}

	a.eventsWritten += uint64(written)
	a.batchesWritten++
}

func (a *Archiver) writeEvent(tx *sql.Tx, event models.Event) bool {
	_, err := tx.Exec(`
		INSERT INTO security_events (
			event_id, observed_at, src_ip, src_port, dest_ip, dest_port,
			proto, signature, signature_id, severity, blocked,
			continent, country, region, city, lat, lon
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (event_id) DO NOTHING
	`,
		event.ID,
		event.Timestamp,
		event.SrcIP,
		event.SrcPort,
		event.DestIP,
		event.DestPort,
		event.Proto,
		event.Signature,
		event.SignatureID,
		string(event.Severity),
		event.Blocked,
		event.Geo.Continent,
		event.Geo.Country,
		event.Geo.Region,
		event.Geo.City,
		event.Lat,
		event.Lon,
	)
	if err != nil {
		logging.Error("archiver: insert failed", zap.Error(err))
		return false
	}
	return true
}
