// Package audit keeps a batched trail of requests and order status changes.
// Entries are queued on a channel and flushed to the configured sinks either
// when a batch fills up or on a timeout, so the request path never blocks on
// the trail.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

type Entry struct {
	Timestamp time.Time
	OrderID   string
	OldStatus string
	NewStatus string
	Endpoint  string
	Request   string
	Message   string
}

type Sink interface {
	Write(batch []Entry) error
}

type DBSink struct {
	DB *sql.DB
}

func (s *DBSink) Write(batch []Entry) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO audit_logs (timestamp, order_id, old_status, new_status, endpoint, request, message) VALUES `)

	params := make([]interface{}, 0, len(batch)*7)
	for i, rec := range batch {
		if i > 0 {
			sb.WriteString(",")
		}
		base := i * 7
		sb.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7))
		params = append(params, rec.Timestamp, rec.OrderID, rec.OldStatus, rec.NewStatus, rec.Endpoint, rec.Request, rec.Message)
	}

	if _, err := s.DB.Exec(sb.String(), params...); err != nil {
		return fmt.Errorf("audit db sink: %w", err)
	}
	return nil
}

// StdoutSink prints entries whose message contains Filter (all entries when
// Filter is empty).
type StdoutSink struct {
	Filter string
}

func (s *StdoutSink) Write(batch []Entry) error {
	for _, rec := range batch {
		if s.Filter != "" && !strings.Contains(strings.ToLower(rec.Message), strings.ToLower(s.Filter)) {
			continue
		}
		fmt.Printf("AUDIT: %s | order=%s | %s -> %s | %s\n",
			rec.Timestamp.Format(time.RFC3339), rec.OrderID, rec.OldStatus, rec.NewStatus, rec.Message)
	}
	return nil
}

type PoolConfig struct {
	BatchSize   int
	Timeout     time.Duration
	ChannelSize int
}

type WorkerPool struct {
	inputCh   chan Entry
	sinks     []Sink
	batchSize int
	timeout   time.Duration

	wg sync.WaitGroup
}

func NewWorkerPool(cfg PoolConfig, sinks ...Sink) *WorkerPool {
	return &WorkerPool{
		inputCh:   make(chan Entry, cfg.ChannelSize),
		sinks:     sinks,
		batchSize: cfg.BatchSize,
		timeout:   cfg.Timeout,
	}
}

func (p *WorkerPool) Start(ctx context.Context, numWorkers int) {
	for i := 0; i < numWorkers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.worker(ctx)
		}()
	}
}

func (p *WorkerPool) worker(ctx context.Context) {
	var batch []Entry
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				p.flush(batch)
			}
			return
		case rec := <-p.inputCh:
			batch = append(batch, rec)
			if len(batch) >= p.batchSize {
				if !timer.Stop() {
					<-timer.C
				}
				p.flush(batch)
				batch = nil
				timer.Reset(p.timeout)
			}
		case <-timer.C:
			if len(batch) > 0 {
				p.flush(batch)
				batch = nil
			}
			timer.Reset(p.timeout)
		}
	}
}

func (p *WorkerPool) flush(batch []Entry) {
	for _, sink := range p.sinks {
		if err := sink.Write(batch); err != nil {
			log.Printf("audit flush: %v", err)
		}
	}
}

// Log enqueues the entry; when the channel is full the entry is dropped
// rather than blocking the caller.
func (p *WorkerPool) Log(record Entry) {
	select {
	case p.inputCh <- record:
	default:
		log.Println("audit channel full, dropping entry")
	}
}

func (p *WorkerPool) Shutdown(cancel context.CancelFunc) {
	cancel()
	p.wg.Wait()
}
