// Package dispatch pushes processing work to connected workers over
// WebSocket and serves their pull requests. A worker is a file-processing
// shard holding one persistent connection; connection state (busy flag, last
// update, accepted job) lives in memory only and is rebuilt on reconnect.
package dispatch

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flotillahq/flotilla/internal/namespace"
)

// Config holds the dispatcher timeouts. Zero fields fall back to defaults.
type Config struct {
	// AckTimeout is how long a pushed job waits for the worker's accept or
	// reject before being requeued.
	AckTimeout time.Duration
	// JobTimeout is the per-job watchdog: an accepted job with no terminal
	// report within this window is taken back.
	JobTimeout time.Duration
	// WorkerTimeout evicts workers whose last update is older than this.
	WorkerTimeout time.Duration
}

func (c *Config) defaults() {
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = 10 * time.Minute
	}
	if c.WorkerTimeout == 0 {
		c.WorkerTimeout = time.Minute
	}
}

// worker is the in-memory state of one connected processing shard.
type worker struct {
	shardID    string
	send       func(v any) error
	busy       bool
	lastUpdate time.Time
	jobID      string // accepted job not yet terminally reported
	watchdog   *time.Timer
}

// Stats summarizes dispatcher state for the health endpoint.
type Stats struct {
	WorkersTotal int `json:"workers_total"`
	WorkersIdle  int `json:"workers_idle"`
	QueueDepth   int `json:"queue_depth"`
}

// Dispatcher owns the worker pool and the pending job queue. Every mutation
// of the pool or queue happens under mu; state is copied out before any
// network or database call, so no lock is ever held across I/O.
type Dispatcher struct {
	ns  *namespace.Service
	cfg Config

	mu      sync.Mutex
	workers map[string]*worker
	pending []namespace.Entry
	tracked map[string]bool      // queued or in flight, keyed by entry ID
	acks    map[string]chan bool // requestId -> pending new-file-ack
	orphans map[string]*worker   // accepted job ID -> disconnected holder
}

// NewDispatcher creates a Dispatcher over the namespace service.
func NewDispatcher(ns *namespace.Service, cfg Config) *Dispatcher {
	cfg.defaults()
	return &Dispatcher{
		ns:      ns,
		cfg:     cfg,
		workers: make(map[string]*worker),
		tracked: make(map[string]bool),
		acks:    make(map[string]chan bool),
		orphans: make(map[string]*worker),
	}
}

// Attach registers a worker connection. A reconnect replaces the previous
// connection; an accepted job on the old one stays claimed under its
// watchdog, since the worker may still be processing it.
func (d *Dispatcher) Attach(shardID string, send func(v any) error) {
	d.mu.Lock()
	old := d.workers[shardID]
	d.workers[shardID] = &worker{
		shardID:    shardID,
		send:       send,
		lastUpdate: time.Now(),
	}
	if old != nil && old.jobID != "" {
		d.orphans[old.jobID] = old
	}
	d.mu.Unlock()

	log.Printf("[dispatch] worker %s connected", shardID)
	d.drain()
}

// Detach removes a worker connection. The disconnect alone does not take back
// an accepted job: the worker may reconnect, or finish and report over the
// shard plane. The job watchdog requeues it if neither happens in time.
func (d *Dispatcher) Detach(shardID string) {
	d.mu.Lock()
	w, ok := d.workers[shardID]
	if ok {
		delete(d.workers, shardID)
		if w.jobID != "" {
			d.orphans[w.jobID] = w
		}
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	log.Printf("[dispatch] worker %s disconnected", shardID)
}

// Dispatch offers an entry to the worker pool. Entries already queued or in
// flight are ignored, so the background scan can re-offer freely.
func (d *Dispatcher) Dispatch(e namespace.Entry) {
	d.mu.Lock()
	if d.tracked[e.ID] {
		d.mu.Unlock()
		return
	}
	d.tracked[e.ID] = true
	d.mu.Unlock()
	d.offer(e, false)
}

// Cancel withdraws an entry: dequeued if still pending, or a work-cancelled
// frame is pushed to the worker holding it.
func (d *Dispatcher) Cancel(fileID string) {
	d.mu.Lock()
	delete(d.tracked, fileID)
	for i := range d.pending {
		if d.pending[i].ID == fileID {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			d.mu.Unlock()
			return
		}
	}
	var send func(v any) error
	accepted := false
	for _, w := range d.workers {
		if w.jobID == fileID {
			w.jobID = ""
			w.busy = false
			stopWatchdog(w)
			send = w.send
			accepted = true
			break
		}
	}
	if o, ok := d.orphans[fileID]; ok {
		stopWatchdog(o)
		delete(d.orphans, fileID)
		accepted = true
	}
	d.mu.Unlock()

	if !accepted {
		return
	}
	if err := d.ns.ReleaseWork(fileID); err != nil {
		log.Printf("[dispatch] release after cancel failed: %v", err)
	}
	if send != nil {
		// Fire and forget. The worker discards the job on receipt.
		if err := send(WSResponse{Type: msgWorkCancelled, Payload: cancelPayload{FileID: fileID}}); err != nil {
			log.Printf("[dispatch] cancel push failed: %v", err)
		}
		d.drain()
	}
}

// ResolveAck completes a pending new-file push with the worker's decision.
func (d *Dispatcher) ResolveAck(requestID string, accept bool) {
	d.mu.Lock()
	ch, ok := d.acks[requestID]
	if ok {
		delete(d.acks, requestID)
	}
	d.mu.Unlock()
	if ok {
		ch <- accept
	}
}

// MarkFile persists a worker's status report. A terminal status frees the
// worker and pulls the next pending job.
func (d *Dispatcher) MarkFile(shardID, fileID, status string) error {
	if err := d.ns.MarkTranscode(fileID, status); err != nil {
		return err
	}
	if !namespace.IsTerminalTranscode(status) {
		d.touch(shardID)
		return nil
	}

	d.mu.Lock()
	delete(d.tracked, fileID)
	if w, ok := d.workers[shardID]; ok && w.jobID == fileID {
		w.jobID = ""
		w.busy = false
		w.lastUpdate = time.Now()
		stopWatchdog(w)
	}
	if o, ok := d.orphans[fileID]; ok {
		// The holder disconnected but finished anyway.
		stopWatchdog(o)
		delete(d.orphans, fileID)
	}
	d.mu.Unlock()

	log.Printf("[dispatch] file %s marked %s by %s", fileID, status, shardID)
	d.drain()
	return nil
}

// StatusUpdate refreshes a worker's busy flag. A busy-to-idle transition
// drains the queue. A worker holding an accepted job stays busy no matter
// what it reports; mark-file is the only way out of that job.
func (d *Dispatcher) StatusUpdate(shardID string, isBusy bool) {
	d.mu.Lock()
	w, ok := d.workers[shardID]
	if !ok {
		d.mu.Unlock()
		return
	}
	w.lastUpdate = time.Now()
	wasBusy := w.busy
	w.busy = isBusy || w.jobID != ""
	becameIdle := wasBusy && !w.busy
	d.mu.Unlock()

	if becameIdle {
		d.drain()
	}
}

// RequestWork hands out up to max eligible entries, each atomically claimed
// before it is returned. Entries already queued for push are skipped.
func (d *Dispatcher) RequestWork(shardID string, max int) ([]namespace.Entry, error) {
	d.touch(shardID)
	candidates, err := d.ns.FindEligibleWork(max)
	if err != nil {
		return nil, err
	}

	var out []namespace.Entry
	for _, e := range candidates {
		d.mu.Lock()
		queued := d.tracked[e.ID]
		d.mu.Unlock()
		if queued {
			continue
		}
		if err := d.ns.ClaimWork(e.ID); err != nil {
			if errors.Is(err, namespace.ErrAlreadyExists) {
				continue
			}
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ClaimWork claims a single entry on a worker's behalf.
func (d *Dispatcher) ClaimWork(shardID, fileID string) error {
	d.touch(shardID)
	return d.ns.ClaimWork(fileID)
}

// Snapshot returns pool and queue statistics.
func (d *Dispatcher) Snapshot() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := Stats{WorkersTotal: len(d.workers), QueueDepth: len(d.pending)}
	for _, w := range d.workers {
		if !w.busy {
			st.WorkersIdle++
		}
	}
	return st
}

// StartLoops runs the background scan and the stale-worker reaper until ctx
// is cancelled.
func (d *Dispatcher) StartLoops(ctx context.Context, scanInterval time.Duration) {
	go d.scanLoop(ctx, scanInterval)
	go d.reapLoop(ctx)
}

func (d *Dispatcher) scanLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := d.ns.FindEligibleWork(10)
			if err != nil {
				log.Printf("[dispatch] work scan failed: %v", err)
				continue
			}
			for _, e := range entries {
				d.Dispatch(e)
			}
			// Retry anything requeued by earlier rejects.
			d.drain()
		}
	}
}

func (d *Dispatcher) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.WorkerTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.reapStale()
		}
	}
}

// reapStale evicts workers whose last update exceeds the worker timeout and
// requeues whatever they held.
func (d *Dispatcher) reapStale() {
	cutoff := time.Now().Add(-d.cfg.WorkerTimeout)

	d.mu.Lock()
	var stale []*worker
	for id, w := range d.workers {
		if w.lastUpdate.Before(cutoff) {
			delete(d.workers, id)
			stale = append(stale, w)
		}
	}
	d.mu.Unlock()

	for _, w := range stale {
		log.Printf("[dispatch] evicting stale worker %s", w.shardID)
		d.reclaim(w)
	}
}

// offer reserves an idle worker for a tracked entry and pushes to it in a
// separate goroutine, or queues the entry when every worker is busy. The
// push must not run on the caller's goroutine: a websocket read loop that
// called in would otherwise block waiting for an ack only it can read.
func (d *Dispatcher) offer(e namespace.Entry, front bool) {
	d.mu.Lock()
	var w *worker
	for _, cand := range d.workers {
		if !cand.busy {
			w = cand
			break
		}
	}
	if w == nil {
		if front {
			d.pending = append([]namespace.Entry{e}, d.pending...)
		} else {
			d.pending = append(d.pending, e)
		}
		d.mu.Unlock()
		return
	}

	w.busy = true
	requestID := uuid.New().String()
	ch := make(chan bool, 1)
	d.acks[requestID] = ch
	send := w.send
	shardID := w.shardID
	d.mu.Unlock()

	go d.push(shardID, send, requestID, ch, e)
}

// push sends new-file to a reserved worker and settles the outcome: accept
// claims the entry and arms the watchdog; reject, timeout, or a dead
// connection requeues the entry at the front and frees the worker.
func (d *Dispatcher) push(shardID string, send func(v any) error, requestID string, ch chan bool, e namespace.Entry) {
	accept := false
	err := send(WSResponse{Type: msgNewFile, Payload: newFilePayload{RequestID: requestID, File: e}})
	if err == nil {
		select {
		case accept = <-ch:
		case <-time.After(d.cfg.AckTimeout):
		}
	}

	d.mu.Lock()
	delete(d.acks, requestID)
	d.mu.Unlock()

	if !accept {
		d.mu.Lock()
		d.pending = append([]namespace.Entry{e}, d.pending...)
		if cur, ok := d.workers[shardID]; ok {
			cur.busy = false
		}
		otherIdle := false
		for id, w := range d.workers {
			if id != shardID && !w.busy {
				otherIdle = true
				break
			}
		}
		d.mu.Unlock()
		log.Printf("[dispatch] file %s not accepted by %s, requeued", e.ID, shardID)
		// Another idle worker can take it right away. A lone rejecting
		// worker waits for the next scan instead of being offered the same
		// job in a tight loop.
		if otherIdle {
			d.drain()
		}
		return
	}

	if err := d.ns.ClaimWork(e.ID); err != nil {
		// Someone else claimed it between eligibility and accept. The push
		// is void; free the worker and forget the entry.
		d.mu.Lock()
		delete(d.tracked, e.ID)
		if cur, ok := d.workers[shardID]; ok {
			cur.busy = false
		}
		d.mu.Unlock()
		if !errors.Is(err, namespace.ErrAlreadyExists) {
			log.Printf("[dispatch] claim after accept failed: %v", err)
		}
		d.drain()
		return
	}

	d.mu.Lock()
	if cur, ok := d.workers[shardID]; ok {
		cur.jobID = e.ID
		cur.lastUpdate = time.Now()
		id := e.ID
		cur.watchdog = time.AfterFunc(d.cfg.JobTimeout, func() { d.jobTimedOut(shardID, id) })
	}
	d.mu.Unlock()
	log.Printf("[dispatch] file %s accepted by %s", e.ID, shardID)
}

// jobTimedOut is the watchdog callback for an accepted job that never reached
// a terminal status.
func (d *Dispatcher) jobTimedOut(shardID, fileID string) {
	d.mu.Lock()
	if w, ok := d.workers[shardID]; ok && w.jobID == fileID {
		w.jobID = ""
		w.busy = false
		w.watchdog = nil
	} else if o, ok := d.orphans[fileID]; ok && o.shardID == shardID {
		delete(d.orphans, fileID)
	} else {
		d.mu.Unlock()
		return
	}
	d.pending = append([]namespace.Entry{{ID: fileID}}, d.pending...)
	d.mu.Unlock()

	log.Printf("[dispatch] job %s on %s timed out, requeued", fileID, shardID)
	if err := d.ns.ReleaseWork(fileID); err != nil {
		log.Printf("[dispatch] release after timeout failed: %v", err)
	}
	d.drain()
}

// reclaim requeues an evicted worker's accepted job and releases its claim.
// Only staleness eviction calls this; a plain disconnect keeps the job armed.
func (d *Dispatcher) reclaim(w *worker) {
	d.mu.Lock()
	stopWatchdog(w)
	jobID := w.jobID
	w.jobID = ""
	if jobID != "" {
		d.pending = append([]namespace.Entry{{ID: jobID}}, d.pending...)
	}
	d.mu.Unlock()

	if jobID == "" {
		return
	}
	if err := d.ns.ReleaseWork(jobID); err != nil {
		log.Printf("[dispatch] release after disconnect failed: %v", err)
	}
	d.drain()
}

// drain moves queued entries to idle workers until one of the two runs out.
func (d *Dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.pending) == 0 {
			d.mu.Unlock()
			return
		}
		idle := false
		for _, w := range d.workers {
			if !w.busy {
				idle = true
				break
			}
		}
		if !idle {
			d.mu.Unlock()
			return
		}
		e := d.pending[0]
		d.pending = d.pending[1:]
		d.mu.Unlock()

		// Entries requeued by the watchdog or a disconnect carry only their
		// ID. Refresh from the store; an entry that is no longer eligible
		// (deleted, or completed by the worker after all) is dropped.
		if e.Status == "" {
			full, err := d.ns.FindEligibleWork(50)
			if err != nil {
				log.Printf("[dispatch] refresh of requeued job failed: %v", err)
				d.mu.Lock()
				delete(d.tracked, e.ID)
				d.mu.Unlock()
				continue
			}
			found := false
			for _, cand := range full {
				if cand.ID == e.ID {
					e = cand
					found = true
					break
				}
			}
			if !found {
				d.mu.Lock()
				delete(d.tracked, e.ID)
				d.mu.Unlock()
				continue
			}
		}
		d.offer(e, true)
	}
}

// touch refreshes a worker's lastUpdate without changing its busy state.
func (d *Dispatcher) touch(shardID string) {
	d.mu.Lock()
	if w, ok := d.workers[shardID]; ok {
		w.lastUpdate = time.Now()
	}
	d.mu.Unlock()
}

func stopWatchdog(w *worker) {
	if w.watchdog != nil {
		w.watchdog.Stop()
		w.watchdog = nil
	}
}
