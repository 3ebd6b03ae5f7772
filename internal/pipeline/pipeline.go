package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"log/slog"

	"geoalign/internal/logging"
	"geoalign/internal/notify"
	"geoalign/internal/storage"
	"geoalign/internal/tasks"
)

// JobType enumerates supported job kinds.
type JobType string

const (
	JobTranslate JobType = "translate"
	JobCheck     JobType = "check"
)

// Job represents a single run request.
type Job struct {
	ID      string        `json:"id"`
	Type    JobType       `json:"type"`
	Request tasks.Request `json:"-"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job     Job
	Summary tasks.Summary
	Reports []tasks.PairReport
	Error   error
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job, progress func(tasks.Progress)) Result
}

// EventType distinguishes broadcast events.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is what subscribers receive: one per computed row and one when the
// job finishes.
type Event struct {
	Type     EventType          `json:"type"`
	RunID    string             `json:"run_id"`
	JobType  JobType            `json:"job_type"`
	Progress *tasks.Progress    `json:"progress,omitempty"`
	Summary  *tasks.Summary     `json:"summary,omitempty"`
	Reports  []tasks.PairReport `json:"reports,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Done reports whether the event ends a job.
func (e Event) Done() bool { return e.Type == EventCompleted || e.Type == EventFailed }

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	store     *storage.Store
	notifier  notify.Notifier
	mu        sync.Mutex
	stopped   bool
	subs      map[int]*subscriber
	nextSubID int
}

// ErrStopped is returned by Submit once Stop has been called.
var ErrStopped = errors.New("pipeline is stopped")

// New creates a Pipeline running task on concurrency workers.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, task *tasks.TranslationTask, notifier notify.Notifier) *Pipeline {
	return newPipeline(ctx, concurrency, logger, store, newRouter(logger, task), notifier)
}

func newPipeline(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, proc Processor, notifier notify.Notifier) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		jobs:      make(chan Job, concurrency*2),
		cancel:    cancel,
		store:     store,
		notifier:  notifier,
		subs:      make(map[int]*subscriber),
	}
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return p
}

// NewID returns a run id such as "run-20240102T030405-0042".
func NewID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%04d", prefix, ts, rand.Intn(10000))
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	job.Request.RunID = job.ID

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if job.Type == JobTranslate {
		optsJSON, _ := json.Marshal(options(job))
		p.ledger("queue", job.ID, p.store.RecordRunQueued(storage.RunRecord{
			ID:          job.ID,
			Status:      storage.StatusQueued,
			SourceDir:   job.Request.SourceDir,
			TargetDir:   job.Request.TargetDir,
			OutputPath:  job.Request.OutputPath,
			OptionsJSON: string(optsJSON),
		}))
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		err := errors.New("job queue is full")
		if job.Type == JobTranslate {
			p.ledger("result", job.ID, p.store.RecordRunResult(job.ID, storage.StatusFailed, 0, 0, err.Error()))
		}
		return err
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()

		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, sub := range p.subs {
			sub.close()
			delete(p.subs, id)
		}
		p.mu.Unlock()
		p.notifier.Close()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(ctx, id, job)
		}
	}
}

func (p *Pipeline) run(ctx context.Context, worker int, job Job) {
	start := time.Now()
	req := job.Request
	logging.LogRunStart(p.log.With("worker", worker, "type", job.Type), job.ID, req.SourceDir, req.TargetDir, req.OutputPath, options(job))
	if job.Type == JobTranslate {
		p.ledger("start", job.ID, p.store.RecordRunStart(job.ID))
	}

	res := p.process(ctx, job)
	duration := time.Since(start)

	if res.Error != nil {
		logging.LogRunError(p.log, job.ID, duration, res.Error)
	} else {
		logging.LogRunComplete(p.log, job.ID, duration, res.Summary.Rows, res.Summary.Matched)
	}

	if job.Type == JobTranslate {
		status := storage.StatusSuccess
		if res.Error != nil {
			status = storage.StatusFailed
		}
		p.ledger("result", job.ID, p.store.RecordRunResult(job.ID, status, res.Summary.Rows, res.Summary.Matched, errString(res.Error)))

		msg := notify.RunMessage{
			RunID:      job.ID,
			Status:     status,
			Rows:       res.Summary.Rows,
			Matched:    res.Summary.Matched,
			Unmatched:  res.Summary.Unmatched,
			Error:      errString(res.Error),
			DurationMS: duration.Milliseconds(),
			Time:       time.Now().UTC(),
		}
		if res.Error == nil {
			msg.OutputPath = req.OutputPath
		}
		if err := p.notifier.Notify(ctx, msg); err != nil {
			p.log.Warn("run notification failed", "id", job.ID, "error", err)
		}
	}

	p.broadcast(res.Event())
}

func (p *Pipeline) process(ctx context.Context, job Job) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("run panicked", "id", job.ID, "panic", r)
			res = Result{Job: job, Error: fmt.Errorf("run %s aborted: %v", job.ID, r)}
		}
	}()
	return p.processor.Process(ctx, job, func(pr tasks.Progress) {
		p.broadcast(Event{Type: EventProgress, RunID: job.ID, JobType: job.Type, Progress: &pr})
	})
}

func (p *Pipeline) ledger(op, id string, err error) {
	if err != nil {
		p.log.Warn("run ledger write failed", "op", op, "id", id, "error", err)
	}
}

// Event converts a finished Result into its broadcast form.
func (r Result) Event() Event {
	ev := Event{RunID: r.Job.ID, JobType: r.Job.Type, Reports: r.Reports}
	if r.Error != nil {
		ev.Type = EventFailed
		ev.Error = r.Error.Error()
		return ev
	}
	ev.Type = EventCompleted
	if r.Job.Type == JobTranslate {
		sum := r.Summary
		ev.Summary = &sum
	}
	return ev
}

// Subscribe returns a channel for receiving events and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	sub := newSubscriber()
	p.subs[id] = sub
	unsub := func() {
		p.mu.Lock()
		if s, ok := p.subs[id]; ok {
			s.close()
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return sub.out, unsub
}

// Await submits job and blocks until its final event arrives.
func (p *Pipeline) Await(ctx context.Context, job Job) (Event, error) {
	return Await(ctx, p, job)
}

// Client is the part of a Pipeline used by front ends.
type Client interface {
	Submit(job Job) error
	Subscribe() (<-chan Event, func())
}

// Await submits job to c and waits for its completed or failed event.
func Await(ctx context.Context, c Client, job Job) (Event, error) {
	events, unsubscribe := c.Subscribe()
	defer unsubscribe()
	if err := c.Submit(job); err != nil {
		return Event{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return Event{}, errors.New("pipeline stopped before completion")
			}
			if ev.RunID != job.ID || !ev.Done() {
				continue
			}
			if ev.Type == EventFailed {
				return ev, errors.New(ev.Error)
			}
			return ev, nil
		}
	}
}

func options(job Job) map[string]string {
	if job.Request.Ports != nil {
		return job.Request.Ports.Strings()
	}
	return map[string]string{"ports_file": job.Request.PortsFile}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, sub := range p.subs {
		if !sub.push(ev) {
			p.log.Warn("event queue full", "subscriber", id, "run", ev.RunID, "type", ev.Type)
		}
	}
}

// subscriberQueue is how many progress events may wait for one subscriber.
const subscriberQueue = 64

// subscriber delivers events in order to out. Progress events beyond
// subscriberQueue are dropped; completed and failed events never are.
type subscriber struct {
	mu        sync.Mutex
	queue     []Event
	wake      chan struct{}
	out       chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscriber() *subscriber {
	s := &subscriber{
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *subscriber) push(ev Event) bool {
	s.mu.Lock()
	if !ev.Done() && len(s.queue) >= subscriberQueue {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}
