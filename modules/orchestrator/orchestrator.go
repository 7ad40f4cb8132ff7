// Package orchestrator fans a generation batch out into per-pair jobs,
// simulates client-visible progress, and serializes all state changes
// through a single mutex with copy-on-write job snapshots.
package orchestrator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultTickInterval = 100 * time.Millisecond
	defaultStaggerDelay = 500 * time.Millisecond
)

// GenerateFunc executes one generation call. The orchestrator never talks
// to the provider directly; main wires this to the quota check plus the
// generate service, and tests inject fakes.
type GenerateFunc func(ctx context.Context, req JobRequest) (*JobResult, error)

// Options tune the timing knobs. Zero or negative values use the
// production defaults.
type Options struct {
	TickInterval time.Duration
	StaggerDelay time.Duration
}

// Orchestrator owns the job list. The published slice is immutable: every
// mutation replaces the whole slice under the mutex, so readers can hold a
// snapshot without locking.
type Orchestrator struct {
	mu         sync.Mutex
	jobs       []Job // newest first
	seq        uint64
	selectedID string
	subs       []chan struct{}
	onNotice   func(message string)

	generate GenerateFunc
	tick     time.Duration
	stagger  time.Duration
}

func New(generate GenerateFunc, opts Options) *Orchestrator {
	tick := opts.TickInterval
	if tick <= 0 {
		tick = defaultTickInterval
	}
	stagger := opts.StaggerDelay
	if stagger <= 0 {
		stagger = defaultStaggerDelay
	}
	return &Orchestrator{
		generate: generate,
		tick:     tick,
		stagger:  stagger,
	}
}

// SetNoticeFunc registers the user-facing message sink.
func (o *Orchestrator) SetNoticeFunc(fn func(message string)) {
	o.mu.Lock()
	o.onNotice = fn
	o.mu.Unlock()
}

// Subscribe returns a channel signaled whenever the job list changes.
// Signals coalesce: a slow reader sees at least one signal per burst.
func (o *Orchestrator) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	o.mu.Lock()
	o.subs = append(o.subs, ch)
	o.mu.Unlock()
	return ch
}

// StartBatch enumerates (model, product) pairs, registers one loading job
// per pair, and dispatches them with a fixed stagger. Returns the new jobs
// in creation order.
func (o *Orchestrator) StartBatch(req BatchRequest) ([]Job, error) {
	if len(req.Models) == 0 || len(req.Products) == 0 {
		return nil, errors.New("at least one model image and one product image are required")
	}
	if req.Prompt == "" {
		return nil, errors.New("prompt is required")
	}

	pairs := enumeratePairs(len(req.Models), len(req.Products), req.AllCombinations)

	now := time.Now()
	created := make([]Job, 0, len(pairs))

	o.mu.Lock()
	for _, p := range pairs {
		o.seq++
		job := Job{
			ID:           uuid.NewString(),
			Seq:          o.seq,
			Status:       StatusLoading,
			ModelIndex:   p.model,
			ProductIndex: p.product,
			Prompt:       req.Prompt,
			AspectRatio:  req.AspectRatio,
			CreatedAt:    now,
			done:         make(chan struct{}),
		}
		o.jobs = prepend(o.jobs, job)
		created = append(created, job)
	}
	// First job of the batch drives the thumbnail.
	o.selectedID = created[0].ID
	o.mu.Unlock()
	o.signal()

	log.Printf("🚀 Starting batch: %d jobs (%d models × %d products, allCombinations=%v)",
		len(created), len(req.Models), len(req.Products), req.AllCombinations)

	for k, job := range created {
		jobReq := JobRequest{
			ModelImage:   req.Models[pairs[k].model],
			ProductImage: req.Products[pairs[k].product],
			Prompt:       req.Prompt,
			AspectRatio:  req.AspectRatio,
			ClientID:     req.ClientID,
			Referer:      req.Referer,
		}
		go o.simulateProgress(job.ID, job.done)
		go o.dispatch(job, jobReq, time.Duration(k)*o.stagger)
	}

	return created, nil
}

type pair struct {
	model, product int
}

// enumeratePairs walks models in the outer loop and products in the inner
// loop, so a 2×3 batch yields (0,0) (0,1) (0,2) (1,0) (1,1) (1,2). Without
// allCombinations only model 0 participates.
func enumeratePairs(models, products int, allCombinations bool) []pair {
	if !allCombinations {
		models = 1
	}
	pairs := make([]pair, 0, models*products)
	for m := 0; m < models; m++ {
		for p := 0; p < products; p++ {
			pairs = append(pairs, pair{model: m, product: p})
		}
	}
	return pairs
}

// dispatch waits out the stagger delay, then runs the generation call. The
// job's done channel doubles as context cancellation, so a user cancel
// aborts both the delay and the provider call.
func (o *Orchestrator) dispatch(job Job, req JobRequest, delay time.Duration) {
	ctx := &jobCtx{Context: context.Background(), done: job.done}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}

	result, err := o.generate(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled while in flight; CancelJob already settled the state.
			return
		}
		o.failJob(job.ID, err.Error())
		return
	}
	o.completeJob(job.ID, result)
}

// jobCtx adapts the job's done channel into a context so terminal
// transitions abort in-flight provider calls.
type jobCtx struct {
	context.Context
	done chan struct{}
}

func (c *jobCtx) Done() <-chan struct{} { return c.done }

func (c *jobCtx) Err() error {
	select {
	case <-c.done:
		return context.Canceled
	default:
		return nil
	}
}

// simulateProgress advances the job's progress on every tick until the job
// reaches a terminal state. Growth decelerates as progress rises and never
// passes 98 while loading; only completion sets 100.
func (o *Orchestrator) simulateProgress(id string, done chan struct{}) {
	ticker := time.NewTicker(o.tick)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			o.updateJob(id, func(j *Job) bool {
				if j.Status != StatusLoading {
					return false
				}
				next := nextProgress(j.Progress)
				if next == j.Progress {
					return false
				}
				j.Progress = next
				return true
			})
		}
	}
}

// nextProgress implements the decelerating growth curve.
func nextProgress(p float64) float64 {
	var step float64
	switch {
	case p < 25:
		step = 1.5
	case p < 50:
		step = 1.2
	case p < 75:
		step = 1.0
	case p < 90:
		step = 0.8
	case p < 96:
		step = 0.5
	case p < 98:
		step = 0.2
	default:
		return 98
	}
	next := p + step
	if next > 98 {
		return 98
	}
	return next
}

// updateJob applies fn to a copy of the job and publishes a new slice if fn
// reports a change. All state transitions funnel through here; fn runs with
// the mutex held.
func (o *Orchestrator) updateJob(id string, fn func(*Job) bool) bool {
	o.mu.Lock()
	idx := -1
	for i := range o.jobs {
		if o.jobs[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		o.mu.Unlock()
		return false
	}

	next := make([]Job, len(o.jobs))
	copy(next, o.jobs)
	if !fn(&next[idx]) {
		o.mu.Unlock()
		return false
	}
	o.jobs = next
	o.mu.Unlock()

	o.signal()
	return true
}

// completeJob settles a successful generation. A job that already left the
// loading state (typically cancelled) is never overwritten.
func (o *Orchestrator) completeJob(id string, result *JobResult) {
	changed := o.updateJob(id, func(j *Job) bool {
		if j.Status != StatusLoading {
			return false
		}
		j.Status = StatusComplete
		j.Progress = 100
		j.ResultImageURL = result.URL
		j.Description = result.Description
		j.ThumbnailLoaded = j.ID == o.selectedID
		close(j.done)
		return true
	})
	if !changed {
		return
	}

	o.mu.Lock()
	idle := o.idleLocked()
	notice := o.onNotice
	o.mu.Unlock()

	log.Printf("✅ Job %s complete", id)
	if idle && notice != nil {
		notice("All virtual try-on images generated!")
	}
}

// failJob settles a failed generation. The failure message also goes out
// as a notice so connected clients see a toast, not just the job state.
func (o *Orchestrator) failJob(id string, message string) {
	changed := o.updateJob(id, func(j *Job) bool {
		if j.Status != StatusLoading {
			return false
		}
		j.Status = StatusError
		j.Progress = 0
		j.ErrorMessage = message
		close(j.done)
		return true
	})
	if !changed {
		return
	}

	o.mu.Lock()
	notice := o.onNotice
	o.mu.Unlock()
	if notice != nil {
		notice(message)
	}

	log.Printf("❌ Job %s failed: %s", id, message)
}

// CancelJob settles the job as cancelled before the in-flight call can
// return, so a provider success racing the cancel never wins. Closing the
// done channel aborts the dispatch context.
func (o *Orchestrator) CancelJob(id string) error {
	changed := o.updateJob(id, func(j *Job) bool {
		if j.IsTerminal() {
			return false
		}
		j.Status = StatusCancelled
		j.Progress = 0
		j.ErrorMessage = "Cancelled by user"
		close(j.done)
		return true
	})
	if !changed {
		return errors.New("job not found or already finished")
	}

	o.mu.Lock()
	notice := o.onNotice
	o.mu.Unlock()
	if notice != nil {
		notice("Generation cancelled")
	}

	log.Printf("🛑 Job %s cancelled by user", id)
	return nil
}

// Jobs returns a snapshot, newest first.
func (o *Orchestrator) Jobs() []Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Job, len(o.jobs))
	copy(out, o.jobs)
	return out
}

// Job returns one job by id.
func (o *Orchestrator) Job(id string) (Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.jobs {
		if o.jobs[i].ID == id {
			return o.jobs[i], true
		}
	}
	return Job{}, false
}

// SelectedJob returns the job currently driving the thumbnail.
func (o *Orchestrator) SelectedJob() (Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.jobs {
		if o.jobs[i].ID == o.selectedID {
			return o.jobs[i], true
		}
	}
	return Job{}, false
}

// SelectJob moves the thumbnail selection to another job.
func (o *Orchestrator) SelectJob(id string) bool {
	o.mu.Lock()
	found := false
	for i := range o.jobs {
		if o.jobs[i].ID == id {
			o.selectedID = id
			found = true
			break
		}
	}
	o.mu.Unlock()
	if found {
		o.signal()
	}
	return found
}

// Clear drops finished jobs. Loading jobs survive so an in-flight batch
// keeps reporting.
func (o *Orchestrator) Clear() int {
	o.mu.Lock()
	var kept []Job
	removed := 0
	for i := range o.jobs {
		if o.jobs[i].Status == StatusLoading {
			kept = append(kept, o.jobs[i])
		} else {
			removed++
		}
	}
	o.jobs = kept
	o.mu.Unlock()

	if removed > 0 {
		o.signal()
		log.Printf("🧹 Cleared %d finished jobs", removed)
	}
	return removed
}

// Idle reports whether no job is currently loading.
func (o *Orchestrator) Idle() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.idleLocked()
}

func (o *Orchestrator) idleLocked() bool {
	for i := range o.jobs {
		if o.jobs[i].Status == StatusLoading {
			return false
		}
	}
	return true
}

func (o *Orchestrator) signal() {
	o.mu.Lock()
	subs := o.subs
	o.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func prepend(jobs []Job, job Job) []Job {
	next := make([]Job, 0, len(jobs)+1)
	next = append(next, job)
	return append(next, jobs...)
}
