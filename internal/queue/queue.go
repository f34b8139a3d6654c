// Package queue schedules agent runs. Every session key is a serial lane
// (at most one active run); session lanes are gated by named global lanes
// with concurrency caps. Arrivals while a run is active are resolved by the
// session's queue mode: interrupt, steer, followup, collect, or
// steer-backlog.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/botgatehq/botgate/internal/bus"
)

// Mode decides what an arrival does when its session already has an
// active run.
type Mode string

const (
	// ModeInterrupt cancels the active run and starts the new one.
	ModeInterrupt Mode = "interrupt"
	// ModeSteer injects the arrival into the active run at its next tool
	// boundary. Arrivals the run never consumes become followups.
	ModeSteer Mode = "steer"
	// ModeFollowup queues the arrival to run after the active run.
	ModeFollowup Mode = "followup"
	// ModeCollect merges queued arrivals into a single followup run.
	ModeCollect Mode = "collect"
	// ModeSteerBacklog steers the active run and also queues a followup
	// copy, so the arrival gets a full turn of its own afterwards.
	ModeSteerBacklog Mode = "steer-backlog"
)

// Run statuses reported to the completion callback.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusCancelled = "cancelled"
	StatusTimeout   = "timeout"
)

// ErrQueueFull is returned when the backlog is at cap and the drop policy
// rejects the new arrival.
var ErrQueueFull = errors.New("queue: session backlog full")

// ErrStopped is returned when submitting to a stopped scheduler.
var ErrStopped = errors.New("queue: scheduler stopped")

// Job is one scheduled agent run.
type Job struct {
	RunID      string
	SessionKey string
	Lane       string
	Mode       Mode
	Env        bus.Envelope
	Deadline   time.Duration // 0 = scheduler default
	AcceptedAt time.Time     // stamped on Submit; the deadline counts from here

	// Collected counts how many arrivals were merged into this job.
	Collected int

	// tagged marks a merged body whose lines carry sender prefixes.
	tagged bool
}

// ExecFunc runs a job. ctx carries the run deadline and is cancelled on
// interrupt or shutdown; implementations must return promptly when it ends.
type ExecFunc func(ctx context.Context, job Job) error

// DoneFunc observes a finished run with its terminal status.
type DoneFunc func(job Job, status string, err error)

// Options tunes the scheduler.
type Options struct {
	Lanes    map[string]int // lane name → concurrency cap (0 = unlimited)
	Cap      int            // backlog cap per session (default 20)
	Drop     string         // "old" (default), "new", "summarize"
	Debounce time.Duration  // post-run quiet window before followups (default 2s)
	Deadline time.Duration  // default run deadline (default 10m)
}

// Scheduler is the lane scheduler.
type Scheduler struct {
	mu       sync.Mutex
	lanes    map[string]*laneState
	sessions map[string]*sessionState
	exec     ExecFunc
	done     DoneFunc
	opts     Options
	log      *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

type laneState struct {
	cap     int
	active  int
	waiting []string // session keys ready to start, FIFO
}

type sessionState struct {
	key     string
	active  *activeRun
	backlog []Job
	quiet   *time.Timer // post-run debounce before next followup
	ready   bool        // parked in a lane waiting list
	dropped []string    // summaries of cap-dropped arrivals, prefixed to the next launch
}

type activeRun struct {
	job    Job
	cancel context.CancelCauseFunc
	steer  []bus.Envelope // pending steering, drained at tool boundaries
}

var errInterrupted = errors.New("queue: interrupted")

// New creates a scheduler. exec runs jobs; done observes completions and
// may be nil.
func New(opts Options, exec ExecFunc, done DoneFunc, log *slog.Logger) *Scheduler {
	if opts.Cap <= 0 {
		opts.Cap = 20
	}
	if opts.Drop == "" {
		opts.Drop = "old"
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		lanes:    make(map[string]*laneState),
		sessions: make(map[string]*sessionState),
		exec:     exec,
		done:     done,
		opts:     opts,
		log:      log.With("component", "queue"),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	for name, cap := range opts.Lanes {
		s.lanes[name] = &laneState{cap: cap}
	}
	return s
}

func (s *Scheduler) lane(name string) *laneState {
	l, ok := s.lanes[name]
	if !ok {
		l = &laneState{cap: 0}
		s.lanes[name] = l
	}
	return l
}

func (s *Scheduler) session(key string) *sessionState {
	st, ok := s.sessions[key]
	if !ok {
		st = &sessionState{key: key}
		s.sessions[key] = st
	}
	return st
}

// Submit routes an arrival through the session's queue mode.
func (s *Scheduler) Submit(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if job.Mode == "" {
		job.Mode = ModeCollect
	}
	if job.Collected == 0 {
		job.Collected = 1
	}
	if job.AcceptedAt.IsZero() {
		job.AcceptedAt = time.Now()
	}

	st := s.session(job.SessionKey)

	if st.active == nil {
		// Idle session. During the post-run quiet window, collect-style
		// arrivals join the backlog instead of starting immediately.
		if st.quiet != nil && (job.Mode == ModeCollect || job.Mode == ModeFollowup || job.Mode == ModeSteerBacklog) {
			if err := s.enqueueLocked(st, job); err != nil {
				return err
			}
			st.quiet.Reset(s.opts.Debounce)
			return nil
		}
		s.stopQuietLocked(st)
		return s.startOrParkLocked(st, job)
	}

	switch job.Mode {
	case ModeInterrupt:
		s.log.Info("interrupting run", "session", job.SessionKey, "run_id", st.active.job.RunID)
		st.active.cancel(errInterrupted)
		st.backlog = append([]Job{job}, st.backlog...)
		return nil
	case ModeSteer:
		st.active.steer = append(st.active.steer, job.Env)
		return nil
	case ModeSteerBacklog:
		st.active.steer = append(st.active.steer, job.Env)
		return s.enqueueLocked(st, job)
	case ModeFollowup, ModeCollect:
		return s.enqueueLocked(st, job)
	default:
		return s.enqueueLocked(st, job)
	}
}

// enqueueLocked adds a job to the session backlog, merging under collect
// mode and enforcing the cap with the configured drop policy.
func (s *Scheduler) enqueueLocked(st *sessionState, job Job) error {
	if job.Mode == ModeCollect && len(st.backlog) > 0 {
		last := &st.backlog[len(st.backlog)-1]
		if last.Mode == ModeCollect {
			*last = mergeJobs(*last, job)
			return nil
		}
	}

	if len(st.backlog) >= s.opts.Cap {
		switch s.opts.Drop {
		case "new":
			s.log.Warn("backlog full, dropping arrival", "session", st.key)
			return ErrQueueFull
		case "summarize":
			// Drop the oldest entry but keep a one-line summary of it;
			// the next launch carries the summaries as a preface.
			st.dropped = append(st.dropped, summaryLine(st.backlog[0].Env))
			st.backlog = st.backlog[1:]
			s.log.Warn("backlog full, summarizing oldest", "session", st.key)
		default: // "old"
			s.log.Warn("backlog full, dropping oldest", "session", st.key)
			st.backlog = st.backlog[1:]
		}
	}
	st.backlog = append(st.backlog, job)
	return nil
}

// mergeJobs folds src into dst: bodies concatenated in arrival order,
// reply context from the newest arrival. Once arrivals from different
// senders meet, every body keeps its sender tag so the merged turn stays
// attributable.
func mergeJobs(dst, src Job) Job {
	merged := src
	merged.RunID = dst.RunID
	merged.tagged = dst.tagged ||
		(dst.Env.SenderName != src.Env.SenderName && dst.Env.SenderName != "" && src.Env.SenderName != "")

	dstBody := dst.Env.Body
	if merged.tagged && !dst.tagged && dstBody != "" {
		dstBody = dst.Env.SenderName + ": " + dstBody
	}
	srcBody := src.Env.Body
	if merged.tagged && srcBody != "" {
		srcBody = src.Env.SenderName + ": " + srcBody
	}

	bodies := make([]string, 0, 2)
	if dstBody != "" {
		bodies = append(bodies, dstBody)
	}
	if srcBody != "" {
		bodies = append(bodies, srcBody)
	}
	merged.Env.Body = strings.Join(bodies, "\n")
	if merged.tagged {
		meta := make(map[string]string, len(src.Env.Metadata)+1)
		for k, v := range src.Env.Metadata {
			meta[k] = v
		}
		meta[bus.MetaMultiSender] = "1"
		merged.Env.Metadata = meta
	}
	merged.Env.Timestamp = dst.Env.Timestamp
	merged.Env.Attachments = append(append([]bus.Attachment{}, dst.Env.Attachments...), src.Env.Attachments...)
	merged.Collected = dst.Collected + src.Collected
	return merged
}

// startOrParkLocked launches the job if its global lane has headroom,
// otherwise parks the session in the lane's FIFO with the job at the head
// of its backlog.
func (s *Scheduler) startOrParkLocked(st *sessionState, job Job) error {
	l := s.lane(job.Lane)
	if l.cap > 0 && l.active >= l.cap {
		st.backlog = append([]Job{job}, st.backlog...)
		if !st.ready {
			st.ready = true
			l.waiting = append(l.waiting, st.key)
		}
		return nil
	}
	s.launchLocked(st, l, job)
	return nil
}

func (s *Scheduler) launchLocked(st *sessionState, l *laneState, job Job) {
	if len(st.dropped) > 0 {
		job.Env.Body = droppedPreface(st.dropped) + job.Env.Body
		st.dropped = nil
	}

	deadline := job.Deadline
	if deadline <= 0 {
		deadline = s.opts.Deadline
	}
	if !job.AcceptedAt.IsZero() {
		deadline -= time.Since(job.AcceptedAt)
	}
	if deadline <= 0 {
		// The whole deadline was spent waiting in the backlog; report a
		// timeout without dispatching.
		s.log.Warn("run deadline elapsed while queued", "session", st.key, "run_id", job.RunID)
		l.active++
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.finish(job, StatusTimeout, context.DeadlineExceeded)
		}()
		return
	}

	ctx, cancelTimeout := context.WithTimeout(s.baseCtx, deadline)
	ctx, cancelCause := context.WithCancelCause(ctx)

	st.active = &activeRun{job: job, cancel: cancelCause}
	l.active++

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancelTimeout()

		err := s.exec(ctx, job)
		status := statusOf(ctx, err)
		cancelCause(nil)

		s.finish(job, status, err)
	}()
}

func statusOf(ctx context.Context, err error) string {
	switch {
	case err == nil && ctx.Err() == nil:
		return StatusOK
	case errors.Is(context.Cause(ctx), errInterrupted):
		return StatusCancelled
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	case errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled):
		return StatusCancelled
	case err != nil:
		return StatusError
	default:
		return StatusOK
	}
}

// finish releases the session and lane slot, converts unconsumed steering
// into a followup, and arms the post-run quiet window when backlog remains.
func (s *Scheduler) finish(job Job, status string, err error) {
	s.mu.Lock()
	st := s.session(job.SessionKey)
	l := s.lane(job.Lane)
	l.active--

	var leftover []bus.Envelope
	if st.active != nil {
		leftover = st.active.steer
		st.active = nil
	}

	// Steering the run never consumed still deserves a turn, unless a
	// steer-backlog copy is already queued for it.
	for _, env := range leftover {
		if backlogContains(st.backlog, env.MessageID) {
			continue
		}
		fj := Job{
			RunID:      job.RunID + "-steer",
			SessionKey: job.SessionKey,
			Lane:       job.Lane,
			Mode:       ModeCollect,
			Env:        env,
			Collected:  1,
		}
		_ = s.enqueueLocked(st, fj)
	}

	if len(st.backlog) > 0 && !s.stopped {
		if st.backlog[0].Mode == ModeInterrupt {
			// The replacement run starts as soon as the cancelled one
			// unwinds; no quiet window.
			next := st.backlog[0]
			st.backlog = st.backlog[1:]
			_ = s.startOrParkLocked(st, next)
		} else {
			s.armQuietLocked(st)
		}
	}

	s.unparkLocked(l)
	done := s.done
	s.mu.Unlock()

	if done != nil {
		done(job, status, err)
	}
}

// summaryLine condenses a dropped arrival to one attributable line.
func summaryLine(env bus.Envelope) string {
	line := env.Body
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if r := []rune(line); len(r) > 120 {
		line = string(r[:117]) + "..."
	}
	if env.SenderName != "" {
		line = env.SenderName + ": " + line
	}
	return line
}

// droppedPreface renders the dropped-message summaries as a bullet list
// prepended to the next run's body.
func droppedPreface(lines []string) string {
	var b strings.Builder
	b.WriteString("[Earlier messages were dropped because the queue was full:]\n")
	for _, l := range lines {
		b.WriteString("- " + l + "\n")
	}
	b.WriteString("\n")
	return b.String()
}

func backlogContains(backlog []Job, messageID string) bool {
	if messageID == "" {
		return false
	}
	for _, j := range backlog {
		if j.Env.MessageID == messageID {
			return true
		}
	}
	return false
}

// armQuietLocked starts (or restarts) the post-run quiet window. When it
// elapses with the session still idle, the backlog head is promoted.
func (s *Scheduler) armQuietLocked(st *sessionState) {
	s.stopQuietLocked(st)
	key := st.key
	st.quiet = time.AfterFunc(s.opts.Debounce, func() {
		s.promote(key)
	})
}

func (s *Scheduler) stopQuietLocked(st *sessionState) {
	if st.quiet != nil {
		st.quiet.Stop()
		st.quiet = nil
	}
}

// promote starts the next backlog job after the quiet window.
func (s *Scheduler) promote(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[key]
	if !ok || st.quiet == nil {
		return
	}
	st.quiet = nil
	if s.stopped || st.active != nil || len(st.backlog) == 0 {
		return
	}
	job := st.backlog[0]
	st.backlog = st.backlog[1:]
	_ = s.startOrParkLocked(st, job)
}

// unparkLocked starts waiting sessions while the lane has headroom.
func (s *Scheduler) unparkLocked(l *laneState) {
	for len(l.waiting) > 0 && (l.cap == 0 || l.active < l.cap) {
		key := l.waiting[0]
		l.waiting = l.waiting[1:]
		st, ok := s.sessions[key]
		if !ok {
			continue
		}
		st.ready = false
		if st.active != nil || len(st.backlog) == 0 || st.quiet != nil {
			continue
		}
		job := st.backlog[0]
		st.backlog = st.backlog[1:]
		s.launchLocked(st, l, job)
	}
}

// TakeSteer drains pending steering for the session's active run. The
// agent runner calls this at tool boundaries.
func (s *Scheduler) TakeSteer(sessionKey string) []bus.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionKey]
	if !ok || st.active == nil || len(st.active.steer) == 0 {
		return nil
	}
	out := st.active.steer
	st.active.steer = nil
	return out
}

// ActiveRunID returns the session's active run ID, if any.
func (s *Scheduler) ActiveRunID(sessionKey string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionKey]
	if !ok || st.active == nil {
		return "", false
	}
	return st.active.job.RunID, true
}

// CancelSession cancels the session's active run and discards its backlog.
func (s *Scheduler) CancelSession(sessionKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionKey]
	if !ok {
		return false
	}
	s.stopQuietLocked(st)
	st.backlog = nil
	st.dropped = nil
	if st.active != nil {
		st.active.cancel(context.Canceled)
		return true
	}
	return false
}

// CancelRun cancels a specific run by ID, leaving the backlog intact.
func (s *Scheduler) CancelRun(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.sessions {
		if st.active != nil && st.active.job.RunID == runID {
			st.active.cancel(context.Canceled)
			return true
		}
	}
	return false
}

// Depth reports the session's backlog size.
func (s *Scheduler) Depth(sessionKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionKey]
	if !ok {
		return 0
	}
	return len(st.backlog)
}

// Stats summarizes scheduler load for the status surface.
type Stats struct {
	Active  map[string]int `json:"active"`  // lane → running
	Waiting map[string]int `json:"waiting"` // lane → parked sessions
	Backlog int            `json:"backlog"` // queued arrivals across sessions
}

// Snapshot returns current scheduler load.
func (s *Scheduler) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Active: make(map[string]int), Waiting: make(map[string]int)}
	for name, l := range s.lanes {
		st.Active[name] = l.active
		st.Waiting[name] = len(l.waiting)
	}
	for _, sess := range s.sessions {
		st.Backlog += len(sess.backlog)
	}
	return st
}

// Stop cancels all active runs, drops backlogs, and waits for runs to
// unwind. Further submissions fail with ErrStopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for _, st := range s.sessions {
		s.stopQuietLocked(st)
		st.backlog = nil
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
