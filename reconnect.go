package starling

import (
	"context"
	"sync"
	"time"
)

// ReconnectionOptions tunes ReconnectionController. Zero values are
// replaced by the spec-mandated defaults in NewReconnectionController.
type ReconnectionOptions struct {
	MinDelay          time.Duration
	MaxDelay          time.Duration
	MaxAttempts       int // 0 means unlimited
	BackoffMultiplier float64
	ResetThreshold    time.Duration
}

func (o *ReconnectionOptions) applyDefaults() {
	if o.MinDelay <= 0 {
		o.MinDelay = 100 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.BackoffMultiplier <= 0 {
		o.BackoffMultiplier = 1.5
	}
	if o.ResetThreshold <= 0 {
		o.ResetThreshold = 60 * time.Second
	}
}

// ReconnectionMetrics is a point-in-time snapshot of ReconnectionController
// state, returned by GetMetrics.
type ReconnectionMetrics struct {
	Active                  bool
	CurrentDelay            time.Duration
	Attempts                int
	TotalAttempts           int
	SuccessfulReconnections int
	FailedAttempts          int
	LastAttempt             time.Time
	LastSuccess             time.Time
	LastReset               time.Time
	AttemptDurations        []time.Duration
	AverageAttemptDuration  time.Duration
}

// ReconnectionController drives the exponential-backoff reconnect
// scheduling loop described in §4.7: it races a cancellable wait against
// stop/forceAttempt, tracks attempt metrics, and enforces an optional
// attempt cap. Unlike the teacher's reconnector (which blocks on
// time.Sleep), every wait here is a time.Timer raced against a
// cancellable context, so Stop can abort a pending wait immediately —
// grounded on the cancellable-timer reconnect loop in the pack's
// ergosockets client reference rather than the teacher's blocking sleep.
type ReconnectionController struct {
	opts    ReconnectionOptions
	bus     *EventBus
	connect func(ctx context.Context) error

	mu                      sync.Mutex
	active                  bool
	currentDelay            time.Duration
	attempts                int
	totalAttempts           int
	successfulReconnections int
	failedAttempts          int
	lastAttempt             time.Time
	lastSuccess             time.Time
	lastReset               time.Time
	attemptDurations        []time.Duration
	cancel                  context.CancelFunc

	wg sync.WaitGroup
}

// NewReconnectionController constructs a controller that calls connect to
// attempt each reconnection, emitting starling:reconnect:* events on bus.
func NewReconnectionController(bus *EventBus, connect func(ctx context.Context) error, opts ReconnectionOptions) *ReconnectionController {
	opts.applyDefaults()
	return &ReconnectionController{
		opts:         opts,
		bus:          bus,
		connect:      connect,
		currentDelay: opts.MinDelay,
	}
}

func (rc *ReconnectionController) emit(event string, payload any) {
	if rc.bus != nil {
		rc.bus.Emit(event, payload)
	}
}

// Start begins the scheduling loop if it is not already active. If no
// reset has happened yet, or at least ResetThreshold has passed since the
// last one, it resets attempts and currentDelay first.
func (rc *ReconnectionController) Start() {
	rc.mu.Lock()
	if rc.active {
		rc.mu.Unlock()
		return
	}
	rc.active = true
	now := time.Now()
	if rc.lastReset.IsZero() || now.Sub(rc.lastReset) >= rc.opts.ResetThreshold {
		rc.attempts = 0
		rc.currentDelay = rc.opts.MinDelay
		rc.lastReset = now
	}
	ctx, cancel := context.WithCancel(context.Background())
	rc.cancel = cancel
	rc.mu.Unlock()

	rc.emit("starling:reconnect:started", nil)

	rc.wg.Add(1)
	go rc.loop(ctx, false)
}

// loop implements the scheduling steps of §4.7. skipFirstWait is set by
// ForceAttempt to enter step 5 without first waiting out a backoff delay.
func (rc *ReconnectionController) loop(ctx context.Context, skipFirstWait bool) {
	defer rc.wg.Done()

	for {
		rc.mu.Lock()
		active := rc.active
		attempts := rc.attempts
		maxAttempts := rc.opts.MaxAttempts
		rc.mu.Unlock()

		if !active {
			return
		}
		if maxAttempts > 0 && attempts >= maxAttempts && !skipFirstWait {
			rc.emit("starling:reconnect:max_attempts", nil)
			rc.Stop()
			return
		}

		if !skipFirstWait {
			rc.mu.Lock()
			delay := time.Duration(float64(rc.currentDelay) * rc.opts.BackoffMultiplier)
			if delay > rc.opts.MaxDelay {
				delay = rc.opts.MaxDelay
			}
			rc.currentDelay = delay
			rc.mu.Unlock()

			rc.emit("starling:reconnect:scheduled", delay)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
		skipFirstWait = false

		rc.mu.Lock()
		rc.attempts++
		rc.totalAttempts++
		rc.lastAttempt = time.Now()
		attemptStart := rc.lastAttempt
		attemptNum := rc.attempts
		rc.mu.Unlock()
		rc.emit("starling:reconnect:attempt", attemptNum)

		err := rc.connect(ctx)
		if err == nil {
			dur := time.Since(attemptStart)
			rc.mu.Lock()
			rc.attemptDurations = append(rc.attemptDurations, dur)
			if len(rc.attemptDurations) > 10 {
				rc.attemptDurations = rc.attemptDurations[len(rc.attemptDurations)-10:]
			}
			rc.successfulReconnections++
			rc.lastSuccess = time.Now()
			rc.mu.Unlock()
			rc.Stop()
			return
		}

		if ctx.Err() != nil {
			return
		}

		rc.mu.Lock()
		rc.failedAttempts++
		rc.mu.Unlock()
		rc.emit("starling:reconnect:failed", err)
	}
}

// Stop deactivates the controller, cancelling any pending wait or
// in-flight attempt.
func (rc *ReconnectionController) Stop() {
	rc.mu.Lock()
	if !rc.active {
		rc.mu.Unlock()
		return
	}
	rc.active = false
	cancel := rc.cancel
	rc.cancel = nil
	rc.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	rc.emit("starling:reconnect:stopped", nil)
}

// ForceAttempt stops any current scheduling and immediately attempts a
// connection without waiting out a backoff delay, even when MaxAttempts
// has already been reached. If that attempt fails, the normal backoff loop
// resumes, which stops at once with starling:reconnect:max_attempts if the
// cap has been reached.
func (rc *ReconnectionController) ForceAttempt() {
	rc.Stop()

	rc.mu.Lock()
	rc.active = true
	ctx, cancel := context.WithCancel(context.Background())
	rc.cancel = cancel
	rc.mu.Unlock()

	rc.wg.Add(1)
	go rc.loop(ctx, true)
}

// Reset stops the controller and reinitializes all metrics.
func (rc *ReconnectionController) Reset() {
	rc.Stop()
	rc.mu.Lock()
	rc.attempts = 0
	rc.totalAttempts = 0
	rc.successfulReconnections = 0
	rc.failedAttempts = 0
	rc.currentDelay = rc.opts.MinDelay
	rc.lastAttempt = time.Time{}
	rc.lastSuccess = time.Time{}
	rc.lastReset = time.Time{}
	rc.attemptDurations = nil
	rc.mu.Unlock()
}

// GetMetrics returns a snapshot of the controller's current state,
// including the average attempt duration over the retained window.
func (rc *ReconnectionController) GetMetrics() ReconnectionMetrics {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	var avg time.Duration
	if len(rc.attemptDurations) > 0 {
		var total time.Duration
		for _, d := range rc.attemptDurations {
			total += d
		}
		avg = total / time.Duration(len(rc.attemptDurations))
	}

	return ReconnectionMetrics{
		Active:                  rc.active,
		CurrentDelay:            rc.currentDelay,
		Attempts:                rc.attempts,
		TotalAttempts:           rc.totalAttempts,
		SuccessfulReconnections: rc.successfulReconnections,
		FailedAttempts:          rc.failedAttempts,
		LastAttempt:             rc.lastAttempt,
		LastSuccess:             rc.lastSuccess,
		LastReset:               rc.lastReset,
		AttemptDurations:        append([]time.Duration{}, rc.attemptDurations...),
		AverageAttemptDuration:  avg,
	}
}
