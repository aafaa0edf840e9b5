package engine

import "time"

// Run drives the writer loop until the stop channel closes. Staged commands
// are drained on wake-up; broadcasts flush on the configured cadence (or
// immediately when batching is disabled); the timeout sweep runs on its own
// interval. The loop never performs blocking I/O: every send is a
// non-blocking enqueue onto a connection's outbound queue.
func (e *Engine) Run(stop <-chan struct{}) {
	var flushC <-chan time.Time
	if e.cfg.MaxUpdateRateHz > 0 {
		interval := time.Duration(float64(time.Second) / e.cfg.MaxUpdateRateHz)
		if interval <= 0 {
			interval = time.Millisecond
		}
		flush := time.NewTicker(interval)
		defer flush.Stop()
		flushC = flush.C
	}
	sweep := time.NewTicker(e.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-stop:
			return
		case <-e.wake:
			e.processStaged()
		case <-flushC:
			e.FlushNow()
		case <-sweep.C:
			e.Sweep(e.clock.Now())
		}
	}
}

func (e *Engine) processStaged() {
	for _, cmd := range e.drainCommands() {
		e.Apply(cmd)
		if e.cfg.MaxUpdateRateHz <= 0 {
			e.FlushNow()
		}
	}
}
