package taskqueue

// RunContext is the only surface an operation gets while executing. It
// exposes a progress callback and the termination-reason query; nothing
// in here can mutate scheduler state.
type RunContext struct {
	taskID     string
	progressFn func(fraction float64, message string)
	reasonFn   func() Reason
}

func (rc *RunContext) TaskID() string { return rc.taskID }

// ReportProgress publishes a progress delta for the running task.
// Fractions outside [0, 1] are clamped.
func (rc *RunContext) ReportProgress(fraction float64, message string) {
	if rc.progressFn == nil {
		return
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	rc.progressFn(fraction, message)
}

// TerminationReason reports why the task's context was cancelled, if it
// was. Operations can consult it after observing ctx.Done().
func (rc *RunContext) TerminationReason() Reason {
	if rc.reasonFn == nil {
		return Reason{}
	}
	return rc.reasonFn()
}
