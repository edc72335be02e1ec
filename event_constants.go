package sagaway

const (
	// Step log outcomes
	OutcomeInvoked            = "invoked"
	OutcomeSucceeded          = "succeeded"
	OutcomeFailed             = "failed"
	OutcomeRetryScheduled     = "retry_scheduled"
	OutcomeTimedOut           = "timed_out"
	OutcomeCompensated        = "compensated"
	OutcomeCompensationFailed = "compensation_failed"
	OutcomeDuplicateDiscarded = "duplicate_discarded"

	// Gateway event types
	EventStepSucceeded = "step_succeeded"
	EventStepFailed    = "step_failed"

	// Bus topics
	TopicStepInvoke   = "saga.step.invoke"
	TopicStepComplete = "saga.step.complete"
)
