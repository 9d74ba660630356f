package callmgr

// Status is the caller-visible terminal state of a call — deliberately not a
// language exception type, just a label.
type Status string

const (
	StatusSucceeded Status = "Succeeded"
	StatusCancelled Status = "Cancelled"
	StatusFailed    Status = "Failed"
)

// FailureReason further classifies a StatusFailed result.
type FailureReason string

const (
	ReasonNone             FailureReason = ""
	ReasonShutdown         FailureReason = "shutdown"
	ReasonPeerTimedOut     FailureReason = "peer_timed_out"
	ReasonBuildIDMismatch  FailureReason = "build_id_mismatch"
	ReasonExhaustedRetries FailureReason = "exhausted_retries"
)
