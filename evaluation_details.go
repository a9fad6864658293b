package flagcore

// EvaluationSource records which of init's three sources (or a later sync)
// most recently populated the snapshot a decision was read from.
type EvaluationSource string

const (
	SourceUninitialized EvaluationSource = "Uninitialized"
	SourceNetwork       EvaluationSource = "Network"
	SourceBootstrap     EvaluationSource = "Bootstrap"
	SourceDataAdapter   EvaluationSource = "DataAdapter"
)

// EvaluationReason supplements EvaluationSource for decisions that did not
// come from a normal spec lookup. Only unrecognized names have a reason of
// their own; local overrides report ReasonNone.
type EvaluationReason string

const (
	ReasonNone         EvaluationReason = ""
	ReasonUnrecognized EvaluationReason = "Unrecognized"
)

// EvaluationDetails is attached to every EvalResult so callers can tell
// how fresh and how the decision was derived.
type EvaluationDetails struct {
	Source         EvaluationSource
	Reason         EvaluationReason
	ConfigSyncTime int64
	InitTime       int64
	ServerTime     int64
}

func newEvaluationDetails(source EvaluationSource, reason EvaluationReason, configSyncTime, initTime int64) *EvaluationDetails {
	return &EvaluationDetails{
		Source:         source,
		Reason:         reason,
		ConfigSyncTime: configSyncTime,
		InitTime:       initTime,
		ServerTime:     getUnixMilli(),
	}
}
