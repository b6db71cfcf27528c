package logging

// Standardized structured log field keys. Components use these rather than
// ad hoc strings so log lines stay greppable across the pipeline.
const (
	FieldComponent = "component"
	FieldBatchID   = "batch_id"
	FieldPairID    = "pair_id"
	FieldCriterion = "criterion_id"
	FieldMediaID   = "media_id"
	FieldStage     = "stage"
	FieldAttempt   = "attempt"
	FieldEventType = "event_type"
	FieldErrorHint = "error_hint"
	FieldRequestID = "request_id"
	FieldModel     = "model"
)
