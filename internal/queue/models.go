package queue

import (
	"strings"
	"time"
)

// Status represents the lifecycle of an analysis pair.
type Status string

const (
	StatusNew       Status = "new"
	StatusUploading Status = "uploading"
	StatusUploaded  Status = "uploaded"
	StatusAnalyzing Status = "analyzing"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
)

var allStatuses = []Status{
	StatusNew,
	StatusUploading,
	StatusUploaded,
	StatusAnalyzing,
	StatusDone,
	StatusFailed,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// statusRank orders the forward path. Failed sits outside the ordering
// and is reachable from any in-flight state.
var statusRank = map[Status]int{
	StatusNew:       0,
	StatusUploading: 1,
	StatusUploaded:  2,
	StatusAnalyzing: 3,
	StatusDone:      4,
}

var inFlightStatuses = map[Status]struct{}{
	StatusUploading: {},
	StatusUploaded:  {},
	StatusAnalyzing: {},
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// CanAdvance reports whether moving from one status to another follows
// the forward-only lifecycle. Failed is a valid sink from any
// non-terminal state; terminal states never move.
func CanAdvance(from, to Status) bool {
	if from == to {
		return true
	}
	if from == StatusDone || from == StatusFailed {
		return false
	}
	if to == StatusFailed {
		return true
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// IsInFlightStatus reports whether a status reflects work in progress.
func IsInFlightStatus(status Status) bool {
	_, ok := inFlightStatuses[status]
	return ok
}

// Verdict is the model's categorical judgement for one criterion.
type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictFail    Verdict = "fail"
	VerdictPartial Verdict = "partial"
)

// ParseVerdict converts a string into a known Verdict.
func ParseVerdict(value string) (Verdict, bool) {
	normalized := Verdict(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case VerdictPass, VerdictFail, VerdictPartial:
		return normalized, true
	}
	return "", false
}

// MediaAsset is a registered session recording. Checksums deduplicate
// registrations: importing the same bytes twice yields one row.
type MediaAsset struct {
	ID          int64
	Name        string
	Path        string
	RemoteRef   string
	DurationSec float64
	SizeBytes   int64
	Checksum    string
	Origin      string
	CreatedAt   time.Time
}

// Criterion is a behavioral question evaluated against recordings.
type Criterion struct {
	ID          int64
	Name        string
	Description string
	Archived    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Pair is one unit of work: a media asset evaluated against one
// criterion within a batch. The (batch, media, criterion) triple is
// unique, which is what makes batch re-runs idempotent.
type Pair struct {
	ID              int64
	BatchID         string
	MediaID         int64
	CriterionID     int64
	Status          Status
	Attempt         int
	RemoteURI       string
	RemoteName      string
	RemoteExpiresAt *time.Time
	ErrorMessage    string
	ProgressMessage string
	ProgressPercent float64
	LastHeartbeat   *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsTerminal reports whether the pair needs no further pipeline work.
func (p *Pair) IsTerminal() bool {
	return p.Status == StatusDone || p.Status == StatusFailed
}

// RemoteHandleValid reports whether the stored provider handle can be
// reused at the given instant.
func (p *Pair) RemoteHandleValid(now time.Time) bool {
	if p.RemoteURI == "" {
		return false
	}
	if p.RemoteExpiresAt == nil {
		return true
	}
	return now.Before(*p.RemoteExpiresAt)
}

// SetFailed marks the pair failed with the given message.
func (p *Pair) SetFailed(message string) {
	p.Status = StatusFailed
	p.ErrorMessage = message
	p.ProgressMessage = message
	p.ProgressPercent = 0
	p.LastHeartbeat = nil
}

// SetProgress updates the user-facing progress fields.
func (p *Pair) SetProgress(message string, percent float64) {
	p.ProgressMessage = message
	p.ProgressPercent = percent
}

// AnalysisResult is one model verdict for a pair. New verdicts
// supersede older ones rather than overwriting them; the full history
// stays queryable.
type AnalysisResult struct {
	ID               int64
	PairID           int64
	Model            string
	Verdict          Verdict
	FrictionScore    int
	Confidence       int
	Observations     string
	KeyMomentsJSON   string
	Recommendation   string
	InputTokens      int64
	OutputTokens     int64
	CostEstimated    float64
	CostActual       float64
	NeedsReview      bool
	ReviewReason     string
	Verified         bool
	VerifiedAt       *time.Time
	OverrideSet      bool
	OverrideVerdict  Verdict
	OverrideFriction int
	VerifierNote     string
	Superseded       bool
	CreatedAt        time.Time
}

// EffectiveCost returns the provider-derived cost when usage was
// reported, otherwise the duration estimate. The estimate is never
// overwritten; both are stored.
func (r *AnalysisResult) EffectiveCost() float64 {
	if r.CostActual > 0 {
		return r.CostActual
	}
	return r.CostEstimated
}

// EffectiveVerdict returns the human override when one exists,
// otherwise the model's verdict.
func (r *AnalysisResult) EffectiveVerdict() Verdict {
	if r.OverrideSet && r.OverrideVerdict != "" {
		return r.OverrideVerdict
	}
	return r.Verdict
}

// EffectiveFriction returns the human override when one exists,
// otherwise the model's friction score.
func (r *AnalysisResult) EffectiveFriction() int {
	if r.OverrideSet && r.OverrideFriction != 0 {
		return r.OverrideFriction
	}
	return r.FrictionScore
}

// BatchStats aggregates pair counts and spend for one batch.
type BatchStats struct {
	BatchID     string
	Total       int
	ByStatus    map[Status]int
	NeedsReview int
	TotalCost   float64
}

// Pending returns the number of pairs that still have work ahead.
func (s BatchStats) Pending() int {
	done := s.ByStatus[StatusDone] + s.ByStatus[StatusFailed]
	return s.Total - done
}
