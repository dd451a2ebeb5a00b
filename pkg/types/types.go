package types

import (
	"time"
)

// CI represents a configuration item, the node type of the CMDB graph.
type CI struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        CIType         `json:"type"`
	Status      CIStatus       `json:"status"`
	Criticality Criticality    `json:"criticality"`
	Properties  map[string]any `json:"properties,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// CIType is an open enumeration; the constants below cover the built-in
// topology generators, but callers may supply arbitrary types.
type CIType string

const (
	CITypeServer          CIType = "Server"
	CITypeDatabase        CIType = "Database"
	CITypeWebApplication  CIType = "WebApplication"
	CITypeBusinessService CIType = "BusinessService"
	CITypeDataCenter      CIType = "DataCenter"
	CITypeRegion          CIType = "Region"
	CITypeMicroservice    CIType = "Microservice"
	CITypeLoadBalancer    CIType = "LoadBalancer"
	CITypeAPIGateway      CIType = "APIGateway"
	CITypeGPUCluster      CIType = "GPUCluster"
	CITypeModelEndpoint   CIType = "ModelEndpoint"
)

// CIStatus represents the operational state of a CI. Arbitrary strings are
// accepted; these are the states the conditional engine reasons about.
type CIStatus string

const (
	CIStatusOperational CIStatus = "OPERATIONAL"
	CIStatusMaintenance CIStatus = "MAINTENANCE"
	CIStatusFailed      CIStatus = "FAILED"
	CIStatusDegraded    CIStatus = "DEGRADED"
)

// Criticality is a qualitative importance label with a defined numeric
// equivalent (see pkg/weight).
type Criticality string

const (
	CriticalityCritical Criticality = "CRITICAL"
	CriticalityHigh     Criticality = "HIGH"
	CriticalityMedium   Criticality = "MEDIUM"
	CriticalityLow      Criticality = "LOW"
	CriticalityInfo     Criticality = "INFO"
)

// RelationshipType is drawn from a closed set. User-supplied types are
// validated against this set before they reach any storage scan.
type RelationshipType string

const (
	RelDependsOn      RelationshipType = "DEPENDS_ON"
	RelRunsOn         RelationshipType = "RUNS_ON"
	RelHostedIn       RelationshipType = "HOSTED_IN"
	RelSupports       RelationshipType = "SUPPORTS"
	RelConnectsTo     RelationshipType = "CONNECTS_TO"
	RelReplicatesTo   RelationshipType = "REPLICATES_TO"
	RelBalancesTo     RelationshipType = "BALANCES_TO"
	RelRoutesTo       RelationshipType = "ROUTES_TO"
	RelMonitors       RelationshipType = "MONITORS"
	RelUses           RelationshipType = "USES"
	RelIntegratesWith RelationshipType = "INTEGRATES_WITH"
	RelLocatedIn      RelationshipType = "LOCATED_IN"
	RelMustComplyWith RelationshipType = "MUST_COMPLY_WITH"
	RelFailsOverTo    RelationshipType = "FAILS_OVER_TO"
	RelScalesTo       RelationshipType = "SCALES_TO"
	RelDelegatesTo    RelationshipType = "DELEGATES_TO"
	RelAffects        RelationshipType = "AFFECTS"
)

var relationshipTypes = map[RelationshipType]bool{
	RelDependsOn: true, RelRunsOn: true, RelHostedIn: true, RelSupports: true,
	RelConnectsTo: true, RelReplicatesTo: true, RelBalancesTo: true,
	RelRoutesTo: true, RelMonitors: true, RelUses: true,
	RelIntegratesWith: true, RelLocatedIn: true, RelMustComplyWith: true,
	RelFailsOverTo: true, RelScalesTo: true, RelDelegatesTo: true,
	RelAffects: true,
}

// ValidRelationshipType reports whether t belongs to the closed set.
func ValidRelationshipType(t RelationshipType) bool {
	return relationshipTypes[t]
}

// TraversalTypes is the allow-list of edge types followed by weighted
// path search.
var TraversalTypes = map[RelationshipType]bool{
	RelDependsOn: true, RelRunsOn: true, RelSupports: true, RelUses: true,
}

// WeightSource identifies how a weight value was produced.
type WeightSource string

const (
	WeightSourceManual      WeightSource = "manual"
	WeightSourceAutomated   WeightSource = "automated"
	WeightSourceAutoScaling WeightSource = "auto-scaling"
	WeightSourceInferred    WeightSource = "inferred"
)

// WeightProperties holds the numeric annotations carried by an edge.
// Weight, CriticalityScore and Confidence are in [0,1]; LoadFactor in
// [0,100]; RedundancyLevel >= 1 when set.
type WeightProperties struct {
	Weight           *float64     `json:"weight,omitempty"`
	CriticalityScore *float64     `json:"criticalityScore,omitempty"`
	LoadFactor       *float64     `json:"loadFactor,omitempty"`
	LatencyMs        float64      `json:"latencyMs,omitempty"`
	RedundancyLevel  int          `json:"redundancyLevel,omitempty"`
	BandwidthMbps    float64      `json:"bandwidthMbps,omitempty"`
	CostPerHour      float64      `json:"costPerHour,omitempty"`
	Confidence       float64      `json:"confidence,omitempty"`
	Source           WeightSource `json:"source,omitempty"`
	LastUpdated      time.Time    `json:"lastUpdated"`
}

// VersionStatus is the lifecycle state of a versioned relationship.
type VersionStatus string

const (
	VersionActive   VersionStatus = "ACTIVE"
	VersionArchived VersionStatus = "ARCHIVED"
)

// WeightSample is one append-only entry of an edge's weight history.
// Nil fields were not supplied in the originating update.
type WeightSample struct {
	Timestamp        time.Time    `json:"timestamp"`
	Weight           *float64     `json:"weight,omitempty"`
	CriticalityScore *float64     `json:"criticalityScore,omitempty"`
	LoadFactor       *float64     `json:"loadFactor,omitempty"`
	Source           WeightSource `json:"source,omitempty"`
}

// TemporalProperties carry the append-only versioning state of an edge.
// Versions of a (from, to, type) tuple form a totally ordered chain; at
// most one version is ACTIVE at any time.
type TemporalProperties struct {
	Version         int            `json:"version"`
	PreviousVersion int            `json:"previousVersion"`
	ValidFrom       time.Time      `json:"validFrom"`
	ValidTo         *time.Time     `json:"validTo,omitempty"`
	Status          VersionStatus  `json:"status"`
	CreatedBy       string         `json:"createdBy,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	ModifiedBy      string         `json:"modifiedBy,omitempty"`
	LastModified    time.Time      `json:"lastModified"`
	ChangeReason    string         `json:"changeReason,omitempty"`
	WeightHistory   []WeightSample `json:"weightHistory,omitempty"`
}

// ConditionType gates how a conditional relationship activates.
type ConditionType string

const (
	ConditionHealthBased ConditionType = "health-based"
	ConditionLoadBased   ConditionType = "load-based"
	ConditionScheduled   ConditionType = "scheduled"
	ConditionManual      ConditionType = "manual"
)

// ValidConditionType reports whether t is a known condition type.
func ValidConditionType(t ConditionType) bool {
	switch t {
	case ConditionHealthBased, ConditionLoadBased, ConditionScheduled, ConditionManual:
		return true
	}
	return false
}

// ActivationCondition is the structured predicate evaluated by the
// conditional engine. Only the fields relevant to the edge's condition
// type are consulted.
type ActivationCondition struct {
	// health-based
	PrimaryHealth      CIStatus `json:"primaryHealth,omitempty"`
	FailureThreshold   int      `json:"failureThreshold,omitempty"`
	GracePeriodSeconds int      `json:"gracePeriodSeconds,omitempty"`

	// load-based; Threshold is also read (as a fraction) by the temporal
	// scaling adaptor
	Threshold      float64 `json:"threshold,omitempty"`
	CooldownPeriod int     `json:"cooldownPeriod,omitempty"` // seconds

	// scheduled
	Schedule       string     `json:"schedule,omitempty"`
	NextActivation *time.Time `json:"nextActivation,omitempty"`
	Duration       int        `json:"duration,omitempty"` // seconds
}

// ConditionalProperties carry the activation state of a conditional edge.
// IsActive transitions only through the engine; ActivationCount is
// monotone non-decreasing.
type ConditionalProperties struct {
	ConditionType       ConditionType       `json:"conditionType"`
	ActivationCondition ActivationCondition `json:"activationCondition"`
	IsActive            bool                `json:"isActive"`
	Priority            int                 `json:"priority,omitempty"`
	AutomaticFailover   bool                `json:"automaticFailover,omitempty"`
	ActivationCount     int                 `json:"activationCount"`
	LastActivated       *time.Time          `json:"lastActivated,omitempty"`
	LastDeactivated     *time.Time          `json:"lastDeactivated,omitempty"`
	ActivationReason    string              `json:"activationReason,omitempty"`
	DeactivationReason  string              `json:"deactivationReason,omitempty"`
	RPO                 string              `json:"rpo,omitempty"`
	RTO                 string              `json:"rto,omitempty"`
}

// Relationship is a directed edge between two CIs. Weights are always
// present; Temporal and Conditional are tagged variants, nil for plain
// weighted edges.
type Relationship struct {
	ID          string                 `json:"id"`
	FromID      string                 `json:"fromId"`
	ToID        string                 `json:"toId"`
	Type        RelationshipType       `json:"type"`
	Weights     WeightProperties       `json:"weights"`
	Temporal    *TemporalProperties    `json:"temporal,omitempty"`
	Conditional *ConditionalProperties `json:"conditional,omitempty"`
	Properties  map[string]any         `json:"properties,omitempty"`
}

// Versioned reports whether the edge carries temporal state.
func (r *Relationship) Versioned() bool { return r.Temporal != nil }

// ActiveAt reports whether a versioned edge was in force at t:
// validFrom <= t and validTo unset or >= t. Archived versions count;
// what matters is the validity interval, not the lifecycle status.
func (r *Relationship) ActiveAt(t time.Time) bool {
	if r.Temporal == nil {
		return false
	}
	if r.Temporal.ValidFrom.After(t) {
		return false
	}
	return r.Temporal.ValidTo == nil || !r.Temporal.ValidTo.Before(t)
}

// Severity of a graph-persisted event.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// EventStatus is the triage state of a graph-persisted event.
type EventStatus string

const (
	EventOpen         EventStatus = "OPEN"
	EventAcknowledged EventStatus = "ACKNOWLEDGED"
	EventResolved     EventStatus = "RESOLVED"
)

// Event is a graph-persisted operational event, optionally linked to a CI
// by an AFFECTS edge.
type Event struct {
	ID               string      `json:"id"`
	Source           string      `json:"source"`
	Message          string      `json:"message"`
	Severity         Severity    `json:"severity"`
	EventType        string      `json:"eventType"`
	Timestamp        time.Time   `json:"timestamp"`
	Status           EventStatus `json:"status"`
	Metadata         string      `json:"metadata,omitempty"`
	CorrelationScore float64     `json:"correlationScore,omitempty"`
	AffectedCI       string      `json:"affectedCi,omitempty"`
}

// Scale selects a generator preset.
type Scale string

const (
	ScaleSmall      Scale = "small"
	ScaleMedium     Scale = "medium"
	ScaleLarge      Scale = "large"
	ScaleEnterprise Scale = "enterprise"
)

// ValidScale reports whether s names a preset.
func ValidScale(s Scale) bool {
	switch s {
	case ScaleSmall, ScaleMedium, ScaleLarge, ScaleEnterprise:
		return true
	}
	return false
}

// JobState tracks a generation job through the queue.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// GeneratorConfig is the snapshot of a scale preset plus any per-job
// overrides, stored on the job itself.
type GeneratorConfig struct {
	TotalCIs     int  `yaml:"totalCIs" json:"totalCIs"`
	Regions      int  `yaml:"regions" json:"regions"`
	DCsPerRegion int  `yaml:"dcsPerRegion" json:"dcsPerRegion"`
	ServersPerDC int  `yaml:"serversPerDc" json:"serversPerDc"`
	Applications int  `yaml:"apps" json:"apps"`
	Databases    int  `yaml:"dbs" json:"dbs"`
	Events       int  `yaml:"events" json:"events"`
	ClearFirst   bool `yaml:"clearFirst" json:"clearFirst"`
}

// Job is a queued topology-generation run.
type Job struct {
	JobID      string          `json:"jobId"`
	QueueID    string          `json:"queueId"`
	Scale      Scale           `json:"scale"`
	Config     GeneratorConfig `json:"config"`
	State      JobState        `json:"state"`
	Priority   int             `json:"priority"`
	Attempts   int             `json:"attempts"`
	CreatedAt  time.Time       `json:"createdAt"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	Result     string          `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Progress stages, in order. "clearing" only appears when the job clears
// the graph first.
const (
	StageQueued         = "queued"
	StageStarting       = "starting"
	StageClearing       = "clearing"
	StageGeneratingCIs  = "generating_cis"
	StageGeneratingEvts = "generating_events"
	StageCompleted      = "completed"
	StageFailed         = "failed"
	StageCancelled      = "cancelled"
)

// Progress is the per-job progress record held in the kv store with a
// bounded TTL.
type Progress struct {
	JobID       string    `json:"jobId"`
	Stage       string    `json:"stage"`
	Percentage  float64   `json:"percentage"`
	Message     string    `json:"message"`
	LastUpdated time.Time `json:"lastUpdated"`
}
