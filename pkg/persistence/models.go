package persistence

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IssueSource records how an issue entered the system.
type IssueSource string

const (
	SourceManual       IssueSource = "manual"
	SourceTrigger      IssueSource = "trigger"
	SourceExternalSync IssueSource = "external_sync"
	SourceWebhook      IssueSource = "webhook"
	SourceScheduled    IssueSource = "scheduled"
)

type IssueType string

const (
	IssueTypeBug         IssueType = "bug"
	IssueTypeFeature     IssueType = "feature"
	IssueTypeEnhancement IssueType = "enhancement"
	IssueTypeQuestion    IssueType = "question"
	IssueTypeTask        IssueType = "task"
	IssueTypeDeployment  IssueType = "deployment"
)

type IssuePriority string

const (
	PriorityCritical IssuePriority = "critical"
	PriorityHigh     IssuePriority = "high"
	PriorityMedium   IssuePriority = "medium"
	PriorityLow      IssuePriority = "low"
)

// QueuePriority maps an issue priority to the numeric job priority. Lower runs sooner.
func (p IssuePriority) QueuePriority() int {
	switch p {
	case PriorityCritical:
		return 1
	case PriorityHigh:
		return 3
	case PriorityLow:
		return 10
	default:
		return 5
	}
}

type IssueStatus string

const (
	IssueStatusPending    IssueStatus = "pending"
	IssueStatusQueued     IssueStatus = "queued"
	IssueStatusProcessing IssueStatus = "processing"
	IssueStatusReview     IssueStatus = "review"
	IssueStatusCompleted  IssueStatus = "completed"
	IssueStatusFailed     IssueStatus = "failed"
	IssueStatusCancelled  IssueStatus = "cancelled"
)

// issueRank orders non-terminal issue states. Terminal states share the top rank.
var issueRank = map[IssueStatus]int{ //nolint:gochecknoglobals
	IssueStatusPending:    0,
	IssueStatusQueued:     1,
	IssueStatusProcessing: 2,
	IssueStatusReview:     3,
	IssueStatusCompleted:  4,
	IssueStatusFailed:     4,
	IssueStatusCancelled:  4,
}

// IsTerminal reports whether no further transitions are allowed.
func (s IssueStatus) IsTerminal() bool {
	return s == IssueStatusCompleted || s == IssueStatusFailed || s == IssueStatusCancelled
}

// CanTransitionTo enforces forward-only issue transitions. Terminal issues never move.
func (s IssueStatus) CanTransitionTo(next IssueStatus) bool {
	if s.IsTerminal() {
		return false
	}
	from, ok := issueRank[s]
	if !ok {
		return false
	}
	to, ok := issueRank[next]
	return ok && to > from
}

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// IssueContext carries structured hints attached to an issue.
type IssueContext struct {
	Module    string         `json:"module,omitempty"`
	Files     []string       `json:"files,omitempty"`
	ErrorText string         `json:"error_text,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (c IssueContext) Value() (driver.Value, error) { return jsonValue(c) }
func (c *IssueContext) Scan(src any) error        { return jsonScan(src, c) }

// Issue is a unit of requested work.
type Issue struct {
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at" json:"updated_at"`
	ID          string        `db:"id" json:"id"`
	OrgID       string        `db:"org_id" json:"org_id"`
	CreatedBy   string        `db:"created_by" json:"created_by"`
	Source      IssueSource   `db:"source" json:"source"`
	Type        IssueType     `db:"type" json:"type"`
	Priority    IssuePriority `db:"priority" json:"priority"`
	Title       string        `db:"title" json:"title"`
	Description string        `db:"description" json:"description"`
	Context     IssueContext  `db:"context" json:"context"`
	ExternalID  string        `db:"external_id" json:"external_id,omitempty"`
	CallbackURL string        `db:"callback_url" json:"callback_url,omitempty"`
	Status      IssueStatus   `db:"status" json:"status"`
}

// JobConfig is the per-job execution envelope.
type JobConfig struct {
	TimeoutSeconds int      `json:"timeout_seconds"`
	MaxTokens      int      `json:"max_tokens"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
}

func (c JobConfig) Value() (driver.Value, error) { return jsonValue(c) }
func (c *JobConfig) Scan(src any) error        { return jsonScan(src, c) }

// Job is one execution attempt against an issue.
type Job struct {
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	ID          string     `db:"id" json:"id"`
	IssueID     string     `db:"issue_id" json:"issue_id"`
	OrgID       string     `db:"org_id" json:"org_id"`
	AgentType   string     `db:"agent_type" json:"agent_type"`
	ModelTier   string     `db:"model_tier" json:"model_tier"`
	Status      JobStatus  `db:"status" json:"status"`
	Config      JobConfig  `db:"config" json:"config"`
	Result      JSONRaw    `db:"result" json:"result,omitempty"`
	Error       string     `db:"error" json:"error,omitempty"`
	Priority    int        `db:"priority" json:"priority"`
	Attempts    int        `db:"attempts" json:"attempts"`
	MaxAttempts int        `db:"max_attempts" json:"max_attempts"`
}

type ArtifactType string

const (
	ArtifactCodeChange     ArtifactType = "code_change"
	ArtifactAnalysis       ArtifactType = "analysis"
	ArtifactRecommendation ArtifactType = "recommendation"
	ArtifactDocument       ArtifactType = "document"
	ArtifactConfig         ArtifactType = "config"
)

// Artifact is a durable, immutable output of a job.
type Artifact struct {
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
	ID        string       `db:"id" json:"id"`
	JobID     string       `db:"job_id" json:"job_id"`
	Type      ArtifactType `db:"type" json:"type"`
	Name      string       `db:"name" json:"name"`
	Content   string       `db:"content" json:"content"`
	FilePath  string       `db:"file_path" json:"file_path,omitempty"`
	Patch     string       `db:"patch" json:"patch,omitempty"`
	Metadata  JSONMap      `db:"metadata" json:"metadata,omitempty"`
}

type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// JobLog is an append-only trace entry for a job.
type JobLog struct {
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	ID        string    `db:"id" json:"id"`
	JobID     string    `db:"job_id" json:"job_id"`
	Level     LogLevel  `db:"level" json:"level"`
	Message   string    `db:"message" json:"message"`
	Data      JSONMap   `db:"data" json:"data,omitempty"`
}

type FeedbackOutcome string

const (
	OutcomeSolved    FeedbackOutcome = "solved"
	OutcomePartial   FeedbackOutcome = "partial"
	OutcomeNotSolved FeedbackOutcome = "not_solved"
	OutcomeMadeWorse FeedbackOutcome = "made_worse"
)

type ImprovementStatus string

const (
	ImprovementPending     ImprovementStatus = "pending"
	ImprovementAnalyzed    ImprovementStatus = "analyzed"
	ImprovementImplemented ImprovementStatus = "implemented"
	ImprovementDismissed   ImprovementStatus = "dismissed"
	ImprovementFailed      ImprovementStatus = "failed"
)

// Feedback is a user's rating of a completed job.
type Feedback struct {
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	ID                string            `db:"id" json:"id"`
	OrgID             string            `db:"org_id" json:"org_id"`
	JobID             string            `db:"job_id" json:"job_id"`
	IssueID           string            `db:"issue_id" json:"issue_id"`
	AgentType         string            `db:"agent_type" json:"agent_type"`
	Outcome           FeedbackOutcome   `db:"outcome" json:"outcome"`
	Tags              StringList        `db:"tags" json:"tags,omitempty"`
	Comment           string            `db:"comment" json:"comment,omitempty"`
	ImprovementStatus ImprovementStatus `db:"improvement_status" json:"improvement_status"`
	CardID            string            `db:"card_id" json:"card_id,omitempty"`
	Rating            int               `db:"rating" json:"rating"`
}

// CardColumn is an ImprovementCard's position in the pipeline.
type CardColumn string

const (
	ColumnIncoming   CardColumn = "incoming"
	ColumnAnalysis   CardColumn = "analysis"
	ColumnBacklog    CardColumn = "backlog"
	ColumnInProgress CardColumn = "in_progress"
	ColumnTesting    CardColumn = "testing"
	ColumnDone       CardColumn = "done"
	ColumnDismissed  CardColumn = "dismissed"
)

// NonTerminalColumns lists every column a card can still leave.
func NonTerminalColumns() []CardColumn {
	return []CardColumn{ColumnIncoming, ColumnAnalysis, ColumnBacklog, ColumnInProgress, ColumnTesting}
}

func (c CardColumn) IsTerminal() bool {
	return c == ColumnDone || c == ColumnDismissed
}

// cardEdges is the column graph. testing -> backlog is the failed-verification edge.
var cardEdges = map[CardColumn][]CardColumn{ //nolint:gochecknoglobals
	ColumnIncoming:   {ColumnAnalysis, ColumnDismissed},
	ColumnAnalysis:   {ColumnBacklog, ColumnDismissed},
	ColumnBacklog:    {ColumnInProgress, ColumnDismissed},
	ColumnInProgress: {ColumnTesting, ColumnDismissed},
	ColumnTesting:    {ColumnDone, ColumnBacklog, ColumnDismissed},
}

// CanMoveTo reports whether next is a legal successor column.
func (c CardColumn) CanMoveTo(next CardColumn) bool {
	for _, allowed := range cardEdges[c] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidColumn reports whether name is a known column.
func ValidColumn(name string) bool {
	switch CardColumn(name) {
	case ColumnIncoming, ColumnAnalysis, ColumnBacklog, ColumnInProgress, ColumnTesting, ColumnDone, ColumnDismissed:
		return true
	}
	return false
}

type ChecklistItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

type Checklist []ChecklistItem

func (c Checklist) Value() (driver.Value, error) { return jsonValue(c) }
func (c *Checklist) Scan(src any) error        { return jsonScan(src, c) }

// Improvement is the configuration delta a card proposes for an agent.
type Improvement struct {
	PromptAppend string   `json:"prompt_append,omitempty"`
	ModelTier    string   `json:"model_tier,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

func (i Improvement) IsEmpty() bool {
	return i.PromptAppend == "" && i.ModelTier == "" && len(i.AllowedTools) == 0
}

func (i Improvement) Value() (driver.Value, error) { return jsonValue(i) }
func (i *Improvement) Scan(src any) error        { return jsonScan(src, i) }

// ImprovementCard tracks related feedback through the improvement pipeline.
type ImprovementCard struct {
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
	AppliedAt   *time.Time  `db:"applied_at" json:"applied_at,omitempty"`
	ID          string      `db:"id" json:"id"`
	OrgID       string      `db:"org_id" json:"org_id"`
	Title       string      `db:"title" json:"title"`
	Description string      `db:"description" json:"description"`
	FeedbackIDs StringList  `db:"feedback_ids" json:"feedback_ids"`
	AgentType   string      `db:"agent_type" json:"agent_type"`
	Labels      StringList  `db:"labels" json:"labels"`
	Checklist   Checklist   `db:"checklist" json:"checklist"`
	Column      CardColumn  `db:"column_name" json:"column"`
	Improvement Improvement `db:"improvement" json:"improvement"`
	LastError   string      `db:"last_error" json:"last_error,omitempty"`
	Baseline    float64     `db:"baseline" json:"baseline"`
	ImpactScore int         `db:"impact_score" json:"impact_score"`
	EffortScore int         `db:"effort_score" json:"effort_score"`
	AutoApply   bool        `db:"auto_apply" json:"auto_apply"`
}

// HasLabel reports whether the card carries label.
func (c *ImprovementCard) HasLabel(label string) bool {
	for _, l := range c.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// AgentOverride is an applied improvement that the catalog overlays on an agent definition.
type AgentOverride struct {
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	ID           string     `db:"id" json:"id"`
	OrgID        string     `db:"org_id" json:"org_id"`
	AgentType    string     `db:"agent_type" json:"agent_type"`
	CardID       string     `db:"card_id" json:"card_id"`
	PromptAppend string     `db:"prompt_append" json:"prompt_append,omitempty"`
	ModelTier    string     `db:"model_tier" json:"model_tier,omitempty"`
	AllowedTools StringList `db:"allowed_tools" json:"allowed_tools,omitempty"`
}

// NewID returns a fresh entity id.
func NewID() string {
	return uuid.New().String()
}

// StringList is a []string stored as a JSON array.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	return jsonValue(l)
}
func (l *StringList) Scan(src any) error { return jsonScan(src, l) }

// JSONMap is a map stored as a JSON object.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	return jsonValue(m)
}
func (m *JSONMap) Scan(src any) error { return jsonScan(src, m) }

// JSONRaw is an opaque JSON document. Empty values are stored as NULL.
type JSONRaw json.RawMessage

func (r JSONRaw) Value() (driver.Value, error) {
	if len(r) == 0 {
		return nil, nil
	}
	return string(r), nil
}

func (r *JSONRaw) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*r = nil
	case string:
		*r = JSONRaw(v)
	case []byte:
		*r = append(JSONRaw(nil), v...)
	default:
		return fmt.Errorf("unsupported JSON source type %T", src)
	}
	return nil
}

func (r JSONRaw) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

func (r *JSONRaw) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}

func jsonValue(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON column: %w", err)
	}
	return string(b), nil
}

func jsonScan(src, dst any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported JSON source type %T", src)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to unmarshal JSON column: %w", err)
	}
	return nil
}
