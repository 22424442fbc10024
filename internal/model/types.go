// Package model defines the entities shared across the daemon: teams,
// agents, tasks, messages, reviews, events, and registered repos.
//
// Entities are kept deliberately free of behavior. Cross-references between
// entities are ids, not pointers, so the daemon's in-memory caches never
// have to reason about cyclic object graphs.
package model

import "time"

// Role is an agent's function within a team.
type Role string

const (
	RoleManager  Role = "manager"
	RoleEngineer Role = "engineer"
	RoleReviewer Role = "reviewer"
)

// ApprovalPolicy controls whether a repo's merges require a human.
type ApprovalPolicy string

const (
	ApprovalHuman ApprovalPolicy = "human"
	ApprovalAuto  ApprovalPolicy = "auto"
)

// MessageKind distinguishes human chat from machine-generated traffic.
type MessageKind string

const (
	MessageChat       MessageKind = "chat"
	MessageEvent      MessageKind = "event"
	MessageToolResult MessageKind = "tool_result"
)

// ReviewDecision is the outcome of a single review attempt.
type ReviewDecision string

const (
	ReviewApproved         ReviewDecision = "approved"
	ReviewChangesRequested ReviewDecision = "changes_requested"
)

// ApprovalStatus tracks human sign-off on a task's final diff.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Team is a named isolation boundary: a roster of agents, a set of
// registered repos, a charter, and per-role model configuration.
type Team struct {
	ID          string
	Name        string
	Charter     string
	CreatedAt   time.Time
	DestroyedAt *time.Time
}

// Agent is a member of a team.
type Agent struct {
	ID            string
	TeamID        string
	Name          string
	Role          Role
	ModelSelector string
	MemoryDir     string
	CreatedAt     time.Time
}

// Repo is a registered git repository, referenced by symlink from the
// team's working directory.
type Repo struct {
	ID             int64
	TeamID         string
	Path           string
	DisplayName    string
	TargetBranch   string
	PretestCommand string
	ApprovalPolicy ApprovalPolicy
}

// Task is the unit of work routed through the workflow engine.
type Task struct {
	ID              int64
	TeamID          string
	Title           string
	Description     string
	Priority        int
	Status          string // current workflow stage key
	AssigneeID      string
	DRI             string
	ReviewerID      string
	DependsOn       []int64
	RepoIDs         []int64
	Branch          string
	BaseSHAs        map[int64]string // repo id -> sha, captured once at worktree creation
	ApprovalStatus  ApprovalStatus
	RejectionReason string
	StatusDetail    string
	WorkflowName    string
	WorkflowVersion int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// Well-known stage keys, fixed regardless of the workflow in use. Done,
// cancelled and rejected are terminal; merge_failed is not (a failed
// merge can be retried).
const (
	StageDone        = "done"
	StageCancelled   = "cancelled"
	StageRejected    = "rejected"
	StageMergeFailed = "merge_failed"
)

// IsTerminal reports whether status is one of the workflow's terminal stages.
func IsTerminal(status string) bool {
	switch status {
	case StageDone, StageCancelled, StageRejected:
		return true
	default:
		return false
	}
}

// Message is addressed communication between agents (or a human and an
// agent), both routed to a mailbox and appended to the event log.
type Message struct {
	ID            int64
	TeamID        string
	Sender        string
	Recipient     string
	Kind          MessageKind
	Body          string
	RelatedTaskID *int64
	IsHuman       bool
	CreatedAt     time.Time
	ReadAt        *time.Time
}

// ReviewComment anchors review feedback to a specific file and line.
type ReviewComment struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Body string `json:"body"`
}

// Review is an immutable record of one review attempt on a task.
type Review struct {
	ID        int64
	TaskID    int64
	Attempt   int
	Reviewer  string
	Summary   string
	Comments  []ReviewComment
	Decision  ReviewDecision
	CreatedAt time.Time
}

// Event is an append-only log entry seen by the SSE fan-out.
type Event struct {
	Seq       int64
	TeamSeq   int64
	TeamID    string
	Kind      string
	Payload   string // JSON
	CreatedAt time.Time
}

// UsageTotals accumulates token and cost figures for one agent's model
// session. It is the single place token/cost arithmetic happens.
type UsageTotals struct {
	TokensIn  int64
	TokensOut int64
	CostCents int64
}

// Add folds another turn's usage into the running total.
func (u *UsageTotals) Add(tokensIn, tokensOut int64, costCents int64) {
	u.TokensIn += tokensIn
	u.TokensOut += tokensOut
	u.CostCents += costCents
}
