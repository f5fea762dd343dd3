package store

import "time"

type User struct {
	ID        string
	Username  string
	FullName  string
	Email     string
	CreatedAt time.Time
}

type Project struct {
	ID        string
	Key       string
	Name      string
	OwnerID   string
	CreatedAt time.Time
}

// WorkflowState carries its outgoing transitions as a typed list of state
// IDs. An empty list means the state is unconstrained. The adjacency is
// persisted as rows in workflow_transitions; no delimited encoding leaves
// the storage layer.
type WorkflowState struct {
	ID          string
	ProjectID   string
	Name        string
	Ordinal     int
	Terminal    bool
	Transitions []string
}

type Label struct {
	ID        string
	ProjectID string
	Name      string
}

type Issue struct {
	ID          string
	ProjectID   string
	Key         string
	Title       string
	Description string
	StateID     string
	Priority    string
	ReporterID  string
	AssigneeID  *string
	StoryPoints *int
	DueDate     *time.Time
	Labels      []Label
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HistoryEntry rows are append-only; nothing updates or deletes them.
type HistoryEntry struct {
	ID        int64
	IssueID   string
	ActorID   string
	ActorName string
	Field     string
	OldValue  string
	NewValue  string
	CreatedAt time.Time
}

type Comment struct {
	ID        string
	IssueID   string
	AuthorID  string
	Content   string
	Edited    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Mention struct {
	CommentID   string
	MentionedID string
	MentionerID string
}

type Notification struct {
	ID          string
	RecipientID string
	Type        string
	Message     string
	Link        string
	EntityID    string
	EntityType  string
	Read        bool
	CreatedAt   time.Time
	ReadAt      *time.Time
}

type Attachment struct {
	ID          string
	IssueID     string
	FileName    string
	ContentType string
	Size        int64
	ObjectKey   string
	UploadedBy  string
	CreatedAt   time.Time
}
