package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"quarry/internal/attach"
	"quarry/internal/config"
	"quarry/internal/mention"
	"quarry/internal/perm"
	"quarry/internal/pubsub"
	"quarry/internal/search"
	"quarry/internal/store"
	"quarry/internal/util"
	"quarry/internal/workflow"
)

var allowedPriorities = map[string]struct{}{
	"LOW":      {},
	"MEDIUM":   {},
	"HIGH":     {},
	"CRITICAL": {},
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByUsername(context.Context, string) (store.User, error)
	CreateProject(context.Context, store.Project, []store.WorkflowState) error
	GetProject(context.Context, string) (store.Project, error)
	AddMember(context.Context, string, string) error
	ListMemberIDs(context.Context, string) ([]string, error)
	GetWorkflowState(context.Context, string) (store.WorkflowState, error)
	GetWorkflowStateByName(context.Context, string, string) (store.WorkflowState, error)
	FirstWorkflowState(context.Context, string) (store.WorkflowState, error)
	CreateLabel(context.Context, store.Label) error
	ListLabelsByIDs(context.Context, []string) ([]store.Label, error)
	CreateIssue(context.Context, store.Issue, []string) (store.Issue, error)
	GetIssue(context.Context, string) (store.Issue, error)
	ApplyIssueUpdate(context.Context, store.Issue, []string, bool, []store.HistoryEntry) error
	ListIssueHistory(context.Context, string) ([]store.HistoryEntry, error)
	GetComment(context.Context, string) (store.Comment, error)
	ListComments(context.Context, string) ([]store.Comment, error)
	CreateCommentWithMentions(context.Context, store.Comment, []store.Mention, []store.Notification) error
	UpdateCommentWithMentions(context.Context, string, string, []store.Mention, []store.Notification) error
	DeleteComment(context.Context, string) error
	ListNotifications(context.Context, string) ([]store.Notification, error)
	MarkNotificationRead(context.Context, string, string) (bool, error)
	InsertAttachment(context.Context, store.Attachment) error
	ListAttachments(context.Context, string) ([]store.Attachment, error)
	Ping(ctx context.Context) error
}

// eventPublisher is the at-most-once channel publisher. Failures never
// propagate to callers.
type eventPublisher interface {
	Publish(ctx context.Context, channel string, payload any) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	publisher eventPublisher
	search    *search.Service
	blobs     blobStore
}

// New wires the service. publisher and blobs are optional; nil disables
// event fan-out and attachments respectively.
func New(cfg config.Config, dataStore *store.PostgresStore, publisher *pubsub.RedisPublisher, searchService *search.Service, blobs *attach.Store) *Service {
	s := &Service{
		cfg:    cfg,
		store:  dataStore,
		search: searchService,
	}
	if publisher != nil {
		s.publisher = publisher
	}
	if blobs != nil {
		s.blobs = blobs
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ResolveActor maps the caller-supplied handle to a user record. Identity
// issuance itself lives outside this service.
func (s *Service) ResolveActor(ctx context.Context, handle string) (store.User, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return store.User{}, errForbidden("actor handle is required")
	}
	user, err := s.store.GetUserByUsername(ctx, handle)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, errForbidden("unknown actor")
	}
	if err != nil {
		return store.User{}, err
	}
	return user, nil
}

func (s *Service) CreateUser(ctx context.Context, username, fullName, email string) (store.User, error) {
	username = strings.TrimSpace(username)
	if !mention.ValidHandle(username) {
		return store.User{}, errValidation("username must be 3-50 word characters")
	}
	fullName = strings.TrimSpace(fullName)
	if fullName == "" {
		return store.User{}, errValidation("fullName is required")
	}
	user := store.User{
		ID:       util.NewID("usr"),
		Username: username,
		FullName: fullName,
		Email:    strings.TrimSpace(email),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return store.User{}, err
	}
	return user, nil
}

func (s *Service) CreateProject(ctx context.Context, key, name string, actor store.User) (store.Project, error) {
	key = strings.ToUpper(strings.TrimSpace(key))
	if key == "" || !isProjectKey(key) {
		return store.Project{}, errValidation("project key must be 2-10 uppercase letters or digits")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Project{}, errValidation("name is required")
	}
	project := store.Project{
		ID:      util.NewID("prj"),
		Key:     key,
		Name:    name,
		OwnerID: actor.ID,
	}
	states := workflow.DefaultStates(project.ID)
	if err := s.store.CreateProject(ctx, project, states); err != nil {
		return store.Project{}, err
	}
	return project, nil
}

func isProjectKey(key string) bool {
	if len(key) < 2 || len(key) > 10 {
		return false
	}
	for i := 0; i < len(key); i++ {
		ch := key[i]
		if (ch < 'A' || ch > 'Z') && (ch < '0' || ch > '9') {
			return false
		}
	}
	return true
}

func (s *Service) AddMember(ctx context.Context, projectID, username string, actor store.User) error {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if !perm.IsOwner(project, actor.ID) {
		return errForbidden("only the project owner can add members")
	}
	user, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, sql.ErrNoRows) {
		return errNotFound("user")
	}
	if err != nil {
		return err
	}
	return s.store.AddMember(ctx, project.ID, user.ID)
}

func (s *Service) CreateLabel(ctx context.Context, projectID, name string, actor store.User) (store.Label, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return store.Label{}, err
	}
	members, err := s.store.ListMemberIDs(ctx, project.ID)
	if err != nil {
		return store.Label{}, err
	}
	if !perm.IsMember(project, members, actor.ID) {
		return store.Label{}, errForbidden("project membership required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Label{}, errValidation("name is required")
	}
	label := store.Label{ID: util.NewID("lbl"), ProjectID: project.ID, Name: name}
	if err := s.store.CreateLabel(ctx, label); err != nil {
		return store.Label{}, err
	}
	return label, nil
}

// requireMember loads the issue's project and gates the actor on membership.
func (s *Service) requireMember(ctx context.Context, projectID string, actor store.User) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return store.Project{}, err
	}
	members, err := s.store.ListMemberIDs(ctx, project.ID)
	if err != nil {
		return store.Project{}, err
	}
	if !perm.IsMember(project, members, actor.ID) {
		return store.Project{}, errForbidden("project membership required")
	}
	return project, nil
}

type IssueDraft struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    string   `json:"priority"`
	Assignee    string   `json:"assignee"`
	StoryPoints *int     `json:"storyPoints"`
	DueDate     string   `json:"dueDate"`
	Labels      []string `json:"labels"`
}

// CreateIssue opens an issue at the project's first workflow state with the
// next project-scoped key.
func (s *Service) CreateIssue(ctx context.Context, projectID string, draft IssueDraft, actor store.User) (store.Issue, error) {
	project, err := s.requireMember(ctx, projectID, actor)
	if err != nil {
		return store.Issue{}, err
	}

	title := strings.TrimSpace(draft.Title)
	if title == "" {
		return store.Issue{}, errValidation("title is required")
	}
	priority := strings.ToUpper(strings.TrimSpace(draft.Priority))
	if priority == "" {
		priority = "MEDIUM"
	}
	if _, ok := allowedPriorities[priority]; !ok {
		return store.Issue{}, errValidation("priority must be LOW, MEDIUM, HIGH or CRITICAL")
	}
	if draft.StoryPoints != nil && *draft.StoryPoints <= 0 {
		return store.Issue{}, errValidation("storyPoints must be positive")
	}
	dueDate, err := parseDueDate(draft.DueDate)
	if err != nil {
		return store.Issue{}, err
	}

	issue := store.Issue{
		ID:          util.NewID("iss"),
		ProjectID:   project.ID,
		Title:       title,
		Description: draft.Description,
		Priority:    priority,
		ReporterID:  actor.ID,
		StoryPoints: draft.StoryPoints,
		DueDate:     dueDate,
	}

	if assignee := strings.TrimSpace(draft.Assignee); assignee != "" {
		assigneeUser, err := s.resolveAssignee(ctx, project, assignee)
		if err != nil {
			return store.Issue{}, err
		}
		issue.AssigneeID = &assigneeUser.ID
	}

	labelIDs, _, err := s.resolveLabels(ctx, project.ID, draft.Labels)
	if err != nil {
		return store.Issue{}, err
	}

	first, err := s.store.FirstWorkflowState(ctx, project.ID)
	if err != nil {
		return store.Issue{}, err
	}
	issue.StateID = first.ID

	created, err := s.store.CreateIssue(ctx, issue, labelIDs)
	if err != nil {
		return store.Issue{}, err
	}
	created.Labels, _ = s.store.ListLabelsByIDs(ctx, labelIDs)

	s.indexIssue(ctx, created, first.Name)
	return created, nil
}

func (s *Service) GetIssue(ctx context.Context, issueID string, actor store.User) (store.Issue, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return store.Issue{}, err
	}
	if _, err := s.requireMember(ctx, issue.ProjectID, actor); err != nil {
		return store.Issue{}, err
	}
	return issue, nil
}

// GetIssueHistory returns the issue's audit trail, newest first.
func (s *Service) GetIssueHistory(ctx context.Context, issueID string, actor store.User) ([]store.HistoryEntry, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireMember(ctx, issue.ProjectID, actor); err != nil {
		return nil, err
	}
	return s.store.ListIssueHistory(ctx, issue.ID)
}

// resolveAssignee resolves a username and checks project membership; an
// assignee outside the project is a cross-project reference.
func (s *Service) resolveAssignee(ctx context.Context, project store.Project, username string) (store.User, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, errNotFound("assignee")
	}
	if err != nil {
		return store.User{}, err
	}
	members, err := s.store.ListMemberIDs(ctx, project.ID)
	if err != nil {
		return store.User{}, err
	}
	if !perm.IsMember(project, members, user.ID) {
		return store.User{}, errCrossProject("assignee")
	}
	return user, nil
}

// resolveLabels deduplicates the requested IDs (first occurrence wins),
// verifies existence and project ownership, and returns the IDs plus loaded
// labels in request order.
func (s *Service) resolveLabels(ctx context.Context, projectID string, labelIDs []string) ([]string, []store.Label, error) {
	unique := make([]string, 0, len(labelIDs))
	seen := make(map[string]struct{}, len(labelIDs))
	for _, id := range labelIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	labels, err := s.store.ListLabelsByIDs(ctx, unique)
	if err != nil {
		return nil, nil, err
	}
	if len(labels) != len(unique) {
		return nil, nil, errNotFound("label")
	}
	for _, label := range labels {
		if label.ProjectID != projectID {
			return nil, nil, errCrossProject("label " + label.Name)
		}
	}
	return unique, labels, nil
}
