package app

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"quarry/internal/store"
	"quarry/internal/workflow"
)

// IssueUpdate is a sparse partial update: nil fields are untouched. State
// and assignee travel by name/handle; labels as an ID list that replaces
// the set. Key, reporter and createdAt are immutable and rejected when sent
// with a differing value.
type IssueUpdate struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	State       *string   `json:"state"`
	Priority    *string   `json:"priority"`
	Assignee    *string   `json:"assignee"`
	StoryPoints *int      `json:"storyPoints"`
	DueDate     *string   `json:"dueDate"`
	Labels      *[]string `json:"labels"`
	Key         *string   `json:"key"`
	Reporter    *string   `json:"reporter"`
	CreatedAt   *string   `json:"createdAt"`
}

// UpdateIssue is the single write path for issue mutation: permission gate,
// workflow validation (status changes only), referential checks, field diff,
// then issue + history in one atomic store call. The issue event publishes
// only after the commit and never fails the call.
func (s *Service) UpdateIssue(ctx context.Context, issueID string, update IssueUpdate, actor store.User) (store.Issue, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return store.Issue{}, err
	}
	project, err := s.requireMember(ctx, issue.ProjectID, actor)
	if err != nil {
		return store.Issue{}, err
	}

	if update.Key != nil && *update.Key != issue.Key {
		return store.Issue{}, errImmutableField("key")
	}
	if update.Reporter != nil {
		reporter, err := s.store.GetUserByID(ctx, issue.ReporterID)
		if err != nil {
			return store.Issue{}, err
		}
		if *update.Reporter != reporter.Username {
			return store.Issue{}, errImmutableField("reporter")
		}
	}
	if update.CreatedAt != nil {
		sent, err := time.Parse(time.RFC3339, *update.CreatedAt)
		if err != nil || !sent.Equal(issue.CreatedAt) {
			return store.Issue{}, errImmutableField("createdAt")
		}
	}

	next := issue
	now := time.Now().UTC()
	history := make([]store.HistoryEntry, 0, 4)
	appendChange := func(field, oldValue, newValue string) {
		history = append(history, store.HistoryEntry{
			IssueID:   issue.ID,
			ActorID:   actor.ID,
			Field:     field,
			OldValue:  oldValue,
			NewValue:  newValue,
			CreatedAt: now,
		})
	}

	if update.Title != nil {
		title := strings.TrimSpace(*update.Title)
		if title == "" {
			return store.Issue{}, errValidation("title cannot be empty")
		}
		if title != issue.Title {
			appendChange("title", issue.Title, title)
			next.Title = title
		}
	}

	if update.Description != nil && *update.Description != issue.Description {
		appendChange("description", issue.Description, *update.Description)
		next.Description = *update.Description
	}

	stateName := ""
	if update.State != nil {
		current, err := s.store.GetWorkflowState(ctx, issue.StateID)
		if err != nil {
			return store.Issue{}, err
		}
		target, err := s.resolveTargetState(ctx, issue, *update.State)
		if err != nil {
			return store.Issue{}, err
		}
		if target.ID != current.ID {
			if err := workflow.ValidateTransition(current, target); err != nil {
				var invalid *workflow.InvalidTransitionError
				if errors.As(err, &invalid) {
					return store.Issue{}, errInvalidTransition(invalid.From, invalid.To)
				}
				return store.Issue{}, err
			}
			appendChange("status", current.Name, target.Name)
			next.StateID = target.ID
		}
		stateName = target.Name
	}

	if update.Priority != nil {
		priority := strings.ToUpper(strings.TrimSpace(*update.Priority))
		if _, ok := allowedPriorities[priority]; !ok {
			return store.Issue{}, errValidation("priority must be LOW, MEDIUM, HIGH or CRITICAL")
		}
		if priority != issue.Priority {
			appendChange("priority", issue.Priority, priority)
			next.Priority = priority
		}
	}

	if update.Assignee != nil {
		oldName := ""
		if issue.AssigneeID != nil {
			oldUser, err := s.store.GetUserByID(ctx, *issue.AssigneeID)
			if err != nil {
				return store.Issue{}, err
			}
			oldName = oldUser.Username
		}
		newHandle := strings.TrimSpace(*update.Assignee)
		if newHandle == "" {
			if issue.AssigneeID != nil {
				appendChange("assignee", oldName, "")
				next.AssigneeID = nil
			}
		} else if newHandle != oldName {
			assignee, err := s.resolveAssignee(ctx, project, newHandle)
			if err != nil {
				return store.Issue{}, err
			}
			appendChange("assignee", oldName, assignee.Username)
			next.AssigneeID = &assignee.ID
		}
	}

	if update.StoryPoints != nil {
		if *update.StoryPoints <= 0 {
			return store.Issue{}, errValidation("storyPoints must be positive")
		}
		if issue.StoryPoints == nil || *issue.StoryPoints != *update.StoryPoints {
			appendChange("storyPoints", renderPoints(issue.StoryPoints), strconv.Itoa(*update.StoryPoints))
			points := *update.StoryPoints
			next.StoryPoints = &points
		}
	}

	if update.DueDate != nil {
		dueDate, err := parseDueDate(*update.DueDate)
		if err != nil {
			return store.Issue{}, err
		}
		oldValue := renderDate(issue.DueDate)
		newValue := renderDate(dueDate)
		if oldValue != newValue {
			appendChange("dueDate", oldValue, newValue)
			next.DueDate = dueDate
		}
	}

	labelsChanged := false
	var labelIDs []string
	if update.Labels != nil {
		ids, labels, err := s.resolveLabels(ctx, project.ID, *update.Labels)
		if err != nil {
			return store.Issue{}, err
		}
		oldValue := renderLabels(issue.Labels)
		newValue := renderLabels(labels)
		if oldValue != newValue {
			appendChange("labels", oldValue, newValue)
			labelsChanged = true
			labelIDs = ids
			next.Labels = labels
		}
	}

	if len(history) == 0 {
		return issue, nil
	}

	if err := s.store.ApplyIssueUpdate(ctx, next, labelIDs, labelsChanged, history); err != nil {
		return store.Issue{}, err
	}

	fields := make([]string, 0, len(history))
	for _, entry := range history {
		fields = append(fields, entry.Field)
	}
	s.publishIssueEvent(ctx, issue.ID, "issue_updated", map[string]any{
		"issueId": issue.ID,
		"key":     issue.Key,
		"fields":  fields,
		"actor":   actor.Username,
	})

	if stateName == "" {
		if state, err := s.store.GetWorkflowState(ctx, next.StateID); err == nil {
			stateName = state.Name
		}
	}
	s.indexIssue(ctx, next, stateName)

	return next, nil
}

// resolveTargetState accepts a state name within the issue's project, or a
// raw state ID. An ID from another project is a cross-project reference.
func (s *Service) resolveTargetState(ctx context.Context, issue store.Issue, value string) (store.WorkflowState, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return store.WorkflowState{}, errValidation("state cannot be empty")
	}
	state, err := s.store.GetWorkflowStateByName(ctx, issue.ProjectID, value)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.WorkflowState{}, err
	}
	state, err = s.store.GetWorkflowState(ctx, value)
	if errors.Is(err, sql.ErrNoRows) {
		return store.WorkflowState{}, errNotFound("workflow state")
	}
	if err != nil {
		return store.WorkflowState{}, err
	}
	if state.ProjectID != issue.ProjectID {
		return store.WorkflowState{}, errCrossProject("workflow state")
	}
	return state, nil
}

func parseDueDate(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	parsed, err := time.Parse("2006-01-02", value)
	if err != nil {
		if parsed, err = time.Parse(time.RFC3339, value); err != nil {
			return nil, errValidation("dueDate must be YYYY-MM-DD or RFC 3339")
		}
	}
	return &parsed, nil
}

func renderPoints(points *int) string {
	if points == nil {
		return ""
	}
	return strconv.Itoa(*points)
}

func renderDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}

// renderLabels is the order-preserving rendered name list used both for
// equality and for history values.
func renderLabels(labels []store.Label) string {
	names := make([]string, 0, len(labels))
	for _, label := range labels {
		names = append(names, label.Name)
	}
	return strings.Join(names, ", ")
}
