package app

import (
	"context"
	"log"
	"time"

	"quarry/internal/pubsub"
	"quarry/internal/search"
	"quarry/internal/store"
)

// publishIssueEvent sends a lightweight mutation event on the issue's shared
// channel. Runs strictly after the triggering write commits; failures are
// logged and swallowed so delivery stays best-effort.
func (s *Service) publishIssueEvent(ctx context.Context, issueID, kind string, payload map[string]any) {
	if s.publisher == nil {
		return
	}
	event := pubsub.Event{Kind: kind, Payload: payload, At: time.Now().UTC()}
	if err := s.publisher.Publish(ctx, pubsub.IssueChannel(issueID), event); err != nil {
		log.Printf("notify: publish %s on issue %s: %v", kind, issueID, err)
	}
}

// publishMentionNotifications delivers each persisted notification on the
// mentioned user's private channel, same best-effort contract.
func (s *Service) publishMentionNotifications(ctx context.Context, resolved []resolvedMention) {
	if s.publisher == nil {
		return
	}
	for _, item := range resolved {
		channel := pubsub.UserNotificationChannel(item.user.Username)
		if err := s.publisher.Publish(ctx, channel, map[string]any{
			"id":         item.notification.ID,
			"type":       item.notification.Type,
			"message":    item.notification.Message,
			"link":       item.notification.Link,
			"entityId":   item.notification.EntityID,
			"entityType": item.notification.EntityType,
		}); err != nil {
			log.Printf("notify: publish notification to %s: %v", item.user.Username, err)
		}
	}
}

// SearchIssues runs a full-text query. A project filter also gates the
// caller on membership in that project.
func (s *Service) SearchIssues(ctx context.Context, q search.Query, actor store.User) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	if q.FilterProjectID != "" {
		if _, err := s.requireMember(ctx, q.FilterProjectID, actor); err != nil {
			return search.Response{}, err
		}
	}
	return s.search.Search(q), nil
}

// indexIssue pushes the issue into the search index, fire-and-forget.
func (s *Service) indexIssue(ctx context.Context, issue store.Issue, stateName string) {
	if s.search == nil {
		return
	}
	s.search.IndexIssue(search.IssueRecord{
		ID:          issue.ID,
		ProjectID:   issue.ProjectID,
		Key:         issue.Key,
		Title:       issue.Title,
		Description: issue.Description,
		Priority:    issue.Priority,
		Status:      stateName,
	})
}
