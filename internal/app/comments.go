package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"quarry/internal/mention"
	"quarry/internal/perm"
	"quarry/internal/store"
	"quarry/internal/util"
)

// DeepLink is the canonical in-app location of a comment.
func DeepLink(projectID, issueKey, commentID string) string {
	return fmt.Sprintf("/projects/%s/issues/%s#comment-%s", projectID, issueKey, commentID)
}

// resolvedMention pairs a mention row with the user it targets, so the
// post-commit publish knows the recipient's channel.
type resolvedMention struct {
	user         store.User
	notification store.Notification
}

// buildMentions extracts handles from the text, resolves them against the
// user store (unresolved handles drop silently) and prepares the mention
// rows plus one MENTION notification per resolved user.
func (s *Service) buildMentions(ctx context.Context, text, commentID string, project store.Project, issue store.Issue, author store.User) ([]store.Mention, []resolvedMention, error) {
	handles := mention.Extract(text, author.Username)
	mentions := make([]store.Mention, 0, len(handles))
	resolved := make([]resolvedMention, 0, len(handles))

	for _, handle := range handles {
		user, err := s.store.GetUserByUsername(ctx, handle)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		mentions = append(mentions, store.Mention{
			CommentID:   commentID,
			MentionedID: user.ID,
			MentionerID: author.ID,
		})
		resolved = append(resolved, resolvedMention{
			user: user,
			notification: store.Notification{
				ID:          util.NewID("ntf"),
				RecipientID: user.ID,
				Type:        "MENTION",
				Message:     fmt.Sprintf("%s mentioned you in a comment", author.FullName),
				Link:        DeepLink(project.ID, issue.Key, commentID),
				EntityID:    commentID,
				EntityType:  "comment",
			},
		})
	}
	return mentions, resolved, nil
}

func notificationRows(resolved []resolvedMention) []store.Notification {
	rows := make([]store.Notification, 0, len(resolved))
	for _, item := range resolved {
		rows = append(rows, item.notification)
	}
	return rows
}

func (s *Service) CreateComment(ctx context.Context, issueID, text string, actor store.User) (store.Comment, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return store.Comment{}, err
	}
	project, err := s.requireMember(ctx, issue.ProjectID, actor)
	if err != nil {
		return store.Comment{}, err
	}
	content := strings.TrimSpace(text)
	if content == "" {
		return store.Comment{}, errValidation("text is required")
	}

	comment := store.Comment{
		ID:       util.NewID("cmt"),
		IssueID:  issue.ID,
		AuthorID: actor.ID,
		Content:  content,
	}
	mentions, resolved, err := s.buildMentions(ctx, content, comment.ID, project, issue, actor)
	if err != nil {
		return store.Comment{}, err
	}

	if err := s.store.CreateCommentWithMentions(ctx, comment, mentions, notificationRows(resolved)); err != nil {
		return store.Comment{}, err
	}

	// Post-commit fan-out; best-effort by design.
	s.publishMentionNotifications(ctx, resolved)
	s.publishIssueEvent(ctx, issue.ID, "comment_created", map[string]any{
		"issueId":   issue.ID,
		"commentId": comment.ID,
		"author":    actor.Username,
	})
	return comment, nil
}

// UpdateComment replaces the body and re-derives the mention set from the
// new text; prior mentions for the comment are discarded, not merged.
func (s *Service) UpdateComment(ctx context.Context, commentID, text string, actor store.User) (store.Comment, error) {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return store.Comment{}, err
	}
	if comment.AuthorID != actor.ID {
		return store.Comment{}, errForbidden("only the author can edit a comment")
	}
	issue, err := s.store.GetIssue(ctx, comment.IssueID)
	if err != nil {
		return store.Comment{}, err
	}
	project, err := s.store.GetProject(ctx, issue.ProjectID)
	if err != nil {
		return store.Comment{}, err
	}
	content := strings.TrimSpace(text)
	if content == "" {
		return store.Comment{}, errValidation("text is required")
	}

	mentions, resolved, err := s.buildMentions(ctx, content, comment.ID, project, issue, actor)
	if err != nil {
		return store.Comment{}, err
	}

	if err := s.store.UpdateCommentWithMentions(ctx, comment.ID, content, mentions, notificationRows(resolved)); err != nil {
		return store.Comment{}, err
	}
	comment.Content = content
	comment.Edited = true

	s.publishMentionNotifications(ctx, resolved)
	s.publishIssueEvent(ctx, issue.ID, "comment_updated", map[string]any{
		"issueId":   issue.ID,
		"commentId": comment.ID,
		"author":    actor.Username,
	})
	return comment, nil
}

// DeleteComment is allowed for the author and for the project owner.
func (s *Service) DeleteComment(ctx context.Context, commentID string, actor store.User) error {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return err
	}
	issue, err := s.store.GetIssue(ctx, comment.IssueID)
	if err != nil {
		return err
	}
	project, err := s.store.GetProject(ctx, issue.ProjectID)
	if err != nil {
		return err
	}
	if comment.AuthorID != actor.ID && !perm.IsOwner(project, actor.ID) {
		return errForbidden("only the author or project owner can delete a comment")
	}

	if err := s.store.DeleteComment(ctx, comment.ID); err != nil {
		return err
	}

	s.publishIssueEvent(ctx, issue.ID, "comment_deleted", map[string]any{
		"issueId":   issue.ID,
		"commentId": comment.ID,
		"actor":     actor.Username,
	})
	return nil
}

func (s *Service) ListComments(ctx context.Context, issueID string, actor store.User) ([]store.Comment, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireMember(ctx, issue.ProjectID, actor); err != nil {
		return nil, err
	}
	return s.store.ListComments(ctx, issue.ID)
}

func (s *Service) ListNotifications(ctx context.Context, actor store.User) ([]store.Notification, error) {
	return s.store.ListNotifications(ctx, actor.ID)
}

// MarkNotificationRead flips the read flag; only the recipient's own rows
// match.
func (s *Service) MarkNotificationRead(ctx context.Context, notificationID string, actor store.User) error {
	changed, err := s.store.MarkNotificationRead(ctx, notificationID, actor.ID)
	if err != nil {
		return err
	}
	if !changed {
		return errNotFound("notification")
	}
	return nil
}
