package store

import (
	"context"
	"database/sql"
	"fmt"
)

// serializableTx opts: every issue/comment write path runs as one
// serializable unit; channel publication stays outside it.
var serializableTx = &sql.TxOptions{Isolation: sql.LevelSerializable}

// CreateIssue assigns the next project-scoped key and inserts the issue and
// its label links in one transaction. The sequence is bumped with a single
// UPDATE ... RETURNING so concurrent creates never reuse a number.
func (s *PostgresStore) CreateIssue(ctx context.Context, issue Issue, labelIDs []string) (Issue, error) {
	tx, err := s.db.BeginTx(ctx, serializableTx)
	if err != nil {
		return Issue{}, fmt.Errorf("begin create issue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	var projectKey string
	err = tx.QueryRowContext(ctx, `
		UPDATE projects SET issue_seq = issue_seq + 1
		WHERE id=$1
		RETURNING issue_seq, key
	`, issue.ProjectID).Scan(&seq, &projectKey)
	if err != nil {
		return Issue{}, fmt.Errorf("next issue seq: %w", err)
	}
	issue.Key = fmt.Sprintf("%s-%d", projectKey, seq)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO issues (id, project_id, key, title, description, state_id, priority, reporter_id, assignee_id, story_points, due_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, issue.ID, issue.ProjectID, issue.Key, issue.Title, issue.Description, issue.StateID,
		issue.Priority, issue.ReporterID, issue.AssigneeID, issue.StoryPoints, issue.DueDate); err != nil {
		return Issue{}, fmt.Errorf("insert issue: %w", err)
	}

	for position, labelID := range labelIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO issue_labels (issue_id, label_id, position)
			VALUES ($1, $2, $3)
		`, issue.ID, labelID, position); err != nil {
			return Issue{}, fmt.Errorf("insert issue label: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Issue{}, fmt.Errorf("commit create issue: %w", err)
	}
	return issue, nil
}

func (s *PostgresStore) GetIssue(ctx context.Context, issueID string) (Issue, error) {
	var issue Issue
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, key, title, description, state_id, priority, reporter_id, assignee_id, story_points, due_date, created_at, updated_at
		FROM issues
		WHERE id=$1
	`, issueID).Scan(
		&issue.ID,
		&issue.ProjectID,
		&issue.Key,
		&issue.Title,
		&issue.Description,
		&issue.StateID,
		&issue.Priority,
		&issue.ReporterID,
		&issue.AssigneeID,
		&issue.StoryPoints,
		&issue.DueDate,
		&issue.CreatedAt,
		&issue.UpdatedAt,
	)
	if err != nil {
		return Issue{}, err
	}
	labels, err := s.listIssueLabels(ctx, issue.ID)
	if err != nil {
		return Issue{}, err
	}
	issue.Labels = labels
	return issue, nil
}

func (s *PostgresStore) listIssueLabels(ctx context.Context, issueID string) ([]Label, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.project_id, l.name
		FROM issue_labels il
		JOIN labels l ON l.id = il.label_id
		WHERE il.issue_id=$1
		ORDER BY il.position ASC
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list issue labels: %w", err)
	}
	defer rows.Close()

	items := make([]Label, 0)
	for rows.Next() {
		var label Label
		if err := rows.Scan(&label.ID, &label.ProjectID, &label.Name); err != nil {
			return nil, fmt.Errorf("scan issue label: %w", err)
		}
		items = append(items, label)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issue labels: %w", err)
	}
	return items, nil
}

// ApplyIssueUpdate persists the mutated issue and every generated history
// row atomically. If labelsChanged is false the label links are untouched.
func (s *PostgresStore) ApplyIssueUpdate(ctx context.Context, issue Issue, labelIDs []string, labelsChanged bool, history []HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, serializableTx)
	if err != nil {
		return fmt.Errorf("begin issue update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE issues
		SET title=$2, description=$3, state_id=$4, priority=$5, assignee_id=$6, story_points=$7, due_date=$8, updated_at=NOW()
		WHERE id=$1
	`, issue.ID, issue.Title, issue.Description, issue.StateID, issue.Priority,
		issue.AssigneeID, issue.StoryPoints, issue.DueDate); err != nil {
		return fmt.Errorf("update issue: %w", err)
	}

	if labelsChanged {
		if _, err := tx.ExecContext(ctx, `DELETE FROM issue_labels WHERE issue_id=$1`, issue.ID); err != nil {
			return fmt.Errorf("clear issue labels: %w", err)
		}
		for position, labelID := range labelIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO issue_labels (issue_id, label_id, position)
				VALUES ($1, $2, $3)
			`, issue.ID, labelID, position); err != nil {
				return fmt.Errorf("insert issue label: %w", err)
			}
		}
	}

	for _, entry := range history {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO issue_history (issue_id, actor_id, field, old_value, new_value, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, entry.IssueID, entry.ActorID, entry.Field, entry.OldValue, entry.NewValue, entry.CreatedAt); err != nil {
			return fmt.Errorf("append history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit issue update: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListIssueHistory(ctx context.Context, issueID string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT h.id, h.issue_id, h.actor_id, u.username, h.field, h.old_value, h.new_value, h.created_at
		FROM issue_history h
		JOIN users u ON u.id = h.actor_id
		WHERE h.issue_id=$1
		ORDER BY h.created_at DESC, h.id DESC
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list issue history: %w", err)
	}
	defer rows.Close()

	items := make([]HistoryEntry, 0)
	for rows.Next() {
		var entry HistoryEntry
		if err := rows.Scan(&entry.ID, &entry.IssueID, &entry.ActorID, &entry.ActorName, &entry.Field, &entry.OldValue, &entry.NewValue, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issue history: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	var comment Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, issue_id, author_id, content, edited, created_at, updated_at
		FROM comments
		WHERE id=$1
	`, commentID).Scan(&comment.ID, &comment.IssueID, &comment.AuthorID, &comment.Content, &comment.Edited, &comment.CreatedAt, &comment.UpdatedAt)
	if err != nil {
		return Comment{}, err
	}
	return comment, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, issueID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, author_id, content, edited, created_at, updated_at
		FROM comments
		WHERE issue_id=$1
		ORDER BY created_at ASC
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var comment Comment
		if err := rows.Scan(&comment.ID, &comment.IssueID, &comment.AuthorID, &comment.Content, &comment.Edited, &comment.CreatedAt, &comment.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, comment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

// CreateCommentWithMentions commits the comment, its mention rows and the
// fan-out notifications as one unit.
func (s *PostgresStore) CreateCommentWithMentions(ctx context.Context, comment Comment, mentions []Mention, notifications []Notification) error {
	tx, err := s.db.BeginTx(ctx, serializableTx)
	if err != nil {
		return fmt.Errorf("begin create comment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO comments (id, issue_id, author_id, content)
		VALUES ($1, $2, $3, $4)
	`, comment.ID, comment.IssueID, comment.AuthorID, comment.Content); err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}

	if err := insertMentionsAndNotifications(ctx, tx, mentions, notifications); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create comment: %w", err)
	}
	return nil
}

// UpdateCommentWithMentions replaces the comment body and its entire mention
// set (replace, not merge) plus the fresh notifications in one unit.
func (s *PostgresStore) UpdateCommentWithMentions(ctx context.Context, commentID, content string, mentions []Mention, notifications []Notification) error {
	tx, err := s.db.BeginTx(ctx, serializableTx)
	if err != nil {
		return fmt.Errorf("begin update comment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE comments SET content=$2, edited=TRUE, updated_at=NOW() WHERE id=$1
	`, commentID, content); err != nil {
		return fmt.Errorf("update comment: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM mentions WHERE comment_id=$1`, commentID); err != nil {
		return fmt.Errorf("clear mentions: %w", err)
	}

	if err := insertMentionsAndNotifications(ctx, tx, mentions, notifications); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) error {
	tx, err := s.db.BeginTx(ctx, serializableTx)
	if err != nil {
		return fmt.Errorf("begin delete comment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM mentions WHERE comment_id=$1`, commentID); err != nil {
		return fmt.Errorf("delete mentions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE id=$1`, commentID); err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete comment: %w", err)
	}
	return nil
}

func insertMentionsAndNotifications(ctx context.Context, tx *sql.Tx, mentions []Mention, notifications []Notification) error {
	for _, mention := range mentions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO mentions (comment_id, mentioned_id, mentioner_id)
			VALUES ($1, $2, $3)
		`, mention.CommentID, mention.MentionedID, mention.MentionerID); err != nil {
			return fmt.Errorf("insert mention: %w", err)
		}
	}
	for _, notification := range notifications {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO notifications (id, recipient_id, type, message, link, entity_id, entity_type)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, notification.ID, notification.RecipientID, notification.Type, notification.Message,
			notification.Link, notification.EntityID, notification.EntityType); err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, recipientID string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_id, type, message, link, entity_id, entity_type, read, created_at, read_at
		FROM notifications
		WHERE recipient_id=$1
		ORDER BY created_at DESC
	`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var item Notification
		if err := rows.Scan(&item.ID, &item.RecipientID, &item.Type, &item.Message, &item.Link,
			&item.EntityID, &item.EntityType, &item.Read, &item.CreatedAt, &item.ReadAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

// MarkNotificationRead flips the read flag for the recipient's own
// notification. Returns false when no row matched.
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, notificationID, recipientID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read=TRUE, read_at=NOW()
		WHERE id=$1 AND recipient_id=$2
	`, notificationID, recipientID)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark notification read rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertAttachment(ctx context.Context, attachment Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, issue_id, file_name, content_type, size, object_key, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, attachment.ID, attachment.IssueID, attachment.FileName, attachment.ContentType,
		attachment.Size, attachment.ObjectKey, attachment.UploadedBy)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, issueID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, file_name, content_type, size, object_key, uploaded_by, created_at
		FROM attachments
		WHERE issue_id=$1
		ORDER BY created_at ASC
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	items := make([]Attachment, 0)
	for rows.Next() {
		var item Attachment
		if err := rows.Scan(&item.ID, &item.IssueID, &item.FileName, &item.ContentType, &item.Size, &item.ObjectKey, &item.UploadedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return items, nil
}
