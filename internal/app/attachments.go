package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"quarry/internal/store"
	"quarry/internal/util"
)

// blobStore is the object-storage surface attachments need. nil when object
// storage is not configured.
type blobStore interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// AddAttachment streams the file into object storage, then records it against
// the issue.
func (s *Service) AddAttachment(ctx context.Context, issueID, fileName, contentType string, size int64, reader io.Reader, actor store.User) (store.Attachment, error) {
	if s.blobs == nil {
		return store.Attachment{}, errValidation("attachments are not enabled")
	}
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return store.Attachment{}, err
	}
	if _, err := s.requireMember(ctx, issue.ProjectID, actor); err != nil {
		return store.Attachment{}, err
	}
	fileName = strings.TrimSpace(fileName)
	if fileName == "" {
		return store.Attachment{}, errValidation("fileName is required")
	}
	if size <= 0 {
		return store.Attachment{}, errValidation("file is empty")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	attachment := store.Attachment{
		ID:          util.NewID("att"),
		IssueID:     issue.ID,
		FileName:    fileName,
		ContentType: contentType,
		Size:        size,
		ObjectKey:   fmt.Sprintf("%s/%s/%s", issue.ProjectID, issue.ID, util.NewID("obj")),
		UploadedBy:  actor.ID,
	}
	if err := s.blobs.Put(ctx, attachment.ObjectKey, reader, size, contentType); err != nil {
		return store.Attachment{}, err
	}
	if err := s.store.InsertAttachment(ctx, attachment); err != nil {
		return store.Attachment{}, err
	}
	return attachment, nil
}

// ListAttachments returns the issue's attachments with presigned download
// URLs.
func (s *Service) ListAttachments(ctx context.Context, issueID string, actor store.User) ([]AttachmentView, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireMember(ctx, issue.ProjectID, actor); err != nil {
		return nil, err
	}
	attachments, err := s.store.ListAttachments(ctx, issue.ID)
	if err != nil {
		return nil, err
	}

	views := make([]AttachmentView, 0, len(attachments))
	for _, attachment := range attachments {
		view := AttachmentView{Attachment: attachment}
		if s.blobs != nil {
			expiry := time.Duration(s.cfg.PresignExpiry) * time.Second
			url, err := s.blobs.PresignGet(ctx, attachment.ObjectKey, expiry)
			if err != nil {
				return nil, err
			}
			view.DownloadURL = url
		}
		views = append(views, view)
	}
	return views, nil
}

// AttachmentView is an attachment row plus its presigned download URL.
type AttachmentView struct {
	store.Attachment
	DownloadURL string
}
