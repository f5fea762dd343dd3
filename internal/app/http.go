package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"quarry/internal/search"
	"quarry/internal/store"
)

// maxAttachmentSize caps multipart uploads at 32 MiB.
const maxAttachmentSize = 32 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// User creation needs no actor; everything below does.
	if r.Method == http.MethodPost && r.URL.Path == "/api/users" {
		var body struct {
			Username string `json:"username"`
			FullName string `json:"fullName"`
			Email    string `json:"email"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, err := s.service.CreateUser(r.Context(), body.Username, body.FullName, body.Email)
		if err != nil {
			s.writeMapped(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, userPayload(user))
		return
	}

	actor, err := s.service.ResolveActor(r.Context(), r.Header.Get("X-Actor"))
	if err != nil {
		s.writeMapped(w, err)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "projects":
		s.handleCreateProject(w, r, actor)

	case r.Method == http.MethodPost && len(parts) == 4 && parts[1] == "projects" && parts[3] == "members":
		s.handleAddMember(w, r, parts[2], actor)

	case r.Method == http.MethodPost && len(parts) == 4 && parts[1] == "projects" && parts[3] == "labels":
		s.handleCreateLabel(w, r, parts[2], actor)

	case r.Method == http.MethodPost && len(parts) == 4 && parts[1] == "projects" && parts[3] == "issues":
		s.handleCreateIssue(w, r, parts[2], actor)

	case r.Method == http.MethodGet && len(parts) == 3 && parts[1] == "issues":
		s.handleGetIssue(w, r, parts[2], actor)

	case r.Method == http.MethodPatch && len(parts) == 3 && parts[1] == "issues":
		s.handleUpdateIssue(w, r, parts[2], actor)

	case r.Method == http.MethodGet && len(parts) == 4 && parts[1] == "issues" && parts[3] == "history":
		s.handleIssueHistory(w, r, parts[2], actor)

	case r.Method == http.MethodGet && len(parts) == 4 && parts[1] == "issues" && parts[3] == "comments":
		s.handleListComments(w, r, parts[2], actor)

	case r.Method == http.MethodPost && len(parts) == 4 && parts[1] == "issues" && parts[3] == "comments":
		s.handleCreateComment(w, r, parts[2], actor)

	case r.Method == http.MethodGet && len(parts) == 4 && parts[1] == "issues" && parts[3] == "attachments":
		s.handleListAttachments(w, r, parts[2], actor)

	case r.Method == http.MethodPost && len(parts) == 4 && parts[1] == "issues" && parts[3] == "attachments":
		s.handleAddAttachment(w, r, parts[2], actor)

	case r.Method == http.MethodPut && len(parts) == 3 && parts[1] == "comments":
		s.handleUpdateComment(w, r, parts[2], actor)

	case r.Method == http.MethodDelete && len(parts) == 3 && parts[1] == "comments":
		s.handleDeleteComment(w, r, parts[2], actor)

	case r.Method == http.MethodGet && len(parts) == 2 && parts[1] == "notifications":
		s.handleListNotifications(w, r, actor)

	case r.Method == http.MethodPost && len(parts) == 4 && parts[1] == "notifications" && parts[3] == "read":
		s.handleMarkNotificationRead(w, r, parts[2], actor)

	case r.Method == http.MethodGet && len(parts) == 2 && parts[1] == "search":
		s.handleSearch(w, r, actor)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleCreateProject(w http.ResponseWriter, r *http.Request, actor store.User) {
	var body struct {
		Key  string `json:"key"`
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	project, err := s.service.CreateProject(r.Context(), body.Key, body.Name, actor)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, projectPayload(project))
}

func (s *HTTPServer) handleAddMember(w http.ResponseWriter, r *http.Request, projectID string, actor store.User) {
	var body struct {
		Username string `json:"username"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.AddMember(r.Context(), projectID, body.Username, actor); err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleCreateLabel(w http.ResponseWriter, r *http.Request, projectID string, actor store.User) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	label, err := s.service.CreateLabel(r.Context(), projectID, body.Name, actor)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, labelPayload(label))
}

func (s *HTTPServer) handleCreateIssue(w http.ResponseWriter, r *http.Request, projectID string, actor store.User) {
	var draft IssueDraft
	if err := decodeBody(r, &draft); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	issue, err := s.service.CreateIssue(r.Context(), projectID, draft, actor)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, issuePayload(issue))
}

func (s *HTTPServer) handleGetIssue(w http.ResponseWriter, r *http.Request, issueID string, actor store.User) {
	issue, err := s.service.GetIssue(r.Context(), issueID, actor)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issuePayload(issue))
}

func (s *HTTPServer) handleUpdateIssue(w http.ResponseWriter, r *http.Request, issueID string, actor store.User) {
	var update IssueUpdate
	if err := decodeBody(r, &update); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	issue, err := s.service.UpdateIssue(r.Context(), issueID, update, actor)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issuePayload(issue))
}

func (s *HTTPServer) handleIssueHistory(w http.ResponseWriter, r *http.Request, issueID string, actor store.User) {
	history, err := s.service.GetIssueHistory(r.Context(), issueID, actor)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	items := make([]map[string]any, 0, len(history))
	for _, entry := range history {
		items = append(items, historyPayload(entry))
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": items})
}

func (s *HTTPServer) handleListComments(w http.ResponseWriter, r *http.Request, issueID string, actor store.User) {
	comments, err := s.service.ListComments(r.Context(), issueID, actor)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	items := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		items = append(items, commentPayload(comment))
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": items})
}

func (s *HTTPServer) handleCreateComment(w http.ResponseWriter, r *http.Request, issueID string, actor store.User) {
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	comment, err := s.service.CreateComment(r.Context(), issueID, body.Text, actor)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, commentPayload(comment))
}

func (s *HTTPServer) handleUpdateComment(w http.ResponseWriter, r *http.Request, commentID string, actor store.User) {
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	comment, err := s.service.UpdateComment(r.Context(), commentID, body.Text, actor)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commentPayload(comment))
}

func (s *HTTPServer) handleDeleteComment(w http.ResponseWriter, r *http.Request, commentID string, actor store.User) {
	if err := s.service.DeleteComment(r.Context(), commentID, actor); err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListNotifications(w http.ResponseWriter, r *http.Request, actor store.User) {
	notifications, err := s.service.ListNotifications(r.Context(), actor)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	items := make([]map[string]any, 0, len(notifications))
	for _, notification := range notifications {
		items = append(items, notificationPayload(notification))
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
}

func (s *HTTPServer) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request, notificationID string, actor store.User) {
	if err := s.service.MarkNotificationRead(r.Context(), notificationID, actor); err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, actor store.User) {
	q := search.Query{
		Text:            strings.TrimSpace(r.URL.Query().Get("q")),
		FilterProjectID: strings.TrimSpace(r.URL.Query().Get("projectId")),
		Limit:           20,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		q.Limit = parsed
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}
		q.Offset = parsed
	}

	response, err := s.service.SearchIssues(r.Context(), q, actor)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleAddAttachment(w http.ResponseWriter, r *http.Request, issueID string, actor store.User) {
	if err := r.ParseMultipartForm(maxAttachmentSize); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart body", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "file field is required", nil)
		return
	}
	defer file.Close()

	attachment, err := s.service.AddAttachment(
		r.Context(),
		issueID,
		header.Filename,
		header.Header.Get("Content-Type"),
		header.Size,
		file,
		actor,
	)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, attachmentPayload(AttachmentView{Attachment: attachment}))
}

func (s *HTTPServer) handleListAttachments(w http.ResponseWriter, r *http.Request, issueID string, actor store.User) {
	attachments, err := s.service.ListAttachments(r.Context(), issueID, actor)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	items := make([]map[string]any, 0, len(attachments))
	for _, view := range attachments {
		items = append(items, attachmentPayload(view))
	}
	writeJSON(w, http.StatusOK, map[string]any{"attachments": items})
}

func userPayload(user store.User) map[string]any {
	return map[string]any{
		"id":        user.ID,
		"username":  user.Username,
		"fullName":  user.FullName,
		"email":     user.Email,
		"createdAt": user.CreatedAt.Format(time.RFC3339),
	}
}

func projectPayload(project store.Project) map[string]any {
	return map[string]any{
		"id":        project.ID,
		"key":       project.Key,
		"name":      project.Name,
		"ownerId":   project.OwnerID,
		"createdAt": project.CreatedAt.Format(time.RFC3339),
	}
}

func labelPayload(label store.Label) map[string]any {
	return map[string]any{
		"id":        label.ID,
		"projectId": label.ProjectID,
		"name":      label.Name,
	}
}

func issuePayload(issue store.Issue) map[string]any {
	labels := make([]map[string]any, 0, len(issue.Labels))
	for _, label := range issue.Labels {
		labels = append(labels, labelPayload(label))
	}
	payload := map[string]any{
		"id":          issue.ID,
		"projectId":   issue.ProjectID,
		"key":         issue.Key,
		"title":       issue.Title,
		"description": issue.Description,
		"stateId":     issue.StateID,
		"priority":    issue.Priority,
		"reporterId":  issue.ReporterID,
		"assigneeId":  nil,
		"storyPoints": nil,
		"dueDate":     nil,
		"labels":      labels,
		"createdAt":   issue.CreatedAt.Format(time.RFC3339),
		"updatedAt":   issue.UpdatedAt.Format(time.RFC3339),
	}
	if issue.AssigneeID != nil {
		payload["assigneeId"] = *issue.AssigneeID
	}
	if issue.StoryPoints != nil {
		payload["storyPoints"] = *issue.StoryPoints
	}
	if issue.DueDate != nil {
		payload["dueDate"] = issue.DueDate.UTC().Format("2006-01-02")
	}
	return payload
}

func historyPayload(entry store.HistoryEntry) map[string]any {
	return map[string]any{
		"id":        entry.ID,
		"issueId":   entry.IssueID,
		"actorId":   entry.ActorID,
		"actorName": entry.ActorName,
		"field":     entry.Field,
		"oldValue":  entry.OldValue,
		"newValue":  entry.NewValue,
		"createdAt": entry.CreatedAt.Format(time.RFC3339),
	}
}

func commentPayload(comment store.Comment) map[string]any {
	return map[string]any{
		"id":        comment.ID,
		"issueId":   comment.IssueID,
		"authorId":  comment.AuthorID,
		"content":   comment.Content,
		"edited":    comment.Edited,
		"createdAt": comment.CreatedAt.Format(time.RFC3339),
		"updatedAt": comment.UpdatedAt.Format(time.RFC3339),
	}
}

func notificationPayload(notification store.Notification) map[string]any {
	payload := map[string]any{
		"id":         notification.ID,
		"type":       notification.Type,
		"message":    notification.Message,
		"link":       notification.Link,
		"entityId":   notification.EntityID,
		"entityType": notification.EntityType,
		"read":       notification.Read,
		"createdAt":  notification.CreatedAt.Format(time.RFC3339),
		"readAt":     nil,
	}
	if notification.ReadAt != nil {
		payload["readAt"] = notification.ReadAt.Format(time.RFC3339)
	}
	return payload
}

func attachmentPayload(view AttachmentView) map[string]any {
	payload := map[string]any{
		"id":          view.ID,
		"issueId":     view.IssueID,
		"fileName":    view.FileName,
		"contentType": view.ContentType,
		"size":        view.Size,
		"uploadedBy":  view.UploadedBy,
		"createdAt":   view.CreatedAt.Format(time.RFC3339),
	}
	if view.DownloadURL != "" {
		payload["downloadUrl"] = view.DownloadURL
	}
	return payload
}

func (s *HTTPServer) writeMapped(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Actor, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
