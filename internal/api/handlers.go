package api

import (
	"fmt"
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mail-mirror/internal/auth"
	"github.com/Martian-dev/mail-mirror/internal/mailbox"
	"github.com/Martian-dev/mail-mirror/internal/store"
)

// caller returns the authenticated user or answers 401.
func caller(c *gin.Context) (*auth.User, bool) {
	user, ok := auth.UserFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return nil, false
	}

	return user, true
}

func limit(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil {
		return 0
	}

	return n
}

func (s *Server) fetchEmail(c *gin.Context) {
	user, ok := caller(c)
	if !ok {
		return
	}

	summary, err := s.opts.Mailbox.Backfill(c.Request.Context(), store.User{
		ID:       user.ID,
		Email:    user.Email,
		FullName: user.Name,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	emails := summary.EmailIDs
	if emails == nil {
		emails = []string{}
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   fmt.Sprintf("Processed %d emails", summary.Persisted),
		"processed": summary.Persisted,
		"emails":    emails,
	})
}

func (s *Server) startWatching(c *gin.Context) {
	user, ok := caller(c)
	if !ok {
		return
	}

	watch, err := s.opts.Mailbox.StartWatching(c.Request.Context(), user.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    fmt.Sprintf("Gmail watching started from historyId: %d", watch.HistoryID),
		"historyId":  watch.HistoryID,
		"expiration": watch.Expiration,
	})
}

func (s *Server) syncRecent(c *gin.Context) {
	user, ok := caller(c)
	if !ok {
		return
	}

	summary, err := s.opts.Mailbox.SyncRecent(c.Request.Context(), user.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   fmt.Sprintf("Synced %d emails", summary.Persisted),
		"processed": summary.Persisted,
		"deleted":   summary.Deleted,
		"historyId": summary.HistoryID,
	})
}

func (s *Server) backfill(c *gin.Context) {
	if _, ok := caller(c); !ok {
		return
	}

	n, err := s.opts.Mailbox.RewriteDownloadKeys(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Backfilled", "rewritten": n})
}

func (s *Server) threadQuery(c *gin.Context, userID string) store.ThreadQuery {
	return store.ThreadQuery{
		UserID: userID,
		Label:  c.Query("label"),
		Search: c.Query("search"),
		Cursor: c.Query("cursor"),
		Limit:  limit(c),
	}
}

func (s *Server) listEmails(c *gin.Context) {
	user, ok := caller(c)
	if !ok {
		return
	}

	page, err := s.opts.Mailbox.FetchEmails(c.Request.Context(), s.threadQuery(c, user.ID))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, page)
}

func (s *Server) countEmails(c *gin.Context) {
	user, ok := caller(c)
	if !ok {
		return
	}

	count, err := s.opts.Mailbox.CountEmails(c.Request.Context(), s.threadQuery(c, user.ID))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (s *Server) getEmail(c *gin.Context) {
	user, ok := caller(c)
	if !ok {
		return
	}

	email, err := s.opts.Mailbox.GetEmail(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, email)
}

func (s *Server) getThread(c *gin.Context) {
	user, ok := caller(c)
	if !ok {
		return
	}

	thread, err := s.opts.Mailbox.GetThread(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, thread)
}

type metadataRequest struct {
	IDs          []string `json:"ids" binding:"required"`
	AddLabels    []string `json:"addLabels"`
	RemoveLabels []string `json:"removeLabels"`
}

func (s *Server) updateMetadata(c *gin.Context) {
	user, ok := caller(c)
	if !ok {
		return
	}

	var req metadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	n, err := s.opts.Mailbox.UpdateMetadata(c.Request.Context(), user.ID, req.IDs, req.AddLabels, req.RemoveLabels)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"updated": n})
}

func (s *Server) emailQuery(c *gin.Context, userID string) store.EmailQuery {
	return store.EmailQuery{
		UserID: userID,
		Cursor: c.Query("cursor"),
		Limit:  limit(c),
	}
}

func (s *Server) listStarred(c *gin.Context) {
	user, ok := caller(c)
	if !ok {
		return
	}

	page, err := s.opts.Mailbox.StarredEmails(c.Request.Context(), s.emailQuery(c, user.ID))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, page)
}

func (s *Server) countStarred(c *gin.Context) {
	user, ok := caller(c)
	if !ok {
		return
	}

	count, err := s.opts.Mailbox.StarredCount(c.Request.Context(), user.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (s *Server) listDrafts(c *gin.Context) {
	user, ok := caller(c)
	if !ok {
		return
	}

	page, err := s.opts.Mailbox.Drafts(c.Request.Context(), s.emailQuery(c, user.ID))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, page)
}

func (s *Server) countDrafts(c *gin.Context) {
	user, ok := caller(c)
	if !ok {
		return
	}

	count, err := s.opts.Mailbox.DraftsCount(c.Request.Context(), user.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (s *Server) createDraft(c *gin.Context) {
	user, ok := caller(c)
	if !ok {
		return
	}

	var in mailbox.DraftInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	draft, err := s.opts.Mailbox.CreateDraft(c.Request.Context(), user.ID, in)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, draft)
}

func (s *Server) saveDraft(c *gin.Context) {
	user, ok := caller(c)
	if !ok {
		return
	}

	var in mailbox.DraftInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	draft, err := s.opts.Mailbox.SaveDraft(c.Request.Context(), user.ID, c.Param("id"), in)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, draft)
}

func (s *Server) sendDraft(c *gin.Context) {
	user, ok := caller(c)
	if !ok {
		return
	}

	sent, err := s.opts.Mailbox.SendDraft(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, sent)
}

func (s *Server) deleteDraft(c *gin.Context) {
	user, ok := caller(c)
	if !ok {
		return
	}

	if err := s.opts.Mailbox.DeleteDraft(c.Request.Context(), user.ID, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) download(c *gin.Context) {
	user, ok := caller(c)
	if !ok {
		return
	}

	key := c.Param("key")

	data, err := s.opts.Mailbox.Download(c.Request.Context(), user.ID, key)
	if err != nil {
		respondError(c, err)
		return
	}

	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	c.Data(http.StatusOK, contentType, data)
}
