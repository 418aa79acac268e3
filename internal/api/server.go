package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mail-mirror/internal/mailbox"
	"github.com/Martian-dev/mail-mirror/internal/store"
	mailsync "github.com/Martian-dev/mail-mirror/internal/sync"
)

// Mailbox is the mailbox surface served over HTTP.
type Mailbox interface {
	Backfill(ctx context.Context, user store.User) (mailsync.Summary, error)
	SyncRecent(ctx context.Context, userID string) (mailsync.Summary, error)
	StartWatching(ctx context.Context, userID string) (*mailsync.WatchResult, error)
	RewriteDownloadKeys(ctx context.Context) (int, error)

	FetchEmails(ctx context.Context, q store.ThreadQuery) (*store.ThreadPage, error)
	CountEmails(ctx context.Context, q store.ThreadQuery) (int, error)
	GetEmail(ctx context.Context, userID, id string) (*store.Email, error)
	GetThread(ctx context.Context, userID, id string) (*store.Thread, error)
	StarredEmails(ctx context.Context, q store.EmailQuery) (*store.EmailPage, error)
	StarredCount(ctx context.Context, userID string) (int, error)
	Drafts(ctx context.Context, q store.EmailQuery) (*store.EmailPage, error)
	DraftsCount(ctx context.Context, userID string) (int, error)
	UpdateMetadata(ctx context.Context, userID string, ids, add, remove []string) (int, error)

	CreateDraft(ctx context.Context, userID string, in mailbox.DraftInput) (*store.Email, error)
	SaveDraft(ctx context.Context, userID, id string, in mailbox.DraftInput) (*store.Email, error)
	SendDraft(ctx context.Context, userID, id string) (*store.Email, error)
	DeleteDraft(ctx context.Context, userID, id string) error

	Download(ctx context.Context, userID, key string) ([]byte, error)
}

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

type Options struct {
	Mailbox Mailbox

	// Auth guards every /api route except the webhook.
	Auth    gin.HandlerFunc
	Webhook gin.HandlerFunc
	Relay   gin.HandlerFunc

	Checks map[string]Check
	Stats  func() map[string]any
}

type Server struct {
	opts Options
}

func New(opts Options) *Server {
	return &Server{opts: opts}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", s.health)

	if s.opts.Webhook != nil {
		r.POST("/api/gmail-webhook", s.opts.Webhook)
	}

	if s.opts.Relay != nil {
		r.GET("/ws", s.opts.Relay)
	}

	authorized := r.Group("/api")
	if s.opts.Auth != nil {
		authorized.Use(s.opts.Auth)
	}

	authorized.POST("/fetch-email", s.fetchEmail)
	authorized.POST("/start-watching", s.startWatching)
	authorized.POST("/sync-recent", s.syncRecent)
	authorized.POST("/backfill", s.backfill)

	authorized.GET("/emails", s.listEmails)
	authorized.GET("/emails/count", s.countEmails)
	authorized.PATCH("/emails/metadata", s.updateMetadata)
	authorized.GET("/emails/:id", s.getEmail)
	authorized.GET("/threads/:id", s.getThread)

	authorized.GET("/starred", s.listStarred)
	authorized.GET("/starred/count", s.countStarred)

	authorized.GET("/drafts", s.listDrafts)
	authorized.GET("/drafts/count", s.countDrafts)
	authorized.POST("/drafts", s.createDraft)
	authorized.PUT("/drafts/:id", s.saveDraft)
	authorized.POST("/drafts/:id/send", s.sendDraft)
	authorized.DELETE("/drafts/:id", s.deleteDraft)

	authorized.GET("/files/*key", s.download)

	return r
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.opts.Checks))

	for name, check := range s.opts.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable

			continue
		}

		checks[name] = "ok"
	}

	body := gin.H{"status": "ok", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}

	if s.opts.Stats != nil {
		body["jwks"] = s.opts.Stats()
	}

	c.JSON(status, body)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logrus.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("Request served")
	}
}
