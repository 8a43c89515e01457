package conversations

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/moodlog/conversation-store/internal/model"
	registryroute "github.com/moodlog/conversation-store/internal/registry/route"
	registrystore "github.com/moodlog/conversation-store/internal/registry/store"
	"github.com/moodlog/conversation-store/internal/security"
)

// HeaderStorageBackend names the backend currently holding the returned record.
const HeaderStorageBackend = "X-Storage-Backend"

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "conversations",
		Order: 100,
		Loader: func(r *gin.Engine, deps registryroute.Deps) error {
			if deps.Store == nil || deps.Owner == nil {
				return errors.New("conversation routes need a store and an owner middleware")
			}
			MountRoutes(r, deps.Store, deps.Owner)
			return nil
		},
	})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

// MountRoutes mounts the /v1 conversation routes behind the owner middleware.
func MountRoutes(r *gin.Engine, store registrystore.ConversationStore, owner gin.HandlerFunc) {
	g := r.Group("/v1", owner)

	g.GET("/conversations", func(c *gin.Context) {
		listConversations(c, store)
	})
	g.POST("/conversations", func(c *gin.Context) {
		createConversation(c, store)
	})
	g.DELETE("/conversations", func(c *gin.Context) {
		deleteAllConversations(c, store)
	})
	g.GET("/conversations/:conversationId", func(c *gin.Context) {
		getConversation(c, store)
	})
	g.PATCH("/conversations/:conversationId", func(c *gin.Context) {
		updateConversation(c, store)
	})
	g.DELETE("/conversations/:conversationId", func(c *gin.Context) {
		deleteConversation(c, store)
	})
	g.POST("/conversations/:conversationId/messages", func(c *gin.Context) {
		addMessage(c, store)
	})
	g.PUT("/conversations/:conversationId/annotations", func(c *gin.Context) {
		updateAnnotations(c, store)
	})
}

func listConversations(c *gin.Context, store registrystore.ConversationStore) {
	records, err := store.ListConversations(c.Request.Context(), security.GetOwnerID(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": records})
}

func createConversation(c *gin.Context, store registrystore.ConversationStore) {
	var req struct {
		Title    string          `json:"title"`
		Messages []model.Message `json:"messages"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
		return
	}
	rec, err := store.CreateConversation(c.Request.Context(), security.GetOwnerID(c), req.Title, req.Messages)
	if err != nil {
		handleError(c, err)
		return
	}
	respond(c, http.StatusCreated, rec)
}

func getConversation(c *gin.Context, store registrystore.ConversationStore) {
	rec, err := store.GetConversation(c.Request.Context(), security.GetOwnerID(c), c.Param("conversationId"))
	if err != nil {
		handleError(c, err)
		return
	}
	respond(c, http.StatusOK, rec)
}

func updateConversation(c *gin.Context, store registrystore.ConversationStore) {
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
		return
	}
	rec, err := store.UpdateConversationTitle(c.Request.Context(), security.GetOwnerID(c), c.Param("conversationId"), req.Title)
	if err != nil {
		handleError(c, err)
		return
	}
	respond(c, http.StatusOK, rec)
}

func addMessage(c *gin.Context, store registrystore.ConversationStore) {
	var msg model.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
		return
	}
	rec, err := store.AddMessage(c.Request.Context(), security.GetOwnerID(c), c.Param("conversationId"), msg)
	if err != nil {
		handleError(c, err)
		return
	}
	respond(c, http.StatusOK, rec)
}

func updateAnnotations(c *gin.Context, store registrystore.ConversationStore) {
	var ann model.Annotations
	if err := c.ShouldBindJSON(&ann); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
		return
	}
	rec, err := store.UpdateAnnotations(c.Request.Context(), security.GetOwnerID(c), c.Param("conversationId"), ann)
	if err != nil {
		handleError(c, err)
		return
	}
	respond(c, http.StatusOK, rec)
}

func deleteConversation(c *gin.Context, store registrystore.ConversationStore) {
	id := c.Param("conversationId")
	deleted, err := store.DeleteConversation(c.Request.Context(), security.GetOwnerID(c), id)
	if err != nil {
		handleError(c, err)
		return
	}
	if !deleted {
		handleError(c, &registrystore.NotFoundError{Resource: "conversation", ID: id})
		return
	}
	c.Status(http.StatusNoContent)
}

func deleteAllConversations(c *gin.Context, store registrystore.ConversationStore) {
	n, err := store.DeleteAllConversations(c.Request.Context(), security.GetOwnerID(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func respond(c *gin.Context, status int, rec *model.ConversationRecord) {
	c.Header(HeaderStorageBackend, string(rec.Origin.Backend))
	c.JSON(status, rec)
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var unavailable *registrystore.PersistenceUnavailableError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	case errors.As(err, &unavailable):
		log.Error("Persistence unavailable", "op", unavailable.Op, "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "unavailable", "error": "conversation storage is unavailable"})
	default:
		log.Error("Unhandled store error", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
