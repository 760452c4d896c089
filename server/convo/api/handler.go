package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	commonauth "opsdesk/server/common/auth"
	commonlog "opsdesk/server/common/log"
	"opsdesk/server/common/middleware"
	"opsdesk/server/common/transport/httpresp"
	"opsdesk/server/convo/domain"
	"opsdesk/server/convo/service"
)

type Handler struct {
	messages     *service.MessageService
	uploads      *service.UploadBroker
	hub          *service.Hub
	auth         *commonauth.Service
	operatorMail string
	operatorHash string
}

func NewHandler(messages *service.MessageService, uploads *service.UploadBroker, hub *service.Hub, auth *commonauth.Service, operatorMail, operatorHash string) *Handler {
	return &Handler{
		messages:     messages,
		uploads:      uploads,
		hub:          hub,
		auth:         auth,
		operatorMail: operatorMail,
		operatorHash: operatorHash,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ws/convo", h.handleWS)
	r.POST("/api/v1/auth/login", h.login)

	api := r.Group("/api/v1")
	{
		api.GET("/conversations/:token/messages", h.listMessages)
		api.POST("/conversations/:token/messages", h.createMessage)
		api.GET("/conversations/:token/uploads", h.authorizeUpload)

		inbox := api.Group("/inbox")
		inbox.Use(middleware.AuthRequired(h.auth))
		inbox.GET("/conversations", h.listConversations)
	}
}

func (h *Handler) listMessages(c *gin.Context) {
	token := strings.TrimSpace(c.Param("token"))
	items, err := h.messages.ListMessages(c.Request.Context(), token)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

type messageCreatedResponse struct {
	domain.Message
	AttachedFiles int `json:"attachedFiles"`
}

func (h *Handler) createMessage(c *gin.Context) {
	token := strings.TrimSpace(c.Param("token"))
	var req struct {
		Content        string   `json:"content"`
		SenderName     string   `json:"senderName"`
		SenderType     string   `json:"senderType"`
		AttachmentKeys []string `json:"attachmentKeys"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	created, err := h.messages.CreateMessage(c.Request.Context(), token, domain.MessageInput{
		SenderType:     domain.SenderRole(req.SenderType),
		SenderName:     req.SenderName,
		Content:        req.Content,
		AttachmentKeys: req.AttachmentKeys,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, messageCreatedResponse{Message: created, AttachedFiles: len(created.Attachments)})
}

func (h *Handler) authorizeUpload(c *gin.Context) {
	token := strings.TrimSpace(c.Param("token"))
	filename := c.Query("filename")
	contentType := c.Query("contentType")
	grant, err := h.uploads.Authorize(c.Request.Context(), token, filename, contentType)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, grant)
}

func (h *Handler) listConversations(c *gin.Context) {
	items, err := h.messages.ListConversations(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (h *Handler) login(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	if req.Email != h.operatorMail ||
		bcrypt.CompareHashAndPassword([]byte(h.operatorHash), []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidCredentials))
		return
	}
	token, err := h.auth.GenerateToken(req.Email, "operator")
	if err != nil {
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, httpresp.NewTokenResponse(token, req.Email, "operator"))
}

// writeError maps domain errors onto HTTP statuses. An unknown access token
// is always a plain 404, indistinguishable from a missing resource.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, httpresp.NewErrorResponse(httpresp.ErrNotFound))
	case errors.Is(err, domain.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
	default:
		commonlog.Errorf("event=convo_api action=request status=failed path=%s error=%v", c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

type wsEnvelope struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// handleWS serves the persistent bidirectional channel. A connection is
// joined to at most one room at a time: a join for a different token leaves
// the previous room first.
func (h *Handler) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}

	connID := uuid.NewString()
	client := service.NewWSClient(connID, conn)
	current := ""
	defer func() {
		if current != "" {
			h.hub.Leave(current, connID)
		}
		_ = conn.Close()
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(90 * time.Second)); err != nil {
			return
		}
		var env wsEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Type {
		case "join":
			token := strings.TrimSpace(env.Token)
			if token == "" {
				client.WriteEvent(domain.Event{Type: domain.EventError, Error: "token required"})
				continue
			}
			if current != "" && current != token {
				h.hub.Leave(current, connID)
			}
			h.hub.Join(token, connID, client)
			current = token
			client.WriteEvent(domain.Event{Type: domain.EventJoined, Token: token})
		case "leave":
			if current != "" {
				h.hub.Leave(current, connID)
				client.WriteEvent(domain.Event{Type: domain.EventLeft, Token: current})
				current = ""
			}
		}
	}
}
