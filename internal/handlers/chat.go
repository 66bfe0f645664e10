package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/loomstudio/loom-backend/internal/services"
)

type ChatHandler struct {
	chatService services.ChatService
}

func NewChatHandler(chatService services.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

func (ch *ChatHandler) Append(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("no authenticated user"))
		return
	}
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid project id"))
		return
	}
	var req struct {
		Role    string         `json:"role"`
		Content string         `json:"content"`
		Actions map[string]any `json:"actions"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	role := req.Role
	if role == "" {
		role = services.ChatRoleUser
	}
	msg, err := ch.chatService.AppendMessage(c.Request.Context(), userID, services.AppendMessageInput{
		ProjectID: projectID,
		Role:      role,
		Content:   req.Content,
		Actions:   req.Actions,
	})
	if err != nil {
		RespondError(c, http.StatusBadRequest, "append_failed", err)
		return
	}
	RespondOK(c, msg)
}

func (ch *ChatHandler) List(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("no authenticated user"))
		return
	}
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid project id"))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	msgs, err := ch.chatService.ListMessages(c.Request.Context(), userID, projectID, limit)
	if err != nil {
		RespondError(c, http.StatusNotFound, "not_found", err)
		return
	}
	RespondOK(c, gin.H{"messages": msgs})
}
