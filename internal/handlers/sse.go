package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/loomstudio/loom-backend/internal/repos"
	"github.com/loomstudio/loom-backend/internal/services"
	"github.com/loomstudio/loom-backend/internal/sse"
)

type SSEHandler struct {
	hub      *sse.SSEHub
	projects repos.ProjectRepo
}

func NewSSEHandler(hub *sse.SSEHub, projects repos.ProjectRepo) *SSEHandler {
	return &SSEHandler{hub: hub, projects: projects}
}

// Stream opens the event stream for one project. The connection subscribes to
// the project channel up front and stays open until the client goes away.
func (sh *SSEHandler) Stream(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("no authenticated user"))
		return
	}
	projectID, err := uuid.Parse(c.Query("project_id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("a project_id query param is required"))
		return
	}
	project, err := sh.projects.GetByID(c.Request.Context(), nil, projectID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "lookup_failed", err)
		return
	}
	if project == nil || project.OwnerUserID != userID {
		RespondError(c, http.StatusNotFound, "not_found", fmt.Errorf("project not found"))
		return
	}

	client := sh.hub.NewSSEClient(userID)
	sh.hub.AddChannel(client, services.ProjectChannel(projectID))
	defer sh.hub.RemoveClient(client)

	sh.hub.ServeHTTP(c.Writer, c.Request, client)
}
