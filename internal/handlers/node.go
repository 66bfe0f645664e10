package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/loomstudio/loom-backend/internal/observability"
	"github.com/loomstudio/loom-backend/internal/services"
)

type NodeHandler struct {
	nodeService services.NodeService
}

func NewNodeHandler(nodeService services.NodeService) *NodeHandler {
	return &NodeHandler{nodeService: nodeService}
}

func (nh *NodeHandler) Create(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("no authenticated user"))
		return
	}
	var req services.CreateNodeInput
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	node, err := nh.nodeService.CreateNode(c.Request.Context(), userID, req)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "create_failed", err)
		return
	}
	RespondOK(c, node)
}

func (nh *NodeHandler) Get(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("no authenticated user"))
		return
	}
	nodeID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid node id"))
		return
	}
	node, err := nh.nodeService.GetNode(c.Request.Context(), userID, nodeID)
	if err != nil {
		RespondError(c, http.StatusNotFound, "not_found", err)
		return
	}
	RespondOK(c, node)
}

func (nh *NodeHandler) Update(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("no authenticated user"))
		return
	}
	nodeID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid node id"))
		return
	}
	var req services.UpdateNodeInput
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	node, err := nh.nodeService.UpdateNode(c.Request.Context(), userID, nodeID, req)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "update_failed", err)
		return
	}
	RespondOK(c, node)
}

func (nh *NodeHandler) Delete(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("no authenticated user"))
		return
	}
	nodeID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid node id"))
		return
	}
	if err := nh.nodeService.DeleteNode(c.Request.Context(), userID, nodeID); err != nil {
		RespondError(c, http.StatusBadRequest, "delete_failed", err)
		return
	}
	RespondOK(c, gin.H{"success": true})
}

// UploadAsset accepts a multipart form with a single "file" field.
func (nh *NodeHandler) UploadAsset(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("no authenticated user"))
		return
	}
	nodeID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid node id"))
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("a file field is required"))
		return
	}
	f, err := fileHeader.Open()
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	defer f.Close()

	node, err := nh.nodeService.UploadAsset(c.Request.Context(), userID, nodeID, fileHeader.Filename, f)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "upload_failed", err)
		return
	}
	observability.GetMetrics().AddUploadBytes(fileHeader.Size)
	RespondOK(c, node)
}

func (nh *NodeHandler) Generate(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("no authenticated user"))
		return
	}
	nodeID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid node id"))
		return
	}
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	node, err := nh.nodeService.Generate(c.Request.Context(), userID, nodeID, req.Prompt)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "generate_failed", err)
		return
	}
	RespondOK(c, node)
}

func (nh *NodeHandler) Cancel(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("no authenticated user"))
		return
	}
	nodeID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid node id"))
		return
	}
	if err := nh.nodeService.CancelGeneration(c.Request.Context(), userID, nodeID); err != nil {
		RespondError(c, http.StatusBadRequest, "cancel_failed", err)
		return
	}
	RespondOK(c, gin.H{"success": true})
}

// Placeholder streams the PNG frame shown while the node's asset is pending.
func (nh *NodeHandler) Placeholder(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("no authenticated user"))
		return
	}
	nodeID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid node id"))
		return
	}
	width, _ := strconv.Atoi(c.DefaultQuery("w", "640"))
	height, _ := strconv.Atoi(c.DefaultQuery("h", "360"))
	png, err := nh.nodeService.Placeholder(c.Request.Context(), userID, nodeID, width, height)
	if err != nil {
		RespondError(c, http.StatusNotFound, "not_found", err)
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (nh *NodeHandler) CreateEdge(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("no authenticated user"))
		return
	}
	var req services.CreateEdgeInput
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	edge, err := nh.nodeService.CreateEdge(c.Request.Context(), userID, req)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "create_failed", err)
		return
	}
	RespondOK(c, edge)
}

func (nh *NodeHandler) DeleteEdge(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("no authenticated user"))
		return
	}
	edgeID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid edge id"))
		return
	}
	if err := nh.nodeService.DeleteEdge(c.Request.Context(), userID, edgeID); err != nil {
		RespondError(c, http.StatusBadRequest, "delete_failed", err)
		return
	}
	RespondOK(c, gin.H{"success": true})
}
