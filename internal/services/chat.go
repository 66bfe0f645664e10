package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/loomstudio/loom-backend/internal/logger"
	"github.com/loomstudio/loom-backend/internal/repos"
	"github.com/loomstudio/loom-backend/internal/types"
)

const (
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
)

// ChatService stores the copilot conversation per project and fans new turns
// out over SSE. The LLM orchestration that produces assistant turns lives in
// a separate worker; it posts its replies through AppendMessage like any
// other writer.
type ChatService interface {
	AppendMessage(ctx context.Context, userID uuid.UUID, input AppendMessageInput) (*types.ChatMessage, error)
	ListMessages(ctx context.Context, userID, projectID uuid.UUID, limit int) ([]*types.ChatMessage, error)
}

type AppendMessageInput struct {
	ProjectID uuid.UUID      `json:"project_id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Actions   map[string]any `json:"actions"`
}

type chatService struct {
	log      *logger.Logger
	messages repos.ChatMessageRepo
	projects repos.ProjectRepo
	notifier NotifierService
}

func NewChatService(
	baseLog *logger.Logger,
	messages repos.ChatMessageRepo,
	projects repos.ProjectRepo,
	notifier NotifierService,
) ChatService {
	return &chatService{
		log:      baseLog.With("service", "ChatService"),
		messages: messages,
		projects: projects,
		notifier: notifier,
	}
}

func (cs *chatService) AppendMessage(ctx context.Context, userID uuid.UUID, input AppendMessageInput) (*types.ChatMessage, error) {
	if input.Role != ChatRoleUser && input.Role != ChatRoleAssistant {
		return nil, fmt.Errorf("unknown chat role %q", input.Role)
	}
	if strings.TrimSpace(input.Content) == "" {
		return nil, fmt.Errorf("message content is required")
	}
	project, err := cs.projects.GetByID(ctx, nil, input.ProjectID)
	if err != nil {
		return nil, err
	}
	if project == nil || project.OwnerUserID != userID {
		return nil, fmt.Errorf("project not found")
	}
	msg := &types.ChatMessage{
		ProjectID:   input.ProjectID,
		OwnerUserID: userID,
		Role:        input.Role,
		Content:     input.Content,
	}
	if input.Actions != nil {
		raw, err := json.Marshal(input.Actions)
		if err != nil {
			return nil, fmt.Errorf("bad actions payload: %w", err)
		}
		msg.Actions = datatypes.JSON(raw)
	}
	if _, err := cs.messages.Create(ctx, nil, msg); err != nil {
		return nil, err
	}
	cs.notifier.ChatMessage(ctx, input.ProjectID, msg)
	return msg, nil
}

func (cs *chatService) ListMessages(ctx context.Context, userID, projectID uuid.UUID, limit int) ([]*types.ChatMessage, error) {
	project, err := cs.projects.GetByID(ctx, nil, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil || project.OwnerUserID != userID {
		return nil, fmt.Errorf("project not found")
	}
	return cs.messages.ListByProject(ctx, nil, projectID, limit)
}
