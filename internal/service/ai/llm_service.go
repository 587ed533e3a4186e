package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/gyb-chat/backend/internal/config"
	"github.com/zhouzirui/gyb-chat/backend/internal/model/agent"
	"github.com/zhouzirui/gyb-chat/backend/internal/model/chat"
)

var (
	ErrNoMessages = errors.New("at least one user or assistant message is required")
)

// Turn is one incoming message. Parts is set for structured content.
type Turn struct {
	Role    chat.Role
	Content string
	Parts   []chat.ContentPart
}

// Request is a completion request as received by POST /api/chat.
type Request struct {
	Agent       string
	Messages    []Turn
	Temperature *float64
	Model       string
	ChatID      string
	UserID      string
}

// Service encapsulates the server-side completion engine.
type Service struct {
	chatModel    model.ChatModel
	agents       agent.Store
	chain        compose.Runnable[map[string]any, *schema.Message]
	historyLimit int
	logger       *slog.Logger
}

// NewService builds the Ark chat model from cfg and compiles the chain.
func NewService(ctx context.Context, agents agent.Store, cfg config.AIConfig, historyLimit int, logger *slog.Logger) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, agents, historyLimit, logger)
}

// NewServiceWithModel compiles the chain around an existing chat model.
func NewServiceWithModel(ctx context.Context, chatModel model.ChatModel, agents agent.Store, historyLimit int, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chatModel:    chatModel,
		agents:       agents,
		chain:        runnable,
		historyLimit: historyLimit,
		logger:       logger,
	}, nil
}

// Generate runs the chain to completion.
func (s *Service) Generate(ctx context.Context, req Request) (*schema.Message, error) {
	input, err := s.buildChainInput(req)
	if err != nil {
		return nil, err
	}

	response, err := s.chain.Invoke(ctx, input, s.callOptions(req)...)
	if err != nil {
		return nil, fmt.Errorf("failed to run AI chain: %w", err)
	}

	s.logger.Info("[ai] generated response", "chat_id", req.ChatID, "agent", req.Agent, "length", len(response.Content))
	return response, nil
}

// Stream runs the chain and returns its chunk stream.
func (s *Service) Stream(ctx context.Context, req Request) (*schema.StreamReader[*schema.Message], error) {
	input, err := s.buildChainInput(req)
	if err != nil {
		return nil, err
	}

	stream, err := s.chain.Stream(ctx, input, s.callOptions(req)...)
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}
	return stream, nil
}

// GetChatModel 返回底层的聊天模型
func (s *Service) GetChatModel() model.ChatModel {
	return s.chatModel
}

func (s *Service) callOptions(req Request) []compose.Option {
	if req.Temperature == nil {
		return nil
	}
	return []compose.Option{compose.WithChatModelOption(model.WithTemperature(float32(*req.Temperature)))}
}

func (s *Service) buildChainInput(req Request) (map[string]any, error) {
	system, history := s.splitMessages(req.Messages)
	if len(history) == 0 {
		return nil, ErrNoMessages
	}
	return map[string]any{
		"system":  s.buildSystemPrompt(req.Agent, system),
		"history": history,
	}, nil
}

// buildSystemPrompt starts from the agent's prompt and appends any system
// turns the client sent.
func (s *Service) buildSystemPrompt(agentKey string, extra []string) string {
	base := agent.DefaultSystemPrompt
	if a, ok := s.agents.Resolve(agentKey); ok && a.SystemPrompt != "" {
		base = a.SystemPrompt
	}
	if len(extra) == 0 {
		return base
	}
	return base + "\n\n" + strings.Join(extra, "\n")
}

func (s *Service) splitMessages(turns []Turn) ([]string, []*schema.Message) {
	var system []string
	history := make([]*schema.Message, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case chat.RoleSystem:
			if text := strings.TrimSpace(t.Content); text != "" {
				system = append(system, text)
			}
		case chat.RoleUser:
			if msg := userMessage(t); msg != nil {
				history = append(history, msg)
			}
		case chat.RoleAssistant:
			if strings.TrimSpace(t.Content) != "" {
				history = append(history, schema.AssistantMessage(t.Content, nil))
			}
		}
	}

	if s.historyLimit > 0 && len(history) > s.historyLimit {
		history = history[len(history)-s.historyLimit:]
	}
	return system, history
}

func userMessage(t Turn) *schema.Message {
	if len(t.Parts) == 0 {
		if strings.TrimSpace(t.Content) == "" {
			return nil
		}
		return schema.UserMessage(t.Content)
	}

	parts := make([]schema.ChatMessagePart, 0, len(t.Parts))
	for _, p := range t.Parts {
		switch {
		case p.Type == chat.PartText && strings.TrimSpace(p.Text) != "":
			parts = append(parts, schema.ChatMessagePart{Type: schema.ChatMessagePartTypeText, Text: p.Text})
		case p.Type == chat.PartImageURL && p.ImageURL != nil && p.ImageURL.URL != "":
			parts = append(parts, schema.ChatMessagePart{
				Type:     schema.ChatMessagePartTypeImageURL,
				ImageURL: &schema.ChatMessageImageURL{URL: p.ImageURL.URL},
			})
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return &schema.Message{Role: schema.User, MultiContent: parts}
}
