package chat

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deepchat-app/deepchat/internal/api"
	"github.com/deepchat-app/deepchat/internal/completion"
	"github.com/deepchat-app/deepchat/internal/metrics"
	"github.com/deepchat-app/deepchat/internal/usage"
	"github.com/deepchat-app/deepchat/internal/users"
)

// historyLimit caps the conversation context sent upstream.
const historyLimit = 20

// EventSink receives the SSE frames of one chat stream.
type EventSink interface {
	Event(v any) error
	Done() error
}

// ActivityPublisher pushes chat outcomes onto the event bus. A nil
// publisher drops events.
type ActivityPublisher interface {
	ChatCompleted(ctx context.Context, userID, conversationID, messageID uuid.UUID, model string, totalTokens int)
	ChatFailed(ctx context.Context, userID, conversationID uuid.UUID, model, reason string)
}

type SendRequest struct {
	Message        string
	ConversationID *uuid.UUID
	Model          string
}

type Service struct {
	repo         Repository
	userSvc      *users.Service
	usageRepo    usage.Repository
	streamer     completion.Streamer
	publisher    ActivityPublisher
	defaultModel string
}

func NewService(repo Repository, userSvc *users.Service, usageRepo usage.Repository,
	streamer completion.Streamer, publisher ActivityPublisher, defaultModel string) *Service {
	return &Service{
		repo:         repo,
		userSvc:      userSvc,
		usageRepo:    usageRepo,
		streamer:     streamer,
		publisher:    publisher,
		defaultModel: defaultModel,
	}
}

// SendMessage runs the full chat pipeline. Errors returned before any
// sink write are plain API errors; once streaming has started, failures
// are reported in-band as an error event and nil is returned.
func (s *Service) SendMessage(ctx context.Context, user *users.User, req SendRequest, sink EventSink) error {
	model := req.Model
	if model == "" {
		model = s.defaultModel
	}

	if !users.ModelAllowed(user.SubscriptionTier, model) {
		return api.NewTierRestrictionError("current subscription plan does not support this model", map[string]any{
			"requestedModel":   model,
			"availableModels":  users.AvailableModels(user.SubscriptionTier),
			"subscriptionTier": user.SubscriptionTier,
		})
	}

	conv, err := s.resolveConversation(ctx, user.ID, req)
	if err != nil {
		return err
	}

	userMsg := &Message{
		ConversationID: conv.ID,
		UserID:         user.ID,
		Role:           RoleUser,
		Content:        req.Message,
		Status:         StatusSent,
	}
	if err := s.repo.CreateMessage(ctx, userMsg); err != nil {
		slog.Error("persisting user message", "error", err, "conversation_id", conv.ID)
		return api.ErrInternalServer
	}

	history, err := s.repo.RecentMessages(ctx, conv.ID, historyLimit)
	if err != nil {
		slog.Error("loading message history", "error", err, "conversation_id", conv.ID)
		return api.ErrInternalServer
	}

	upstreamMsgs := make([]completion.Message, 0, len(history))
	for _, m := range history {
		upstreamMsgs = append(upstreamMsgs, completion.Message{
			Role:    strings.ToLower(string(m.Role)),
			Content: m.Content,
		})
	}

	assistantMsg := &Message{
		ConversationID: conv.ID,
		UserID:         user.ID,
		Role:           RoleAssistant,
		Content:        "",
		Status:         StatusSending,
		ModelUsed:      &model,
	}
	if err := s.repo.CreateMessage(ctx, assistantMsg); err != nil {
		slog.Error("persisting assistant placeholder", "error", err, "conversation_id", conv.ID)
		return api.ErrInternalServer
	}

	// From here on the response is a live SSE stream: failures are
	// delivered in-band, never as an HTTP error.
	start := time.Now()
	if err := sink.Event(MessageStartEvent{
		Type:           "message_start",
		MessageID:      assistantMsg.ID,
		ConversationID: conv.ID,
	}); err != nil {
		s.failStream(ctx, user.ID, conv.ID, model, sink, err)
		return nil
	}

	stream, err := s.streamer.StreamChat(ctx, model, upstreamMsgs)
	if err != nil {
		s.failStream(ctx, user.ID, conv.ID, model, sink, err)
		return nil
	}
	defer stream.Close()

	var fullContent, fullReasoning strings.Builder
	totalTokens := 0
	reasoningModel := strings.Contains(model, "deepseek")

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.failStream(ctx, user.ID, conv.ID, model, sink, err)
			return nil
		}

		if chunk.Reasoning != "" && reasoningModel {
			fullReasoning.WriteString(chunk.Reasoning)
			if err := sink.Event(ReasoningDeltaEvent{
				Type:      "reasoning_delta",
				MessageID: assistantMsg.ID,
				Delta:     chunk.Reasoning,
				Reasoning: fullReasoning.String(),
			}); err != nil {
				s.failStream(ctx, user.ID, conv.ID, model, sink, err)
				return nil
			}
		}

		if chunk.Content != "" {
			fullContent.WriteString(chunk.Content)
			if err := sink.Event(ContentDeltaEvent{
				Type:      "content_delta",
				MessageID: assistantMsg.ID,
				Delta:     chunk.Content,
				Content:   fullContent.String(),
			}); err != nil {
				s.failStream(ctx, user.ID, conv.ID, model, sink, err)
				return nil
			}
		}

		if chunk.Usage != nil {
			totalTokens = chunk.Usage.TotalTokens
		}
	}

	finalContent := fullContent.String()
	if reasoningModel {
		finalContent = EncodeReasonedContent(fullReasoning.String(), fullContent.String())
	}

	if err := s.finalize(ctx, user, conv, userMsg, assistantMsg, model, finalContent, totalTokens, sink); err != nil {
		s.failStream(ctx, user.ID, conv.ID, model, sink, err)
		return nil
	}

	metrics.ChatStreamsTotal.WithLabelValues(model, "success").Inc()
	metrics.ChatStreamDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())

	slog.Info("chat message completed",
		"user_id", user.ID, "conversation_id", conv.ID,
		"message_id", assistantMsg.ID, "model", model, "tokens", totalTokens)
	return nil
}

func (s *Service) resolveConversation(ctx context.Context, userID uuid.UUID, req SendRequest) (*Conversation, error) {
	if req.ConversationID != nil {
		conv, err := s.repo.GetConversation(ctx, *req.ConversationID, userID)
		if err != nil {
			slog.Error("loading conversation", "error", err, "conversation_id", *req.ConversationID)
			return nil, api.ErrInternalServer
		}
		if conv == nil {
			return nil, api.NewNotFoundError("conversation not found")
		}
		return conv, nil
	}

	now := time.Now()
	conv := &Conversation{
		ID:        uuid.New(),
		UserID:    userID,
		Title:     NewConversationTitle(req.Message),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		slog.Error("creating conversation", "error", err, "user_id", userID)
		return nil, api.ErrInternalServer
	}
	return conv, nil
}

// finalize persists the completed exchange and emits message_end.
// Counter updates use atomic SQL increments, so two concurrent streams
// in the same conversation both land.
func (s *Service) finalize(ctx context.Context, user *users.User, conv *Conversation,
	userMsg, assistantMsg *Message, model, finalContent string, totalTokens int, sink EventSink) error {

	if err := s.repo.FinalizeMessage(ctx, assistantMsg.ID, finalContent, StatusSent, totalTokens); err != nil {
		return err
	}

	userTokens := completion.EstimateTokens(userMsg.Content)
	if err := s.repo.SetMessageTokens(ctx, userMsg.ID, userTokens); err != nil {
		return err
	}

	if err := s.repo.AddConversationStats(ctx, conv.ID, 2, totalTokens+userTokens); err != nil {
		return err
	}

	if err := s.userSvc.RecordMessageSent(ctx, user.ID); err != nil {
		return err
	}

	rec := &usage.Record{
		UserID:         user.ID,
		MessageID:      &assistantMsg.ID,
		ConversationID: &conv.ID,
		UsageType:      usage.TypeMessage,
		Quantity:       userTokens + totalTokens,
		ModelUsed:      model,
		Cost:           completion.Cost(model, userTokens, totalTokens),
	}
	if err := s.usageRepo.Create(ctx, rec); err != nil {
		return err
	}

	metrics.ChatTokensTotal.WithLabelValues(model, "prompt").Add(float64(userTokens))
	metrics.ChatTokensTotal.WithLabelValues(model, "completion").Add(float64(totalTokens))

	updated, err := s.userSvc.GetByID(ctx, user.ID)
	if err != nil || updated == nil {
		slog.Warn("loading updated usage for message_end", "error", err, "user_id", user.ID)
		updated = user
	}

	if err := sink.Event(MessageEndEvent{
		Type:           "message_end",
		MessageID:      assistantMsg.ID,
		ConversationID: conv.ID,
		TotalTokens:    totalTokens,
		Usage: EndUsage{
			RemainingMessages: users.RemainingMessages(updated),
			MonthlyUsage:      updated.MonthlyMessageCount,
		},
	}); err != nil {
		return err
	}
	if err := sink.Done(); err != nil {
		return err
	}

	if s.publisher != nil {
		s.publisher.ChatCompleted(ctx, user.ID, conv.ID, assistantMsg.ID, model, totalTokens)
	}
	return nil
}

// failStream marks the newest assistant message FAILED and emits one
// in-band error event. Usage counters are left untouched.
func (s *Service) failStream(ctx context.Context, userID, conversationID uuid.UUID, model string, sink EventSink, cause error) {
	slog.Error("chat stream failed", "error", cause,
		"user_id", userID, "conversation_id", conversationID, "model", model)

	// The client may already be gone; keep cleanup alive regardless.
	cleanupCtx := context.WithoutCancel(ctx)
	if err := s.repo.MarkNewestAssistantFailed(cleanupCtx, conversationID); err != nil {
		slog.Error("marking assistant message failed", "error", err, "conversation_id", conversationID)
	}

	_ = sink.Event(ErrorEvent{
		Type: "error",
		Error: ErrorBody{
			Code:    api.CodeGenerationFailed,
			Message: completion.UserMessage(cause),
		},
	})

	metrics.ChatStreamsTotal.WithLabelValues(model, "failure").Inc()
	if s.publisher != nil {
		s.publisher.ChatFailed(cleanupCtx, userID, conversationID, model, completion.UserMessage(cause))
	}
}

// Conversation queries used by the handlers.

func (s *Service) ListConversations(ctx context.Context, userID uuid.UUID, page, limit int) ([]ConversationSummary, int64, error) {
	return s.repo.ListConversations(ctx, userID, page, limit)
}

func (s *Service) GetConversationWithMessages(ctx context.Context, id, userID uuid.UUID) (*Conversation, []Message, error) {
	conv, err := s.repo.GetConversation(ctx, id, userID)
	if err != nil {
		return nil, nil, err
	}
	if conv == nil {
		return nil, nil, nil
	}
	messages, err := s.repo.ListMessages(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return conv, messages, nil
}

func (s *Service) DeleteConversation(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	return s.repo.DeleteConversation(ctx, id, userID)
}

func (s *Service) UpdateConversationTitle(ctx context.Context, id, userID uuid.UUID, title string) (bool, error) {
	return s.repo.UpdateConversationTitle(ctx, id, userID, title)
}
