package chat

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepchat-app/deepchat/internal/api"
	"github.com/deepchat-app/deepchat/internal/completion"
	"github.com/deepchat-app/deepchat/internal/usage"
	"github.com/deepchat-app/deepchat/internal/users"
)

// fakeRepo is an in-memory chat.Repository.
type fakeRepo struct {
	conversations map[uuid.UUID]*Conversation
	messages      []*Message
	finalized     map[uuid.UUID]struct {
		content string
		status  MessageStatus
		tokens  int
	}
	userTokens   map[uuid.UUID]int
	statsAdds    []struct{ messages, tokens int }
	failedMarked int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		conversations: make(map[uuid.UUID]*Conversation),
		finalized: make(map[uuid.UUID]struct {
			content string
			status  MessageStatus
			tokens  int
		}),
		userTokens: make(map[uuid.UUID]int),
	}
}

func (f *fakeRepo) CreateConversation(ctx context.Context, c *Conversation) error {
	f.conversations[c.ID] = c
	return nil
}

func (f *fakeRepo) GetConversation(ctx context.Context, id, userID uuid.UUID) (*Conversation, error) {
	c, ok := f.conversations[id]
	if !ok || c.UserID != userID {
		return nil, nil
	}
	return c, nil
}

func (f *fakeRepo) ListConversations(ctx context.Context, userID uuid.UUID, page, limit int) ([]ConversationSummary, int64, error) {
	return nil, 0, nil
}

func (f *fakeRepo) DeleteConversation(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	c, ok := f.conversations[id]
	if !ok || c.UserID != userID {
		return false, nil
	}
	delete(f.conversations, id)
	return true, nil
}

func (f *fakeRepo) UpdateConversationTitle(ctx context.Context, id, userID uuid.UUID, title string) (bool, error) {
	c, ok := f.conversations[id]
	if !ok || c.UserID != userID {
		return false, nil
	}
	c.Title = title
	return true, nil
}

func (f *fakeRepo) AddConversationStats(ctx context.Context, id uuid.UUID, messages, tokens int) error {
	f.statsAdds = append(f.statsAdds, struct{ messages, tokens int }{messages, tokens})
	return nil
}

func (f *fakeRepo) CreateMessage(ctx context.Context, m *Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.CreatedAt = time.Now()
	f.messages = append(f.messages, m)
	return nil
}

func (f *fakeRepo) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]Message, error) {
	var out []Message
	for _, m := range f.messages {
		if m.ConversationID == conversationID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeRepo) RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error) {
	return f.ListMessages(ctx, conversationID)
}

func (f *fakeRepo) FinalizeMessage(ctx context.Context, id uuid.UUID, content string, status MessageStatus, totalTokens int) error {
	f.finalized[id] = struct {
		content string
		status  MessageStatus
		tokens  int
	}{content, status, totalTokens}
	return nil
}

func (f *fakeRepo) SetMessageTokens(ctx context.Context, id uuid.UUID, totalTokens int) error {
	f.userTokens[id] = totalTokens
	return nil
}

func (f *fakeRepo) MarkNewestAssistantFailed(ctx context.Context, conversationID uuid.UUID) error {
	f.failedMarked++
	return nil
}

// fakeUserRepo backs a users.Service for the pipeline.
type fakeUserRepo struct {
	users.Repository
	user       *users.User
	increments int
}

func (f *fakeUserRepo) GetByID(ctx context.Context, id uuid.UUID) (*users.User, error) {
	return f.user, nil
}

func (f *fakeUserRepo) ResetMonthlyIfStale(ctx context.Context, id uuid.UUID) (bool, error) {
	return false, nil
}

func (f *fakeUserRepo) IncrementMessageCounts(ctx context.Context, id uuid.UUID) error {
	f.increments++
	f.user.MonthlyMessageCount++
	f.user.TotalMessageCount++
	return nil
}

// fakeUsageRepo records appended ledger entries.
type fakeUsageRepo struct {
	records []*usage.Record
}

func (f *fakeUsageRepo) Create(ctx context.Context, rec *usage.Record) error {
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeUsageRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]usage.Record, error) {
	return nil, nil
}

func (f *fakeUsageRepo) MonthlyTotals(ctx context.Context, userID uuid.UUID) (int, float64, error) {
	return 0, 0, nil
}

// fakeStreamer yields scripted chunks, then failErr or EOF.
type fakeStreamer struct {
	chunks   []*completion.Chunk
	startErr error
	failErr  error
}

type fakeStream struct {
	chunks  []*completion.Chunk
	failErr error
	pos     int
	closed  bool
}

func (f *fakeStreamer) StreamChat(ctx context.Context, model string, messages []completion.Message) (completion.Stream, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &fakeStream{chunks: f.chunks, failErr: f.failErr}, nil
}

func (s *fakeStream) Recv() (*completion.Chunk, error) {
	if s.pos >= len(s.chunks) {
		if s.failErr != nil {
			return nil, s.failErr
		}
		return nil, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

// captureSink records every frame in order.
type captureSink struct {
	events []any
	done   bool
}

func (c *captureSink) Event(v any) error {
	c.events = append(c.events, v)
	return nil
}

func (c *captureSink) Done() error {
	c.done = true
	return nil
}

type capturePublisher struct {
	completed int
	failed    int
}

func (p *capturePublisher) ChatCompleted(ctx context.Context, userID, conversationID, messageID uuid.UUID, model string, totalTokens int) {
	p.completed++
}

func (p *capturePublisher) ChatFailed(ctx context.Context, userID, conversationID uuid.UUID, model, reason string) {
	p.failed++
}

type pipeline struct {
	svc       *Service
	repo      *fakeRepo
	userRepo  *fakeUserRepo
	usageRepo *fakeUsageRepo
	publisher *capturePublisher
	user      *users.User
}

func newPipeline(t *testing.T, streamer completion.Streamer) *pipeline {
	t.Helper()
	user := &users.User{
		ID:                 uuid.New(),
		SubscriptionTier:   users.TierFree,
		SubscriptionStatus: users.StatusActive,
		MonthlyResetDate:   time.Now(),
	}
	repo := newFakeRepo()
	userRepo := &fakeUserRepo{user: user}
	usageRepo := &fakeUsageRepo{}
	publisher := &capturePublisher{}
	svc := NewService(repo, users.NewService(userRepo), usageRepo, streamer, publisher, "deepseek-r1-250120")
	return &pipeline{svc: svc, repo: repo, userRepo: userRepo, usageRepo: usageRepo, publisher: publisher, user: user}
}

func TestSendMessage_StreamsAndFinalizes(t *testing.T) {
	streamer := &fakeStreamer{chunks: []*completion.Chunk{
		{Reasoning: "thinking "},
		{Reasoning: "hard"},
		{Content: "Hello"},
		{Content: " there"},
		{Usage: &completion.Usage{PromptTokens: 10, CompletionTokens: 7, TotalTokens: 17}},
	}}
	p := newPipeline(t, streamer)
	sink := &captureSink{}

	err := p.svc.SendMessage(context.Background(), p.user,
		SendRequest{Message: "hi there friend"}, sink)
	require.NoError(t, err)

	// Frame ordering: start, 2 reasoning, 2 content, end
	require.Len(t, sink.events, 6)
	start, ok := sink.events[0].(MessageStartEvent)
	require.True(t, ok)
	assert.Equal(t, "message_start", start.Type)

	r1 := sink.events[1].(ReasoningDeltaEvent)
	assert.Equal(t, "thinking ", r1.Delta)
	r2 := sink.events[2].(ReasoningDeltaEvent)
	assert.Equal(t, "thinking hard", r2.Reasoning)

	c1 := sink.events[3].(ContentDeltaEvent)
	assert.Equal(t, "Hello", c1.Delta)
	c2 := sink.events[4].(ContentDeltaEvent)
	assert.Equal(t, "Hello there", c2.Content)

	end := sink.events[5].(MessageEndEvent)
	assert.Equal(t, "message_end", end.Type)
	assert.Equal(t, 17, end.TotalTokens)
	assert.Equal(t, 1, end.Usage.MonthlyUsage)
	assert.Equal(t, 9, end.Usage.RemainingMessages)
	assert.True(t, sink.done)

	// Assistant message stored as JSON reasoning+content
	fin := p.repo.finalized[start.MessageID]
	assert.JSONEq(t, `{"reasoning":"thinking hard","content":"Hello there"}`, fin.content)
	assert.Equal(t, StatusSent, fin.status)
	assert.Equal(t, 17, fin.tokens)

	// Counters and ledger
	assert.Equal(t, 1, p.userRepo.increments)
	require.Len(t, p.repo.statsAdds, 1)
	assert.Equal(t, 2, p.repo.statsAdds[0].messages)
	require.Len(t, p.usageRepo.records, 1)
	assert.Equal(t, usage.TypeMessage, p.usageRepo.records[0].UsageType)
	assert.Equal(t, "deepseek-r1-250120", p.usageRepo.records[0].ModelUsed)
	assert.Equal(t, 1, p.publisher.completed)
}

func TestSendMessage_PlainContentForNonReasoningModel(t *testing.T) {
	streamer := &fakeStreamer{chunks: []*completion.Chunk{
		{Reasoning: "should be ignored"},
		{Content: "Answer"},
	}}
	p := newPipeline(t, streamer)
	p.user.SubscriptionTier = users.TierBase
	sink := &captureSink{}

	err := p.svc.SendMessage(context.Background(), p.user,
		SendRequest{Message: "hi", Model: "gpt-4"}, sink)
	require.NoError(t, err)

	start := sink.events[0].(MessageStartEvent)
	fin := p.repo.finalized[start.MessageID]
	assert.Equal(t, "Answer", fin.content)

	for _, ev := range sink.events {
		_, isReasoning := ev.(ReasoningDeltaEvent)
		assert.False(t, isReasoning)
	}
}

func TestSendMessage_TierRestriction(t *testing.T) {
	p := newPipeline(t, &fakeStreamer{})
	sink := &captureSink{}

	err := p.svc.SendMessage(context.Background(), p.user,
		SendRequest{Message: "hi", Model: "gpt-4"}, sink)

	var appErr *api.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, api.CodeTierRestriction, appErr.Code)
	assert.Equal(t, 403, appErr.Status)
	assert.Empty(t, sink.events)
	assert.Empty(t, p.repo.messages)
}

func TestSendMessage_ConversationNotOwned(t *testing.T) {
	p := newPipeline(t, &fakeStreamer{})
	otherID := uuid.New()
	p.repo.conversations[otherID] = &Conversation{ID: otherID, UserID: uuid.New()}
	sink := &captureSink{}

	err := p.svc.SendMessage(context.Background(), p.user,
		SendRequest{Message: "hi", ConversationID: &otherID}, sink)

	var appErr *api.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, api.CodeNotFound, appErr.Code)
	assert.Equal(t, 404, appErr.Status)
}

func TestSendMessage_CreatesConversationWithTruncatedTitle(t *testing.T) {
	p := newPipeline(t, &fakeStreamer{chunks: []*completion.Chunk{{Content: "ok"}}})
	sink := &captureSink{}

	long := ""
	for i := 0; i < 20; i++ {
		long += "abcde"
	}
	err := p.svc.SendMessage(context.Background(), p.user,
		SendRequest{Message: long}, sink)
	require.NoError(t, err)

	require.Len(t, p.repo.conversations, 1)
	for _, c := range p.repo.conversations {
		assert.Len(t, []rune(c.Title), 50)
	}
}

func TestSendMessage_UpstreamFailureAfterStart(t *testing.T) {
	streamer := &fakeStreamer{
		chunks:  []*completion.Chunk{{Content: "partial"}},
		failErr: completion.ErrUnavailable,
	}
	p := newPipeline(t, streamer)
	sink := &captureSink{}

	err := p.svc.SendMessage(context.Background(), p.user,
		SendRequest{Message: "hi"}, sink)
	require.NoError(t, err) // reported in-band

	last := sink.events[len(sink.events)-1]
	errEv, ok := last.(ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, api.CodeGenerationFailed, errEv.Error.Code)
	assert.False(t, sink.done)

	assert.Equal(t, 1, p.repo.failedMarked)
	assert.Equal(t, 0, p.userRepo.increments)
	assert.Empty(t, p.usageRepo.records)
	assert.Empty(t, p.repo.statsAdds)
	assert.Equal(t, 1, p.publisher.failed)
}

func TestSendMessage_UpstreamFailureAtStart(t *testing.T) {
	p := newPipeline(t, &fakeStreamer{startErr: completion.ErrRateLimited})
	sink := &captureSink{}

	err := p.svc.SendMessage(context.Background(), p.user,
		SendRequest{Message: "hi"}, sink)
	require.NoError(t, err)

	// message_start then error, nothing else
	require.Len(t, sink.events, 2)
	_, ok := sink.events[0].(MessageStartEvent)
	assert.True(t, ok)
	errEv := sink.events[1].(ErrorEvent)
	assert.Equal(t, api.CodeGenerationFailed, errEv.Error.Code)
	assert.Equal(t, 1, p.repo.failedMarked)
}

func TestEncodeReasonedContent(t *testing.T) {
	assert.Equal(t, "plain", EncodeReasonedContent("", "plain"))
	assert.JSONEq(t, `{"reasoning":"r","content":"c"}`, EncodeReasonedContent("r", "c"))
}

func TestNewConversationTitle(t *testing.T) {
	assert.Equal(t, "hello", NewConversationTitle("  hello  "))
	long := make([]rune, 0, 60)
	for i := 0; i < 60; i++ {
		long = append(long, '字')
	}
	assert.Len(t, []rune(NewConversationTitle(string(long))), 50)
}
