package manee

import (
	"bytes"
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

// newTestBot returns a Bot using client for chat completions and a
// mock Discord session. Retry waits are recorded by the returned timer.
func newTestBot(
	t testing.TB,
	cfg *Config,
	client OpenAIClient,
) (*Bot, *mockDiscordSession, *recordingTimer) {
	t.Helper()
	if cfg == nil {
		cfg = DefaultTestConfig(t)
	}
	session := newMockDiscordSession()
	bot, err := New(cfg, WithOpenAIClient(client), WithDiscordSession(session))
	require.NoError(t, err)

	timer := newRecordingTimer()
	bot.openai.newTimer = func() backoff.Timer { return timer }
	return bot, session, timer
}

func TestPlanReply(t *testing.T) {
	t.Parallel()

	cache := NewMemoryCache()
	cache.Put("What is 2+2?", "4")

	u := newDiscordUser(t)

	otherCommand := newDiscordInteraction(t, u, "", "What is 2+2?")
	otherCommand.Data = discordgo.ApplicationCommandInteractionData{Name: "chat"}

	noOptions := newDiscordInteraction(t, u, "", "")
	noOptions.Data = discordgo.ApplicationCommandInteractionData{
		Name: DiscordSlashCommandManee,
	}

	wrongOptionType := newDiscordInteraction(t, u, "", "")
	wrongOptionType.Data = discordgo.ApplicationCommandInteractionData{
		Name: DiscordSlashCommandManee,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			{
				Name:  maneeCommandQuestionOption,
				Type:  discordgo.ApplicationCommandOptionInteger,
				Value: float64(4),
			},
		},
	}

	component := newDiscordInteraction(t, u, "", "")
	component.Type = discordgo.InteractionMessageComponent
	component.Data = discordgo.MessageComponentInteractionData{CustomID: "button"}

	ping := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{Type: discordgo.InteractionPing, ID: "ping"},
	}

	testCases := []struct {
		name        string
		interaction *discordgo.InteractionCreate
		expected    ReplyPlan
	}{
		{
			name:        "nil interaction",
			interaction: nil,
			expected:    ReplyPlan{Kind: ReplyIgnore, State: CommandStateIgnored},
		},
		{
			name:        "ping",
			interaction: ping,
			expected:    ReplyPlan{Kind: ReplyPong, State: CommandStateIgnored},
		},
		{
			name:        "message component",
			interaction: component,
			expected:    ReplyPlan{Kind: ReplyIgnore, State: CommandStateIgnored},
		},
		{
			name:        "other command",
			interaction: otherCommand,
			expected:    ReplyPlan{Kind: ReplyIgnore, State: CommandStateIgnored},
		},
		{
			name:        "missing question",
			interaction: noOptions,
			expected: ReplyPlan{
				Kind:    ReplyImmediate,
				State:   CommandStateFailed,
				Content: DefaultDiscordMissingQuestionMessage,
			},
		},
		{
			name:        "empty question",
			interaction: newDiscordInteraction(t, u, "", ""),
			expected: ReplyPlan{
				Kind:    ReplyImmediate,
				State:   CommandStateFailed,
				Content: DefaultDiscordMissingQuestionMessage,
			},
		},
		{
			name:        "whitespace question",
			interaction: newDiscordInteraction(t, u, "", " \t\n "),
			expected: ReplyPlan{
				Kind:    ReplyImmediate,
				State:   CommandStateFailed,
				Content: DefaultDiscordMissingQuestionMessage,
			},
		},
		{
			name:        "non-string question",
			interaction: wrongOptionType,
			expected: ReplyPlan{
				Kind:    ReplyImmediate,
				State:   CommandStateFailed,
				Content: DefaultDiscordMissingQuestionMessage,
			},
		},
		{
			name:        "cache hit",
			interaction: newDiscordInteraction(t, u, "", "What is 2+2?"),
			expected: ReplyPlan{
				Kind:     ReplyImmediate,
				State:    CommandStateCacheHit,
				Content:  "4",
				Question: "What is 2+2?",
			},
		},
		{
			name:        "cache miss differs by case",
			interaction: newDiscordInteraction(t, u, "", "what is 2+2?"),
			expected: ReplyPlan{
				Kind:     ReplyDeferred,
				State:    CommandStatePending,
				Question: "what is 2+2?",
			},
		},
		{
			name:        "cache miss differs by whitespace",
			interaction: newDiscordInteraction(t, u, "", "What is 2+2? "),
			expected: ReplyPlan{
				Kind:     ReplyDeferred,
				State:    CommandStatePending,
				Question: "What is 2+2? ",
			},
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, planReply(tc.interaction, cache))
			},
		)
	}
}

func TestReplyKind_String(t *testing.T) {
	assert.Equal(t, "ignore", ReplyIgnore.String())
	assert.Equal(t, "pong", ReplyPong.String())
	assert.Equal(t, "immediate", ReplyImmediate.String())
	assert.Equal(t, "deferred", ReplyDeferred.String())
	assert.Equal(t, "unknown", ReplyKind(99).String())
}

func TestManeeCommand_AnswerThenCache(t *testing.T) {
	t.Parallel()
	client := newMockOpenAIClient(t)
	bot, _, timer := newTestBot(t, nil, client)
	ctx := context.Background()

	const question = "What is 2+2?"
	client.On(
		"CreateChatCompletion",
		mock.Anything,
		mock.MatchedBy(
			func(req openai.ChatCompletionRequest) bool {
				return req.Messages[0].Content == question
			},
		),
	).Return(chatResponse("4"), nil).Once()

	u := newDiscordUser(t)

	// First invocation: deferred acknowledgement, then an edit with the answer
	handler := newStubInteractionHandler(t, newDiscordInteraction(t, u, "first", question))
	bot.handleInteraction(ctx, handler)

	resp := requireRespond(t, handler)
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, resp.Type)
	assert.Nil(t, resp.Data)

	edit := requireEdit(t, handler)
	require.NotNil(t, edit.WebhookEdit.Content)
	assert.Equal(t, "4", *edit.WebhookEdit.Content)
	require.NotNil(t, edit.WebhookEdit.AllowedMentions)
	assert.Empty(t, edit.WebhookEdit.AllowedMentions.Parse)

	answer, ok := bot.Cache().Get(question)
	assert.True(t, ok)
	assert.Equal(t, "4", answer)
	assert.Empty(t, timer.Waits())

	// Second invocation: immediate reply from the cache, no OpenAI request
	handler = newStubInteractionHandler(t, newDiscordInteraction(t, u, "second", question))
	bot.handleInteraction(ctx, handler)

	resp = requireRespond(t, handler)
	assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, resp.Type)
	require.NotNil(t, resp.Data)
	assert.Equal(t, "4", resp.Data.Content)
	assertNoEdit(t, handler)

	client.AssertNumberOfCalls(t, "CreateChatCompletion", 1)
	assert.Equal(
		t,
		float64(1),
		testutil.ToFloat64(bot.metrics.interactions.WithLabelValues(string(CommandStateAnswered))),
	)
	assert.Equal(
		t,
		float64(1),
		testutil.ToFloat64(bot.metrics.interactions.WithLabelValues(string(CommandStateCacheHit))),
	)
	assert.Equal(t, int64(0), bot.interactionsInProgress.Load())
}

func TestManeeCommand_RateLimitExhausted(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.OpenAI.MaxRetries = 2
	client := newMockOpenAIClient(t)
	bot, _, timer := newTestBot(t, cfg, client)

	client.On("CreateChatCompletion", mock.Anything, mock.Anything).
		Return(openai.ChatCompletionResponse{}, rateLimitError()).Times(3)

	const question = "Are you busy?"
	handler := newStubInteractionHandler(t, newDiscordInteraction(t, newDiscordUser(t), "", question))
	bot.handleInteraction(context.Background(), handler)

	resp := requireRespond(t, handler)
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, resp.Type)

	edit := requireEdit(t, handler)
	assert.Equal(t, DefaultDiscordErrorMessage, *edit.WebhookEdit.Content)

	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, timer.Waits())
	client.AssertNumberOfCalls(t, "CreateChatCompletion", 3)

	_, ok := bot.Cache().Get(question)
	assert.False(t, ok)
	assert.Equal(
		t,
		float64(1),
		testutil.ToFloat64(bot.metrics.interactions.WithLabelValues(string(CommandStateFailed))),
	)
}

func TestManeeCommand_ProviderError(t *testing.T) {
	t.Parallel()
	client := newMockOpenAIClient(t)
	bot, _, timer := newTestBot(t, nil, client)

	client.On("CreateChatCompletion", mock.Anything, mock.Anything).
		Return(
			openai.ChatCompletionResponse{},
			&openai.APIError{HTTPStatusCode: http.StatusUnauthorized, Message: "Incorrect API key"},
		).Once()

	const question = "Who are you?"
	handler := newStubInteractionHandler(t, newDiscordInteraction(t, newDiscordUser(t), "", question))
	bot.handleInteraction(context.Background(), handler)

	requireRespond(t, handler)
	edit := requireEdit(t, handler)
	assert.Equal(t, DefaultDiscordErrorMessage, *edit.WebhookEdit.Content)
	assert.Empty(t, timer.Waits())

	_, ok := bot.Cache().Get(question)
	assert.False(t, ok)
}

func TestManeeCommand_MissingQuestion(t *testing.T) {
	t.Parallel()
	client := newMockOpenAIClient(t)
	bot, _, _ := newTestBot(t, nil, client)

	handler := newStubInteractionHandler(t, newDiscordInteraction(t, newDiscordUser(t), "", "   "))
	bot.handleInteraction(context.Background(), handler)

	resp := requireRespond(t, handler)
	assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, resp.Type)
	require.NotNil(t, resp.Data)
	assert.Equal(t, "Please provide a question for Manee!", resp.Data.Content)
	assertNoEdit(t, handler)
	client.AssertNotCalled(t, "CreateChatCompletion", mock.Anything, mock.Anything)
	assert.Equal(t, 0, bot.Cache().(*MemoryCache).Len())
}

func TestManeeCommand_Ignored(t *testing.T) {
	t.Parallel()
	client := newMockOpenAIClient(t)
	bot, _, _ := newTestBot(t, nil, client)
	u := newDiscordUser(t)

	other := newDiscordInteraction(t, u, "other", "hello")
	other.Data = discordgo.ApplicationCommandInteractionData{Name: "chat"}

	component := newDiscordInteraction(t, u, "component", "hello")
	component.Type = discordgo.InteractionMessageComponent
	component.Data = discordgo.MessageComponentInteractionData{CustomID: "button"}

	for _, i := range []*discordgo.InteractionCreate{other, component} {
		handler := newStubInteractionHandler(t, i)
		bot.handleInteraction(context.Background(), handler)
		assertNoRespond(t, handler)
		assertNoEdit(t, handler)
	}
	client.AssertNotCalled(t, "CreateChatCompletion", mock.Anything, mock.Anything)
}

func TestManeeCommand_Ping(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t, nil, newMockOpenAIClient(t))

	handler := newStubInteractionHandler(
		t,
		&discordgo.InteractionCreate{
			Interaction: &discordgo.Interaction{Type: discordgo.InteractionPing, ID: "ping"},
		},
	)
	bot.handleInteraction(context.Background(), handler)

	resp := requireRespond(t, handler)
	assert.Equal(t, discordgo.InteractionResponsePong, resp.Type)
	assertNoEdit(t, handler)
}

func TestManeeCommand_AckFailure(t *testing.T) {
	t.Parallel()
	client := newMockOpenAIClient(t)
	bot, _, _ := newTestBot(t, nil, client)

	const question = "Will this be acknowledged?"
	handler := newStubInteractionHandler(t, newDiscordInteraction(t, newDiscordUser(t), "", question))
	handler.respondErr = errors.New("unknown interaction")
	bot.handleInteraction(context.Background(), handler)

	requireRespond(t, handler)
	assertNoEdit(t, handler)
	client.AssertNotCalled(t, "CreateChatCompletion", mock.Anything, mock.Anything)

	_, ok := bot.Cache().Get(question)
	assert.False(t, ok)
}

func TestManeeCommand_LongAnswer(t *testing.T) {
	t.Parallel()
	client := newMockOpenAIClient(t)
	bot, _, _ := newTestBot(t, nil, client)

	longAnswer := strings.Repeat("word ", 800)
	client.On("CreateChatCompletion", mock.Anything, mock.Anything).
		Return(chatResponse(longAnswer), nil).Once()

	const question = "Tell me everything"
	u := newDiscordUser(t)
	handler := newStubInteractionHandler(t, newDiscordInteraction(t, u, "first", question))
	bot.handleInteraction(context.Background(), handler)

	requireRespond(t, handler)
	edit := requireEdit(t, handler)
	assert.LessOrEqual(t, utf8.RuneCountInString(*edit.WebhookEdit.Content), discordMaxMessageLength)

	cached, ok := bot.Cache().Get(question)
	require.True(t, ok)
	assert.Equal(t, longAnswer, cached)

	handler = newStubInteractionHandler(t, newDiscordInteraction(t, u, "second", question))
	bot.handleInteraction(context.Background(), handler)
	resp := requireRespond(t, handler)
	assert.LessOrEqual(t, utf8.RuneCountInString(resp.Data.Content), discordMaxMessageLength)
}

func TestHandleRecover(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t, nil, newMockOpenAIClient(t))
	bot.cache = panicCache{}

	handler := newStubInteractionHandler(t, newDiscordInteraction(t, newDiscordUser(t), "", "boom"))
	assert.NotPanics(
		t, func() {
			bot.handleInteraction(context.Background(), handler)
		},
	)
	assertNoRespond(t, handler)
	assert.Equal(t, int64(0), bot.interactionsInProgress.Load())
	assert.Equal(
		t,
		float64(1),
		testutil.ToFloat64(bot.metrics.interactions.WithLabelValues(string(CommandStateFailed))),
	)
}

func TestHandleRecover_AfterDeferredAck(t *testing.T) {
	t.Parallel()
	client := newMockOpenAIClient(t)
	client.On("CreateChatCompletion", mock.Anything, mock.Anything).
		Return(chatResponse("4"), nil).
		Once()
	bot, _, _ := newTestBot(t, nil, client)
	bot.cache = putPanicCache{}

	handler := newStubInteractionHandler(
		t,
		newDiscordInteraction(t, newDiscordUser(t), "", "What is 2+2?"),
	)
	assert.NotPanics(
		t, func() {
			bot.handleInteraction(context.Background(), handler)
		},
	)

	resp := requireRespond(t, handler)
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, resp.Type)
	edit := requireEdit(t, handler)
	assert.Equal(t, DefaultDiscordErrorMessage, *edit.WebhookEdit.Content)
	assertNoEdit(t, handler)
	assert.Equal(
		t,
		float64(1),
		testutil.ToFloat64(bot.metrics.interactions.WithLabelValues(string(CommandStateFailed))),
	)
}

func TestHandleInteraction_LogsStates(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t, nil, newMockOpenAIClient(t))
	bot.Cache().Put("What is 2+2?", "4")

	var buf bytes.Buffer
	handler := newStubInteractionHandler(
		t,
		newDiscordInteraction(t, newDiscordUser(t), "", "What is 2+2?"),
	)
	handler.GatewayHandler.logger = slog.New(
		slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)

	bot.handleInteraction(context.Background(), handler)
	requireRespond(t, handler)

	logs := buf.String()
	received := strings.Index(logs, "state="+string(CommandStateReceived))
	validated := strings.Index(logs, "state="+string(CommandStateValidated))
	finished := strings.Index(logs, "state="+string(CommandStateCacheHit))
	require.NotEqual(t, -1, received)
	require.NotEqual(t, -1, validated)
	require.NotEqual(t, -1, finished)
	assert.Less(t, received, validated)
	assert.Less(t, validated, finished)
}

type panicCache struct{}

func (panicCache) Get(string) (string, bool) {
	panic("cache unavailable")
}

func (panicCache) Put(string, string) {}

// putPanicCache never has an answer, and panics when one is stored
type putPanicCache struct{}

func (putPanicCache) Get(string) (string, bool) {
	return "", false
}

func (putPanicCache) Put(string, string) {
	panic("cache full")
}

func requireRespond(t testing.TB, h stubInteractionHandler) *discordgo.InteractionResponse {
	t.Helper()
	select {
	case resp := <-h.callRespond:
		require.NotNil(t, resp)
		return resp
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for response")
	}
	return nil
}

func requireEdit(t testing.TB, h stubInteractionHandler) *stubEdits {
	t.Helper()
	select {
	case edit := <-h.callEdit:
		require.NotNil(t, edit)
		require.NotNil(t, edit.WebhookEdit)
		require.NotNil(t, edit.WebhookEdit.Content)
		return edit
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for edit")
	}
	return nil
}

func assertNoRespond(t testing.TB, h stubInteractionHandler) {
	t.Helper()
	select {
	case resp := <-h.callRespond:
		t.Errorf("unexpected response: %#v", resp)
	default:
	}
}

func assertNoEdit(t testing.TB, h stubInteractionHandler) {
	t.Helper()
	select {
	case edit := <-h.callEdit:
		t.Errorf("unexpected edit: %#v", edit)
	default:
	}
}
