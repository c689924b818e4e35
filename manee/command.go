package manee

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strings"
	"sync/atomic"
	"time"
)

const (
	DiscordSlashCommandManee                = "manee"
	DefaultDiscordManeeCommandDescription   = "Ask Manee a question"
	DefaultDiscordQuestionOptionDescription = "The question you want to ask Manee"
	DefaultDiscordMissingQuestionMessage    = "Please provide a question for Manee!"
	DefaultDiscordErrorMessage              = "Error fetching response from AI. Please try again later."

	maneeCommandQuestionOption = "question"

	// discordEditTimeout bounds the final edit of a deferred reply. The
	// edit doesn't share the interaction's cancellation.
	discordEditTimeout = 10 * time.Second
)

// CommandState is the state of a single /manee invocation, as logged
// under the "state" key.
//
// Every invocation starts as CommandStateReceived and, once validated,
// ends in one of CommandStateCacheHit, CommandStateAnswered or
// CommandStateFailed. CommandStatePending covers the time between the
// deferred acknowledgement and the final reply.
type CommandState string

const (
	CommandStateReceived  CommandState = "received"
	CommandStateIgnored   CommandState = "ignored"
	CommandStateValidated CommandState = "validated"
	CommandStateCacheHit  CommandState = "cache_hit"
	CommandStatePending   CommandState = "pending"
	CommandStateAnswered  CommandState = "answered"
	CommandStateFailed    CommandState = "failed"
)

// ReplyKind is the way an interaction is replied to
type ReplyKind int

const (
	// ReplyIgnore sends no reply at all
	ReplyIgnore ReplyKind = iota

	// ReplyPong acknowledges a webhook ping
	ReplyPong

	// ReplyImmediate sends ReplyPlan.Content as the interaction response
	ReplyImmediate

	// ReplyDeferred acknowledges the interaction, asks OpenAI, then edits
	// the acknowledgement with the result
	ReplyDeferred
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyIgnore:
		return "ignore"
	case ReplyPong:
		return "pong"
	case ReplyImmediate:
		return "immediate"
	case ReplyDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// ReplyPlan describes how an interaction should be answered, before any
// call to Discord or OpenAI is made.
type ReplyPlan struct {
	Kind ReplyKind

	// State is the command state reached while planning
	State CommandState

	// Content is the reply text for ReplyImmediate
	Content string

	// Question is the exact question text for ReplyDeferred
	Question string
}

// planReply decides how to reply to i, consulting cache for an existing
// answer. It has no side effects beyond the cache lookup.
func planReply(i *discordgo.InteractionCreate, cache AnswerCache) ReplyPlan {
	if i == nil || i.Interaction == nil {
		return ReplyPlan{Kind: ReplyIgnore, State: CommandStateIgnored}
	}

	switch i.Type {
	case discordgo.InteractionPing:
		return ReplyPlan{Kind: ReplyPong, State: CommandStateIgnored}
	case discordgo.InteractionApplicationCommand:
	default:
		return ReplyPlan{Kind: ReplyIgnore, State: CommandStateIgnored}
	}

	data, ok := i.Data.(discordgo.ApplicationCommandInteractionData)
	if !ok || data.Name != DiscordSlashCommandManee {
		return ReplyPlan{Kind: ReplyIgnore, State: CommandStateIgnored}
	}

	question, ok := questionOption(i)
	if !ok || strings.TrimSpace(question) == "" {
		return ReplyPlan{
			Kind:    ReplyImmediate,
			State:   CommandStateFailed,
			Content: DefaultDiscordMissingQuestionMessage,
		}
	}

	if answer, found := cache.Get(question); found {
		return ReplyPlan{
			Kind:     ReplyImmediate,
			State:    CommandStateCacheHit,
			Content:  answer,
			Question: question,
		}
	}

	return ReplyPlan{
		Kind:     ReplyDeferred,
		State:    CommandStatePending,
		Question: question,
	}
}

// questionOption returns the raw value of the `question` option
func questionOption(i *discordgo.InteractionCreate) (string, bool) {
	opt, ok := discordInteractionOptions(i)[maneeCommandQuestionOption]
	if !ok || opt == nil || opt.Type != discordgo.ApplicationCommandOptionString {
		return "", false
	}
	question, ok := opt.Value.(string)
	return question, ok
}

// handleInteraction plans and executes the reply to the interaction
// held by handler.
func (b *Bot) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	ctx = WithLogger(ctx, logger)

	b.interactionsInProgress.Add(1)
	defer b.interactionsInProgress.Add(-1)
	if b.metrics != nil {
		b.metrics.inFlight.Inc()
		defer b.metrics.inFlight.Dec()
	}

	replies := &replyTracker{InteractionHandler: handler}
	defer func() {
		if rc := recover(); rc != nil {
			b.handleRecover(ctx, rc)
			b.metrics.observeInteraction(CommandStateFailed)
			if replies.deferred.Load() && !replies.edited.Load() {
				b.editReply(ctx, replies, DefaultDiscordErrorMessage)
			}
		}
	}()

	logger.InfoContext(
		ctx,
		"Interaction received",
		"guild_id", i.GuildID,
		"method", handler.InteractionReceiveMethod(),
		"state", CommandStateReceived,
	)

	plan := planReply(i, b.cache)
	switch plan.State {
	case CommandStateCacheHit:
		b.metrics.observeCacheLookup(true)
	case CommandStatePending:
		b.metrics.observeCacheLookup(false)
	default:
	}
	if plan.Kind == ReplyDeferred || plan.State == CommandStateCacheHit {
		logger.DebugContext(ctx, "question validated", "state", CommandStateValidated)
	}

	state := b.executePlan(ctx, replies, plan)
	b.metrics.observeInteraction(state)
	logger.DebugContext(ctx, "interaction finished", "state", state, "reply", plan.Kind)
}

// executePlan sends the replies described by plan, returning the final
// command state.
func (b *Bot) executePlan(
	ctx context.Context,
	handler InteractionHandler,
	plan ReplyPlan,
) CommandState {
	logger := loggerFromContext(ctx, handler.Logger())

	switch plan.Kind {
	case ReplyIgnore:
		logger.DebugContext(ctx, "ignoring interaction")
		return plan.State
	case ReplyPong:
		if err := handler.Respond(ctx, &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong}); err != nil {
			logger.ErrorContext(ctx, "error responding to ping", tint.Err(err))
		}
		return plan.State
	case ReplyImmediate:
		if plan.State == CommandStateCacheHit {
			logger.InfoContext(ctx, "Fetching answer from cache", "question", plan.Question)
		} else {
			logger.InfoContext(ctx, "no question provided")
		}
		if err := handler.Respond(ctx, messageResponse(plan.Content)); err != nil {
			logger.ErrorContext(ctx, "error sending reply", tint.Err(err))
		}
		return plan.State
	case ReplyDeferred:
		return b.answerDeferred(ctx, handler, plan.Question)
	default:
		logger.ErrorContext(ctx, "unknown reply kind", "kind", plan.Kind)
		return CommandStateFailed
	}
}

// answerDeferred acknowledges the interaction, gets an answer from OpenAI
// and edits the acknowledgement with it. On failure, the reply is edited
// with DefaultDiscordErrorMessage and nothing is cached.
func (b *Bot) answerDeferred(
	ctx context.Context,
	handler InteractionHandler,
	question string,
) CommandState {
	logger := loggerFromContext(ctx, handler.Logger())

	if err := handler.Respond(ctx, deferredResponse()); err != nil {
		logger.ErrorContext(ctx, "error sending deferred response", tint.Err(err))
		return CommandStateFailed
	}

	state := CommandStateAnswered
	content, err := b.openai.Complete(ctx, question)
	if err != nil {
		state = CommandStateFailed
		content = DefaultDiscordErrorMessage

		var providerErr *ProviderError
		switch {
		case errors.Is(err, ErrRateLimitExceeded):
			logger.WarnContext(ctx, "Error communicating with OpenAI", tint.Err(err))
		case errors.As(err, &providerErr):
			logger.ErrorContext(ctx, "Error communicating with OpenAI", tint.Err(providerErr.Err))
		default:
			logger.ErrorContext(ctx, "Error communicating with OpenAI", tint.Err(err))
		}
	} else {
		b.cache.Put(question, content)
	}

	b.editReply(ctx, handler, content)
	return state
}

// editReply replaces the deferred reply with content. The edit is sent
// even when ctx has already been cancelled.
func (b *Bot) editReply(ctx context.Context, handler InteractionHandler, content string) {
	logger := loggerFromContext(ctx, handler.Logger())
	editCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), discordEditTimeout)
	defer cancel()

	content = shortenString(content, discordMaxMessageLength)
	if _, err := handler.Edit(
		editCtx,
		&discordgo.WebhookEdit{
			Content:         &content,
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
	); err != nil {
		logger.ErrorContext(ctx, "error editing deferred response", tint.Err(err))
	}
}

// replyTracker records which replies have been sent through the
// wrapped handler, so a recovered panic can still finish a deferred reply.
type replyTracker struct {
	InteractionHandler
	deferred atomic.Bool
	edited   atomic.Bool
}

func (r *replyTracker) Respond(ctx context.Context, resp *discordgo.InteractionResponse) error {
	err := r.InteractionHandler.Respond(ctx, resp)
	if err == nil && resp.Type == discordgo.InteractionResponseDeferredChannelMessageWithSource {
		r.deferred.Store(true)
	}
	return err
}

func (r *replyTracker) Edit(
	ctx context.Context,
	e *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	r.edited.Store(true)
	return r.InteractionHandler.Edit(ctx, e, opts...)
}

// deferredResponse acknowledges an interaction, showing a 'thinking' state
// until the response is edited
func deferredResponse() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}
}

func messageResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content:         shortenString(content, discordMaxMessageLength),
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
	}
}
