package manee

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// Version is the release version, set at build time:
	// -ldflags "-X github.com/TopThammanun/bot-discord/manee.Version=$$(date +'%Y%m%d')"
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Bot owns the answer cache and the Discord and OpenAI integrations,
// and wires incoming /manee interactions through them.
type Bot struct {
	config        *Config
	logger        *slog.Logger
	cache         AnswerCache
	openai        *OpenAI
	discord       *Discord
	api           *API
	webhookServer *DiscordWebhookServer
	metrics       *metrics

	// getInteractionHandlerFunc returns the InteractionHandler used to
	// reply to a gateway interaction. Overridden in tests.
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	interactionsInProgress atomic.Int64

	// runtimeWG tracks interaction goroutines. New work is only added
	// while accepting is true.
	runtimeWG *sync.WaitGroup
	acceptMu  sync.RWMutex
	accepting bool

	// interactionCtx is the parent context of every interaction. It
	// outlives the Run context, so in-flight interactions can finish
	// during shutdown.
	interactionCtx context.Context

	signalReady chan struct{}
	running     atomic.Bool
	startedAt   atomic.Int64
}

// Option customizes a Bot created by New
type Option func(b *Bot)

// WithCache replaces the default MemoryCache
func WithCache(cache AnswerCache) Option {
	return func(b *Bot) {
		if cache != nil {
			b.cache = cache
		}
	}
}

// WithOpenAIClient replaces the go-openai client used for chat completions
func WithOpenAIClient(client OpenAIClient) Option {
	return func(b *Bot) {
		if client != nil {
			b.openai.client = client
		}
	}
}

// WithDiscordSession replaces the discordgo session
func WithDiscordSession(session DiscordSessionHandler) Option {
	return func(b *Bot) {
		if session != nil {
			b.discord.session = session
		}
	}
}

// New validates config and returns a Bot ready to Run. Invalid or
// missing credentials return an error wrapping ErrInvalidConfig.
func New(config *Config, opts ...Option) (*Bot, error) {
	if config == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:         config,
		cache:          NewMemoryCache(),
		metrics:        newMetrics(),
		runtimeWG:      &sync.WaitGroup{},
		signalReady:    make(chan struct{}, 1),
		interactionCtx: context.Background(),
		accepting:      true,
	}
	b.logger = newComponentLogger("manee", config.LogLevel)
	slog.SetDefault(b.logger)

	b.openai = newOpenAI(config.OpenAI, config.HTTPClient)
	b.openai.metrics = b.metrics

	config.Discord.httpClient = config.HTTPClient
	disc, err := newDiscord(config.Discord)
	if err != nil {
		return nil, err
	}
	disc.metrics = b.metrics
	b.discord = disc

	setDiscordgoLogger(
		newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	for _, opt := range opts {
		opt(b)
	}

	var errs []error
	if config.Discord.WebhookServer.Enabled {
		webhookServer, e := newWebhookServer(b, config.Discord.WebhookServer)
		errs = append(errs, e)
		b.webhookServer = webhookServer
	}

	if config.API != nil && config.API.Enabled {
		api, e := newAPI(b, config.API)
		errs = append(errs, e)
		b.api = api
	}

	return b, errors.Join(errs...)
}

// Cache returns the bot's answer cache
func (b *Bot) Cache() AnswerCache {
	return b.cache
}

// Ready returns a channel that receives once startup has finished
func (b *Bot) Ready() <-chan struct{} {
	return b.signalReady
}

// RegisterSlashCommands overwrites the /manee command in the given guilds,
// or globally when no guild is given. It doesn't require a gateway
// connection, but does require a configured application ID.
func (b *Bot) RegisterSlashCommands(
	guildIDs []string,
	options ...discordgo.RequestOption,
) error {
	if err := b.ensureDiscordSession(); err != nil {
		return err
	}
	return b.discord.registerCommands(guildIDs, options...)
}

// Run connects to Discord, starts any enabled HTTP servers, and handles
// interactions until ctx is done. It then stops accepting interactions
// and waits up to [Config.ShutdownTimeout] for in-flight ones to finish.
func (b *Bot) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return errors.New("already running")
	}
	defer b.running.Store(false)

	b.startedAt.Store(time.Now().UnixNano())
	b.logger.InfoContext(ctx, "starting", "version", Version, "config", b.config)

	interactionCtx, cancelInteractions := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelInteractions()
	b.interactionCtx = WithLogger(interactionCtx, b.logger)

	b.acceptMu.Lock()
	b.accepting = true
	b.acceptMu.Unlock()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err := b.initDiscordSession(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if b.api != nil {
		if err := b.api.listen(startCtx); err != nil {
			return fmt.Errorf("error starting API: %w", err)
		}
		g.Go(b.api.Serve)
	}

	if b.webhookServer != nil {
		if err := b.webhookServer.listen(startCtx); err != nil {
			b.shutdownServers()
			return fmt.Errorf("error starting webhook server: %w", err)
		}
		g.Go(b.webhookServer.Serve)
	}

	if !b.config.Discord.GatewayDisabled {
		if err := b.discord.session.Open(); err != nil {
			b.shutdownServers()
			return fmt.Errorf("error connecting to discord: %w", err)
		}
	}
	startCancel()

	select {
	case b.signalReady <- struct{}{}:
	default:
	}
	b.logger.InfoContext(ctx, "ready")

	<-gctx.Done()
	b.logger.InfoContext(ctx, "shutting down")

	shutdownErr := b.shutdown(cancelInteractions)
	return errors.Join(shutdownErr, g.Wait())
}

// ensureDiscordSession creates the discord session if one wasn't
// already provided.
func (b *Bot) ensureDiscordSession() error {
	if b.discord.session != nil {
		return nil
	}
	session, err := b.discord.newSession()
	if err != nil {
		return fmt.Errorf("error creating discord session: %w", err)
	}
	b.discord.session = session
	return nil
}

// initDiscordSession creates the discord session, if needed, and adds
// the gateway event handlers.
func (b *Bot) initDiscordSession() error {
	if err := b.ensureDiscordSession(); err != nil {
		return err
	}

	if b.getInteractionHandlerFunc == nil {
		b.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     b.discord.session,
				interaction: i,
				logger: b.discord.logger.With(
					slog.Group("interaction", interactionLogAttrs(*i)...),
				),
			}
		}
	}

	if b.config.Discord.GatewayDisabled {
		return nil
	}

	for _, remove := range b.discord.discordgoRemoveHandlerFuncs {
		remove()
	}

	b.discord.session.SetIdentify(
		discordgo.Identify{
			Intents: b.config.Discord.GatewayIntents,
		},
	)

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				b.dispatchInteraction(i)
			},
		),
	}
	return nil
}

// dispatchInteraction handles a gateway interaction in a new goroutine.
// Interactions arriving once shutdown has started are dropped.
func (b *Bot) dispatchInteraction(i *discordgo.InteractionCreate) {
	ctx := b.interactionCtx
	handler := b.getInteractionHandlerFunc(ctx, i)
	if !b.trackInteraction() {
		handler.Logger().Warn("shutting down, dropping interaction")
		return
	}
	go func() {
		defer b.runtimeWG.Done()
		b.handleInteraction(ctx, handler)
	}()
}

// trackInteraction adds an interaction to runtimeWG, returning false
// if the bot is no longer accepting them. Callers must call
// runtimeWG.Done when it returns true.
func (b *Bot) trackInteraction() bool {
	b.acceptMu.RLock()
	defer b.acceptMu.RUnlock()
	if !b.accepting {
		return false
	}
	b.runtimeWG.Add(1)
	return true
}

func (b *Bot) shutdownServers() {
	ctx, cancel := context.WithTimeout(context.Background(), b.config.ShutdownTimeout)
	defer cancel()
	if b.api != nil {
		if err := b.api.Shutdown(ctx); err != nil {
			b.logger.Error("error shutting down API", tint.Err(err))
		}
	}
	if b.webhookServer != nil {
		if err := b.webhookServer.Shutdown(ctx); err != nil {
			b.logger.Error("error shutting down webhook server", tint.Err(err))
		}
	}
}

// shutdown stops accepting interactions, closes the gateway and HTTP
// servers, then waits for in-flight interactions. If they don't finish
// within the shutdown timeout, their context is cancelled, and shutdown
// waits for them to send their final reply.
func (b *Bot) shutdown(cancelInteractions context.CancelFunc) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.config.ShutdownTimeout)
	defer cancel()

	b.acceptMu.Lock()
	b.accepting = false
	b.acceptMu.Unlock()

	var errs []error

	if b.webhookServer != nil {
		if err := b.webhookServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("error shutting down webhook server: %w", err))
		}
	}

	if !b.config.Discord.GatewayDisabled && b.discord.session != nil {
		for _, remove := range b.discord.discordgoRemoveHandlerFuncs {
			remove()
		}
		b.discord.discordgoRemoveHandlerFuncs = nil
		if err := b.discord.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		b.runtimeWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("all interactions finished")
	case <-ctx.Done():
		b.logger.Warn(
			"shutdown timeout reached, cancelling interactions",
			"in_progress", b.interactionsInProgress.Load(),
		)
		cancelInteractions()

		// cancelled interactions still edit in the error message
		select {
		case <-done:
			b.logger.Info("cancelled interactions finished")
		case <-time.After(discordEditTimeout):
			errs = append(
				errs,
				fmt.Errorf(
					"%d interactions still running after shutdown",
					b.interactionsInProgress.Load(),
				),
			)
		}
	}

	if b.api != nil {
		apiCtx, apiCancel := context.WithTimeout(context.Background(), b.config.ShutdownTimeout)
		defer apiCancel()
		if err := b.api.Shutdown(apiCtx); err != nil {
			errs = append(errs, fmt.Errorf("error shutting down API: %w", err))
		}
	}

	return errors.Join(errs...)
}

// BotStatus summarizes the running state of the bot
type BotStatus struct {
	Status                 string `json:"status"`
	Version                string `json:"version"`
	DiscordConnected       bool   `json:"discord_connected"`
	CacheSize              int    `json:"cache_size"`
	InteractionsInProgress int64  `json:"interactions_in_progress"`
	Uptime                 string `json:"uptime"`
}

func (b *Bot) Status() BotStatus {
	status := BotStatus{
		Status:                 "ok",
		Version:                Version,
		DiscordConnected:       b.discord.connected.Load(),
		InteractionsInProgress: b.interactionsInProgress.Load(),
	}
	if stats, ok := b.cache.(cacheStatter); ok {
		status.CacheSize = stats.Stats().Size
	}
	if started := b.startedAt.Load(); started > 0 {
		status.Uptime = time.Since(time.Unix(0, started)).Truncate(time.Second).String()
	}
	return status
}

type cacheStatter interface {
	Stats() CacheStats
}

// handleRecover logs a panic recovered while handling an interaction
func (b *Bot) handleRecover(ctx context.Context, rc any) {
	logger := loggerFromContext(ctx, b.logger)
	stackTrace := string(debug.Stack())

	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(errors.New(v)), "stack_trace", stackTrace)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}
