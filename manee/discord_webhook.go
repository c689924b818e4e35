package manee

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
)

const apiDiscordInteractions = "/discord/interactions"

var errAlreadyResponded = errors.New("interaction already responded to")

// DiscordWebhookServer receives Discord interactions as HTTP POST
// requests, as an alternative to the gateway.
// See: https://discord.com/developers/docs/interactions/overview#configuring-an-interactions-endpoint-url
//
//nolint:lll // can't split link
type DiscordWebhookServer struct {
	config     DiscordWebhookServerConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
	bot        *Bot
}

// newWebhookServer creates and returns a new [DiscordWebhookServer], and/or
// any errors that occurred during creation.
func newWebhookServer(
	b *Bot,
	config DiscordWebhookServerConfig,
) (*DiscordWebhookServer, error) {
	if len(b.discord.publicKey) == 0 {
		return nil, errors.New("webhook server requires discord.webhook_server.public_key")
	}

	setGinMode(b.config.Development)
	r := gin.New()
	s := &DiscordWebhookServer{
		config: config,
		engine: r,
		bot:    b,
		logger: newComponentLogger("discord_webhook", config.LogLevel),
	}

	tlsCfg, err := tlsConfig(config.SSL)
	if err != nil {
		return nil, fmt.Errorf("error loading webhook SSL certs: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(s.logger),
	)
	r.POST(
		apiDiscordInteractions,
		discordRequestAuthenticationMiddleware(b.discord.publicKey),
		webhookReceiveHandler(s),
	)
	return s, nil
}

func (s *DiscordWebhookServer) listen(ctx context.Context) error {
	ln, err := listen(ctx, s.config.ListenNetwork, s.config.Listen, s.httpServer.TLSConfig)
	if err != nil {
		return err
	}
	if s.httpServer.TLSConfig == nil {
		s.logger.Warn("starting server without TLS")
	}
	s.listener = ln
	s.logger.Info("listening", "address", ln.Addr().String())
	return nil
}

// Serve accepts requests on the listener opened at startup, until
// Shutdown is called.
func (s *DiscordWebhookServer) Serve() error {
	if s.listener == nil {
		return errors.New("webhook server not listening")
	}
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *DiscordWebhookServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// WebhookHandler is a handler for Discord interactions received via webhook.
// The first response is returned as the HTTP response body. Edits are
// sent by the embedded InteractionHandler over REST, once that body has
// been written.
type WebhookHandler struct {
	responses chan *discordgo.InteractionResponse
	sent      chan struct{}
	sentOnce  *sync.Once
	InteractionHandler
}

func newWebhookHandler(h InteractionHandler) WebhookHandler {
	return WebhookHandler{
		responses:          make(chan *discordgo.InteractionResponse, 1),
		sent:               make(chan struct{}),
		sentOnce:           &sync.Once{},
		InteractionHandler: h,
	}
}

func (WebhookHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodWebhook
}

func (w WebhookHandler) Respond(
	_ context.Context,
	response *discordgo.InteractionResponse,
) error {
	select {
	case w.responses <- response:
		return nil
	default:
		return errAlreadyResponded
	}
}

// Edit waits for the HTTP response to be written before editing it
func (w WebhookHandler) Edit(
	ctx context.Context,
	e *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	select {
	case <-w.sent:
	case <-ctx.Done():
		return nil, fmt.Errorf("interaction response not sent: %w", ctx.Err())
	}
	return w.InteractionHandler.Edit(ctx, e, opts...)
}

// markSent unblocks Edit. It's safe to call more than once.
func (w WebhookHandler) markSent() {
	w.sentOnce.Do(func() { close(w.sent) })
}

// webhookReceiveHandler returns a [gin.HandlerFunc] which handles the
// interaction in the request body. The request returns as soon as the
// interaction's first response is available, while the rest of the
// interaction (OpenAI request, response edit) continues in the background.
func webhookReceiveHandler(s *DiscordWebhookServer) gin.HandlerFunc {
	b := s.bot
	return func(c *gin.Context) {
		logger := ginContextLogger(c, s.logger)

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			logger.ErrorContext(c, "error reading body", tint.Err(err))
			c.JSON(http.StatusInternalServerError, httpError{Error: "error reading body"})
			return
		}

		var interaction discordgo.InteractionCreate
		if e := json.Unmarshal(body, &interaction); e != nil {
			logger.ErrorContext(c, "error unmarshalling body", tint.Err(e))
			c.JSON(http.StatusBadRequest, httpError{Error: "error unmarshalling body"})
			return
		}
		i := &interaction

		ctx := WithLogger(b.interactionCtx, logger)
		if b.getInteractionHandlerFunc == nil {
			logger.ErrorContext(c, "discord session not initialized")
			c.JSON(http.StatusServiceUnavailable, httpError{Error: "unavailable"})
			return
		}
		handler := newWebhookHandler(b.getInteractionHandlerFunc(ctx, i))

		if !b.trackInteraction() {
			c.JSON(http.StatusServiceUnavailable, httpError{Error: "shutting down"})
			return
		}
		done := make(chan struct{})
		go func() {
			defer b.runtimeWG.Done()
			defer close(done)
			b.handleInteraction(ctx, handler)
		}()

		defer handler.markSent()

		select {
		case resp := <-handler.responses:
			c.JSON(http.StatusOK, resp)
			c.Writer.Flush()
		case <-done:
			select {
			case resp := <-handler.responses:
				c.JSON(http.StatusOK, resp)
			default:
				c.Status(http.StatusNoContent)
			}
		case <-c.Request.Context().Done():
			logger.WarnContext(c, "request cancelled before a response was ready")
		}
	}
}

// discordRequestAuthenticationMiddleware is a middleware for verifying Discord
// webhook requests.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll // can't split link
func discordRequestAuthenticationMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !verifyRequest(c.Request, publicKey) {
			ginContextLogger(c, nil).WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		c.Next()
	}
}

// verifyRequest verifies the ed25519 signature of a Discord webhook
// request, which signs the timestamp header followed by the body.
// The body is restored so later handlers can read it.
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	signature := r.Header.Get("X-Signature-Ed25519")
	if signature == "" {
		return false
	}

	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	if len(sig) != ed25519.SignatureSize || sig[63]&224 != 0 {
		return false
	}

	timestamp := r.Header.Get("X-Signature-Timestamp")
	if timestamp == "" {
		return false
	}

	var msg bytes.Buffer
	msg.WriteString(timestamp)

	var body bytes.Buffer
	defer func() {
		_ = r.Body.Close()
		r.Body = io.NopCloser(&body)
	}()

	if _, err = io.Copy(&msg, io.TeeReader(r.Body, &body)); err != nil {
		return false
	}

	return ed25519.Verify(key, msg.Bytes(), sig)
}
