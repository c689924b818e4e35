package manee

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
)

// Discord manages the Discord session and registers the /manee command.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	publicKey                   ed25519.PublicKey
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	metrics                     *metrics

	// applicationID is set from the config, or from the Ready event
	applicationID string
	mu            sync.RWMutex
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	d := &Discord{
		config:                      config,
		applicationID:               config.ApplicationID,
		discordgoRemoveHandlerFuncs: []func(){},
		logger:                      newComponentLogger("discord", config.LogLevel),
	}

	if config.WebhookServer.PublicKey != "" {
		publicKey, err := hex.DecodeString(config.WebhookServer.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("error decoding public key: %w", err)
		}
		if len(publicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf(
				"invalid public key length %d (expected %d)",
				len(publicKey),
				ed25519.PublicKeySize,
			)
		}
		d.publicKey = ed25519.PublicKey(publicKey)
	}

	return d, nil
}

// newSession initializes a new Discord session with the configured
// token, HTTP client and log level.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		session.SetHTTPClient(d.config.httpClient)
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

func (d *Discord) ApplicationID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.applicationID
}

func (d *Discord) setApplicationID(appID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.applicationID == "" {
		d.applicationID = appID
	}
}

// appCommandManee returns the /manee command, with its single required
// `question` option.
func (*Discord) appCommandManee() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandManee,
		Description: DefaultDiscordManeeCommandDescription,
		Type:        discordgo.ChatApplicationCommand,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        maneeCommandQuestionOption,
				Description: DefaultDiscordQuestionOptionDescription,
				Required:    true,
			},
		},
	}
}

// registerCommands overwrites the application's commands in each of the
// given guilds. An empty guild ID registers the commands globally.
// Registration continues for the remaining guilds when one fails.
func (d *Discord) registerCommands(
	guildIDs []string,
	options ...discordgo.RequestOption,
) error {
	appID := d.ApplicationID()
	if appID == "" {
		return errors.New("unable to register commands: application ID unknown")
	}
	if len(guildIDs) == 0 {
		guildIDs = []string{""}
	}

	commands := []*discordgo.ApplicationCommand{d.appCommandManee()}

	var errs []error
	for _, guildID := range guildIDs {
		d.logger.Info("Registering commands for guild", "guild_id", guildID)
		_, err := d.session.ApplicationCommandBulkOverwrite(
			appID,
			guildID,
			commands,
			options...,
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("guild %q: %w", guildID, err))
		}
	}
	return errors.Join(errs...)
}

// commandGuildIDs returns the guilds /manee should be registered in when
// the bot is ready: the configured guild, or every guild in the Ready event.
func (d *Discord) commandGuildIDs(r *discordgo.Ready) []string {
	if d.config.GuildID != "" {
		return []string{d.config.GuildID}
	}
	if r == nil {
		return nil
	}
	guildIDs := make([]string, 0, len(r.Guilds))
	for _, g := range r.Guilds {
		if g != nil {
			guildIDs = append(guildIDs, g.ID)
		}
	}
	return guildIDs
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.setApplicationID(r.User.ID)
			d.logger.Info(
				"Ready",
				"session_id", r.SessionID,
				slog.Group("user", "id", r.User.ID, "username", r.User.Username),
			)
		}

		guildIDs := d.commandGuildIDs(r)
		if len(guildIDs) == 0 {
			d.logger.Warn("not in any guilds, skipping command registration")
			return
		}

		d.logger.Info("Started refreshing application (/) commands.", "guilds", len(guildIDs))
		if err := d.registerCommands(guildIDs); err != nil {
			d.logger.Error("Error refreshing commands", tint.Err(err))
			return
		}
		d.logger.Info("Successfully reloaded application (/) commands")
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metrics.observeGatewayConnect()
		d.connected.Store(true)
		d.logger.Info("Connected")

		if d.config.CustomStatus != "" && s != nil {
			if err := s.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Warn("unable to set custom status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metrics.observeGatewayDisconnect()
		d.logger.Info("disconnected")
	}
}

// DiscordSessionHandler is the subset of [discordgo.Session] used by the bot
type DiscordSessionHandler interface {
	Open() error

	Close() error

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	AddHandler(handler any) func()

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	SetHTTPClient(client *http.Client)

	SetIdentify(discordgo.Identify)

	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements [DiscordSessionHandler] with a [discordgo.Session]
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	discordLevel, err := discordgoLogLevel(lvl)
	if err != nil {
		return err
	}
	d.session.LogLevel = discordLevel
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", "guild_id", guildID, tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "guild_id", guildID, "command", c.Name, "id", c.ID)
	}
	return created, nil
}
