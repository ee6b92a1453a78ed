package bridge

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/steveyegge/gasbot/internal/action"
)

// DefaultSlashCommand is the slash command the Slack surface answers to.
const DefaultSlashCommand = "/gasbot"

// SlackConfig configures the Slack surface.
type SlackConfig struct {
	BotToken string // xoxb-... Slack bot token
	AppToken string // xapp-... Slack app-level token (for Socket Mode)
	Channel  string // channel ID commands are read from and notifications posted to
	Command  string // slash command, DefaultSlashCommand when empty
	Debug    bool
}

// Slack is a control surface over Slack Socket Mode. Commands arrive as
// slash commands or plain messages in the configured channel.
type Slack struct {
	client  *slack.Client
	socket  *socketmode.Client
	channel string
	command string
	log     *slog.Logger
}

// NewSlack validates cfg and builds the clients. Nothing connects until Run.
func NewSlack(cfg SlackConfig, logger *slog.Logger) (*Slack, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("slack bot token is required")
	}
	if cfg.AppToken == "" {
		return nil, fmt.Errorf("slack app token is required for Socket Mode")
	}
	if !strings.HasPrefix(cfg.AppToken, "xapp-") {
		return nil, fmt.Errorf("slack app token must start with xapp-")
	}
	if cfg.Channel == "" {
		return nil, fmt.Errorf("slack channel is required")
	}
	if cfg.Command == "" {
		cfg.Command = DefaultSlashCommand
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := slack.New(
		cfg.BotToken,
		slack.OptionDebug(cfg.Debug),
		slack.OptionAppLevelToken(cfg.AppToken),
	)
	socket := socketmode.New(client, socketmode.OptionDebug(cfg.Debug))

	return &Slack{
		client:  client,
		socket:  socket,
		channel: cfg.Channel,
		command: cfg.Command,
		log:     logger.With("component", "slack"),
	}, nil
}

func (s *Slack) Name() string { return "slack" }

// Run keeps the Socket Mode connection up and forwards commands.
func (s *Slack) Run(ctx context.Context, lines chan<- string) error {
	errc := make(chan error, 1)
	go func() { errc <- s.socket.RunContext(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("slack socket mode: %w", err)
		case evt, ok := <-s.socket.Events:
			if !ok {
				return nil
			}
			if evt.Request != nil && (evt.Type == socketmode.EventTypeSlashCommand || evt.Type == socketmode.EventTypeEventsAPI) {
				s.socket.Ack(*evt.Request)
			}
			s.logEvent(evt)
			line, ok := commandLine(evt, s.channel, s.command)
			if !ok {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (s *Slack) logEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		s.log.Info("connecting to Socket Mode")
	case socketmode.EventTypeConnected:
		s.log.Info("connected to Socket Mode")
	case socketmode.EventTypeConnectionError:
		s.log.Warn("connection error", "data", fmt.Sprint(evt.Data))
	case socketmode.EventTypeInvalidAuth:
		s.log.Error("invalid Slack credentials")
	}
}

// commandLine extracts a command from a Socket Mode event. Only the
// configured slash command and human messages in channel count.
func commandLine(evt socketmode.Event, channel, command string) (string, bool) {
	switch evt.Type {
	case socketmode.EventTypeSlashCommand:
		cmd, ok := evt.Data.(slack.SlashCommand)
		if !ok || cmd.Command != command || cmd.ChannelID != channel {
			return "", false
		}
		return cmd.Text, strings.TrimSpace(cmd.Text) != ""

	case socketmode.EventTypeEventsAPI:
		outer, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok || outer.Type != slackevents.CallbackEvent {
			return "", false
		}
		msg, ok := outer.InnerEvent.Data.(*slackevents.MessageEvent)
		if !ok || msg.Channel != channel || msg.BotID != "" || msg.SubType != "" {
			return "", false
		}
		return msg.Text, strings.TrimSpace(msg.Text) != ""
	}
	return "", false
}

// Post sends text as a message and images as file uploads.
func (s *Slack) Post(ctx context.Context, n action.Notification) error {
	switch n.Kind {
	case action.NotifyImage:
		img := n.Image
		name := img.Source
		if name == "" {
			name = "shot"
		}
		_, err := s.client.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
			Channel:  s.channel,
			Reader:   bytes.NewReader(img.Data),
			FileSize: len(img.Data),
			Filename: name + "." + img.Format,
			Title:    n.Text,
		})
		if err != nil {
			return fmt.Errorf("uploading %s: %w", name, err)
		}
		return nil

	case action.NotifyShutdown:
		return s.postText(ctx, ":octagonal_sign: "+n.Text)
	}
	return s.postText(ctx, n.Text)
}

func (s *Slack) postText(ctx context.Context, text string) error {
	if _, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("posting to %s: %w", s.channel, err)
	}
	return nil
}
