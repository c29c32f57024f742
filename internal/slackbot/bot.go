// Package slackbot implements the Slack side of the bridge. It uses the
// slack-go/slack library with Socket Mode for WebSocket-based communication
// and relays channel messages to the session manager.
package slackbot

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/gangwaybot/gangway/internal/handler"
	"github.com/gangwaybot/gangway/internal/session"
)

// relayTimeout bounds one message round trip through the agent.
const relayTimeout = 2 * time.Minute

// Sessions is the slice of the session manager the bot drives.
type Sessions interface {
	CreateSession(ctx context.Context, projectPath, sessionID string) (*session.Session, error)
	SwitchSession(id string) error
	TerminateSession(ctx context.Context, id string) error
	ListSessions() []session.Summary
	ActiveSessionID() string
	SendMessage(ctx context.Context, id, text string) (string, error)
	ExecuteNonInteractive(ctx context.Context, command, projectPath string, timeout time.Duration) (*handler.CommandResult, error)
}

// Bot bridges Slack messages to agent sessions.
type Bot struct {
	client     *slack.Client
	socketMode *socketmode.Client
	sessions   Sessions
	channelID  string // restrict message relay to this channel when set
	botUserID  string
	debug      bool
}

// Config holds configuration for the Slack bot.
type Config struct {
	BotToken  string // xoxb-... Slack bot token
	AppToken  string // xapp-... Slack app-level token (for Socket Mode)
	ChannelID string // Channel the bot relays messages from
	Debug     bool
}

// New creates a new Slack bot over mgr.
func New(cfg Config, mgr Sessions) (*Bot, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	if cfg.AppToken == "" {
		return nil, fmt.Errorf("app token is required for Socket Mode")
	}
	if !strings.HasPrefix(cfg.AppToken, "xapp-") {
		return nil, fmt.Errorf("app token must start with xapp-")
	}
	if mgr == nil {
		return nil, fmt.Errorf("session manager is required")
	}

	client := slack.New(
		cfg.BotToken,
		slack.OptionDebug(cfg.Debug),
		slack.OptionAppLevelToken(cfg.AppToken),
	)

	socketClient := socketmode.New(
		client,
		socketmode.OptionDebug(cfg.Debug),
	)

	return &Bot{
		client:     client,
		socketMode: socketClient,
		sessions:   mgr,
		channelID:  cfg.ChannelID,
		debug:      cfg.Debug,
	}, nil
}

// Run starts the bot event loop. Blocks until the context is canceled.
func (b *Bot) Run(ctx context.Context) error {
	if auth, err := b.client.AuthTestContext(ctx); err == nil {
		b.botUserID = auth.UserID
	} else {
		log.Printf("Slack: auth test failed: %v", err)
	}

	go func() {
		for evt := range b.socketMode.Events {
			b.handleEvent(evt)
		}
	}()

	return b.socketMode.RunContext(ctx)
}

func (b *Bot) handleEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		log.Println("Slack: Connecting to Socket Mode...")

	case socketmode.EventTypeConnected:
		log.Println("Slack: Connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		log.Printf("Slack: Connection error: %v", evt.Data)

	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		b.socketMode.Ack(*evt.Request)
		b.handleEventsAPI(apiEvent)

	case socketmode.EventTypeSlashCommand:
		cmd, ok := evt.Data.(slack.SlashCommand)
		if !ok {
			return
		}
		b.socketMode.Ack(*evt.Request)
		b.handleSlashCommand(cmd)
	}
}

func (b *Bot) handleEventsAPI(apiEvent slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}

	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		text := stripMention(ev.Text)
		b.relay(ev.Channel, threadOf(ev.ThreadTimeStamp, ev.TimeStamp), ev.User, text)

	case *slackevents.MessageEvent:
		// Ignore our own messages, edits, joins and other subtypes.
		if ev.BotID != "" || ev.SubType != "" || ev.User == b.botUserID {
			return
		}
		if b.channelID != "" && ev.Channel != b.channelID {
			return
		}
		b.relay(ev.Channel, threadOf(ev.ThreadTimeStamp, ev.TimeStamp), ev.User, ev.Text)
	}
}

// threadOf picks the reply thread: the existing one, or the triggering
// message itself so long output never floods the channel.
func threadOf(threadTS, ts string) string {
	if threadTS != "" {
		return threadTS
	}
	return ts
}

// stripMention removes the leading <@U...> mention token.
func stripMention(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "<@") {
		if end := strings.Index(text, ">"); end > 0 {
			text = strings.TrimSpace(text[end+1:])
		}
	}
	return text
}

// relay routes a message: bang-prefixed control commands act on the session
// table, everything else goes to the active session.
func (b *Bot) relay(channelID, threadTS, userID, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	if cmd, args, ok := parseCommand(text); ok {
		b.runCommand(channelID, threadTS, userID, cmd, args)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
	defer cancel()

	resp, err := b.sessions.SendMessage(ctx, "", text)
	if err != nil {
		b.postThread(channelID, threadTS,
			fmt.Sprintf(":warning: %v\n\nStart a session with `!new <project-path>`.", err))
		return
	}
	b.postThread(channelID, threadTS, resp)
}

func (b *Bot) runCommand(channelID, threadTS, userID, cmd string, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
	defer cancel()

	switch cmd {
	case "sessions":
		b.postSessionList(channelID, threadTS)

	case "new":
		if len(args) == 0 {
			b.postThread(channelID, threadTS, "Usage: `!new <project-path>`")
			return
		}
		sess, err := b.sessions.CreateSession(ctx, args[0], "")
		if err != nil {
			b.postThread(channelID, threadTS, fmt.Sprintf(":warning: Creating session failed: %v", err))
			return
		}
		b.postThread(channelID, threadTS,
			fmt.Sprintf(":rocket: Session `%s` started for *%s*.", sess.ID, sess.ProjectName))

	case "switch":
		if len(args) == 0 {
			b.postThread(channelID, threadTS, "Usage: `!switch <session-id>`")
			return
		}
		if err := b.sessions.SwitchSession(args[0]); err != nil {
			b.postThread(channelID, threadTS, fmt.Sprintf(":warning: Switch failed: %v", err))
			return
		}
		b.postThread(channelID, threadTS,
			fmt.Sprintf(":twisted_rightwards_arrows: Active session is now `%s`.", args[0]))

	case "end":
		id := b.sessions.ActiveSessionID()
		if len(args) > 0 {
			id = args[0]
		}
		if id == "" {
			b.postThread(channelID, threadTS, "No session to end.")
			return
		}
		if err := b.sessions.TerminateSession(ctx, id); err != nil {
			b.postThread(channelID, threadTS, fmt.Sprintf(":warning: Ending session failed: %v", err))
			return
		}
		b.postThread(channelID, threadTS, fmt.Sprintf(":wave: Session `%s` ended.", id))

	case "run":
		if len(args) == 0 {
			b.postThread(channelID, threadTS, "Usage: `!run <command>`")
			return
		}
		res, err := b.sessions.ExecuteNonInteractive(ctx, strings.Join(args, " "), ".", 0)
		if err != nil {
			b.postThread(channelID, threadTS, fmt.Sprintf(":warning: Command failed: %v", err))
			return
		}
		if !res.Success {
			b.postThread(channelID, threadTS, fmt.Sprintf(":warning: Command failed: %s", res.Error))
			return
		}
		b.postThread(channelID, threadTS, res.Output)

	case "help":
		b.postThread(channelID, threadTS, helpText)

	default:
		b.postThread(channelID, threadTS,
			fmt.Sprintf("Unknown command `!%s`. Try `!help`.", cmd))
	}
}

const helpText = "*Gangway commands*\n" +
	"`!sessions` - list sessions\n" +
	"`!new <project-path>` - start a session\n" +
	"`!switch <session-id>` - change the active session\n" +
	"`!end [session-id]` - end a session (active one by default)\n" +
	"`!run <command>` - one-shot command, no session needed\n" +
	"Anything else goes to the active session."

func (b *Bot) handleSlashCommand(cmd slack.SlashCommand) {
	switch cmd.Command {
	case "/gangway":
		text := strings.TrimSpace(cmd.Text)
		if text == "" {
			text = "sessions"
		}
		fields := strings.Fields(text)
		b.runCommand(cmd.ChannelID, "", cmd.UserID, fields[0], fields[1:])
	default:
		b.postEphemeral(cmd.ChannelID, cmd.UserID,
			fmt.Sprintf("Unknown command: %s", cmd.Command))
	}
}

func (b *Bot) postSessionList(channelID, threadTS string) {
	sums := b.sessions.ListSessions()
	if len(sums) == 0 {
		b.postThread(channelID, threadTS, "No sessions. Start one with `!new <project-path>`.")
		return
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn",
				fmt.Sprintf(":card_index: *%d session(s)*", len(sums)),
				false, false,
			),
			nil, nil,
		),
		slack.NewDividerBlock(),
	}

	for _, sum := range sums {
		marker := statusEmoji(string(sum.Status))
		line := fmt.Sprintf("%s `%s` *%s* (%s)", marker, sum.ID, sum.ProjectName, sum.Status)
		if sum.Active {
			line += "  :arrow_left: active"
		}
		if sum.Process != nil && sum.Process.PromptBlocked {
			line += "  :warning: waiting on a confirmation prompt"
		}
		blocks = append(blocks,
			slack.NewSectionBlock(
				slack.NewTextBlockObject("mrkdwn", line, false, false),
				nil, nil,
			),
		)
	}

	_, _, err := b.client.PostMessage(channelID,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionTS(threadTS),
	)
	if err != nil {
		log.Printf("Slack: Error posting session list: %v", err)
	}
}

func statusEmoji(status string) string {
	switch status {
	case "active":
		return ":large_green_circle:"
	case "starting":
		return ":large_yellow_circle:"
	case "error":
		return ":red_circle:"
	default:
		return ":white_circle:"
	}
}

// postThread posts text as one or more thread replies, fencing code and
// splitting at the Slack message limit.
func (b *Bot) postThread(channelID, threadTS, text string) {
	for _, chunk := range FormatReply(text) {
		_, _, err := b.client.PostMessage(channelID,
			slack.MsgOptionText(chunk, false),
			slack.MsgOptionTS(threadTS),
		)
		if err != nil {
			log.Printf("Slack: Error posting reply: %v", err)
			return
		}
	}
}

func (b *Bot) postEphemeral(channelID, userID, text string) {
	_, err := b.client.PostEphemeral(channelID, userID,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		log.Printf("Slack: Error posting ephemeral: %v", err)
	}
}
