// Package slack bridges Slack threads onto agent conversations. Each thread
// maps to one stable conversation id; a mention or DM starts a run and the
// final response is posted back into the thread.
package slack

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/ponchohq/poncho/internal/agent"
	"github.com/ponchohq/poncho/internal/store"
	"github.com/ponchohq/poncho/pkg/models"
)

// maxSegmentLen keeps each posted message under Slack's hard limit.
const maxSegmentLen = 3900

// workingReaction marks the triggering message while a run is in flight.
const workingReaction = "eyes"

// fallbackMessage is posted when a run fails outright.
const fallbackMessage = "Something went wrong while working on that. Please try again."

// busyMessage is posted when the thread already has a live run.
const busyMessage = "Still working on the previous message in this thread."

// api is the slice of the Slack client the bridge uses. *slack.Client
// satisfies it; tests substitute a recorder.
type api interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	RemoveReactionContext(ctx context.Context, name string, item slack.ItemRef) error
}

// Config holds the Slack credentials.
type Config struct {
	// BotToken is the xoxb- token for Web API calls.
	BotToken string
	// AppToken is the xapp- token for Socket Mode.
	AppToken string
}

// Bridge connects Socket Mode events to the agent runner.
type Bridge struct {
	cfg    Config
	api    api
	socket *socketmode.Client
	runner *agent.Runner
	convs  store.Conversations
	logger *slog.Logger

	botUserID string

	mu      sync.Mutex
	threads map[string]*sync.Mutex
}

// New builds a bridge over real Slack clients.
func New(cfg Config, runner *agent.Runner, convs store.Conversations, logger *slog.Logger) *Bridge {
	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	b := newBridge(cfg, client, runner, convs, logger)
	b.socket = socketmode.New(client)
	return b
}

func newBridge(cfg Config, api api, runner *agent.Runner, convs store.Conversations, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:     cfg,
		api:     api,
		runner:  runner,
		convs:   convs,
		logger:  logger.With("component", "slack"),
		threads: make(map[string]*sync.Mutex),
	}
}

// Start authenticates and begins consuming Socket Mode events. It returns
// once the listeners are running; ctx cancellation shuts them down.
func (b *Bridge) Start(ctx context.Context) error {
	resp, err := b.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	b.botUserID = resp.UserID
	b.logger.Info("slack bridge started", "botUser", resp.UserID)

	go b.consumeEvents(ctx)
	go func() {
		if err := b.socket.RunContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("socket mode stopped", "error", err)
		}
	}()
	return nil
}

func (b *Bridge) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-b.socket.Events:
			if !ok {
				return
			}
			if event.Type != socketmode.EventTypeEventsAPI {
				if event.Request != nil {
					b.socket.Ack(*event.Request)
				}
				continue
			}
			apiEvent, ok := event.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			b.socket.Ack(*event.Request)
			if apiEvent.Type != slackevents.CallbackEvent {
				continue
			}
			switch ev := apiEvent.InnerEvent.Data.(type) {
			case *slackevents.AppMentionEvent:
				go b.handleThread(ctx, ev.Channel, ev.ThreadTimeStamp, ev.TimeStamp, ev.Text)
			case *slackevents.MessageEvent:
				if ev.BotID != "" || ev.SubType != "" {
					continue
				}
				if !b.addressedToBot(ev) {
					continue
				}
				go b.handleThread(ctx, ev.Channel, ev.ThreadTimeStamp, ev.TimeStamp, ev.Text)
			}
		}
	}
}

// addressedToBot accepts DMs, mentions, and replies inside threads the bot
// is already part of.
func (b *Bridge) addressedToBot(ev *slackevents.MessageEvent) bool {
	if strings.HasPrefix(ev.Channel, "D") {
		return true
	}
	if strings.Contains(ev.Text, "<@"+b.botUserID+">") {
		return true
	}
	return ev.ThreadTimeStamp != ""
}

// ThreadKey is the stable identity of one Slack thread.
func ThreadKey(channel, threadTS string) string {
	return "slack:" + channel + ":" + threadTS
}

// ConversationID derives the conversation id for a thread. Hashing keeps ids
// filename- and key-safe across store backends.
func ConversationID(channel, threadTS string) string {
	sum := sha256.Sum256([]byte(ThreadKey(channel, threadTS)))
	return "slack-" + hex.EncodeToString(sum[:12])
}

// handleThread runs the agent for one inbound thread message and posts the
// response. Sends within a thread are serialized.
func (b *Bridge) handleThread(ctx context.Context, channel, threadTS, messageTS, text string) {
	if threadTS == "" {
		// A top-level message roots its own thread.
		threadTS = messageTS
	}
	convID := ConversationID(channel, threadTS)

	lock := b.threadLock(convID)
	lock.Lock()
	defer lock.Unlock()

	conv, err := b.convs.Get(ctx, convID)
	if errors.Is(err, store.ErrNotFound) {
		conv, err = b.convs.Create(ctx, &models.Conversation{
			ID:      convID,
			OwnerID: "slack",
			Title:   ThreadKey(channel, threadTS),
		})
	}
	if err != nil {
		b.logger.Error("loading thread conversation failed", "conversation", convID, "error", err)
		return
	}

	ref := slack.ItemRef{Channel: channel, Timestamp: messageTS}
	if err := b.api.AddReactionContext(ctx, workingReaction, ref); err != nil {
		b.logger.Debug("adding reaction failed", "error", err)
	}
	defer func() {
		if err := b.api.RemoveReactionContext(ctx, workingReaction, ref); err != nil {
			b.logger.Debug("removing reaction failed", "error", err)
		}
	}()

	task := b.stripMention(text)
	broker, _, err := b.runner.StartRun(ctx, conv, task, nil)
	if err != nil {
		msg := fallbackMessage
		if errors.Is(err, agent.ErrRunActive) {
			msg = busyMessage
		}
		b.post(ctx, channel, threadTS, msg)
		return
	}

	result, err := b.runner.Wait(ctx, broker)
	if err != nil {
		b.logger.Error("thread run failed", "conversation", convID, "error", err)
		b.post(ctx, channel, threadTS, fallbackMessage)
		return
	}
	response := result.Response
	if response == "" {
		response = "(no response)"
	}
	b.post(ctx, channel, threadTS, response)
}

func (b *Bridge) stripMention(text string) string {
	if b.botUserID != "" {
		text = strings.ReplaceAll(text, "<@"+b.botUserID+">", "")
	}
	return strings.TrimSpace(text)
}

// post writes the response into the thread, split into Slack-sized segments.
func (b *Bridge) post(ctx context.Context, channel, threadTS, text string) {
	for _, segment := range splitSegments(text, maxSegmentLen) {
		_, _, err := b.api.PostMessageContext(ctx, channel,
			slack.MsgOptionText(segment, false),
			slack.MsgOptionTS(threadTS),
		)
		if err != nil {
			b.logger.Error("posting to slack failed", "channel", channel, "error", err)
			return
		}
	}
}

func (b *Bridge) threadLock(convID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lock, ok := b.threads[convID]
	if !ok {
		lock = &sync.Mutex{}
		b.threads[convID] = lock
	}
	return lock
}

// splitSegments cuts text into segments of at most max bytes, preferring
// newline boundaries and never splitting inside a rune.
func splitSegments(text string, max int) []string {
	if len(text) <= max {
		return []string{text}
	}
	var segments []string
	for len(text) > max {
		cut := strings.LastIndexByte(text[:max], '\n')
		if cut <= 0 {
			cut = max
			for cut > 0 && !isRuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = max
			}
		}
		segments = append(segments, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		segments = append(segments, text)
	}
	return segments
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
