package slack

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ponchohq/poncho/internal/agent"
	"github.com/ponchohq/poncho/internal/approval"
	"github.com/ponchohq/poncho/internal/manifest"
	"github.com/ponchohq/poncho/internal/provider/providertest"
	"github.com/ponchohq/poncho/internal/store"
	"github.com/ponchohq/poncho/internal/stream"
	"github.com/ponchohq/poncho/internal/tools"
	"github.com/ponchohq/poncho/internal/tools/policy"
)

type postedMessage struct {
	Channel  string
	Text     string
	ThreadTS string
}

// fakeSlack records Web API calls. Message options are decoded through the
// library's own option applier.
type fakeSlack struct {
	mu       sync.Mutex
	posts    []postedMessage
	added    []string
	removed  []string
	postErr  error
	authErr  error
	botUser  string
	postSeq  int
}

func (f *fakeSlack) AuthTestContext(context.Context) (*slack.AuthTestResponse, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	return &slack.AuthTestResponse{UserID: f.botUser}, nil
}

func (f *fakeSlack) PostMessageContext(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return "", "", f.postErr
	}
	_, values, err := slack.UnsafeApplyMsgOptions("tok", channelID, "https://slack.test/api/", options...)
	if err != nil {
		return "", "", err
	}
	f.posts = append(f.posts, postedMessage{
		Channel:  channelID,
		Text:     values.Get("text"),
		ThreadTS: values.Get("thread_ts"),
	})
	f.postSeq++
	return channelID, fmt.Sprintf("171000000%d.000100", f.postSeq), nil
}

func (f *fakeSlack) AddReactionContext(_ context.Context, name string, _ slack.ItemRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, name)
	return nil
}

func (f *fakeSlack) RemoveReactionContext(_ context.Context, name string, _ slack.ItemRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeSlack) messages() []postedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]postedMessage(nil), f.posts...)
}

const bridgeManifest = `---
name: helper
id: h1
limits:
  maxSteps: 4
---
You are {{name}}.
`

func newTestBridge(t *testing.T, fake *providertest.Fake) (*Bridge, *fakeSlack, store.Conversations) {
	t.Helper()
	m, err := manifest.Parse([]byte(bridgeManifest))
	require.NoError(t, err)

	convs := store.NewMemoryConversations()
	runner := &agent.Runner{
		Manifest:    m,
		Provider:    fake,
		Registry:    tools.NewRegistry(tools.Options{Environment: policy.EnvDevelopment}),
		Arbiter:     approval.New(nil, nil),
		Streams:     stream.NewRegistry(10*time.Millisecond, 0),
		Stores:      &store.Stores{Conversations: convs, RunStates: store.NewMemoryRunStates(0)},
		Environment: policy.EnvDevelopment,
	}
	api := &fakeSlack{botUser: "B0T"}
	b := newBridge(Config{}, api, runner, convs, nil)
	b.botUserID = "B0T"
	return b, api, convs
}

func TestConversationIDIsStable(t *testing.T) {
	a := ConversationID("C123", "1710000000.000100")
	b := ConversationID("C123", "1710000000.000100")
	c := ConversationID("C123", "1710000000.000200")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "slack-"))
	assert.Len(t, a, len("slack-")+24)
}

func TestHandleThreadRunsAndReplies(t *testing.T) {
	b, api, convs := newTestBridge(t, providertest.New(providertest.TextTurn("hello from the agent")))
	ctx := context.Background()

	b.handleThread(ctx, "C123", "", "1710000000.000100", "<@B0T> say hi")

	posts := api.messages()
	require.Len(t, posts, 1)
	assert.Equal(t, "C123", posts[0].Channel)
	assert.Equal(t, "hello from the agent", posts[0].Text)
	assert.Equal(t, "1710000000.000100", posts[0].ThreadTS, "top-level message roots its own thread")

	assert.Equal(t, []string{workingReaction}, api.added)
	assert.Equal(t, []string{workingReaction}, api.removed)

	conv, err := convs.Get(ctx, ConversationID("C123", "1710000000.000100"))
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "say hi", conv.Messages[0].Text(), "bot mention is stripped from the task")
}

func TestHandleThreadReusesConversation(t *testing.T) {
	b, _, convs := newTestBridge(t, providertest.New(providertest.TextTurn("reply")))
	ctx := context.Background()

	b.handleThread(ctx, "C123", "1710000000.000100", "1710000000.000500", "first")
	b.handleThread(ctx, "C123", "1710000000.000100", "1710000000.000900", "second")

	conv, err := convs.Get(ctx, ConversationID("C123", "1710000000.000100"))
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 4, "both turns land on the same thread conversation")
}

func TestHandleThreadChunksLongResponses(t *testing.T) {
	long := strings.Repeat("a", 2*maxSegmentLen+100)
	b, api, _ := newTestBridge(t, providertest.New(providertest.TextTurn(long)))

	b.handleThread(context.Background(), "C123", "", "1710000000.000100", "go")

	posts := api.messages()
	require.Len(t, posts, 3)
	var rebuilt string
	for _, p := range posts {
		assert.LessOrEqual(t, len(p.Text), maxSegmentLen)
		rebuilt += p.Text
	}
	assert.Equal(t, long, rebuilt)
}

func TestHandleThreadPostsFallbackOnRunError(t *testing.T) {
	b, api, _ := newTestBridge(t, providertest.New(providertest.Turn{
		Err: fmt.Errorf("model exploded"),
	}))

	b.handleThread(context.Background(), "C123", "", "1710000000.000100", "go")

	posts := api.messages()
	require.Len(t, posts, 1)
	assert.Equal(t, fallbackMessage, posts[0].Text)
	assert.Equal(t, []string{workingReaction}, api.removed, "reaction is cleared even on failure")
}

func TestSplitSegments(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitSegments("short", 10))

	segments := splitSegments("line one\nline two\nline three", 12)
	assert.Equal(t, []string{"line one", "line two", "line three"}, segments)

	raw := strings.Repeat("x", 25)
	segments = splitSegments(raw, 10)
	require.Len(t, segments, 3)
	assert.Equal(t, raw, strings.Join(segments, ""))
}

func TestThreadKey(t *testing.T) {
	assert.Equal(t, "slack:C9:1.2", ThreadKey("C9", "1.2"))
}
