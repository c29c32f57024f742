package slackbot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"

	"github.com/gangwaybot/gangway/internal/handler"
	"github.com/gangwaybot/gangway/internal/session"
)

type fakeSessions struct {
	mu         sync.Mutex
	sendErr    error
	sent       []string
	created    []string
	switched   []string
	terminated []string
	ran        []string
	activeID   string
	summaries  []session.Summary
}

func (f *fakeSessions) CreateSession(ctx context.Context, projectPath, sessionID string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, projectPath)
	return &session.Session{ID: "sess-1", ProjectPath: projectPath, ProjectName: "proj"}, nil
}

func (f *fakeSessions) SwitchSession(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switched = append(f.switched, id)
	return nil
}

func (f *fakeSessions) TerminateSession(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, id)
	return nil
}

func (f *fakeSessions) ListSessions() []session.Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summaries
}

func (f *fakeSessions) ActiveSessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeID
}

func (f *fakeSessions) SendMessage(ctx context.Context, id, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, text)
	return "reply to " + text, nil
}

func (f *fakeSessions) ExecuteNonInteractive(ctx context.Context, command, projectPath string, timeout time.Duration) (*handler.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, command)
	return &handler.CommandResult{Success: true, Output: "ran: " + command}, nil
}

// fakeSlackAPI records chat.postMessage calls made against a local server.
type fakeSlackAPI struct {
	srv *httptest.Server

	mu     sync.Mutex
	texts  []string
	tss    []string
	blocks []string
}

func newFakeSlackAPI(t *testing.T) *fakeSlackAPI {
	t.Helper()
	f := &fakeSlackAPI{}
	mux := http.NewServeMux()
	mux.HandleFunc("/chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.mu.Lock()
		f.texts = append(f.texts, r.Form.Get("text"))
		f.tss = append(f.tss, r.Form.Get("thread_ts"))
		f.blocks = append(f.blocks, r.Form.Get("blocks"))
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1.1"}`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSlackAPI) posted() ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...), append([]string(nil), f.tss...)
}

func (f *fakeSlackAPI) postedBlocks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.blocks...)
}

func newTestBot(t *testing.T, mgr Sessions) (*Bot, *fakeSlackAPI) {
	t.Helper()
	api := newFakeSlackAPI(t)
	client := slack.New("xoxb-test",
		slack.OptionAppLevelToken("xapp-test"),
		slack.OptionAPIURL(api.srv.URL+"/"),
	)
	return &Bot{client: client, sessions: mgr, channelID: "C1"}, api
}

func TestNewBot_MissingBotToken(t *testing.T) {
	_, err := New(Config{AppToken: "xapp-test"}, &fakeSessions{})
	if err == nil {
		t.Error("expected error for missing bot token")
	}
}

func TestNewBot_MissingAppToken(t *testing.T) {
	_, err := New(Config{BotToken: "xoxb-test"}, &fakeSessions{})
	if err == nil {
		t.Error("expected error for missing app token")
	}
}

func TestNewBot_InvalidAppToken(t *testing.T) {
	_, err := New(Config{BotToken: "xoxb-test", AppToken: "invalid"}, &fakeSessions{})
	if err == nil {
		t.Error("expected error for invalid app token format")
	}
}

func TestNewBot_MissingManager(t *testing.T) {
	_, err := New(Config{BotToken: "xoxb-test", AppToken: "xapp-test"}, nil)
	if err == nil {
		t.Error("expected error for missing manager")
	}
}

func TestNewBot_ValidConfig(t *testing.T) {
	bot, err := New(Config{BotToken: "xoxb-test", AppToken: "xapp-test"}, &fakeSessions{})
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if bot == nil {
		t.Error("expected bot to be created")
	}
}

func TestRelayRoutesToActiveSession(t *testing.T) {
	mgr := &fakeSessions{}
	bot, api := newTestBot(t, mgr)

	bot.relay("C1", "1.0", "U1", "fix the flaky test")

	if len(mgr.sent) != 1 || mgr.sent[0] != "fix the flaky test" {
		t.Fatalf("sent = %v, want the relayed message", mgr.sent)
	}
	texts, tss := api.posted()
	if len(texts) != 1 || texts[0] != "reply to fix the flaky test" {
		t.Errorf("posted = %v, want the session reply", texts)
	}
	if len(tss) != 1 || tss[0] != "1.0" {
		t.Errorf("thread_ts = %v, want reply in thread 1.0", tss)
	}
}

func TestRelaySendErrorPostsHint(t *testing.T) {
	mgr := &fakeSessions{sendErr: session.ErrNoActiveSession}
	bot, api := newTestBot(t, mgr)

	bot.relay("C1", "1.0", "U1", "hello")

	texts, _ := api.posted()
	if len(texts) != 1 {
		t.Fatalf("posted %d messages, want 1", len(texts))
	}
	if want := "!new"; !contains(texts[0], want) {
		t.Errorf("error reply %q does not mention %q", texts[0], want)
	}
}

func TestRelayCommandNew(t *testing.T) {
	mgr := &fakeSessions{}
	bot, api := newTestBot(t, mgr)

	bot.relay("C1", "1.0", "U1", "!new /tmp/proj")

	if len(mgr.created) != 1 || mgr.created[0] != "/tmp/proj" {
		t.Fatalf("created = %v, want /tmp/proj", mgr.created)
	}
	texts, _ := api.posted()
	if len(texts) != 1 || !contains(texts[0], "sess-1") {
		t.Errorf("posted = %v, want confirmation naming the session", texts)
	}
}

func TestSessionListFlagsPromptBlocked(t *testing.T) {
	mgr := &fakeSessions{summaries: []session.Summary{{
		ID:          "sess-1",
		ProjectName: "proj",
		Status:      session.StatusActive,
		Process:     &handler.ProcessInfo{Running: true, PromptBlocked: true},
	}}}
	bot, api := newTestBot(t, mgr)

	bot.relay("C1", "1.0", "U1", "!sessions")

	blocks := api.postedBlocks()
	if len(blocks) != 1 || !contains(blocks[0], "waiting on a confirmation prompt") {
		t.Errorf("blocks = %v, want the stuck-session marker", blocks)
	}
}

func TestRelayCommandEndDefaultsToActive(t *testing.T) {
	mgr := &fakeSessions{activeID: "sess-9"}
	bot, _ := newTestBot(t, mgr)

	bot.relay("C1", "1.0", "U1", "!end")

	if len(mgr.terminated) != 1 || mgr.terminated[0] != "sess-9" {
		t.Errorf("terminated = %v, want the active session", mgr.terminated)
	}
}

func TestRelayCommandRun(t *testing.T) {
	mgr := &fakeSessions{}
	bot, api := newTestBot(t, mgr)

	bot.relay("C1", "1.0", "U1", "!run summarize recent changes")

	if len(mgr.ran) != 1 || mgr.ran[0] != "summarize recent changes" {
		t.Fatalf("ran = %v", mgr.ran)
	}
	texts, _ := api.posted()
	if len(texts) != 1 || !contains(texts[0], "summarize recent changes") {
		t.Errorf("posted = %v, want command output", texts)
	}
}

func TestRelayUnknownCommand(t *testing.T) {
	mgr := &fakeSessions{}
	bot, api := newTestBot(t, mgr)

	bot.relay("C1", "1.0", "U1", "!bogus")

	texts, _ := api.posted()
	if len(texts) != 1 || !contains(texts[0], "!help") {
		t.Errorf("posted = %v, want unknown-command hint", texts)
	}
	if len(mgr.sent) != 0 {
		t.Error("control command must not reach the session")
	}
}

func TestRelayIgnoresEmpty(t *testing.T) {
	mgr := &fakeSessions{}
	bot, api := newTestBot(t, mgr)

	bot.relay("C1", "1.0", "U1", "   ")

	texts, _ := api.posted()
	if len(texts) != 0 || len(mgr.sent) != 0 {
		t.Error("empty message must be dropped")
	}
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}
