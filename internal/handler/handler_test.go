package handler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a scriptable Handler for composition tests.
type fakeBackend struct {
	kind Kind
	caps Capabilities

	mu        sync.Mutex
	initErr   error
	sendErr   error
	initCalls int
	sessions  []string
	sent      []string
	ended     int
	cleaned   int
}

func newFake(kind Kind) *fakeBackend {
	return &fakeBackend{kind: kind}
}

func (f *fakeBackend) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeBackend) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	return f.initErr
}

func (f *fakeBackend) StartSession(ctx context.Context, projectPath, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sessionID == "" {
		sessionID = "generated-" + string(f.kind)
	}
	f.sessions = append(f.sessions, sessionID)
	return sessionID, nil
}

func (f *fakeBackend) SendMessage(ctx context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, text)
	return "from " + string(f.kind), nil
}

func (f *fakeBackend) StreamMessage(ctx context.Context, text string) (<-chan string, error) {
	resp, err := f.SendMessage(ctx, text)
	if err != nil {
		return nil, err
	}
	out := make(chan string, 1)
	out <- resp
	close(out)
	return out, nil
}

func (f *fakeBackend) EndSession(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended++
	return nil
}

func (f *fakeBackend) SessionInfo() SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := SessionInfo{Backend: f.kind}
	if len(f.sessions) > 0 {
		info.SessionID = f.sessions[len(f.sessions)-1]
		info.Active = true
	}
	return info
}

func (f *fakeBackend) Healthy(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendErr == nil
}

func (f *fakeBackend) ContextInfo(ctx context.Context) (ContextInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return ContextInfo{}, f.sendErr
	}
	return ContextInfo{MaxTokens: f.caps.ContextWindow}, nil
}

func (f *fakeBackend) ClearContext(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendErr
}

func (f *fakeBackend) AddContextFile(ctx context.Context, path, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendErr
}

func (f *fakeBackend) ExecuteCommand(ctx context.Context, command string, timeout time.Duration) (*CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &CommandResult{Success: true, Output: "ran: " + command}, nil
}

func (f *fakeBackend) Capabilities() Capabilities {
	return f.caps
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		input   string
		want    Kind
		wantErr bool
	}{
		{"subprocess", KindSubprocess, false},
		{"rpc", KindRPC, false},
		{"hybrid", KindHybrid, false},
		{"grpc", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseKind(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				var cfgErr *ConfigError
				require.ErrorAs(t, err, &cfgErr)
				assert.Equal(t, tt.input, cfgErr.Requested)
				assert.Contains(t, cfgErr.Error(), "subprocess")
				assert.Contains(t, cfgErr.Error(), "hybrid")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFactoryUnknownKind(t *testing.T) {
	_, err := New(Kind("carrier-pigeon"), Config{}, nil)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "carrier-pigeon", cfgErr.Requested)
}

func TestFactoryKnownKinds(t *testing.T) {
	for _, kind := range []Kind{KindSubprocess, KindRPC, KindHybrid} {
		h, err := New(kind, Config{Binary: "/bin/true"}, slog.Default())
		require.NoError(t, err, "kind %s", kind)
		require.NotNil(t, h)
	}
}

func TestOptionalHelpersNoop(t *testing.T) {
	// fakeBackend does not implement Extended; every helper should be a
	// safe no-op.
	ctx := context.Background()
	f := newFake(KindRPC)

	assert.NoError(t, Pause(ctx, f))
	assert.NoError(t, Resume(ctx, f))
	assert.NoError(t, SetModel(ctx, f, "opus"))
	assert.NoError(t, SetTemperature(ctx, f, 0.5))

	out, err := Export(ctx, f)
	assert.NoError(t, err)
	assert.Empty(t, out)
}

func TestCleanupDefaultsToEndSession(t *testing.T) {
	f := newFake(KindSubprocess)
	require.NoError(t, Cleanup(context.Background(), f))
	assert.Equal(t, 1, f.ended)
}

func TestMergeCapabilities(t *testing.T) {
	a := Capabilities{
		Streaming:     true,
		ContextWindow: 200000,
		FileUpload:    true,
		Models:        []string{"opus", "sonnet"},
		Interactive:   true,
	}
	b := Capabilities{
		ContextWindow:   100000,
		Models:          []string{"sonnet", "remote-1"},
		CustomTools:     true,
		ExternalServers: true,
		BatchProcessing: true,
	}

	merged := mergeCapabilities(a, b)
	assert.True(t, merged.Streaming)
	assert.True(t, merged.FileUpload)
	assert.True(t, merged.Interactive)
	assert.True(t, merged.CustomTools)
	assert.True(t, merged.ExternalServers)
	assert.True(t, merged.BatchProcessing)
	assert.Equal(t, 200000, merged.ContextWindow)
	assert.Equal(t, []string{"opus", "remote-1", "sonnet"}, merged.Models)
}

func TestNoSessionSentinel(t *testing.T) {
	s := NewSubprocess(Config{Binary: "/bin/true"}, slog.Default())
	ctx := context.Background()

	_, err := s.SendMessage(ctx, "hi")
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = s.StreamMessage(ctx, "hi")
	assert.ErrorIs(t, err, ErrNoSession)

	assert.ErrorIs(t, s.EndSession(ctx), ErrNoSession)
	assert.ErrorIs(t, s.ClearContext(ctx), ErrNoSession)

	_, err = s.ContextInfo(ctx)
	assert.ErrorIs(t, err, ErrNoSession)

	r := NewRPC(Config{RPCEndpoint: "http://localhost:1"}, slog.Default())
	_, err = r.SendMessage(ctx, "hi")
	assert.ErrorIs(t, err, ErrNotConnected)
}
