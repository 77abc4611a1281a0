package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vossbridge/relay/internal/audit"
	"github.com/vossbridge/relay/internal/clock"
	"github.com/vossbridge/relay/internal/metrics"
	"github.com/vossbridge/relay/internal/registry"
	"github.com/vossbridge/relay/internal/transcript"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeConn is an in-memory Conn: ReadMessage drains incoming, Write
// records to outgoing, Close unblocks any pending read.
type fakeConn struct {
	incoming chan []byte
	outgoing chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 32),
		outgoing: make(chan []byte, 32),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.incoming:
		return 1, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case c.outgoing <- data:
		return nil
	default:
		return errors.New("outgoing full")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(v any) {
	data, _ := json.Marshal(v)
	c.incoming <- data
}

func (c *fakeConn) nextWrite(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-c.outgoing:
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for write")
		return nil
	}
}

type fakeFetcher struct {
	mu       sync.Mutex
	calls    int
	fail     int // number of leading calls that fail
	signaled chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context) (string, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.signaled != nil {
		select {
		case f.signaled <- struct{}{}:
		default:
		}
	}
	if n <= f.fail {
		return "", errors.New("signed url unavailable")
	}
	return "wss://ai.example.com/convo", nil
}

func testDeps(t *testing.T, fetcher Fetcher, dial Dialer, maxRetries int, mockClock *clock.Mock) Deps {
	t.Helper()
	return Deps{
		Fetcher:     fetcher,
		Dial:        dial,
		MaxRetries:  maxRetries,
		IdleTimeout: time.Hour,
		Clock:       mockClock,
		Transcripts: transcript.New(),
		Metrics:     metrics.New(),
		Audit:       audit.NewNoop(),
		Logger:      zap.NewNop(),
		Registry:    registry.New(zap.NewNop()),
	}
}

// TestSession_BuffersAudioUntilAIReady covers the FIFO-buffering
// invariant: caller audio arriving before the AI peer signals ready is
// queued and flushed in arrival order once it does.
func TestSession_BuffersAudioUntilAIReady(t *testing.T) {
	tel := newFakeConn()
	ai := newFakeConn()
	mockClock := clock.NewMock(time.Unix(0, 0))

	dial := func(ctx context.Context, url string) (Conn, error) { return ai, nil }
	deps := testDeps(t, &fakeFetcher{}, dial, 3, mockClock)

	session := New("req-1", &registry.Context{CallID: "call-1"}, tel, deps)
	done := make(chan struct{})
	go func() {
		session.Run(context.Background())
		close(done)
	}()

	tel.push(map[string]any{"event": "start", "start": map[string]string{"streamSid": "stream-1"}})
	tel.push(map[string]any{"event": "media", "media": map[string]string{"payload": "chunk-1"}})
	tel.push(map[string]any{"event": "media", "media": map[string]string{"payload": "chunk-2"}})

	// AI peer not yet ready: nothing should reach it.
	select {
	case <-ai.outgoing:
		t.Fatal("audio forwarded before AI ready")
	case <-time.After(50 * time.Millisecond):
	}

	ai.push(map[string]any{"type": "conversation_initiation_metadata"})

	first := ai.nextWrite(t)
	assert.Equal(t, "chunk-1", first["user_audio_chunk"])
	second := ai.nextWrite(t)
	assert.Equal(t, "chunk-2", second["user_audio_chunk"])

	tel.push(map[string]any{"event": "stop"})
	<-done
}

// TestSession_ForwardsReadyAudioImmediately covers the path where
// caller audio arrives after the AI peer is already ready.
func TestSession_ForwardsReadyAudioImmediately(t *testing.T) {
	tel := newFakeConn()
	ai := newFakeConn()
	mockClock := clock.NewMock(time.Unix(0, 0))

	dial := func(ctx context.Context, url string) (Conn, error) { return ai, nil }
	deps := testDeps(t, &fakeFetcher{}, dial, 3, mockClock)

	session := New("req-1", &registry.Context{CallID: "call-1"}, tel, deps)
	done := make(chan struct{})
	go func() {
		session.Run(context.Background())
		close(done)
	}()

	tel.push(map[string]any{"event": "start", "start": map[string]string{"streamSid": "stream-1"}})
	ai.push(map[string]any{"type": "conversation_initiation_metadata"})
	// Drain nothing since no buffered audio; now push live audio.
	tel.push(map[string]any{"event": "media", "media": map[string]string{"payload": "live"}})

	write := ai.nextWrite(t)
	assert.Equal(t, "live", write["user_audio_chunk"])

	tel.push(map[string]any{"event": "stop"})
	<-done
}

// TestSession_ForwardsAIAudioAndInterruption covers audio relay back
// to the telephony peer and the barge-in clear signal.
func TestSession_ForwardsAIAudioAndInterruption(t *testing.T) {
	tel := newFakeConn()
	ai := newFakeConn()
	mockClock := clock.NewMock(time.Unix(0, 0))

	dial := func(ctx context.Context, url string) (Conn, error) { return ai, nil }
	deps := testDeps(t, &fakeFetcher{}, dial, 3, mockClock)

	session := New("req-1", &registry.Context{CallID: "call-1"}, tel, deps)
	done := make(chan struct{})
	go func() {
		session.Run(context.Background())
		close(done)
	}()

	tel.push(map[string]any{"event": "start", "start": map[string]string{"streamSid": "stream-1"}})
	ai.push(map[string]any{"type": "conversation_initiation_metadata"})

	ai.push(map[string]any{"type": "audio", "audio_event": map[string]string{"audio_base_64": "reply-audio"}})
	write := tel.nextWrite(t)
	assert.Equal(t, "media", write["event"])
	assert.Equal(t, "stream-1", write["streamSid"])

	ai.push(map[string]any{"type": "interruption"})
	clearWrite := tel.nextWrite(t)
	assert.Equal(t, "clear", clearWrite["event"])
	assert.Equal(t, "stream-1", clearWrite["streamSid"])

	tel.push(map[string]any{"event": "stop"})
	<-done
}

// TestSession_TranscribesBothRoles covers transcript capture for
// both the caller's and the agent's turns.
func TestSession_TranscribesBothRoles(t *testing.T) {
	tel := newFakeConn()
	ai := newFakeConn()
	mockClock := clock.NewMock(time.Unix(0, 0))

	dial := func(ctx context.Context, url string) (Conn, error) { return ai, nil }
	deps := testDeps(t, &fakeFetcher{}, dial, 3, mockClock)

	session := New("req-1", &registry.Context{CallID: "call-1"}, tel, deps)
	done := make(chan struct{})
	go func() {
		session.Run(context.Background())
		close(done)
	}()

	tel.push(map[string]any{"event": "start", "start": map[string]string{"streamSid": "stream-1"}})
	ai.push(map[string]any{"type": "conversation_initiation_metadata"})
	ai.push(map[string]any{"type": "user_transcript", "user_transcription_event": map[string]string{"user_transcript": "hello there"}})
	ai.push(map[string]any{"type": "agent_response", "agent_response_event": map[string]string{"agent_response": "hi, how can I help"}})

	require.Eventually(t, func() bool {
		return len(deps.Transcripts.Read("call-1")) == 2
	}, time.Second, 10*time.Millisecond)

	turns := deps.Transcripts.Read("call-1")
	assert.Equal(t, transcript.RoleUser, turns[0].Role)
	assert.Equal(t, "hello there", turns[0].Text)
	assert.Equal(t, transcript.RoleAgent, turns[1].Role)
	assert.Equal(t, "hi, how can I help", turns[1].Text)

	tel.push(map[string]any{"event": "stop"})
	<-done
}

// TestSession_ReconnectBackoff_And_Exhaustion reproduces the
// three-consecutive-failure scenario: a bounded backoff of 1000ms then
// 2000ms, reconnects_total staying at zero throughout since no AI
// connection ever reaches ready, and the telephony peer being closed
// once retries are exhausted.
func TestSession_ReconnectBackoff_And_Exhaustion(t *testing.T) {
	tel := newFakeConn()
	mockClock := clock.NewMock(time.Unix(0, 0))

	dial := func(ctx context.Context, url string) (Conn, error) {
		return nil, errors.New("dial failed")
	}
	fetcher := &fakeFetcher{}
	deps := testDeps(t, fetcher, dial, 2, mockClock)

	session := New("req-1", &registry.Context{CallID: "call-1"}, tel, deps)
	done := make(chan struct{})
	go func() {
		session.Run(context.Background())
		close(done)
	}()

	select {
	case <-tel.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("telephony connection was never closed after retries exhausted")
	}
	<-done

	assert.Equal(t, []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond}, mockClock.Delays())
	assert.Equal(t, "calls_total 1\nerrors_total 2\nactive_calls 0\nreconnects_total 0\n", deps.Metrics.Render())
}

// TestSession_ReconnectsTotal_OnlyCountsGenuineReopens covers the
// first-connect side of the reconnects_total semantics: a session whose
// first AI connection reaches ready leaves reconnects_total at zero.
func TestSession_ReconnectsTotal_OnlyCountsGenuineReopens(t *testing.T) {
	tel := newFakeConn()
	ai := newFakeConn()
	mockClock := clock.NewMock(time.Unix(0, 0))

	dial := func(ctx context.Context, url string) (Conn, error) { return ai, nil }
	deps := testDeps(t, &fakeFetcher{}, dial, 3, mockClock)

	session := New("req-1", &registry.Context{CallID: "call-1"}, tel, deps)
	done := make(chan struct{})
	go func() {
		session.Run(context.Background())
		close(done)
	}()

	tel.push(map[string]any{"event": "start", "start": map[string]string{"streamSid": "stream-1"}})
	ai.push(map[string]any{"type": "conversation_initiation_metadata"})

	require.Eventually(t, func() bool {
		return deps.Metrics.Render() == "calls_total 1\nerrors_total 0\nactive_calls 1\nreconnects_total 0\n"
	}, time.Second, 10*time.Millisecond)

	tel.push(map[string]any{"event": "stop"})
	<-done
}

func TestSession_IdleTimeout_ClosesCall(t *testing.T) {
	tel := newFakeConn()
	ai := newFakeConn()
	mockClock := clock.NewMock(time.Unix(0, 0))

	dial := func(ctx context.Context, url string) (Conn, error) { return ai, nil }
	deps := testDeps(t, &fakeFetcher{}, dial, 3, mockClock)
	deps.IdleTimeout = 20 * time.Millisecond

	session := New("req-1", &registry.Context{CallID: "call-1"}, tel, deps)
	done := make(chan struct{})
	go func() {
		session.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session never closed on idle timeout")
	}
}
