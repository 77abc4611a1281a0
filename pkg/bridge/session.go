// Package bridge implements the Bridge Session (C6): the stateful
// relay between one telephony-peer WebSocket and one AI-peer WebSocket
// for the lifetime of a single phone call.
package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vossbridge/relay/internal/audit"
	"github.com/vossbridge/relay/internal/clock"
	"github.com/vossbridge/relay/internal/metrics"
	"github.com/vossbridge/relay/internal/registry"
	"github.com/vossbridge/relay/internal/transcript"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Fetcher resolves the signed WebSocket URL for the AI peer.
type Fetcher interface {
	Fetch(ctx context.Context) (string, error)
}

// Deps bundles everything a Session needs beyond the two live
// connections, so tests can substitute fakes for every collaborator.
type Deps struct {
	Fetcher     Fetcher
	Dial        Dialer
	MaxRetries  int
	IdleTimeout time.Duration
	Clock       clock.Clock
	Transcripts *transcript.Store
	Metrics     *metrics.Counters
	Prom        *metrics.Prometheus // nilable
	Audit       audit.Log
	Logger      *zap.Logger
	Registry    *registry.Registry
}

// Session bridges one telephony connection to one AI connection for
// the life of a call.
type Session struct {
	deps          Deps
	requestID     string
	callCtx       *registry.Context
	telephonyConn Conn

	mu                sync.Mutex
	streamID          string
	aiConn            Conn
	aiReady           bool
	pendingAudio      []string
	reconnectAttempts int
	closed            bool

	aiWriteMu  sync.Mutex
	telWriteMu sync.Mutex

	idleTimer *time.Timer
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	done      chan struct{}
}

// New builds a Session for requestID over an already-accepted
// telephony connection. callCtx may be nil if no registry entry was
// found for requestID (the call proceeds with empty script/persona).
func New(requestID string, callCtx *registry.Context, telephonyConn Conn, deps Deps) *Session {
	return &Session{
		deps:          deps,
		requestID:     requestID,
		callCtx:       callCtx,
		telephonyConn: telephonyConn,
		done:          make(chan struct{}),
	}
}

// Run drives the session to completion, blocking until the call ends.
// Termination can be triggered by the caller hanging up, the AI peer
// exhausting its reconnect budget, or ctx being canceled.
func (s *Session) Run(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	s.deps.Metrics.IncCalls()
	s.deps.Metrics.IncActiveCalls()
	if s.deps.Prom != nil {
		s.deps.Prom.BridgeSessionsTotal.Inc()
		s.deps.Prom.BridgeActiveGauge.Inc()
	}
	s.recordAudit(audit.EventCreated, "")

	s.idleTimer = time.AfterFunc(s.deps.IdleTimeout, func() {
		s.forceClose("idle timeout")
	})

	s.wg.Add(1)
	go s.aiConnectLoop(s.ctx)

	go func() {
		<-s.ctx.Done()
		s.forceClose("context canceled")
	}()

	s.readTelephonyLoop(s.ctx)

	s.forceClose("telephony loop ended")
	s.wg.Wait()

	s.deps.Metrics.DecActiveCalls()
	if s.deps.Prom != nil {
		s.deps.Prom.BridgeActiveGauge.Dec()
	}
	s.recordAudit(audit.EventCompleted, "")
	if s.callCtx != nil {
		s.deps.Registry.Forget(s.callCtx.CallID)
	}
	close(s.done)
}

// Done returns a channel closed once Run has fully torn the session down.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) readTelephonyLoop(ctx context.Context) {
	for {
		_, data, err := s.telephonyConn.ReadMessage()
		if err != nil {
			return
		}
		s.handleTelephonyMessage(data)
	}
}

func (s *Session) handleTelephonyMessage(data []byte) {
	var frame telephonyFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.deps.Logger.Warn("malformed telephony frame", zap.Error(err))
		return
	}

	switch frame.Event {
	case "start":
		if frame.Start != nil {
			s.mu.Lock()
			if s.streamID == "" {
				s.streamID = frame.Start.StreamSid
			}
			s.mu.Unlock()
		}
	case "media":
		if frame.Media != nil {
			s.handleCallerAudio(frame.Media.Payload)
		}
	case "stop":
		s.forceClose("caller stop")
	default:
		s.deps.Logger.Debug("ignoring telephony event", zap.String("event", frame.Event))
	}
}

// handleCallerAudio buffers caller audio while the AI peer is not yet
// ready, preserving arrival order, and forwards it immediately once ready.
func (s *Session) handleCallerAudio(payload string) {
	s.mu.Lock()
	if s.streamID == "" {
		s.mu.Unlock()
		return
	}
	if !s.aiReady {
		s.pendingAudio = append(s.pendingAudio, payload)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.sendAIAudioChunk(payload)
}

func (s *Session) sendAIAudioChunk(payload string) {
	s.writeAI(aiAudioOut{UserAudioChunk: payload})
}

// aiConnectLoop owns the AI-side connection for the session's
// lifetime, dialing, redialing on failure with bounded exponential
// backoff, and reading frames from whichever connection is current.
func (s *Session) aiConnectLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		if s.isClosed() {
			return
		}

		signedURL, err := s.deps.Fetcher.Fetch(ctx)
		if err != nil {
			s.deps.Logger.Warn("signed url fetch failed", zap.Error(err))
			if !s.scheduleRetry(ctx) {
				return
			}
			continue
		}

		conn, err := s.deps.Dial(ctx, signedURL)
		if err != nil {
			s.deps.Logger.Warn("ai dial failed", zap.Error(err))
			if !s.scheduleRetry(ctx) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.aiConn = conn
		s.aiReady = false
		s.mu.Unlock()

		s.sendInitFrame()

		closedCh := make(chan struct{})
		go s.readAILoop(conn, closedCh)
		<-closedCh

		s.mu.Lock()
		s.aiReady = false
		s.mu.Unlock()

		if s.isClosed() {
			return
		}
		if !s.scheduleRetry(ctx) {
			return
		}
	}
}

func (s *Session) sendInitFrame() {
	if s.callCtx == nil {
		return
	}
	if s.callCtx.Script == "" && s.callCtx.Persona == "" && s.callCtx.Freeform == "" {
		return
	}
	var frame aiInitFrame
	frame.Type = "conversation_initiation_client_data"
	frame.ConversationInitiationClientData.Script = s.callCtx.Script
	frame.ConversationInitiationClientData.Persona = s.callCtx.Persona
	frame.ConversationInitiationClientData.Context = s.callCtx.Freeform
	s.writeAI(frame)
}

func (s *Session) readAILoop(conn Conn, closedCh chan struct{}) {
	defer close(closedCh)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleAIMessage(data)
	}
}

func (s *Session) handleAIMessage(data []byte) {
	var frame aiFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.deps.Logger.Warn("malformed ai frame", zap.Error(err))
		return
	}

	switch frame.Type {
	case "conversation_initiation_metadata":
		s.onAIReady()
	case "audio":
		if frame.AudioEvent != nil {
			s.forwardAIAudio(frame.AudioEvent.AudioBase64)
		}
	case "interruption":
		s.sendTelephonyClear()
	case "ping":
		if frame.PingEvent != nil {
			s.sendPong(frame.PingEvent.EventID)
		}
	case "user_transcript":
		if frame.UserTranscriptionEvent != nil {
			s.appendTranscript(transcript.RoleUser, frame.UserTranscriptionEvent.UserTranscript)
		}
	case "agent_response":
		if frame.AgentResponseEvent != nil {
			s.appendTranscript(transcript.RoleAgent, frame.AgentResponseEvent.AgentResponse)
		}
	default:
		s.deps.Logger.Debug("ignoring ai event", zap.String("type", frame.Type))
	}
}

// onAIReady marks the AI peer ready and flushes any audio buffered
// while it was connecting, in arrival order. reconnects_total only
// counts genuine reopens: a session's first successful connect does
// not increment it, only a ready signal following a prior failure does.
func (s *Session) onAIReady() {
	s.mu.Lock()
	wasReconnect := s.reconnectAttempts > 0
	s.aiReady = true
	flush := s.pendingAudio
	s.pendingAudio = nil
	s.reconnectAttempts = 0
	s.mu.Unlock()

	if wasReconnect {
		s.deps.Metrics.IncReconnects()
		if s.deps.Prom != nil {
			s.deps.Prom.AIReconnectsTotal.Inc()
		}
		s.recordAudit(audit.EventAIReconnect, "")
	} else {
		s.recordAudit(audit.EventAIConnected, "")
	}

	for _, payload := range flush {
		s.sendAIAudioChunk(payload)
	}
}

func (s *Session) forwardAIAudio(b64 string) {
	s.mu.Lock()
	streamID := s.streamID
	s.mu.Unlock()
	if streamID == "" {
		s.deps.Logger.Warn("dropping ai audio: no stream id yet")
		return
	}
	s.writeTelephony(newTelephonyMediaOut(streamID, b64))
}

func (s *Session) sendTelephonyClear() {
	s.mu.Lock()
	streamID := s.streamID
	s.mu.Unlock()
	if streamID == "" {
		return
	}
	s.writeTelephony(newTelephonyClearOut(streamID))
}

func (s *Session) sendPong(eventID string) {
	s.writeAI(newAIPongOut(eventID))
}

func (s *Session) appendTranscript(role transcript.Role, text string) {
	if text == "" {
		return
	}
	callID := ""
	if s.callCtx != nil {
		callID = s.callCtx.CallID
	}
	s.deps.Transcripts.Append(callID, transcript.Turn{
		Role:      role,
		Text:      text,
		Timestamp: s.deps.Clock.Now(),
	})
}

func (s *Session) writeAI(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.deps.Logger.Error("marshal ai frame", zap.Error(err))
		return
	}
	s.mu.Lock()
	conn := s.aiConn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	s.aiWriteMu.Lock()
	defer s.aiWriteMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.deps.Logger.Warn("ai write failed", zap.Error(err))
	}
}

func (s *Session) writeTelephony(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.deps.Logger.Error("marshal telephony frame", zap.Error(err))
		return
	}
	s.telWriteMu.Lock()
	defer s.telWriteMu.Unlock()
	if err := s.telephonyConn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.deps.Logger.Warn("telephony write failed", zap.Error(err))
	}
}

// scheduleRetry applies bounded exponential backoff before the next AI
// dial attempt: delay = 1000ms * 2^(attempt-1), capped at MaxRetries
// attempts. Returns false once retries are exhausted or the session
// context is done, in which case the caller must stop.
func (s *Session) scheduleRetry(ctx context.Context) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.reconnectAttempts >= s.deps.MaxRetries {
		s.mu.Unlock()
		s.deps.Logger.Warn("ai reconnect attempts exhausted", zap.Int("max_retries", s.deps.MaxRetries))
		s.forceClose("ai retries exhausted")
		return false
	}
	s.reconnectAttempts++
	attempt := s.reconnectAttempts
	s.mu.Unlock()

	s.deps.Metrics.IncErrors()
	if s.deps.Prom != nil {
		s.deps.Prom.BridgeErrorsTotal.Inc()
	}

	delay := time.Duration(1000*(1<<uint(attempt-1))) * time.Millisecond
	select {
	case <-ctx.Done():
		return false
	case <-s.deps.Clock.After(delay):
		return true
	}
}

// forceClose tears the session down exactly once. Closing the
// telephony connection is what unblocks readTelephonyLoop's blocking
// ReadMessage call, making this the single convergence point for
// every termination path: caller hangup, idle timeout, and AI
// retry-exhaustion all funnel through here.
func (s *Session) forceClose(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	aiConn := s.aiConn
	s.mu.Unlock()

	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if aiConn != nil {
		_ = aiConn.Close()
	}
	_ = s.telephonyConn.Close()
	s.deps.Logger.Info("session closing", zap.String("reason", reason), zap.String("request_id", s.requestID))
}

func (s *Session) recordAudit(event audit.Event, detail string) {
	if s.deps.Audit == nil || s.callCtx == nil {
		return
	}
	s.deps.Audit.Record(context.Background(), audit.Entry{
		CallID:     s.callCtx.CallID,
		RequestID:  s.requestID,
		Event:      event,
		OccurredAt: s.deps.Clock.Now(),
		Detail:     detail,
	})
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
