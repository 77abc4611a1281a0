// Package httpapi implements the HTTP control plane (C7): outbound
// call placement, telephony status callbacks, transcript and metrics
// retrieval, and the WebSocket upgrade that hands a connection off to
// a bridge session.
package httpapi

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/vossbridge/relay/internal/audit"
	"github.com/vossbridge/relay/internal/clock"
	"github.com/vossbridge/relay/internal/metrics"
	"github.com/vossbridge/relay/internal/ratelimit"
	"github.com/vossbridge/relay/internal/registry"
	"github.com/vossbridge/relay/internal/transcript"
	"github.com/vossbridge/relay/pkg/bridge"
	"github.com/vossbridge/relay/pkg/telephony"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Deps bundles every collaborator the control plane routes to.
type Deps struct {
	Telephony   *telephony.Client
	Fetcher     bridge.Fetcher
	Registry    *registry.Registry
	Transcripts *transcript.Store
	Metrics     *metrics.Counters
	Prom        *metrics.Prometheus
	Audit       audit.Log
	RateLimit   *ratelimit.Limiter
	Clock       clock.Clock
	Logger      *zap.Logger

	PublicHost     string
	StatusCallback string
	FromNumber     string
	MaxAIRetries   int
	IdleTimeout    time.Duration
	Port           int
	Env            string

	// Sessions tracks in-flight bridge sessions so the shutdown
	// coordinator's drain phase can wait for them.
	Sessions *SessionTracker
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewRouter builds the chi router serving every control-plane endpoint.
func NewRouter(deps Deps) http.Handler {
	startedAt := deps.Clock.Now()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(deps.Logger))
	if deps.Prom != nil {
		r.Use(prometheusMiddleware(deps.Prom))
	}

	r.Get("/", handleRoot(deps))
	r.Get("/health", handleHealth(deps, startedAt))
	r.Get("/metrics", handleMetrics(deps.Metrics))
	if deps.Prom != nil {
		r.Handle("/metrics/prometheus", deps.Prom.Handler())
	}
	r.Get("/transcripts/{callSid}", handleTranscript(deps.Transcripts))

	r.With(deps.RateLimit.Middleware).Post("/twilio/outbound_call", handleOutboundCall(deps))
	r.Get("/twilio/outbound_twiml", handleOutboundTwiML(deps))
	r.Post("/twilio/outbound_twiml", handleOutboundTwiML(deps))
	r.Post("/twilio/call_status", handleCallStatus(deps))

	r.Get("/media-stream", handleMediaStream(deps))

	return r
}

func handleRoot(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"timestamp": deps.Clock.Now().UTC().Format(time.RFC3339),
			"port":      deps.Port,
			"env":       deps.Env,
		})
	}
}

func handleHealth(deps Deps, startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "healthy",
			"uptime": deps.Clock.Now().Sub(startedAt).Seconds(),
		})
	}
}

func handleMetrics(counters *metrics.Counters) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(counters.Render()))
	}
}

func handleTranscript(store *transcript.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callSid := chi.URLParam(r, "callSid")
		turns := store.Read(callSid)
		writeJSON(w, http.StatusOK, map[string]any{
			"callSid":    callSid,
			"transcript": turns,
		})
	}
}

type outboundCallRequest struct {
	To       string `json:"to"`
	From     string `json:"from"`
	Script   string `json:"script"`
	Persona  string `json:"persona"`
	Freeform string `json:"context"`
}

// newRequestID mints a 16-hex-char opaque request id from a UUID's
// randomness, truncated rather than carrying the full dashed form the
// control plane never needs to round-trip.
func newRequestID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])[:16]
}

// handleOutboundCall mints a request ID, stores the free-form call
// context in the registry keyed by that ID, and asks the telephony
// provider to place the call with markup pointing back at this
// request ID so the later media-stream connection can recover it.
func handleOutboundCall(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req outboundCallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if !telephony.IsValidE164(req.To) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid phone number"})
			return
		}

		from := req.From
		if from == "" {
			from = deps.FromNumber
		}

		requestID := newRequestID()
		deps.Registry.Put(&registry.Context{
			RequestID: requestID,
			Script:    req.Script,
			Persona:   req.Persona,
			Freeform:  req.Freeform,
			CreatedAt: deps.Clock.Now(),
		})

		markupURL := deps.PublicHost + "/twilio/outbound_twiml?reqId=" + requestID
		statusURL := deps.StatusCallback

		result, err := deps.Telephony.PlaceCall(r.Context(), telephony.PlaceCallRequest{
			To:        req.To,
			From:      from,
			MarkupURL: markupURL,
			StatusURL: statusURL,
		})
		if err != nil {
			deps.Metrics.IncErrors()
			if deps.Prom != nil {
				deps.Prom.BridgeErrorsTotal.Inc()
			}
			deps.Logger.Error("place call failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to place call"})
			return
		}

		deps.Registry.SetCallID(requestID, result.CallID)

		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"callSid":   result.CallID,
			"to":        req.To,
			"from":      from,
			"status":    result.Status,
			"reqId":     requestID,
			"timestamp": deps.Clock.Now().UTC().Format(time.RFC3339),
		})
	}
}

// handleOutboundTwiML serves the markup telling the telephony peer to
// open a media-stream WebSocket back to this process for reqId.
func handleOutboundTwiML(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := r.URL.Query().Get("reqId")
		host := r.Host
		if deps.PublicHost != "" {
			host = strings.TrimPrefix(strings.TrimPrefix(deps.PublicHost, "https://"), "http://")
		}
		markup, err := telephony.BuildStreamMarkup(host, reqID)
		if err != nil {
			deps.Logger.Error("build markup failed", zap.Error(err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write(markup)
	}
}

// terminalStatuses are the telephony statuses after which no further
// status callback or media-stream close is expected for the call, so
// active_calls must be decremented here. DecActiveCalls floors at zero,
// so a duplicate terminal callback for the same call never drives the
// counter negative.
var terminalStatuses = map[string]bool{
	"completed": true,
	"busy":      true,
	"no-answer": true,
	"failed":    true,
	"canceled":  true,
}

// handleCallStatus records the telephony provider's status callback
// against the call's audit log and decrements active_calls on terminal
// statuses that arrive without a media-stream close (e.g. no answer,
// or busy).
func handleCallStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		callID := r.FormValue("CallSid")
		status := r.FormValue("CallStatus")

		event := statusToEvent(status)
		if deps.Audit != nil && callID != "" && event != "" {
			deps.Audit.Record(r.Context(), audit.Entry{
				CallID:     callID,
				Event:      event,
				OccurredAt: deps.Clock.Now(),
				Detail:     status,
			})
		}

		if terminalStatuses[status] {
			deps.Metrics.DecActiveCalls()
			if deps.Prom != nil {
				deps.Prom.BridgeActiveGauge.Dec()
			}
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
	}
}

func statusToEvent(status string) audit.Event {
	switch status {
	case "ringing":
		return audit.EventRinging
	case "in-progress", "answered":
		return audit.EventAnswered
	case "completed":
		return audit.EventCompleted
	case "busy":
		return audit.EventBusy
	case "no-answer":
		return audit.EventNoAnswer
	case "canceled":
		return audit.EventCanceled
	case "failed":
		return audit.EventFailed
	default:
		return ""
	}
}

// handleMediaStream upgrades the telephony peer's connection and runs
// a bridge session for its lifetime. The handler blocks until the
// session ends, matching how the telephony provider expects the
// upgraded connection to be held open for the call's duration.
func handleMediaStream(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := r.URL.Query().Get("reqId")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			deps.Logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		callCtx := deps.Registry.Get(reqID)

		session := bridge.New(reqID, callCtx, conn, bridge.Deps{
			Fetcher:     deps.Fetcher,
			Dial:        bridge.DefaultDialer,
			MaxRetries:  deps.MaxAIRetries,
			IdleTimeout: deps.IdleTimeout,
			Clock:       deps.Clock,
			Transcripts: deps.Transcripts,
			Metrics:     deps.Metrics,
			Prom:        deps.Prom,
			Audit:       deps.Audit,
			Logger:      deps.Logger,
			Registry:    deps.Registry,
		})

		if deps.Sessions != nil {
			deps.Sessions.Track(session)
			defer deps.Sessions.Untrack(session)
		}

		session.Run(r.Context())
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func prometheusMiddleware(prom *metrics.Prometheus) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = r.URL.Path
			}
			status := ww.Status()
			prom.HTTPRequestsTotal.WithLabelValues(r.Method, route, http.StatusText(status)).Inc()
			prom.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}
