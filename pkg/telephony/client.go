// Package telephony implements the outbound-call client (C2) and the
// markup the telephony provider fetches to learn how to handle an
// answered call.
package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/vossbridge/relay/internal/resilience"
	"go.uber.org/zap"
)

var e164 = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)

// IsValidE164 reports whether number matches the telephony number format
// the provider requires for outbound calls.
func IsValidE164(number string) bool {
	return e164.MatchString(number)
}

// PlaceCallRequest carries everything needed to originate a call.
type PlaceCallRequest struct {
	To             string
	From           string
	MarkupURL      string
	StatusURL      string
}

// PlaceCallResult is the provider's immediate answer to call placement.
type PlaceCallResult struct {
	CallID string
	Status string
}

// statusEvents lists every call-progress event the provider must be
// asked to report, per the control-plane contract.
const statusEvents = "initiated,ringing,answered,completed,busy,no-answer,failed,canceled"

// Client places outbound calls against the telephony provider's REST API.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.Breaker[PlaceCallResult]
}

// New builds a Client. baseURL is the provider's API root, e.g.
// "https://api.twilio.com/2010-04-01".
func New(accountSID, authToken, baseURL string, logger *zap.Logger) *Client {
	return &Client{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		breaker:    resilience.New[PlaceCallResult]("telephony-client", logger),
	}
}

// PlaceCall validates req and originates the call. Validation failures
// never reach the breaker or the network.
func (c *Client) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if !IsValidE164(req.To) {
		return PlaceCallResult{}, fmt.Errorf("%w: %q", ErrInvalidNumber, req.To)
	}
	return c.breaker.Execute(ctx, func(ctx context.Context) (PlaceCallResult, error) {
		return c.placeCall(ctx, req)
	})
}

// ErrInvalidNumber is returned when To fails E.164 validation.
var ErrInvalidNumber = fmt.Errorf("invalid E.164 number")

func (c *Client) placeCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	reqURL := fmt.Sprintf("%s/Accounts/%s/Calls.json", c.baseURL, c.accountSID)

	form := url.Values{}
	form.Set("From", req.From)
	form.Set("To", req.To)
	form.Set("Url", req.MarkupURL)
	form.Set("Method", "POST")
	if req.StatusURL != "" {
		form.Set("StatusCallback", req.StatusURL)
		form.Set("StatusCallbackEvent", statusEvents)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(form.Encode()))
	if err != nil {
		return PlaceCallResult{}, fmt.Errorf("place call: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return PlaceCallResult{}, fmt.Errorf("place call: transport: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return PlaceCallResult{}, fmt.Errorf("place call: provider error (%d): %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return PlaceCallResult{}, fmt.Errorf("place call: parse response: %w", err)
	}

	return PlaceCallResult{CallID: parsed.SID, Status: parsed.Status}, nil
}
