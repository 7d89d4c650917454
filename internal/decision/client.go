// Package decision implements the LLM decision adapter: it composes a
// prompt from a feature snapshot and a set of triggering reasons, posts it
// to a chat-completions-style HTTP endpoint, and normalises whatever comes
// back into a strict types.Decision — defaulting to HOLD on any failure,
// since the endpoint is treated as best-effort per its external-collaborator
// contract.
package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"kraken-bot/pkg/types"
)

// defaultTimeout is used when the caller passes a non-positive timeout.
const defaultTimeout = 20 * time.Second

// Constraints are echoed into the prompt so the model reasons within the
// execution engine's hard limits rather than guessing at them.
type Constraints struct {
	MaxTradeRiskPct  float64
	MaxTotalRiskPct  float64
	DefaultSizePct   float64
	MinNotional      float64
	PauseAfterLosses int
	PauseMinutes     int
}

// Request is the full input to one decision call.
type Request struct {
	Features    types.FeatureSnapshot
	Reasons     []string
	Meta        map[string]any
	Constraints Constraints
}

// MockFn lets tests substitute the external HTTP call entirely.
type MockFn func(ctx context.Context, req Request) (types.Decision, error)

// Client calls the configured LLM endpoint and normalises its response.
type Client struct {
	http    *resty.Client
	baseURL string
	apiKey  string
	model   string
	effort  string
	mock    MockFn
	logger  *slog.Logger
}

// New creates a Client. baseURL, apiKey, and model come from configuration;
// a non-positive timeout falls back to defaultTimeout. mock, if non-nil,
// replaces the HTTP call entirely (used in tests).
func New(baseURL, apiKey, model string, timeout time.Duration, mock MockFn, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		http:    resty.New().SetTimeout(timeout),
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		effort:  "medium",
		mock:    mock,
		logger:  logger,
	}
}

// Decide returns the normalised trading decision for one evaluation cycle.
// If req.Reasons is empty, the LLM is never called: the spec's no-op
// shortcut returns HOLD immediately.
func (c *Client) Decide(ctx context.Context, req Request) types.Decision {
	if len(req.Reasons) == 0 {
		return types.Decision{Action: types.ActionHold, Comment: "No triggers"}
	}

	if c.mock != nil {
		decision, err := c.mock(ctx, req)
		if err != nil {
			c.logger.Warn("mock decision function failed, defaulting to hold", "error", err)
			return holdDecision()
		}
		return decision
	}

	raw, err := c.callEndpoint(ctx, req)
	if err != nil {
		c.logger.Warn("decision endpoint call failed, defaulting to hold", "error", err)
		return holdDecision()
	}

	return normalizeDecision(raw)
}

type endpointRequestBody struct {
	Model  string `json:"model"`
	Input  string `json:"input"`
	Reason struct {
		Effort string `json:"effort"`
	} `json:"reasoning"`
	Text struct {
		Verbosity string `json:"verbosity"`
	} `json:"text"`
	MaxOutputTokens int `json:"max_output_tokens,omitempty"`
}

type endpointResponseBody struct {
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
}

func (c *Client) callEndpoint(ctx context.Context, req Request) (string, error) {
	body := endpointRequestBody{
		Model: c.model,
		Input: composePrompt(req),
	}
	body.Reason.Effort = c.effort
	body.Text.Verbosity = "low"

	var parsed endpointResponseBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+c.apiKey).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&parsed).
		Post(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("decision: request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("decision: endpoint returned status %d", resp.StatusCode())
	}

	for _, item := range parsed.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Text != "" {
				return c.Text, nil
			}
		}
	}
	return "", fmt.Errorf("decision: no message content in response")
}

func composePrompt(req Request) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "pair=%s reasons=%s\n", req.Features.Pair, strings.Join(req.Reasons, ";"))
	fmt.Fprintf(&sb, "confluence=%d trend=%s volatility=%s momentum=%s\n",
		req.Features.Confluence.Score, req.Features.Regime.Trend, req.Features.Regime.Volatility, req.Features.Regime.Momentum)
	fmt.Fprintf(&sb, "constraints: max_trade_risk_pct=%.2f max_total_risk_pct=%.2f default_size_pct=%.2f min_notional=%.2f\n",
		req.Constraints.MaxTradeRiskPct, req.Constraints.MaxTotalRiskPct, req.Constraints.DefaultSizePct, req.Constraints.MinNotional)
	sb.WriteString("Respond with a single strict-JSON decision object.")
	return sb.String()
}

func holdDecision() types.Decision {
	return types.Decision{Action: types.ActionHold, Comment: "Decision endpoint unavailable"}
}

// wireDecision mirrors the model's raw JSON decision shape before
// validation — fields are untyped/loosely-typed since the model cannot be
// trusted to respect Go's type system.
type wireDecision struct {
	Action    string     `json:"action"`
	SizePct   *float64   `json:"size_pct"`
	Entry     *wireEntry `json:"entry"`
	StopATR   *float64   `json:"stop_atr"`
	TPATR     *float64   `json:"tp_atr"`
	Followups []string   `json:"followups"`
	Comment   string     `json:"comment"`
}

type wireEntry struct {
	Type      string   `json:"type"`
	OffsetBps *float64 `json:"offset_bps"`
}

// normalizeDecision implements spec.md §4.4's output normalisation:
// strip code fences, parse JSON, validate the action against the allowed
// set, coerce numeric fields to finite values or nil, validate entry.type,
// and default followups to an empty slice.
func normalizeDecision(raw string) types.Decision {
	cleaned := stripCodeFences(raw)

	var wire wireDecision
	if err := json.Unmarshal([]byte(cleaned), &wire); err != nil {
		return holdDecision()
	}

	action := types.Action(wire.Action)
	if !types.ValidActions[action] {
		return holdDecision()
	}

	decision := types.Decision{
		Action:    action,
		SizePct:   finiteOrNil(wire.SizePct),
		StopATR:   finiteOrNil(wire.StopATR),
		TPATR:     finiteOrNil(wire.TPATR),
		Followups: wire.Followups,
		Comment:   wire.Comment,
	}
	if decision.Followups == nil {
		decision.Followups = []string{}
	}

	if wire.Entry != nil {
		entryType := types.EntryType(wire.Entry.Type)
		if entryType == types.EntryMarket || entryType == types.EntryLimit {
			decision.Entry = &types.Entry{
				Type:      entryType,
				OffsetBps: finiteOrNil(wire.Entry.OffsetBps),
			}
		}
	}

	return decision
}

func finiteOrNil(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}

// stripCodeFences removes a leading/trailing ``` or ```json fence, if
// present, leaving the JSON body untouched otherwise.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		firstLine := strings.TrimSpace(s[:idx])
		if firstLine == "json" || firstLine == "" {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
