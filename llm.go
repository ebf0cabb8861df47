package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ErrAllEndpointsFailed is returned when every configured endpoint was
// either cooling down or exhausted its retries for a request.
var ErrAllEndpointsFailed = errors.New("all oracle endpoints failed")

type ClassifyRequest struct {
	Text            string
	Labels          []string
	Descriptions    map[string]string
	Hints           []string
	Examples        []LabeledSample
	CorrectionNotes []string
}

type ClassifyReply struct {
	DomainID      string      `json:"domain_id"`
	Confidence    float64     `json:"confidence"`
	TopCandidates []Candidate `json:"top_candidates,omitempty"`
}

type AugmentRequest struct {
	Text   string
	Domain string
	Count  int
}

type AugmentReply struct {
	Variants []string `json:"variants"`
}

// Gateway is the oracle surface the pipeline stages depend on.
type Gateway interface {
	Classify(ctx context.Context, req ClassifyRequest) (ClassifyReply, error)
	Augment(ctx context.Context, req AugmentRequest) (AugmentReply, error)
	Model() string
	PromptVersion() string
}

// endpointCall performs one raw completion against one endpoint. Tests
// override it to stub the wire.
type endpointCall func(ctx context.Context, ep EndpointSpec, prompt string, timeout time.Duration) (string, error)

type breakerState struct {
	failures int
	openedAt time.Time
}

// LLMGateway fans a request over the configured endpoints in priority
// order. Each endpoint carries its own retry budget and circuit breaker;
// an endpoint that keeps failing is skipped until its cooldown elapses.
type LLMGateway struct {
	cfg    GatewayConfig
	callFn endpointCall

	mu       sync.Mutex
	breakers map[string]*breakerState
}

func NewLLMGateway(cfg GatewayConfig) *LLMGateway {
	g := &LLMGateway{
		cfg:      cfg,
		breakers: make(map[string]*breakerState),
	}
	g.callFn = g.callEndpoint
	return g
}

// Model reports the primary endpoint's model, used for cache fingerprints.
func (g *LLMGateway) Model() string {
	if len(g.cfg.Endpoints) == 0 {
		return ""
	}
	return g.cfg.Endpoints[0].Model
}

func (g *LLMGateway) PromptVersion() string { return g.cfg.PromptVersion }

func (g *LLMGateway) Classify(ctx context.Context, req ClassifyRequest) (ClassifyReply, error) {
	prompt := buildClassifyPrompt(req)
	var reply ClassifyReply
	var lastErr error
	for attempt := 0; attempt <= g.cfg.FormatRetries; attempt++ {
		raw, err := g.complete(ctx, prompt)
		if err != nil {
			return reply, err
		}
		reply, lastErr = parseClassifyReply(raw)
		if lastErr == nil {
			return reply, nil
		}
		log.Printf("gateway classify malformed reply attempt=%d: %v", attempt+1, lastErr)
		prompt = prompt + "\n\nYour previous reply was not valid JSON. Respond with ONLY the JSON object, no prose, no code fences."
	}
	return reply, fmt.Errorf("classify reply stayed malformed after %d retries: %w", g.cfg.FormatRetries, lastErr)
}

func (g *LLMGateway) Augment(ctx context.Context, req AugmentRequest) (AugmentReply, error) {
	prompt := buildAugmentPrompt(req)
	var reply AugmentReply
	var lastErr error
	for attempt := 0; attempt <= g.cfg.FormatRetries; attempt++ {
		raw, err := g.complete(ctx, prompt)
		if err != nil {
			return reply, err
		}
		reply, lastErr = parseAugmentReply(raw)
		if lastErr == nil {
			return reply, nil
		}
		log.Printf("gateway augment malformed reply attempt=%d: %v", attempt+1, lastErr)
		prompt = prompt + "\n\nYour previous reply was not valid JSON. Respond with ONLY the JSON object, no prose, no code fences."
	}
	return reply, fmt.Errorf("augment reply stayed malformed after %d retries: %w", g.cfg.FormatRetries, lastErr)
}

// complete walks the endpoints in order until one produces a raw reply.
func (g *LLMGateway) complete(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for _, ep := range g.cfg.Endpoints {
		if g.breakerOpen(ep.Name) {
			log.Printf("gateway endpoint=%s skipped, breaker open", ep.Name)
			continue
		}
		raw, err := g.completeOne(ctx, ep, prompt)
		if err == nil {
			g.recordSuccess(ep.Name)
			return raw, nil
		}
		g.recordFailure(ep.Name)
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Printf("gateway endpoint=%s failed, trying next: %v", ep.Name, err)
	}
	if lastErr != nil {
		return "", fmt.Errorf("%w: %v", ErrAllEndpointsFailed, lastErr)
	}
	return "", ErrAllEndpointsFailed
}

func (g *LLMGateway) completeOne(ctx context.Context, ep EndpointSpec, prompt string) (string, error) {
	backoff := g.cfg.InitialBackoff()
	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxRetries; attempt++ {
		raw, err := g.callFn(ctx, ep, prompt, g.cfg.RequestTimeout())
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if attempt < g.cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return "", lastErr
}

func (g *LLMGateway) breakerOpen(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.breakers[name]
	if !ok || st.failures < g.cfg.BreakerThreshold {
		return false
	}
	if time.Since(st.openedAt) > g.cfg.BreakerCooldown() {
		st.failures = 0
		return false
	}
	return true
}

func (g *LLMGateway) recordFailure(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.breakers[name]
	if !ok {
		st = &breakerState{}
		g.breakers[name] = st
	}
	st.failures++
	if st.failures == g.cfg.BreakerThreshold {
		st.openedAt = time.Now()
		log.Printf("gateway endpoint=%s breaker opened after %d consecutive failures", name, st.failures)
	}
}

func (g *LLMGateway) recordSuccess(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.breakers[name]; ok {
		st.failures = 0
	}
}

func (g *LLMGateway) callEndpoint(ctx context.Context, ep EndpointSpec, prompt string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	switch ep.Kind {
	case "anthropic":
		return callAnthropic(ctx, ep, prompt)
	case "openai":
		return callOpenAI(ctx, ep, prompt)
	default:
		return "", fmt.Errorf("unknown endpoint kind %q", ep.Kind)
	}
}

func callAnthropic(ctx context.Context, ep EndpointSpec, prompt string) (string, error) {
	opts := []option.RequestOption{option.WithAPIKey(ep.APIKey)}
	if ep.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(ep.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	msg, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(ep.Model),
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic request: %w", err)
	}
	if len(msg.Content) == 0 {
		return "", fmt.Errorf("anthropic reply had no content blocks")
	}
	return msg.Content[0].Text, nil
}

var externalHTTPClient = &http.Client{Timeout: 60 * time.Second}

// callOpenAI targets any OpenAI-compatible chat completions server,
// including local ones via base_url.
func callOpenAI(ctx context.Context, ep EndpointSpec, prompt string) (string, error) {
	reqBody := map[string]interface{}{
		"model": ep.Model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"temperature": 0.2,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	url := strings.TrimRight(ep.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	resp, err := externalHTTPClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("response had no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func buildClassifyPrompt(req ClassifyRequest) string {
	var b strings.Builder
	b.WriteString("You are a strict single-label classifier for short user utterances.\n\n")
	b.WriteString("Domains:\n")
	for _, label := range req.Labels {
		if desc := req.Descriptions[label]; desc != "" {
			fmt.Fprintf(&b, "- %s: %s\n", label, desc)
		} else {
			fmt.Fprintf(&b, "- %s\n", label)
		}
	}
	if len(req.Hints) > 0 {
		fmt.Fprintf(&b, "\nKeyword hints rank these domains as most likely, best first: %s. The hints are soft; override them when the text says otherwise.\n",
			strings.Join(req.Hints, ", "))
	}
	if len(req.Examples) > 0 {
		b.WriteString("\nLabeled examples of similar texts:\n")
		for _, ex := range req.Examples {
			fmt.Fprintf(&b, "- %q -> %s\n", ex.Text, ex.Domain)
		}
	}
	if len(req.CorrectionNotes) > 0 {
		b.WriteString("\nReviewers corrected past predictions like yours. Take these into account:\n")
		for _, note := range req.CorrectionNotes {
			fmt.Fprintf(&b, "- %s\n", note)
		}
	}
	fmt.Fprintf(&b, "\nText to classify:\n%s\n\n", req.Text)
	b.WriteString(`Respond with ONLY a JSON object:
{"domain_id": "<one of the domain ids>", "confidence": <0.0-1.0>, "top_candidates": [["<domain_id>", <score>], ...]}
List at most 3 candidates, best first. Confidence reflects how certain you are.`)
	return b.String()
}

func buildAugmentPrompt(req AugmentRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate %d paraphrases of the following user utterance.\n", req.Count)
	fmt.Fprintf(&b, "Every paraphrase must keep the same intent (domain: %s) but change the wording.\n", req.Domain)
	b.WriteString("Vary sentence structure and vocabulary. Do not change named entities or numbers.\n\n")
	fmt.Fprintf(&b, "Original:\n%s\n\n", req.Text)
	b.WriteString(`Respond with ONLY a JSON object:
{"variants": ["<paraphrase 1>", "<paraphrase 2>", ...]}`)
	return b.String()
}

// stripJSONFences removes markdown code fences wrapping a JSON reply.
func stripJSONFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func parseClassifyReply(raw string) (ClassifyReply, error) {
	var wire struct {
		DomainID      string          `json:"domain_id"`
		Confidence    float64         `json:"confidence"`
		TopCandidates [][]interface{} `json:"top_candidates"`
	}
	cleaned := stripJSONFences(raw)
	if err := json.Unmarshal([]byte(cleaned), &wire); err != nil {
		return ClassifyReply{}, fmt.Errorf("parsing classify reply: %w (raw: %s)", err, truncate(cleaned, 200))
	}
	if wire.DomainID == "" {
		return ClassifyReply{}, fmt.Errorf("classify reply missing domain_id")
	}
	if wire.Confidence < 0 || wire.Confidence > 1 {
		return ClassifyReply{}, fmt.Errorf("classify reply confidence %f out of range", wire.Confidence)
	}
	reply := ClassifyReply{DomainID: wire.DomainID, Confidence: wire.Confidence}
	for _, pair := range wire.TopCandidates {
		if len(pair) != 2 {
			continue
		}
		name, ok1 := pair[0].(string)
		score, ok2 := pair[1].(float64)
		if !ok1 || !ok2 {
			continue
		}
		reply.TopCandidates = append(reply.TopCandidates, Candidate{Domain: name, Score: score})
	}
	return reply, nil
}

func parseAugmentReply(raw string) (AugmentReply, error) {
	var reply AugmentReply
	cleaned := stripJSONFences(raw)
	if err := json.Unmarshal([]byte(cleaned), &reply); err != nil {
		return reply, fmt.Errorf("parsing augment reply: %w (raw: %s)", err, truncate(cleaned, 200))
	}
	if len(reply.Variants) == 0 {
		return reply, fmt.Errorf("augment reply had no variants")
	}
	return reply, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
