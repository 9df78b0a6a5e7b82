// Package ai is the HTTP client for the external inference service. The
// service reads the conversation itself, so requests carry only the chat id.
//
//	POST {base}/protu/ai/data/process     {"chat_id","is_attached"} -> {"answer"}
//	POST {base}/protu/ai/data/chat_title  {"chat_id"}               -> {"chat_title"}
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Fixed per-operation ceilings.
const (
	RespondTimeout = 30 * time.Second
	TitleTimeout   = 15 * time.Second
)

const (
	processPath = "/protu/ai/data/process"
	titlePath   = "/protu/ai/data/chat_title"

	maxBodyBytes = 4 << 20
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Calls to the AI service by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "AI service call latency.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration)
}

// Client calls the AI service.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger

	respondTimeout time.Duration
	titleTimeout   time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport client. Its Timeout should be zero or
// above the per-operation ceilings.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithLogger sets the logger used for title failures.
func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.log = l } }

// New returns a client for the service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &http.Client{},
		log:            zerolog.Nop(),
		respondTimeout: RespondTimeout,
		titleTimeout:   TitleTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type processRequest struct {
	ChatID     string `json:"chat_id"`
	IsAttached bool   `json:"is_attached"`
}

type processResponse struct {
	Answer string `json:"answer"`
}

type titleRequest struct {
	ChatID string `json:"chat_id"`
}

type titleResponse struct {
	ChatTitle string `json:"chat_title"`
}

// Respond asks for the assistant answer to the latest message of chatID. Any
// non-2xx status, timeout or empty answer is returned as *Error.
func (c *Client) Respond(ctx context.Context, chatID string, hasAttachment bool) (string, error) {
	var out processResponse
	err := c.post(ctx, "respond", processPath, c.respondTimeout,
		processRequest{ChatID: chatID, IsAttached: hasAttachment}, &out,
		attribute.Bool("ai.is_attached", hasAttachment))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Answer) == "" {
		requestsTotal.WithLabelValues("respond", "empty").Inc()
		return "", &Error{Type: ErrTypeEmpty, Op: "respond"}
	}
	requestsTotal.WithLabelValues("respond", "ok").Inc()
	return out.Answer, nil
}

// SuggestTitle asks for a short chat title. It never fails: any problem is
// logged and reported as "".
func (c *Client) SuggestTitle(ctx context.Context, chatID string) string {
	var out titleResponse
	if err := c.post(ctx, "chat_title", titlePath, c.titleTimeout, titleRequest{ChatID: chatID}, &out); err != nil {
		c.log.Debug().Err(err).Str("chat_id", chatID).Msg("title suggestion failed")
		return ""
	}
	title := strings.TrimSpace(out.ChatTitle)
	if title == "" {
		requestsTotal.WithLabelValues("chat_title", "empty").Inc()
		return ""
	}
	requestsTotal.WithLabelValues("chat_title", "ok").Inc()
	return title
}

func (c *Client) post(ctx context.Context, op, path string, timeout time.Duration, in, out any, attrs ...attribute.KeyValue) (err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := otel.Tracer("ai/Client").Start(ctx, op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(attrs, attribute.String("ai.op", op))...),
	)
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err != nil {
			requestsTotal.WithLabelValues(op, string(errType(err))).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	body, err := json.Marshal(in)
	if err != nil {
		return &Error{Type: ErrTypeInternal, Op: op, Cause: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &Error{Type: ErrTypeInternal, Op: op, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Type: ErrTypeNetwork, Op: op, Cause: err}
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &Error{Type: ErrTypeStatus, Op: op, Status: resp.StatusCode, Cause: errors.New(strings.TrimSpace(string(snippet)))}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		if ctx.Err() != nil {
			return &Error{Type: ErrTypeNetwork, Op: op, Cause: ctx.Err()}
		}
		return &Error{Type: ErrTypePayload, Op: op, Cause: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

func errType(err error) ErrorType {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Type
	}
	return ErrTypeInternal
}
