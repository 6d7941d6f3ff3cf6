// Package integration models and executes calls to external
// verification services and merges extracted fields into the
// evaluation context.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("kestrel-integration")

// FailureKind classifies a node call failure.
type FailureKind string

const (
	FailTimeout FailureKind = "timeout"
	FailStatus  FailureKind = "status"
	FailParse   FailureKind = "parse"
)

// CallFailure is a typed node call failure. It is recorded against the
// parameters the node was meant to supply and never raised to the
// caller of the evaluation.
type CallFailure struct {
	NodeID  string
	Kind    FailureKind
	Status  int
	Message string
}

// ReasonFor renders the failure as a resolution-failure reason attached
// to one parameter.
func (f *CallFailure) ReasonFor(paramID string) domain.Reason {
	code := domain.ReasonDataUnavailable
	switch f.Kind {
	case FailTimeout:
		code = domain.ReasonNodeTimeout
	case FailStatus:
		code = domain.ReasonNodeHTTPStatus
	case FailParse:
		code = domain.ReasonNodeBadBody
	}
	return domain.Reason{
		Code:        code,
		Message:     fmt.Sprintf("data unavailable for %s: node %s: %s", paramID, f.NodeID, f.Message),
		ParameterID: paramID,
	}
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// Placeholders returns the parameter IDs referenced by a node's URL and
// body templates.
func Placeholders(n *domain.Node) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range placeholderRe.FindAllStringSubmatch(n.URLTemplate+" "+n.BodyTemplate, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		out = append(out, m[1])
	}
	return out
}

func render(tmpl string, values domain.ParamValues) (string, error) {
	var missing string
	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := strings.Trim(m, "{}")
		v, ok := values[key]
		if !ok {
			missing = key
			return m
		}
		return v.String()
	})
	if missing != "" {
		return "", fmt.Errorf("placeholder %q is unresolved", missing)
	}
	return out, nil
}

// Client executes single node calls with bounded timeouts.
type Client struct {
	http           *http.Client
	defaultTimeout time.Duration
}

// NewClient creates a node call client. defaultTimeoutMs applies to
// nodes that do not configure their own timeout.
func NewClient(defaultTimeoutMs int) *Client {
	if defaultTimeoutMs <= 0 {
		defaultTimeoutMs = 5000
	}
	return &Client{
		http:           &http.Client{},
		defaultTimeout: time.Duration(defaultTimeoutMs) * time.Millisecond,
	}
}

// Call builds the request from the node's templates, applies auth,
// sends it with a bounded timeout and returns the raw JSON body.
// Runtime failures come back as a typed *CallFailure; the error return
// is reserved for request-building problems (unresolved placeholder,
// bad method).
func (c *Client) Call(ctx context.Context, node *domain.Node, values domain.ParamValues) ([]byte, *CallFailure, error) {
	ctx, span := tracer.Start(ctx, "node.call")
	defer span.End()
	span.SetAttributes(
		attribute.String("node.id", node.ID),
		attribute.String("node.method", node.Method),
	)

	url, err := render(node.URLTemplate, values)
	if err != nil {
		return nil, nil, fmt.Errorf("node %s: %w", node.ID, err)
	}

	var body io.Reader
	if node.BodyTemplate != "" {
		rendered, err := render(node.BodyTemplate, values)
		if err != nil {
			return nil, nil, fmt.Errorf("node %s: %w", node.ID, err)
		}
		body = bytes.NewBufferString(rendered)
	}

	method := node.Method
	if method == "" {
		method = http.MethodGet
	}

	timeout := c.defaultTimeout
	if node.TimeoutMs > 0 {
		timeout = time.Duration(node.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, nil, fmt.Errorf("node %s: build request: %w", node.ID, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	switch node.AuthMode {
	case domain.AuthBasic:
		req.SetBasicAuth(node.AuthUser, node.AuthSecret)
	case domain.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+node.AuthSecret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, &CallFailure{NodeID: node.ID, Kind: FailTimeout, Message: "call timed out"}, nil
		}
		return nil, &CallFailure{NodeID: node.ID, Kind: FailStatus, Message: err.Error()}, nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &CallFailure{NodeID: node.ID, Kind: FailParse, Message: err.Error()}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &CallFailure{
			NodeID:  node.ID,
			Kind:    FailStatus,
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("unexpected status %d", resp.StatusCode),
		}, nil
	}

	if !json.Valid(raw) {
		return nil, &CallFailure{NodeID: node.ID, Kind: FailParse, Message: "response body is not valid JSON"}, nil
	}

	return raw, nil, nil
}
