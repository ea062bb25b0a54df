// Package dispatch executes generated tool calls against the Smaregi
// API: argument validation and coercion, path substitution, query and
// body construction, bearer auth, and upstream error mapping.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/xeipuuv/gojsonschema"

	apperrors "github.com/smaregi-labs/smaregi-mcp/internal/errors"
	"github.com/smaregi-labs/smaregi-mcp/internal/models"
	"github.com/smaregi-labs/smaregi-mcp/internal/tools"
)

const (
	// httpTimeout bounds a single upstream API request.
	httpTimeout = 30 * time.Second

	// maxResponseBody caps how much of an upstream response is read.
	maxResponseBody = 8 << 20

	// maxErrorBody caps how much upstream error body is kept in an
	// error message.
	maxErrorBody = 2048
)

// Dispatcher executes tool calls. The contract ID of the presented
// token is part of every request path, per the Smaregi API layout
// ({base}/{contractId}/pos/products).
type Dispatcher struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// New builds a Dispatcher for the given API base URL.
func New(baseURL string, client *http.Client, logger *slog.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: httpTimeout}
	}

	return &Dispatcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger,
	}
}

// Execute validates arguments, builds the upstream request, and
// returns the raw response body.
func (d *Dispatcher) Execute(ctx context.Context, tool tools.Tool, args map[string]any, rec *models.AccessTokenRecord) ([]byte, error) {
	if err := validateArgs(tool, args); err != nil {
		return nil, err
	}

	req, err := d.buildRequest(ctx, tool, args, rec)
	if err != nil {
		return nil, err
	}

	d.logger.Debug("dispatching tool call",
		slog.String("tool", tool.Name),
		slog.String("method", tool.Method),
		slog.String("url", req.URL.String()),
	)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &apperrors.TransientError{Err: fmt.Errorf("executing %s: %w", tool.Name, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &apperrors.TransientError{Err: fmt.Errorf("reading response for %s: %w", tool.Name, err)}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: Authentication expired. Please re-authenticate.", apperrors.ErrTokenExpired)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := string(body)
		if len(detail) > maxErrorBody {
			detail = detail[:maxErrorBody]
		}

		return nil, &apperrors.UpstreamError{Status: resp.StatusCode, Body: detail}
	}

	return body, nil
}

// validateArgs checks the arguments against the tool's JSON schema and
// reports every failing field in one message, so the model can correct
// all of them in a single retry.
func validateArgs(tool tools.Tool, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(tool.InputSchemaMap()),
		gojsonschema.NewGoLoader(args),
	)
	if err != nil {
		return fmt.Errorf("validating arguments for %s: %w", tool.Name, err)
	}

	if result.Valid() {
		return nil
	}

	var b strings.Builder
	for i, resErr := range result.Errors() {
		if i > 0 {
			b.WriteString("; ")
		}

		fmt.Fprintf(&b, "%s: %s", resErr.Field(), resErr.Description())
	}

	return fmt.Errorf("%w: %s", apperrors.ErrInvalidArgument, b.String())
}

// buildRequest classifies arguments into path, query, and body parts
// and assembles the HTTP request.
func (d *Dispatcher) buildRequest(ctx context.Context, tool tools.Tool, args map[string]any, rec *models.AccessTokenRecord) (*http.Request, error) {
	path := tool.Path
	query := url.Values{}
	bodyFields := map[string]any{}

	var opaqueBody any

	for _, p := range tool.Parameters {
		raw, ok := args[p.Name]
		if !ok {
			if p.Required && p.Location == tools.LocationPath {
				return nil, fmt.Errorf("%w: %s", apperrors.ErrMissingPathParameter, p.Name)
			}

			continue
		}

		value, err := coerce(p, raw)
		if err != nil {
			return nil, err
		}

		switch p.Location {
		case tools.LocationPath:
			path = strings.ReplaceAll(path, "{"+p.Name+"}", url.PathEscape(cast.ToString(value)))

		case tools.LocationQuery:
			appendQuery(query, p.Name, value)

		case tools.LocationBody:
			if p.Name == "body" && p.Validator.TypeName() == tools.TypeObject {
				opaqueBody = value
			} else {
				bodyFields[p.Name] = value
			}
		}
	}

	// A parameter placeholder left in the path means the call cannot
	// be routed.
	if strings.Contains(path, "{") {
		return nil, fmt.Errorf("%w: unresolved placeholder in %s", apperrors.ErrMissingPathParameter, path)
	}

	endpoint := d.baseURL + "/" + url.PathEscape(rec.ContractID) + path
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	var reqBody io.Reader

	hasBody := opaqueBody != nil || len(bodyFields) > 0
	if hasBody {
		payload := any(bodyFields)
		if opaqueBody != nil {
			payload = opaqueBody
		}

		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body for %s: %w", tool.Name, err)
		}

		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, tool.Method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", tool.Name, err)
	}

	req.Header.Set("Authorization", "Bearer "+rec.AccessToken)
	req.Header.Set("Accept", "application/json")

	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

// coerce converts a raw argument to its declared type. JSON numbers
// arrive as float64 and stay that way; strings carrying numbers are
// accepted and converted.
func coerce(p tools.Parameter, raw any) (any, error) {
	v := p.Validator

	switch v.TypeName() {
	case tools.TypeNumber:
		n, err := cast.ToFloat64E(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be a number", apperrors.ErrInvalidArgument, p.Name)
		}

		return n, nil

	case tools.TypeBoolean:
		b, err := cast.ToBoolE(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be a boolean", apperrors.ErrInvalidArgument, p.Name)
		}

		return b, nil

	case tools.TypeArray:
		items, err := cast.ToSliceE(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be an array", apperrors.ErrInvalidArgument, p.Name)
		}

		out := make([]any, 0, len(items))
		for _, item := range items {
			coerced, err := coerce(tools.Parameter{Name: p.Name, Validator: v.Items}, item)
			if err != nil {
				return nil, err
			}

			out = append(out, coerced)
		}

		return out, nil

	case tools.TypeObject:
		return raw, nil

	default:
		s, err := cast.ToStringE(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be a string", apperrors.ErrInvalidArgument, p.Name)
		}

		if err := checkDateFormat(v.Format, s); err != nil {
			return nil, fmt.Errorf("%w: %s %v", apperrors.ErrInvalidArgument, p.Name, err)
		}

		return s, nil
	}
}

// checkDateFormat verifies date-formatted strings parse before they
// are sent upstream, where a bad date would fail with a less helpful
// error.
func checkDateFormat(format, value string) error {
	switch format {
	case "date":
		if _, err := time.Parse("2006-01-02", value); err != nil {
			return fmt.Errorf("must be a date in YYYY-MM-DD form")
		}
	case "date-time":
		if _, err := time.Parse(time.RFC3339, value); err != nil {
			return fmt.Errorf("must be an RFC 3339 date-time")
		}
	}

	return nil
}

// appendQuery adds a coerced value to the query string. Arrays repeat
// the key per element.
func appendQuery(q url.Values, name string, value any) {
	if items, ok := value.([]any); ok {
		for _, item := range items {
			q.Add(name, cast.ToString(item))
		}

		return
	}

	q.Add(name, cast.ToString(value))
}
