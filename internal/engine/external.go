package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/apirun/apirun/internal/api"
	"github.com/apirun/apirun/internal/apierrors"
)

const maxUpstreamResponseBytes = 10 * 1024 * 1024

// runExternalHTTP issues exactly one outbound request. transformRequest
// rewrites the outgoing body, transformResponse rewrites (and thereby
// accepts) the upstream result; without a response transform any non-2xx
// status is an upstream error.
func (e *Engine) runExternalHTTP(ctx context.Context, def *api.EndpointDefinition, req *api.Request, ectx *api.ExecutionContext) (any, error) {
	cfg := def.HandlerConfig
	if cfg.URL == "" {
		return nil, apierrors.New(apierrors.KindConfiguration, "handlerConfig.url is required")
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = req.Method
	}

	body, contentType, err := e.outboundBody(cfg, req, ectx)
	if err != nil {
		return nil, err
	}

	timeout := e.cfg.OutboundTimeout
	if cfg.TimeoutMillis > 0 {
		timeout = time.Duration(cfg.TimeoutMillis) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outbound, err := http.NewRequestWithContext(callCtx, method, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, apierrors.Newf(apierrors.KindConfiguration, "building upstream request: %v", err)
	}
	for k, v := range cfg.Headers {
		outbound.Header.Set(k, v)
	}
	if contentType != "" && outbound.Header.Get("Content-Type") == "" {
		outbound.Header.Set("Content-Type", contentType)
	}
	outbound.Header.Set("User-Agent", e.cfg.UserAgent)

	resp, err := e.client.Do(outbound)
	if err != nil {
		// The invocation deadline expiring mid-call is the endpoint's
		// timeout, not an upstream fault.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apierrors.NewUpstream(apierrors.SubKindNetwork, resp.StatusCode, fmt.Sprintf("reading upstream response: %v", err))
	}
	respValue := decodeBody(respBytes, resp.Header.Get("Content-Type"))

	if cfg.TransformResponse != "" {
		env := expressionEnv(req, ectx)
		env["response"] = respValue
		env["status"] = resp.StatusCode
		env["headers"] = flattenHeader(resp.Header)
		out, err := e.evaluator.Evaluate(cfg.TransformResponse, env)
		if err != nil {
			return nil, apierrors.Newf(apierrors.KindConfiguration, "transformResponse failed: %v", err)
		}
		return out, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apierrors.NewUpstream(apierrors.SubKindHTTPError, resp.StatusCode,
			fmt.Sprintf("upstream returned status %d", resp.StatusCode))
	}
	return respValue, nil
}

// outboundBody produces the upstream request payload. transformRequest is
// evaluated regardless of the inbound content type; opaque bodies reach the
// transform as their base64 form.
func (e *Engine) outboundBody(cfg api.HandlerConfig, req *api.Request, ectx *api.ExecutionContext) ([]byte, string, error) {
	if cfg.TransformRequest == "" {
		if len(req.RawBody) == 0 {
			return nil, "", nil
		}
		return req.RawBody, req.Headers["content-type"], nil
	}

	env := map[string]any{
		"body":   req.Body,
		"query":  toAnyMap(req.Query),
		"params": toAnyMap(req.Params),
	}
	out, err := e.evaluator.Evaluate(cfg.TransformRequest, env)
	if err != nil {
		return nil, "", apierrors.Newf(apierrors.KindConfiguration, "transformRequest failed: %v", err)
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, "", apierrors.Newf(apierrors.KindInternal, "encoding transformed request: %v", err)
	}
	return encoded, "application/json", nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apierrors.NewUpstream(apierrors.SubKindTimeout, 0, "upstream request timed out")
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return apierrors.NewUpstream(apierrors.SubKindTimeout, 0, "upstream request timed out")
	}
	return apierrors.NewUpstream(apierrors.SubKindNetwork, 0, err.Error())
}

// decodeBody parses JSON payloads into structured values and base64-encodes
// everything else, mirroring the inbound body convention.
func decodeBody(raw []byte, contentType string) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") || json.Valid(raw) {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func flattenHeader(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k := range h {
		out[strings.ToLower(k)] = h.Get(k)
	}
	return out
}
