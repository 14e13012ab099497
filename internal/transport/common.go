package transport

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/apirun/apirun/internal/api"
	"github.com/apirun/apirun/internal/apierrors"
)

// WriteJSONResponse encodes body into a buffer first so encoding errors
// surface as a 500 instead of a torn response.
func WriteJSONResponse(w http.ResponseWriter, body any, code int) {
	if code == http.StatusNoContent || code == http.StatusNotModified || (code >= 100 && code < 200) {
		w.WriteHeader(code)
		return
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(buf.Bytes())
}

func WriteEnvelope(w http.ResponseWriter, envelope *api.Envelope) {
	WriteJSONResponse(w, envelope, envelope.HTTPStatus())
}

type errorBody struct {
	Message string `json:"message"`
}

// StatusFromError maps service-layer errors onto administrative API
// statuses.
func StatusFromError(err error) int {
	var apiErr *apierrors.Error
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &apiErr):
		return apiErr.Code
	case errors.Is(err, apierrors.ErrRecordNotFound), errors.Is(err, apierrors.ErrEndpointNotFound):
		return http.StatusNotFound
	case errors.Is(err, apierrors.ErrDuplicatePathMethod):
		return http.StatusConflict
	case errors.Is(err, apierrors.ErrResourceIsNil):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func WriteError(w http.ResponseWriter, err error) {
	WriteJSONResponse(w, errorBody{Message: err.Error()}, StatusFromError(err))
}

// ParseRequest converts an inbound HTTP request into the handler-facing
// shape. JSON payloads are decoded; any other content type passes through
// as an opaque base64 string with the raw bytes kept alongside.
func ParseRequest(r *http.Request) (*api.Request, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}

	query := make(map[string]string)
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[strings.ToLower(k)] = r.Header.Get(k)
	}

	req := &api.Request{
		Method:    r.Method,
		Path:      r.URL.Path,
		Params:    map[string]string{},
		Query:     query,
		Headers:   headers,
		RawBody:   raw,
		RemoteIP:  clientIP(r),
		UserAgent: r.UserAgent(),
	}

	if len(raw) > 0 {
		if strings.Contains(headers["content-type"], "json") {
			var body any
			if err := json.Unmarshal(raw, &body); err != nil {
				return nil, apierrors.Newf(apierrors.KindValidation, "invalid JSON body: %v", err)
			}
			req.Body = body
		} else {
			req.Body = base64.StdEncoding.EncodeToString(raw)
		}
	}
	return req, nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
