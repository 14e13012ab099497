package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/apirun/apirun/internal/api"
	"github.com/apirun/apirun/internal/apierrors"
	"github.com/apirun/apirun/internal/expreval"
	"github.com/apirun/apirun/internal/sandbox"
)

type fakeEntityService struct {
	records   map[string]map[string]any
	lastQuery EntityQuery
	err       error
}

func (f *fakeEntityService) List(ctx context.Context, entityID string, query EntityQuery) ([]map[string]any, error) {
	f.lastQuery = query
	if f.err != nil {
		return nil, f.err
	}
	out := []map[string]any{}
	for _, r := range f.records {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeEntityService) Get(ctx context.Context, entityID, recordID string) (map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	record, ok := f.records[recordID]
	if !ok {
		return nil, apierrors.ErrRecordNotFound
	}
	return record, nil
}

func (f *fakeEntityService) Create(ctx context.Context, entityID string, data map[string]any, userID string) (map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	data["id"] = "created-1"
	data["createdBy"] = userID
	return data, nil
}

func (f *fakeEntityService) Update(ctx context.Context, entityID, recordID string, data map[string]any, userID string) (map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	if _, ok := f.records[recordID]; !ok {
		return nil, apierrors.ErrRecordNotFound
	}
	data["id"] = recordID
	return data, nil
}

func (f *fakeEntityService) Delete(ctx context.Context, entityID, recordID, userID string) error {
	if f.err != nil {
		return f.err
	}
	if _, ok := f.records[recordID]; !ok {
		return apierrors.ErrRecordNotFound
	}
	delete(f.records, recordID)
	return nil
}

type fakeWorkflowEngine struct {
	lastWorkflowID string
	lastInput      map[string]any
	result         any
	err            error
}

func (f *fakeWorkflowEngine) Execute(ctx context.Context, workflowID string, input map[string]any) (any, error) {
	f.lastWorkflowID = workflowID
	f.lastInput = input
	return f.result, f.err
}

func newTestEngine(t *testing.T, entities EntityService, workflows WorkflowEngine) *Engine {
	t.Helper()
	return New(
		Config{SandboxTimeout: 200 * time.Millisecond},
		expreval.New(),
		sandbox.NewExecutor(),
		entities,
		workflows,
		logrus.New(),
	)
}

func executionContext() *api.ExecutionContext {
	return &api.ExecutionContext{
		ExecutionID: "exec-1",
		EndpointID:  "ep-1",
		Now:         time.Now().UTC(),
	}
}

func jsonBody(t *testing.T, raw string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func TestExecuteFormula(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	def := &api.EndpointDefinition{
		ID:          "ep-1",
		Path:        "/double",
		Method:      "POST",
		Enabled:     true,
		HandlerKind: api.HandlerFormula,
		HandlerConfig: api.HandlerConfig{
			Expression: "request.body.n * 2",
		},
	}
	req := &api.Request{Method: "POST", Path: "/double", Body: jsonBody(t, `{"n":21}`)}

	envelope := e.Execute(context.Background(), def, req, executionContext())

	require.True(t, envelope.Success)
	require.Equal(t, float64(42), envelope.Data)
	require.Equal(t, "exec-1", envelope.ExecutionID)
	require.Nil(t, envelope.Error)
}

func TestExecuteDisabledEndpoint(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	def := &api.EndpointDefinition{
		ID:          "ep-1",
		Enabled:     false,
		HandlerKind: api.HandlerFormula,
		HandlerConfig: api.HandlerConfig{Expression: "1"},
	}

	envelope := e.Execute(context.Background(), def, &api.Request{}, executionContext())

	require.False(t, envelope.Success)
	require.Equal(t, apierrors.KindDisabled, envelope.Error.Kind)
}

func TestExecuteRequestSchemaFailure(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	def := &api.EndpointDefinition{
		ID:            "ep-1",
		Enabled:       true,
		HandlerKind:   api.HandlerFormula,
		HandlerConfig: api.HandlerConfig{Expression: "request.body.n"},
		RequestSchema: json.RawMessage(`{"type":"object","required":["n"]}`),
	}
	req := &api.Request{Body: jsonBody(t, `{}`)}

	envelope := e.Execute(context.Background(), def, req, executionContext())

	require.False(t, envelope.Success)
	require.Equal(t, apierrors.KindValidation, envelope.Error.Kind)
	require.Contains(t, envelope.Error.Message, "n")
}

func TestExecuteResponseSchemaFailure(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	def := &api.EndpointDefinition{
		ID:             "ep-1",
		Enabled:        true,
		HandlerKind:    api.HandlerFormula,
		HandlerConfig:  api.HandlerConfig{Expression: `"not a number"`},
		ResponseSchema: json.RawMessage(`{"type":"number"}`),
	}

	envelope := e.Execute(context.Background(), def, &api.Request{}, executionContext())

	require.False(t, envelope.Success)
	require.Equal(t, apierrors.KindValidationOut, envelope.Error.Kind)
}

func TestExecuteUnknownHandlerKind(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	def := &api.EndpointDefinition{ID: "ep-1", Enabled: true, HandlerKind: "telepathy"}

	envelope := e.Execute(context.Background(), def, &api.Request{}, executionContext())

	require.False(t, envelope.Success)
	require.Equal(t, apierrors.KindConfiguration, envelope.Error.Kind)
}

func TestExecuteFormulaCompileError(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	def := &api.EndpointDefinition{
		ID:            "ep-1",
		Enabled:       true,
		HandlerKind:   api.HandlerFormula,
		HandlerConfig: api.HandlerConfig{Expression: "request.body.n *"},
	}

	envelope := e.Execute(context.Background(), def, &api.Request{}, executionContext())

	require.False(t, envelope.Success)
	require.Equal(t, apierrors.KindConfiguration, envelope.Error.Kind)
}

func TestExecuteUserCode(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	def := &api.EndpointDefinition{
		ID:          "ep-1",
		Enabled:     true,
		HandlerKind: api.HandlerUserCode,
		HandlerConfig: api.HandlerConfig{
			Code: "return request.body.n + 1",
		},
	}
	req := &api.Request{Body: jsonBody(t, `{"n":41}`)}

	envelope := e.Execute(context.Background(), def, req, executionContext())

	require.True(t, envelope.Success)
	require.Equal(t, int64(42), envelope.Data)
}

func TestExecuteUserCodeTimeout(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	def := &api.EndpointDefinition{
		ID:            "ep-1",
		Enabled:       true,
		HandlerKind:   api.HandlerUserCode,
		HandlerConfig: api.HandlerConfig{Code: "while(true){}"},
	}

	started := time.Now()
	envelope := e.Execute(context.Background(), def, &api.Request{}, executionContext())

	require.False(t, envelope.Success)
	require.Equal(t, apierrors.KindTimeout, envelope.Error.Kind)
	require.GreaterOrEqual(t, time.Since(started), 200*time.Millisecond)
}

func TestExecuteExternalHTTP(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "apirun-runtime/1.0", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"answer":42}`)
	}))
	defer upstream.Close()

	e := newTestEngine(t, nil, nil)
	def := &api.EndpointDefinition{
		ID:          "ep-1",
		Enabled:     true,
		HandlerKind: api.HandlerExternalHTTP,
		HandlerConfig: api.HandlerConfig{
			URL:    upstream.URL,
			Method: "GET",
		},
	}

	envelope := e.Execute(context.Background(), def, &api.Request{Method: "GET"}, executionContext())

	require.True(t, envelope.Success)
	require.Equal(t, map[string]any{"answer": float64(42)}, envelope.Data)
}

func TestExecuteExternalHTTPUpstreamError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer upstream.Close()

	e := newTestEngine(t, nil, nil)
	def := &api.EndpointDefinition{
		ID:            "ep-1",
		Enabled:       true,
		HandlerKind:   api.HandlerExternalHTTP,
		HandlerConfig: api.HandlerConfig{URL: upstream.URL, Method: "GET"},
	}

	envelope := e.Execute(context.Background(), def, &api.Request{Method: "GET"}, executionContext())

	require.False(t, envelope.Success)
	require.Equal(t, apierrors.KindUpstream, envelope.Error.Kind)
	require.Equal(t, apierrors.SubKindHTTPError, envelope.Error.SubKind)
	require.Equal(t, http.StatusBadGateway, envelope.Error.UpstreamStatus)
}

func TestExecuteExternalHTTPNetworkError(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	def := &api.EndpointDefinition{
		ID:            "ep-1",
		Enabled:       true,
		HandlerKind:   api.HandlerExternalHTTP,
		HandlerConfig: api.HandlerConfig{URL: "http://127.0.0.1:1/nope", Method: "GET"},
	}

	envelope := e.Execute(context.Background(), def, &api.Request{Method: "GET"}, executionContext())

	require.False(t, envelope.Success)
	require.Equal(t, apierrors.KindUpstream, envelope.Error.Kind)
	require.Equal(t, apierrors.SubKindNetwork, envelope.Error.SubKind)
}

func TestExecuteExternalHTTPDeadlineIsTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer upstream.Close()
	defer close(release)

	e := newTestEngine(t, nil, nil)
	def := &api.EndpointDefinition{
		ID:            "ep-1",
		Enabled:       true,
		TimeoutMillis: 50,
		HandlerKind:   api.HandlerExternalHTTP,
		HandlerConfig: api.HandlerConfig{URL: upstream.URL, Method: "GET"},
	}

	envelope := e.Execute(context.Background(), def, &api.Request{Method: "GET"}, executionContext())

	// The invocation deadline expiring mid-call is the endpoint's timeout,
	// not an upstream fault.
	require.False(t, envelope.Success)
	require.Equal(t, apierrors.KindTimeout, envelope.Error.Kind)
}

func TestExecuteExternalHTTPOpaqueBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte{0x01, 0x02, 0x03})
	}))
	defer upstream.Close()

	e := newTestEngine(t, nil, nil)
	def := &api.EndpointDefinition{
		ID:            "ep-1",
		Enabled:       true,
		HandlerKind:   api.HandlerExternalHTTP,
		HandlerConfig: api.HandlerConfig{URL: upstream.URL, Method: "GET"},
	}

	envelope := e.Execute(context.Background(), def, &api.Request{Method: "GET"}, executionContext())

	require.True(t, envelope.Success)
	require.Equal(t, base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0x03}), envelope.Data)
}

func TestExecuteExternalHTTPTransforms(t *testing.T) {
	var received map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"value":10}`)
	}))
	defer upstream.Close()

	e := newTestEngine(t, nil, nil)
	def := &api.EndpointDefinition{
		ID:          "ep-1",
		Enabled:     true,
		HandlerKind: api.HandlerExternalHTTP,
		HandlerConfig: api.HandlerConfig{
			URL:               upstream.URL,
			Method:            "POST",
			TransformRequest:  `{"wrapped": body.n}`,
			TransformResponse: `response.value * 2`,
		},
	}
	req := &api.Request{Method: "POST", Body: jsonBody(t, `{"n":7}`)}

	envelope := e.Execute(context.Background(), def, req, executionContext())

	require.True(t, envelope.Success)
	require.Equal(t, map[string]any{"wrapped": float64(7)}, received)
	require.Equal(t, float64(20), envelope.Data)
}

func TestExecuteWorkflow(t *testing.T) {
	workflows := &fakeWorkflowEngine{result: map[string]any{"state": "done"}}
	e := newTestEngine(t, nil, workflows)
	def := &api.EndpointDefinition{
		ID:          "ep-1",
		Enabled:     true,
		HandlerKind: api.HandlerWorkflow,
		HandlerConfig: api.HandlerConfig{
			WorkflowID: "wf-7",
		},
	}
	req := &api.Request{
		Body:  jsonBody(t, `{"a":1}`),
		Query: map[string]string{"b": "2"},
	}

	envelope := e.Execute(context.Background(), def, req, executionContext())

	require.True(t, envelope.Success)
	require.Equal(t, "wf-7", workflows.lastWorkflowID)
	require.Equal(t, map[string]any{"a": float64(1), "b": "2"}, workflows.lastInput)
	require.Equal(t, map[string]any{"state": "done"}, envelope.Data)
}

func TestExecuteWorkflowMappings(t *testing.T) {
	workflows := &fakeWorkflowEngine{result: map[string]any{"total": float64(99)}}
	e := newTestEngine(t, nil, workflows)
	def := &api.EndpointDefinition{
		ID:          "ep-1",
		Enabled:     true,
		HandlerKind: api.HandlerWorkflow,
		HandlerConfig: api.HandlerConfig{
			WorkflowID:    "wf-7",
			InputMapping:  map[string]string{"doubled": "request.body.n * 2"},
			OutputMapping: map[string]string{"sum": "result.total"},
		},
	}
	req := &api.Request{Body: jsonBody(t, `{"n":3}`)}

	envelope := e.Execute(context.Background(), def, req, executionContext())

	require.True(t, envelope.Success)
	require.Equal(t, map[string]any{"doubled": float64(6)}, workflows.lastInput)
	require.Equal(t, map[string]any{"sum": float64(99)}, envelope.Data)
}

func TestExecuteWorkflowFailure(t *testing.T) {
	workflows := &fakeWorkflowEngine{err: errors.New("engine on fire")}
	e := newTestEngine(t, nil, workflows)
	def := &api.EndpointDefinition{
		ID:            "ep-1",
		Enabled:       true,
		HandlerKind:   api.HandlerWorkflow,
		HandlerConfig: api.HandlerConfig{WorkflowID: "wf-7"},
	}

	envelope := e.Execute(context.Background(), def, &api.Request{}, executionContext())

	require.False(t, envelope.Success)
	require.Equal(t, apierrors.KindWorkflow, envelope.Error.Kind)
	require.Contains(t, envelope.Error.Message, "engine on fire")
}

func TestExecuteEntityGetMissingID(t *testing.T) {
	entities := &fakeEntityService{records: map[string]map[string]any{}}
	e := newTestEngine(t, entities, nil)
	def := &api.EndpointDefinition{
		ID:            "ep-1",
		Enabled:       true,
		HandlerKind:   api.HandlerEntityOp,
		HandlerConfig: api.HandlerConfig{EntityID: "contacts", Operation: "get"},
	}

	envelope := e.Execute(context.Background(), def, &api.Request{}, executionContext())

	require.False(t, envelope.Success)
	require.Equal(t, apierrors.KindValidation, envelope.Error.Kind)
}

func TestExecuteEntityGetNotFound(t *testing.T) {
	entities := &fakeEntityService{records: map[string]map[string]any{}}
	e := newTestEngine(t, entities, nil)
	def := &api.EndpointDefinition{
		ID:            "ep-1",
		Enabled:       true,
		HandlerKind:   api.HandlerEntityOp,
		HandlerConfig: api.HandlerConfig{EntityID: "contacts", Operation: "get"},
	}
	req := &api.Request{Query: map[string]string{"id": "missing"}}

	envelope := e.Execute(context.Background(), def, req, executionContext())

	require.False(t, envelope.Success)
	require.Equal(t, apierrors.KindNotFound, envelope.Error.Kind)
}

func TestExecuteEntityListMergesQuery(t *testing.T) {
	entities := &fakeEntityService{records: map[string]map[string]any{
		"r1": {"id": "r1", "name": "Ada"},
	}}
	e := newTestEngine(t, entities, nil)
	def := &api.EndpointDefinition{
		ID:          "ep-1",
		Enabled:     true,
		HandlerKind: api.HandlerEntityOp,
		HandlerConfig: api.HandlerConfig{
			EntityID: "contacts",
			Filters:  map[string]any{"status": "active"},
			Limit:    10,
		},
	}
	req := &api.Request{Query: map[string]string{"name": "Ada", "limit": "5", "sortBy": "name"}}

	envelope := e.Execute(context.Background(), def, req, executionContext())

	require.True(t, envelope.Success)
	require.Equal(t, map[string]any{"status": "active", "name": "Ada"}, entities.lastQuery.Filters)
	require.Equal(t, 5, entities.lastQuery.Limit)
	require.Equal(t, "name", entities.lastQuery.SortBy)
}

func TestExecuteEntityCreateUsesIdentity(t *testing.T) {
	entities := &fakeEntityService{records: map[string]map[string]any{}}
	e := newTestEngine(t, entities, nil)
	def := &api.EndpointDefinition{
		ID:            "ep-1",
		Enabled:       true,
		HandlerKind:   api.HandlerEntityOp,
		HandlerConfig: api.HandlerConfig{EntityID: "contacts", Operation: "create"},
	}
	ectx := executionContext()
	ectx.User = &api.Identity{ID: "user-9"}
	req := &api.Request{Body: jsonBody(t, `{"name":"Grace"}`)}

	envelope := e.Execute(context.Background(), def, req, ectx)

	require.True(t, envelope.Success)
	record, ok := envelope.Data.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "user-9", record["createdBy"])
}

func TestExecuteEntityDelete(t *testing.T) {
	entities := &fakeEntityService{records: map[string]map[string]any{
		"r1": {"id": "r1"},
	}}
	e := newTestEngine(t, entities, nil)
	def := &api.EndpointDefinition{
		ID:            "ep-1",
		Enabled:       true,
		HandlerKind:   api.HandlerEntityOp,
		HandlerConfig: api.HandlerConfig{EntityID: "contacts", Operation: "delete"},
	}
	req := &api.Request{Query: map[string]string{"id": "r1"}}

	envelope := e.Execute(context.Background(), def, req, executionContext())

	require.True(t, envelope.Success)
	require.Equal(t, map[string]any{"deleted": true, "id": "r1"}, envelope.Data)
	require.Empty(t, entities.records)
}

func TestExecuteEntityServiceFailure(t *testing.T) {
	entities := &fakeEntityService{err: errors.New("connection refused")}
	e := newTestEngine(t, entities, nil)
	def := &api.EndpointDefinition{
		ID:            "ep-1",
		Enabled:       true,
		HandlerKind:   api.HandlerEntityOp,
		HandlerConfig: api.HandlerConfig{EntityID: "contacts"},
	}

	envelope := e.Execute(context.Background(), def, &api.Request{}, executionContext())

	require.False(t, envelope.Success)
	require.Equal(t, apierrors.KindEntity, envelope.Error.Kind)
}

func TestExecuteEntityUnknownOperation(t *testing.T) {
	entities := &fakeEntityService{}
	e := newTestEngine(t, entities, nil)
	def := &api.EndpointDefinition{
		ID:            "ep-1",
		Enabled:       true,
		HandlerKind:   api.HandlerEntityOp,
		HandlerConfig: api.HandlerConfig{EntityID: "contacts", Operation: "upsert"},
	}

	envelope := e.Execute(context.Background(), def, &api.Request{}, executionContext())

	require.False(t, envelope.Success)
	require.Equal(t, apierrors.KindConfiguration, envelope.Error.Kind)
}
