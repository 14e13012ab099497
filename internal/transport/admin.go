package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/apirun/apirun/internal/api"
	"github.com/apirun/apirun/internal/service"
	"github.com/apirun/apirun/internal/store"
)

// AdminHandler exposes the endpoint-definition lifecycle. It is a thin
// wrapper over the service layer; cache invalidation happens there.
type AdminHandler struct {
	serviceHandler *service.ServiceHandler
}

func NewAdminHandler(serviceHandler *service.ServiceHandler) *AdminHandler {
	return &AdminHandler{serviceHandler: serviceHandler}
}

func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/endpoints", func(r chi.Router) {
		r.Post("/", h.CreateEndpoint)
		r.Get("/", h.ListEndpoints)
		r.Get("/{id}", h.GetEndpoint)
		r.Put("/{id}", h.ReplaceEndpoint)
		r.Delete("/{id}", h.DeleteEndpoint)
		r.Get("/{id}/stats", h.GetEndpointStats)
	})
}

// (POST /api/v1/endpoints)
func (h *AdminHandler) CreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var def api.EndpointDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		WriteJSONResponse(w, errorBody{Message: err.Error()}, http.StatusBadRequest)
		return
	}
	created, err := h.serviceHandler.CreateEndpoint(r.Context(), def)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSONResponse(w, created, http.StatusCreated)
}

// (GET /api/v1/endpoints)
func (h *AdminHandler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	params := store.ListParams{
		ApplicationID: r.URL.Query().Get("applicationId"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		params.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		params.Offset, _ = strconv.Atoi(v)
	}
	endpoints, err := h.serviceHandler.ListEndpoints(r.Context(), params)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSONResponse(w, endpoints, http.StatusOK)
}

// (GET /api/v1/endpoints/{id})
func (h *AdminHandler) GetEndpoint(w http.ResponseWriter, r *http.Request) {
	def, err := h.serviceHandler.GetEndpoint(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSONResponse(w, def, http.StatusOK)
}

// (PUT /api/v1/endpoints/{id})
func (h *AdminHandler) ReplaceEndpoint(w http.ResponseWriter, r *http.Request) {
	var def api.EndpointDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		WriteJSONResponse(w, errorBody{Message: err.Error()}, http.StatusBadRequest)
		return
	}
	updated, err := h.serviceHandler.ReplaceEndpoint(r.Context(), chi.URLParam(r, "id"), def)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSONResponse(w, updated, http.StatusOK)
}

// (DELETE /api/v1/endpoints/{id})
func (h *AdminHandler) DeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	if err := h.serviceHandler.DeleteEndpoint(r.Context(), chi.URLParam(r, "id")); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSONResponse(w, nil, http.StatusNoContent)
}

// (GET /api/v1/endpoints/{id}/stats)
func (h *AdminHandler) GetEndpointStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.serviceHandler.GetEndpointStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSONResponse(w, stats, http.StatusOK)
}
