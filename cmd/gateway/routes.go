package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	svcerrors "github.com/flowmesh-io/gateway/infrastructure/errors"
	"github.com/flowmesh-io/gateway/infrastructure/httputil"
	"github.com/flowmesh-io/gateway/infrastructure/logging"
	"github.com/flowmesh-io/gateway/internal/delivery"
	"github.com/flowmesh-io/gateway/internal/eventstream"
	"github.com/flowmesh-io/gateway/internal/router"
	"github.com/flowmesh-io/gateway/internal/template"
	"github.com/flowmesh-io/gateway/internal/types"
)

type identityCtxKey struct{}

func contextWithIdentity(ctx context.Context, id types.Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, id)
}

func identityFromContext(ctx context.Context) (types.Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(types.Identity)
	return id, ok
}

// authMiddleware verifies the bearer token on every control-plane
// request and stores the resulting identity in the request context.
func authMiddleware(extractor *cachedExtractor) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := extractor.FromHeader(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				httputil.WriteServiceError(w, r, err)
				return
			}
			ctx := logging.WithOrgID(r.Context(), id.OrgID)
			ctx = logging.WithUserID(ctx, id.UserID)
			ctx = contextWithIdentity(ctx, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireOwnOrg rejects requests whose path org id doesn't match the
// caller's verified organization, so one tenant's admin token can't
// manage another tenant's endpoints or limits.
func requireOwnOrg(w http.ResponseWriter, r *http.Request) (types.Identity, bool) {
	id, ok := identityFromContext(r.Context())
	if !ok {
		httputil.Unauthorized(w, "missing identity")
		return types.Identity{}, false
	}
	if pathOrg := mux.Vars(r)["id"]; pathOrg != "" && pathOrg != id.OrgID {
		httputil.Forbidden(w, "organization mismatch")
		return types.Identity{}, false
	}
	return id, true
}

// appDeps bundles every wired component the HTTP and WebSocket layers
// depend on.
type appDeps struct {
	orgs      orgStore
	endpoints endpointStore
	engine    *delivery.Engine
	templates *template.Registry
	stream    *eventstream.Stream
	router    *router.Router
	log       *logging.Logger
}

// registerControlPlaneRoutes wires the admin/management HTTP API: org
// and delivery-endpoint CRUD, webhook template instantiation, and event
// publish-over-HTTP for server-to-server callers that don't hold a
// persistent socket.
func registerControlPlaneRoutes(r *mux.Router, deps *appDeps) {
	r.HandleFunc("/v1/orgs", createOrgHandler(deps)).Methods(http.MethodPost)
	r.HandleFunc("/v1/orgs/{id}", getOrgHandler(deps)).Methods(http.MethodGet)
	r.HandleFunc("/v1/orgs/{id}/limits", updateOrgLimitsHandler(deps)).Methods(http.MethodPut)

	r.HandleFunc("/v1/orgs/{id}/endpoints", createEndpointHandler(deps)).Methods(http.MethodPost)
	r.HandleFunc("/v1/orgs/{id}/endpoints", listEndpointsHandler(deps)).Methods(http.MethodGet)
	r.HandleFunc("/v1/endpoints/{id}", getEndpointHandler(deps)).Methods(http.MethodGet)
	r.HandleFunc("/v1/endpoints/{id}", deactivateEndpointHandler(deps)).Methods(http.MethodDelete)

	r.HandleFunc("/v1/templates", listTemplatesHandler(deps)).Methods(http.MethodGet)
	r.HandleFunc("/v1/templates/{id}", getTemplateHandler(deps)).Methods(http.MethodGet)
	r.HandleFunc("/v1/templates/{id}/instantiate", instantiateTemplateHandler(deps)).Methods(http.MethodPost)

	r.HandleFunc("/v1/orgs/{id}/events", publishEventHandler(deps)).Methods(http.MethodPost)
}

func createOrgHandler(deps *appDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Slug string `json:"slug"`
		}
		if !httputil.DecodeJSON(w, r, &body) {
			return
		}
		org := types.Organization{ID: uuid.New().String(), Slug: body.Slug, Limits: types.DefaultOrgLimits(), CreatedAt: time.Now()}
		if err := deps.orgs.Create(r.Context(), org); err != nil {
			httputil.WriteServiceError(w, r, svcerrors.Internal("create organization", err))
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, org)
	}
}

func getOrgHandler(deps *appDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireOwnOrg(w, r); !ok {
			return
		}
		org, err := deps.orgs.Get(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			httputil.NotFound(w, "organization not found")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, org)
	}
}

func updateOrgLimitsHandler(deps *appDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireOwnOrg(w, r); !ok {
			return
		}
		var limits types.OrgLimits
		if !httputil.DecodeJSON(w, r, &limits) {
			return
		}
		if err := deps.orgs.UpdateLimits(r.Context(), mux.Vars(r)["id"], limits); err != nil {
			httputil.NotFound(w, "organization not found")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, limits)
	}
}

func createEndpointHandler(deps *appDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireOwnOrg(w, r); !ok {
			return
		}
		orgID := mux.Vars(r)["id"]
		var ep types.DeliveryEndpoint
		if !httputil.DecodeJSON(w, r, &ep) {
			return
		}
		ep.ID = uuid.New().String()
		ep.OrgID = orgID
		ep.Active = true
		ep.CreatedAt = time.Now()
		ep.UpdatedAt = time.Now()
		if ep.Timeout == 0 {
			ep.Timeout = 10 * time.Second
		}
		if ep.RetryPolicy.MaxRetries == 0 {
			ep.RetryPolicy = types.DefaultRetryPolicy()
		}
		if err := deps.endpoints.Create(r.Context(), ep); err != nil {
			httputil.WriteServiceError(w, r, svcerrors.Internal("create delivery endpoint", err))
			return
		}
		deps.engine.RegisterEndpoint(r.Context(), ep)
		httputil.WriteJSON(w, http.StatusCreated, ep)
	}
}

func listEndpointsHandler(deps *appDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireOwnOrg(w, r); !ok {
			return
		}
		eps, err := deps.endpoints.ListActiveByOrg(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			httputil.WriteServiceError(w, r, svcerrors.Internal("list delivery endpoints", err))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, eps)
	}
}

func getEndpointHandler(deps *appDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ep, err := deps.endpoints.Get(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			httputil.NotFound(w, "delivery endpoint not found")
			return
		}
		if id, ok := identityFromContext(r.Context()); !ok || id.OrgID != ep.OrgID {
			httputil.Forbidden(w, "organization mismatch")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, ep)
	}
}

func deactivateEndpointHandler(deps *appDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		ep, err := deps.endpoints.Get(r.Context(), id)
		if err != nil {
			httputil.NotFound(w, "delivery endpoint not found")
			return
		}
		if caller, ok := identityFromContext(r.Context()); !ok || caller.OrgID != ep.OrgID {
			httputil.Forbidden(w, "organization mismatch")
			return
		}
		if err := deps.endpoints.Deactivate(r.Context(), id); err != nil {
			httputil.NotFound(w, "delivery endpoint not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func listTemplatesHandler(deps *appDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, deps.templates.List())
	}
}

func getTemplateHandler(deps *appDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tmpl, err := deps.templates.Get(mux.Vars(r)["id"])
		if err != nil {
			httputil.WriteServiceError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, tmpl)
	}
}

func instantiateTemplateHandler(deps *appDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tmpl, err := deps.templates.Get(mux.Vars(r)["id"])
		if err != nil {
			httputil.WriteServiceError(w, r, err)
			return
		}
		var values map[string]string
		if !httputil.DecodeJSON(w, r, &values) {
			return
		}
		rendered, err := tmpl.Instantiate(values)
		if err != nil {
			httputil.WriteServiceError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"skeleton": rendered})
	}
}

func publishEventHandler(deps *appDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireOwnOrg(w, r); !ok {
			return
		}
		orgID := mux.Vars(r)["id"]
		var body struct {
			Channel string          `json:"channel"`
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if !httputil.DecodeJSON(w, r, &body) {
			return
		}
		eventID, err := deps.stream.Append(r.Context(), orgID, body.Channel, body.Type, body.Payload, nil)
		if err != nil {
			httputil.WriteServiceError(w, r, err)
			return
		}
		event := types.Event{ID: eventID, OrgID: orgID, Channel: body.Channel, Type: body.Type, Payload: body.Payload}
		if err := deps.router.Broadcast(r.Context(), orgID, body.Channel, event); err != nil {
			deps.log.Warn(r.Context(), "event broadcast failed", map[string]interface{}{"error": err.Error()})
		}
		httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"event_id": eventID})
	}
}

// defaultTemplates seeds the webhook template registry with the builtin
// skeletons shipped with the gateway.
func defaultTemplates() []template.Template {
	return []template.Template{
		{
			ID:   "slack-webhook",
			Name: "Slack incoming webhook",
			Skeleton: `{"url":"{{SLACK_WEBHOOK_URL}}","method":"POST","headers":{"Content-Type":"application/json"},` +
				`"event_types":["*"],"semantics":"at-least-once"}`,
			Variables: []template.Variable{
				{Name: "SLACK_WEBHOOK_URL", Required: true, Pattern: template.MustCompile(`^https://hooks\.slack\.com/.+`)},
			},
		},
		{
			ID:   "generic-json",
			Name: "Generic JSON webhook",
			Skeleton: `{"url":"{{TARGET_URL}}","method":"POST","headers":{"Content-Type":"application/json"},` +
				`"event_types":["{{EVENT_TYPE}}"],"semantics":"{{SEMANTICS}}"}`,
			Variables: []template.Variable{
				{Name: "TARGET_URL", Required: true},
				{Name: "EVENT_TYPE", Default: "*"},
				{Name: "SEMANTICS", Default: string(types.SemanticsAtLeastOnce)},
			},
		},
	}
}
