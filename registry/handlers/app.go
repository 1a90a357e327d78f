package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/GhostKellz/ghostdock/configuration"
	"github.com/GhostKellz/ghostdock/internal/dcontext"
	"github.com/GhostKellz/ghostdock/registry/api/errcode"
	v2 "github.com/GhostKellz/ghostdock/registry/api/v2"
	"github.com/GhostKellz/ghostdock/registry/auth"
	"github.com/GhostKellz/ghostdock/registry/storage"
	"github.com/GhostKellz/ghostdock/version"
)

// App is a global registry application object. Shared resources can be placed
// on this object that will be accessible from all requests. Any writable
// fields should be protected.
type App struct {
	context.Context

	Config *configuration.Configuration

	// InstanceID is a unique id assigned to the application on each
	// creation. Provides information in the logs to identify restarts.
	InstanceID string

	router   *mux.Router
	registry *storage.Registry
	verifier auth.Verifier
	gate     *auth.Gate
	limiters *limiterPool
}

// NewApp takes a configuration and a registry backend and returns a
// configured app, ready to serve requests. The app only implements ServeHTTP
// and can be wrapped in other handlers accordingly.
func NewApp(ctx context.Context, config *configuration.Configuration, registry *storage.Registry) *App {
	app := &App{
		Config:     config,
		Context:    ctx,
		InstanceID: uuid.NewString(),
		router:     v2.RouterWithPrefix(config.HTTP.Prefix),
		registry:   registry,
	}

	app.Context = dcontext.WithLogger(app.Context,
		dcontext.GetLogger(ctx).WithField("instance.id", app.InstanceID))

	if config.Security.RequireAuth {
		users := make(map[string]auth.StaticUser, len(config.Security.Users))
		for token, u := range config.Security.Users {
			grants := make([]auth.Grant, 0, len(u.Grants))
			for _, g := range u.Grants {
				grants = append(grants, auth.Grant{Repository: g.Repository, Actions: g.Actions})
			}
			users[token] = auth.StaticUser{Name: u.Name, Admin: u.Admin, Grants: grants}
		}
		app.verifier = auth.NewStaticVerifier(users)
	} else {
		app.verifier = auth.AnonymousVerifier{}
	}
	app.gate = &auth.Gate{
		RequireAuth:        config.Security.RequireAuth,
		AllowAnonymousPull: config.Security.AllowAnonymousPull,
		Realm:              config.Security.Realm,
		Service:            config.Security.Service,
	}

	if config.Security.RateLimit.Enabled {
		app.limiters = newLimiterPool(config.Security.RateLimit.RPS, config.Security.RateLimit.Burst)
	}

	// Register the handler dispatchers.
	app.register(v2.RouteNameBase, func(ctx *Context, r *http.Request) http.Handler {
		return http.HandlerFunc(apiBase)
	})
	app.register(v2.RouteNameCatalog, catalogDispatcher)
	app.register(v2.RouteNameManifest, manifestDispatcher)
	app.register(v2.RouteNameTags, tagsDispatcher)
	app.register(v2.RouteNameBlob, blobDispatcher)
	app.register(v2.RouteNameBlobUpload, blobUploadDispatcher)
	app.register(v2.RouteNameBlobUploadChunk, blobUploadDispatcher)

	return app
}

// Registry exposes the storage backend, primarily for the purge loop and
// garbage collection wiring.
func (app *App) Registry() *storage.Registry {
	return app.registry
}

// register a handler with the application, by route name. The handler will be
// passed through the application filters and context will be constructed at
// request time.
func (app *App) register(routeName string, dispatch dispatchFunc) {
	app.router.GetRoute(routeName).Handler(app.dispatcher(routeName, dispatch))
}

func (app *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close() // ensure that request body is always closed.

	if r.URL.Path == "/health" {
		app.healthCheck(w, r)
		return
	}

	// Set a header with the Docker Distribution API Version for all responses.
	w.Header().Add("Docker-Distribution-API-Version", "registry/2.0")
	app.router.ServeHTTP(w, r)
}

// dispatchFunc takes a context and request and returns a constructed handler
// for the route. The dispatcher will use this to dynamically create request
// specific handlers for each endpoint without creating a new router for each
// request.
type dispatchFunc func(ctx *Context, r *http.Request) http.Handler

// singleStatusResponseWriter only allows the first status to be written and
// remembers it for metrics and error flushing.
type singleStatusResponseWriter struct {
	http.ResponseWriter
	status int
}

func (ssrw *singleStatusResponseWriter) WriteHeader(status int) {
	if ssrw.status != 0 {
		return
	}
	ssrw.status = status
	ssrw.ResponseWriter.WriteHeader(status)
}

func (ssrw *singleStatusResponseWriter) Flush() {
	if flusher, ok := ssrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// dispatcher returns a handler that constructs a request specific context and
// handler, using the dispatch factory function.
func (app *App) dispatcher(routeName string, dispatch dispatchFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		context := app.context(w, r)
		ssrw := &singleStatusResponseWriter{ResponseWriter: w}

		defer func() {
			if err := recover(); err != nil {
				dcontext.GetLogger(context).Errorf("panic serving %s %s: %v\n%s",
					r.Method, r.URL.Path, err, debug.Stack())
				if ssrw.status == 0 {
					errcode.ServeJSON(ssrw, errcode.ErrorCodeUnknown)
				}
			}

			code := ssrw.status
			if code == 0 {
				code = http.StatusOK
			}
			requestsCounter.WithValues(routeName, strconv.Itoa(code)).Inc()
			requestDuration.WithValues(routeName).UpdateSince(start)
			dcontext.GetLoggerWithFields(context, logrus.Fields{
				"http.response.status":   code,
				"http.response.duration": time.Since(start).String(),
			}).Info("response completed")
		}()

		if err := app.authorized(ssrw, r, context); err != nil {
			dcontext.GetLogger(context).Debugf("request not authorized: %v", err)
			return
		}

		if app.limiters != nil && !app.limiters.allow(context.Principal, r) {
			ssrw.Header().Set("Retry-After", "1")
			ssrw.WriteHeader(http.StatusTooManyRequests)
			serveJSON(ssrw, errcode.Errors{errcode.ErrorCodeTooManyRequests})
			return
		}

		if context.Repository != "" {
			if err := v2.ValidateRepositoryName(context.Repository); err != nil {
				ssrw.WriteHeader(http.StatusBadRequest)
				serveJSON(ssrw, errcode.Errors{v2.ErrorCodeNameInvalid.WithDetail(err.Error())})
				return
			}
		}

		dispatch(context, r).ServeHTTP(ssrw, r)

		// Automated error response handling here. Handlers may write their
		// own responses if they need different behavior.
		if len(context.Errors) > 0 {
			if ssrw.status == 0 {
				errcode.ServeJSON(ssrw, context.Errors)
			} else {
				serveJSON(ssrw, context.Errors)
			}
		}
	})
}

// context constructs the context object for the request. This is only
// called once per request.
func (app *App) context(w http.ResponseWriter, r *http.Request) *Context {
	vars := mux.Vars(r)

	fields := logrus.Fields{
		"http.request.method": r.Method,
		"http.request.uri":    r.RequestURI,
	}
	for _, v := range []string{"name", "reference", "digest", "uuid"} {
		if vars[v] != "" {
			fields["vars."+v] = vars[v]
		}
	}

	ctx := dcontext.WithLogger(r.Context(), dcontext.GetLoggerWithFields(app, fields))

	return &Context{
		App:        app,
		Context:    ctx,
		Repository: vars["name"],
		urlBuilder: v2.NewURLBuilderFromRequest(r, false),
		vars:       vars,
	}
}

// authorized resolves the request principal and checks it against the access
// the route requires. On failure the response has already been written.
func (app *App) authorized(w http.ResponseWriter, r *http.Request, context *Context) error {
	principal, err := app.verifier.Verify(context, r)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			challenge := &auth.Challenge{
				Realm:   app.gate.Realm,
				Service: app.gate.Service,
				Err:     err,
			}
			challenge.SetHeaders(w.Header())
			w.WriteHeader(http.StatusUnauthorized)
			serveJSON(w, errcode.Errors{errcode.ErrorCodeUnauthorized.WithDetail("invalid credentials")})
			return err
		}
		w.WriteHeader(http.StatusInternalServerError)
		serveJSON(w, errcode.Errors{errcode.ErrorCodeUnknown})
		return err
	}
	context.Principal = principal

	// The base route answers to any authenticated principal so clients can
	// probe API support and complete login roundtrips.
	if route := mux.CurrentRoute(r); route != nil && route.GetName() == v2.RouteNameBase {
		if principal.Kind != auth.KindAnonymous || !app.gate.RequireAuth {
			return nil
		}
		challenge := &auth.Challenge{Realm: app.gate.Realm, Service: app.gate.Service}
		challenge.SetHeaders(w.Header())
		w.WriteHeader(http.StatusUnauthorized)
		serveJSON(w, errcode.Errors{errcode.ErrorCodeUnauthorized})
		return challenge
	}

	res, actions := app.requiredAccess(context, r)
	if err := app.gate.Authorize(principal, res, actions...); err != nil {
		var challenge *auth.Challenge
		if errors.As(err, &challenge) {
			challenge.SetHeaders(w.Header())
			w.WriteHeader(http.StatusUnauthorized)
			serveJSON(w, errcode.Errors{errcode.ErrorCodeUnauthorized.WithDetail(challenge.Scope)})
		} else {
			w.WriteHeader(http.StatusForbidden)
			serveJSON(w, errcode.Errors{errcode.ErrorCodeDenied})
		}
		return err
	}

	return nil
}

// requiredAccess maps the route and method onto the resource and actions the
// gate must approve.
func (app *App) requiredAccess(context *Context, r *http.Request) (auth.Resource, []string) {
	res := auth.Resource{Repository: context.Repository}
	if res.Repository != "" {
		if repo, err := app.registry.Index().GetRepository(context, res.Repository); err == nil {
			res.Public = repo.Public
		}
	}

	var actions []string
	if res.Repository != "" {
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			actions = append(actions, auth.ActionPull)
		case http.MethodPost, http.MethodPatch, http.MethodPut:
			actions = append(actions, auth.ActionPush)
		case http.MethodDelete:
			actions = append(actions, auth.ActionDelete)
		}
	}

	return res, actions
}

// apiBase implements a simple yes-man for doing overall checks against the
// api. This can support auth roundtrips to support docker login.
func apiBase(w http.ResponseWriter, r *http.Request) {
	const emptyJSON = "{}"
	// Provide a simple /v2/ 200 OK response with empty json response.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Length", fmt.Sprint(len(emptyJSON)))

	fmt.Fprint(w, emptyJSON)
}

// healthCheck reports basic liveness, probing the metadata index with a
// cheap query.
func (app *App) healthCheck(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if _, _, err := app.registry.Index().Repositories(r.Context(), 1, ""); err != nil {
		dcontext.GetLogger(app).Errorf("health check failed: %v", err)
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}

	w.WriteHeader(code)
	serveJSON(w, map[string]string{
		"status":  status,
		"version": version.Version,
	})
}
