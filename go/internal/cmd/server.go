package main

import (
	"fmt"
	"net/http"

	"connectrpc.com/grpcreflect"
	"github.com/mcdev12/modulith/go/internal/execctx"
	"github.com/mcdev12/modulith/go/internal/ops"
	"github.com/mcdev12/modulith/go/internal/rpcutil"
	"github.com/mcdev12/modulith/go/internal/useraccess"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func setupServer(app *App) (*http.Server, error) {
	handler, err := newHandler(app)
	if err != nil {
		return nil, err
	}

	// Setup HTTP/2 server
	return &http.Server{
		Addr:    fmt.Sprintf(":%s", app.cfg.HTTP.Port),
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}, nil
}

func newHandler(app *App) (http.Handler, error) {
	mux := http.NewServeMux()

	// Setup CORS middleware
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{execctx.CorrelationHeader},
	})

	// Register services
	if err := registerServices(mux, app); err != nil {
		return nil, err
	}

	// Setup reflection for grpcui/grpcurl
	setupReflection(mux)

	// Add health check endpoint
	mux.Handle("/health", app.Health)

	// Every request gets its own execution context
	handler := execctx.Middleware(mux, execctx.WithPrincipalResolver(execctx.HeaderPrincipal(app.cfg.HTTP.PrincipalHeader)))

	// Wrap with CORS
	return c.Handler(handler), nil
}

func registerServices(mux *http.ServeMux, app *App) error {
	// Register user access service
	userAccessPath, userAccessHandler, err := useraccess.NewService(app.UserAccess).Handler()
	if err != nil {
		return fmt.Errorf("failed to register user access service: %w", err)
	}
	mux.Handle(userAccessPath, userAccessHandler)

	// Register ops service
	opsPath, opsHandler, err := app.Ops.Handler()
	if err != nil {
		return fmt.Errorf("failed to register ops service: %w", err)
	}
	mux.Handle(opsPath, opsHandler)
	return nil
}

func setupReflection(mux *http.ServeMux) {
	reflector := grpcreflect.NewStaticReflector(rpcutil.Names(useraccess.UserAccessService, ops.OpsService)...)
	mux.Handle(grpcreflect.NewHandlerV1(reflector))
	mux.Handle(grpcreflect.NewHandlerV1Alpha(reflector))
}
