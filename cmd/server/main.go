package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"auth-core/internal/config"
	"auth-core/internal/factory"
	"auth-core/internal/handler"
	"auth-core/internal/util"
)

func main() {
	// Initialize factory (which loads config and initializes all clients)
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()

	// Setup HTTP router with handlers using Chi
	router, err := setupRouter(f)
	if err != nil {
		util.Fatal("Failed to set up router", util.ErrorField(err))
	}

	// Create HTTP server with configured timeouts. TLS terminates at
	// the ingress in every deployment of this service.
	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	startServer(f, server, cfg)
}

// setupRouter creates the HTTP router with all handlers using Chi
func setupRouter(f *factory.Factory) (http.Handler, error) {
	orch, err := f.Orchestrator()
	if err != nil {
		return nil, err
	}
	authHandler := handler.NewAuthHandler(orch, f.TotpValidator(), f, util.Get())
	return handler.NewRouter(authHandler, util.Get()), nil
}

func startServer(f *factory.Factory, server *http.Server, cfg *config.Config) {
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Fatal("Server failed to start", util.ErrorField(err))
		}
	}()

	util.Info("Server started successfully",
		util.String("environment", cfg.Environment),
		util.String("address", server.Addr),
	)

	waitForShutdown(f, server, cfg.Server.ShutdownTimeout)
}

func waitForShutdown(f *factory.Factory, server *http.Server, timeout time.Duration) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
	} else {
		util.Info("Server shutdown completed")
	}
	f.Close()
}
