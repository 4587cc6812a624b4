package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/drpcorg/factory/api"
	"github.com/drpcorg/factory/factory_errors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var (
	listenAddr string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the registry over HTTP",
		RunE:  runServe,
	}
	initCmd = &cobra.Command{
		Use:   "init",
		Short: "Write the factory section of the config into a fresh store",
		RunE:  runInit,
	}
)

func init() {
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "overrides listen of the config")
}

// seed writes the configured factory settings unless the store already
// has some.
func (n *node) seed(ctx context.Context) error {
	if n.cfg.Factory == nil {
		return nil
	}
	err := n.factory.Init(ctx, *n.cfg.Factory)
	if errors.Is(err, factory_errors.ErrAlreadyExists) {
		n.log.Info("store is already initialized, factory section ignored")
		return nil
	}
	return err
}

func runInit(cmd *cobra.Command, _ []string) error {
	n, err := openNode()
	if err != nil {
		return err
	}
	defer n.Close()
	if n.cfg.Factory == nil {
		return errors.Join(factory_errors.ErrValidation, errors.New("config has no factory section"))
	}
	return n.factory.Init(cmd.Context(), *n.cfg.Factory)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := openNode()
	if err != nil {
		return err
	}
	defer n.Close()
	if err := n.seed(ctx); err != nil {
		return err
	}
	n.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	addr := n.cfg.Listen
	if listenAddr != "" {
		addr = listenAddr
	}
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(n.factory, n.registry, n.log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		n.log.Info("listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		n.log.Info("shutting down")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return n.loopback.Drain(shutdownCtx)
}
