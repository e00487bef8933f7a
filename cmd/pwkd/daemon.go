package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pwk.dev/kernel/internal/api"
	"pwk.dev/kernel/internal/quorum"
)

func newDaemonCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "daemon", Short: "run the kernel daemon"}
	cmd.AddCommand(newDaemonStartCmd(root))
	return cmd
}

func newDaemonStartCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "start the loopback Event API and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonStart(root.dataDir)
		},
	}
}

func runDaemonStart(dataDir string) error {
	env, err := openKernelEnv(dataDir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env.log.Start(ctx)
	defer func() {
		env.log.Stop()
		env.close()
	}()

	apiToken, err := api.LoadOrCreateAPIToken(dataDir)
	if err != nil {
		return err
	}

	watcher, err := quorum.NewWatcher(env.quorum, env.daemonConfig.BreakGlassDropDir, env.currentBucket)
	if err != nil {
		return err
	}
	defer watcher.Close()
	for _, requestID := range env.quorum.PendingRequestIDs() {
		if err := watcher.WatchApprovalDir(requestID); err != nil {
			env.logger.Warn().Err(err).Str("request_id", requestID).Msg("failed to re-arm break-glass approval watch")
		}
	}
	watchStop := make(chan struct{})
	defer close(watchStop)
	go watcher.Run(watchStop, func(err error) {
		env.logger.Warn().Err(err).Msg("break-glass approval drop rejected")
	})

	srv := api.NewServer(env.enforcer, env.kernel, env.log, env.alarmTable, env.logger, apiToken)
	httpServer := &http.Server{
		Addr:    env.daemonConfig.BindAddr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		env.logger.Info().Str("addr", env.daemonConfig.BindAddr).Msg("event api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}
