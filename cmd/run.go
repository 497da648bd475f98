package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"bisync/internal/metrics"
	syncer "bisync/internal/sync"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sync now and then again every sync.interval until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.loop(cmd.Context())
		},
	}
}

// loop 定时触发同步, 收到信号后中止当前一轮并等待其结束
func (a *app) loop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if addr := a.cfg.System.MetricsAddr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: metricsMux(a), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			slog.Info("metrics 服务已启动", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics 服务异常退出", "err", err)
			}
		}()
		defer srv.Close()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var wg sync.WaitGroup
	rep := &reporter{log: slog.Default(), recorder: a.recorder}

	runSync := func() {
		events, err := a.orch.StartSync(ctx)
		if errors.Is(err, syncer.ErrBusy) {
			slog.Info("上一轮同步尚未结束，跳过本次触发")
			return
		}
		if err != nil {
			slog.Error("无法开始同步", "err", err)
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range events {
				rep.observe(ev)
			}
		}()
	}

	// 立即运行一次
	runSync()

	ticker := time.NewTicker(a.cfg.Sync.IntervalDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runSync()
		case sig := <-sigChan:
			slog.Info("接收到信号，准备优雅退出...", "signal", sig)
			a.orch.Abort()
			wg.Wait()
			slog.Info("所有任务已完成，程序退出")
			return nil
		case <-ctx.Done():
			a.orch.Abort()
			wg.Wait()
			slog.Info("主上下文被取消，程序退出")
			return nil
		}
	}
}

func metricsMux(a *app) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(a.registry))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(a.orch.State().String()))
	})
	return mux
}
