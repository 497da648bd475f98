package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"bisync/internal/config"
	"bisync/internal/crypto"
	"bisync/internal/database"
	"bisync/internal/fs/local"
	"bisync/internal/fs/s3"
	"bisync/internal/ignore"
	"bisync/internal/metrics"
	"bisync/internal/propagator"
	syncer "bisync/internal/sync"
	"bisync/pkg/logger"
)

// app holds everything one process needs to run passes.
type app struct {
	cfg      *config.Config
	journal  database.Store
	orch     *syncer.Orchestrator
	registry *prometheus.Registry
	recorder *metrics.Recorder
	closers  []io.Closer
}

// loadConfig 读取配置并初始化日志
func loadConfig(opts *rootOptions) (*config.Config, io.Closer, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	closer, err := logger.Setup(logger.Options{
		Level:  cfg.System.LogLevel,
		File:   cfg.System.LogFile,
		Format: cfg.System.LogFormat,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("日志初始化失败: %w", err)
	}
	return cfg, closer, nil
}

func openJournal(cfg *config.Config) (database.Store, error) {
	store, err := database.Open(cfg.System.DBDriver, cfg.System.DBPath)
	if err != nil {
		slog.Error("无法打开数据库", "err", err, "path", cfg.System.DBPath)
		return nil, fmt.Errorf("数据库初始化失败: %w", err)
	}
	return store, nil
}

// newApp wires the configured journal, both trees and the orchestrator.
func newApp(opts *rootOptions) (*app, error) {
	cfg, logCloser, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, closers: []io.Closer{logCloser}}

	slog.Info("配置已加载",
		"local_dir", cfg.Sync.LocalDir,
		"remote", cfg.Remote.Endpoint+"/"+cfg.Remote.Bucket+"/"+cfg.Remote.Prefix,
		"interval", cfg.Sync.Interval,
		"journal", cfg.System.DBDriver,
		"conflict_strategy", cfg.Sync.ConflictStrategy,
	)

	// 1. 日志数据库
	a.journal, err = openJournal(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.journal)

	// 2. 加密
	var cipher, names *crypto.Cipher
	if cfg.Crypto.Enable {
		cipher = crypto.NewCipher(cfg.Crypto.Password)
		if cfg.Crypto.EncryptFilenames {
			names = cipher
		}
		slog.Info("加密模式: 已启用 (AES-256)", "encrypt_filenames", cfg.Crypto.EncryptFilenames)
	} else {
		slog.Info("加密模式: 未启用 (文件将原样上传)")
	}

	// 3. 两端文件系统
	localFS := local.NewAdapter(cfg.Sync.LocalDir)
	client, err := s3.NewClient(&s3.Options{
		Endpoint:  cfg.Remote.Endpoint,
		AccessKey: cfg.Remote.AccessKey,
		SecretKey: cfg.Remote.SecretKey,
		Region:    cfg.Remote.Region,
		UseSSL:    cfg.Remote.UseSSL,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	remoteFS := s3.NewAdapter(client, cfg.Remote.Bucket, cfg.Remote.Prefix, names)

	policy, err := ignore.Load(cfg.Sync.LocalDir, cfg.Sync.Ignore)
	if err != nil {
		a.Close()
		return nil, err
	}

	// 4. 指标
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.recorder = metrics.NewRecorder(a.registry)

	// 5. 同步引擎
	strategy, err := propagator.ParseConflictStrategy(cfg.Sync.ConflictStrategy)
	if err != nil {
		a.Close()
		return nil, err
	}
	confirm := cfg.Sync.ConfirmMassDelete
	a.orch = syncer.NewOrchestrator(syncer.Options{
		Local:   localFS,
		Remote:  remoteFS,
		Journal: a.journal,
		Propagator: propagator.New(propagator.Options{
			Local:    localFS,
			Remote:   remoteFS,
			Cipher:   cipher,
			Conflict: strategy,
		}),
		Ignore:     policy,
		RemoteSize: cipher.RemoteSize,
		ConfirmMassDeletion: func(dir syncer.Direction, removals int) bool {
			slog.Warn("本轮同步将删除所有文件", "direction", dir, "removals", removals, "confirmed", confirm)
			return confirm
		},
		Limits: syncer.Limits{
			Download:    cfg.Sync.DownloadLimit,
			Upload:      cfg.Sync.UploadLimit,
			Concurrency: cfg.Sync.MaxConcurrent,
		},
	})
	return a, nil
}

// Close 关闭数据库与日志文件
func (a *app) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i].Close())
	}
	a.closers = nil
	return err
}

// reporter logs a pass as it happens and feeds the metrics recorder.
type reporter struct {
	log      *slog.Logger
	recorder *metrics.Recorder
	lastLog  time.Time
}

func (r *reporter) observe(ev syncer.Event) {
	if r.recorder != nil {
		r.recorder.Observe(ev)
	}
	switch e := ev.(type) {
	case syncer.Started:
		r.log.Info(">>> 开始同步", "pass", e.PassID)
	case syncer.Planned:
		var up, down int
		for _, it := range e.Items {
			if it.Direction == syncer.DirectionUp {
				up++
			} else {
				down++
			}
		}
		r.log.Info("同步计划", "items", len(e.Items), "up", up, "down", down, "ignored", e.Ignored, "renames", e.Renames)
	case syncer.ProgressUpdated:
		// 每秒最多一条进度日志
		if time.Since(r.lastLog) < time.Second {
			return
		}
		r.lastLog = time.Now()
		info := e.Info
		r.log.Info("同步进度",
			"percent", fmt.Sprintf("%.1f%%", info.Percent()),
			"items", fmt.Sprintf("%d/%d", info.CompletedItems, info.TotalItems),
			"up", humanize.Bytes(uint64(info.Up.Completed))+"/"+humanize.Bytes(uint64(info.Up.Total)),
			"down", humanize.Bytes(uint64(info.Down.Completed))+"/"+humanize.Bytes(uint64(info.Down.Total)),
			"rate", humanize.Bytes(uint64(info.BytesPerSecond))+"/s",
			"file", info.CurrentFile,
		)
	case syncer.MassDeletionPrompted:
		if !e.Confirmed {
			r.log.Warn("已拒绝删除所有文件; 如确属本意, 请设置 sync.confirm_mass_delete", "removals", e.Removals, "direction", e.Direction)
		}
	case syncer.Finished:
		res := e.Result
		r.log.Info("<<< 同步结束",
			"summary", res.Summary(),
			"planned", res.Planned,
			"succeeded", res.Succeeded,
			"failed", len(res.ItemErrors),
			"not_started", res.NotStarted(),
			"elapsed", res.Duration().Round(time.Millisecond),
		)
		for _, err := range res.ItemErrors {
			r.log.Warn("同步失败的条目", "err", err)
		}
	}
}
