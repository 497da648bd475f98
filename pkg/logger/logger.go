package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Options 日志配置
type Options struct {
	Level  string // "debug", "info", "warn", "error"
	File   string // 日志文件路径 (为空则只输出到控制台)
	Format string // "text" (默认) 或 "json"
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// ParseLevel 解析日志等级, 无法识别时返回 Info
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New 创建 Logger, 返回的 io.Closer 用于关闭日志文件
func New(opts Options, console io.Writer) (*slog.Logger, io.Closer, error) {
	level := ParseLevel(opts.Level)

	writer := console
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		// 确保日志目录存在
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, err
		}
		// 追加模式
		file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return nil, nil, err
		}
		// 同时输出到控制台和文件
		writer = io.MultiWriter(console, file)
		closer = file
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // 仅在 Debug 模式下显示文件名和行号
	}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(writer, handlerOpts)
	} else {
		handler = slog.NewTextHandler(writer, handlerOpts)
	}
	return slog.New(handler), closer, nil
}

// Setup 初始化全局日志配置
func Setup(opts Options) (io.Closer, error) {
	l, closer, err := New(opts, os.Stdout)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l)
	return closer, nil
}
