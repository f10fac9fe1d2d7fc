// Package logging 配置全局 zerolog 日志（各包通过 zerolog/log 输出结构化字段）。
//
// 日志只写 stderr：stdout 保留给 RunReport JSON。
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config 是日志配置。
type Config struct {
	// Level：trace/debug/info/warn/error/disabled，默认 warn。
	Level string
	// Format：console 或 json，默认 console。
	Format string
	// Output 默认 os.Stderr。
	Output io.Writer
}

// Init 重新配置全局 logger；可重复调用。
func Init(cfg Config) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339

	out := cfg.Output
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "console") || strings.TrimSpace(cfg.Format) == "" {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: "15:04:05"}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

// ParseLevel 把字符串转为 zerolog.Level；无法识别时返回 warn。
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning", "":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.WarnLevel
	}
}
