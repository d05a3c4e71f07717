package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config はログ出力の設定。
type Config struct {
	// Level はログレベル（debug, info, warn, error）。不正な値の場合はinfoになる。
	Level string
	// Pretty はtrueの場合に人間向けのコンソール形式で出力する。
	Pretty bool
	// Output は出力先。nilの場合は標準出力。
	Output io.Writer
}

// Setup はグローバルロガーを設定する。
func Setup(cfg Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.Output != nil {
		out = cfg.Output
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = zerolog.New(out).With().Timestamp().Str("service", "gateway").Logger()
	return log.Logger
}
