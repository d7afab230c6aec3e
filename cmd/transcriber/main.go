package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

func slogReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.SourceKey {
		if source, ok := a.Value.Any().(*slog.Source); ok && source.File != "" {
			source.File = filepath.Base(filepath.Dir(source.File)) + "/" + filepath.Base(source.File)
		}
	}
	return a
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		AddSource:   true,
		Level:       lvl,
		ReplaceAttr: slogReplaceAttr,
	}

	// Logs go to stderr so transcripts can be piped from stdout.
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func envFiles() []string {
	files := []string{".env", "transcriber.env"}
	if home, err := os.UserHomeDir(); err == nil {
		files = append(files, filepath.Join(home, ".config", "transcriber.env"))
	}
	return files
}

// loadEnvFiles loads the first occurrence of every variable found in the
// known env files. Variables already set in the environment win.
func loadEnvFiles() {
	for _, envFile := range envFiles() {
		if _, err := os.Stat(envFile); err != nil {
			continue
		}
		slog.Debug("loading environment variables from file", slog.String("path", envFile))
		if err := godotenv.Load(envFile); err != nil {
			slog.Error("failed to load environment variables from file",
				slog.String("path", envFile), slog.String("err", err.Error()))
		}
	}
}

func main() {
	slog.SetDefault(newLogger("info", "text"))

	loadEnvFiles()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("transcriber"),
		kong.Description("Record meetings, transcribe both sides of the conversation and merge them into a single transcript."),
		kong.UsageOnError(),
	)

	slog.SetDefault(newLogger(cli.LogLevel, cli.LogFormat))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := kctx.Run(&runContext{ctx: ctx, globals: &cli.Globals}); err != nil {
		slog.Error("command failed", slog.String("cmd", kctx.Command()), slog.String("err", err.Error()))
		stop()
		os.Exit(1)
	}
}
