package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/sushant-115/gojokernel/config"
	"github.com/sushant-115/gojokernel/core/engine"
	"github.com/sushant-115/gojokernel/pkg/logger"
	"github.com/sushant-115/gojokernel/pkg/telemetry"
	"go.uber.org/zap"
)

// Response is the outcome of one shell command.
type Response struct {
	Status  string // OK, ERROR, NOT_FOUND
	Message string
}

func (r Response) String() string {
	if r.Message == "" {
		return r.Status
	}
	return fmt.Sprintf("%s %s", r.Status, r.Message)
}

type shell struct {
	db    *engine.DB
	store *kvStore
}

// processCommand handles a single command, either from args or interactive mode.
func (s *shell) processCommand(ctx context.Context, args []string) Response {
	if len(args) == 0 {
		return Response{Status: "ERROR", Message: "no command provided"}
	}

	switch strings.ToLower(args[0]) {
	case "put":
		if len(args) < 3 {
			return Response{Status: "ERROR", Message: "put requires a key and a value"}
		}
		if err := s.store.Put(ctx, args[1], strings.Join(args[2:], " ")); err != nil {
			return Response{Status: "ERROR", Message: err.Error()}
		}
		return Response{Status: "OK"}
	case "get":
		if len(args) != 2 {
			return Response{Status: "ERROR", Message: "get requires a key"}
		}
		value, found, err := s.store.Get(ctx, args[1])
		switch {
		case err != nil:
			return Response{Status: "ERROR", Message: err.Error()}
		case !found:
			return Response{Status: "NOT_FOUND"}
		}
		return Response{Status: "OK", Message: value}
	case "delete":
		if len(args) != 2 {
			return Response{Status: "ERROR", Message: "delete requires a key"}
		}
		found, err := s.store.Delete(ctx, args[1])
		switch {
		case err != nil:
			return Response{Status: "ERROR", Message: err.Error()}
		case !found:
			return Response{Status: "NOT_FOUND"}
		}
		return Response{Status: "OK"}
	case "scan":
		lo, hi, limit := "", "", 0
		if len(args) > 1 {
			lo = args[1]
		}
		if len(args) > 2 {
			hi = args[2]
		}
		if len(args) > 3 {
			n, err := strconv.Atoi(args[3])
			if err != nil {
				return Response{Status: "ERROR", Message: "scan limit must be a number"}
			}
			limit = n
		}
		pairs, err := s.store.Scan(ctx, lo, hi, limit)
		if err != nil {
			return Response{Status: "ERROR", Message: err.Error()}
		}
		var b strings.Builder
		for _, p := range pairs {
			fmt.Fprintf(&b, "\n%s=%s", p.Key, p.Value)
		}
		return Response{Status: "OK", Message: fmt.Sprintf("%d pairs%s", len(pairs), b.String())}
	case "checkpoint":
		if err := s.db.Checkpoint(); err != nil {
			return Response{Status: "ERROR", Message: err.Error()}
		}
		return Response{Status: "OK"}
	case "backup":
		if len(args) < 2 {
			return Response{Status: "ERROR", Message: "backup requires a target directory"}
		}
		var rateBytes int64
		if len(args) > 2 {
			n, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return Response{Status: "ERROR", Message: "backup rate must be a number of bytes per second"}
			}
			rateBytes = n
		}
		m, err := s.db.Backup(ctx, args[1], rateBytes)
		if err != nil {
			return Response{Status: "ERROR", Message: err.Error()}
		}
		return Response{Status: "OK", Message: fmt.Sprintf("%d files written to %s", len(m.Files), args[1])}
	case "status":
		return Response{Status: "OK", Message: fmt.Sprintf("instance=%s active_tx=%d free_buffers=%d",
			s.db.ID(), s.db.Transactions().ActiveCount(), s.db.Buffers().Available())}
	case "help":
		return Response{Status: "OK", Message: strings.Join([]string{
			"commands:",
			"  put <key> <value>",
			"  get <key>",
			"  delete <key>",
			"  scan [lo] [hi] [limit]",
			"  checkpoint",
			"  backup <dir> [bytes_per_sec]",
			"  status",
			"  help",
			"  exit / quit",
		}, "\n")}
	default:
		return Response{Status: "ERROR", Message: "unknown command, type 'help' for a list of commands"}
	}
}

func (s *shell) interactive(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojodb> ",
		HistoryFile:     os.ExpandEnv("$HOME/.gojodb_kernel_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Println("GojoDB kernel shell. Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if cmd := strings.ToLower(fields[0]); cmd == "exit" || cmd == "quit" {
			return nil
		}
		fmt.Println(s.processCommand(ctx, fields))
		if ctx.Err() != nil {
			return nil
		}
	}
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	dataDir := flag.String("dir", "", "data directory, overrides the config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log, flag.Args()); err != nil {
		log.Error("Kernel shell failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.Logger, args []string) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if shutdownErr := shutdown(context.Background()); shutdownErr != nil {
			log.Warn("Telemetry shutdown failed", zap.Error(shutdownErr))
		}
	}()

	db, err := engine.Open(cfg, log, tel)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	store, err := openStore(ctx, db)
	if err != nil {
		return err
	}
	s := &shell{db: db, store: store}
	if len(args) > 0 {
		resp := s.processCommand(ctx, args)
		fmt.Println(resp)
		if resp.Status == "ERROR" {
			return errors.New(resp.Message)
		}
		return nil
	}
	return s.interactive(ctx)
}
