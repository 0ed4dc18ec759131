package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/opd-ai/codedrop/factory"
	"github.com/opd-ai/codedrop/interfaces"
	"github.com/sirupsen/logrus"
)

// Exit codes.
const (
	exitOK         = 0
	exitFailure    = 1
	exitUsage      = 2
	exitIncomplete = 3
)

// errUsage marks a command line that could not be parsed.
var errUsage = errors.New("usage error")

// globalOptions are accepted before the command name.
type globalOptions struct {
	configPath   string
	logLevel     string
	logFile      string
	directoryURL string
	transport    string
}

// parseGlobalFlags parses the options shared by every command.
func parseGlobalFlags(args []string, stderr io.Writer) (*globalOptions, []string, error) {
	opts := &globalOptions{}
	fs := flag.NewFlagSet("codedrop", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&opts.configPath, "config", "", "TOML configuration file")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&opts.logFile, "log-file", "", "Log file path (default: stderr)")
	fs.StringVar(&opts.directoryURL, "directory", "", "Base URL of an HTTP rendezvous directory")
	fs.StringVar(&opts.transport, "transport", "", "Session transport (tcp, websocket, memory)")
	fs.Usage = func() { printUsage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		return nil, nil, errUsage
	}
	return opts, fs.Args(), nil
}

// printUsage prints the usage information.
func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "codedrop - send files directly with a short code")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  codedrop [options] send FILE...")
	fmt.Fprintln(w, "  codedrop [options] receive [-out DIR] CODE|LINK")
	fmt.Fprintln(w, "  codedrop [options] directory [-listen ADDR] [-db PATH] [-ttl DURATION]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	fs.PrintDefaults()
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  # Serve a directory and share through it")
	fmt.Fprintln(w, "  codedrop directory -listen :8787 -db codes.db")
	fmt.Fprintln(w, "  codedrop -directory http://host:8787 send report.pdf")
	fmt.Fprintln(w, "  codedrop -directory http://host:8787 receive 482913")
}

// loadConfig merges the configuration file, environment and global flags.
func loadConfig(opts *globalOptions) (*factory.Config, error) {
	cfg, err := factory.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.directoryURL != "" {
		cfg.Directory.Backend = interfaces.BackendHTTP
		cfg.Directory.URL = opts.directoryURL
	}
	if opts.transport != "" {
		cfg.Transport.Kind = opts.transport
	}
	return cfg, cfg.Validate()
}

// setupLogging applies the level and optional log file. The returned
// function closes the file.
func setupLogging(level, logFile string) (func(), error) {
	if err := factory.ConfigureLogging(level); err != nil {
		return nil, err
	}
	if logFile == "" {
		return func() {}, nil
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logrus.SetOutput(f)
	return func() {
		logrus.SetOutput(os.Stderr)
		f.Close()
	}, nil
}

// run executes one command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, rest, err := parseGlobalFlags(args, stderr)
	if err != nil {
		return exitUsage
	}
	if len(rest) == 0 {
		fmt.Fprintln(stderr, "missing command; use -help for usage information")
		return exitUsage
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return exitUsage
	}

	closeLog, err := setupLogging(cfg.LogLevel, opts.logFile)
	if err != nil {
		fmt.Fprintf(stderr, "Logging error: %v\n", err)
		return exitFailure
	}
	defer closeLog()

	command, cmdArgs := rest[0], rest[1:]
	switch command {
	case "send":
		err = runSend(ctx, cfg, cmdArgs, stdout, stderr)
	case "receive":
		err = runReceive(ctx, cfg, cmdArgs, stdout, stderr)
	case "directory":
		err = runDirectory(ctx, cmdArgs, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", command)
		return exitUsage
	}

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		return exitUsage
	case errors.Is(err, errIncomplete):
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitIncomplete
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
}

// main is the entry point for the codedrop command.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
