package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/opd-ai/codedrop/directory"
	"github.com/opd-ai/codedrop/factory"
	"github.com/opd-ai/codedrop/interfaces"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	defaultDirectoryListen = ":8787"
	defaultAdvertTTL       = 24 * time.Hour
	defaultPurgeInterval   = time.Minute
	shutdownTimeout        = 5 * time.Second
)

// directoryOptions configures the directory command.
type directoryOptions struct {
	listen        string
	dbPath        string
	ttl           time.Duration
	purgeInterval time.Duration
}

func parseDirectoryFlags(args []string, stderr io.Writer) (*directoryOptions, error) {
	opts := &directoryOptions{}
	fs := flag.NewFlagSet("directory", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&opts.listen, "listen", defaultDirectoryListen, "Address to serve the directory on")
	fs.StringVar(&opts.dbPath, "db", "", "SQLite database path (default: in memory)")
	fs.DurationVar(&opts.ttl, "ttl", defaultAdvertTTL, "Advertisement lifetime (0 disables expiry)")
	fs.DurationVar(&opts.purgeInterval, "purge-interval", defaultPurgeInterval, "How often expired codes are removed")

	if err := fs.Parse(args); err != nil {
		return nil, errUsage
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "directory: unexpected arguments")
		return nil, errUsage
	}
	if opts.ttl < 0 || opts.purgeInterval <= 0 {
		fmt.Fprintln(stderr, "directory: -ttl must not be negative and -purge-interval must be positive")
		return nil, errUsage
	}
	return opts, nil
}

// config returns the backend configuration for the chosen storage.
func (o *directoryOptions) config() interfaces.DirectoryConfig {
	cfg := interfaces.DirectoryConfig{Backend: interfaces.BackendMemory, TTL: o.ttl}
	if o.dbPath != "" {
		cfg.Backend = interfaces.BackendSQLite
		cfg.Path = o.dbPath
	}
	return cfg
}

// purgeExpired removes expired advertisements from backends that keep them.
func purgeExpired(ctx context.Context, dir interfaces.Directory) (int64, error) {
	switch d := dir.(type) {
	case *directory.MemoryDirectory:
		return int64(d.PurgeExpired()), nil
	case *directory.SQLiteDirectory:
		return d.PurgeExpired(ctx)
	default:
		return 0, nil
	}
}

// runDirectory serves the rendezvous directory over HTTP until ctx is done.
func runDirectory(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseDirectoryFlags(args, stderr)
	if err != nil {
		return err
	}

	dir, err := factory.NewDirectory(opts.config())
	if err != nil {
		return err
	}
	defer dir.Close()

	ln, err := net.Listen("tcp", opts.listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	srv := &http.Server{
		Handler:           directory.NewServer(dir).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	fmt.Fprintf(stdout, "Directory listening on %s\n", ln.Addr())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(opts.purgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				n, err := purgeExpired(gctx, dir)
				if err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "runDirectory",
						"error":    err.Error(),
					}).Warn("Failed to purge expired codes")
					continue
				}
				if n > 0 {
					logrus.WithFields(logrus.Fields{
						"function": "runDirectory",
						"purged":   n,
					}).Info("Purged expired codes")
				}
			}
		}
	})

	err = g.Wait()
	fmt.Fprintln(stdout, "Directory stopped")
	return err
}
