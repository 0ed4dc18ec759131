package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/opd-ai/codedrop"
	"github.com/opd-ai/codedrop/factory"
	"github.com/opd-ai/codedrop/share"
	"github.com/opd-ai/codedrop/transfer"
	"github.com/sirupsen/logrus"
)

// sendOptions configures the send command.
type sendOptions struct {
	qrPNG  string
	qrSize int
	noQR   bool
	files  []string
}

func parseSendFlags(args []string, stderr io.Writer) (*sendOptions, error) {
	opts := &sendOptions{}
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&opts.qrPNG, "qr", "", "Also write the connect link as a PNG QR code to this path")
	fs.IntVar(&opts.qrSize, "qr-size", share.DefaultQRSize, "Size in pixels of the PNG QR code")
	fs.BoolVar(&opts.noQR, "no-qr", false, "Do not print a terminal QR code")

	if err := fs.Parse(args); err != nil {
		return nil, errUsage
	}
	opts.files = fs.Args()
	if len(opts.files) == 0 {
		fmt.Fprintln(stderr, "send: at least one file is required")
		return nil, errUsage
	}
	return opts, nil
}

// runSend shares the named files and waits until a receiver fetched them.
func runSend(ctx context.Context, cfg *factory.Config, args []string, stdout, stderr io.Writer) error {
	opts, err := parseSendFlags(args, stderr)
	if err != nil {
		return err
	}

	sources := make([]transfer.Source, 0, len(opts.files))
	for _, path := range opts.files {
		src, err := transfer.SourceFromFile(path)
		if err != nil {
			return err
		}
		sources = append(sources, src)
	}

	client, err := codedrop.New(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	client.OnProgress(func(sessionID string, p transfer.Progress) {
		logrus.WithFields(logrus.Fields{
			"function": "runSend",
			"session":  sessionID,
			"file":     p.Name,
			"percent":  p.Percent,
		}).Debug("Send progress")
	})

	sending, err := client.Share(ctx, sources)
	if err != nil {
		return err
	}

	link := sending.URL()
	fmt.Fprintf(stdout, "Code: %s\n", sending.Code())
	fmt.Fprintf(stdout, "Link: %s\n", link)

	if !opts.noQR {
		art, err := share.RenderQR(link)
		if err != nil {
			return err
		}
		fmt.Fprint(stdout, art)
	}
	if opts.qrPNG != "" {
		png, err := share.EncodeQR(link, opts.qrSize)
		if err != nil {
			return err
		}
		if err := os.WriteFile(opts.qrPNG, png, 0o644); err != nil {
			return fmt.Errorf("write QR code: %w", err)
		}
		fmt.Fprintf(stdout, "QR code written to %s\n", opts.qrPNG)
	}

	for _, src := range sources {
		fmt.Fprintf(stdout, "  %s  %d bytes  %s\n", src.Name, len(src.Data), src.Checksum())
	}
	fmt.Fprintln(stdout, "Waiting for receiver...")

	if err := sending.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(stdout, "Cancelled")
			return nil
		}
		return err
	}

	fmt.Fprintf(stdout, "Sent %d file(s)\n", len(sources))
	return nil
}
