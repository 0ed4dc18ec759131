package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opd-ai/codedrop"
	"github.com/opd-ai/codedrop/factory"
	"github.com/opd-ai/codedrop/share"
	"github.com/opd-ai/codedrop/transfer"
	"github.com/sirupsen/logrus"
)

// errIncomplete reports a receive that ended before the sender finished.
var errIncomplete = errors.New("transfer incomplete")

// receiveOptions configures the receive command.
type receiveOptions struct {
	outDir  string
	qrImage string
	input   string
}

func parseReceiveFlags(args []string, stderr io.Writer) (*receiveOptions, error) {
	opts := &receiveOptions{}
	fs := flag.NewFlagSet("receive", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&opts.outDir, "out", ".", "Directory to save received files in")
	fs.StringVar(&opts.qrImage, "qr", "", "Read the code or link from a PNG QR code")

	if err := fs.Parse(args); err != nil {
		return nil, errUsage
	}

	switch {
	case opts.qrImage != "" && fs.NArg() == 0:
	case opts.qrImage == "" && fs.NArg() == 1:
		opts.input = fs.Arg(0)
	default:
		fmt.Fprintln(stderr, "receive: expected exactly one CODE or LINK, or -qr IMAGE")
		return nil, errUsage
	}
	return opts, nil
}

// readQRInput decodes the code or link stored in a QR code image.
func readQRInput(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return share.DecodeQR(f)
}

// runReceive fetches the files behind a code or link and saves them.
func runReceive(ctx context.Context, cfg *factory.Config, args []string, stdout, stderr io.Writer) error {
	opts, err := parseReceiveFlags(args, stderr)
	if err != nil {
		return err
	}

	if opts.qrImage != "" {
		if opts.input, err = readQRInput(opts.qrImage); err != nil {
			return fmt.Errorf("read QR code: %w", err)
		}
	}

	outDir, err := filepath.Abs(opts.outDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	client, err := codedrop.New(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	client.OnProgress(func(sessionID string, p transfer.Progress) {
		logrus.WithFields(logrus.Fields{
			"function": "runReceive",
			"session":  sessionID,
			"file":     p.Name,
			"percent":  p.Percent,
		}).Debug("Receive progress")
	})

	receiving, err := client.ReceiveLink(ctx, opts.input)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Connected to %s\n", receiving.PeerAddress())

	waitErr := awaitReceive(ctx, receiving)

	if err := saveResult(receiving, outDir, stdout); err != nil {
		return err
	}
	return receiveOutcome(waitErr)
}

// awaitReceive waits for the session to settle. When ctx is cancelled the
// session's own error is returned, so files sealed before the interrupt are
// kept and the transfer is reported as incomplete.
func awaitReceive(ctx context.Context, s *codedrop.TransferSession) error {
	err := s.Wait(ctx)
	if errors.Is(err, context.Canceled) {
		<-s.Done()
		err = s.Err()
	}
	return err
}

// receiveOutcome maps a receive error to the command error.
func receiveOutcome(err error) error {
	switch {
	case err == nil:
		return nil
	case transfer.Incomplete(err):
		return fmt.Errorf("%w: %w", errIncomplete, err)
	default:
		return err
	}
}

// saveResult writes every sealed file and reports anomalies.
func saveResult(s *codedrop.TransferSession, outDir string, stdout io.Writer) error {
	result := s.Result()
	for _, f := range result.Files {
		path, err := f.WriteTo(outDir)
		if err != nil {
			return err
		}
		note := ""
		if f.SizeMismatch {
			note = "  (size mismatch)"
		}
		fmt.Fprintf(stdout, "  %s  %d bytes  %s%s\n", path, len(f.Data), f.Checksum(), note)
	}
	for _, a := range result.Anomalies {
		if a.Err != nil {
			fmt.Fprintf(stdout, "  warning: %s on unit %d: %v\n", a.Kind, a.Index, a.Err)
			continue
		}
		fmt.Fprintf(stdout, "  warning: %s on unit %d\n", a.Kind, a.Index)
	}
	fmt.Fprintf(stdout, "Received %d file(s)\n", len(result.Files))
	return nil
}
