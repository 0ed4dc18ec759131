package transfer

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/opd-ai/codedrop/limits"
	"github.com/opd-ai/codedrop/transport"
	"github.com/sirupsen/logrus"
)

// PacketSink accepts outgoing packets in order. transport.Session
// satisfies it.
type PacketSink interface {
	Send(ctx context.Context, packet *transport.Packet) error
}

// SendState is the per-unit state of the sender.
type SendState uint8

const (
	// SendPending means the unit has not been announced yet.
	SendPending SendState = iota
	// SendAnnouncing means unit-start is being emitted.
	SendAnnouncing
	// SendStreaming means chunks are being emitted.
	SendStreaming
	// SendFinishing means unit-end is being emitted.
	SendFinishing
	// SendDone means every unit and set-complete were sent.
	SendDone
)

// String returns a readable state name.
func (s SendState) String() string {
	switch s {
	case SendPending:
		return "pending"
	case SendAnnouncing:
		return "announcing"
	case SendStreaming:
		return "streaming"
	case SendFinishing:
		return "finishing"
	case SendDone:
		return "done"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Progress reports bytes moved for one unit. It is observational only.
type Progress struct {
	Index   uint32
	Name    string
	Bytes   uint64
	Size    uint64
	Percent int
}

// SenderOptions configures a Sender.
type SenderOptions struct {
	// ChunkSize is the maximum chunk length; zero selects limits.DefaultChunkSize.
	ChunkSize int
	// ChunkInterval is an optional pause after each chunk.
	ChunkInterval time.Duration
	// OnProgress is called after each chunk.
	OnProgress func(Progress)
}

// Sender drives the send side of the protocol for one session.
type Sender struct {
	sink       PacketSink
	chunkSize  int
	interval   time.Duration
	onProgress func(Progress)

	mu      sync.Mutex
	state   SendState
	current uint32
}

// NewSender creates a sender writing to sink.
func NewSender(sink PacketSink, opts SenderOptions) (*Sender, error) {
	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = limits.DefaultChunkSize
	}
	if err := limits.ValidateChunkSize(chunkSize); err != nil {
		return nil, err
	}

	return &Sender{
		sink:       sink,
		chunkSize:  chunkSize,
		interval:   opts.ChunkInterval,
		onProgress: opts.OnProgress,
	}, nil
}

// State returns the state of the unit currently being sent and its index.
func (s *Sender) State() (SendState, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.current
}

func (s *Sender) setState(state SendState, index uint32) {
	s.mu.Lock()
	s.state = state
	s.current = index
	s.mu.Unlock()
}

// Run sends every source in order followed by set-complete. Units are
// sent strictly one after another. Cancelling ctx aborts the unit in
// progress without sending its unit-end.
func (s *Sender) Run(ctx context.Context, sources []Source) error {
	if uint64(len(sources)) > math.MaxUint32 {
		return fmt.Errorf("too many files: %d", len(sources))
	}
	for _, src := range sources {
		if err := limits.ValidateFileName(src.Name); err != nil {
			return fmt.Errorf("%s: %w", src.Name, err)
		}
		if err := limits.ValidateMime(src.MimeType); err != nil {
			return fmt.Errorf("%s: %w", src.Name, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Sender.Run",
		"file_count": len(sources),
		"chunk_size": s.chunkSize,
	}).Info("Starting transfer")

	total := uint32(len(sources))
	for i, src := range sources {
		unit := Unit{
			Name:     src.Name,
			Size:     uint64(len(src.Data)),
			MimeType: src.MimeType,
			Index:    uint32(i),
			Total:    total,
		}
		if err := s.sendUnit(ctx, unit, src.Data); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Sender.Run",
				"index":     unit.Index,
				"file_name": unit.Name,
				"error":     err.Error(),
			}).Error("Transfer aborted")
			return err
		}
	}

	if err := s.sink.Send(ctx, EncodeSetComplete()); err != nil {
		return fmt.Errorf("send set-complete: %w", err)
	}
	s.setState(SendDone, total)

	logrus.WithFields(logrus.Fields{
		"function":   "Sender.Run",
		"file_count": len(sources),
	}).Info("Transfer set complete")

	return nil
}

// sendUnit runs one unit through announcing, streaming and finishing.
func (s *Sender) sendUnit(ctx context.Context, unit Unit, data []byte) error {
	s.setState(SendAnnouncing, unit.Index)
	start, err := EncodeUnitStart(unit)
	if err != nil {
		return err
	}
	if err := s.sink.Send(ctx, start); err != nil {
		return fmt.Errorf("send unit-start %d: %w", unit.Index, err)
	}

	s.setState(SendStreaming, unit.Index)
	var sent uint64
	for offset := 0; offset < len(data); offset += s.chunkSize {
		end := min(offset+s.chunkSize, len(data))
		packet, err := EncodeUnitChunk(unit.Index, data[offset:end])
		if err != nil {
			return err
		}
		if err := s.sink.Send(ctx, packet); err != nil {
			return fmt.Errorf("send unit-chunk %d: %w", unit.Index, err)
		}

		sent += uint64(end - offset)
		if s.onProgress != nil {
			s.onProgress(Progress{
				Index:   unit.Index,
				Name:    unit.Name,
				Bytes:   sent,
				Size:    unit.Size,
				Percent: percent(sent, unit.Size),
			})
		}

		if err := s.yield(ctx); err != nil {
			return err
		}
	}

	s.setState(SendFinishing, unit.Index)
	if err := s.sink.Send(ctx, EncodeUnitEnd(unit.Index)); err != nil {
		return fmt.Errorf("send unit-end %d: %w", unit.Index, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "sendUnit",
		"index":     unit.Index,
		"file_name": unit.Name,
		"file_size": unit.Size,
	}).Debug("Unit sent")

	return nil
}

// yield hands control back to the scheduler between chunks.
func (s *Sender) yield(ctx context.Context) error {
	runtime.Gosched()
	if s.interval <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// percent returns min(100, round(done/size*100)); an empty unit is 100.
func percent(done, size uint64) int {
	if size == 0 {
		return 100
	}
	p := int(math.Round(float64(done) / float64(size) * 100))
	return min(100, p)
}
