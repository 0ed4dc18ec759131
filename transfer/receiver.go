package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/codedrop/transport"
	"github.com/sirupsen/logrus"
)

// PacketSource yields incoming packets in arrival order. transport.Session
// satisfies it.
type PacketSource interface {
	Receive(ctx context.Context) (*transport.Packet, error)
}

// maxPrealloc caps the buffer reserved from a sender-declared size.
const maxPrealloc = 1 << 20

// AnomalyKind classifies a non-fatal receive-side irregularity.
type AnomalyKind uint8

const (
	// AnomalyProtocolViolation is a malformed message, a chunk or end for a
	// unit that is not open, or a message after set-complete.
	AnomalyProtocolViolation AnomalyKind = iota
	// AnomalySizeMismatch is a sealed unit whose length differs from its
	// declared size.
	AnomalySizeMismatch
	// AnomalyAbandonedUnit is an open unit discarded without unit-end.
	AnomalyAbandonedUnit
	// AnomalyOutOfOrderUnit is a unit-start whose index does not exceed an
	// earlier one.
	AnomalyOutOfOrderUnit
)

// String returns a readable anomaly name.
func (k AnomalyKind) String() string {
	switch k {
	case AnomalyProtocolViolation:
		return "protocol-violation"
	case AnomalySizeMismatch:
		return "size-mismatch"
	case AnomalyAbandonedUnit:
		return "abandoned-unit"
	case AnomalyOutOfOrderUnit:
		return "out-of-order-unit"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Anomaly records one irregularity observed while receiving.
type Anomaly struct {
	Kind  AnomalyKind
	Index uint32
	Err   error
}

// Result is the outcome of a receive.
type Result struct {
	// Files holds sealed units in the order they were sealed.
	Files     []ReceivedFile
	Anomalies []Anomaly
	// Complete is set once set-complete was observed.
	Complete bool
}

// ReceiverOptions configures a Receiver.
type ReceiverOptions struct {
	// OnProgress is called after each accepted chunk.
	OnProgress func(Progress)
	// OnFile is called when a unit is sealed.
	OnFile func(ReceivedFile)
}

// openUnit is the receive buffer of the unit being assembled.
type openUnit struct {
	unit Unit
	buf  bytes.Buffer
}

// Receiver reassembles a transfer set. At most one unit is open at a time.
type Receiver struct {
	opts ReceiverOptions

	mu        sync.Mutex
	open      *openUnit
	highest   int64
	files     []ReceivedFile
	anomalies []Anomaly
	complete  bool
}

// NewReceiver creates a receiver.
func NewReceiver(opts ReceiverOptions) *Receiver {
	return &Receiver{opts: opts, highest: -1}
}

// Run consumes packets from src until set-complete. Malformed packets are
// recorded as protocol violations and skipped. If the session ends first,
// the open unit is discarded and the returned error wraps both
// ErrTransferIncomplete and the cause. Units sealed before that point are
// kept in the result.
func (r *Receiver) Run(ctx context.Context, src PacketSource) (Result, error) {
	for {
		packet, err := src.Receive(ctx)
		if errors.Is(err, transport.ErrMalformedPacket) {
			r.record(Anomaly{Kind: AnomalyProtocolViolation, Err: fmt.Errorf("%w: %w", ErrProtocolViolation, err)})
			continue
		}
		if err != nil {
			r.abandon()
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.Run",
				"error":    err.Error(),
			}).Warn("Session ended before set-complete")
			return r.Result(), fmt.Errorf("%w: %w", ErrTransferIncomplete, err)
		}

		msg, err := Decode(packet)
		if err != nil {
			r.record(Anomaly{Kind: AnomalyProtocolViolation, Err: err})
			continue
		}

		if r.Handle(msg) {
			return r.Result(), nil
		}
	}
}

// Handle applies one message and reports whether the set is complete.
func (r *Receiver) Handle(msg Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.complete {
		r.recordLocked(Anomaly{
			Kind:  AnomalyProtocolViolation,
			Index: msg.Index,
			Err:   fmt.Errorf("%w: %s after set-complete", ErrProtocolViolation, msg.Type),
		})
		return true
	}

	switch msg.Type {
	case transport.PacketUnitStart:
		r.startUnit(msg.Unit)
	case transport.PacketUnitChunk:
		r.appendChunk(msg.Index, msg.Bytes)
	case transport.PacketUnitEnd:
		r.sealUnit(msg.Index)
	case transport.PacketSetComplete:
		r.abandonLocked()
		r.complete = true
		logrus.WithFields(logrus.Fields{
			"function":   "Receiver.Handle",
			"file_count": len(r.files),
		}).Info("Transfer set complete")
	default:
		r.recordLocked(Anomaly{
			Kind: AnomalyProtocolViolation,
			Err:  fmt.Errorf("%w: unexpected %s", ErrProtocolViolation, msg.Type),
		})
	}
	return r.complete
}

func (r *Receiver) startUnit(u Unit) {
	r.abandonLocked()

	if int64(u.Index) <= r.highest {
		r.recordLocked(Anomaly{
			Kind:  AnomalyOutOfOrderUnit,
			Index: u.Index,
			Err:   fmt.Errorf("%w: unit %d after unit %d", ErrProtocolViolation, u.Index, r.highest),
		})
	} else {
		r.highest = int64(u.Index)
	}

	open := &openUnit{unit: u}
	open.buf.Grow(int(min(u.Size, maxPrealloc)))
	r.open = open

	logrus.WithFields(logrus.Fields{
		"function":  "startUnit",
		"index":     u.Index,
		"total":     u.Total,
		"file_name": u.Name,
		"file_size": u.Size,
		"mime_type": u.MimeType,
	}).Debug("Unit opened")
}

func (r *Receiver) appendChunk(index uint32, chunk []byte) {
	if r.open == nil || r.open.unit.Index != index {
		r.recordLocked(Anomaly{
			Kind:  AnomalyProtocolViolation,
			Index: index,
			Err:   fmt.Errorf("%w: chunk for unit %d with no open buffer", ErrProtocolViolation, index),
		})
		return
	}

	r.open.buf.Write(chunk)
	if r.opts.OnProgress != nil {
		received := uint64(r.open.buf.Len())
		r.opts.OnProgress(Progress{
			Index:   index,
			Name:    r.open.unit.Name,
			Bytes:   received,
			Size:    r.open.unit.Size,
			Percent: percent(received, r.open.unit.Size),
		})
	}
}

func (r *Receiver) sealUnit(index uint32) {
	if r.open == nil || r.open.unit.Index != index {
		r.recordLocked(Anomaly{
			Kind:  AnomalyProtocolViolation,
			Index: index,
			Err:   fmt.Errorf("%w: unit-end for unit %d without matching start", ErrProtocolViolation, index),
		})
		return
	}

	data := r.open.buf.Bytes()
	if data == nil {
		data = []byte{}
	}
	file := ReceivedFile{
		Unit:         r.open.unit,
		Data:         data,
		SizeMismatch: uint64(len(data)) != r.open.unit.Size,
	}
	r.open = nil

	if file.SizeMismatch {
		r.recordLocked(Anomaly{
			Kind:  AnomalySizeMismatch,
			Index: index,
			Err:   fmt.Errorf("%w: %s declared %d bytes, received %d", ErrSizeMismatch, file.Name, file.Size, len(file.Data)),
		})
	}

	r.files = append(r.files, file)

	logrus.WithFields(logrus.Fields{
		"function":  "sealUnit",
		"index":     index,
		"file_name": file.Name,
		"file_size": len(file.Data),
	}).Info("Unit received")

	if r.opts.OnFile != nil {
		r.opts.OnFile(file)
	}
}

func (r *Receiver) abandon() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abandonLocked()
}

// abandonLocked discards the open buffer, if any.
func (r *Receiver) abandonLocked() {
	if r.open == nil {
		return
	}
	u := r.open.unit
	r.open = nil
	r.recordLocked(Anomaly{
		Kind:  AnomalyAbandonedUnit,
		Index: u.Index,
		Err:   fmt.Errorf("unit %d (%s) discarded without unit-end", u.Index, u.Name),
	})
}

func (r *Receiver) record(a Anomaly) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordLocked(a)
}

func (r *Receiver) recordLocked(a Anomaly) {
	r.anomalies = append(r.anomalies, a)

	fields := logrus.Fields{
		"function": "Receiver",
		"kind":     a.Kind.String(),
		"index":    a.Index,
	}
	if a.Err != nil {
		fields["error"] = a.Err.Error()
	}
	logrus.WithFields(fields).Warn("Transfer anomaly")
}

// Result returns a snapshot of the received set.
func (r *Receiver) Result() Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	files := make([]ReceivedFile, len(r.files))
	copy(files, r.files)
	anomalies := make([]Anomaly, len(r.anomalies))
	copy(anomalies, r.anomalies)

	return Result{Files: files, Anomalies: anomalies, Complete: r.complete}
}

// HasAnomaly reports whether any recorded anomaly has the given kind.
func (res Result) HasAnomaly(kind AnomalyKind) bool {
	for _, a := range res.Anomalies {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

// Incomplete reports whether err means the session ended early.
func Incomplete(err error) bool {
	return errors.Is(err, ErrTransferIncomplete)
}
