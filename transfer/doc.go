// Package transfer implements the codedrop transfer protocol: framing a set
// of files into an ordered message sequence on the sending side and
// reassembling it on the receiving side.
//
// # Overview
//
// The package provides two primary components:
//
//   - Sender: announces, streams and seals each file in turn, then marks the
//     set complete
//   - Receiver: reassembles files from the message sequence and records
//     anomalies without aborting
//
// Both run over the ordered, reliable channel exposed by transport.Session.
// Chunks carry no offsets, so chunk order on the channel is the byte order
// of the reassembled file.
//
// # Wire Messages
//
// Four message types are exchanged, each carried in one transport.Packet:
//
//	unit-start    [index 4][total 4][size 8][name_len 2][name][mime_len 2][mime]
//	unit-chunk    [index 4][bytes]
//	unit-end      [index 4]
//	set-complete  (empty)
//
// All integers are big-endian.
//
// # Sending
//
//	sender, err := transfer.NewSender(session, transfer.SenderOptions{
//	    ChunkSize: 16 * 1024,
//	    OnProgress: func(p transfer.Progress) {
//	        fmt.Printf("%s: %d%%\n", p.Name, p.Percent)
//	    },
//	})
//	err = sender.Run(ctx, sources)
//
// The sender yields to the scheduler after every chunk and can be paced
// further with ChunkInterval.
//
// # Receiving
//
//	receiver := transfer.NewReceiver(transfer.ReceiverOptions{})
//	result, err := receiver.Run(ctx, session)
//	if errors.Is(err, transfer.ErrTransferIncomplete) {
//	    // files sealed before the session ended are in result.Files
//	}
//
// # Anomalies
//
// Protocol violations, size mismatches, abandoned units and out-of-order
// units are logged and recorded in Result.Anomalies. None of them stops the
// receiver. A file whose byte count differs from its declared size is still
// delivered with SizeMismatch set.
package transfer
