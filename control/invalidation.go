package control

import (
	"encoding/binary"

	"github.com/GaryOderNichts/moonlight-common-c/protocol"
)

// invalidationWorker drains the frame-range queue and coalesces every
// pending tuple into a single [start, max(ends)] invalidate-reference-frames
// message: it takes the first tuple (blocking) to seed start/end, then repeatedly pops
// and folds in every remaining tuple's end before sending once. This keeps
// a storm of frame-loss notifications from turning into a storm of
// messages — the host only ever needs the widest range.
func (s *Stream) invalidationWorker() {
	defer s.wg.Done()

	for {
		first, ok := s.invalidateQueue.Take(s.ctx)
		if !ok {
			return
		}
		tuple := first.(frameRangeTuple)
		start, end := tuple.start, tuple.end

		for {
			next, ok := s.invalidateQueue.Pop()
			if !ok {
				break
			}
			nt := next.(frameRangeTuple)
			if nt.end > end {
				end = nt.end
			}
		}

		if err := s.sendInvalidateReferenceFrames(start, end); err != nil {
			s.log.Warn().Err(err).Msg("failed to send invalidate reference frames, falling back to IDR request")
			if idrErr := s.RequestIDRFrame(); idrErr != nil {
				s.log.Error().Err(idrErr).Msg("IDR fallback request also failed")
			}
		}
	}
}

// sendInvalidateReferenceFrames sends the {start, end, 0} tuple as three
// native (little-endian) int64 values, matching the host's raw in-memory
// struct layout rather than a network-order encoding.
func (s *Stream) sendInvalidateReferenceFrames(start, end uint32) error {
	payload := make([]byte, 24)
	binary.LittleEndian.PutUint64(payload[0:8], uint64(start))
	binary.LittleEndian.PutUint64(payload[8:16], uint64(end))
	// Trailing 8 bytes are always zero.

	return s.sendMessageDiscardReply(protocol.OpInvalidateRefFrames, payload, protocol.CtrlChannelUrgent, true)
}
