package control

import (
	"encoding/binary"
	"time"

	"github.com/GaryOderNichts/moonlight-common-c/protocol"
	"github.com/GaryOderNichts/moonlight-common-c/types"
)

// fixedPingPacketType is the hardcoded (not table-driven) type used by the
// periodic keep-alive ping on hosts new enough to use it.
const fixedPingPacketType = 0x0200

// usePeriodicPing reports whether the negotiated host is new enough
// (>=7.1.415) to use the lightweight periodic-ping keep-alive instead of
// the legacy loss-stats message as its connection heartbeat. Both serve the
// same keep-alive purpose; only one runs per connection.
func (s *Stream) usePeriodicPing() bool {
	return appVersionAtLeast(s.appVersion, 7, 1, 415)
}

// lossStatsLoop runs exactly one of two mutually exclusive keep-alive
// strategies for the life of the connection — periodic ping on newer hosts,
// legacy loss-stats reporting on older ones. Connection-quality transitions
// are tracked separately by the frame-health estimator, driven by the video
// transport's UpdateFrameStats calls rather than this loop's timer.
func (s *Stream) lossStatsLoop() {
	defer s.wg.Done()

	var heartbeat *time.Ticker
	if s.usePeriodicPing() {
		heartbeat = time.NewTicker(protocol.PeriodicPingIntervalMs * time.Millisecond)
	} else {
		heartbeat = time.NewTicker(protocol.LossReportIntervalMs * time.Millisecond)
	}
	defer heartbeat.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-heartbeat.C:
			var err error
			if s.usePeriodicPing() {
				err = s.sendPeriodicPing()
			} else {
				err = s.sendLossStatsReport()
			}
			if err != nil {
				s.log.Warn().Err(err).Msg("keep-alive send failed, terminating control stream")
				s.callbacks.ConnectionTerminated(types.ErrUnexpectedTermination)
				return
			}
		}
	}
}

// sendPeriodicPing sends the fixed 8-byte ping payload: a little-endian
// length field of 4 followed by a zero timestamp.
func (s *Stream) sendPeriodicPing() error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint16(payload[0:2], 4)
	binary.LittleEndian.PutUint32(payload[4:8], 0)

	ptype := uint16(fixedPingPacketType)
	frame, err := s.buildFrame(ptype, payload)
	if err != nil {
		return err
	}
	return s.channel.Send(protocol.CtrlChannelGeneric, frame, true)
}

// sendLossStatsReport sends the legacy 32-byte loss-stats payload used as a
// keep-alive by hosts predating the periodic-ping message.
func (s *Stream) sendLossStatsReport() error {
	s.mu.Lock()
	lossCount := s.lossCountSinceLastReport
	s.lossCountSinceLastReport = 0
	s.mu.Unlock()
	lastGood := s.health.LastGoodFrame()

	payload := make([]byte, 32)
	binary.LittleEndian.PutUint32(payload[0:4], lossCount)
	binary.LittleEndian.PutUint32(payload[4:8], protocol.LossReportIntervalMs)
	binary.LittleEndian.PutUint32(payload[8:12], 1000)
	binary.LittleEndian.PutUint64(payload[12:20], uint64(lastGood))
	binary.LittleEndian.PutUint32(payload[20:24], 0)
	binary.LittleEndian.PutUint32(payload[24:28], 0)
	binary.LittleEndian.PutUint32(payload[28:32], 0x14)

	return s.sendMessageDiscardReply(protocol.OpLossStats, payload, protocol.CtrlChannelGeneric, true)
}

