// Package control implements the control stream: the reliable sideband
// channel used for session start, IDR frame requests, reference-frame
// invalidation, loss/ping statistics, rumble delivery, and termination.
package control

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/GaryOderNichts/moonlight-common-c/bytebuf"
	"github.com/GaryOderNichts/moonlight-common-c/crypto"
	"github.com/GaryOderNichts/moonlight-common-c/health"
	"github.com/GaryOderNichts/moonlight-common-c/protocol"
	"github.com/GaryOderNichts/moonlight-common-c/queue"
	"github.com/GaryOderNichts/moonlight-common-c/transport"
	"github.com/GaryOderNichts/moonlight-common-c/types"
)

const legacyControlPort = 47995

// invalidateTupleQueueCapacity matches the host-side bound on how many
// pending reference-frame-loss ranges the invalidation worker may queue
// before the caller must fall back to a full IDR request.
const invalidateTupleQueueCapacity = 20

// frameRangeTuple is a pending [start,end] reference-frame-loss range
// awaiting coalescing by the invalidation worker.
type frameRangeTuple struct {
	start, end uint32
}

// Stream manages the control stream connection: handshake, the
// loss-stats/ping loop, the invalidation worker, and inbound message
// dispatch (rumble, termination).
type Stream struct {
	mu sync.Mutex

	config     types.StreamConfiguration
	callbacks  types.ConnectionCallbacks
	appVersion [4]int
	isSunshine bool
	log        zerolog.Logger

	channel transport.Channel

	encrypted   bool
	packetTypes protocol.Table
	payloadLens protocol.PayloadLengths
	cryptoCtx   *crypto.Context
	sendSeq     uint32

	// inputCBC and inputGCMIV back the secondary input-packet encryption
	// applied when input is multiplexed onto this channel (Gen5+) but the
	// channel itself isn't GCM-sealed (Gen5, Gen6, Gen7 below 7.1.431).
	// inputCBC chains persistently across every packet, matching a
	// long-lived OpenSSL CBC context; inputGCMIV is rotated per packet from
	// the tail of the previous ciphertext. Both are lazily created on the
	// first input packet and guarded by mu.
	inputCBC   *crypto.CBCStream
	inputGCMIV []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lossCountSinceLastReport uint32

	health *health.Estimator

	invalidateQueue *queue.Bounded
	idrFallback     bool
}

// NewStream creates a control stream handler for the negotiated app version.
// cryptoCtx may be nil on Gen3/Gen4 hosts, whose input travels on its own
// socket; on Gen5+ hosts SendInputPacket needs it to encrypt input, and at
// 7.1.431+ the GCM control envelope needs it for every message.
func NewStream(config types.StreamConfiguration, callbacks types.ConnectionCallbacks, appVersion [4]int, isSunshine bool, cryptoCtx *crypto.Context, log zerolog.Logger) *Stream {
	encrypted := appVersionAtLeast(appVersion, 7, 1, 431)

	s := &Stream{
		config:          config,
		callbacks:       callbacks,
		appVersion:      appVersion,
		isSunshine:      isSunshine,
		log:             log.With().Str("component", "control").Logger(),
		encrypted:       encrypted,
		packetTypes:     protocol.PacketTypesForGeneration(appVersion[0], encrypted),
		payloadLens:     protocol.PayloadLengthsForGeneration(appVersion[0]),
		cryptoCtx:       cryptoCtx,
		invalidateQueue: queue.NewBounded(invalidateTupleQueueCapacity),
	}
	s.health = health.NewEstimator(func(status health.Status) {
		s.callbacks.ConnectionStatusUpdate(toConnectionStatus(status))
	})

	return s
}

func toConnectionStatus(s health.Status) types.ConnectionStatus {
	if s == health.StatusPoor {
		return types.ConnStatusPoor
	}
	return types.ConnStatusOkay
}

// Start connects to the control port, performs the StartA/StartB handshake,
// and launches the receive loop, invalidation worker, and loss-stats/ping
// loop.
func (s *Stream) Start(ctx context.Context, host string, controlPort int) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	var channel transport.Channel
	var err error
	if s.appVersion[0] >= 5 {
		channel, err = transport.DialENet(host, uint16(controlPort), protocol.CtrlChannelCount, protocol.ControlStreamTimeoutSec*time.Second, s.log)
	} else {
		addr := net.JoinHostPort(host, strconv.Itoa(legacyControlPort))
		channel, err = transport.DialTCP(ctx, addr, protocol.ControlStreamTimeoutSec*time.Second, s.log)
	}
	if err != nil {
		return fmt.Errorf("control: connect: %w", err)
	}
	s.channel = channel

	if err := s.sendStartA(); err != nil {
		channel.Close()
		return fmt.Errorf("control: start A: %w", err)
	}
	if err := s.sendStartB(); err != nil {
		channel.Close()
		return fmt.Errorf("control: start B: %w", err)
	}

	s.wg.Add(3)
	go s.receiveLoop()
	go s.lossStatsLoop()
	go s.invalidationWorker()

	return nil
}

// Stop tears down every goroutine and closes the transport.
func (s *Stream) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.invalidateQueue.Close()
	if s.channel != nil {
		s.channel.Close()
	}
	s.wg.Wait()
}

// RequestIDRFrame asks the host for a fresh key frame. On Gen3/Gen4 hosts
// this is the dedicated REQUEST_IDR_FRAME message (the OpRequestIDRFrame
// alias of the OpStartA slot) with its fixed zero payload; Gen5+ hosts get
// an invalidate-reference-frames message carrying the
// {max(0,last-0x20), last, 0} payload instead.
func (s *Stream) RequestIDRFrame() error {
	lastSeen := s.health.LastSeenFrame()

	if s.appVersion[0] >= 5 {
		low := int64(lastSeen) - 0x20
		if low < 0 {
			low = 0
		}
		return s.sendInvalidateReferenceFrames(uint32(low), lastSeen)
	}

	if s.appVersion[0] < 4 {
		return s.sendMessageDiscardReply(protocol.OpRequestIDRFrame, protocol.RequestIDRFrameGen3Payload, protocol.CtrlChannelUrgent, true)
	}
	return s.sendMessageDiscardReply(protocol.OpRequestIDRFrame, protocol.RequestIDRFrameGen4Payload, protocol.CtrlChannelUrgent, true)
}

// QueueInvalidateReferenceFrames enqueues a [start,end] frame-loss range for
// the invalidation worker to coalesce and send. If the queue is at capacity
// the caller should treat this the same as a dropped IDR request and retry
// RequestIDRFrame instead; the stream also records this in the sticky
// idrFallback flag, which IDRFallbackRequired reads and clears.
func (s *Stream) QueueInvalidateReferenceFrames(start, end uint32) error {
	if err := s.invalidateQueue.Offer(frameRangeTuple{start: start, end: end}); err != nil {
		s.mu.Lock()
		s.idrFallback = true
		s.mu.Unlock()
		return err
	}
	return nil
}

// SendInputPacket sends an input packet over the control channel; only
// Gen5+ hosts multiplex input this way (pre-Gen5 input uses its own TCP
// socket, handled entirely within the input package). On hosts whose
// control channel isn't itself GCM-sealed (Gen5, Gen6, and Gen7 below
// 7.1.431) the input packet gets its own secondary encryption first, per
// encryptInputPacket; Gen7 at 7.1.431+ relies on the control channel's own
// envelope in buildFrame and sends the packet as-is.
func (s *Stream) SendInputPacket(channelID uint8, flags uint32, data []byte) error {
	if s.appVersion[0] < 5 {
		return errors.New("control: input-on-control-stream requires Gen5+")
	}

	payload := data
	if !s.encrypted {
		if s.cryptoCtx == nil {
			return errors.New("control: input encryption required but no crypto context configured")
		}
		encoded, err := s.encryptInputPacket(data)
		if err != nil {
			return fmt.Errorf("control: input encrypt: %w", err)
		}
		payload = encoded
	}

	return s.sendMessageReliable(protocol.OpInputData, payload, channelID, flags&protocol.ENetPacketFlagReliable != 0)
}

// encryptInputPacket separately encrypts an input payload destined for the
// control channel on hosts that multiplex input onto it (Gen5+) without
// GCM-sealing the whole channel. Gen7 (below 7.1.431) uses per-packet
// AES-GCM with a rotating IV; Gen5/Gen6 use a single persistent AES-CBC
// stream. Either way the result is prefixed with a 4-byte big-endian
// length, matching the legacy TCP input socket's framing (see
// input.NewTCPSender), per original_source/src/InputStream.c.
func (s *Stream) encryptInputPacket(data []byte) ([]byte, error) {
	if s.appVersion[0] >= 7 {
		return s.encryptInputGCM(data)
	}
	return s.encryptInputCBC(data)
}

func (s *Stream) encryptInputCBC(data []byte) ([]byte, error) {
	s.mu.Lock()
	cbc := s.inputCBC
	if cbc == nil {
		var err error
		cbc, err = crypto.NewCBCStream(s.cryptoCtx, s.config.RemoteInputAesIV)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.inputCBC = cbc
	}
	s.mu.Unlock()

	return prependInputLength(cbc.Encrypt(data)), nil
}

// encryptInputGCM mirrors the reference client's odd but required behavior
// of reusing the tail of each ciphertext as the next packet's IV: GCM
// encryption resets its cipher context every call (unlike the CBC path's
// long-lived context), so the IV has to be carried forward by hand.
func (s *Stream) encryptInputGCM(data []byte) ([]byte, error) {
	s.mu.Lock()
	if s.inputGCMIV == nil {
		s.inputGCMIV = append([]byte(nil), s.config.RemoteInputAesIV...)
	}
	iv := append([]byte(nil), s.inputGCMIV...)
	s.mu.Unlock()

	ciphertext, tag, err := s.cryptoCtx.EncryptGCM(data, iv, nil)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(tag)+len(ciphertext))
	sealed = append(sealed, tag...)
	sealed = append(sealed, ciphertext...)

	if len(sealed) >= 2*crypto.GCMNonceSize {
		s.mu.Lock()
		s.inputGCMIV = append([]byte(nil), sealed[len(sealed)-crypto.GCMNonceSize:]...)
		s.mu.Unlock()
	}

	return prependInputLength(sealed), nil
}

// prependInputLength adds the 4-byte big-endian length prefix every
// separately-encrypted input payload carries, on the legacy TCP socket and
// here on the control channel alike.
func prependInputLength(ciphertext []byte) []byte {
	w := bytebuf.NewWriter(4 + len(ciphertext))
	w.PutUint32BE(uint32(len(ciphertext)))
	w.PutBytes(ciphertext)
	return w.Bytes()
}

// RecordPacketLoss adds n to the running loss count folded into the next
// legacy loss-stats report. The video transport (out of scope here) is the
// natural caller, detecting gaps in received RTP sequence numbers.
func (s *Stream) RecordPacketLoss(n uint32) {
	s.mu.Lock()
	s.lossCountSinceLastReport += n
	s.mu.Unlock()
}

// UpdateFrameStats feeds a frame-sequence observation into the frame-health
// estimator, which rolls up loss rate over its own sampling window and
// reports connection-status transitions independently of this call.
func (s *Stream) UpdateFrameStats(frameIndex uint32, isGood bool) {
	s.health.FrameSeen(frameIndex)
	if isGood {
		s.health.FrameReceived(frameIndex)
	}
}

// IDRFallbackRequired reports and clears the sticky flag set when the
// invalidation queue was full and a frame-loss range had to be dropped; the
// caller should issue a full RequestIDRFrame instead.
func (s *Stream) IDRFallbackRequired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	required := s.idrFallback
	s.idrFallback = false
	return required
}

// GetRTTInfo returns the ENet peer's measured round-trip time, when the
// negotiated transport is ENet.
func (s *Stream) GetRTTInfo() (types.RTTInfo, bool) {
	if s.channel == nil {
		return types.RTTInfo{}, false
	}
	rtt, ok := s.channel.RTT()
	if !ok {
		return types.RTTInfo{}, false
	}
	return types.RTTInfo{EstimatedRTT: uint32(rtt.Milliseconds())}, true
}

// --- handshake ---

func (s *Stream) sendStartA() error {
	switch {
	case s.appVersion[0] < 4:
		return s.sendMessageDiscardReply(protocol.OpStartA, protocol.RequestIDRFrameGen3Payload, protocol.CtrlChannelGeneric, true)
	case s.appVersion[0] < 5:
		return s.sendMessageDiscardReply(protocol.OpStartA, protocol.RequestIDRFrameGen4Payload, protocol.CtrlChannelGeneric, true)
	default:
		return s.sendMessageDiscardReply(protocol.OpStartA, protocol.StartAGen5Payload, protocol.CtrlChannelGeneric, true)
	}
}

func (s *Stream) sendStartB() error {
	switch {
	case s.appVersion[0] < 4:
		return s.sendMessageDiscardReply(protocol.OpStartB, protocol.StartBGen3Payload, protocol.CtrlChannelGeneric, true)
	case s.appVersion[0] < 5:
		return s.sendMessageDiscardReply(protocol.OpStartB, protocol.StartBGen4Payload, protocol.CtrlChannelGeneric, true)
	default:
		return s.sendMessageDiscardReply(protocol.OpStartB, protocol.StartBGen5Payload, protocol.CtrlChannelGeneric, true)
	}
}

// --- sending ---

func (s *Stream) sendMessageReliable(op protocol.Op, payload []byte, channelID uint8, reliable bool) error {
	ptype := s.packetTypes[op]
	if ptype == protocol.Undefined {
		return fmt.Errorf("control: op %d undefined for negotiated generation", op)
	}
	if want := s.payloadLens[op]; want != protocol.Undefined && len(payload) != int(want) {
		return fmt.Errorf("control: op %d payload is %d bytes, negotiated generation expects %d", op, len(payload), want)
	}

	frame, err := s.buildFrame(uint16(ptype), payload)
	if err != nil {
		return err
	}
	return s.channel.Send(channelID, frame, reliable)
}

// sendMessageDiscardReply is used for handshake and control messages that
// acknowledge with a reply the client does not need to inspect. It only
// sends: no reply is read here, on TCP or ENet. A reply that arrives is
// read later by receiveLoop like any other frame, and handlePacket ignores
// it unless its type is rumble or termination.
func (s *Stream) sendMessageDiscardReply(op protocol.Op, payload []byte, channelID uint8, reliable bool) error {
	return s.sendMessageReliable(op, payload, channelID, reliable)
}

func (s *Stream) buildFrame(ptype uint16, payload []byte) ([]byte, error) {
	if !s.encrypted {
		if s.appVersion[0] >= 5 {
			frame := make([]byte, 2+len(payload))
			binary.LittleEndian.PutUint16(frame[0:2], ptype)
			copy(frame[2:], payload)
			return frame, nil
		}
		frame := make([]byte, 4+len(payload))
		binary.LittleEndian.PutUint16(frame[0:2], ptype)
		binary.LittleEndian.PutUint16(frame[2:4], uint16(len(payload)))
		copy(frame[4:], payload)
		return frame, nil
	}

	return s.buildEncryptedFrame(ptype, payload)
}

// buildEncryptedFrame wraps the inner V2 header in a GCM-sealed outer
// envelope. The host derives its AES-GCM IV as a 16-byte buffer whose only
// non-zero byte is the low byte of the sequence number; 'C'/'H' originator
// tagging from earlier protocol drafts does not apply here.
func (s *Stream) buildEncryptedFrame(ptype uint16, payload []byte) ([]byte, error) {
	inner := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint16(inner[0:2], ptype)
	binary.LittleEndian.PutUint16(inner[2:4], uint16(len(payload)))
	copy(inner[4:], payload)

	s.mu.Lock()
	seq := s.sendSeq
	s.sendSeq++
	s.mu.Unlock()

	iv := make([]byte, crypto.GCMNonceSize)
	iv[0] = byte(seq)

	ciphertext, tag, err := s.cryptoCtx.EncryptGCM(inner, iv, nil)
	if err != nil {
		return nil, fmt.Errorf("control: encrypt: %w", err)
	}

	outerLen := 4 + len(tag) + len(ciphertext)
	frame := make([]byte, 4+outerLen)
	binary.LittleEndian.PutUint16(frame[0:2], 0x0001)
	binary.LittleEndian.PutUint16(frame[2:4], uint16(outerLen))
	binary.LittleEndian.PutUint32(frame[4:8], seq)
	copy(frame[8:8+len(tag)], tag)
	copy(frame[8+len(tag):], ciphertext)

	return frame, nil
}

// --- receiving ---

func (s *Stream) receiveLoop() {
	defer s.wg.Done()

	for {
		frame, err := s.channel.Recv(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.Warn().Err(err).Msg("control receive failed, treating as termination")
			s.callbacks.ConnectionTerminated(types.ErrUnexpectedTermination)
			return
		}

		ptype, payload, ok := s.parseFrame(frame)
		if !ok {
			continue
		}
		s.handlePacket(ptype, payload)
		if int16(ptype) == s.packetTypes[protocol.OpTermination] {
			return
		}
	}
}

// parseFrame and parseEncryptedFrame read with bytebuf.Reader rather than
// indexing frame[] by hand: every field read is bounds-checked against what's
// left, so a runt or truncated frame fails a Reader call instead of risking
// a slice-bounds panic on attacker-controlled lengths.
func (s *Stream) parseFrame(frame []byte) (ptype uint16, payload []byte, ok bool) {
	r := bytebuf.NewReader(frame)
	headerType, err := r.Uint16LE()
	if err != nil {
		return 0, nil, false
	}
	if s.encrypted && headerType == 0x0001 {
		return s.parseEncryptedFrame(frame)
	}
	if s.encrypted {
		return 0, nil, false
	}
	if s.appVersion[0] >= 5 {
		// Unencrypted ENet frames carry the V1 header: type only, no length.
		return headerType, r.Rest(), true
	}

	length, err := r.Uint16LE()
	if err != nil {
		return 0, nil, false
	}
	payload, err = r.Bytes(int(length))
	if err != nil {
		return 0, nil, false
	}
	return headerType, payload, true
}

func (s *Stream) parseEncryptedFrame(frame []byte) (uint16, []byte, bool) {
	r := bytebuf.NewReader(frame)
	if err := r.Skip(2); err != nil {
		return 0, nil, false
	}
	length, err := r.Uint16LE()
	if err != nil {
		return 0, nil, false
	}
	seq, err := r.Uint32LE()
	if err != nil {
		return 0, nil, false
	}
	if len(frame) < 4+int(length) {
		return 0, nil, false
	}

	tag, err := r.Bytes(crypto.GCMNonceSize)
	if err != nil {
		return 0, nil, false
	}
	ciphertextLen := 4 + int(length) - (8 + crypto.GCMNonceSize)
	if ciphertextLen < 0 {
		return 0, nil, false
	}
	ciphertext, err := r.Bytes(ciphertextLen)
	if err != nil {
		return 0, nil, false
	}

	iv := make([]byte, crypto.GCMNonceSize)
	iv[0] = byte(seq)

	inner, err := s.cryptoCtx.DecryptGCM(ciphertext, iv, tag, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("control message failed authentication, dropping")
		return 0, nil, false
	}

	innerR := bytebuf.NewReader(inner)
	ptype, err := innerR.Uint16LE()
	if err != nil {
		return 0, nil, false
	}
	payloadLen, err := innerR.Uint16LE()
	if err != nil {
		return 0, nil, false
	}
	payload, err := innerR.Bytes(int(payloadLen))
	if err != nil {
		return 0, nil, false
	}
	return ptype, payload, true
}

func (s *Stream) handlePacket(ptype uint16, payload []byte) {
	switch int16(ptype) {
	case s.packetTypes[protocol.OpRumbleData]:
		s.handleRumble(payload)
	case s.packetTypes[protocol.OpTermination]:
		s.handleTermination(payload)
	}
}

func (s *Stream) handleRumble(payload []byte) {
	if len(payload) < 10 {
		return
	}
	controllerNum := binary.LittleEndian.Uint16(payload[4:6])
	lowFreq := binary.LittleEndian.Uint16(payload[6:8])
	highFreq := binary.LittleEndian.Uint16(payload[8:10])
	s.callbacks.Rumble(controllerNum, lowFreq, highFreq)
}

// handleTermination remaps the host's raw termination code the way the
// reference client does: a nominally "graceful" code is only actually
// graceful if at least one frame was ever seen, otherwise the stream ended
// before streaming really started and is reported as an unexpected
// termination instead.
func (s *Stream) handleTermination(payload []byte) {
	sawFrame := s.health.LastSeenFrame() != 0

	var errorCode int

	switch {
	case len(payload) >= 6:
		code := binary.BigEndian.Uint32(payload[0:4])
		switch code {
		case protocol.TerminationErrorGraceful:
			if sawFrame {
				errorCode = types.ErrGracefulTermination
			} else {
				errorCode = types.ErrUnexpectedTermination
			}
		case protocol.TerminationErrorProtectedContent:
			errorCode = types.ErrProtectedContent
		default:
			errorCode = int(code)
		}
	case len(payload) >= 2:
		reason := binary.LittleEndian.Uint16(payload[0:2])
		if reason == protocol.TerminationReasonGracefulShort {
			if sawFrame {
				errorCode = types.ErrGracefulTermination
			} else {
				errorCode = types.ErrUnexpectedTermination
			}
		} else {
			errorCode = int(reason)
		}
	default:
		errorCode = types.ErrUnexpectedTermination
	}

	s.log.Info().Int("errorCode", errorCode).Msg("control stream terminated by host")
	s.callbacks.ConnectionTerminated(errorCode)
}

func appVersionAtLeast(v [4]int, major, minor, build int) bool {
	if v[0] != major {
		return v[0] > major
	}
	if v[1] != minor {
		return v[1] > minor
	}
	return v[2] >= build
}
