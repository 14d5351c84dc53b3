// Package session provides the public entry point for the streaming
// client: Session wires together the control subsystem, input subsystem,
// transport, crypto contexts, and frame-health estimator into the staged
// bringup and teardown sequence the reference client uses, narrowed to the
// control/input scope this module covers (RTSP/video/audio negotiation is
// out of scope and assumed to have already produced Config by the time
// Start is called).
package session

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/GaryOderNichts/moonlight-common-c/control"
	"github.com/GaryOderNichts/moonlight-common-c/crypto"
	"github.com/GaryOderNichts/moonlight-common-c/input"
	"github.com/GaryOderNichts/moonlight-common-c/protocol"
	"github.com/GaryOderNichts/moonlight-common-c/transport"
	"github.com/GaryOderNichts/moonlight-common-c/types"
)

// legacyInputPort is the dedicated encrypted TCP input socket used by
// hosts older than Gen5, which do not multiplex input onto the control
// channel.
const legacyInputPort = 35043

// controlPort is the ENet (Gen5+) control-channel port passed to
// control.Stream.Start; the legacy TCP transport ignores it and dials its
// own fixed control port inside control.Stream.
const controlPort = 47999

// Config is the subset of the negotiated session that Session needs to
// bring the control and input planes up: encryption key material, the
// negotiated host generation, and the server address. Video/audio/display
// negotiation belongs to the excluded RTSP layer and is assumed complete
// by the time a Config reaches Start.
type Config struct {
	// Server identifies the host: its control-plane address (host or
	// host:port; a port given here is dropped, and the negotiated
	// generation's default control port is always used) and the raw RTSP-reported version
	// string, inspected only to detect a Sunshine host (case-insensitive
	// "sunshine" substring) for the small number of protocol quirks that
	// differ from GFE.
	Server types.ServerInformation `json:"server"`

	// AppVersion is the host's negotiated version quad, e.g. {7, 1, 431, 0}.
	AppVersion [4]int `json:"app_version"`

	// RemoteInputAesKey/IV are the pairing-derived key material for the
	// input stream's CBC (pre-Gen7) or GCM (Gen7) encryption, and for the
	// control stream's GCM envelope on Gen7-encrypted hosts.
	RemoteInputAesKey []byte `json:"remote_input_aes_key"`
	RemoteInputAesIV  []byte `json:"remote_input_aes_iv"`

	ReferenceFrameInvalidationEnabled bool `json:"reference_frame_invalidation_enabled"`
}

// DefaultConfig returns a Config with every negotiable field zeroed except
// the fields a caller would otherwise forget are mandatory; callers are
// expected to override Server, AppVersion, and the key material before
// calling Start.
func DefaultConfig() Config {
	return Config{
		AppVersion:                        [4]int{7, 1, 431, 0},
		ReferenceFrameInvalidationEnabled: true,
	}
}

// Session is the public entry point: construct with New, then Start/Stop
// its lifecycle. The input send methods (SendMouseMove, SendController,
// etc.) delegate directly to the underlying input.Stream once started.
type Session struct {
	mu sync.Mutex

	config     Config
	callbacks  types.ConnectionCallbacks
	log        zerolog.Logger
	id         uuid.UUID
	isSunshine bool

	ctx    context.Context
	cancel context.CancelFunc

	control     *control.Stream
	inputStream *input.Stream
	legacyInput transport.Channel
	cryptoCtx   *crypto.Context

	started bool
}

// New constructs a Session bound to config and callbacks; nothing is
// dialed until Start is called. Every log line emitted by this session and
// its subsystems carries a per-session correlation ID, so multiple
// concurrent sessions in one process can be told apart.
func New(config Config, callbacks types.ConnectionCallbacks, log zerolog.Logger) *Session {
	id := uuid.New()
	return &Session{
		config:     config,
		callbacks:  callbacks,
		id:         id,
		log:        log.With().Str("component", "session").Str("session_id", id.String()).Logger(),
		isSunshine: strings.Contains(strings.ToLower(config.Server.ServerInfoAppVersion), "sunshine"),
	}
}

// ID returns the session's correlation ID, for callers that want to
// cross-reference their own logs against this session's.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Start performs the staged bringup: dial the control transport, run the
// START_A/START_B handshake and spawn the control stream's background
// threads, then construct and start the input stream bound to whichever
// transport the negotiated generation uses for input. Any stage failing
// tears down everything brought up so far, in reverse order.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("session: already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	host, err := s.hostOnly()
	if err != nil {
		s.cancel()
		return fmt.Errorf("session: %w", err)
	}

	if len(s.config.RemoteInputAesKey) > 0 {
		cryptoCtx, err := crypto.NewContext(s.config.RemoteInputAesKey)
		if err != nil {
			s.cancel()
			return fmt.Errorf("session: crypto context: %w", err)
		}
		s.cryptoCtx = cryptoCtx
	}

	streamConfig := types.StreamConfiguration{
		AppVersion:                        s.config.AppVersion,
		RemoteInputAesKey:                 s.config.RemoteInputAesKey,
		RemoteInputAesIV:                  s.config.RemoteInputAesIV,
		ReferenceFrameInvalidationEnabled: s.config.ReferenceFrameInvalidationEnabled,
	}

	s.control = control.NewStream(streamConfig, s.callbacks, s.config.AppVersion, s.isSunshine, s.cryptoCtx, s.log)
	if err := s.control.Start(s.ctx, host, controlPort); err != nil {
		s.cancel()
		return fmt.Errorf("session: control stream: %w", err)
	}

	sender, err := s.buildInputSender(host)
	if err != nil {
		s.control.Stop()
		s.cancel()
		return fmt.Errorf("session: input sender: %w", err)
	}

	s.inputStream = input.NewStream(s.config.AppVersion, s.isSunshine, sender, s.log)
	if err := s.inputStream.Start(s.ctx); err != nil {
		if s.legacyInput != nil {
			s.legacyInput.Close()
		}
		s.control.Stop()
		s.cancel()
		return fmt.Errorf("session: input stream: %w", err)
	}

	s.started = true
	return nil
}

// Stop tears every stream down in reverse bringup order and releases the
// transport(s).
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}

	if s.inputStream != nil {
		s.inputStream.Stop()
	}
	if s.legacyInput != nil {
		s.legacyInput.Close()
	}
	if s.control != nil {
		s.control.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.started = false
}

// buildInputSender wires the input stream to the transport the negotiated
// generation expects: the control channel itself on Gen5+ (which separately
// encrypts and IV-rotates every input packet internally whenever the
// control channel isn't itself GCM-sealed, per control.Stream.SendInputPacket),
// or a dedicated CBC-encrypted TCP socket on pre-Gen5 hosts.
func (s *Session) buildInputSender(host string) (input.Sender, error) {
	if s.config.AppVersion[0] >= 5 {
		return s.control, nil
	}

	addr := net.JoinHostPort(host, strconv.Itoa(legacyInputPort))
	channel, err := transport.DialTCP(s.ctx, addr, protocol.ControlStreamTimeoutSec*time.Second, s.log)
	if err != nil {
		return nil, fmt.Errorf("dial legacy input socket: %w", err)
	}
	s.legacyInput = channel

	sender, err := input.NewTCPSender(channel, s.cryptoCtx, s.config.RemoteInputAesIV)
	if err != nil {
		channel.Close()
		s.legacyInput = nil
		return nil, fmt.Errorf("build legacy input sender: %w", err)
	}
	return sender, nil
}

func (s *Session) hostOnly() (string, error) {
	if host, _, err := net.SplitHostPort(s.config.Server.Address); err == nil {
		return host, nil
	}
	if s.config.Server.Address == "" {
		return "", fmt.Errorf("empty address")
	}
	return s.config.Server.Address, nil
}

// RequestIDR asks the host for a fresh key frame via
// control.Stream.RequestIDRFrame: an invalidate-reference-frames message
// covering the last 32 frames on Gen5+ hosts, the dedicated IDR request on
// older ones.
func (s *Session) RequestIDR() error {
	s.mu.Lock()
	c := s.control
	s.mu.Unlock()
	if c == nil {
		return fmt.Errorf("session: not started")
	}
	return c.RequestIDRFrame()
}

// ConnectionDetectedFrameLoss reports a lost range of frame indices, queued
// as the inclusive invalidation range [last, next], to the invalidation
// worker, falling back to a full IDR request if the invalidation queue is
// saturated. With reference-frame invalidation disabled in Config it
// requests a full IDR frame directly.
func (s *Session) ConnectionDetectedFrameLoss(last, next uint32) error {
	s.mu.Lock()
	c := s.control
	s.mu.Unlock()
	if c == nil {
		return fmt.Errorf("session: not started")
	}
	if !s.config.ReferenceFrameInvalidationEnabled {
		return c.RequestIDRFrame()
	}
	if err := c.QueueInvalidateReferenceFrames(last, next); err != nil {
		if c.IDRFallbackRequired() {
			return c.RequestIDRFrame()
		}
		return err
	}
	return nil
}

// ConnectionSawFrame feeds a frame-sequence observation into the
// frame-health estimator; isGood reports whether the frame also decoded
// completely.
func (s *Session) ConnectionSawFrame(frameIndex uint32, isGood bool) {
	s.mu.Lock()
	c := s.control
	s.mu.Unlock()
	if c != nil {
		c.UpdateFrameStats(frameIndex, isGood)
	}
}

// ConnectionLostPackets folds a detected packet-loss count into the next
// legacy loss-stats report.
func (s *Session) ConnectionLostPackets(n uint32) {
	s.mu.Lock()
	c := s.control
	s.mu.Unlock()
	if c != nil {
		c.RecordPacketLoss(n)
	}
}

// RTTInfo returns the transport's measured round-trip time, when
// available (ENet transports only; legacy TCP reports ok=false).
func (s *Session) RTTInfo() (types.RTTInfo, bool) {
	s.mu.Lock()
	c := s.control
	s.mu.Unlock()
	if c == nil {
		return types.RTTInfo{}, false
	}
	return c.GetRTTInfo()
}

func (s *Session) input() *input.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputStream
}

// SendMouseMove sends a relative mouse motion delta.
func (s *Session) SendMouseMove(deltaX, deltaY int16) error {
	in := s.input()
	if in == nil {
		return fmt.Errorf("session: not started")
	}
	return in.SendMouseMove(deltaX, deltaY)
}

// SendMousePosition sends an absolute mouse position within a refWidth x
// refHeight virtual display.
func (s *Session) SendMousePosition(x, y, refWidth, refHeight int16) error {
	in := s.input()
	if in == nil {
		return fmt.Errorf("session: not started")
	}
	return in.SendMousePosition(x, y, refWidth, refHeight)
}

// SendMouseButton sends a mouse button press or release.
func (s *Session) SendMouseButton(action uint8, button int32) error {
	in := s.input()
	if in == nil {
		return fmt.Errorf("session: not started")
	}
	return in.SendMouseButton(action, button)
}

// SendKeyboardEvent sends a keyboard key press or release.
func (s *Session) SendKeyboardEvent(keyCode int16, keyAction, modifiers uint8) error {
	in := s.input()
	if in == nil {
		return fmt.Errorf("session: not started")
	}
	return in.SendKeyboard(keyCode, keyAction, modifiers)
}

// SendControllerEvent sends single-controller gamepad state (controller 0).
func (s *Session) SendControllerEvent(buttonFlags int32, leftTrigger, rightTrigger uint8, leftStickX, leftStickY, rightStickX, rightStickY int16) error {
	in := s.input()
	if in == nil {
		return fmt.Errorf("session: not started")
	}
	return in.SendController(buttonFlags, leftTrigger, rightTrigger, leftStickX, leftStickY, rightStickX, rightStickY)
}

// SendMultiControllerEvent sends gamepad state for one of up to
// input.MaxGamepads controller slots.
func (s *Session) SendMultiControllerEvent(controllerNumber, activeGamepadMask int16, buttonFlags int32, leftTrigger, rightTrigger uint8, leftStickX, leftStickY, rightStickX, rightStickY int16) error {
	in := s.input()
	if in == nil {
		return fmt.Errorf("session: not started")
	}
	return in.SendMultiController(controllerNumber, activeGamepadMask, buttonFlags, leftTrigger, rightTrigger, leftStickX, leftStickY, rightStickX, rightStickY)
}

// SendScroll sends a low-resolution mouse wheel event in detent clicks.
func (s *Session) SendScroll(clicks int8) error {
	in := s.input()
	if in == nil {
		return fmt.Errorf("session: not started")
	}
	return in.SendScrollEvent(clicks)
}

// SendHighResScroll sends a high-resolution mouse wheel event in
// WHEEL_DELTA (120ths of a detent) units.
func (s *Session) SendHighResScroll(amount int16) error {
	in := s.input()
	if in == nil {
		return fmt.Errorf("session: not started")
	}
	return in.SendHighResScrollEvent(amount)
}
