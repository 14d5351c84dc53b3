// Package input builds and sends the client->host input-plane messages:
// mouse, keyboard, controller, and the Sunshine touch/pen/motion/battery
// extensions. A single background worker drains a bounded job queue and
// coalesces same-kind jobs the way the reference client's dirty-flag model
// does, but expressed as an explicit peek-and-drain over the queue instead
// of per-field dirty bits: relative mouse deltas sum (clamped to int16
// range, carrying remainder forward), absolute mouse position updates and
// multi-controller updates for the same slot with unchanged buttons and
// gamepad mask discard superseded updates and send only the newest, and
// multi-controller additionally skips the send entirely when
// every field is unchanged from what was last put on the wire.
package input

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/GaryOderNichts/moonlight-common-c/bytebuf"
	"github.com/GaryOderNichts/moonlight-common-c/crypto"
	"github.com/GaryOderNichts/moonlight-common-c/protocol"
	"github.com/GaryOderNichts/moonlight-common-c/queue"
	"github.com/GaryOderNichts/moonlight-common-c/transport"
	"github.com/GaryOderNichts/moonlight-common-c/types"
)

// MaxGamepads is the maximum number of simultaneously tracked controllers.
const MaxGamepads = 16

// MaxMotionEvents is the number of motion sensor types (accelerometer, gyro).
const MaxMotionEvents = 2

// queueCapacity bounds the job queue; a full queue means the caller is
// producing input faster than the link can carry it, and Send* methods
// surface that back as an error rather than blocking the caller.
const queueCapacity = 30

// Sender is the control-plane surface the input stream delivers packets
// through. On Gen5+ hosts this is satisfied directly by *control.Stream
// (input is multiplexed onto the control channel); on pre-Gen5 hosts it is
// satisfied by a dedicated encrypted TCP sender (tcpSender, below).
type Sender interface {
	SendInputPacket(channelID uint8, flags uint32, data []byte) error
}

// Errors
var (
	ErrNotStarted  = errors.New("input: stream not started")
	ErrUnsupported = errors.New("input: feature not supported by negotiated host")
	ErrQueueFull   = errors.New("input: send queue full")
)

type jobKind int

const (
	jobRelMouseMove jobKind = iota
	jobAbsMouseMove
	jobMultiController
	jobImmediate // pre-built frame, sent as-is (keyboard, button, scroll, touch, pen, arrival, battery, UTF8, motion)
)

type job struct {
	kind    jobKind
	ctlNum  int16 // multi-controller slot key
	frame   []byte
	channel uint8
	flags   uint32

	// coalescable payload, interpreted per kind
	deltaX, deltaY            int16
	x, y, refWidth, refHeight int16
	mc                        multiControllerState
}

type multiControllerState struct {
	activeGamepadMask                                int16
	buttonFlags                                      int32
	leftTrigger, rightTrigger                        uint8
	leftStickX, leftStickY, rightStickX, rightStickY int16
}

// Stream manages outbound input packet construction and delivery.
type Stream struct {
	mu sync.Mutex

	appVersion [4]int
	isSunshine bool
	sender     Sender

	queue *queue.Bounded

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    zerolog.Logger

	lastSentMC map[int16]multiControllerState

	batchScroll bool
	scrollAccum int

	penButtons uint8

	started bool
}

// NewStream builds an input stream bound to sender, which must already be
// wired to the negotiated transport (the control channel on Gen5+, or a
// dedicated encrypted TCP connection below Gen5 via NewTCPSender).
func NewStream(appVersion [4]int, isSunshine bool, sender Sender, log zerolog.Logger) *Stream {
	return &Stream{
		appVersion:  appVersion,
		isSunshine:  isSunshine,
		sender:      sender,
		queue:       queue.NewBounded(queueCapacity),
		log:         log.With().Str("component", "input").Logger(),
		lastSentMC:  make(map[int16]multiControllerState),
		batchScroll: appVersionAtLeast(appVersion, 7, 1, 409) && !isSunshine,
	}
}

// Start launches the coalescing send worker and, on hosts new enough to
// support haptics, sends the one-time enable-haptics handshake packet.
func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.worker()

	if appVersionAtLeast(s.appVersion, 7, 1, 0) {
		return s.sendEnableHaptics()
	}
	return nil
}

// Stop blocks further sends, signals the worker to drain and exit, and
// waits for it to finish.
func (s *Stream) Stop() {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.queue.Close()
	s.wg.Wait()
}

func (s *Stream) enqueue(j job) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	if err := s.queue.Offer(j); err != nil {
		return ErrQueueFull
	}
	return nil
}

// worker drains the queue, coalescing runs of same-kind jobs before sending.
func (s *Stream) worker() {
	defer s.wg.Done()
	for {
		first, ok := s.queue.Take(s.ctx)
		if !ok {
			return
		}
		j := first.(job)

		switch j.kind {
		case jobRelMouseMove:
			s.drainRelMouseMove(j)
		case jobAbsMouseMove:
			s.drainAbsMouseMove(j)
		case jobMultiController:
			s.drainMultiController(j)
		default:
			s.send(j)
		}
	}
}

// drainRelMouseMove sums every queued relative-move delta into the seed
// job's before sending, splitting across multiple packets if the summed
// delta would overflow int16.
func (s *Stream) drainRelMouseMove(seed job) {
	dx, dy := int(seed.deltaX), int(seed.deltaY)
	for {
		next, ok := s.queue.Peek()
		if !ok {
			break
		}
		nj, isJob := next.(job)
		if !isJob || nj.kind != jobRelMouseMove {
			break
		}
		s.queue.Pop()
		dx += int(nj.deltaX)
		dy += int(nj.deltaY)
	}
	for dx != 0 || dy != 0 {
		cx := clampDelta(&dx)
		cy := clampDelta(&dy)
		s.send(job{kind: jobImmediate, channel: protocol.CtrlChannelMouse, flags: protocol.ENetPacketFlagReliable,
			frame: s.buildRelMouseMovePacket(cx, cy)})
	}
}

func clampDelta(acc *int) int16 {
	const maxI16 = 32767
	const minI16 = -32768
	v := *acc
	if v > maxI16 {
		*acc -= maxI16
		return maxI16
	}
	if v < minI16 {
		*acc -= minI16
		return minI16
	}
	*acc = 0
	return int16(v)
}

// drainAbsMouseMove discards every queued absolute-position update but the
// last, since only the final cursor position matters once several arrive
// faster than the link drains them.
func (s *Stream) drainAbsMouseMove(seed job) {
	latest := seed
	for {
		next, ok := s.queue.Peek()
		if !ok {
			break
		}
		nj, isJob := next.(job)
		if !isJob || nj.kind != jobAbsMouseMove {
			break
		}
		s.queue.Pop()
		latest = nj
	}
	s.send(job{kind: jobImmediate, channel: protocol.CtrlChannelMouse, flags: protocol.ENetPacketFlagReliable,
		frame: s.buildAbsMouseMovePacket(latest.x, latest.y, latest.refWidth, latest.refHeight)})
}

// drainMultiController discards superseded updates but the last while the
// next queued update has the same controller slot, button flags and active
// gamepad mask (so only analog fields change), and skips the send entirely
// if that final state is identical to what was last actually put on the
// wire for this slot.
func (s *Stream) drainMultiController(seed job) {
	latest := seed
	for {
		next, ok := s.queue.Peek()
		if !ok {
			break
		}
		nj, isJob := next.(job)
		if !isJob || nj.kind != jobMultiController || nj.ctlNum != seed.ctlNum ||
			nj.mc.buttonFlags != seed.mc.buttonFlags || nj.mc.activeGamepadMask != seed.mc.activeGamepadMask {
			break
		}
		s.queue.Pop()
		latest = nj
	}

	s.mu.Lock()
	last, ok := s.lastSentMC[latest.ctlNum]
	unchanged := ok && last == latest.mc
	if !unchanged {
		s.lastSentMC[latest.ctlNum] = latest.mc
	}
	s.mu.Unlock()
	if unchanged {
		return
	}

	channelID := uint8(protocol.CtrlChannelGamepadBase + int(latest.ctlNum))
	s.send(job{kind: jobImmediate, channel: channelID, flags: protocol.ENetPacketFlagReliable,
		frame: s.buildMultiControllerPacket(latest.ctlNum, latest.mc)})
}

func (s *Stream) send(j job) {
	if err := s.sender.SendInputPacket(j.channel, j.flags, j.frame); err != nil {
		s.log.Warn().Err(err).Msg("input send failed")
	}
}

// --- public API ---

// SendMouseMove queues a relative mouse movement; a (0,0) delta is a no-op.
func (s *Stream) SendMouseMove(deltaX, deltaY int16) error {
	if deltaX == 0 && deltaY == 0 {
		return nil
	}
	return s.enqueue(job{kind: jobRelMouseMove, deltaX: deltaX, deltaY: deltaY})
}

// SendMousePosition queues an absolute mouse position update against a
// refWidth x refHeight virtual screen.
func (s *Stream) SendMousePosition(x, y, refWidth, refHeight int16) error {
	return s.enqueue(job{kind: jobAbsMouseMove, x: x, y: y, refWidth: refWidth, refHeight: refHeight})
}

// SendMouseButton sends a mouse button press/release immediately; Gen5+
// hosts expect the action value bumped by one.
func (s *Stream) SendMouseButton(action uint8, button int32) error {
	magic := uint32(action)
	if s.appVersion[0] >= 5 {
		magic++
	}
	buf := make([]byte, 9)
	binary.BigEndian.PutUint32(buf[0:4], 5)
	binary.LittleEndian.PutUint32(buf[4:8], magic)
	buf[8] = uint8(button)
	return s.enqueue(job{kind: jobImmediate, channel: protocol.CtrlChannelMouse, flags: protocol.ENetPacketFlagReliable, frame: buf})
}

// SendKeyboard sends a key event, applying the GFE modifier-key fixups
// (Win key drops MODIFIER_META, left/right shift/ctrl/alt set or clear
// their shared modifier bit) unless talking to a Sunshine host.
func (s *Stream) SendKeyboard(keyCode int16, keyAction, modifiers uint8) error {
	if !s.isSunshine {
		keyCode, modifiers = fixModifiers(keyCode, modifiers)
	}
	buf := make([]byte, 14)
	binary.BigEndian.PutUint32(buf[0:4], 10)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(keyAction))
	buf[8] = 0
	binary.LittleEndian.PutUint16(buf[9:11], uint16(keyCode))
	buf[11] = modifiers
	buf[12] = 0
	buf[13] = 0
	return s.enqueue(job{kind: jobImmediate, channel: protocol.CtrlChannelKeyboard, flags: protocol.ENetPacketFlagReliable, frame: buf})
}

// SendHighResScrollEvent sends a high-resolution scroll tick directly; a
// zero amount is a no-op. Gen5+ hosts use a bumped magic value.
func (s *Stream) SendHighResScrollEvent(amount int16) error {
	if amount == 0 {
		return nil
	}
	if s.batchScroll {
		return s.batchedScroll(amount)
	}
	return s.enqueue(job{kind: jobImmediate, channel: protocol.CtrlChannelMouse, flags: protocol.ENetPacketFlagReliable,
		frame: s.buildScrollPacket(amount)})
}

// SendScrollEvent sends a legacy click-based scroll event, expressed in
// terms of the high-resolution one by the Windows wheel-delta multiplier.
func (s *Stream) SendScrollEvent(clicks int8) error {
	return s.SendHighResScrollEvent(int16(clicks) * protocol.WheelDelta)
}

func (s *Stream) batchedScroll(amount int16) error {
	s.mu.Lock()
	if (s.scrollAccum < 0 && amount > 0) || (s.scrollAccum > 0 && amount < 0) {
		s.scrollAccum = 0
	}
	s.scrollAccum += int(amount)
	acc := s.scrollAccum
	s.mu.Unlock()

	for abs(acc) >= protocol.WheelDelta {
		step := int16(protocol.WheelDelta)
		if acc < 0 {
			step = -step
		}
		if err := s.enqueue(job{kind: jobImmediate, channel: protocol.CtrlChannelMouse, flags: protocol.ENetPacketFlagReliable,
			frame: s.buildScrollPacket(step)}); err != nil {
			return err
		}
		acc -= int(step)
	}
	s.mu.Lock()
	s.scrollAccum = acc
	s.mu.Unlock()
	return nil
}

// SendController sends single-controller state as controller 0 with mask 1.
func (s *Stream) SendController(buttonFlags int32, leftTrigger, rightTrigger uint8,
	leftStickX, leftStickY, rightStickX, rightStickY int16) error {
	return s.SendMultiController(0, 1, buttonFlags, leftTrigger, rightTrigger,
		leftStickX, leftStickY, rightStickX, rightStickY)
}

// SendMultiController queues controller state for a specific controller
// slot; GFE-talking clients clamp the slot/mask range and remap the
// Sunshine-only MISC button onto HOME so it still registers.
func (s *Stream) SendMultiController(controllerNumber, activeGamepadMask int16, buttonFlags int32,
	leftTrigger, rightTrigger uint8, leftStickX, leftStickY, rightStickX, rightStickY int16) error {

	if !s.isSunshine {
		controllerNumber %= 4
		activeGamepadMask &= 0xF
		if buttonFlags&types.ButtonMisc != 0 {
			buttonFlags |= types.ButtonHome
		}
	} else {
		controllerNumber %= MaxGamepads
	}

	mc := multiControllerState{
		activeGamepadMask: activeGamepadMask,
		buttonFlags:       buttonFlags,
		leftTrigger:       leftTrigger,
		rightTrigger:      rightTrigger,
		leftStickX:        leftStickX,
		leftStickY:        leftStickY,
		rightStickX:       rightStickX,
		rightStickY:       rightStickY,
	}
	return s.enqueue(job{kind: jobMultiController, ctlNum: controllerNumber, mc: mc})
}

// SendControllerArrival announces a new controller (Sunshine only), then
// issues a zero-state multi-controller update for compatibility with
// GFE-style clients that infer arrival from the first state packet.
func (s *Stream) SendControllerArrival(controllerNumber uint8, activeGamepadMask uint16,
	controllerType uint8, supportedButtons uint32, capabilities uint16) error {
	if !s.isSunshine {
		return ErrUnsupported
	}
	controllerNumber %= MaxGamepads

	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], 12)
	binary.LittleEndian.PutUint32(buf[4:8], protocol.SSControllerArrivalMagic)
	buf[8] = controllerNumber
	buf[9] = controllerType
	binary.LittleEndian.PutUint16(buf[10:12], capabilities)
	binary.LittleEndian.PutUint32(buf[12:16], supportedButtons)

	channelID := uint8(protocol.CtrlChannelGamepadBase + int(controllerNumber))
	if err := s.enqueue(job{kind: jobImmediate, channel: channelID, flags: protocol.ENetPacketFlagReliable, frame: buf}); err != nil {
		return err
	}
	return s.SendMultiController(int16(controllerNumber), int16(activeGamepadMask), 0, 0, 0, 0, 0, 0, 0)
}

// SendTouch sends a touch event (Sunshine only); hover/move events are sent
// unreliable so a burst of them can drop under congestion.
func (s *Stream) SendTouch(eventType uint8, pointerID uint32, x, y, pressure, contactMajor, contactMinor float32, rotation uint16) error {
	if !s.isSunshine {
		return ErrUnsupported
	}
	buf := make([]byte, 40)
	binary.BigEndian.PutUint32(buf[0:4], 36)
	binary.LittleEndian.PutUint32(buf[4:8], protocol.SSTouchMagic)
	buf[8] = eventType
	binary.LittleEndian.PutUint32(buf[12:16], pointerID)
	copy(buf[16:20], protocol.FloatToNetfloat(x)[:])
	copy(buf[20:24], protocol.FloatToNetfloat(y)[:])
	copy(buf[24:28], protocol.FloatToNetfloat(pressure)[:])
	copy(buf[28:32], protocol.FloatToNetfloat(contactMajor)[:])
	copy(buf[32:36], protocol.FloatToNetfloat(contactMinor)[:])
	binary.LittleEndian.PutUint16(buf[36:38], rotation)

	flags := uint32(protocol.ENetPacketFlagReliable)
	if eventType == touchEventHover || eventType == touchEventMove {
		flags = 0
	}
	return s.enqueue(job{kind: jobImmediate, channel: protocol.CtrlChannelTouch, flags: flags, frame: buf})
}

// SendPen sends a pen/stylus event (Sunshine only); hover/move events with
// unchanged button state are sent unreliable like touch hover/move.
func (s *Stream) SendPen(eventType, toolType, penButtons uint8, x, y, pressure float32,
	contactMajor, contactMinor float32, rotation uint16, tilt uint8) error {
	if !s.isSunshine {
		return ErrUnsupported
	}
	buf := make([]byte, 44)
	binary.BigEndian.PutUint32(buf[0:4], 40)
	binary.LittleEndian.PutUint32(buf[4:8], protocol.SSPenMagic)
	buf[8] = eventType
	buf[9] = toolType
	buf[10] = penButtons
	copy(buf[12:16], protocol.FloatToNetfloat(x)[:])
	copy(buf[16:20], protocol.FloatToNetfloat(y)[:])
	copy(buf[20:24], protocol.FloatToNetfloat(pressure)[:])
	binary.LittleEndian.PutUint16(buf[24:26], rotation)
	buf[26] = tilt
	copy(buf[28:32], protocol.FloatToNetfloat(contactMajor)[:])
	copy(buf[32:36], protocol.FloatToNetfloat(contactMinor)[:])

	s.mu.Lock()
	unchanged := penButtons == s.penButtons
	s.penButtons = penButtons
	s.mu.Unlock()

	flags := uint32(protocol.ENetPacketFlagReliable)
	if (eventType == touchEventHover || eventType == touchEventMove) && unchanged {
		flags = 0
	}
	return s.enqueue(job{kind: jobImmediate, channel: protocol.CtrlChannelPen, flags: flags, frame: buf})
}

// SendControllerMotion sends motion sensor data (Sunshine only).
func (s *Stream) SendControllerMotion(controllerNumber, motionType uint8, x, y, z float32) error {
	if !s.isSunshine {
		return ErrUnsupported
	}
	if motionType < 1 || int(motionType) > MaxMotionEvents {
		return errors.New("input: invalid motion type")
	}
	controllerNumber %= MaxGamepads

	buf := make([]byte, 24)
	binary.BigEndian.PutUint32(buf[0:4], 20)
	binary.LittleEndian.PutUint32(buf[4:8], protocol.SSControllerMotionMagic)
	buf[8] = controllerNumber
	buf[9] = motionType
	copy(buf[12:16], protocol.FloatToNetfloat(x)[:])
	copy(buf[16:20], protocol.FloatToNetfloat(y)[:])
	copy(buf[20:24], protocol.FloatToNetfloat(z)[:])

	channelID := uint8(protocol.CtrlChannelSensorBase + int(controllerNumber))
	return s.enqueue(job{kind: jobImmediate, channel: channelID, flags: protocol.ENetPacketFlagReliable, frame: buf})
}

// SendControllerBattery sends battery status (Sunshine only).
func (s *Stream) SendControllerBattery(controllerNumber, batteryState, percentage uint8) error {
	if !s.isSunshine {
		return ErrUnsupported
	}
	controllerNumber %= MaxGamepads

	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], 8)
	binary.LittleEndian.PutUint32(buf[4:8], protocol.SSControllerBatteryMagic)
	buf[8] = controllerNumber
	buf[9] = batteryState
	buf[10] = percentage

	channelID := uint8(protocol.CtrlChannelGamepadBase + int(controllerNumber))
	return s.enqueue(job{kind: jobImmediate, channel: channelID, flags: protocol.ENetPacketFlagReliable, frame: buf})
}

// SendUTF8Text sends UTF-8 text input.
func (s *Stream) SendUTF8Text(text string) error {
	textBytes := []byte(text)
	buf := make([]byte, 8+len(textBytes))
	binary.BigEndian.PutUint32(buf[0:4], uint32(4+len(textBytes)))
	binary.LittleEndian.PutUint32(buf[4:8], protocol.UTF8TextEventMagic)
	copy(buf[8:], textBytes)
	return s.enqueue(job{kind: jobImmediate, channel: protocol.CtrlChannelUTF8, flags: protocol.ENetPacketFlagReliable, frame: buf})
}

func (s *Stream) sendEnableHaptics() error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], 4)
	binary.LittleEndian.PutUint16(buf[4:6], 0x4832)
	binary.LittleEndian.PutUint16(buf[6:8], 0x3474)
	return s.sender.SendInputPacket(protocol.CtrlChannelGeneric, protocol.ENetPacketFlagReliable, buf)
}

// --- packet builders that need per-stream state (app version) ---

func (s *Stream) buildRelMouseMovePacket(deltaX, deltaY int16) []byte {
	magic := uint32(protocol.MouseMoveRelMagic)
	if s.appVersion[0] >= 5 {
		magic = protocol.MouseMoveRelMagicGen5
	}
	w := bytebuf.NewWriter(12)
	w.PutUint32BE(8)
	w.PutUint32LE(magic)
	w.PutInt16BE(deltaX)
	w.PutInt16BE(deltaY)
	return w.Bytes()
}

func (s *Stream) buildAbsMouseMovePacket(x, y, width, height int16) []byte {
	w := bytebuf.NewWriter(18)
	w.PutUint32BE(14)
	w.PutUint32LE(protocol.MouseMoveAbsMagic)
	w.PutInt16BE(x)
	w.PutInt16BE(y)
	w.PutUint16BE(0)
	// width/height are sent minus one: GFE's scaling has a rounding error
	// that otherwise keeps the cursor from ever reaching the screen edge.
	w.PutInt16BE(width - 1)
	w.PutInt16BE(height - 1)
	return w.Bytes()
}

func (s *Stream) buildScrollPacket(amount int16) []byte {
	magicA := uint32(protocol.ScrollMagicA)
	if s.appVersion[0] >= 5 {
		magicA++
	}
	w := bytebuf.NewWriter(14)
	w.PutUint32BE(10)
	w.PutUint32LE(magicA)
	w.PutInt16BE(amount)
	w.PutInt16BE(amount)
	w.PutUint16BE(0)
	return w.Bytes()
}

func (s *Stream) buildMultiControllerPacket(controllerNumber int16, mc multiControllerState) []byte {
	headerA := uint32(protocol.MultiControllerHeaderA)
	if s.appVersion[0] >= 5 {
		headerA = uint32(int64(protocol.MultiControllerHeaderA) + protocol.MultiControllerHeaderAGen5Delta)
	}

	w := bytebuf.NewWriter(34)
	w.PutUint32BE(26)
	w.PutUint32LE(headerA)
	w.PutUint16LE(protocol.MultiControllerHeaderB)
	w.PutInt16LE(controllerNumber)
	w.PutInt16LE(mc.activeGamepadMask)
	w.PutUint16LE(protocol.MultiControllerMidB)
	w.PutUint16LE(uint16(mc.buttonFlags & 0xFFFF))
	w.PutUint8(mc.leftTrigger)
	w.PutUint8(mc.rightTrigger)
	w.PutInt16LE(mc.leftStickX)
	w.PutInt16LE(mc.leftStickY)
	w.PutInt16LE(mc.rightStickX)
	w.PutInt16LE(mc.rightStickY)
	w.PutUint16LE(protocol.MultiControllerTailA)

	if s.isSunshine && mc.buttonFlags>>16 != 0 {
		w.PutUint16LE(uint16(mc.buttonFlags >> 16))
		w.PutUint16LE(protocol.MultiControllerTailB)
		buf := w.Bytes()
		binary.BigEndian.PutUint32(buf[0:4], 30)
		return buf
	}

	return w.Bytes()
}

// --- helpers ---

func fixModifiers(keyCode int16, modifiers uint8) (int16, uint8) {
	const (
		vkLWin     = 0x5B
		vkRWin     = 0x5C
		vkLShift   = 0xA0
		vkRShift   = 0xA1
		vkLControl = 0xA2
		vkRControl = 0xA3
		vkLMenu    = 0xA4
		vkRMenu    = 0xA5
	)
	switch int(keyCode) & 0xFF {
	case vkLWin, vkRWin:
		modifiers &^= types.ModifierMeta
	case vkLShift:
		modifiers |= types.ModifierShift
	case vkRShift:
		modifiers &^= types.ModifierShift
	case vkLControl:
		modifiers |= types.ModifierCtrl
	case vkRControl:
		modifiers &^= types.ModifierCtrl
	case vkLMenu:
		modifiers |= types.ModifierAlt
	case vkRMenu:
		modifiers &^= types.ModifierAlt
	}
	return keyCode, modifiers
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

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

const (
	touchEventHover uint8 = 0
	touchEventMove  uint8 = 3
)

// tcpSender implements Sender over a dedicated legacy (pre-Gen5) TCP
// control-adjacent input socket, persistently CBC-encrypting every packet
// the way the host's single long-lived cipher context does.
type tcpSender struct {
	channel transport.Channel
	cbc     *crypto.CBCStream
}

// NewTCPSender wraps a dialed legacy input socket (port 35043) as a Sender,
// encrypting every packet with a persistent CBC stream seeded from the
// pairing-derived remote-input key material.
func NewTCPSender(channel transport.Channel, cryptoCtx *crypto.Context, initialIV []byte) (Sender, error) {
	cbc, err := crypto.NewCBCStream(cryptoCtx, initialIV)
	if err != nil {
		return nil, err
	}
	return &tcpSender{channel: channel, cbc: cbc}, nil
}

func (t *tcpSender) SendInputPacket(_ uint8, _ uint32, data []byte) error {
	encrypted := t.cbc.Encrypt(data)
	frame := make([]byte, 4+len(encrypted))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(encrypted)))
	copy(frame[4:], encrypted)
	return t.channel.Send(0, frame, true)
}
