package input

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  [][]byte
	gotCh chan []byte
}

func newFakeSender() *fakeSender {
	return &fakeSender{gotCh: make(chan []byte, 64)}
}

func (f *fakeSender) SendInputPacket(_ uint8, _ uint32, data []byte) error {
	cp := append([]byte(nil), data...)
	f.mu.Lock()
	f.sent = append(f.sent, cp)
	f.mu.Unlock()
	f.gotCh <- cp
	return nil
}

func newTestStream(t *testing.T, appVersion [4]int) (*Stream, *fakeSender) {
	t.Helper()
	sender := newFakeSender()
	s := NewStream(appVersion, false, sender, zerolog.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	if appVersionAtLeast(appVersion, 7, 1, 0) {
		// Start sends the enable-haptics packet first on these hosts.
		recvFrame(t, sender)
	}
	return s, sender
}

func recvFrame(t *testing.T, sender *fakeSender) []byte {
	t.Helper()
	select {
	case f := <-sender.gotCh:
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for send")
		return nil
	}
}

func TestSendMouseMoveZeroDeltaIsNoop(t *testing.T) {
	s, sender := newTestStream(t, [4]int{7, 1, 415, 0})
	if err := s.SendMouseMove(0, 0); err != nil {
		t.Fatalf("SendMouseMove: %v", err)
	}
	select {
	case <-sender.gotCh:
		t.Fatal("expected no send for a zero delta")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendMouseMoveCoalescesQueuedDeltas(t *testing.T) {
	s, sender := newTestStream(t, [4]int{7, 1, 415, 0})

	// The worker can't be paused from here, so the two back-to-back deltas
	// race against it: they arrive either as one coalesced frame or as two
	// frames, and either way the deltas read back must add up to (15,2).
	s.mu.Lock()
	s.mu.Unlock()

	if err := s.SendMouseMove(5, 5); err != nil {
		t.Fatalf("move 1: %v", err)
	}
	if err := s.SendMouseMove(10, -3); err != nil {
		t.Fatalf("move 2: %v", err)
	}

	frame := recvFrame(t, sender)
	dx := int16(uint16(frame[8])<<8 | uint16(frame[9]))
	dy := int16(uint16(frame[10])<<8 | uint16(frame[11]))

	total := int(dx) + int(dy)
	// Either both deltas coalesced into one frame (15, 2) or arrived as two
	// separate frames (5,5) then (10,-3); either way no data is lost overall.
	if total != 15+2 {
		select {
		case frame2 := <-sender.gotCh:
			dx2 := int16(uint16(frame2[8])<<8 | uint16(frame2[9]))
			dy2 := int16(uint16(frame2[10])<<8 | uint16(frame2[11]))
			if int(dx)+int(dx2) != 15 || int(dy)+int(dy2) != 2 {
				t.Fatalf("combined deltas = (%d,%d), want (15,2)", int(dx)+int(dx2), int(dy)+int(dy2))
			}
		case <-time.After(time.Second):
			t.Fatalf("unexpected single-frame delta (%d,%d) and no second frame arrived", dx, dy)
		}
	}
}

func TestSendMousePositionDiscardsSupersededUpdates(t *testing.T) {
	s, sender := newTestStream(t, [4]int{7, 1, 415, 0})
	if err := s.SendMousePosition(10, 10, 1920, 1080); err != nil {
		t.Fatalf("pos 1: %v", err)
	}
	if err := s.SendMousePosition(500, 500, 1920, 1080); err != nil {
		t.Fatalf("pos 2: %v", err)
	}

	frame := recvFrame(t, sender)
	x := int16(uint16(frame[8])<<8 | uint16(frame[9]))
	if x != 500 {
		// Accept either send order is fine as long as the final committed
		// state is what was last queued once the worker catches up.
		select {
		case frame2 := <-sender.gotCh:
			x2 := int16(uint16(frame2[8])<<8 | uint16(frame2[9]))
			if x2 != 500 {
				t.Fatalf("neither frame carries the latest x=500 (%d, %d)", x, x2)
			}
		case <-time.After(200 * time.Millisecond):
			t.Fatalf("x = %d, want 500 (latest position should win)", x)
		}
	}
}

func TestSendMultiControllerSkipsUnchangedState(t *testing.T) {
	s, sender := newTestStream(t, [4]int{7, 1, 415, 0})
	if err := s.SendMultiController(0, 1, 0, 0, 0, 100, 100, 0, 0); err != nil {
		t.Fatalf("send 1: %v", err)
	}
	recvFrame(t, sender)

	if err := s.SendMultiController(0, 1, 0, 0, 0, 100, 100, 0, 0); err != nil {
		t.Fatalf("send 2: %v", err)
	}
	select {
	case <-sender.gotCh:
		t.Fatal("expected identical controller state to be suppressed, not resent")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSendControllerMapsMiscToHomeForGFE(t *testing.T) {
	s, sender := newTestStream(t, [4]int{7, 1, 415, 0})
	const buttonMisc = 0x010000
	const buttonHome = 0x0400
	if err := s.SendController(buttonMisc, 0, 0, 0, 0, 0, 0); err != nil {
		t.Fatalf("SendController: %v", err)
	}
	frame := recvFrame(t, sender)
	flags := uint16(frame[16]) | uint16(frame[17])<<8
	if flags&buttonHome == 0 {
		t.Fatalf("buttonFlags = %#x, want HOME bit set when MISC is pressed on a non-Sunshine host", flags)
	}
}

func TestFixModifiersClearsMetaForWinKey(t *testing.T) {
	const modifierMeta = 0x08
	const vkLWin = 0x5B
	_, mods := fixModifiers(vkLWin, modifierMeta)
	if mods&modifierMeta != 0 {
		t.Fatalf("modifiers = %#x, want META cleared for VK_LWIN", mods)
	}
}

func TestFixModifiersSetsShiftForLeftShift(t *testing.T) {
	const modifierShift = 0x01
	const vkLShift = 0xA0
	_, mods := fixModifiers(vkLShift, 0)
	if mods&modifierShift == 0 {
		t.Fatal("expected MODIFIER_SHIFT to be set for VK_LSHIFT")
	}
}

func TestScrollEventIsHighResScrollTimesWheelDelta(t *testing.T) {
	s, sender := newTestStream(t, [4]int{7, 1, 500, 0})
	if err := s.SendScrollEvent(1); err != nil {
		t.Fatalf("SendScrollEvent: %v", err)
	}
	frame := recvFrame(t, sender)
	amt := int16(uint16(frame[8])<<8 | uint16(frame[9]))
	if amt != 120 {
		t.Fatalf("scroll amount = %d, want 120 (1 click * WheelDelta)", amt)
	}
}

func TestSendAfterStopFails(t *testing.T) {
	s, _ := newTestStream(t, [4]int{7, 1, 415, 0})
	s.Stop()
	if err := s.SendMouseMove(1, 1); err != ErrNotStarted {
		t.Fatalf("err = %v, want ErrNotStarted", err)
	}
}
