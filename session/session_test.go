package session

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/GaryOderNichts/moonlight-common-c/types"
)

type fakeCallbacks struct {
	statusUpdates []types.ConnectionStatus
	terminated    []int
	rumbles       [][3]uint16
}

func (f *fakeCallbacks) ConnectionStatusUpdate(status types.ConnectionStatus) {
	f.statusUpdates = append(f.statusUpdates, status)
}
func (f *fakeCallbacks) ConnectionTerminated(errorCode int) {
	f.terminated = append(f.terminated, errorCode)
}
func (f *fakeCallbacks) Rumble(controllerNumber, lowFreq, highFreq uint16) {
	f.rumbles = append(f.rumbles, [3]uint16{controllerNumber, lowFreq, highFreq})
}

func TestDefaultConfigIsNegotiableWithoutPanicking(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.AppVersion[0] != 7 {
		t.Fatalf("AppVersion = %v, want a Gen7 default", cfg.AppVersion)
	}
	if !cfg.ReferenceFrameInvalidationEnabled {
		t.Fatal("ReferenceFrameInvalidationEnabled should default to true")
	}
}

func TestHostOnlyStripsPort(t *testing.T) {
	s := New(Config{Server: types.ServerInformation{Address: "gamehost:47989"}}, &fakeCallbacks{}, zerolog.Nop())
	host, err := s.hostOnly()
	if err != nil {
		t.Fatalf("hostOnly() error = %v", err)
	}
	if host != "gamehost" {
		t.Fatalf("hostOnly() = %q, want %q", host, "gamehost")
	}
}

func TestHostOnlyAcceptsBareHost(t *testing.T) {
	s := New(Config{Server: types.ServerInformation{Address: "192.168.1.50"}}, &fakeCallbacks{}, zerolog.Nop())
	host, err := s.hostOnly()
	if err != nil {
		t.Fatalf("hostOnly() error = %v", err)
	}
	if host != "192.168.1.50" {
		t.Fatalf("hostOnly() = %q, want %q", host, "192.168.1.50")
	}
}

func TestHostOnlyRejectsEmptyAddress(t *testing.T) {
	s := New(Config{}, &fakeCallbacks{}, zerolog.Nop())
	if _, err := s.hostOnly(); err == nil {
		t.Fatal("hostOnly() with empty address should error")
	}
}

func TestSendMethodsBeforeStartReturnError(t *testing.T) {
	s := New(DefaultConfig(), &fakeCallbacks{}, zerolog.Nop())

	if err := s.SendMouseMove(1, 1); err == nil {
		t.Fatal("SendMouseMove before Start should error")
	}
	if err := s.SendKeyboardEvent(0x41, types.KeyActionDown, 0); err == nil {
		t.Fatal("SendKeyboardEvent before Start should error")
	}
	if err := s.RequestIDR(); err == nil {
		t.Fatal("RequestIDR before Start should error")
	}
	if err := s.ConnectionDetectedFrameLoss(0, 10); err == nil {
		t.Fatal("ConnectionDetectedFrameLoss before Start should error")
	}
}

func TestRTTInfoBeforeStartIsUnavailable(t *testing.T) {
	s := New(DefaultConfig(), &fakeCallbacks{}, zerolog.Nop())
	if _, ok := s.RTTInfo(); ok {
		t.Fatal("RTTInfo before Start should report unavailable")
	}
}

func TestConnectionSawFrameBeforeStartIsNoop(t *testing.T) {
	s := New(DefaultConfig(), &fakeCallbacks{}, zerolog.Nop())
	s.ConnectionSawFrame(5, true)
	s.ConnectionLostPackets(3)
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	s := New(DefaultConfig(), &fakeCallbacks{}, zerolog.Nop())
	s.Stop()
}
