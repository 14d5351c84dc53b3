package health

import (
	"testing"
	"time"
)

func newTestEstimator(t *testing.T) (*Estimator, *[]Status, *time.Time) {
	t.Helper()
	var transitions []Status
	clock := time.Unix(0, 0)
	e := NewEstimator(func(s Status) { transitions = append(transitions, s) })
	e.SetClock(func() time.Time { return clock })
	return e, &transitions, &clock
}

func TestEstimatorStaysOkayWithNoLoss(t *testing.T) {
	e, transitions, clock := newTestEstimator(t)
	for i := uint32(0); i < 100; i++ {
		e.FrameSeen(i)
		e.FrameReceived(i)
	}
	*clock = clock.Add(SampleWindow)
	e.FrameSeen(100)

	if len(*transitions) != 0 {
		t.Fatalf("transitions = %v, want none (loss-free run should stay OKAY)", *transitions)
	}
	if e.CurrentStatus() != StatusOkay {
		t.Fatalf("status = %v, want OKAY", e.CurrentStatus())
	}
}

func TestEstimatorTransitionsToPoorOnImmediateHighLoss(t *testing.T) {
	e, transitions, clock := newTestEstimator(t)
	for i := uint32(0); i < 100; i++ {
		e.FrameSeen(i)
		if i%2 == 0 {
			e.FrameReceived(i)
		}
	}
	*clock = clock.Add(SampleWindow)
	e.FrameSeen(100)

	if len(*transitions) != 1 || (*transitions)[0] != StatusPoor {
		t.Fatalf("transitions = %v, want [POOR] (50%% loss rate exceeds the 30%% immediate threshold)", *transitions)
	}
}

func TestEstimatorRequiresTwoConsecutiveModerateLossWindows(t *testing.T) {
	e, transitions, clock := newTestEstimator(t)

	sendWithLoss := func(first uint32, lossEvery int) {
		for i := first; i < first+100; i++ {
			e.FrameSeen(i)
			if int(i)%lossEvery != 0 {
				e.FrameReceived(i)
			}
		}
	}

	// ~20% loss rate: above the consecutive threshold (15%) but below the
	// immediate one (30%) — should NOT transition on the first window.
	sendWithLoss(0, 5)
	*clock = clock.Add(SampleWindow)
	e.FrameSeen(100)
	if len(*transitions) != 0 {
		t.Fatalf("transitions after first moderate-loss window = %v, want none", *transitions)
	}

	sendWithLoss(101, 5)
	*clock = clock.Add(SampleWindow)
	e.FrameSeen(201)
	if len(*transitions) != 1 || (*transitions)[0] != StatusPoor {
		t.Fatalf("transitions after second consecutive moderate-loss window = %v, want [POOR]", *transitions)
	}
}

func TestEstimatorRecoversToOkayBelowThreshold(t *testing.T) {
	e, transitions, clock := newTestEstimator(t)
	for i := uint32(0); i < 100; i++ {
		e.FrameSeen(i)
	}
	*clock = clock.Add(SampleWindow)
	e.FrameSeen(100) // 100% loss -> POOR

	for i := uint32(101); i < 201; i++ {
		e.FrameSeen(i)
		e.FrameReceived(i)
	}
	*clock = clock.Add(SampleWindow)
	e.FrameSeen(201)

	if len(*transitions) != 2 || (*transitions)[0] != StatusPoor || (*transitions)[1] != StatusOkay {
		t.Fatalf("transitions = %v, want [POOR, OKAY]", *transitions)
	}
}

func TestEstimatorEmitsOnlyOnActualChange(t *testing.T) {
	e, transitions, clock := newTestEstimator(t)
	for round := 0; round < 3; round++ {
		for i := 0; i < 100; i++ {
			e.FrameSeen(uint32(round*100 + i))
			e.FrameReceived(uint32(round*100 + i))
		}
		*clock = clock.Add(SampleWindow)
	}
	e.FrameSeen(301)

	if len(*transitions) != 0 {
		t.Fatalf("transitions = %v, want none (status never actually changed)", *transitions)
	}
}
