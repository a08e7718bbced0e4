package tracker

import "testing"

func TestEventBusUnsubscribeFromHandler(t *testing.T) {
	bus := NewEventBus()

	var calls int
	var cancel func()
	cancel = bus.Subscribe(func(HostEvent) {
		calls++
		cancel()
	})

	bus.Publish(HostEvent{Kind: EventUnload})
	bus.Publish(HostEvent{Kind: EventUnload})

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if bus.Len() != 0 {
		t.Fatalf("Len = %d, want 0", bus.Len())
	}
	cancel()
}

func TestHostEventClassification(t *testing.T) {
	cases := []struct {
		ev       HostEvent
		exit     bool
		triggers bool
	}{
		{HostEvent{Kind: EventVisibility, Hidden: true}, true, true},
		{HostEvent{Kind: EventVisibility, Hidden: false}, false, false},
		{HostEvent{Kind: EventFullscreen, Hidden: true}, true, false},
		{HostEvent{Kind: EventFullscreen, Hidden: false}, false, false},
		{HostEvent{Kind: EventPageHide}, false, true},
		{HostEvent{Kind: EventUnload, Hidden: true}, false, true},
	}
	for _, tc := range cases {
		if got := tc.ev.IsExit(); got != tc.exit {
			t.Errorf("%+v IsExit = %v, want %v", tc.ev, got, tc.exit)
		}
		if got := tc.ev.TriggersSave(); got != tc.triggers {
			t.Errorf("%+v TriggersSave = %v, want %v", tc.ev, got, tc.triggers)
		}
	}
}
