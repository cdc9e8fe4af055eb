package events

import (
	"sync"
	"testing"
	"time"

	"github.com/hedgesys/sentinel/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestBus_PreservesPublishOrder(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	var mu sync.Mutex
	var seen []float64
	done := make(chan struct{})

	bus.Subscribe(KindSampleRecorded, func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Sample.MarginLevel)
		if len(seen) == 10 {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		bus.Publish(Event{
			Kind:      KindSampleRecorded,
			AccountID: "acc-1",
			Sample:    &types.MarginSample{MarginLevel: float64(i)},
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, level := range seen {
		assert.Equal(t, float64(i), level, "event %d out of order", i)
	}
}

func TestBus_SubscribeAllSeesEveryKind(t *testing.T) {
	bus := NewBus(16)

	var mu sync.Mutex
	kinds := make(map[Kind]int)

	bus.SubscribeAll(func(ev Event) {
		mu.Lock()
		kinds[ev.Kind]++
		mu.Unlock()
	})

	bus.Publish(Event{Kind: KindThresholdBreached, Threshold: &ThresholdPayload{Band: "danger"}})
	bus.Publish(Event{Kind: KindRapidChange, Rapid: &RapidChangePayload{ChangePercent: -7}})
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, kinds[KindThresholdBreached])
	assert.Equal(t, 1, kinds[KindRapidChange])
}

func TestBus_PublishAfterCloseIsDropped(t *testing.T) {
	bus := NewBus(16)
	bus.Close()

	// Must not panic or block.
	bus.Publish(Event{Kind: KindAlertRaised, Alert: &AlertPayload{Type: "test"}})
}

func TestBus_ConcurrentPublishDuringClose(t *testing.T) {
	bus := NewBus(4)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				bus.Publish(Event{Kind: KindSampleRecorded, Sample: &types.MarginSample{}})
			}
		}()
	}

	// Closing while publishers are mid-flight must never panic on the
	// event channel.
	bus.Close()
	wg.Wait()
}

func TestBus_HandlerPanicDoesNotKillDispatcher(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	got := make(chan struct{})
	bus.Subscribe(KindAlertRaised, func(Event) { panic("boom") })
	bus.Subscribe(KindAlertRaised, func(Event) { close(got) })

	bus.Publish(Event{Kind: KindAlertRaised, Alert: &AlertPayload{Type: "test"}})

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("second handler never ran after panic in first")
	}
}

func TestSubjectFor(t *testing.T) {
	ev := Event{Kind: KindThresholdBreached, AccountID: "acc-9"}
	assert.Equal(t, "risk.threshold.acc-9", SubjectFor(ev))

	mode := Event{Kind: KindEmergencyModeChanged}
	assert.Equal(t, "emergency.mode.system", SubjectFor(mode))
}
