package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_TypeFilteredDelivery(t *testing.T) {
	b := NewBus()
	blocked := b.Subscribe(TypeBotBlocked)
	all := b.Subscribe()

	b.Emit(TypeBotBlocked, "/gateway", "sig-hash", map[string]interface{}{"probability": 0.97})
	b.Emit(TypeDetectionCompleted, "/gateway", "sig-hash", nil)

	select {
	case e := <-blocked:
		assert.Equal(t, TypeBotBlocked, e.Type)
		assert.Equal(t, "sig-hash", e.Subject)
	case <-time.After(time.Second):
		t.Fatal("no event on filtered subscription")
	}
	select {
	case <-blocked:
		t.Fatal("filtered subscription saw a foreign type")
	default:
	}

	assert.Len(t, drain(all), 2)
}

func drain(ch chan *CloudEvent) []*CloudEvent {
	var out []*CloudEvent
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestBus_SlowSubscriberLosesNotBlocks(t *testing.T) {
	b := NewBus()
	b.bufferSize = 2
	ch := b.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Emit(TypeDetectionCompleted, "/gateway", "", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.LessOrEqual(t, len(drain(ch)), 2)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(TypeAdminBlock)
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(ch)
	assert.Zero(t, b.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)
}

func TestCloudEvent_SSEFormat(t *testing.T) {
	e := NewCloudEvent(TypeBotBlocked, "/gateway", "sig", map[string]interface{}{"band": "VeryHigh"})
	frame, err := e.SSEFormat()
	require.NoError(t, err)

	s := string(frame)
	assert.Contains(t, s, "event: "+TypeBotBlocked+"\n")
	assert.Contains(t, s, "data: {")
	assert.Contains(t, s, "id: "+e.ID+"\n")
	assert.Equal(t, "\n\n", s[len(s)-2:])
}

func TestCloudEvent_Envelope(t *testing.T) {
	e := NewCloudEvent(TypeDetectionCompleted, "/gateway", "", nil)
	assert.Equal(t, "1.0", e.SpecVersion)
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Time.IsZero())
}
