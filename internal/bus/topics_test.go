package bus

import (
	"testing"
	"time"
)

func TestTaskTopicsShareTaskPrefix(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	topics := []string{
		TopicTaskStarted,
		TopicTaskResumed,
		TopicTaskCompleted,
		TopicTaskErrored,
		TopicTaskCanceled,
		TopicTaskClaimed,
	}
	seen := map[string]bool{}
	for _, topic := range topics {
		if seen[topic] {
			t.Fatalf("duplicate topic %q", topic)
		}
		seen[topic] = true
		b.Publish(topic, TaskEvent{AgentID: "A-1", At: time.Now()})
	}
	b.Publish(TopicScheduleFired, ScheduleEvent{Name: "nightly"})

	for range topics {
		select {
		case ev := <-sub.Ch():
			if _, ok := ev.Payload.(TaskEvent); !ok {
				t.Fatalf("payload = %T, want TaskEvent", ev.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for task event")
		}
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event %q on task subscription", ev.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}
