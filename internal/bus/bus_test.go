package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	taskSub := b.Subscribe("task.")
	defer b.Unsubscribe(taskSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicTaskStarted, TaskEvent{AgentID: "A-1"})
	b.Publish(TopicScheduleFired, ScheduleEvent{Name: "hourly"})

	select {
	case event := <-taskSub.Ch():
		if event.Topic != TopicTaskStarted {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTaskStarted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task event")
	}
	select {
	case event := <-taskSub.Ch():
		t.Fatalf("unexpected event on task subscription: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for catch-all event")
		}
	}
}

func TestBus_SlowSubscriberDropsOverflow(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicTaskCompleted, i)
	}

	count := 0
	for len(sub.Ch()) > 0 {
		<-sub.Ch()
		count++
	}
	if count != defaultBufferSize {
		t.Fatalf("received %d events, want %d", count, defaultBufferSize)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_RecentKeepsNewestInOrder(t *testing.T) {
	b := New()
	for i := 0; i < historySize+5; i++ {
		b.Publish(TopicTaskStarted, i)
	}
	b.Publish(TopicScheduleFired, "x")

	got := b.Recent("task.")
	if len(got) != historySize-1 {
		t.Fatalf("len = %d, want %d", len(got), historySize-1)
	}
	if first := got[0].Payload.(int); first != 6 {
		t.Fatalf("oldest retained = %d, want 6", first)
	}
	if last := got[len(got)-1].Payload.(int); last != historySize+4 {
		t.Fatalf("newest = %d, want %d", last, historySize+4)
	}
	if all := b.Recent(""); all[len(all)-1].Topic != TopicScheduleFired {
		t.Fatalf("newest topic = %q, want %q", all[len(all)-1].Topic, TopicScheduleFired)
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(TopicTaskClaimed, TaskEvent{AgentID: fmt.Sprintf("A-%d-%d", id, i)})
			}
		}(g)
	}
	wg.Wait()

	if got := len(sub.Ch()); got != goroutines*perGoroutine {
		t.Fatalf("received %d events, want %d", got, goroutines*perGoroutine)
	}
}

func TestBus_StampsSequenceAndTime(t *testing.T) {
	b := New()
	before := time.Now().UTC()
	b.Publish(TopicTaskClaimed, TaskEvent{AgentID: "A-1"})
	b.Publish(TopicScheduleFired, ScheduleEvent{Name: "hourly"})
	b.Publish(TopicTaskStarted, TaskEvent{AgentID: "A-1"})

	all := b.Recent("")
	for i, ev := range all {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d seq = %d", i, ev.Seq)
		}
		if ev.At.Before(before) {
			t.Fatalf("event %d stamped %v, before publish", i, ev.At)
		}
	}
	// Sequence numbers are global, so a filtered view has gaps.
	if tasks := b.Recent("task."); len(tasks) != 2 || tasks[1].Seq != 3 {
		t.Fatalf("task events = %+v", tasks)
	}
}
