package mapreduce

import "testing"

func newItems(n int) []*WorkItem {
	items := make([]*WorkItem, n)
	for i := 0; i < n; i++ {
		items[i] = &WorkItem{ID: string(rune('a' + i)), Index: i, Total: n}
	}
	return items
}

func TestQueueReserveCompleteDrains(t *testing.T) {
	q := NewQueue(newItems(3))

	first, ok := q.Reserve("agent-1")
	if !ok || first.ID != "a" {
		t.Fatalf("expected to reserve item a, got %+v ok=%v", first, ok)
	}
	if q.Drained() {
		t.Fatal("queue must not report drained while b and c are still pending")
	}

	second, ok := q.Reserve("agent-2")
	if !ok || second.ID != "b" {
		t.Fatalf("expected to reserve item b, got %+v ok=%v", second, ok)
	}
	third, ok := q.Reserve("agent-3")
	if !ok || third.ID != "c" {
		t.Fatalf("expected to reserve item c, got %+v ok=%v", third, ok)
	}

	if !q.Drained() {
		t.Fatal("queue must report drained once every item is reserved")
	}
	if _, ok := q.Reserve("agent-4"); ok {
		t.Fatal("reserve must fail once the queue is drained")
	}

	q.Complete("a")
	q.Complete("b")
	q.Complete("c")

	succeeded, deadLettered, pending, inFlight := q.Counts()
	if succeeded != 3 || deadLettered != 0 || pending != 0 || inFlight != 0 {
		t.Fatalf("unexpected counts: succeeded=%d deadLettered=%d pending=%d inFlight=%d", succeeded, deadLettered, pending, inFlight)
	}
}

func TestQueueNackRequeuesUntilMaxRetriesThenDeadLetters(t *testing.T) {
	q := NewQueue(newItems(1))

	item, ok := q.Reserve("agent-1")
	if !ok {
		t.Fatal("expected to reserve the only item")
	}
	if requeued := q.Nack(item.ID, 2); !requeued {
		t.Fatal("first nack with maxRetries=2 should re-enqueue")
	}

	_, _, pending, _ := q.Counts()
	if pending != 1 {
		t.Fatalf("expected item back on the pending list, got pending=%d", pending)
	}

	item, ok = q.Reserve("agent-2")
	if !ok {
		t.Fatal("expected to re-reserve the requeued item")
	}
	if requeued := q.Nack(item.ID, 2); requeued {
		t.Fatal("second nack at maxRetries=2 should dead-letter, not requeue")
	}

	succeeded, deadLettered, pending, inFlight := q.Counts()
	if succeeded != 0 || deadLettered != 1 || pending != 0 || inFlight != 0 {
		t.Fatalf("unexpected counts after dead-lettering: succeeded=%d deadLettered=%d pending=%d inFlight=%d", succeeded, deadLettered, pending, inFlight)
	}
}

func TestQueueRequeueInFlightForResume(t *testing.T) {
	q := NewQueue(newItems(2))

	if _, ok := q.Reserve("agent-1"); !ok {
		t.Fatal("expected to reserve item a")
	}
	if _, ok := q.Reserve("agent-2"); !ok {
		t.Fatal("expected to reserve item b")
	}
	q.Complete("a")

	q.RequeueInFlight()

	succeeded, deadLettered, pending, inFlight := q.Counts()
	if succeeded != 1 || deadLettered != 0 || pending != 1 || inFlight != 0 {
		t.Fatalf("resume requeue should leave completed items alone and re-queue in-flight ones: succeeded=%d deadLettered=%d pending=%d inFlight=%d", succeeded, deadLettered, pending, inFlight)
	}

	item, ok := q.Reserve("agent-3")
	if !ok || item.ID != "b" {
		t.Fatalf("expected the requeued item b to be reservable again, got %+v ok=%v", item, ok)
	}
}

func TestQueueInvariantItemCountIsConserved(t *testing.T) {
	const total = 5
	q := NewQueue(newItems(total))

	for {
		item, ok := q.Reserve("worker")
		if !ok {
			break
		}
		if item.Index%2 == 0 {
			q.Complete(item.ID)
		} else if !q.Nack(item.ID, 1) {
			// dead-lettered on first failure since maxRetries=1
		}
	}

	succeeded, deadLettered, pending, inFlight := q.Counts()
	if succeeded+deadLettered+pending+inFlight != total {
		t.Fatalf("item count not conserved: succeeded=%d deadLettered=%d pending=%d inFlight=%d total=%d",
			succeeded, deadLettered, pending, inFlight, total)
	}
}
