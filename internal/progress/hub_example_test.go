package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExampleHub_Emit shows a cycle's events reaching a sink. CYCLE_DONE flushes
// the batch without waiting for MaxBatchWait.
func ExampleHub_Emit() {
	batches := make(chan []Event, 1)
	hub := NewHub(Config{MaxBatchWait: time.Hour}, SinkFunc(func(_ context.Context, batch []Event) error {
		batches <- batch
		return nil
	}))

	id := UUIDToBytes(uuid.MustParse("00000000-0000-0000-0000-000000000001"))
	hub.Emit(Event{CycleID: id, TS: time.Unix(0, 0), Stage: StageCycleStart, Targets: 2})
	hub.Emit(Event{CycleID: id, TS: time.Unix(1, 0), Stage: StageCycleDone, Matches: 0})

	batch := <-batches
	for _, evt := range batch {
		fmt.Println(evt.Stage)
	}
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}
	// Output:
	// CYCLE_START
	// CYCLE_DONE
}

// ExampleSinkFunc totals matches per target.
func ExampleSinkFunc() {
	perTarget := map[string]int{}
	count := SinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Stage == StageMatch {
				perTarget[evt.Target]++
			}
		}
		return nil
	})
	hub := NewHub(Config{MaxBatchEvents: 10, MaxBatchWait: time.Hour}, count)

	id := UUIDToBytes(uuid.MustParse("00000000-0000-0000-0000-000000000002"))
	for _, kw := range []string{"leak", "dump"} {
		hub.Emit(Event{CycleID: id, TS: time.Unix(0, 0), Stage: StageMatch, Target: "https://t.me/s/example", Keyword: kw})
	}
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("matches for example: %d\n", perTarget["https://t.me/s/example"])
	// Output:
	// matches for example: 2
}
