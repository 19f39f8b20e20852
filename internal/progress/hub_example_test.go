package progress_test

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/policy-ingest/internal/progress"
)

// ExampleHub totals the bytes of successful scrapes with a SinkFunc.
func ExampleHub() {
	var scraped int64
	hub := progress.NewHub(progress.Config{MaxBatchWait: time.Second},
		progress.WithSink(progress.SinkFunc(func(_ context.Context, batch []progress.Event) error {
			for _, evt := range batch {
				if evt.Stage == progress.StageScrapeDone && evt.Success {
					scraped += evt.Bytes
				}
			}
			return nil
		})),
	)

	for _, n := range []int64{512, 2048} {
		hub.Emit(progress.Event{
			Stage:       progress.StageScrapeDone,
			Site:        "example.com",
			Tier:        "fetch",
			Success:     true,
			StatusClass: progress.ClassifyStatus(200),
			Bytes:       n,
		})
	}
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("bytes scraped: %d, delivered: %d\n", scraped, hub.Delivered())
	// Output:
	// bytes scraped: 2560, delivered: 2
}
