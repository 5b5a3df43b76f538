package executor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/whisper-darkly/sticky-scheduler/store"
)

// Handler executes one claimed task. A non-nil error marks the task
// failed; there is no retry.
type Handler func(ctx context.Context, t store.Task) error

// Registry maps task types to their bodies. Supplied at startup; the
// pipeline itself does not care which types exist.
type Registry map[store.TaskType]Handler

const barURL = "https://www.whattimeisitrightnow.com/"

var barClient = &http.Client{Timeout: 30 * time.Second}

// DefaultRegistry returns the stock handlers for the built-in task
// types.
func DefaultRegistry() Registry {
	return Registry{
		store.TypeFoo: runFoo,
		store.TypeBar: runBar,
		store.TypeBaz: runBaz,
	}
}

// runFoo sleeps for 3 seconds, then prints "Foo <task_id>".
func runFoo(ctx context.Context, t store.Task) error {
	timer := time.NewTimer(3 * time.Second)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	fmt.Printf("task_id: %s | Foo %s\n", t.ID, t.ID)
	return nil
}

// runBar issues a GET against barURL and prints the response status
// code.
func runBar(ctx context.Context, t store.Task) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, barURL, nil)
	if err != nil {
		return err
	}
	resp, err := barClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	fmt.Printf("task_id: %s | Bar %d\n", t.ID, resp.StatusCode)
	return nil
}

// runBaz prints "Baz <N>" for a random N in [0, 343].
func runBaz(ctx context.Context, t store.Task) error {
	fmt.Printf("task_id: %s | Baz %d\n", t.ID, rand.IntN(344))
	return nil
}
