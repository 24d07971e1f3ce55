package forceyield

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type recordingFlagger struct {
	ids []uuid.UUID
	err error
}

func (f *recordingFlagger) SetForceYieldImmediately(_ context.Context, ids []uuid.UUID) error {
	f.ids = append(f.ids, ids...)
	return f.err
}

func TestCoordinator_ShutdownFlagsOnlyInFlight(t *testing.T) {
	f := &recordingFlagger{}
	c := NewCoordinator(f, zap.NewNop())
	a, b, done := uuid.New(), uuid.New(), uuid.New()

	var wg sync.WaitGroup
	for _, id := range []uuid.UUID{a, b, done} {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			c.Register(id)
		}(id)
	}
	wg.Wait()
	c.Deregister(done)

	c.ShutdownHook(context.Background())
	assert.ElementsMatch(t, []uuid.UUID{a, b}, f.ids)
}

func TestCoordinator_ShutdownWithNothingInFlight(t *testing.T) {
	f := &recordingFlagger{err: errors.New("should not be called")}
	c := NewCoordinator(f, zap.NewNop())
	c.ShutdownHook(context.Background())
	assert.Empty(t, f.ids)
}
