package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Grows(t *testing.T) {
	backoff := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2}

	assert.Equal(t, 100*time.Millisecond, backoff.Delay(0))
	assert.Equal(t, 200*time.Millisecond, backoff.Delay(1))
	assert.Equal(t, 400*time.Millisecond, backoff.Delay(2))
	assert.Equal(t, time.Second, backoff.Delay(4))
	assert.Equal(t, time.Second, backoff.Delay(50))
}

func TestBackoff_Jitter(t *testing.T) {
	backoff := DefaultBackoff()

	for i := 0; i < 100; i++ {
		delay := backoff.Delay(0)
		assert.GreaterOrEqual(t, delay, 200*time.Millisecond)
		assert.LessOrEqual(t, delay, 300*time.Millisecond)
	}
	for i := 0; i < 100; i++ {
		assert.LessOrEqual(t, backoff.Delay(30), backoff.Max)
	}
}

func TestBackoff_Zero(t *testing.T) {
	assert.Equal(t, time.Duration(0), Backoff{}.Delay(3))
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, Sleep(ctx, 0), context.Canceled)
}
