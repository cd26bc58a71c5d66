package amqputil

import (
	"testing"
	"time"
)

func TestRetryWaitDuration(t *testing.T) {
	t.Run("starts around half a second", func(t *testing.T) {
		for range 100 {
			d := RetryWaitDuration(0)
			if d < 250*time.Millisecond || d >= 750*time.Millisecond {
				t.Fatalf("got %v, want within [250ms, 750ms)", d)
			}
		}
	})

	t.Run("stops growing after the thirteenth retry", func(t *testing.T) {
		for range 100 {
			d := RetryWaitDuration(50)
			if d < 32*time.Second || d >= 98*time.Second {
				t.Fatalf("got %v, want within [32s, 98s)", d)
			}
		}
	})
}
