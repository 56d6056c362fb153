package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxControlBeforeData(t *testing.T) {
	o := newOutbox(8)
	_, ok := o.pushData([]byte("d1"))
	require.True(t, ok)
	require.True(t, o.pushControl([]byte("c1")))

	ctx := context.Background()
	msg, err := o.next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c1", string(msg))

	msg, err = o.next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "d1", string(msg))
}

func TestOutboxDropsOldestDataOnly(t *testing.T) {
	o := newOutbox(2)
	o.pushData([]byte("d1"))
	o.pushData([]byte("d2"))
	o.pushControl([]byte("c1"))
	o.pushControl([]byte("c2"))
	o.pushControl([]byte("c3"))

	dropped, ok := o.pushData([]byte("d3"))
	require.True(t, ok)
	assert.Equal(t, uint64(1), dropped, "oldest record evicted")
	assert.Equal(t, uint64(1), o.droppedCount())

	ctx := context.Background()
	var got []string
	for i := 0; i < 5; i++ {
		msg, err := o.next(ctx)
		require.NoError(t, err)
		got = append(got, string(msg))
	}
	assert.Equal(t, []string{"c1", "c2", "c3", "d2", "d3"}, got,
		"every control survives; only d1 was dropped")
}

func TestOutboxNextBlocksUntilPush(t *testing.T) {
	o := newOutbox(4)
	done := make(chan []byte, 1)
	go func() {
		msg, err := o.next(context.Background())
		if err == nil {
			done <- msg
		}
	}()

	time.Sleep(10 * time.Millisecond)
	o.pushControl([]byte("late"))

	select {
	case msg := <-done:
		assert.Equal(t, "late", string(msg))
	case <-time.After(time.Second):
		t.Fatal("next never woke")
	}
}

func TestOutboxClose(t *testing.T) {
	o := newOutbox(4)
	o.close()

	assert.False(t, o.pushControl([]byte("x")))
	_, ok := o.pushData([]byte("y"))
	assert.False(t, ok)

	_, err := o.next(context.Background())
	assert.ErrorIs(t, err, ErrOutboxClosed)
}

func TestOutboxNextHonorsContext(t *testing.T) {
	o := newOutbox(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
