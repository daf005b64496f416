package main

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

// testFrame returns a tiny frame whose pixels all equal fill.
func testFrame(fill byte) SharedFrame {
	return SharedFrame{
		Timestamp: time.Now(),
		Rows:      4,
		Cols:      4,
		Type:      gocv.MatTypeCV8UC1,
		Pix:       bytes.Repeat([]byte{fill}, 16),
	}
}

func TestFrameExchangeEmpty(t *testing.T) {
	x := NewFrameExchange()

	f, ok := x.Latest()
	assert.False(t, ok)
	assert.Nil(t, f)
	assert.Zero(t, x.Seq())
}

func TestFrameExchangePublish(t *testing.T) {
	x := NewFrameExchange()

	first := x.Publish(testFrame(1))
	second := x.Publish(testFrame(2))

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, uint64(2), x.Seq())

	latest, ok := x.Latest()
	require.True(t, ok)
	assert.Same(t, second, latest)
	assert.Equal(t, byte(2), latest.Pix[0])

	// An earlier frame handed out stays intact.
	assert.Equal(t, byte(1), first.Pix[0])
}

func TestFrameExchangeWait(t *testing.T) {
	x := NewFrameExchange()

	t.Run("returns a newer frame immediately", func(t *testing.T) {
		x.Publish(testFrame(1))
		f, err := x.Wait(t.Context(), 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), f.Seq)
	})

	t.Run("blocks until publish", func(t *testing.T) {
		done := make(chan *SharedFrame, 1)
		go func() {
			f, err := x.Wait(context.Background(), x.Seq())
			if err == nil {
				done <- f
			}
			close(done)
		}()

		select {
		case <-done:
			t.Fatal("Wait() returned before a new frame was published")
		case <-time.After(50 * time.Millisecond):
		}

		x.Publish(testFrame(7))
		select {
		case f := <-done:
			require.NotNil(t, f)
			assert.Equal(t, byte(7), f.Pix[0])
		case <-time.After(time.Second):
			t.Fatal("Wait() did not wake up after publish")
		}
	})

	t.Run("honours cancellation", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
		defer cancel()
		_, err := x.Wait(ctx, x.Seq())
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestFrameExchangeConcurrentReaders(t *testing.T) {
	const (
		readers   = 8
		publishes = 2000
	)
	x := NewFrameExchange()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan string, readers)
	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for ctx.Err() == nil {
				f, ok := x.Latest()
				if !ok {
					continue
				}
				if f.Seq < last {
					errs <- "sequence went backwards"
					return
				}
				// Every pixel of a frame carries the same value; a mix would
				// mean a torn frame.
				want := f.Pix[0]
				for _, p := range f.Pix {
					if p != want {
						errs <- "torn frame"
						return
					}
				}
				last = f.Seq
			}
		}()
	}

	for i := 0; i < publishes; i++ {
		x.Publish(testFrame(byte(i)))
	}
	cancel()
	wg.Wait()
	close(errs)

	for e := range errs {
		t.Error(e)
	}
	assert.Equal(t, uint64(publishes), x.Seq())
}

func TestSharedFrameRoundTrip(t *testing.T) {
	src := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(10, 20, 30, 0), 6, 8, gocv.MatTypeCV8UC3)
	defer src.Close()

	ts := time.Date(2026, 10, 17, 8, 30, 0, 0, time.UTC)
	f := snapshotFrame(src, ts, true)
	assert.Equal(t, 6, f.Rows)
	assert.Equal(t, 8, f.Cols)
	assert.Equal(t, gocv.MatTypeCV8UC3, f.Type)
	assert.Len(t, f.Pix, 6*8*3)
	assert.True(t, f.Occupied)
	assert.Equal(t, ts, f.Timestamp)

	// The copy is independent of the source Mat.
	src.SetTo(gocv.NewScalar(0, 0, 0, 0))

	m, err := f.Mat()
	require.NoError(t, err)
	defer m.Close()
	v := m.GetVecbAt(2, 3)
	assert.Equal(t, gocv.Vecb{10, 20, 30}, v)
}
