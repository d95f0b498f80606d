package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncql/internal/metrics"
)

type recorder struct {
	mu     sync.Mutex
	values []any
}

func (r *recorder) handle(e Event) {
	r.mu.Lock()
	r.values = append(r.values, e.Value)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.values...)
}

func waitIdle(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
}

func TestDeliver_InOrderPerSubscriber(t *testing.T) {
	d := New()
	defer d.Close()

	var rec recorder
	d.Subscribe("watch:a", rec.handle)

	for i := 0; i < 10; i++ {
		d.Deliver("watch:a", i)
	}
	waitIdle(t, d)

	assert.Equal(t, []any{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, rec.snapshot())
}

func TestDeliver_TopicIsolation(t *testing.T) {
	d := New()
	defer d.Close()

	var a, b recorder
	d.Subscribe("watch:a", a.handle)
	d.Subscribe("watch:b", b.handle)

	d.Deliver("watch:a", "for-a")
	waitIdle(t, d)

	assert.Equal(t, []any{"for-a"}, a.snapshot())
	assert.Empty(t, b.snapshot())
}

func TestDeliver_FanOut(t *testing.T) {
	d := New()
	defer d.Close()

	var r1, r2 recorder
	d.Subscribe("t", r1.handle)
	d.Subscribe("t", r2.handle)

	d.Deliver("t", "x")
	waitIdle(t, d)

	assert.Equal(t, []any{"x"}, r1.snapshot())
	assert.Equal(t, []any{"x"}, r2.snapshot())
}

func TestDeliver_DropsOldestWhenFull(t *testing.T) {
	m := metrics.New(nil)
	d := New(WithQueueSize(2), WithMetrics(m))
	defer d.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	var rec recorder
	var once sync.Once
	d.Subscribe("watch:slow", func(e Event) {
		once.Do(func() {
			close(started)
			<-release
		})
		rec.handle(e)
	})

	d.Deliver("watch:slow", 0)
	<-started // handler is now blocked holding event 0

	for i := 1; i <= 4; i++ {
		d.Deliver("watch:slow", i)
	}
	close(release)
	waitIdle(t, d)

	// Queue held two slots: 1 and 2 were dropped for 3 and 4.
	assert.Equal(t, []any{0, 3, 4}, rec.snapshot())
	assert.Equal(t, float64(2), testutil.ToFloat64(m.DispatchDrops.WithLabelValues("watch")))
}

func TestDeliver_NeverBlocks(t *testing.T) {
	d := New(WithQueueSize(1))
	defer d.Close()

	block := make(chan struct{})
	defer close(block)
	d.Subscribe("t", func(Event) { <-block })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			d.Deliver("t", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Deliver blocked on a slow subscriber")
	}
}

func TestSubscriberClose_StopsDelivery(t *testing.T) {
	d := New()
	defer d.Close()

	var rec recorder
	s := d.Subscribe("t", rec.handle)
	d.Deliver("t", 1)
	waitIdle(t, d)

	s.Close()
	<-s.Done()
	d.Deliver("t", 2)
	waitIdle(t, d)

	assert.Equal(t, []any{1}, rec.snapshot())
}

func TestSubscriberClose_FromInsideHandler(t *testing.T) {
	d := New()
	defer d.Close()

	var rec recorder
	var s *Subscriber
	ready := make(chan struct{})
	s = d.Subscribe("t", func(e Event) {
		<-ready
		rec.handle(e)
		s.Close()
	})
	close(ready)

	d.Deliver("t", 1)
	d.Deliver("t", 2)
	waitIdle(t, d)

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not stop")
	}
	assert.Equal(t, []any{1}, rec.snapshot())
}

func TestDispatcherClose(t *testing.T) {
	d := New()

	var rec recorder
	s := d.Subscribe("t", rec.handle)
	d.Close()
	<-s.Done()

	d.Deliver("t", 1)
	late := d.Subscribe("t", rec.handle)
	<-late.Done()

	waitIdle(t, d)
	assert.Empty(t, rec.snapshot())
}

func TestWait_RespectsContext(t *testing.T) {
	d := New()
	defer d.Close()

	block := make(chan struct{})
	defer close(block)
	d.Subscribe("t", func(Event) { <-block })
	d.Deliver("t", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)
}

func TestEvent_SeqIncreases(t *testing.T) {
	d := New()
	defer d.Close()

	var mu sync.Mutex
	var seqs []int64
	d.Subscribe("t", func(e Event) {
		mu.Lock()
		seqs = append(seqs, e.Seq)
		mu.Unlock()
	})
	d.Deliver("t", nil)
	d.Deliver("t", nil)
	waitIdle(t, d)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seqs, 2)
	assert.Less(t, seqs[0], seqs[1])
}
