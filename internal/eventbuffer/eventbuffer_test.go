package eventbuffer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/camguard/internal/cloudclient"
	"github.com/technosupport/camguard/internal/onviflisten"
)

type fakeUploader struct {
	mu      sync.Mutex
	batches [][]cloudclient.EventPayload
	failN   int
}

func (f *fakeUploader) UploadEvents(ctx context.Context, events []cloudclient.EventPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return assertErr
	}
	cp := make([]cloudclient.EventPayload, len(events))
	copy(cp, events)
	f.batches = append(f.batches, cp)
	return nil
}

var assertErr = assertError("upload failed")

type assertError string

func (e assertError) Error() string { return string(e) }

func TestAppendDropsOldestAtCapacity(t *testing.T) {
	b := New(3, &fakeUploader{})
	for i := 0; i < 5; i++ {
		b.Append(onviflisten.Event{EventType: "motion_detection", Topic: "t"})
	}
	assert.Equal(t, 3, b.Depth())
}

func TestFlushBatchCappedAt50(t *testing.T) {
	up := &fakeUploader{}
	b := New(200, up)
	for i := 0; i < 120; i++ {
		b.Append(onviflisten.Event{EventType: "generic_event"})
	}
	b.flush(context.Background(), maxFlushBatch)
	require.Len(t, up.batches, 1)
	assert.LessOrEqual(t, len(up.batches[0]), maxFlushBatch)
	assert.Equal(t, 70, b.Depth())
}

func TestFailedUploadReprepends(t *testing.T) {
	up := &fakeUploader{failN: 1}
	b := New(10, up)
	b.Append(onviflisten.Event{EventType: "motion_detection"})
	b.Append(onviflisten.Event{EventType: "motion_detection"})

	b.flush(context.Background(), maxFlushBatch)
	assert.Equal(t, 2, b.Depth(), "events must survive a failed upload")

	b.flush(context.Background(), maxFlushBatch)
	assert.Equal(t, 0, b.Depth())
	require.Len(t, up.batches, 1)
}

func TestCriticalEventTriggersImmediateFlush(t *testing.T) {
	up := &fakeUploader{}
	b := New(100, up)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go b.Run(ctx)

	b.Append(onviflisten.Event{EventType: "tampering"})

	require.Eventually(t, func() bool {
		return b.Depth() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
