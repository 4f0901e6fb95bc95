package rtc

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrack struct{ writes int32 }

func (f *fakeTrack) WriteSample(s media.Sample) error {
	atomic.AddInt32(&f.writes, 1)
	return nil
}

func TestOpusPacedWriter_PacerWritesFrames(t *testing.T) {
	ft := &fakeTrack{}
	w := &OpusPacedWriter{
		track:  ft,
		frames: make(chan []byte, 8),
		stopCh: make(chan struct{}),
	}
	done := make(chan struct{})
	go func() { w.pacer(); close(done) }()

	for i := 0; i < 3; i++ {
		w.pushFrame([]byte{0x01, 0x02})
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&ft.writes) == 3 }, time.Second, 5*time.Millisecond)
	w.Close()
	<-done
	assert.Zero(t, w.Pending())
}

func TestOpusPacedWriter_ResetDrains(t *testing.T) {
	w := &OpusPacedWriter{
		track:  &fakeTrack{},
		frames: make(chan []byte, 8),
		stopCh: make(chan struct{}),
		pcmBuf: []int16{1, 2, 3},
	}
	w.frames <- []byte{0x01}
	w.frames <- []byte{0x02}
	w.Reset()
	assert.Zero(t, w.Pending())
	assert.Empty(t, w.pcmBuf)
}

func TestOpusPacedWriter_WritePCMKeepsRemainder(t *testing.T) {
	w := &OpusPacedWriter{
		track:  &fakeTrack{},
		frames: make(chan []byte, 8),
		stopCh: make(chan struct{}),
	}
	w.WritePCM(make([]byte, (frameSamples+100)*2))
	assert.Len(t, w.pcmBuf, 100)

	w.WritePCM([]byte{0x01})
	assert.Len(t, w.pcmBuf, 100)

	w.Close()
	w.Close()
}
