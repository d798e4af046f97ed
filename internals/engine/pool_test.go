package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubWorker struct {
	id     int
	closed bool
}

func (w *stubWorker) ID() int { return w.id }

func (w *stubWorker) CreateRouter(codecs []RTPCodecCapability) (Router, error) {
	return nil, errors.New("not implemented")
}

func (w *stubWorker) Close() error {
	w.closed = true
	return nil
}

func TestPoolRequiresWorkers(t *testing.T) {
	_, err := NewPool(nil, zap.NewNop())
	require.Error(t, err)
}

func TestPoolRoundRobin(t *testing.T) {
	workers := []Worker{&stubWorker{id: 0}, &stubWorker{id: 1}, &stubWorker{id: 2}}
	pool, err := NewPool(workers, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, 3, pool.Size())

	got := make([]int, 0, 6)
	for i := 0; i < 6; i++ {
		got = append(got, pool.Next().ID())
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, got)
}

func TestPoolFatalEscalates(t *testing.T) {
	pool, err := NewPool([]Worker{&stubWorker{id: 0}}, zap.NewNop())
	require.NoError(t, err)

	var gotWorker int
	var gotErr error
	pool.OnFatal = func(workerID int, err error) {
		gotWorker = workerID
		gotErr = err
	}

	boom := errors.New("udp socket gone")
	pool.Fatal(0, boom)

	assert.Equal(t, 0, gotWorker)
	assert.Equal(t, boom, gotErr)
}

func TestPoolCloseClosesWorkers(t *testing.T) {
	w0 := &stubWorker{id: 0}
	w1 := &stubWorker{id: 1}
	pool, err := NewPool([]Worker{w0, w1}, zap.NewNop())
	require.NoError(t, err)

	pool.Close()

	assert.True(t, w0.closed)
	assert.True(t, w1.closed)
	assert.Equal(t, 0, pool.Size())
}

func TestCapabilitiesCanDecode(t *testing.T) {
	caps := RTPCapabilities{Codecs: DefaultCodecs()}
	assert.True(t, caps.CanDecode("video/vp8"))
	assert.True(t, caps.CanDecode("audio/opus"))
	assert.False(t, caps.CanDecode("video/av1"))
}
