package main

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func startTestCoordinator(t *testing.T, world int) (*Coordinator, string) {
	t.Helper()
	coord, err := StartCoordinator("127.0.0.1:0", world, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { coord.Close() })
	return coord, "ws://" + coord.Addr() + "/"
}

// TestParseDistURL verifies scheme normalization.
func TestParseDistURL(t *testing.T) {
	for _, raw := range []string{
		"tcp://127.0.0.1:23456",
		"ws://127.0.0.1:23456",
		"http://127.0.0.1:23456/",
		"127.0.0.1:23456",
	} {
		listen, dial, err := ParseDistURL(raw)
		require.NoError(t, err, raw)
		require.Equal(t, "127.0.0.1:23456", listen)
		require.Equal(t, "ws://127.0.0.1:23456/", dial)
	}

	_, _, err := ParseDistURL("not-a-url")
	require.Error(t, err)
}

// TestFrameRoundTrip verifies the binary collective framing.
func TestFrameRoundTrip(t *testing.T) {
	values := []float64{1.5, -2.25, 1e10, 0}
	frame := encodeFrame(opAllReduce, 42, values)

	op, seq, got, err := decodeFrame(frame)
	require.NoError(t, err)
	require.Equal(t, opAllReduce, op)
	require.Equal(t, uint64(42), seq)
	require.Equal(t, values, got)

	_, _, _, err = decodeFrame(frame[:5])
	require.Error(t, err)
	_, _, _, err = decodeFrame(frame[:len(frame)-1])
	require.Error(t, err)
}

// TestAllReduceAcrossWorkers runs a three-rank all-reduce in-process.
func TestAllReduceAcrossWorkers(t *testing.T) {
	const world = 3
	_, dialURL := startTestCoordinator(t, world)

	var g errgroup.Group
	for rank := 0; rank < world; rank++ {
		rank := rank
		g.Go(func() error {
			w, err := ConnectWorker(dialURL, rank, world, 5*time.Second)
			if err != nil {
				return err
			}
			defer w.Close()

			v := []float64{float64(rank + 1), 1}
			if err := w.AllReduceSum(v); err != nil {
				return err
			}
			// 1+2+3 = 6 contributions, one count per rank.
			require.Equal(t, []float64{6, 3}, v)

			// A second collective must line up on a fresh sequence number.
			v2 := []float64{float64(rank)}
			if err := w.AllReduceSum(v2); err != nil {
				return err
			}
			require.Equal(t, []float64{3}, v2)
			return w.Barrier()
		})
	}
	require.NoError(t, g.Wait())
}

// TestMeterAllReduce verifies distributed meters weight every sample equally.
func TestMeterAllReduce(t *testing.T) {
	const world = 2
	_, dialURL := startTestCoordinator(t, world)

	updates := [][2]float64{
		{80, 100}, // rank 0: 80% over 100 samples
		{60, 50},  // rank 1: 60% over 50 samples
	}
	var g errgroup.Group
	for rank := 0; rank < world; rank++ {
		rank := rank
		g.Go(func() error {
			w, err := ConnectWorker(dialURL, rank, world, 5*time.Second)
			if err != nil {
				return err
			}
			defer w.Close()

			m := NewAverageMeter("Acc@1", "%6.2f", SummaryAverage)
			m.Update(updates[rank][0], int(updates[rank][1]))
			if err := m.AllReduce(w); err != nil {
				return err
			}
			// (80*100 + 60*50) / 150
			require.InDelta(t, 73.333333, m.Avg, 1e-6)
			require.Equal(t, float64(150), m.Count)
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

// TestAllReduceGradients verifies gradient averaging across ranks.
func TestAllReduceGradients(t *testing.T) {
	const world = 2
	_, dialURL := startTestCoordinator(t, world)

	var g errgroup.Group
	results := make([][]float32, world)
	for rank := 0; rank < world; rank++ {
		rank := rank
		g.Go(func() error {
			w, err := ConnectWorker(dialURL, rank, world, 5*time.Second)
			if err != nil {
				return err
			}
			defer w.Close()

			p := NewTensor(3)
			p.ZeroGrad()
			for i := range p.Grad {
				p.Grad[i] = float32((rank + 1) * (i + 1))
			}
			if err := AllReduceGradients(w, []*Tensor{p}); err != nil {
				return err
			}
			results[rank] = p.Grad
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// Average of rank gradients: ((1+2)/2)*(i+1).
	want := []float32{1.5, 3, 4.5}
	for rank := 0; rank < world; rank++ {
		require.Equal(t, want, results[rank])
	}
}

// TestCoordinatorSurvivesDroppedWorker verifies a worker that disconnects
// after contributing does not take the coordinator down when the collective
// completes and its reply cannot be delivered.
func TestCoordinatorSurvivesDroppedWorker(t *testing.T) {
	const world = 2
	_, dialURL := startTestCoordinator(t, world)

	ghost, _, err := websocket.DefaultDialer.Dial(dialURL, nil)
	require.NoError(t, err)
	require.NoError(t, ghost.WriteMessage(websocket.BinaryMessage,
		encodeFrame(opAllReduce, 1, []float64{1})))
	time.Sleep(50 * time.Millisecond) // let the contribution land
	require.NoError(t, ghost.Close())
	time.Sleep(50 * time.Millisecond) // let the disconnect register

	w, err := ConnectWorker(dialURL, 1, world, 5*time.Second)
	require.NoError(t, err)
	defer w.Close()

	v := []float64{2}
	require.NoError(t, w.AllReduceSum(v))
	require.Equal(t, []float64{3}, v)
}

// TestConnectWorkerTimeout verifies the dial retry gives up with a useful
// error.
func TestConnectWorkerTimeout(t *testing.T) {
	_, err := ConnectWorker("ws://127.0.0.1:1/", 0, 2, 300*time.Millisecond)
	require.Error(t, err)
	require.Contains(t, err.Error(), "coordinator")
}
