package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ===========================================================================
// DISTRIBUTED COORDINATION
// ===========================================================================
//
// Single-node data parallelism: N worker processes, one coordinator hosted
// by rank 0. Workers connect over websocket to the dist URL and issue
// collective operations; the only collective needed is AllReduceSum (the
// barrier is an all-reduce of an empty vector).
//
// Wire format, one binary frame per request and per response:
//
//   [1]  op    (opAllReduce)
//   [8]  seq   little-endian uint64, per-worker operation counter
//   [4]  count little-endian uint32, number of float64 values
//   [8n] values
//
// The coordinator accumulates contributions per sequence number; when all
// world-size workers have contributed, every contributor receives the summed
// vector. Workers issue collectives in lockstep (same order on every rank),
// which is what makes the per-worker counters line up - the same discipline
// real gradient-synchronization stacks require.
//
// There is no retry or failover: a dead worker fails the run, and the
// launcher surfaces the exit.
//
// ===========================================================================

const (
	opAllReduce byte = 1

	distMaxMessage = 256 << 20 // gradient vectors for the larger models
	distWriteWait  = 30 * time.Second
)

// ParseDistURL normalizes a distributed endpoint ("tcp://host:port",
// "ws://host:port", or bare "host:port") into a listen address and a dial
// URL.
func ParseDistURL(raw string) (listenAddr, dialURL string, err error) {
	s := raw
	for _, prefix := range []string{"tcp://", "ws://", "http://"} {
		s = strings.TrimPrefix(s, prefix)
	}
	s = strings.TrimSuffix(s, "/")
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return "", "", fmt.Errorf("dist: invalid dist URL %q: %w", raw, err)
	}
	return net.JoinHostPort(host, port), fmt.Sprintf("ws://%s/", net.JoinHostPort(host, port)), nil
}

// ===========================================================================
// COORDINATOR (rank 0)
// ===========================================================================

type reduceState struct {
	sum     []float64
	got     int
	members []*coordClient
}

type coordClient struct {
	conn *websocket.Conn
	send chan []byte
	gone bool // set under Coordinator.mu when the connection drops
}

// Coordinator hosts the collective-operation rendezvous.
type Coordinator struct {
	world    int
	log      *zap.Logger
	listener net.Listener
	srv      *http.Server

	mu      sync.Mutex
	pending map[uint64]*reduceState
}

// StartCoordinator listens on addr and serves collectives for world workers.
func StartCoordinator(addr string, world int, log *zap.Logger) (*Coordinator, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dist: listen %s: %w", addr, err)
	}
	c := &Coordinator{
		world:    world,
		log:      log,
		listener: ln,
		pending:  make(map[uint64]*reduceState),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", c.handleConn)
	c.srv = &http.Server{Handler: mux}
	go func() {
		if err := c.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Warn("coordinator serve ended", zap.Error(err))
		}
	}()
	log.Info("coordinator listening", zap.String("addr", addr), zap.Int("world", world))
	return c, nil
}

// Addr returns the bound listen address.
func (c *Coordinator) Addr() string { return c.listener.Addr().String() }

// Close shuts the coordinator down.
func (c *Coordinator) Close() error { return c.srv.Close() }

var distUpgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 20,
	WriteBufferSize: 1 << 20,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (c *Coordinator) handleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := distUpgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &coordClient{conn: conn, send: make(chan []byte, 8)}
	go client.writePump(c.log)
	c.readPump(client)
}

func (cl *coordClient) writePump(log *zap.Logger) {
	for frame := range cl.send {
		cl.conn.SetWriteDeadline(time.Now().Add(distWriteWait))
		if err := cl.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			log.Warn("coordinator write failed", zap.Error(err))
			return
		}
	}
}

func (c *Coordinator) readPump(cl *coordClient) {
	defer func() {
		cl.conn.Close()
		// Mark the client dead before closing its send channel; submit
		// checks gone under the same lock, so it never sends after close.
		c.mu.Lock()
		cl.gone = true
		c.mu.Unlock()
		close(cl.send)
	}()
	cl.conn.SetReadLimit(distMaxMessage)
	for {
		kind, frame, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("worker connection dropped", zap.Error(err))
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		op, seq, values, err := decodeFrame(frame)
		if err != nil {
			c.log.Warn("bad frame from worker", zap.Error(err))
			return
		}
		if op != opAllReduce {
			c.log.Warn("unknown collective op", zap.Uint8("op", op))
			return
		}
		c.submit(cl, seq, values)
	}
}

// submit folds one worker's contribution into the pending reduction and
// broadcasts the result once all contributions have arrived.
func (c *Coordinator) submit(cl *coordClient, seq uint64, values []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.pending[seq]
	if !ok {
		st = &reduceState{sum: make([]float64, len(values))}
		c.pending[seq] = st
	}
	if len(st.sum) != len(values) {
		c.log.Error("all-reduce length mismatch",
			zap.Uint64("seq", seq),
			zap.Int("expected", len(st.sum)),
			zap.Int("got", len(values)))
		return
	}
	for i, v := range values {
		st.sum[i] += v
	}
	st.got++
	st.members = append(st.members, cl)

	if st.got == c.world {
		frame := encodeFrame(opAllReduce, seq, st.sum)
		for _, member := range st.members {
			if member.gone {
				c.log.Warn("worker left before collective completed", zap.Uint64("seq", seq))
				continue
			}
			select {
			case member.send <- frame:
			default:
				// Never block holding the lock; a stalled worker fails its
				// own run on the missing reply.
				c.log.Warn("worker not draining collective replies", zap.Uint64("seq", seq))
			}
		}
		delete(c.pending, seq)
	}
}

// ===========================================================================
// WORKER CLIENT
// ===========================================================================

// Worker is one rank's connection to the coordinator.
type Worker struct {
	Rank  int
	World int

	mu   sync.Mutex
	conn *websocket.Conn
	seq  uint64
}

// ConnectWorker dials the coordinator, retrying until the deadline so worker
// processes can start before rank 0 is listening.
func ConnectWorker(dialURL string, rank, world int, timeout time.Duration) (*Worker, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, _, err := websocket.DefaultDialer.Dial(dialURL, nil)
		if err == nil {
			conn.SetReadLimit(distMaxMessage)
			return &Worker{Rank: rank, World: world, conn: conn}, nil
		}
		lastErr = err
		time.Sleep(100 * time.Millisecond)
	}
	return nil, fmt.Errorf("dist: rank %d could not reach coordinator at %s: %w", rank, dialURL, lastErr)
}

// AllReduceSum replaces v with the element-wise sum across all ranks. Every
// rank must call collectives in the same order.
func (w *Worker) AllReduceSum(v []float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	seq := w.seq
	w.conn.SetWriteDeadline(time.Now().Add(distWriteWait))
	if err := w.conn.WriteMessage(websocket.BinaryMessage, encodeFrame(opAllReduce, seq, v)); err != nil {
		return fmt.Errorf("dist: rank %d send: %w", w.Rank, err)
	}
	for {
		kind, frame, err := w.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("dist: rank %d recv: %w", w.Rank, err)
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		op, gotSeq, values, err := decodeFrame(frame)
		if err != nil {
			return fmt.Errorf("dist: rank %d: %w", w.Rank, err)
		}
		if op != opAllReduce || gotSeq != seq {
			return fmt.Errorf("dist: rank %d: unexpected response op=%d seq=%d (want %d)", w.Rank, op, gotSeq, seq)
		}
		copy(v, values)
		return nil
	}
}

// Barrier blocks until every rank has reached it.
func (w *Worker) Barrier() error {
	return w.AllReduceSum(nil)
}

// Close tears the connection down.
func (w *Worker) Close() error {
	w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return w.conn.Close()
}

// ===========================================================================
// FRAMING
// ===========================================================================

func encodeFrame(op byte, seq uint64, values []float64) []byte {
	frame := make([]byte, 13+8*len(values))
	frame[0] = op
	binary.LittleEndian.PutUint64(frame[1:], seq)
	binary.LittleEndian.PutUint32(frame[9:], uint32(len(values)))
	for i, v := range values {
		binary.LittleEndian.PutUint64(frame[13+8*i:], math.Float64bits(v))
	}
	return frame
}

func decodeFrame(frame []byte) (op byte, seq uint64, values []float64, err error) {
	if len(frame) < 13 {
		return 0, 0, nil, fmt.Errorf("frame too short (%d bytes)", len(frame))
	}
	op = frame[0]
	seq = binary.LittleEndian.Uint64(frame[1:])
	count := int(binary.LittleEndian.Uint32(frame[9:]))
	if len(frame) != 13+8*count {
		return 0, 0, nil, fmt.Errorf("frame length %d does not match count %d", len(frame), count)
	}
	values = make([]float64, count)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(frame[13+8*i:]))
	}
	return op, seq, values, nil
}

// AllReduceGradients averages parameter gradients across ranks in place.
// Called between backward and the optimizer step.
func AllReduceGradients(w *Worker, params []*Tensor) error {
	total := 0
	for _, p := range params {
		total += len(p.Grad)
	}
	flat := make([]float64, total)
	off := 0
	for _, p := range params {
		for _, g := range p.Grad {
			flat[off] = float64(g)
			off++
		}
	}
	if err := w.AllReduceSum(flat); err != nil {
		return err
	}
	inv := 1 / float64(w.World)
	off = 0
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] = float32(flat[off] * inv)
			off++
		}
	}
	return nil
}
