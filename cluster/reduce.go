package cluster

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sync/errgroup"
)

// Reducer is the collective-communication collaborator: a blocking scalar
// sum across all workers. Implementations must guarantee that every worker
// returns the identical value or an error; there is no partial-worker
// recovery.
type Reducer interface {
	// AllReduceSum blocks until every worker has contributed, then returns
	// the global sum on all of them.
	AllReduceSum(ctx context.Context, v float64) (float64, error)

	// WorldSize returns the number of participating workers.
	WorldSize() int
}

// LocalReducer is the world-size-1 reducer used by single-process training
// and tests.
type LocalReducer struct{}

func (LocalReducer) AllReduceSum(_ context.Context, v float64) (float64, error) { return v, nil }
func (LocalReducer) WorldSize() int                                             { return 1 }

type frameKind uint8

const (
	frameHello frameKind = iota + 1
	frameValue
	frameResult
)

// frame is one length-prefixed CBOR message on the coordinator link.
type frame struct {
	Kind  frameKind `cbor:"kind"`
	Seq   uint64    `cbor:"seq"`
	Rank  int       `cbor:"rank"`
	Value float64   `cbor:"value,omitempty"`
}

// TCPReducer implements the scalar all-reduce over a rank-0 star topology:
// every worker sends its partial to rank 0, which sums the contributions
// and broadcasts the total back. Collectives are sequence-numbered so a
// worker that falls out of lockstep fails instead of silently mixing
// results from different operations.
type TCPReducer struct {
	config *WorkerConfig

	// rank 0 only: one connection per remote rank, indexed rank-1.
	peers []net.Conn

	// ranks > 0 only: the connection to the coordinator.
	coordinator net.Conn

	seq uint64
}

// Connect establishes the reduce topology. Rank 0 listens on the
// coordinator address and waits for every other rank to check in; the
// remaining ranks dial in and identify themselves with a hello frame. The
// whole handshake is bounded by the configured communication timeout.
func Connect(ctx context.Context, config *WorkerConfig) (*TCPReducer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	r := &TCPReducer{config: config}
	if config.WorldSize == 1 {
		return r, nil
	}

	ctx, cancel := context.WithTimeout(ctx, config.CommTimeout)
	defer cancel()

	if config.Rank == 0 {
		if err := r.acceptPeers(ctx); err != nil {
			return nil, err
		}
	} else {
		if err := r.dialCoordinator(ctx); err != nil {
			return nil, err
		}
	}

	slog.Debug("reduce topology established", "world_size", config.WorldSize)
	return r, nil
}

func (r *TCPReducer) acceptPeers(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", r.config.CoordinatorAddr)
	if err != nil {
		return fmt.Errorf("coordinator listen on %s: %w", r.config.CoordinatorAddr, err)
	}
	defer ln.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if tcp, ok := ln.(*net.TCPListener); ok {
			tcp.SetDeadline(deadline)
		}
	}

	r.peers = make([]net.Conn, r.config.WorldSize-1)
	for i := 0; i < r.config.WorldSize-1; i++ {
		conn, err := ln.Accept()
		if err != nil {
			r.Close()
			return fmt.Errorf("waiting for workers (%d/%d checked in): %w", i, r.config.WorldSize-1, err)
		}

		hello, err := readFrame(conn, ctx)
		if err != nil {
			r.Close()
			return fmt.Errorf("worker handshake: %w", err)
		}
		if hello.Kind != frameHello || hello.Rank < 1 || hello.Rank >= r.config.WorldSize {
			r.Close()
			return fmt.Errorf("unexpected handshake from %s: kind=%d rank=%d", conn.RemoteAddr(), hello.Kind, hello.Rank)
		}
		if r.peers[hello.Rank-1] != nil {
			r.Close()
			return fmt.Errorf("rank %d checked in twice", hello.Rank)
		}
		r.peers[hello.Rank-1] = conn
	}
	return nil
}

func (r *TCPReducer) dialCoordinator(ctx context.Context) error {
	var d net.Dialer
	var conn net.Conn
	var err error

	// The coordinator may come up after this worker; retry until the
	// communication timeout expires.
	for {
		conn, err = d.DialContext(ctx, "tcp", r.config.CoordinatorAddr)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("dialing coordinator %s: %w", r.config.CoordinatorAddr, err)
		case <-time.After(100 * time.Millisecond):
		}
	}

	if err := writeFrame(conn, ctx, frame{Kind: frameHello, Rank: r.config.Rank}); err != nil {
		conn.Close()
		return fmt.Errorf("coordinator handshake: %w", err)
	}
	r.coordinator = conn
	return nil
}

func (r *TCPReducer) WorldSize() int {
	return r.config.WorldSize
}

// AllReduceSum performs one lockstep scalar reduction. Every worker must
// call it the same number of times in the same order.
func (r *TCPReducer) AllReduceSum(ctx context.Context, v float64) (float64, error) {
	if r.config.WorldSize == 1 {
		return v, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.CommTimeout)
	defer cancel()

	r.seq++
	if r.config.Rank == 0 {
		return r.coordinate(ctx, v)
	}
	return r.contribute(ctx, v)
}

func (r *TCPReducer) coordinate(ctx context.Context, own float64) (float64, error) {
	partials := make([]float64, len(r.peers))

	g, ctx := errgroup.WithContext(ctx)
	for i, conn := range r.peers {
		g.Go(func() error {
			f, err := readFrame(conn, ctx)
			if err != nil {
				return fmt.Errorf("rank %d partial: %w", i+1, err)
			}
			if f.Kind != frameValue || f.Seq != r.seq {
				return fmt.Errorf("rank %d out of lockstep: kind=%d seq=%d, want seq=%d", i+1, f.Kind, f.Seq, r.seq)
			}
			partials[i] = f.Value
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	total := own
	for _, p := range partials {
		total += p
	}

	g, ctx = errgroup.WithContext(ctx)
	for i, conn := range r.peers {
		g.Go(func() error {
			if err := writeFrame(conn, ctx, frame{Kind: frameResult, Seq: r.seq, Value: total}); err != nil {
				return fmt.Errorf("broadcast to rank %d: %w", i+1, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	return total, nil
}

func (r *TCPReducer) contribute(ctx context.Context, v float64) (float64, error) {
	if err := writeFrame(r.coordinator, ctx, frame{Kind: frameValue, Seq: r.seq, Rank: r.config.Rank, Value: v}); err != nil {
		return 0, fmt.Errorf("sending partial: %w", err)
	}

	f, err := readFrame(r.coordinator, ctx)
	if err != nil {
		return 0, fmt.Errorf("receiving reduced value: %w", err)
	}
	if f.Kind != frameResult || f.Seq != r.seq {
		return 0, fmt.Errorf("out of lockstep with coordinator: kind=%d seq=%d, want seq=%d", f.Kind, f.Seq, r.seq)
	}
	return f.Value, nil
}

// Close tears down every connection of this worker.
func (r *TCPReducer) Close() error {
	var firstErr error
	for _, conn := range r.peers {
		if conn != nil {
			if err := conn.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if r.coordinator != nil {
		if err := r.coordinator.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func writeFrame(conn net.Conn, ctx context.Context, f frame) error {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}

	body, err := cbor.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)

	_, err = conn.Write(buf)
	return err
}

func readFrame(conn net.Conn, ctx context.Context) (frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}

	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return frame{}, err
	}
	if length > 1<<16 {
		return frame{}, fmt.Errorf("frame length %d exceeds limit", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(conn, body); err != nil {
		return frame{}, err
	}

	var f frame
	if err := cbor.Unmarshal(body, &f); err != nil {
		return frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	return f, nil
}
