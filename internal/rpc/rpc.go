// Package rpc implements a length-prefixed framed request/response
// protocol: a 4-byte big-endian length followed by a DAG-CBOR body. This
// is the Go-idiomatic analogue of homestar's tarpc client
// (original_source/homestar-runtime/src/cli.rs), carrying the same
// Ping/Stop/Run command surface and the same opaque per-request
// deadline, without adopting tarpc's Rust-specific RPC framework or the
// teacher's own grpc stack (see DESIGN.md for why).
package rpc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime"

	ipvmipld "github.com/swarmguard/ipvm/internal/ipld"
	"github.com/swarmguard/ipvm/internal/runner"
	"github.com/swarmguard/ipvm/internal/workflow"
)

// DeadlineExceeded is returned when a request's deadline passes before
// the server replies.
var DeadlineExceeded = errors.New("rpc: deadline exceeded")

// maxFrameSize bounds a single frame, guarding against a corrupt or
// hostile length prefix demanding an unbounded allocation.
const maxFrameSize = 64 << 20

// method names carried in the envelope.
const (
	MethodPing = "ping"
	MethodStop = "stop"
	MethodRun  = "run"
)

// Envelope is the single wire shape for both requests and responses: a
// method name, a deadline (requests only), and a DAG-CBOR-encoded
// payload specific to that method.
type envelope struct {
	Method   string
	Deadline time.Time
	Payload  []byte // DAG-CBOR-encoded method-specific body; empty for ping
	Err      string // non-empty on a response carrying an error
}

func (e envelope) toNode() (ipld.Node, error) {
	return ipvmipld.Build(func(ma ipld.MapAssembler) error {
		if err := ma.AssembleKey().AssignString("method"); err != nil {
			return err
		}
		if err := ma.AssembleValue().AssignString(e.Method); err != nil {
			return err
		}
		if err := ma.AssembleKey().AssignString("deadline"); err != nil {
			return err
		}
		if err := ma.AssembleValue().AssignInt(e.Deadline.UnixNano()); err != nil {
			return err
		}
		if err := ma.AssembleKey().AssignString("payload"); err != nil {
			return err
		}
		if err := ma.AssembleValue().AssignBytes(e.Payload); err != nil {
			return err
		}
		if err := ma.AssembleKey().AssignString("err"); err != nil {
			return err
		}
		return ma.AssembleValue().AssignString(e.Err)
	})
}

func envelopeFromNode(n ipld.Node) (envelope, error) {
	method, err := ipvmipld.AsStringField(n, "method")
	if err != nil {
		return envelope{}, err
	}
	deadlineNS, err := ipvmipld.AsIntField(n, "deadline")
	if err != nil {
		return envelope{}, err
	}
	payload, err := ipvmipld.AsBytesField(n, "payload")
	if err != nil {
		return envelope{}, err
	}
	errStr, err := ipvmipld.AsStringField(n, "err")
	if err != nil {
		return envelope{}, err
	}
	return envelope{Method: method, Deadline: time.Unix(0, deadlineNS), Payload: payload, Err: errStr}, nil
}

func writeFrame(w io.Writer, e envelope) error {
	n, err := e.toNode()
	if err != nil {
		return err
	}
	data, _, err := ipvmipld.Marshal(n)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func readFrame(r io.Reader) (envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return envelope{}, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > maxFrameSize {
		return envelope{}, fmt.Errorf("rpc: frame of %d bytes exceeds max %d", size, maxFrameSize)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return envelope{}, err
	}
	n, err := ipvmipld.Unmarshal(buf)
	if err != nil {
		return envelope{}, err
	}
	return envelopeFromNode(n)
}

// PingResponse mirrors homestar's response::Ping.
type PingResponse struct {
	Addr string
}

// RunRequest carries an encoded workflow and an optional name, mirroring
// the Run command's (name, workflow_file) pair.
type RunRequest struct {
	Name     string
	Workflow []byte // DAG-CBOR-encoded Workflow
}

// RunResponse mirrors homestar's response::AckWorkflow.
type RunResponse struct {
	WorkflowCID cid.Cid
	AlreadyRan  bool
}

// StopRequest names the workflow to cancel.
type StopRequest struct {
	WorkflowCID cid.Cid
}

// Server answers framed requests over accepted connections, backed by a
// Runner.
type Server struct {
	rn *runner.Runner
}

// NewServer constructs a Server backed by rn.
func NewServer(rn *runner.Runner) *Server {
	return &Server{rn: rn}
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	req, err := readFrame(conn)
	if err != nil {
		return
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if !req.Deadline.IsZero() {
		reqCtx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	resp := s.dispatch(reqCtx, req)
	_ = writeFrame(conn, resp)
}

func (s *Server) dispatch(ctx context.Context, req envelope) envelope {
	select {
	case <-ctx.Done():
		return envelope{Method: req.Method, Err: DeadlineExceeded.Error()}
	default:
	}

	switch req.Method {
	case MethodPing:
		return envelope{Method: MethodPing}
	case MethodStop:
		sreq, err := decodeStopRequest(req.Payload)
		if err != nil {
			return envelope{Method: MethodStop, Err: err.Error()}
		}
		if err := s.rn.Stop(ctx, sreq.WorkflowCID); err != nil {
			return envelope{Method: MethodStop, Err: err.Error()}
		}
		return envelope{Method: MethodStop}
	case MethodRun:
		rreq, err := decodeRunRequest(req.Payload)
		if err != nil {
			return envelope{Method: MethodRun, Err: err.Error()}
		}
		wf, err := workflow.Decode(rreq.Workflow)
		if err != nil {
			return envelope{Method: MethodRun, Err: err.Error()}
		}
		ack, err := s.rn.Run(ctx, wf, rreq.Name)
		if err != nil {
			return envelope{Method: MethodRun, Err: err.Error()}
		}
		payload, err := encodeRunResponse(RunResponse{WorkflowCID: ack.WorkflowCID, AlreadyRan: ack.AlreadyRan})
		if err != nil {
			return envelope{Method: MethodRun, Err: err.Error()}
		}
		return envelope{Method: MethodRun, Payload: payload}
	default:
		return envelope{Method: req.Method, Err: fmt.Sprintf("rpc: unknown method %q", req.Method)}
	}
}
