package rpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ipfs/go-cid"
)

// Client dials a single request per connection against a Server,
// mirroring homestar's RpcArgs-driven tarpc client: one short-lived
// connection per Ping/Stop/Run call, with an opaque per-request
// deadline rather than a persistent session.
type Client struct {
	addr    string
	timeout time.Duration
}

// NewClient returns a Client dialing addr (host:port), applying timeout
// as the default per-request deadline when the caller's context carries
// none.
func NewClient(addr string, timeout time.Duration) *Client {
	return &Client{addr: addr, timeout: timeout}
}

func (c *Client) call(ctx context.Context, req envelope) (envelope, error) {
	deadline, ok := ctx.Deadline()
	if !ok && c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	req.Deadline = deadline

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", c.addr)
	if err != nil {
		return envelope{}, fmt.Errorf("rpc: dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	if !deadline.IsZero() {
		if err := conn.SetDeadline(deadline); err != nil {
			return envelope{}, err
		}
	}

	if err := writeFrame(conn, req); err != nil {
		return envelope{}, fmt.Errorf("rpc: write request: %w", err)
	}
	resp, err := readFrame(conn)
	if err != nil {
		return envelope{}, fmt.Errorf("rpc: read response: %w", err)
	}
	if resp.Err != "" {
		return envelope{}, fmt.Errorf("rpc: %s", resp.Err)
	}
	return resp, nil
}

// Ping confirms the server at addr is reachable. The address reported
// back is the one the client dialed, not a payload the server sends —
// the server's ping ack carries no body.
func (c *Client) Ping(ctx context.Context) (PingResponse, error) {
	if _, err := c.call(ctx, envelope{Method: MethodPing}); err != nil {
		return PingResponse{}, err
	}
	return PingResponse{Addr: c.addr}, nil
}

// Stop requests cancellation of the workflow identified by workflowCID.
func (c *Client) Stop(ctx context.Context, workflowCID cid.Cid) error {
	payload, err := encodeStopRequest(StopRequest{WorkflowCID: workflowCID})
	if err != nil {
		return err
	}
	_, err = c.call(ctx, envelope{Method: MethodStop, Payload: payload})
	return err
}

// Run submits a DAG-CBOR-encoded workflow under name for execution.
func (c *Client) Run(ctx context.Context, name string, workflowBytes []byte) (RunResponse, error) {
	payload, err := encodeRunRequest(RunRequest{Name: name, Workflow: workflowBytes})
	if err != nil {
		return RunResponse{}, err
	}
	resp, err := c.call(ctx, envelope{Method: MethodRun, Payload: payload})
	if err != nil {
		return RunResponse{}, err
	}
	return decodeRunResponse(resp.Payload)
}
