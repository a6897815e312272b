package modhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkarpov/gridhost/internal/config"
	"github.com/pkarpov/gridhost/internal/workerapi"
)

// Client wraps the module host control socket with convenience helpers.
type Client struct {
	// conn is the underlying unix socket connection.
	conn net.Conn
	// encoder writes requests to the connection.
	encoder *json.Encoder
	// decoder reads responses from the connection.
	decoder *json.Decoder

	// mu serializes calls; the protocol is strictly request/response.
	mu sync.Mutex

	// callTimeout is the default timeout for individual control calls.
	callTimeout time.Duration
}

// Option configures client behaviour.
type Option func(*Client)

// WithCallTimeout sets a default timeout for control calls.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

var (
	// errSocketRequired is returned when a socket path is missing.
	errSocketRequired = errors.New("socket path must be provided")
	// errModuleHost wraps failures reported by the module host itself.
	errModuleHost = errors.New("module host request failed")
)

// Dial connects to a module host control socket.
func Dial(ctx context.Context, socketPath string, opts ...Option) (*Client, error) {
	if socketPath == "" {
		return nil, errSocketRequired
	}

	var dialer net.Dialer

	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial module host: %w", err)
	}

	client := &Client{
		conn:        conn,
		encoder:     json.NewEncoder(conn),
		decoder:     json.NewDecoder(conn),
		callTimeout: config.DefaultControlTimeout,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}

	return c.conn.Close()
}

// Ping verifies the module host is alive and done loading.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, &Request{Op: OpPing})
	if err != nil {
		return fmt.Errorf("ping module host: %w", err)
	}

	return nil
}

// NewInstance creates an instance of a namespace-qualified type inside the
// module host and reports whether it implements the Worker interface.
func (c *Client) NewInstance(ctx context.Context, namespace, typeName string) (uint64, bool, error) {
	response, err := c.call(ctx, &Request{
		Op:        OpNew,
		Namespace: namespace,
		TypeName:  typeName,
	})
	if err != nil {
		return 0, false, err
	}

	return response.InstanceID, response.IsWorker, nil
}

// Invoke executes a payload against a worker instance in the module host.
func (c *Client) Invoke(ctx context.Context, instanceID uint64, payload []byte) ([]byte, error) {
	response, err := c.call(ctx, &Request{
		Op:         OpInvoke,
		InstanceID: instanceID,
		Payload:    payload,
	})
	if err != nil {
		return nil, err
	}

	return response.Payload, nil
}

// Shutdown asks the module host to stop serving and exit.
func (c *Client) Shutdown(ctx context.Context) error {
	if _, err := c.call(ctx, &Request{Op: OpShutdown}); err != nil {
		return fmt.Errorf("shut down module host: %w", err)
	}

	return nil
}

// call performs one request/response exchange under the call deadline.
func (c *Client) call(ctx context.Context, request *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(c.callTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set call deadline: %w", err)
	}

	defer func() {
		_ = c.conn.SetDeadline(time.Time{})
	}()

	if err := c.encoder.Encode(request); err != nil {
		return nil, fmt.Errorf("send %s request: %w", request.Op, err)
	}

	var response Response
	if err := c.decoder.Decode(&response); err != nil {
		return nil, fmt.Errorf("read %s response: %w", request.Op, err)
	}

	if !response.OK {
		return nil, decodeError(&response)
	}

	return &response, nil
}

// decodeError rebuilds a typed error from its wire representation.
func decodeError(response *Response) error {
	switch response.ErrorKind {
	case errKindTypeNotFound:
		return fmt.Errorf("%s: %w", response.Error, workerapi.ErrTypeNotFound)
	case errKindWorkerAPI:
		var cause error
		if response.Error != "" {
			cause = errors.New(response.Error)
		}

		return &workerapi.Error{
			Op:  response.ErrorOp,
			Err: cause,
		}
	default:
		return fmt.Errorf("%s: %w", response.Error, errModuleHost)
	}
}
