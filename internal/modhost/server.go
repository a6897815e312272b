package modhost

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/pkarpov/gridhost/internal/logger"
	"github.com/pkarpov/gridhost/internal/workerapi"
)

// Server answers control requests for one load generation.
// It owns every instance produced by the loaded package; when the process
// exits, the operating system releases all of it at once.
type Server struct {
	// registry resolves namespace-qualified types to factories.
	registry *workerapi.Registry

	// mu protects instances and nextID.
	mu sync.Mutex
	// instances maps handed-out IDs to live objects from the loaded package.
	instances map[uint64]any
	// nextID is the next instance ID to hand out.
	nextID uint64

	// quit is closed when a shutdown request arrives.
	quit chan struct{}
	// quitOnce guards quit against double close.
	quitOnce sync.Once
}

// NewServer creates a control server backed by the provided registry.
func NewServer(registry *workerapi.Registry) *Server {
	return &Server{
		registry:  registry,
		instances: make(map[uint64]any),
		nextID:    1,
		quit:      make(chan struct{}),
	}
}

// Serve accepts control connections until the context is canceled or a
// shutdown request arrives.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		select {
		case <-ctx.Done():
		case <-s.quit:
		}

		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-s.quit:
				return nil
			default:
				return err
			}
		}

		go s.handleConn(ctx, conn)
	}
}

// stop makes Serve return after the current requests finish.
func (s *Server) stop() {
	s.quitOnce.Do(func() {
		close(s.quit)
	})
}

// handleConn answers requests on one connection until it is closed.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	var (
		decoder = json.NewDecoder(conn)
		encoder = json.NewEncoder(conn)
	)

	for {
		var request Request
		if err := decoder.Decode(&request); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.DebugKV(ctx, "Control connection closed", "error", err)
			}

			return
		}

		response := s.handle(ctx, &request)
		if err := encoder.Encode(response); err != nil {
			logger.WarnKV(ctx, "Failed to write control response", "error", err)
			return
		}

		if request.Op == OpShutdown {
			s.stop()
			return
		}
	}
}

// handle dispatches a single request.
func (s *Server) handle(ctx context.Context, request *Request) *Response {
	switch request.Op {
	case OpPing, OpShutdown:
		return &Response{OK: true}
	case OpNew:
		return s.handleNew(request)
	case OpInvoke:
		return s.handleInvoke(ctx, request)
	default:
		return &Response{
			Error:     "unknown operation " + request.Op,
			ErrorKind: errKindBadRequest,
		}
	}
}

// handleNew instantiates a registered type and retains it.
func (s *Server) handleNew(request *Request) *Response {
	instance, err := s.registry.New(request.Namespace, request.TypeName)
	if err != nil {
		return errorResponse(err)
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.instances[id] = instance
	s.mu.Unlock()

	_, isWorker := instance.(workerapi.Worker)

	return &Response{
		OK:         true,
		InstanceID: id,
		IsWorker:   isWorker,
	}
}

// handleInvoke runs a payload through a retained worker instance.
func (s *Server) handleInvoke(ctx context.Context, request *Request) *Response {
	s.mu.Lock()
	instance, ok := s.instances[request.InstanceID]
	s.mu.Unlock()

	if !ok {
		return &Response{
			Error:     "unknown instance",
			ErrorKind: errKindBadRequest,
		}
	}

	worker, ok := instance.(workerapi.Worker)
	if !ok {
		return &Response{
			Error:     "instance does not implement Worker",
			ErrorKind: errKindBadRequest,
		}
	}

	output, err := worker.Execute(ctx, request.Payload)
	if err != nil {
		return errorResponse(&workerapi.Error{Op: "execute", Err: err})
	}

	return &Response{
		OK:      true,
		Payload: output,
	}
}

// errorResponse converts a typed error into its wire representation.
func errorResponse(err error) *Response {
	var apiErr *workerapi.Error

	switch {
	case errors.Is(err, workerapi.ErrTypeNotFound):
		return &Response{
			Error:     err.Error(),
			ErrorKind: errKindTypeNotFound,
		}
	case errors.As(err, &apiErr):
		response := &Response{
			ErrorKind: errKindWorkerAPI,
			ErrorOp:   apiErr.Op,
		}
		if apiErr.Err != nil {
			response.Error = apiErr.Err.Error()
		}

		return response
	default:
		return &Response{
			Error:     err.Error(),
			ErrorKind: errKindBadRequest,
		}
	}
}
