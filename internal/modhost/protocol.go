package modhost

// Operations understood by the module host control channel.
const (
	// OpPing verifies the module host finished loading and is responsive.
	OpPing = "ping"
	// OpNew instantiates a namespace-qualified type through the factory registry.
	OpNew = "new"
	// OpInvoke executes a payload against a previously created worker instance.
	OpInvoke = "invoke"
	// OpShutdown asks the module host to stop serving and exit.
	OpShutdown = "shutdown"
)

// Error kinds carried in responses so the client can rebuild typed errors.
const (
	// errKindTypeNotFound maps to workerapi.ErrTypeNotFound.
	errKindTypeNotFound = "type_not_found"
	// errKindWorkerAPI maps to *workerapi.Error.
	errKindWorkerAPI = "worker_api"
	// errKindBadRequest covers malformed or unknown requests.
	errKindBadRequest = "bad_request"
)

// Request is one control message sent to the module host.
type Request struct {
	// Op selects the operation; see the Op constants.
	Op string `json:"op"`
	// Namespace qualifies the type for OpNew.
	Namespace string `json:"namespace,omitempty"`
	// TypeName names the type for OpNew.
	TypeName string `json:"type_name,omitempty"`
	// InstanceID selects the instance for OpInvoke.
	InstanceID uint64 `json:"instance_id,omitempty"`
	// Payload is the opaque input for OpInvoke.
	Payload []byte `json:"payload,omitempty"`
}

// Response is the module host's answer to a single request.
type Response struct {
	// OK reports whether the operation succeeded.
	OK bool `json:"ok"`
	// Error carries the failure message when OK is false.
	Error string `json:"error,omitempty"`
	// ErrorKind classifies the failure; see the errKind constants.
	ErrorKind string `json:"error_kind,omitempty"`
	// ErrorOp names the failed operation for worker API errors.
	ErrorOp string `json:"error_op,omitempty"`
	// InstanceID identifies the instance created by OpNew.
	InstanceID uint64 `json:"instance_id,omitempty"`
	// IsWorker reports whether the created instance implements workerapi.Worker.
	IsWorker bool `json:"is_worker,omitempty"`
	// Payload is the opaque output of OpInvoke.
	Payload []byte `json:"payload,omitempty"`
}
