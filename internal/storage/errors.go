package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/shardvault/shardvault/internal/nodes"
)

// Replica access errors.
var (
	ErrObjectNotFound        = errors.New("object not found")
	ErrBucketNotFound        = errors.New("bucket not found")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrNoNodes               = errors.New("no storage nodes")
	ErrNotFoundAnywhere      = errors.New("object not readable from any node")
	ErrWriteFailedEverywhere = errors.New("write failed on every node")
)

// Kind classifies a node error by what the caller should do about it.
type Kind int

const (
	// KindOther is any failure that is not known to be transient.
	KindOther Kind = iota
	// KindNotFound means the node answered and does not hold the object.
	KindNotFound
	// KindConnection means the node could not be reached or timed out.
	// These are the only errors that trigger write fallback.
	KindConnection
	// KindInvalid means the request itself was rejected.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConnection:
		return "connection"
	case KindInvalid:
		return "invalid"
	default:
		return "other"
	}
}

// NodeError records the failure of one operation against one node.
type NodeError struct {
	Index int
	Node  nodes.Node
	Op    string
	Kind  Kind
	Err   error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %d (%s) %s: %v", e.Index, e.Node.Address(), e.Op, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

func newNodeError(index int, node nodes.Node, op string, err error) *NodeError {
	return &NodeError{Index: index, Node: node, Op: op, Kind: Classify(err), Err: err}
}

// Classify inspects an error structurally and returns its kind.
// Error text is never consulted.
func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}

	var nodeErr *NodeError
	if errors.As(err, &nodeErr) {
		return nodeErr.Kind
	}

	switch {
	case errors.Is(err, ErrObjectNotFound), errors.Is(err, ErrBucketNotFound), errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalid
	}

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) || errors.As(err, &noSuchBucket) {
		return KindNotFound
	}

	// Transport failures come before API codes: a timeout wrapped in an
	// operation error must still be treated as the node being unreachable.
	if isConnectionError(err) {
		return KindConnection
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return KindNotFound
		case "SlowDown", "ServiceUnavailable", "RequestTimeout", "XMinioServerNotInitialized":
			return KindConnection
		case "InvalidArgument", "InvalidRequest", "InvalidBucketName", "KeyTooLongError",
			"AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "EntityTooLarge":
			return KindInvalid
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return classifyStatus(respErr.HTTPStatusCode())
	}

	return KindOther
}

func classifyStatus(code int) Kind {
	switch {
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusBadGateway, code == http.StatusServiceUnavailable,
		code == http.StatusGatewayTimeout, code == http.StatusTooManyRequests,
		code == http.StatusRequestTimeout:
		return KindConnection
	case code >= 400 && code < 500:
		return KindInvalid
	default:
		return KindOther
	}
}

func isConnectionError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// IsNotFound reports whether err means the object is absent.
func IsNotFound(err error) bool {
	return Classify(err) == KindNotFound
}

// IsConnection reports whether err means the node was unreachable.
func IsConnection(err error) bool {
	return Classify(err) == KindConnection
}
