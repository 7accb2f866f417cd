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
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/shardvault/shardvault/internal/nodes"
	"github.com/stretchr/testify/assert"
)

func responseError(status int) error {
	return &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
		Err:      errors.New("response error"),
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindOther},
		{"object not found", ErrObjectNotFound, KindNotFound},
		{"bucket not found", fmt.Errorf("get: %w", ErrBucketNotFound), KindNotFound},
		{"os not exist", &os.PathError{Op: "open", Path: "x", Err: os.ErrNotExist}, KindNotFound},
		{"s3 no such key", fmt.Errorf("get object: %w", &types.NoSuchKey{}), KindNotFound},
		{"s3 head not found", fmt.Errorf("stat object: %w", &types.NotFound{}), KindNotFound},
		{"s3 no such bucket", &types.NoSuchBucket{}, KindNotFound},
		{"api no such key", &smithy.GenericAPIError{Code: "NoSuchKey"}, KindNotFound},
		{"invalid request", fmt.Errorf("%w: empty key", ErrInvalidRequest), KindInvalid},
		{"api access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, KindInvalid},
		{"api slow down", &smithy.GenericAPIError{Code: "SlowDown"}, KindConnection},
		{"api unknown code", &smithy.GenericAPIError{Code: "InternalError"}, KindOther},
		{"connection refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, KindConnection},
		{"connection reset", fmt.Errorf("read: %w", syscall.ECONNRESET), KindConnection},
		{"dns", &net.DNSError{Err: "no such host", Name: "nowhere", IsNotFound: true}, KindConnection},
		{"deadline", fmt.Errorf("stat: %w", context.DeadlineExceeded), KindConnection},
		{"unexpected eof", io.ErrUnexpectedEOF, KindConnection},
		{"status 404", responseError(http.StatusNotFound), KindNotFound},
		{"status 503", responseError(http.StatusServiceUnavailable), KindConnection},
		{"status 403", responseError(http.StatusForbidden), KindInvalid},
		{"status 500", responseError(http.StatusInternalServerError), KindOther},
		{"plain error", errors.New("disk full"), KindOther},
		{"cancelled", context.Canceled, KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassify_NodeErrorKeepsKind(t *testing.T) {
	node := nodes.Node{Endpoint: "10.0.0.1", Port: 9000}
	nodeErr := newNodeError(2, node, "put", syscall.ECONNREFUSED)
	assert.Equal(t, KindConnection, nodeErr.Kind)

	wrapped := fmt.Errorf("%w: k: %w", ErrWriteFailedEverywhere, nodeErr)
	assert.Equal(t, KindConnection, Classify(wrapped))
	assert.True(t, IsConnection(wrapped))
	assert.False(t, IsNotFound(wrapped))

	assert.Equal(t, "node 2 (10.0.0.1:9000) put: connection refused", nodeErr.Error())
	assert.ErrorIs(t, wrapped, syscall.ECONNREFUSED)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "not_found", KindNotFound.String())
	assert.Equal(t, "connection", KindConnection.String())
	assert.Equal(t, "invalid", KindInvalid.String())
	assert.Equal(t, "other", KindOther.String())
}
