package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/matheus3301/wppcache/internal/backend"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// DefaultTimeout bounds how long Subscribe waits for the server to accept.
	DefaultTimeout = 5 * time.Second

	chunkSize  = 64 << 10
	maxMsgSize = 16 << 20
)

// Client implements backend.Backend against a Server.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	logger  *zap.Logger
}

var _ backend.Backend = (*Client)(nil)

// Dial connects to the daemon's Unix domain socket. The connection is made
// lazily on the first call.
func Dial(socketPath string, logger *zap.Logger) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxMsgSize)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return NewClient(conn, logger), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{conn: conn, timeout: DefaultTimeout, logger: logger}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Health reports whether the server answers health checks as serving.
func (c *Client) Health(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fromStatus(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: daemon is %s", backend.ErrUnavailable, resp.GetStatus())
	}
	return nil
}

// Status returns the daemon's status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, methodStatus, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	resp := new(StatusResponse)
	if err := fromStruct(out, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message) error {
	return fromStatus(c.conn.Invoke(ctx, method, in, out))
}

// call packs req, invokes method and hands back the raw reply.
func (c *Client) call(ctx context.Context, method string, req any, out proto.Message) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	return c.invoke(ctx, method, in, out)
}

func (c *Client) WriteRecord(ctx context.Context, collection, id string, fields backend.Fields) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.call(ctx, methodWriteRecord, &WriteRecordRequest{Collection: collection, ID: id, Fields: fields}, out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

func (c *Client) WriteBatch(ctx context.Context, collection string, writes []backend.Write) error {
	return c.call(ctx, methodWriteBatch, &WriteBatchRequest{Collection: collection, Writes: writes}, new(emptypb.Empty))
}

func (c *Client) QueryOnce(ctx context.Context, collection string, filter backend.Filter) ([]backend.Record, error) {
	out := new(structpb.Struct)
	if err := c.call(ctx, methodQueryOnce, &QueryRequest{Collection: collection, Filter: filter}, out); err != nil {
		return nil, err
	}
	var resp QueryResponse
	if err := fromStruct(out, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// Subscribe opens a stream and waits until the server accepted it, so a
// refused topic fails here rather than through onError.
func (c *Client) Subscribe(topic backend.Topic, onSnapshot func([]backend.Record), onError func(error)) (func(), error) {
	req, err := toStruct(&SubscribeRequest{Topic: topic})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := c.conn.NewStream(ctx, subscribeStream, methodSubscribe)
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := stream.SendMsg(req); err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, fromStatus(err)
	}

	timer := time.AfterFunc(c.timeout, cancel)
	ev, err := recvEvent(stream)
	if !timer.Stop() {
		cancel()
		return nil, fmt.Errorf("%w: subscribe %s: no answer within %s", backend.ErrUnavailable, topic, c.timeout)
	}
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if ev.Kind != EventReady {
		cancel()
		return nil, fmt.Errorf("%w: subscribe %s: unexpected %q event", backend.ErrUnavailable, topic, ev.Kind)
	}

	go func() {
		for {
			ev, err := recvEvent(stream)
			if err != nil {
				if ctx.Err() == nil && onError != nil {
					onError(fromStatus(err))
				}
				return
			}
			switch ev.Kind {
			case EventSnapshot:
				onSnapshot(ev.Records)
			case EventError:
				if onError != nil && ev.Fault != nil {
					onError(ev.Fault.err())
				}
			default:
				c.logger.Debug("ignoring subscription event", zap.String("kind", ev.Kind))
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func recvEvent(stream grpc.ClientStream) (Event, error) {
	var ev Event
	msg := new(structpb.Struct)
	if err := stream.RecvMsg(msg); err != nil {
		return ev, err
	}
	err := fromStruct(msg, &ev)
	return ev, err
}

// UploadBlob streams data in chunks. onProgress reports bytes handed to the
// transport.
func (c *Client) UploadBlob(ctx context.Context, path string, data []byte, onProgress func(sent, total int64)) (string, error) {
	total := int64(len(data))
	ctx = metadata.AppendToOutgoingContext(ctx, blobPathKey, path, blobSizeKey, strconv.FormatInt(total, 10))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.conn.NewStream(ctx, uploadBlobStream, methodUploadBlob)
	if err != nil {
		return "", fromStatus(err)
	}

	out := new(wrapperspb.StringValue)
	for off := 0; off < len(data); {
		end := min(off+chunkSize, len(data))
		if err := stream.SendMsg(wrapperspb.Bytes(data[off:end])); err != nil {
			// The server's status is only visible through RecvMsg.
			if errors.Is(err, io.EOF) {
				return "", fromStatus(stream.RecvMsg(out))
			}
			return "", fromStatus(err)
		}
		if onProgress != nil {
			onProgress(int64(end), total)
		}
		off = end
	}
	if err := stream.CloseSend(); err != nil {
		return "", fromStatus(err)
	}
	if err := stream.RecvMsg(out); err != nil {
		return "", fromStatus(err)
	}
	return out.GetValue(), nil
}
