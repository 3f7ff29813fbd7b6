package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/matheus3301/wppcache/internal/backend"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// MaxBlobSize bounds one uploaded blob.
const MaxBlobSize = 64 << 20

// StatsFunc reports record counts per collection.
type StatsFunc func(ctx context.Context) (map[string]int, error)

// WatchersFunc reports how many change watchers are attached.
type WatchersFunc func() int

// Server serves a backend.Backend.
type Server struct {
	backend   backend.Backend
	session   string
	startedAt time.Time
	stats     StatsFunc
	watchers  WatchersFunc
	logger    *zap.Logger
}

var _ BackendServer = (*Server)(nil)

// ServerOptions carries the optional status sources of a Server.
type ServerOptions struct {
	Session  string
	Stats    StatsFunc
	Watchers WatchersFunc
}

// NewServer creates a service implementation over b.
func NewServer(b backend.Backend, opts ServerOptions, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		backend:   b,
		session:   opts.Session,
		startedAt: time.Now(),
		stats:     opts.Stats,
		watchers:  opts.Watchers,
		logger:    logger,
	}
}

func (s *Server) WriteRecord(ctx context.Context, in *structpb.Struct) (*wrapperspb.StringValue, error) {
	var req WriteRecordRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	id, err := s.backend.WriteRecord(ctx, req.Collection, req.ID, req.Fields)
	if err != nil {
		s.logger.Warn("write record failed", zap.String("collection", req.Collection), zap.String("id", req.ID), zap.Error(err))
		return nil, toStatus(err)
	}
	return wrapperspb.String(id), nil
}

func (s *Server) WriteBatch(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	var req WriteBatchRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	if err := s.backend.WriteBatch(ctx, req.Collection, req.Writes); err != nil {
		s.logger.Warn("write batch failed", zap.String("collection", req.Collection), zap.Int("writes", len(req.Writes)), zap.Error(err))
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) QueryOnce(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req QueryRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	records, err := s.backend.QueryOnce(ctx, req.Collection, req.Filter)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := toStruct(&QueryResponse{Records: records})
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	resp := &StatusResponse{
		Session:   s.session,
		PID:       os.Getpid(),
		StartedAt: timestamppb.New(s.startedAt),
	}
	if s.stats != nil {
		counts, err := s.stats(ctx)
		if err != nil {
			return nil, toStatus(err)
		}
		resp.Counts = counts
	}
	if s.watchers != nil {
		resp.Watchers = s.watchers()
	}
	out, err := toStruct(resp)
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

// Subscribe forwards snapshots of req.Topic until the client goes away.
// Snapshots carry full state, so when the client falls behind only the
// newest pending one is kept.
func (s *Server) Subscribe(in *structpb.Struct, stream grpc.ServerStream) error {
	var req SubscribeRequest
	if err := fromStruct(in, &req); err != nil {
		return toStatus(err)
	}
	ctx := stream.Context()
	topic := req.Topic

	var mu sync.Mutex
	var snapshot, fault *Event
	wake := make(chan struct{}, 1)
	push := func(ev *Event) {
		mu.Lock()
		if ev.Kind == EventError {
			fault = ev
		} else {
			snapshot = ev
		}
		mu.Unlock()
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	unsubscribe, err := s.backend.Subscribe(topic,
		func(records []backend.Record) {
			push(&Event{Kind: EventSnapshot, Records: records})
		},
		func(err error) {
			push(&Event{Kind: EventError, Fault: faultOf(err)})
		},
	)
	if err != nil {
		s.logger.Warn("subscribe refused", zap.Stringer("topic", topic), zap.Error(err))
		return toStatus(err)
	}
	defer unsubscribe()

	if err := sendEvent(stream, &Event{Kind: EventReady}); err != nil {
		return err
	}
	s.logger.Debug("subscription stream opened", zap.Stringer("topic", topic))

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("subscription stream closed", zap.Stringer("topic", topic))
			return nil
		case <-wake:
			mu.Lock()
			pending := []*Event{fault, snapshot}
			fault, snapshot = nil, nil
			mu.Unlock()
			for _, ev := range pending {
				if ev == nil {
					continue
				}
				if err := sendEvent(stream, ev); err != nil {
					return err
				}
			}
		}
	}
}

func sendEvent(stream grpc.ServerStream, ev *Event) error {
	msg, err := toStruct(ev)
	if err != nil {
		return toStatus(err)
	}
	return stream.SendMsg(msg)
}

// UploadBlob collects the chunks of one blob and stores it. The path and the
// declared size arrive as stream metadata.
func (s *Server) UploadBlob(stream grpc.ServerStream) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	path := firstValue(md, blobPathKey)
	var data []byte
	if v := firstValue(md, blobSizeKey); v != "" {
		total, err := strconv.ParseInt(v, 10, 64)
		if err != nil || total < 0 {
			return toStatus(fmt.Errorf("%w: blob size %q", backend.ErrInvalid, v))
		}
		if total > MaxBlobSize {
			return toStatus(fmt.Errorf("%w: blob exceeds %d bytes", backend.ErrInvalid, MaxBlobSize))
		}
		data = make([]byte, 0, total)
	}
	for {
		chunk := new(wrapperspb.BytesValue)
		err := stream.RecvMsg(chunk)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if int64(len(data)+len(chunk.GetValue())) > MaxBlobSize {
			return toStatus(fmt.Errorf("%w: blob exceeds %d bytes", backend.ErrInvalid, MaxBlobSize))
		}
		data = append(data, chunk.GetValue()...)
	}

	ref, err := s.backend.UploadBlob(stream.Context(), path, data, nil)
	if err != nil {
		return toStatus(err)
	}
	return stream.SendMsg(wrapperspb.String(ref))
}

func firstValue(md metadata.MD, key string) string {
	if vs := md.Get(key); len(vs) > 0 {
		return vs[0]
	}
	return ""
}
