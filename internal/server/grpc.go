package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/health-records/constants"
	"github.com/joseph-ayodele/health-records/internal/common"
	"github.com/joseph-ayodele/health-records/internal/entity"
	"github.com/joseph-ayodele/health-records/internal/queue"
)

// QueueServiceName is the fully qualified gRPC service name.
const QueueServiceName = "records.v1.QueueService"

// QueueServiceServer is the contract behind QueueServiceDesc. Requests and
// replies are google.protobuf.Struct messages shaped like the HTTP JSON API.
type QueueServiceServer interface {
	ListQueue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetEntry(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Enqueue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Retry(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryAllFailed(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClearCompleted(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetPriority(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ItemsByStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	HighPriorityItems(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AverageProcessingTime(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type rpcMethod func(QueueServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, m rpcMethod) grpc.MethodDesc {
	full := "/" + QueueServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(QueueServiceServer)
			if interceptor == nil {
				return m(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return m(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// QueueServiceDesc is registered with grpc.Server.RegisterService.
var QueueServiceDesc = grpc.ServiceDesc{
	ServiceName: QueueServiceName,
	HandlerType: (*QueueServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("ListQueue", QueueServiceServer.ListQueue),
		unary("GetStats", QueueServiceServer.GetStats),
		unary("GetEntry", QueueServiceServer.GetEntry),
		unary("Enqueue", QueueServiceServer.Enqueue),
		unary("Retry", QueueServiceServer.Retry),
		unary("RetryAllFailed", QueueServiceServer.RetryAllFailed),
		unary("Cancel", QueueServiceServer.Cancel),
		unary("ClearCompleted", QueueServiceServer.ClearCompleted),
		unary("SetPriority", QueueServiceServer.SetPriority),
		unary("ItemsByStatus", QueueServiceServer.ItemsByStatus),
		unary("HighPriorityItems", QueueServiceServer.HighPriorityItems),
		unary("AverageProcessingTime", QueueServiceServer.AverageProcessingTime),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "records/v1/queue.proto",
}

func RegisterQueueServiceServer(s grpc.ServiceRegistrar, srv QueueServiceServer) {
	s.RegisterService(&QueueServiceDesc, srv)
}

// QueueServer adapts queue.Service to gRPC. The caller's owner id must already
// be on the context.
type QueueServer struct {
	svc    *queue.Service
	logger *slog.Logger
}

func NewQueueServer(svc *queue.Service, logger *slog.Logger) *QueueServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueServer{svc: svc, logger: logger}
}

var _ QueueServiceServer = (*QueueServer)(nil)

func (s *QueueServer) ListQueue(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	list, err := s.svc.ListQueue(ctx)
	if err != nil {
		return nil, s.fail(ctx, "ListQueue", err)
	}
	return s.reply(ctx, "ListQueue", entriesReply(list))
}

func (s *QueueServer) GetStats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	stats, err := s.svc.GetStats(ctx)
	if err != nil {
		return nil, s.fail(ctx, "GetStats", err)
	}
	return s.reply(ctx, "GetStats", stats)
}

func (s *QueueServer) GetEntry(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := uuidField(in, "id")
	if err != nil {
		return nil, common.ToGRPCStatus(err)
	}
	e, err := s.svc.Get(ctx, id)
	if err != nil {
		return nil, s.fail(ctx, "GetEntry", err)
	}
	return s.reply(ctx, "GetEntry", entryReply{Entry: e})
}

func (s *QueueServer) Enqueue(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := uuidField(in, "document_id")
	if err != nil {
		return nil, common.ToGRPCStatus(err)
	}
	req := queue.EnqueueRequest{
		DocumentID:  id,
		Priority:    intField(in, "priority"),
		MaxAttempts: intField(in, "max_attempts"),
	}
	if md := in.GetFields()["metadata"].GetStructValue(); md != nil {
		req.Metadata = md.AsMap()
	}
	e, err := s.svc.Enqueue(ctx, req)
	if err != nil {
		return nil, s.fail(ctx, "Enqueue", err)
	}
	return s.reply(ctx, "Enqueue", entryReply{Entry: e})
}

func (s *QueueServer) Retry(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := uuidField(in, "id")
	if err != nil {
		return nil, common.ToGRPCStatus(err)
	}
	e, err := s.svc.Retry(ctx, id)
	if err != nil {
		return nil, s.fail(ctx, "Retry", err)
	}
	return s.reply(ctx, "Retry", entryReply{Entry: e})
}

func (s *QueueServer) RetryAllFailed(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.svc.RetryAllFailed(ctx)
	if err != nil {
		return nil, s.fail(ctx, "RetryAllFailed", err)
	}
	return s.reply(ctx, "RetryAllFailed", res)
}

func (s *QueueServer) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := uuidField(in, "id")
	if err != nil {
		return nil, common.ToGRPCStatus(err)
	}
	if err := s.svc.Cancel(ctx, id); err != nil {
		return nil, s.fail(ctx, "Cancel", err)
	}
	return s.reply(ctx, "Cancel", map[string]any{"id": id.String()})
}

func (s *QueueServer) ClearCompleted(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.svc.ClearCompleted(ctx)
	if err != nil {
		return nil, s.fail(ctx, "ClearCompleted", err)
	}
	return s.reply(ctx, "ClearCompleted", res)
}

func (s *QueueServer) SetPriority(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := uuidField(in, "id")
	if err != nil {
		return nil, common.ToGRPCStatus(err)
	}
	if _, ok := in.GetFields()["priority"]; !ok {
		return nil, common.InvalidArgumentError("priority is required")
	}
	e, err := s.svc.SetPriority(ctx, id, intField(in, "priority"))
	if err != nil {
		return nil, s.fail(ctx, "SetPriority", err)
	}
	return s.reply(ctx, "SetPriority", entryReply{Entry: e})
}

func (s *QueueServer) ItemsByStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	st, err := constants.ParseQueueStatus(in.GetFields()["status"].GetStringValue())
	if err != nil {
		return nil, common.InvalidArgumentError(err.Error())
	}
	list, err := s.svc.ItemsByStatus(ctx, st)
	if err != nil {
		return nil, s.fail(ctx, "ItemsByStatus", err)
	}
	return s.reply(ctx, "ItemsByStatus", entriesReply(list))
}

func (s *QueueServer) HighPriorityItems(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	list, err := s.svc.HighPriorityItems(ctx)
	if err != nil {
		return nil, s.fail(ctx, "HighPriorityItems", err)
	}
	return s.reply(ctx, "HighPriorityItems", entriesReply(list))
}

func (s *QueueServer) AverageProcessingTime(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	avg, err := s.svc.AverageProcessingTime(ctx)
	if err != nil {
		return nil, s.fail(ctx, "AverageProcessingTime", err)
	}
	return s.reply(ctx, "AverageProcessingTime", map[string]any{"average_ms": avg})
}

func (s *QueueServer) fail(ctx context.Context, method string, err error) error {
	st := common.ToGRPCStatus(err)
	if common.GRPCCode(err) == codes.Internal {
		s.logger.Error("grpc.queue.failed", "method", method, "request_id", common.RequestIDFromContext(ctx), "err", err)
	} else {
		s.logger.Debug("grpc.queue.rejected", "method", method, "err", err)
	}
	return st
}

func (s *QueueServer) reply(ctx context.Context, method string, v any) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		return nil, s.fail(ctx, method, err)
	}
	return out, nil
}

type entryReply struct {
	Entry *entity.QueueEntry `json:"entry"`
}

type entriesResponse struct {
	Entries []*entity.QueueEntry `json:"entries"`
}

func entriesReply(list []*entity.QueueEntry) entriesResponse {
	if list == nil {
		list = []*entity.QueueEntry{}
	}
	return entriesResponse{Entries: list}
}

// toStruct goes through JSON so the reply matches the HTTP representation.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return structpb.NewStruct(m)
}

func uuidField(in *structpb.Struct, key string) (uuid.UUID, error) {
	raw := in.GetFields()[key].GetStringValue()
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, common.NewAppError("BAD_ID", key+" must be a UUID", common.ErrInvalidInput)
	}
	return id, nil
}

func intField(in *structpb.Struct, key string) int {
	return int(in.GetFields()[key].GetNumberValue())
}
