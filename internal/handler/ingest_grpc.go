package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"targetdialer/internal/auth"
	"targetdialer/internal/domain"
	"targetdialer/internal/logger"
)

const IngestServiceName = "targetdialer.ingest.v1.IngestService"

// IngestServer is the gRPC ingestion surface. Payloads are google.protobuf.Struct values
// carrying the same JSON shapes as the HTTP ingestion routes.
type IngestServer interface {
	UpsertMeeting(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	AdvanceStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	AppendSegment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SetSpeaker(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func unaryMethod(name string, call func(IngestServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(IngestServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + IngestServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(IngestServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var IngestServiceDesc = grpc.ServiceDesc{
	ServiceName: IngestServiceName,
	HandlerType: (*IngestServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("UpsertMeeting", IngestServer.UpsertMeeting),
		unaryMethod("AdvanceStatus", IngestServer.AdvanceStatus),
		unaryMethod("AppendSegment", IngestServer.AppendSegment),
		unaryMethod("SetSpeaker", IngestServer.SetSpeaker),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "targetdialer/ingest/v1/ingest.proto",
}

func RegisterIngestServer(s grpc.ServiceRegistrar, srv IngestServer) {
	s.RegisterService(&IngestServiceDesc, srv)
}

type IngestGRPCHandler struct {
	meetings MeetingIngest
	log      *logger.Logger
}

func NewIngestGRPCHandler(meetings MeetingIngest, log *logger.Logger) *IngestGRPCHandler {
	return &IngestGRPCHandler{
		meetings: meetings,
		log:      log.With("handler", "ingest_grpc"),
	}
}

var _ IngestServer = (*IngestGRPCHandler)(nil)

func (h *IngestGRPCHandler) UpsertMeeting(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in domain.MeetingUpsert
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}
	h.log.Debug("grpc upsert meeting", "external_meeting_id", in.ExternalMeetingID, "platform", in.Platform)

	meeting, created, err := h.meetings.UpsertMeeting(ctx, &in)
	if err != nil {
		return nil, h.statusError("UpsertMeeting", err)
	}
	return toStruct(struct {
		Created bool            `json:"created"`
		Meeting *domain.Meeting `json:"meeting"`
	}{created, meeting})
}

func (h *IngestGRPCHandler) AdvanceStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		ExternalMeetingID string     `json:"external_meeting_id"`
		Status            string     `json:"status"`
		At                *time.Time `json:"at,omitempty"`
	}
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}
	var at time.Time
	if in.At != nil {
		at = *in.At
	}
	h.log.Debug("grpc advance status", "external_meeting_id", in.ExternalMeetingID, "status", in.Status)

	meeting, applied, err := h.meetings.AdvanceStatus(ctx, in.ExternalMeetingID, in.Status, at)
	if err != nil {
		return nil, h.statusError("AdvanceStatus", err)
	}
	return toStruct(advanceStatusResponse{Applied: applied, Meeting: meeting})
}

func (h *IngestGRPCHandler) AppendSegment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var seg domain.TranscriptSegment
	if err := fromStruct(req, &seg); err != nil {
		return nil, err
	}
	h.log.Debug("grpc append segment", "meeting_id", seg.MeetingID, "segment_id", seg.ID)

	stored, inserted, err := h.meetings.RecordSegment(ctx, &seg)
	if err != nil {
		return nil, h.statusError("AppendSegment", err)
	}
	return toStruct(appendSegmentResponse{Inserted: inserted, Segment: stored})
}

func (h *IngestGRPCHandler) SetSpeaker(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		SegmentID string `json:"segment_id"`
		Speaker   string `json:"speaker"`
	}
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(in.SegmentID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "segment_id must be a uuid")
	}

	seg, err := h.meetings.BackfillSpeaker(ctx, id, in.Speaker)
	if err != nil {
		return nil, h.statusError("SetSpeaker", err)
	}
	return toStruct(seg)
}

func (h *IngestGRPCHandler) statusError(method string, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidStatus):
		return status.Error(codes.InvalidArgument, err.Error())
	}
	h.log.Error("grpc ingest failed", "method", method, "error", err)
	return status.Error(codes.Internal, "internal error")
}

func fromStruct(req *structpb.Struct, v interface{}) error {
	raw, err := json.Marshal(req.AsMap())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid payload: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid payload: %v", err)
	}
	return nil
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

// IngestTokenInterceptor applies the ingestion bearer token to every unary call on the
// ingest service. Other services, such as health, pass through.
func IngestTokenInterceptor(expected string, log *logger.Logger) grpc.UnaryServerInterceptor {
	prefix := "/" + IngestServiceName + "/"
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !strings.HasPrefix(info.FullMethod, prefix) {
			return handler(ctx, req)
		}

		var header string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if values := md.Get("authorization"); len(values) > 0 {
				header = values[0]
			}
		}
		if err := auth.VerifyBearer(header, expected); err != nil {
			log.Warn("grpc ingest rejected", "method", info.FullMethod, "reason", err.Error())
			return nil, status.Error(codes.Unauthenticated, fmt.Sprintf("unauthorized: %v", err))
		}
		return handler(ctx, req)
	}
}
