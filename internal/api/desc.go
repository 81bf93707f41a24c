package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name of the control API.
const ServiceName = "chatsync.v1.Engine"

// EngineServer is the control API served by the daemon. Requests and
// responses are well-known protobuf types; their fields are documented on
// the Service methods.
type EngineServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListConversations(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	OpenConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CloseConversation(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	LoadOlder(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetTimeline(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	UpdateDraft(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	ListDrafts(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	React(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	DeleteMessage(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	DeleteChat(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	ListNotifications(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	DismissBanner(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Logout(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	WatchEvents(*structpb.Struct, EventSender) error
}

// EventSender is the server side of the WatchEvents stream.
type EventSender interface {
	Send(*structpb.Struct) error
	Context() context.Context
}

type eventSender struct {
	grpc.ServerStream
}

func (s *eventSender) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

func RegisterEngineServer(s grpc.ServiceRegistrar, srv EngineServer) {
	s.RegisterService(&EngineServiceDesc, srv)
}

// unary builds the method descriptor for one request/response call.
func unary[Req, Resp proto.Message](name string, newReq func() Req, call func(EngineServer, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(EngineServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(EngineServer), ctx, req.(Req))
			})
		},
	}
}

func newEmpty() *emptypb.Empty   { return new(emptypb.Empty) }
func newStruct() *structpb.Struct { return new(structpb.Struct) }

var EngineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EngineServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", newEmpty, EngineServer.GetStatus),
		unary("ListConversations", newEmpty, EngineServer.ListConversations),
		unary("OpenConversation", newStruct, EngineServer.OpenConversation),
		unary("CloseConversation", newEmpty, EngineServer.CloseConversation),
		unary("LoadOlder", newEmpty, EngineServer.LoadOlder),
		unary("GetTimeline", newEmpty, EngineServer.GetTimeline),
		unary("UpdateDraft", newStruct, EngineServer.UpdateDraft),
		unary("ListDrafts", newEmpty, EngineServer.ListDrafts),
		unary("SendMessage", newStruct, EngineServer.SendMessage),
		unary("React", newStruct, EngineServer.React),
		unary("DeleteMessage", newStruct, EngineServer.DeleteMessage),
		unary("DeleteChat", newStruct, EngineServer.DeleteChat),
		unary("ListNotifications", newEmpty, EngineServer.ListNotifications),
		unary("DismissBanner", newEmpty, EngineServer.DismissBanner),
		unary("Login", newStruct, EngineServer.Login),
		unary("Logout", newEmpty, EngineServer.Logout),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "WatchEvents",
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(EngineServer).WatchEvents(in, &eventSender{stream})
			},
			ServerStreams: true,
		},
	},
	Metadata: "chatsync/v1/engine.proto",
}
