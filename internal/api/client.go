package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/matheus3301/chatsync/internal/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
	cc   grpc.ClientConnInterface
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn, cc: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn, cc: conn}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out)
}

// call invokes method and decodes the Struct response into out.
func (c *Client) call(ctx context.Context, method string, in proto.Message, out any) error {
	resp := new(structpb.Struct)
	if err := c.invoke(ctx, method, in, resp); err != nil {
		return err
	}
	return fromStruct(resp, out)
}

// do invokes a method whose response is Empty.
func (c *Client) do(ctx context.Context, method string, in proto.Message) error {
	return c.invoke(ctx, method, in, new(emptypb.Empty))
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.call(ctx, "GetStatus", &emptypb.Empty{}, &st)
	return st, err
}

func (c *Client) Conversations(ctx context.Context) ([]model.ConversationSummary, error) {
	var out items[model.ConversationSummary]
	err := c.call(ctx, "ListConversations", &emptypb.Empty{}, &out)
	return out.Items, err
}

func (c *Client) Open(ctx context.Context, peer string) (model.TimelineWindow, error) {
	var w model.TimelineWindow
	err := c.call(ctx, "OpenConversation", fields(map[string]any{"peer_id": peer}), &w)
	return w, err
}

func (c *Client) CloseConversation(ctx context.Context) error {
	return c.do(ctx, "CloseConversation", &emptypb.Empty{})
}

func (c *Client) LoadOlder(ctx context.Context) (model.TimelineWindow, error) {
	var w model.TimelineWindow
	err := c.call(ctx, "LoadOlder", &emptypb.Empty{}, &w)
	return w, err
}

func (c *Client) Timeline(ctx context.Context) (model.TimelineWindow, error) {
	var w model.TimelineWindow
	err := c.call(ctx, "GetTimeline", &emptypb.Empty{}, &w)
	return w, err
}

func (c *Client) UpdateDraft(ctx context.Context, peer, text string) error {
	return c.do(ctx, "UpdateDraft", fields(map[string]any{"peer_id": peer, "text": text}))
}

func (c *Client) Drafts(ctx context.Context) ([]model.Draft, error) {
	var out items[model.Draft]
	err := c.call(ctx, "ListDrafts", &emptypb.Empty{}, &out)
	return out.Items, err
}

// Send sends text to peer. attachments are file paths on the daemon host.
func (c *Client) Send(ctx context.Context, peer, text string, attachments []string) (model.Message, error) {
	paths := make([]any, len(attachments))
	for i, p := range attachments {
		paths[i] = p
	}
	var msg model.Message
	err := c.call(ctx, "SendMessage", fields(map[string]any{
		"peer_id":     peer,
		"text":        text,
		"attachments": paths,
	}), &msg)
	return msg, err
}

func (c *Client) React(ctx context.Context, peer, messageID, emoji string) error {
	return c.do(ctx, "React", fields(map[string]any{"peer_id": peer, "message_id": messageID, "emoji": emoji}))
}

func (c *Client) DeleteMessage(ctx context.Context, peer, messageID string) error {
	return c.do(ctx, "DeleteMessage", fields(map[string]any{"peer_id": peer, "message_id": messageID}))
}

func (c *Client) DeleteChat(ctx context.Context, peer string) error {
	return c.do(ctx, "DeleteChat", fields(map[string]any{"peer_id": peer}))
}

func (c *Client) Notifications(ctx context.Context) ([]model.Notification, error) {
	var out items[model.Notification]
	err := c.call(ctx, "ListNotifications", &emptypb.Empty{}, &out)
	return out.Items, err
}

func (c *Client) DismissBanner(ctx context.Context) error {
	return c.do(ctx, "DismissBanner", &emptypb.Empty{})
}

func (c *Client) Login(ctx context.Context, token string) (model.Session, error) {
	var sess model.Session
	err := c.call(ctx, "Login", fields(map[string]any{"token": token}), &sess)
	return sess, err
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, "Logout", &emptypb.Empty{})
}

// Watch streams daemon events whose kind starts with prefix to fn until ctx
// is done or the daemon closes the stream.
func (c *Client) Watch(ctx context.Context, prefix string, fn func(WatchedEvent)) error {
	stream, err := c.cc.NewStream(ctx, &EngineServiceDesc.Streams[0], "/"+ServiceName+"/WatchEvents")
	if err != nil {
		return err
	}
	if err := stream.SendMsg(fields(map[string]any{"prefix": prefix})); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		var evt WatchedEvent
		if err := fromStruct(msg, &evt); err != nil {
			return err
		}
		fn(evt)
	}
}

func fields(m map[string]any) *structpb.Struct {
	s, err := structpb.NewStruct(m)
	if err != nil {
		panic(fmt.Sprintf("api: build request: %v", err))
	}
	return s
}

func fromStruct(s *structpb.Struct, out any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
