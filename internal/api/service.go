package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/composer"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/status"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const eventBuffer = 256

// Sessions is the part of the runner the control API drives.
type Sessions interface {
	Current() (*chatsync.Engine, error)
	State() status.State
	Login(token string) (model.Session, error)
	Logout() error
}

// Status is the GetStatus response.
type Status struct {
	Profile            string    `json:"profile"`
	State              string    `json:"state"`
	Since              time.Time `json:"since"`
	UptimeSeconds      int64     `json:"uptimeSeconds"`
	UserID             string    `json:"userId,omitempty"`
	DisplayName        string    `json:"displayName,omitempty"`
	Banner             string    `json:"banner,omitempty"`
	Conversations      int       `json:"conversations"`
	PendingNotifyCount int       `json:"pendingNotifications"`
}

// WatchedEvent is one message of the WatchEvents stream.
type WatchedEvent struct {
	EventID    string    `json:"eventId"`
	Profile    string    `json:"profile"`
	Kind       string    `json:"kind"`
	OccurredAt time.Time `json:"occurredAt"`
	Payload    any       `json:"payload,omitempty"`
}

// Service implements EngineServer on top of the session runner.
type Service struct {
	profile   string
	startedAt time.Time
	sessions  Sessions
	machine   *status.Machine
	bus       *bus.Bus
	logger    *zap.Logger
}

func NewService(profile string, sessions Sessions, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Service {
	return &Service{
		profile:   profile,
		startedAt: time.Now(),
		sessions:  sessions,
		machine:   machine,
		bus:       b,
		logger:    logging.OrNop(logger).Named("api"),
	}
}

var _ EngineServer = (*Service)(nil)

func (s *Service) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := Status{
		Profile:       s.profile,
		State:         string(s.sessions.State()),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.machine != nil {
		st.Since = s.machine.Since()
	}
	if eng, err := s.sessions.Current(); err == nil {
		st.State = string(eng.Status())
		self := eng.Self()
		st.UserID = eng.Session().UserID
		st.DisplayName = self.DisplayName
		st.Conversations = len(eng.Conversations())
		st.PendingNotifyCount = len(eng.Notifications())
		if b, ok := eng.Banner(); ok {
			st.Banner = b.Message
		}
	}
	return toStruct(st)
}

func (s *Service) ListConversations(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	eng, err := s.engine()
	if err != nil {
		return nil, err
	}
	return toStruct(itemsOf(eng.Conversations()))
}

func (s *Service) OpenConversation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	eng, err := s.engine()
	if err != nil {
		return nil, err
	}
	peer, err := required(req, "peer_id")
	if err != nil {
		return nil, err
	}
	if err := eng.OpenConversation(ctx, peer); err != nil {
		return nil, toStatus(err)
	}
	return s.window(eng)
}

func (s *Service) CloseConversation(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	eng, err := s.engine()
	if err != nil {
		return nil, err
	}
	eng.CloseConversation()
	return &emptypb.Empty{}, nil
}

func (s *Service) LoadOlder(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	eng, err := s.engine()
	if err != nil {
		return nil, err
	}
	if err := eng.LoadOlder(ctx); err != nil {
		return nil, toStatus(err)
	}
	return s.window(eng)
}

func (s *Service) GetTimeline(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	eng, err := s.engine()
	if err != nil {
		return nil, err
	}
	return s.window(eng)
}

func (s *Service) UpdateDraft(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	eng, err := s.engine()
	if err != nil {
		return nil, err
	}
	peer, err := required(req, "peer_id")
	if err != nil {
		return nil, err
	}
	if err := eng.UpdateDraft(ctx, peer, stringField(req, "text")); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) ListDrafts(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	eng, err := s.engine()
	if err != nil {
		return nil, err
	}
	return toStruct(itemsOf(eng.Drafts()))
}

// SendMessage sends text plus the files named in the "attachments" list.
// Paths are resolved on the daemon host.
func (s *Service) SendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	eng, err := s.engine()
	if err != nil {
		return nil, err
	}
	peer, err := required(req, "peer_id")
	if err != nil {
		return nil, err
	}

	var attachments []composer.Attachment
	if list := req.GetFields()["attachments"].GetListValue(); list != nil {
		for _, v := range list.GetValues() {
			path := v.GetStringValue()
			f, err := os.Open(path)
			if err != nil {
				return nil, grpcstatus.Errorf(codes.InvalidArgument, "open attachment: %v", err)
			}
			defer f.Close()
			attachments = append(attachments, composer.Attachment{Name: filepath.Base(path), Data: f})
		}
	}

	msg, err := eng.Send(ctx, peer, stringField(req, "text"), attachments)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(msg)
}

func (s *Service) React(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	eng, err := s.engine()
	if err != nil {
		return nil, err
	}
	peer, err := required(req, "peer_id")
	if err != nil {
		return nil, err
	}
	id, err := required(req, "message_id")
	if err != nil {
		return nil, err
	}
	emoji, err := required(req, "emoji")
	if err != nil {
		return nil, err
	}
	if err := eng.React(peer, id, emoji); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) DeleteMessage(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	eng, err := s.engine()
	if err != nil {
		return nil, err
	}
	peer, err := required(req, "peer_id")
	if err != nil {
		return nil, err
	}
	id, err := required(req, "message_id")
	if err != nil {
		return nil, err
	}
	if err := eng.DeleteMessage(ctx, peer, id); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) DeleteChat(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	eng, err := s.engine()
	if err != nil {
		return nil, err
	}
	peer, err := required(req, "peer_id")
	if err != nil {
		return nil, err
	}
	if err := eng.DeleteChat(ctx, peer); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) ListNotifications(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	eng, err := s.engine()
	if err != nil {
		return nil, err
	}
	return toStruct(itemsOf(eng.Notifications()))
}

func (s *Service) DismissBanner(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	eng, err := s.engine()
	if err != nil {
		return nil, err
	}
	eng.DismissBanner()
	return &emptypb.Empty{}, nil
}

func (s *Service) Login(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token, err := required(req, "token")
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Login(token)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("session stored", zap.String("user_id", sess.UserID))
	return toStruct(sess)
}

func (s *Service) Logout(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.sessions.Logout(); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// WatchEvents streams bus events whose kind starts with the optional
// "prefix" field until the client goes away.
func (s *Service) WatchEvents(req *structpb.Struct, stream EventSender) error {
	ch, unsub := s.bus.Subscribe(stringField(req, "prefix"), eventBuffer)
	defer unsub()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			out, err := toStruct(WatchedEvent{
				EventID:    uuid.New().String(),
				Profile:    s.profile,
				Kind:       evt.Kind,
				OccurredAt: evt.Timestamp,
				Payload:    evt.Payload,
			})
			if err != nil {
				s.logger.Warn("event not encodable", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		}
	}
}

func (s *Service) engine() (*chatsync.Engine, error) {
	eng, err := s.sessions.Current()
	if err != nil {
		return nil, toStatus(err)
	}
	return eng, nil
}

func (s *Service) window(eng *chatsync.Engine) (*structpb.Struct, error) {
	w, ok := eng.Timeline()
	if !ok {
		return nil, grpcstatus.Error(codes.FailedPrecondition, "no conversation open")
	}
	return toStruct(w)
}

type items[T any] struct {
	Items []T `json:"items"`
}

func itemsOf[T any](v []T) items[T] {
	if v == nil {
		v = []T{}
	}
	return items[T]{Items: v}
}

// toStruct converts v to a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func stringField(req *structpb.Struct, name string) string {
	return req.GetFields()[name].GetStringValue()
}

func required(req *structpb.Struct, name string) (string, error) {
	v := stringField(req, name)
	if v == "" {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	return v, nil
}

// toStatus maps engine errors onto gRPC codes. The status message is the
// user-facing text.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	msg := model.UserMessage(err)
	switch {
	case errors.Is(err, chatsync.ErrNoSession):
		return grpcstatus.Error(codes.FailedPrecondition, "not signed in")
	case errors.Is(err, model.ErrAuthExpired):
		return grpcstatus.Error(codes.Unauthenticated, msg)
	case errors.Is(err, model.ErrValidation):
		return grpcstatus.Error(codes.InvalidArgument, msg)
	case errors.Is(err, model.ErrNotFound):
		return grpcstatus.Error(codes.NotFound, msg)
	case errors.Is(err, model.ErrTransportUnavailable), errors.Is(err, model.ErrTransient):
		return grpcstatus.Error(codes.Unavailable, msg)
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	default:
		return grpcstatus.Error(codes.Internal, fmt.Sprintf("%v", err))
	}
}
