package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// attachmentField is the multipart field the upload endpoint reads.
const attachmentField = "profilePicture"

type profile struct {
	UserID         model.FlexID `json:"userId"`
	Username       string       `json:"username"`
	Bio            string       `json:"bio"`
	ProfilePicture string       `json:"profilePicture"`
	Email          string       `json:"email"`
}

func (p profile) contact() model.Contact {
	return model.Contact{
		UserID:      p.UserID.String(),
		DisplayName: p.Username,
		AvatarURL:   p.ProfilePicture,
		Bio:         p.Bio,
		Email:       p.Email,
	}
}

// FetchProfile returns the directory entry for userID. The avatar path is
// returned as the server sent it.
func (c *Client) FetchProfile(ctx context.Context, userID string) (model.Contact, error) {
	env, err := c.do(ctx, request{
		op:     "fetch_profile",
		method: http.MethodGet,
		path:   "/profile/" + userID,
	})
	if err != nil {
		return model.Contact{}, err
	}
	var p profile
	if err := decodeData(env, &p); err != nil {
		return model.Contact{}, fmt.Errorf("fetch_profile: %w", err)
	}
	if p.UserID == "" {
		p.UserID = model.FlexID(userID)
	}
	return p.contact(), nil
}

// FetchContacts returns the whole directory, the local user included.
func (c *Client) FetchContacts(ctx context.Context) ([]model.Contact, error) {
	env, err := c.do(ctx, request{
		op:     "fetch_contacts",
		method: http.MethodGet,
		path:   "/profile/all",
	})
	if err != nil {
		return nil, err
	}
	var ps []profile
	if err := decodeData(env, &ps); err != nil {
		return nil, fmt.Errorf("fetch_contacts: %w", err)
	}
	contacts := make([]model.Contact, 0, len(ps))
	for _, p := range ps {
		contacts = append(contacts, p.contact())
	}
	return contacts, nil
}

// FetchMessages returns one page of the conversation between self and peer,
// oldest first. Pages count back from the newest (page 1).
func (c *Client) FetchMessages(ctx context.Context, self, peer string, page, limit int) ([]model.Message, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	return c.fetchMessages(ctx, "fetch_messages", self, peer, q)
}

// FetchLastMessage returns the newest message between self and peer, or nil
// when they have never talked.
func (c *Client) FetchLastMessage(ctx context.Context, self, peer string) (*model.Message, error) {
	msgs, err := c.fetchMessages(ctx, "fetch_last_message", self, peer, nil)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	last := msgs[len(msgs)-1]
	return &last, nil
}

func (c *Client) fetchMessages(ctx context.Context, op, self, peer string, q url.Values) ([]model.Message, error) {
	env, err := c.do(ctx, request{
		op:     op,
		method: http.MethodGet,
		path:   "/message/" + self + "/" + peer,
		query:  q,
	})
	if err != nil {
		return nil, err
	}
	var wire []model.ServerMessage
	if err := decodeData(env, &wire); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	now := time.Now()
	msgs := make([]model.Message, 0, len(wire))
	for _, w := range wire {
		msgs = append(msgs, w.Message(now))
	}
	return msgs, nil
}

// FetchUnreadCount returns how many messages from peer self has not read.
func (c *Client) FetchUnreadCount(ctx context.Context, self, peer string) (int, error) {
	env, err := c.do(ctx, request{
		op:     "fetch_unread_count",
		method: http.MethodGet,
		path:   "/message/unread/" + self + "/" + peer,
	})
	if err != nil {
		return 0, err
	}
	if env.Count != nil {
		return *env.Count, nil
	}
	var data struct {
		Count int `json:"count"`
	}
	if err := decodeData(env, &data); err != nil {
		return 0, nil
	}
	return data.Count, nil
}

// UploadAttachment stores a file and returns its public URL.
func (c *Client) UploadAttachment(ctx context.Context, name string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(attachmentField, name)
	if err != nil {
		return "", fmt.Errorf("upload_attachment: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("upload_attachment: read %s: %w", name, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("upload_attachment: %w", err)
	}

	env, err := c.do(ctx, request{
		op:          "upload_attachment",
		method:      http.MethodPost,
		path:        "/profile/upload",
		body:        buf.Bytes(),
		contentType: mw.FormDataContentType(),
	})
	if err != nil {
		return "", err
	}
	if env.URL == "" {
		var data struct {
			URL string `json:"url"`
		}
		_ = decodeData(env, &data)
		env.URL = data.URL
	}
	if env.URL == "" {
		return "", fmt.Errorf("upload_attachment: response carried no url")
	}
	return env.URL, nil
}

// DeleteMessage deletes one message server side.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := c.do(ctx, request{
		op:     "delete_message",
		method: http.MethodDelete,
		path:   "/message/" + messageID,
	})
	return err
}

// DeleteChat deletes the whole conversation between self and peer.
func (c *Client) DeleteChat(ctx context.Context, self, peer string) error {
	_, err := c.do(ctx, request{
		op:     "delete_chat",
		method: http.MethodDelete,
		path:   "/message/chat/" + self + "/" + peer,
	})
	return err
}

func decodeData(env *envelope, v any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("response carried no data")
	}
	return json.Unmarshal(env.Data, v)
}
