package membership

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/carlcord/voice/internal/core"
	"github.com/carlcord/voice/internal/domain"
	"github.com/carlcord/voice/internal/protocol"
	"github.com/go-resty/resty/v2"
)

// RESTStore talks to the membership REST contract on behalf of one user.
// The user query parameter only counts when the server runs without tokens.
type RESTStore struct {
	client *resty.Client
}

func NewRESTStore(baseURL, token string, timeout time.Duration) *RESTStore {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if token != "" {
		c.SetAuthToken(token)
	}
	return &RESTStore{client: c}
}

func (s *RESTStore) List(ctx context.Context, ch domain.ChannelID) ([]domain.MemberRecord, error) {
	var out protocol.ChannelMembers
	resp, err := s.client.R().
		SetContext(ctx).
		SetPathParam("id", string(ch)).
		SetResult(&out).
		Get("/voice/channel/{id}")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", ch, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("list %s: %s", ch, resp.Status())
	}
	return out.Members, nil
}

// Upsert updates the state and falls back to a join when the server does not know the member yet.
func (s *RESTStore) Upsert(ctx context.Context, rec domain.MemberRecord) error {
	body := protocol.VoiceRequest{ChannelID: rec.ChannelID, VoiceFlags: rec.Flags}
	resp, err := s.request(ctx, rec.UserID, body).Put("/voice/state")
	if err != nil {
		return fmt.Errorf("update %s: %w", rec.UserID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		resp, err = s.request(ctx, rec.UserID, body).Post("/voice/join")
		if err != nil {
			return fmt.Errorf("join %s: %w", rec.UserID, err)
		}
	}
	if resp.IsError() {
		return fmt.Errorf("upsert %s: %s", rec.UserID, resp.Status())
	}
	return nil
}

func (s *RESTStore) Remove(ctx context.Context, ch domain.ChannelID, user domain.UserID) error {
	resp, err := s.request(ctx, user, protocol.VoiceRequest{ChannelID: ch}).Post("/voice/leave")
	if err != nil {
		return fmt.Errorf("leave %s: %w", user, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return core.ErrMemberNotFound
	case resp.IsError():
		return fmt.Errorf("leave %s: %s", user, resp.Status())
	}
	return nil
}

func (s *RESTStore) request(ctx context.Context, user domain.UserID, body any) *resty.Request {
	return s.client.R().
		SetContext(ctx).
		SetQueryParam("user", string(user)).
		SetBody(body)
}
