// Package client is the host-facing voice facade. It joins channels through
// the signaling gateway and keeps the peer mesh, local devices, playback and
// voice activity in step with the channel's membership.
package client

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/carlcord/voice/internal/app/devices"
	"github.com/carlcord/voice/internal/app/mesh"
	"github.com/carlcord/voice/internal/app/playback"
	"github.com/carlcord/voice/internal/app/vad"
	"github.com/carlcord/voice/internal/core"
	"github.com/carlcord/voice/internal/domain"
)

var (
	ErrNotInChannel    = errors.New("client: not in a voice channel")
	ErrVideoNotAllowed = errors.New("client: channel is audio only")
	ErrNoStore         = errors.New("client: no membership store")
	ErrJoinCanceled    = errors.New("client: join canceled by leave")
	ErrJoinInProgress  = errors.New("client: another join is in progress")
)

// Gateway is the client side of the signaling connection.
type Gateway interface {
	JoinChannel(ctx context.Context, ch domain.ChannelID, kind domain.ChannelKind) error
	LeaveChannel(ctx context.Context, ch domain.ChannelID) error
	PublishState(ctx context.Context, ch domain.ChannelID, flags domain.VoiceFlags) error
}

type Config struct {
	User         domain.UserID
	Mesh         mesh.Config
	VAD          vad.Config
	StoreTimeout time.Duration
}

type Deps struct {
	Gateway  Gateway
	Signaler mesh.Signaler
	Factory  mesh.Factory
	Capturer devices.Capturer
	Player   playback.Player
	// Store is optional; without it membership is only known from the gateway.
	Store core.MembershipStore
	// Decoder, when set, decodes remote audio so speech is detected from the samples.
	Decoder func() (vad.Decoder, error)
}

// Events are delivered on internal goroutines and must not block.
type Events struct {
	OnSpeakingChanged     func(user domain.UserID, speaking bool)
	OnParticipantsChanged func(participants []domain.ParticipantVoiceState)
	OnPeerRemoved         func(user domain.UserID, reason error)
}

type Client struct {
	user         domain.UserID
	gw           Gateway
	store        core.MembershipStore
	storeTimeout time.Duration

	Mesh     *mesh.Coordinator
	Devices  *devices.Manager
	Playback *playback.Manager
	VAD      *vad.Monitor

	log zerolog.Logger

	// flagsMu serializes voice state changes; muteBeforeDeaf belongs to it.
	flagsMu        sync.Mutex
	muteBeforeDeaf bool

	mu           sync.Mutex
	events       Events
	channel      domain.Channel
	joined       bool
	flags        domain.VoiceFlags
	participants map[domain.UserID]domain.ParticipantVoiceState
	runCtx       context.Context
	stopRun      context.CancelFunc
	pending      *pendingJoin
}

// pendingJoin is a join still waiting on the microphone.
type pendingJoin struct {
	channel domain.ChannelID
	cancel  context.CancelFunc
}

func New(cfg Config, deps Deps) *Client {
	c := &Client{
		user:         cfg.User,
		gw:           deps.Gateway,
		store:        deps.Store,
		storeTimeout: cfg.StoreTimeout,
		Devices:      devices.NewManager(deps.Capturer),
		Playback:     playback.NewManager(deps.Player),
		log:          log.With().Str("module", "client").Str("user", string(cfg.User)).Logger(),
		participants: make(map[domain.UserID]domain.ParticipantVoiceState),
	}
	if c.storeTimeout <= 0 {
		c.storeTimeout = 3 * time.Second
	}
	c.Mesh = mesh.NewCoordinator(cfg.User, cfg.Mesh, deps.Factory, deps.Signaler)
	c.Mesh.SetHooks(mesh.Hooks{
		OnRemoteTrack: c.onRemoteTrack,
		OnPeerRemoved: c.onPeerRemoved,
	})
	if deps.Decoder != nil {
		c.Playback.SetDecoder(deps.Decoder)
	}
	c.VAD = vad.NewMonitor(cfg.VAD, c.onSpeaking)
	c.Devices.SetFanout(c.Mesh)
	if err := c.Devices.RegisterSink(c.Playback); err != nil {
		c.log.Warn().Err(err).Msg("register playback sink")
	}
	return c
}

func (c *Client) SetEvents(ev Events) {
	c.mu.Lock()
	c.events = ev
	c.mu.Unlock()
}

func (c *Client) eventHooks() Events {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

func (c *Client) User() domain.UserID { return c.user }

// Channel returns the current channel, if any.
func (c *Client) Channel() (domain.Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel, c.joined
}

func (c *Client) Flags() domain.VoiceFlags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags
}

// Participants is the channel as the gateway last described it, ordered by join time.
func (c *Client) Participants() []domain.ParticipantVoiceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantsLocked()
}

func (c *Client) participantsLocked() []domain.ParticipantVoiceState {
	out := make([]domain.ParticipantVoiceState, 0, len(c.participants))
	for _, p := range c.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (c *Client) notifyParticipants() {
	c.mu.Lock()
	fn := c.events.OnParticipantsChanged
	list := c.participantsLocked()
	c.mu.Unlock()
	if fn != nil {
		fn(list)
	}
}

// ListChannel reads the membership store for ch.
func (c *Client) ListChannel(ctx context.Context, ch domain.ChannelID) ([]domain.MemberRecord, error) {
	if c.store == nil {
		return nil, ErrNoStore
	}
	return c.store.List(ctx, ch)
}

func (c *Client) storeDo(fn func(ctx context.Context, s core.MembershipStore) error) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.storeTimeout)
	defer cancel()
	if err := fn(ctx, c.store); err != nil {
		c.log.Warn().Err(err).Msg("membership store")
	}
}

// Close leaves the channel, ends a running self test and refuses further joins.
func (c *Client) Close(ctx context.Context) error {
	err := c.Leave(ctx)
	c.Devices.StopSelfTest()
	c.Mesh.Close()
	c.Devices.UnregisterSink(c.Playback)
	return err
}
