package realtime

import (
	"context"
	"log/slog"
	"strings"
	"time"

	v1 "bazaar/shared/contracts/realtime/v1"

	"golang.org/x/sync/errgroup"
)

// Service wires the realtime components around one Store.
type Service struct {
	cfg       Config
	log       *slog.Logger
	metrics   *Metrics
	store     Store
	validator CredentialValidator

	sessions  *SessionManager
	registry  *Registry
	typing    *TypingCoordinator
	pipeline  *Pipeline
	reactions *ReactionAggregator
	counters  *CounterService
	fan       *fanout
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics sets the collectors the service records into.
func WithMetrics(m *Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithValidator sets the credential validator.
func WithValidator(v CredentialValidator) ServiceOption {
	return func(s *Service) { s.validator = v }
}

// NewService constructs a Service. When store is nil an InMemoryStore is used (dev only).
func NewService(store Store, cfg Config, opts ...ServiceOption) *Service {
	if store == nil {
		store = NewInMemoryStore()
	}
	s := &Service{
		cfg:   cfg.normalized(),
		log:   slog.Default(),
		store: store,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.validator == nil && !s.cfg.RequireAuth {
		s.validator = DevValidator{}
	}

	locks := newRoomLocks()
	retry := retryPolicyFromConfig(s.cfg, s.metrics)

	s.sessions = NewSessionManager(s.log, s.metrics, s.cfg.HeartbeatTimeout)
	s.registry = NewRegistry(store)
	s.fan = &fanout{log: s.log, registry: s.registry, sessions: s.sessions, metrics: s.metrics}
	s.typing = newTypingCoordinator(s.cfg, s.registry, s.fan, s.metrics)
	s.counters = &CounterService{
		log:      s.log,
		metrics:  s.metrics,
		store:    store,
		retry:    retry,
		locks:    locks,
		sessions: s.sessions,
		fan:      s.fan,
	}
	s.pipeline = &Pipeline{
		cfg:      s.cfg,
		log:      s.log,
		metrics:  s.metrics,
		store:    store,
		retry:    retry,
		locks:    locks,
		registry: s.registry,
		sessions: s.sessions,
		fan:      s.fan,
		typing:   s.typing,
		counters: s.counters,
	}
	s.reactions = &ReactionAggregator{
		cfg:     s.cfg,
		log:     s.log,
		metrics: s.metrics,
		store:   store,
		retry:   retry,
		locks:   locks,
		fan:     s.fan,
	}
	return s
}

func (s *Service) Config() Config { return s.cfg }
func (s *Service) Store() Store { return s.store }
func (s *Service) Sessions() *SessionManager { return s.sessions }
func (s *Service) Registry() *Registry { return s.registry }
func (s *Service) Typing() *TypingCoordinator { return s.typing }
func (s *Service) Pipeline() *Pipeline { return s.pipeline }
func (s *Service) Reactions() *ReactionAggregator { return s.reactions }
func (s *Service) Counters() *CounterService { return s.counters }

// Authenticate validates a bearer credential.
func (s *Service) Authenticate(ctx context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" || s.validator == nil {
		return Identity{}, ErrUnauthorized
	}
	id, err := s.validator.ValidateCredential(ctx, credential)
	if err != nil {
		s.log.Debug("session.auth.fail", "err", err)
		return Identity{}, ErrUnauthorized
	}
	if id.UserID == "" {
		return Identity{}, ErrUnauthorized
	}
	if id.DeviceID == "" {
		id.DeviceID = "default"
	}
	return id, nil
}

// Connect registers a new session for id, superseding any session from the same device.
func (s *Service) Connect(id Identity, now time.Time) (*Client, error) {
	sessionID, err := NewSessionID(now)
	if err != nil {
		return nil, err
	}
	c := NewClient(id, sessionID, s.cfg.SendQueueSize, now)
	s.sessions.Register(c)
	s.log.Info("session.connected", "session_id", c.SessionID, "user_id", c.UserID, "device_id", c.DeviceID)
	return c, nil
}

// Welcome sends the connected acknowledgement and the reconciled unread counters.
func (s *Service) Welcome(ctx context.Context, c *Client) {
	now := time.Now().UTC()
	s.fan.toClient(c, newEnvelope(v1.TypeConnected, v1.ConnectedPayload{
		SessionID:           c.SessionID,
		UserID:              c.UserID,
		HeartbeatIntervalMS: s.HeartbeatInterval().Milliseconds(),
	}, now))

	counters, err := s.counters.Reconcile(ctx, c.UserID)
	if err != nil {
		s.log.Warn("unread.reconcile.fail", "user_id", c.UserID, "err", err)
		return
	}
	s.fan.toClient(c, newEnvelope(v1.TypeUnreadCounters, countersPayload(counters), now))
}

// HeartbeatInterval is the interval clients are asked to heartbeat at.
func (s *Service) HeartbeatInterval() time.Duration {
	return s.cfg.HeartbeatTimeout / 3
}

// Disconnect tears down every piece of state owned by c. Safe to call more than once.
func (s *Service) Disconnect(c *Client) {
	c.Close()
	removed := s.sessions.Unregister(c)
	rooms := s.registry.RemoveSession(c)

	now := time.Now().UTC()
	for _, roomID := range rooms {
		if !s.registry.UserJoined(c.UserID, roomID) {
			s.typing.Stop(roomID, c.UserID, now)
		}
	}
	if removed {
		s.log.Info("session.disconnected",
			"session_id", c.SessionID,
			"user_id", c.UserID,
			"reason", c.KickReason().String(),
			"rooms", len(rooms),
		)
	}
}

// Heartbeat refreshes liveness and answers the client.
func (s *Service) Heartbeat(c *Client, now time.Time) {
	c.Touch(now)
	s.fan.toClient(c, newEnvelope(v1.TypeHeartbeatAck, v1.HeartbeatAckPayload{ServerTS: now}, now))
}

// Join subscribes c to roomID.
func (s *Service) Join(ctx context.Context, c *Client, roomID string) (Room, error) {
	return s.registry.Join(ctx, c, roomID)
}

// Leave unsubscribes c from roomID and ends the user's typing there when no other session remains.
func (s *Service) Leave(c *Client, roomID string) {
	roomID = strings.TrimSpace(roomID)
	s.registry.Leave(c, roomID)
	if !s.registry.UserJoined(c.UserID, roomID) {
		s.typing.Stop(roomID, c.UserID, time.Now().UTC())
	}
}

// CreateDirect returns the direct room between userID and peerID.
func (s *Service) CreateDirect(ctx context.Context, userID, peerID string) (Room, error) {
	return s.store.CreateOrGetDirect(ctx, userID, peerID, time.Now().UTC())
}

// CreateGroup creates a group room with the creator as first member.
func (s *Service) CreateGroup(ctx context.Context, creatorID string, memberIDs []string, title string) (Room, error) {
	if len(memberIDs)+1 > s.cfg.MaxGroupMembers {
		return Room{}, ErrPayloadTooLarge
	}
	return s.store.CreateGroup(ctx, CreateGroupInput{
		CreatorUserID: creatorID,
		MemberIDs:     memberIDs,
		Title:         title,
		Now:           time.Now().UTC(),
	})
}

// ArchiveRoom archives a room on behalf of one of its members.
func (s *Service) ArchiveRoom(ctx context.Context, userID, roomID string) error {
	if _, err := requireMember(ctx, s.store, userID, roomID); err != nil {
		return err
	}
	return s.store.ArchiveRoom(ctx, roomID, time.Now().UTC())
}

// ListRooms returns the rooms userID belongs to.
func (s *Service) ListRooms(ctx context.Context, userID string) ([]Room, error) {
	return s.store.ListRoomsForUser(ctx, userID)
}

// Run drives the session and typing sweepers until ctx is done, then kicks every session.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.sessions.Run(gctx, s.cfg.SessionSweepInterval) })
	g.Go(func() error { return s.typing.Run(gctx, s.cfg.TypingSweepInterval) })
	err := g.Wait()
	s.sessions.CloseAll()
	return err
}
