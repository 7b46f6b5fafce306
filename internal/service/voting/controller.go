// Package voting drives voting windows: it mints credentials when a window
// opens, accepts exactly one vote per credential while the window is active,
// and closes the window on its timer or on request.
package voting

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zhouzirui/z-ballot/backend/internal/model/ballot"
	"github.com/zhouzirui/z-ballot/backend/internal/service/broadcast"
	"github.com/zhouzirui/z-ballot/backend/internal/service/credential"
	"github.com/zhouzirui/z-ballot/backend/internal/service/registry"
	"github.com/zhouzirui/z-ballot/backend/internal/service/tally"
)

// CloseTrigger records why a window closed.
type CloseTrigger string

const (
	TriggerManual CloseTrigger = "manual"
	TriggerTimer  CloseTrigger = "timer"
)

// Config bounds window durations and credential lifetime.
type Config struct {
	MinDuration     ballot.Minutes
	MaxDuration     ballot.Minutes
	DefaultDuration ballot.Minutes
	// ExpiryBuffer is added to the window end to get the credential expiry.
	ExpiryBuffer  time.Duration
	PublicBaseURL string
}

// DefaultConfig mirrors the service defaults.
func DefaultConfig() Config {
	return Config{
		MinDuration:     1,
		MaxDuration:     30,
		DefaultDuration: 5,
		ExpiryBuffer:    5 * time.Minute,
	}
}

// Publisher fans events out to viewer groups.
type Publisher interface {
	Publish(group broadcast.Group, evt broadcast.Event)
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithScheduler overrides how auto-close is deferred.
func WithScheduler(s Scheduler) Option {
	return func(c *Controller) { c.scheduler = s }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithPromRegistry(reg prometheus.Registerer) Option {
	return func(c *Controller) {
		if reg != nil {
			c.initMetrics(reg)
		}
	}
}

// slot serializes everything that happens to one session's windows.
type slot struct {
	mu      sync.Mutex
	current *ballot.Window
	timer   Timer
}

// Controller is the voting session engine.
type Controller struct {
	cfg       Config
	sessions  *registry.Registry
	creds     *credential.Store
	publisher Publisher
	now       func() time.Time
	scheduler Scheduler
	logger    *slog.Logger
	metrics   *engineMetrics

	slotsMu sync.Mutex
	slots   map[string]*slot
}

// NewController wires the engine.
func NewController(cfg Config, sessions *registry.Registry, creds *credential.Store, publisher Publisher, opts ...Option) (*Controller, error) {
	if sessions == nil || creds == nil || publisher == nil {
		return nil, fmt.Errorf("voting controller requires registry, credential store and publisher")
	}
	if cfg.MinDuration <= 0 || cfg.MinDuration > cfg.MaxDuration {
		return nil, fmt.Errorf("invalid duration bounds [%d, %d]", cfg.MinDuration, cfg.MaxDuration)
	}
	if cfg.DefaultDuration < cfg.MinDuration || cfg.DefaultDuration > cfg.MaxDuration {
		return nil, fmt.Errorf("default duration %d outside [%d, %d]", cfg.DefaultDuration, cfg.MinDuration, cfg.MaxDuration)
	}
	c := &Controller{
		cfg:       cfg,
		sessions:  sessions,
		creds:     creds,
		publisher: publisher,
		now:       time.Now,
		scheduler: realScheduler{},
		logger:    slog.Default(),
		slots:     make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Controller) slot(sessionID string) *slot {
	c.slotsMu.Lock()
	defer c.slotsMu.Unlock()
	s, ok := c.slots[sessionID]
	if !ok {
		s = &slot{}
		c.slots[sessionID] = s
	}
	return s
}

func (c *Controller) existingSlot(sessionID string) *slot {
	c.slotsMu.Lock()
	defer c.slotsMu.Unlock()
	return c.slots[sessionID]
}

// CreateSession registers a meeting and its roster.
func (c *Controller) CreateSession(ctx context.Context, title, description string, roster []ballot.Member) (ballot.Session, error) {
	session, err := c.sessions.CreateSession(ctx, title, description, roster)
	if err != nil {
		return ballot.Session{}, err
	}
	if c.metrics != nil {
		c.metrics.sessionsCreated.Inc()
	}
	c.logger.Info("session created", "session", session.ID, "members", len(roster))
	return session, nil
}

// ListSessions returns session summaries, newest first.
func (c *Controller) ListSessions(ctx context.Context) []ballot.SessionSummary {
	return c.sessions.List(ctx)
}

// OpenResult is returned to the organizer when a window opens.
type OpenResult struct {
	Window ballot.Window        `json:"window"`
	Tokens []ballot.IssuedToken `json:"tokens"`
}

func (c *Controller) resolveDuration(d ballot.Minutes) (ballot.Minutes, error) {
	if d == 0 {
		return c.cfg.DefaultDuration, nil
	}
	if d < c.cfg.MinDuration || d > c.cfg.MaxDuration {
		return 0, fmt.Errorf("%w: %d not in [%d, %d] minutes", ballot.ErrInvalidDuration, d, c.cfg.MinDuration, c.cfg.MaxDuration)
	}
	return d, nil
}

// Open starts a voting window on topic and mints one credential per roster
// member.
func (c *Controller) Open(ctx context.Context, sessionID string, topic ballot.Topic) (OpenResult, error) {
	duration, err := c.resolveDuration(topic.DurationMinutes)
	if err != nil {
		return OpenResult{}, err
	}
	roster, err := c.sessions.GetRoster(ctx, sessionID)
	if err != nil {
		return OpenResult{}, err
	}

	s := c.slot(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.current.Status == ballot.WindowActive {
		return OpenResult{}, fmt.Errorf("%w: window %s is already active", ballot.ErrInvalidState, s.current.ID)
	}

	now := c.now().UTC()
	window := ballot.Window{
		ID:               uuid.NewString(),
		SessionID:        sessionID,
		Presenter:        strings.TrimSpace(topic.Presenter),
		TopicTitle:       strings.TrimSpace(topic.Title),
		TopicDescription: strings.TrimSpace(topic.Description),
		StartedAt:        now,
		EndsAt:           now.Add(duration.Duration()),
		Duration:         duration,
		Status:           ballot.WindowActive,
	}
	expiry := window.EndsAt.Add(c.cfg.ExpiryBuffer)

	tokens := make([]ballot.IssuedToken, 0, len(roster))
	for _, member := range roster {
		token, err := c.creds.Issue(sessionID, window.ID, member.Name, now, expiry)
		if err != nil {
			return OpenResult{}, fmt.Errorf("issue credential: %w", err)
		}
		tokens = append(tokens, ballot.IssuedToken{
			Member:     member.Name,
			Contact:    member.Contact,
			Credential: token,
			VotingURL:  c.votingURL(token),
		})
	}

	if err := c.sessions.SetStatus(ctx, sessionID, ballot.SessionVoting); err != nil {
		return OpenResult{}, err
	}
	s.current = &window
	windowID := window.ID
	s.timer = c.scheduler.AfterFunc(duration.Duration(), func() {
		c.autoClose(sessionID, windowID)
	})

	started := VotingStarted{
		SessionID:        sessionID,
		WindowID:         window.ID,
		Presenter:        window.Presenter,
		TopicTitle:       window.TopicTitle,
		TopicDescription: window.TopicDescription,
		WindowEndsAt:     window.EndsAt,
		DurationMinutes:  duration,
	}
	c.publisher.Publish(broadcast.GroupDisplay, broadcast.NewEvent(broadcast.EventVotingStarted, sessionID, started))
	started.CredentialsIssued = len(tokens)
	c.publisher.Publish(broadcast.GroupOrganizer, broadcast.NewEvent(broadcast.EventVotingStarted, sessionID, started))

	if c.metrics != nil {
		c.metrics.windowsOpened.Inc()
		c.metrics.activeWindows.Inc()
	}
	c.logger.Info("voting window opened",
		"session", sessionID,
		"window", window.ID,
		"duration_minutes", int(duration),
		"credentials", len(tokens),
	)

	return OpenResult{Window: window, Tokens: tokens}, nil
}

func (c *Controller) votingURL(token string) string {
	return strings.TrimRight(c.cfg.PublicBaseURL, "/") + "/vote?token=" + url.QueryEscape(token)
}

// Submit redeems credential and records one vote for choice.
func (c *Controller) Submit(ctx context.Context, token, rawChoice string) error {
	err := c.submit(ctx, token, rawChoice)
	if err != nil {
		c.recordRejection(err)
	}
	return err
}

func (c *Controller) submit(ctx context.Context, token, rawChoice string) error {
	choice, err := ballot.ParseChoice(rawChoice)
	if err != nil {
		return fmt.Errorf("%w: %v", ballot.ErrInvalidChoice, err)
	}

	cred, err := c.creds.Lookup(token)
	if err != nil {
		return err
	}
	s := c.existingSlot(cred.SessionID)
	if s == nil {
		return fmt.Errorf("%w: no voting window for session", ballot.ErrInvalidState)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.current
	if w == nil || w.ID != cred.WindowID || w.Status != ballot.WindowActive {
		return fmt.Errorf("%w: voting window is not active", ballot.ErrInvalidState)
	}

	redemption, err := c.creds.Redeem(token, c.now())
	if err != nil {
		return err
	}

	vote := ballot.Vote{
		SessionID:      w.SessionID,
		WindowID:       w.ID,
		Choice:         choice,
		CredentialHash: redemption.Hash,
		CastAt:         c.now().UTC(),
	}
	if err := c.sessions.RecordVote(ctx, vote); err != nil {
		return fmt.Errorf("record vote: %w", err)
	}

	current, err := c.sessions.CurrentTally(ctx, w.SessionID, w.ID)
	if err != nil {
		return fmt.Errorf("recompute tally: %w", err)
	}
	c.publisher.Publish(broadcast.GroupOrganizer, broadcast.NewEvent(broadcast.EventVoteReceived, w.SessionID, VoteReceived{
		SessionID:    w.SessionID,
		WindowID:     w.ID,
		CurrentTally: current,
		VotesCast:    current.Total(),
		RosterSize:   c.creds.Issued(w.ID),
	}))

	if c.metrics != nil {
		c.metrics.votes.WithLabelValues(string(choice)).Inc()
	}
	c.logger.Info("vote received", "session", w.SessionID, "window", w.ID, "choice", choice)
	return nil
}

// Close ends the session's active window and returns the final tally.
func (c *Controller) Close(ctx context.Context, sessionID string) (ballot.Tally, error) {
	if _, err := c.sessions.GetSession(ctx, sessionID); err != nil {
		return ballot.Tally{}, err
	}
	s := c.existingSlot(sessionID)
	if s == nil {
		return ballot.Tally{}, fmt.Errorf("%w: no active voting window", ballot.ErrInvalidState)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return c.closeLocked(ctx, s, TriggerManual)
}

// autoClose runs when a window's timer fires. The window may already have
// been closed manually, or replaced by a newer one.
func (c *Controller) autoClose(sessionID, windowID string) {
	s := c.existingSlot(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.current.ID != windowID || s.current.Status != ballot.WindowActive {
		c.logger.Debug("auto-close skipped", "session", sessionID, "window", windowID)
		return
	}
	if _, err := c.closeLocked(context.Background(), s, TriggerTimer); err != nil {
		c.logger.Error("auto-close failed", "session", sessionID, "window", windowID, "err", err)
	}
}

func (c *Controller) closeLocked(ctx context.Context, s *slot, trigger CloseTrigger) (ballot.Tally, error) {
	w := s.current
	if w == nil || w.Status != ballot.WindowActive {
		return ballot.Tally{}, fmt.Errorf("%w: no active voting window", ballot.ErrInvalidState)
	}

	votes, err := c.sessions.Votes(ctx, w.SessionID, w.ID)
	if err != nil {
		return ballot.Tally{}, err
	}
	results := tally.Compute(votes, c.creds.Outstanding(w.ID))

	closed := *w
	closedAt := c.now().UTC()
	closed.Status = ballot.WindowCompleted
	closed.ClosedAt = &closedAt
	closed.Results = &results
	s.current = &closed

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if err := c.sessions.SetStatus(ctx, w.SessionID, ballot.SessionCompleted); err != nil {
		c.logger.Error("failed to mark session completed", "session", w.SessionID, "err", err)
	}

	ended := broadcast.NewEvent(broadcast.EventVotingEnded, w.SessionID, VotingEnded{
		SessionID:  w.SessionID,
		WindowID:   w.ID,
		Results:    results,
		TotalVotes: results.Total(),
		Trigger:    trigger,
	})
	c.publisher.Publish(broadcast.GroupDisplay, ended)
	c.publisher.Publish(broadcast.GroupOrganizer, ended)

	if c.metrics != nil {
		c.metrics.windowsClosed.WithLabelValues(string(trigger)).Inc()
		c.metrics.activeWindows.Dec()
	}
	c.logger.Info("voting window closed",
		"session", w.SessionID,
		"window", w.ID,
		"trigger", trigger,
		"for", results.For,
		"against", results.Against,
		"abstain", results.Abstain,
	)
	return results, nil
}

// Shutdown cancels every pending auto-close timer.
func (c *Controller) Shutdown() {
	c.slotsMu.Lock()
	slots := make([]*slot, 0, len(c.slots))
	for _, s := range c.slots {
		slots = append(slots, s)
	}
	c.slotsMu.Unlock()

	for _, s := range slots {
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.mu.Unlock()
	}
}
