package voice

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fitforge/coach/config"
	"github.com/fitforge/coach/internal/agent/core"
	"github.com/fitforge/coach/internal/onboarding"
)

// logBuffer bounds the async persistence queue per session.
const logBuffer = 64

// drainTimeout caps how long EndSession waits for queued log writes and
// in-flight background tool tasks.
const drainTimeout = 5 * time.Second

// taskTimeout bounds each dispatched background write.
const taskTimeout = 10 * time.Second

// SessionStore is the persistence surface the bridge needs. *store.Store
// satisfies it.
type SessionStore interface {
	onboarding.Store

	SetProfileLocked(ctx context.Context, userID string, locked bool) error
}

// Session pairs one user with one realtime audio room.
type Session struct {
	Room      string
	UserID    string
	AgentType core.AgentType
	StartedAt time.Time

	orch    *onboarding.Orchestrator
	logCh   chan logEntry
	drained chan struct{}
	tasks   sync.WaitGroup

	mu        sync.Mutex
	warnings  []string
	connected bool
}

// AgentConnected reports whether the warm-up completed, meaning the agent
// side of the room is ready.
func (s *Session) AgentConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) setConnected() {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
}

// Warn records a background failure on the session record.
func (s *Session) Warn(msg string) {
	s.mu.Lock()
	s.warnings = append(s.warnings, msg)
	s.mu.Unlock()
}

// Warnings returns the background failures recorded so far.
func (s *Session) Warnings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.warnings...)
}

// settled signals once every dispatched background task has finished.
func (s *Session) settled() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	return done
}

type logEntry struct {
	role    string
	content string
	agent   core.AgentType
	ts      time.Time
}

// Bridge pairs agents with realtime audio sessions. The LLM is warmed up at
// session start so the first utterance meets the voice deadline; DB tool
// writes and conversation logging run in the background so the reply never
// waits on persistence.
type Bridge struct {
	orch     *onboarding.Orchestrator
	provider core.LLMProvider
	store    SessionStore
	cfg      config.VoiceConfig
	logger   *log.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewBridge(orch *onboarding.Orchestrator, provider core.LLMProvider, store SessionStore, cfg config.VoiceConfig) *Bridge {
	return &Bridge{
		orch:     orch,
		provider: provider,
		store:    store,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[VOICE] ", log.LstdFlags),
		sessions: make(map[string]*Session),
	}
}

// StartSession opens a room for the user, locks their profile for the span
// of the session, and pre-warms the LLM. The session gets its own
// orchestrator view whose tool writes go through the background dispatcher.
// An empty agentType falls back to whichever agent owns the user's current
// onboarding step.
func (b *Bridge) StartSession(ctx context.Context, userID string, agentType core.AgentType) (*Session, error) {
	if agentType == "" {
		if st, err := b.orch.Status(ctx, userID); err == nil {
			agentType = st.CurrentAgent
		} else {
			agentType = onboarding.AgentForStep(1, false)
		}
	}
	sess := &Session{
		Room:      fmt.Sprintf("coach-%s", uuid.NewString()[:8]),
		UserID:    userID,
		AgentType: agentType,
		StartedAt: time.Now(),
		logCh:     make(chan logEntry, logBuffer),
		drained:   make(chan struct{}),
	}
	sess.orch = b.orch.WithStore(&asyncStore{Store: b.store, bridge: b, sess: sess})
	if err := b.store.SetProfileLocked(ctx, userID, true); err != nil {
		return nil, fmt.Errorf("locking profile: %w", err)
	}

	b.mu.Lock()
	b.sessions[sess.Room] = sess
	b.mu.Unlock()

	go b.persistLoop(sess)
	go b.warmup(sess)
	return sess, nil
}

// warmup issues a tiny completion so the provider's connection and any
// server-side caching are hot before the first real utterance.
func (b *Bridge) warmup(sess *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := b.provider.Complete(ctx, core.CompletionRequest{
		Messages:  []core.ChatMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		b.logger.Printf("warmup for room %s failed: %v", sess.Room, err)
		return
	}
	sess.setConnected()
	b.logger.Printf("room %s warm after %s", sess.Room, time.Since(sess.StartedAt))
}

// Lookup returns the session for a room.
func (b *Bridge) Lookup(room string) (*Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[room]
	return sess, ok
}

// HandleUtterance runs one transcribed utterance through the orchestrator
// in voice mode. Tool writes were already dispatched to the background by
// the session's store, and logging is queued, so the reply returns as soon
// as the LLM does.
func (b *Bridge) HandleUtterance(ctx context.Context, room, text string) (*core.Response, error) {
	sess, ok := b.Lookup(room)
	if !ok {
		return nil, &core.CodedError{Code: core.CodeNotFound, Msg: "no such voice session"}
	}
	resp, err := sess.orch.HandleTurn(ctx, sess.UserID, text, onboarding.ModeVoice)
	if err != nil {
		return nil, err
	}
	b.enqueue(sess, logEntry{role: "user", content: text, agent: resp.AgentType, ts: time.Now()})
	b.enqueue(sess, logEntry{role: "assistant", content: resp.Content, agent: resp.AgentType, ts: time.Now()})
	return resp, nil
}

// dispatch runs a persistence write in a tracked background goroutine.
// Failures land on the session record as warnings.
func (b *Bridge) dispatch(sess *Session, name string, fn func(context.Context) error) {
	sess.tasks.Add(1)
	go func() {
		defer sess.tasks.Done()
		ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			b.logger.Printf("room %s: background %s failed: %v", sess.Room, name, err)
			sess.Warn(fmt.Sprintf("%s failed: %s", name, err))
		}
	}()
}

func (b *Bridge) enqueue(sess *Session, e logEntry) {
	select {
	case sess.logCh <- e:
	default:
		// Dropping is preferable to stalling the audio path.
		b.logger.Printf("room %s log queue full, dropping %s message", sess.Room, e.role)
	}
}

func (b *Bridge) persistLoop(sess *Session) {
	defer close(sess.drained)
	for e := range sess.logCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := b.store.LogChatMessage(ctx, sess.UserID, e.role, e.content, e.agent, e.ts); err != nil {
			b.logger.Printf("room %s: persisting %s message failed: %v", sess.Room, e.role, err)
		}
		cancel()
	}
}

// EndSession unlocks the profile, drains queued log writes and awaits
// in-flight background tool tasks, each bounded by drainTimeout. Any
// warnings collected during the session are returned to the caller.
func (b *Bridge) EndSession(ctx context.Context, room string) ([]string, error) {
	b.mu.Lock()
	sess, ok := b.sessions[room]
	delete(b.sessions, room)
	b.mu.Unlock()
	if !ok {
		return nil, &core.CodedError{Code: core.CodeNotFound, Msg: "no such voice session"}
	}

	select {
	case <-sess.settled():
	case <-time.After(drainTimeout):
		b.logger.Printf("room %s: background tasks still running at session end", room)
		sess.Warn("background writes did not finish before the session ended")
	}
	close(sess.logCh)
	select {
	case <-sess.drained:
	case <-time.After(drainTimeout):
		b.logger.Printf("room %s: log drain timed out, some messages may be lost", room)
	}
	if err := b.store.SetProfileLocked(ctx, sess.UserID, false); err != nil {
		return sess.Warnings(), fmt.Errorf("unlocking profile: %w", err)
	}
	return sess.Warnings(), nil
}
