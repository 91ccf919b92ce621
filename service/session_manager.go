package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sandboxengine/bridge"
	"sandboxengine/executor"
	"sandboxengine/internal"
	"sandboxengine/lang"
	"sandboxengine/model"
	"sandboxengine/natshandler"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrNoActiveProcess = executor.ErrNoActiveProcess
)

// Pool leases execution environments.
type Pool interface {
	Acquire(ctx context.Context, language string) (*executor.Instance, error)
	Release(ctx context.Context, inst *executor.Instance)
	Adopt(ctx context.Context, language, id string) (*executor.Instance, error)
}

// Bridge is the bus and persistence surface the manager needs.
type Bridge interface {
	PublishOutput(ctx context.Context, sessionID, eventType, data string) error
	SubscribeToCommands(ctx context.Context, sessionID string, h natshandler.Handlers) error
	Unsubscribe(sessionID string)
	SaveSession(ctx context.Context, rec model.SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (*model.SessionRecord, error)
	RemoveSession(ctx context.Context, sessionID string) error
	GetAllSessionIDs(ctx context.Context) ([]string, error)
}

type Config struct {
	// QuickWait is how long an execute waits before returning early with partial output.
	QuickWait time.Duration
	// HardWait caps how long an execute waits for output at all.
	HardWait  time.Duration
	InputWait time.Duration

	Inactivity      time.Duration
	CleanupInterval time.Duration

	MaxCodeBytes   int
	MaxOutputBytes int
	EventBuffer    int
	PublishTimeout time.Duration
	StoreTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		QuickWait:       500 * time.Millisecond,
		HardWait:        5 * time.Second,
		InputWait:       500 * time.Millisecond,
		Inactivity:      5 * time.Minute,
		CleanupInterval: 30 * time.Second,
		MaxCodeBytes:    50 * 1024,
		MaxOutputBytes:  1024 * 1024,
		EventBuffer:     256,
		PublishTimeout:  2 * time.Second,
		StoreTimeout:    2 * time.Second,
	}
}

type session struct {
	id        string
	language  string
	instance  *executor.Instance
	createdAt time.Time
	// unix nanoseconds
	lastActivity atomic.Int64

	// serializes execute, input and end
	mu        sync.Mutex
	output    *executor.OutputState
	forwarded chan struct{}
}

func (s *session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

func (s *session) lastActive() time.Time { return time.Unix(0, s.lastActivity.Load()) }

// ended reports whether the session was torn down while a caller waited on mu.
func (s *session) ended() bool {
	select {
	case <-s.output.Closed():
		return true
	default:
		return false
	}
}

func (s *session) record() model.SessionRecord {
	return model.SessionRecord{
		ID:             s.id,
		Language:       s.language,
		InstanceID:     s.instance.ID,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActive(),
	}
}

// SessionManager maps session ids to leased instances and their output.
type SessionManager struct {
	pool      Pool
	engine    *executor.Engine
	languages *lang.Registry
	bridge    Bridge
	cfg       Config
	logger    *zap.Logger

	mu        sync.Mutex
	sessions  map[string]*session
	restoreMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewSessionManager(pool Pool, engine *executor.Engine, languages *lang.Registry, br Bridge, cfg Config, logger *zap.Logger) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		pool:      pool,
		engine:    engine,
		languages: languages,
		bridge:    br,
		cfg:       cfg,
		logger:    logger,
		sessions:  make(map[string]*session),
		stop:      make(chan struct{}),
	}
}

// StartSession leases an instance for language and opens a session on it. An
// empty sessionID gets a generated one.
func (m *SessionManager) StartSession(ctx context.Context, language, sessionID string) (*model.StartSessionResponse, error) {
	if _, err := m.languages.Get(language); err != nil {
		return nil, err
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	m.mu.Lock()
	_, exists := m.sessions[sessionID]
	m.mu.Unlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}

	inst, err := m.pool.Acquire(ctx, language)
	if err != nil {
		return nil, err
	}

	sess := m.open(sessionID, language, inst, time.Now())

	m.mu.Lock()
	if _, exists := m.sessions[sessionID]; exists {
		m.mu.Unlock()
		m.teardown(ctx, sess)
		m.pool.Release(ctx, inst)
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	sess.mu.Lock()
	m.persist(ctx, sess)
	sess.mu.Unlock()
	m.subscribe(ctx, sess)

	m.logger.Info("Session started",
		zap.String("session", sessionID), zap.String("language", language), zap.String("instance", inst.ID))
	return &model.StartSessionResponse{SessionID: sessionID, Language: language}, nil
}

// ExecuteCode runs code in the session and returns the output produced since
// the previous call. It waits QuickWait for the run to finish or produce output,
// then up to HardWait for anything at all.
func (m *SessionManager) ExecuteCode(ctx context.Context, sessionID, code string) (*model.ExecuteResponse, error) {
	if err := internal.ValidateCode(code, m.cfg.MaxCodeBytes); err != nil {
		return nil, err
	}
	sess, err := m.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.ended() {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	sess.touch()

	start := time.Now()
	st := sess.output
	st.ResetSignal()
	resp := &model.ExecuteResponse{SessionID: sessionID}

	if err := m.engine.Execute(ctx, sess.instance, code, sess.language, sessionID, st); err != nil {
		m.logger.Error("Execution failed to start", zap.String("session", sessionID), zap.Error(err))
		m.publish(sessionID, string(executor.Error), err.Error())
		resp.Error = err.Error()
	} else {
		m.waitForOutput(ctx, st, start)
	}

	resp.Stdout, resp.Stderr = st.Delta()
	resp.ExecutionTime = time.Since(start).Milliseconds()
	resp.Running = st.Process() != nil
	resp.Truncated = st.Truncated()

	sess.touch()
	m.persist(ctx, sess)
	return resp, nil
}

func (m *SessionManager) waitForOutput(ctx context.Context, st *executor.OutputState, start time.Time) {
	quick := time.NewTimer(m.cfg.QuickWait)
	defer quick.Stop()

	select {
	case <-st.Done():
		return
	case <-ctx.Done():
		return
	case <-quick.C:
	}
	if st.HasUnread() {
		return
	}

	hard := time.NewTimer(time.Until(start.Add(m.cfg.HardWait)))
	defer hard.Stop()
	select {
	case <-st.Done():
	case <-st.DataSignal():
	case <-ctx.Done():
	case <-hard.C:
	}
}

// SendInput writes a line to the session's running process and returns the
// output that follows within InputWait.
func (m *SessionManager) SendInput(ctx context.Context, sessionID, input string) (*model.InputResponse, error) {
	sess, err := m.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.ended() {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	st := sess.output
	proc := st.Process()
	if proc == nil {
		return nil, ErrNoActiveProcess
	}
	sess.touch()
	if err := m.engine.SendInput(proc, input); err != nil {
		return nil, err
	}

	wait := time.NewTimer(m.cfg.InputWait)
	defer wait.Stop()
	select {
	case <-wait.C:
	case <-st.Done():
	case <-ctx.Done():
	}

	resp := &model.InputResponse{SessionID: sessionID}
	resp.Stdout, resp.Stderr = st.Delta()
	resp.Running = st.Process() != nil
	return resp, nil
}

// EndSession stops the session's process, releases its instance and forgets it.
// Ending an unknown session is a no-op.
func (m *SessionManager) EndSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if sess == nil {
		return m.endPersisted(ctx, sessionID)
	}

	m.bridge.Unsubscribe(sessionID)

	// the record goes only after teardown, so an execute that held mu cannot write it back
	sess.mu.Lock()
	m.teardown(ctx, sess)
	m.mu.Lock()
	reused := m.sessions[sessionID] != nil
	m.mu.Unlock()
	if !reused {
		m.forget(ctx, sessionID)
	}
	sess.mu.Unlock()
	m.pool.Release(ctx, sess.instance)

	m.logger.Info("Session ended", zap.String("session", sessionID))
	return nil
}

// endPersisted cleans up a session that only exists in the store, so its
// instance is not left behind.
func (m *SessionManager) endPersisted(ctx context.Context, sessionID string) error {
	rec, err := m.loadRecord(ctx, sessionID)
	if err != nil || rec == nil {
		return nil
	}
	m.forget(ctx, sessionID)
	if inst, err := m.pool.Adopt(ctx, rec.Language, rec.InstanceID); err == nil {
		m.pool.Release(ctx, inst)
	}
	m.logger.Info("Ended persisted session", zap.String("session", sessionID))
	return nil
}

// Session describes an active or restorable session.
func (m *SessionManager) Session(ctx context.Context, sessionID string) (*model.SessionInfo, error) {
	sess, err := m.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &model.SessionInfo{
		SessionID:      sess.id,
		Language:       sess.language,
		InstanceID:     sess.instance.ID,
		CreatedAt:      sess.createdAt,
		LastActivityAt: sess.lastActive(),
		Running:        sess.output.Process() != nil,
	}, nil
}

// ActiveSessions returns the ids of sessions held in memory.
func (m *SessionManager) ActiveSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// CleanupInactive ends sessions idle for longer than the inactivity threshold.
func (m *SessionManager) CleanupInactive(ctx context.Context) int {
	cutoff := time.Now().Add(-m.cfg.Inactivity)

	m.mu.Lock()
	var stale []string
	for id, sess := range m.sessions {
		if sess.lastActive().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.logger.Info("Ending inactive session", zap.String("session", id))
		m.EndSession(ctx, id)
	}
	return len(stale)
}

// Restore rehydrates a session from its persisted record and reattaches its
// instance. A missing record or a dead instance yields ErrSessionNotFound and
// drops the record; runtime or capacity failures keep it for a later attempt.
func (m *SessionManager) Restore(ctx context.Context, sessionID string) error {
	_, err := m.restore(ctx, sessionID)
	return err
}

// RestoreAll rehydrates every persisted session, returning how many are usable.
func (m *SessionManager) RestoreAll(ctx context.Context) int {
	ids, err := m.bridge.GetAllSessionIDs(ctx)
	if err != nil {
		m.logger.Error("Failed to list persisted sessions", zap.Error(err))
		return 0
	}
	restored := 0
	for _, id := range ids {
		if _, err := m.restore(ctx, id); err != nil {
			m.logger.Warn("Could not restore session", zap.String("session", id), zap.Error(err))
			continue
		}
		restored++
	}
	if len(ids) > 0 {
		m.logger.Info("Restored sessions", zap.Int("restored", restored), zap.Int("persisted", len(ids)))
	}
	return restored
}

func (m *SessionManager) lookup(ctx context.Context, sessionID string) (*session, error) {
	m.mu.Lock()
	sess := m.sessions[sessionID]
	m.mu.Unlock()
	if sess != nil {
		return sess, nil
	}
	return m.restore(ctx, sessionID)
}

func (m *SessionManager) restore(ctx context.Context, sessionID string) (*session, error) {
	m.restoreMu.Lock()
	defer m.restoreMu.Unlock()

	m.mu.Lock()
	sess := m.sessions[sessionID]
	m.mu.Unlock()
	if sess != nil {
		return sess, nil
	}

	rec, err := m.loadRecord(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	inst, err := m.pool.Adopt(ctx, rec.Language, rec.InstanceID)
	switch {
	case errors.Is(err, executor.ErrInstanceUnavailable),
		errors.Is(err, executor.ErrInstanceInUse),
		errors.Is(err, lang.ErrUnsupportedLanguage):
		// the record can never be restored
		m.forget(ctx, sessionID)
		return nil, fmt.Errorf("%w: %s: %v", ErrSessionNotFound, sessionID, err)
	case err != nil:
		return nil, fmt.Errorf("failed to restore session %s: %w", sessionID, err)
	}

	sess = m.open(rec.ID, rec.Language, inst, rec.CreatedAt)
	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	sess.mu.Lock()
	m.persist(ctx, sess)
	sess.mu.Unlock()
	m.subscribe(ctx, sess)
	m.logger.Info("Session restored", zap.String("session", sessionID), zap.String("instance", inst.ID))
	return sess, nil
}

// loadRecord returns nil without error when nothing is persisted.
func (m *SessionManager) loadRecord(ctx context.Context, sessionID string) (*model.SessionRecord, error) {
	sctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	rec, err := m.bridge.GetSession(sctx, sessionID)
	if errors.Is(err, bridge.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return rec, nil
}

func (m *SessionManager) open(id, language string, inst *executor.Instance, created time.Time) *session {
	sess := &session{
		id:        id,
		language:  language,
		instance:  inst,
		createdAt: created,
		output:    executor.NewOutputState(id, m.cfg.MaxOutputBytes),
		forwarded: make(chan struct{}),
	}
	sess.touch()
	events := sess.output.EnableEvents(m.cfg.EventBuffer)
	go m.forward(sess, events)
	return sess
}

// forward republishes a session's output events until its state closes.
func (m *SessionManager) forward(sess *session, events <-chan executor.OutputEvent) {
	defer close(sess.forwarded)
	for {
		select {
		case ev := <-events:
			m.publish(ev.SessionID, string(ev.Type), ev.Data)
		case <-sess.output.Closed():
			return
		}
	}
}

func (m *SessionManager) publish(sessionID, eventType, data string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PublishTimeout)
	defer cancel()
	if err := m.bridge.PublishOutput(ctx, sessionID, eventType, data); err != nil {
		m.logger.Debug("Failed to publish output", zap.String("session", sessionID), zap.Error(err))
	}
}

func (m *SessionManager) subscribe(ctx context.Context, sess *session) {
	if sess.ended() {
		return
	}
	err := m.bridge.SubscribeToCommands(ctx, sess.id, natshandler.Handlers{
		OnExecute: m.handleExecute,
		OnInput:   m.handleInput,
	})
	if err != nil {
		m.logger.Warn("Failed to subscribe to session commands", zap.String("session", sess.id), zap.Error(err))
	}
}

// Bus commands have no caller to answer; output reaches subscribers through the
// forwarder and failures are published as error events.
func (m *SessionManager) handleExecute(sessionID, code string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HardWait+m.cfg.StoreTimeout)
	defer cancel()
	if _, err := m.ExecuteCode(ctx, sessionID, code); err != nil {
		m.publish(sessionID, string(executor.Error), err.Error())
	}
}

func (m *SessionManager) handleInput(sessionID, input string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.InputWait+m.cfg.StoreTimeout)
	defer cancel()
	if _, err := m.SendInput(ctx, sessionID, input); err != nil {
		m.publish(sessionID, string(executor.Error), err.Error())
	}
}

// persist saves the session record. Callers hold sess.mu; an ended session is
// never written back.
func (m *SessionManager) persist(ctx context.Context, sess *session) {
	if sess.ended() {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.StoreTimeout)
	defer cancel()
	if err := m.bridge.SaveSession(sctx, sess.record()); err != nil {
		m.logger.Warn("Failed to persist session", zap.String("session", sess.id), zap.Error(err))
	}
}

func (m *SessionManager) forget(ctx context.Context, sessionID string) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.StoreTimeout)
	defer cancel()
	if err := m.bridge.RemoveSession(sctx, sessionID); err != nil {
		m.logger.Warn("Failed to remove persisted session", zap.String("session", sessionID), zap.Error(err))
	}
}

// teardown stops the live process and the forwarder. It must not race an
// execute or input on the same session.
func (m *SessionManager) teardown(ctx context.Context, sess *session) {
	m.engine.Stop(ctx, sess.instance, sess.output)
	sess.output.Close()
	<-sess.forwarded
}

// Start runs CleanupInactive every CleanupInterval until Stop.
func (m *SessionManager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CleanupInterval)
				m.CleanupInactive(ctx)
				cancel()
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop ends the cleanup loop and detaches every session without releasing its
// instance or removing its record, so a restarted process can restore them.
func (m *SessionManager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()

	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for _, sess := range sessions {
		m.bridge.Unsubscribe(sess.id)
		sess.mu.Lock()
		m.teardown(ctx, sess)
		sess.mu.Unlock()
	}
	m.logger.Info("Session manager stopped", zap.Int("detached", len(sessions)))
}
