package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"sandboxengine/bridge"
	"sandboxengine/executor"
	"sandboxengine/executor/runtimetest"
	"sandboxengine/internal"
	"sandboxengine/lang"
	"sandboxengine/model"
)

type harness struct {
	rt        *runtimetest.Runtime
	redis     *miniredis.Miniredis
	rdb       *redis.Client
	languages *lang.Registry
}

func newHarness(t *testing.T, program runtimetest.Program) *harness {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	t.Cleanup(m.Close)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { rdb.Close() })

	rt := runtimetest.New()
	rt.Program = program

	python, _ := lang.NewRegistry().Get("python")
	python.Timeout = 300 * time.Millisecond
	return &harness{rt: rt, redis: m, rdb: rdb, languages: lang.NewRegistry(python)}
}

// manager builds a fresh process: new pool, engine and bridge over the same runtime and store.
func (h *harness) manager(t *testing.T, cfg Config) (*SessionManager, *executor.PoolRegistry) {
	t.Helper()
	poolCfg := executor.DefaultPoolConfig()
	poolCfg.MinIdle = 0
	poolCfg.MaxSize = 4
	poolCfg.AcquireTimeout = 500 * time.Millisecond
	pool := executor.NewPoolRegistry(h.rt, h.languages, poolCfg, nil)
	engine := executor.NewEngine(h.rt, h.languages, executor.DefaultEngineConfig(), nil)
	br := bridge.New(bridge.NewRedisBus(h.rdb), bridge.NewRedisStore(h.rdb, time.Hour), nil)
	return NewSessionManager(pool, engine, h.languages, br, cfg, nil), pool
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.QuickWait = 100 * time.Millisecond
	cfg.HardWait = 2 * time.Second
	cfg.InputWait = 100 * time.Millisecond
	return cfg
}

func printer(p *runtimetest.Proc) {
	src := p.Source()
	switch {
	case strings.Contains(src, "print(42)"):
		p.Stdout("42")
	case strings.Contains(src, "input()"):
		p.Stdout("name? ")
		if line, ok := p.ReadLine(); ok {
			p.Stdout("hi " + line + "\n")
		}
	case strings.Contains(src, "slow()"):
		p.Stdout("a")
		time.Sleep(300 * time.Millisecond)
		p.Stdout("b")
	case strings.Contains(src, "while True"):
		p.Hang()
	case strings.Contains(src, "raise"):
		p.Stderr("boom\n")
		p.SetExit(1)
	}
}

func TestExecuteCode(t *testing.T) {
	h := newHarness(t, printer)
	m, _ := h.manager(t, testConfig())
	ctx := context.Background()

	start, err := m.StartSession(ctx, "python", "")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if start.SessionID == "" {
		t.Fatal("expected generated session id")
	}

	resp, err := m.ExecuteCode(ctx, start.SessionID, "print(42)")
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if resp.Stdout != "42" || resp.Stderr != "" {
		t.Errorf("unexpected output stdout=%q stderr=%q", resp.Stdout, resp.Stderr)
	}
	if resp.Error != "" || resp.Running {
		t.Errorf("unexpected response %+v", resp)
	}

	resp, err = m.ExecuteCode(ctx, start.SessionID, "raise")
	if err != nil {
		t.Fatalf("second execute failed: %v", err)
	}
	if resp.Stdout != "" || resp.Stderr != "boom\n" {
		t.Errorf("expected only new output, got stdout=%q stderr=%q", resp.Stdout, resp.Stderr)
	}
}

func TestExecuteTimeout(t *testing.T) {
	h := newHarness(t, printer)
	m, _ := h.manager(t, testConfig())
	ctx := context.Background()

	start, _ := m.StartSession(ctx, "python", "loop")
	began := time.Now()
	resp, err := m.ExecuteCode(ctx, start.SessionID, "while True: pass")
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if elapsed := time.Since(began); elapsed > 1500*time.Millisecond {
		t.Errorf("timed-out run took %s", elapsed)
	}
	if !strings.Contains(resp.Stderr, executor.TimeoutMarker(300*time.Millisecond)) {
		t.Errorf("expected timeout marker, got %q", resp.Stderr)
	}
}

func TestExecuteValidation(t *testing.T) {
	h := newHarness(t, printer)
	m, _ := h.manager(t, testConfig())
	ctx := context.Background()
	start, _ := m.StartSession(ctx, "python", "")

	_, err := m.ExecuteCode(ctx, start.SessionID, strings.Repeat("x", 50*1024+1))
	if !errors.Is(err, internal.ErrCodeSizeExceeded) {
		t.Errorf("expected ErrCodeSizeExceeded, got %v", err)
	}
	_, err = m.ExecuteCode(ctx, start.SessionID, "  ")
	if !errors.Is(err, internal.ErrEmptyCode) {
		t.Errorf("expected ErrEmptyCode, got %v", err)
	}
	_, err = m.ExecuteCode(ctx, "missing", "print(42)")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestStartSessionErrors(t *testing.T) {
	h := newHarness(t, printer)
	m, _ := h.manager(t, testConfig())
	ctx := context.Background()

	if _, err := m.StartSession(ctx, "cobol", ""); !errors.Is(err, lang.ErrUnsupportedLanguage) {
		t.Errorf("expected ErrUnsupportedLanguage, got %v", err)
	}
	if _, err := m.StartSession(ctx, "python", "dup"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := m.StartSession(ctx, "python", "dup"); !errors.Is(err, ErrSessionExists) {
		t.Errorf("expected ErrSessionExists, got %v", err)
	}
}

func TestSendInput(t *testing.T) {
	h := newHarness(t, printer)
	m, _ := h.manager(t, testConfig())
	ctx := context.Background()
	start, _ := m.StartSession(ctx, "python", "")

	resp, err := m.ExecuteCode(ctx, start.SessionID, "name = input()")
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if resp.Stdout != "name? " || !resp.Running {
		t.Fatalf("expected prompt with a running process, got %+v", resp)
	}

	in, err := m.SendInput(ctx, start.SessionID, "bob")
	if err != nil {
		t.Fatalf("send input failed: %v", err)
	}
	if in.Stdout != "hi bob\n" {
		t.Errorf("unexpected stdout %q", in.Stdout)
	}
}

func TestSendInputWithoutProcess(t *testing.T) {
	h := newHarness(t, printer)
	m, _ := h.manager(t, testConfig())
	ctx := context.Background()
	start, _ := m.StartSession(ctx, "python", "")

	resp, err := m.ExecuteCode(ctx, start.SessionID, "slow()")
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if resp.Stdout != "a" {
		t.Fatalf("expected early partial output, got %q", resp.Stdout)
	}

	m.mu.Lock()
	sess := m.sessions[start.SessionID]
	m.mu.Unlock()
	select {
	case <-sess.output.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit")
	}

	if _, err := m.SendInput(ctx, start.SessionID, "x"); !errors.Is(err, ErrNoActiveProcess) {
		t.Fatalf("expected ErrNoActiveProcess, got %v", err)
	}
	if out, _ := sess.output.Delta(); out != "b" {
		t.Errorf("failed input touched the buffers, remaining stdout %q", out)
	}
}

func TestEndSessionTwice(t *testing.T) {
	h := newHarness(t, printer)
	m, pool := h.manager(t, testConfig())
	ctx := context.Background()
	start, _ := m.StartSession(ctx, "python", "")

	if err := m.EndSession(ctx, start.SessionID); err != nil {
		t.Fatalf("first end failed: %v", err)
	}
	removed := h.rt.Removed()
	if err := m.EndSession(ctx, start.SessionID); err != nil {
		t.Fatalf("second end failed: %v", err)
	}
	if h.rt.Removed() != removed {
		t.Error("second end destroyed an instance")
	}
	if st := pool.Stats()["python"]; st.Leased != 0 {
		t.Errorf("instance still leased: %+v", st)
	}
	if h.redis.Exists(bridge.SessionKey(start.SessionID)) {
		t.Error("persisted record survived end")
	}
	if _, err := m.ExecuteCode(ctx, start.SessionID, "print(42)"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after end, got %v", err)
	}
}

func TestRestoreAfterRestart(t *testing.T) {
	h := newHarness(t, printer)
	ctx := context.Background()

	first, firstPool := h.manager(t, testConfig())
	start, err := first.StartSession(ctx, "python", "durable")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	before, _ := first.ExecuteCode(ctx, "durable", "print(42)")
	first.Stop(ctx)
	firstPool.Stop(ctx)

	second, secondPool := h.manager(t, testConfig())
	if n := second.RestoreAll(ctx); n != 1 {
		t.Fatalf("expected 1 restored session, got %d", n)
	}
	if n := secondPool.CleanupOrphans(ctx); n != 0 {
		t.Errorf("restored instance removed as orphan")
	}

	after, err := second.ExecuteCode(ctx, start.SessionID, "print(42)")
	if err != nil {
		t.Fatalf("execute after restart failed: %v", err)
	}
	if after.Stdout != before.Stdout || after.Stderr != before.Stderr {
		t.Errorf("behavior changed across restart: before %+v, after %+v", before, after)
	}
}

func TestRestoreOnLookup(t *testing.T) {
	h := newHarness(t, printer)
	ctx := context.Background()

	first, _ := h.manager(t, testConfig())
	first.StartSession(ctx, "python", "lazy")
	first.Stop(ctx)

	second, _ := h.manager(t, testConfig())
	resp, err := second.ExecuteCode(ctx, "lazy", "print(42)")
	if err != nil {
		t.Fatalf("execute on unloaded session failed: %v", err)
	}
	if resp.Stdout != "42" {
		t.Errorf("unexpected stdout %q", resp.Stdout)
	}
}

func TestRestoreWithDeadInstance(t *testing.T) {
	h := newHarness(t, printer)
	ctx := context.Background()

	first, _ := h.manager(t, testConfig())
	first.StartSession(ctx, "python", "gone")
	info, _ := first.Session(ctx, "gone")
	first.Stop(ctx)
	h.rt.Stop(info.InstanceID)

	second, _ := h.manager(t, testConfig())
	if err := second.Restore(ctx, "gone"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if h.redis.Exists(bridge.SessionKey("gone")) {
		t.Error("record of an unrecoverable session was kept")
	}
}

func TestCleanupInactive(t *testing.T) {
	h := newHarness(t, printer)
	cfg := testConfig()
	cfg.Inactivity = 50 * time.Millisecond
	m, pool := h.manager(t, cfg)
	ctx := context.Background()

	m.StartSession(ctx, "python", "idle")
	time.Sleep(100 * time.Millisecond)
	m.StartSession(ctx, "python", "fresh")

	if n := m.CleanupInactive(ctx); n != 1 {
		t.Errorf("expected 1 session reaped, got %d", n)
	}
	if ids := m.ActiveSessions(); len(ids) != 1 || ids[0] != "fresh" {
		t.Errorf("unexpected active sessions %v", ids)
	}
	if st := pool.Stats()["python"]; st.Leased != 1 {
		t.Errorf("expected one lease left, got %+v", st)
	}
}

func TestOutputPublished(t *testing.T) {
	h := newHarness(t, printer)
	m, _ := h.manager(t, testConfig())
	ctx := context.Background()

	ps := h.rdb.Subscribe(ctx, bridge.OutputChannel("pub"))
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	m.StartSession(ctx, "python", "pub")
	if _, err := m.ExecuteCode(ctx, "pub", "print(42)"); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	got := map[string]string{}
	timeout := time.After(2 * time.Second)
	for got["exit"] == "" {
		select {
		case msg := <-ps.Channel():
			var out model.OutputMessage
			if err := json.Unmarshal([]byte(msg.Payload), &out); err != nil {
				t.Fatalf("bad payload: %v", err)
			}
			got[out.Type] += out.Data
		case <-timeout:
			t.Fatalf("missing events, got %v", got)
		}
	}
	if got["stdout"] != "42" || got["exit"] != "0" {
		t.Errorf("unexpected events %v", got)
	}
}

func TestBusCommands(t *testing.T) {
	h := newHarness(t, printer)
	m, _ := h.manager(t, testConfig())
	ctx := context.Background()

	ps := h.rdb.Subscribe(ctx, bridge.OutputChannel("bus"))
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	m.StartSession(ctx, "python", "bus")

	h.rdb.Publish(ctx, bridge.CommandChannel("bus"), `{"type":"execute","data":"print(42)"}`)

	select {
	case msg := <-ps.Channel():
		var out model.OutputMessage
		json.Unmarshal([]byte(msg.Payload), &out)
		if out.Type != "stdout" || out.Data != "42" {
			t.Errorf("unexpected first event %+v", out)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("bus command produced no output")
	}
}

func TestEndSessionDuringExecute(t *testing.T) {
	h := newHarness(t, printer)
	m, pool := h.manager(t, testConfig())
	ctx := context.Background()

	m.StartSession(ctx, "python", "s1")
	info, _ := m.Session(ctx, "s1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.ExecuteCode(ctx, "s1", "while True: pass")
	}()
	time.Sleep(50 * time.Millisecond)
	if err := m.EndSession(ctx, "s1"); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	<-done

	if h.redis.Exists(bridge.SessionKey("s1")) {
		t.Fatal("in-flight execute wrote the record of an ended session back")
	}

	m.StartSession(ctx, "python", "s2")
	next, _ := m.Session(ctx, "s2")
	if next.InstanceID != info.InstanceID {
		t.Fatalf("expected s2 to reuse the released instance %s, got %s", info.InstanceID, next.InstanceID)
	}
	if _, err := m.Session(ctx, "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ended session to stay gone, got %v", err)
	}
	if resp, err := m.ExecuteCode(ctx, "s2", "print(42)"); err != nil || resp.Stdout != "42" {
		t.Errorf("s2 broken after s1 ended: %+v %v", resp, err)
	}
	if st := pool.Stats()["python"]; st.Leased != 1 {
		t.Errorf("expected one lease, got %+v", st)
	}
}

func TestStaleRecordCannotShareInstance(t *testing.T) {
	h := newHarness(t, printer)
	m, pool := h.manager(t, testConfig())
	ctx := context.Background()
	store := bridge.NewRedisStore(h.rdb, time.Hour)

	m.StartSession(ctx, "python", "owner")
	info, _ := m.Session(ctx, "owner")
	stale := model.SessionRecord{ID: "stale", Language: "python", InstanceID: info.InstanceID, CreatedAt: time.Now()}

	store.Save(ctx, stale)
	if _, err := m.Session(ctx, "stale"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected a record pointing at a leased instance to be refused, got %v", err)
	}
	if h.redis.Exists(bridge.SessionKey("stale")) {
		t.Error("unrestorable record was kept")
	}

	store.Save(ctx, stale)
	if err := m.EndSession(ctx, "stale"); err != nil {
		t.Fatalf("end of stale record failed: %v", err)
	}
	if st := pool.Stats()["python"]; st.Leased != 1 {
		t.Errorf("ending a stale record released the owner's instance: %+v", st)
	}
	if resp, err := m.ExecuteCode(ctx, "owner", "print(42)"); err != nil || resp.Stdout != "42" {
		t.Errorf("owner broken by stale record: %+v %v", resp, err)
	}
}

func TestRestoreKeepsRecordOnRuntimeError(t *testing.T) {
	h := newHarness(t, printer)
	ctx := context.Background()

	first, _ := h.manager(t, testConfig())
	first.StartSession(ctx, "python", "flaky")
	first.Stop(ctx)

	h.rt.InspectErr = func(string) error { return errors.New("daemon restarting") }
	second, _ := h.manager(t, testConfig())
	err := second.Restore(ctx, "flaky")
	if !errors.Is(err, executor.ErrRuntimeUnavailable) || errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected a retriable runtime error, got %v", err)
	}
	if !h.redis.Exists(bridge.SessionKey("flaky")) {
		t.Fatal("record dropped on a transient failure")
	}

	h.rt.InspectErr = nil
	resp, err := second.ExecuteCode(ctx, "flaky", "print(42)")
	if err != nil || resp.Stdout != "42" {
		t.Errorf("session not restorable after the runtime recovered: %+v %v", resp, err)
	}
}
