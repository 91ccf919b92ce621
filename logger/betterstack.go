package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// logEntry is the JSON shape Better Stack ingests.
type logEntry struct {
	Timestamp  string         `json:"timestamp"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	Layer      string         `json:"layer,omitempty"` // logger name
	Caller     string         `json:"caller,omitempty"`
	Attributes map[string]any `json:"attributes"`
}

// BetterStackOptions configures shipping logs to Better Stack.
type BetterStackOptions struct {
	SourceToken string
	UploadURL   string
	// File, when set, receives the JSON lines instead of the HTTP endpoint.
	File  io.Writer
	Level zapcore.LevelEnabler
	// Buffer bounds queued entries; further entries are dropped while it is full.
	Buffer int
}

type shipper struct {
	opts   BetterStackOptions
	client *http.Client
	queue  chan []byte
	fileMu sync.Mutex
	wg     sync.WaitGroup
	once   sync.Once
}

func newShipper(opts BetterStackOptions) *shipper {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	s := &shipper{
		opts:   opts,
		client: &http.Client{Timeout: 10 * time.Second},
		queue:  make(chan []byte, opts.Buffer),
	}
	if opts.File == nil {
		s.wg.Add(1)
		go s.run()
	}
	return s
}

func (s *shipper) run() {
	defer s.wg.Done()
	for body := range s.queue {
		req, err := http.NewRequest(http.MethodPost, s.opts.UploadURL, bytes.NewReader(body))
		if err != nil {
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+s.opts.SourceToken)
		resp, err := s.client.Do(req)
		if err != nil {
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

func (s *shipper) send(body []byte) {
	if s.opts.File != nil {
		s.fileMu.Lock()
		s.opts.File.Write(append(body, '\n'))
		s.fileMu.Unlock()
		return
	}
	select {
	case s.queue <- body:
	default:
	}
}

func (s *shipper) close() {
	s.once.Do(func() {
		close(s.queue)
	})
	s.wg.Wait()
}

// betterStackCore is a zapcore.Core that ships entries as JSON.
type betterStackCore struct {
	zapcore.LevelEnabler
	fields []zapcore.Field
	ship   *shipper
}

// NewBetterStackCore returns a core for zapcore.NewTee and a function that
// flushes queued entries.
func NewBetterStackCore(opts BetterStackOptions) (zapcore.Core, func()) {
	if opts.Level == nil {
		opts.Level = zapcore.InfoLevel
	}
	s := newShipper(opts)
	return &betterStackCore{LevelEnabler: opts.Level, ship: s}, s.close
}

func (c *betterStackCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &betterStackCore{LevelEnabler: c.LevelEnabler, fields: merged, ship: c.ship}
}

func (c *betterStackCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *betterStackCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	entry := logEntry{
		Timestamp:  ent.Time.UTC().Format(time.RFC3339Nano),
		Level:      strings.ToUpper(ent.Level.String()),
		Message:    ent.Message,
		Layer:      ent.LoggerName,
		Attributes: enc.Fields,
	}
	if ent.Caller.Defined {
		entry.Caller = ent.Caller.TrimmedPath()
	}

	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	c.ship.send(body)
	return nil
}

func (c *betterStackCore) Sync() error { return nil }
