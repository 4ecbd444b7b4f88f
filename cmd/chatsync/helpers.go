package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/unimarket/chatsync"
)

// defaultRealtimePath is appended to base_url when ws_url is not set.
const defaultRealtimePath = "/ws"

// newLogger builds a console logger at the configured level.
func newLogger(cfg *Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Default.LogLevel))
	if err != nil || cfg.Default.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

// dataDir resolves the local store directory.
func dataDir(cfg *Config) (string, error) {
	if cfg.Default.DataDir != "" {
		return cfg.Default.DataDir, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "data"), nil
}

// openStore opens the SQLite store holding the token and message cache.
func openStore(cfg *Config) (*chatsync.SQLiteStorage, error) {
	dir, err := dataDir(cfg)
	if err != nil {
		return nil, err
	}
	store, err := chatsync.OpenSQLiteStorage(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	return store, nil
}

func baseURL(cfg *Config) string {
	if cfg.Default.BaseURL != "" {
		return strings.TrimRight(cfg.Default.BaseURL, "/")
	}
	return chatsync.DefaultBaseURL
}

func wsURL(cfg *Config) string {
	if cfg.Default.WSURL != "" {
		return cfg.Default.WSURL
	}
	return baseURL(cfg) + defaultRealtimePath
}

// chatEnv bundles everything a command needs to talk to the chat backend.
type chatEnv struct {
	cfg     *Config
	log     zerolog.Logger
	store   *chatsync.SQLiteStorage
	client  *chatsync.Client
	session *chatsync.Session
}

func (e *chatEnv) Close() {
	e.session.Stop()
	if err := e.store.Close(); err != nil {
		e.log.Debug().Err(err).Msg("close local store")
	}
}

// newChatEnv loads config, opens the store and builds an unstarted session.
// reg may be nil.
func newChatEnv(reg prometheus.Registerer) (*chatEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := newLogger(cfg)

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	client := chatsync.NewClient("",
		chatsync.WithBaseURL(baseURL(cfg)),
		chatsync.WithLogger(log),
	)
	rtCfg := chatsync.DefaultRealtimeConfig()
	rtCfg.Logger = &log
	transport := chatsync.NewRealtimeClient(wsURL(cfg), rtCfg)

	session, err := chatsync.NewSession(chatsync.SessionConfig{
		API:       client,
		Transport: transport,
		Storage:   store,
		UserID:    cfg.Auth.UserID,
	},
		chatsync.WithSessionLogger(log),
		chatsync.WithMetrics(chatsync.NewMetrics(reg)),
	)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &chatEnv{cfg: cfg, log: log, store: store, client: client, session: session}, nil
}

// participantName returns a display name for p.
func participantName(p chatsync.Participant) string {
	if p.User.Name != "" {
		return p.User.Name
	}
	return p.ID()
}

// contentLine renders raw message content on one line.
func contentLine(raw string) string {
	return strings.ReplaceAll(chatsync.ParseContent(raw).Summary(), "\n", " ")
}

func printMessage(m chatsync.Message, selfID string) {
	who := m.SenderID
	if m.Sender != nil && m.Sender.Name != "" {
		who = m.Sender.Name
	}
	if m.SenderID == selfID {
		who = "me"
	}
	marker := ""
	if m.Provisional() {
		marker = " (sending)"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), who, contentLine(m.Content), marker)
}
