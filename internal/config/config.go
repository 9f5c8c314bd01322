// Package config loads parley.yaml.
//
// Sources are applied in order: the YAML file, a .env file next to it (or
// in the working directory), then PARLEY_* environment variables. The
// merged document is checked against the embedded CUE schema before any
// value is converted, so every error names the offending path.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Error codes.
const (
	ErrCodeRead    = "CONFIG_READ"
	ErrCodeParse   = "CONFIG_PARSE"
	ErrCodeSchema  = "CONFIG_SCHEMA"
	ErrCodeInvalid = "CONFIG_INVALID"
)

// Error is a configuration failure.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsConfigError reports whether err is (or wraps) a config Error.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

// Transport kinds.
const (
	TransportMemory    = "memory"
	TransportWebSocket = "websocket"
	TransportRedis     = "redis"
	TransportKafka     = "kafka"
)

// Config is the resolved configuration.
type Config struct {
	UserID    string
	Token     string
	JWTSecret string

	Transport Transport
	Journal   string
	Listen    string
	Timing    Timing
	Log       Log

	// Conversations are watched on startup.
	Conversations []string
}

// Transport selects and configures the realtime transport.
type Transport struct {
	Kind       string
	URL        string
	Addr       string
	Password   string
	DB         int
	Brokers    []string
	Prefix     string
	AckTimeout time.Duration
}

// Timing overrides component timeouts. Zero keeps the component default.
type Timing struct {
	TypingTTL          time.Duration
	EchoWindow         time.Duration
	PublishTimeout     time.Duration
	NoAnswerTimeout    time.Duration
	NegotiationTimeout time.Duration
	CallLinger         time.Duration
	PresenceHeartbeat  time.Duration
	RetryInitial       time.Duration
	RetryMax           time.Duration
	MaxRetries         int
}

// Log configures the slog handler.
type Log struct {
	Level  slog.Level
	Format string
}

// Default is the configuration used when no file is given: an in-process
// transport and text logs at info.
func Default() *Config {
	return &Config{
		Transport: Transport{Kind: TransportMemory},
		Log:       Log{Level: slog.LevelInfo, Format: "text"},
	}
}

// document mirrors parley.yaml. The json tags are what the CUE schema sees.
type document struct {
	UserID        string       `yaml:"user_id" json:"user_id,omitempty"`
	Token         string       `yaml:"token" json:"token,omitempty"`
	JWTSecret     string       `yaml:"jwt_secret" json:"jwt_secret,omitempty"`
	Transport     transportDoc `yaml:"transport" json:"transport"`
	Journal       string       `yaml:"journal" json:"journal,omitempty"`
	Listen        string       `yaml:"listen" json:"listen,omitempty"`
	Timing        *timingDoc   `yaml:"timing" json:"timing,omitempty"`
	Log           *logDoc      `yaml:"log" json:"log,omitempty"`
	Conversations []string     `yaml:"conversations" json:"conversations,omitempty"`
}

type transportDoc struct {
	Kind       string   `yaml:"kind" json:"kind"`
	URL        string   `yaml:"url" json:"url,omitempty"`
	Addr       string   `yaml:"addr" json:"addr,omitempty"`
	Password   string   `yaml:"password" json:"password,omitempty"`
	DB         int      `yaml:"db" json:"db,omitempty"`
	Brokers    []string `yaml:"brokers" json:"brokers,omitempty"`
	Prefix     string   `yaml:"prefix" json:"prefix,omitempty"`
	AckTimeout string   `yaml:"ack_timeout" json:"ack_timeout,omitempty"`
}

type timingDoc struct {
	TypingTTL          string `yaml:"typing_ttl" json:"typing_ttl,omitempty"`
	EchoWindow         string `yaml:"echo_window" json:"echo_window,omitempty"`
	PublishTimeout     string `yaml:"publish_timeout" json:"publish_timeout,omitempty"`
	NoAnswerTimeout    string `yaml:"no_answer_timeout" json:"no_answer_timeout,omitempty"`
	NegotiationTimeout string `yaml:"negotiation_timeout" json:"negotiation_timeout,omitempty"`
	CallLinger         string `yaml:"call_linger" json:"call_linger,omitempty"`
	PresenceHeartbeat  string `yaml:"presence_heartbeat" json:"presence_heartbeat,omitempty"`
	RetryInitial       string `yaml:"retry_initial" json:"retry_initial,omitempty"`
	RetryMax           string `yaml:"retry_max" json:"retry_max,omitempty"`
	MaxRetries         int    `yaml:"max_retries" json:"max_retries,omitempty"`
}

type logDoc struct {
	Level  string `yaml:"level" json:"level,omitempty"`
	Format string `yaml:"format" json:"format,omitempty"`
}

// Load reads path, applies .env and environment overrides and validates
// the result. An empty path starts from an empty document, so a config
// can come entirely from the environment.
func Load(path string) (*Config, error) {
	var data []byte
	envFile := ".env"
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, &Error{Code: ErrCodeRead, Message: path, Err: err}
		}
		data = b
		envFile = filepath.Join(filepath.Dir(path), ".env")
	}

	if err := godotenv.Load(envFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, &Error{Code: ErrCodeRead, Message: envFile, Err: err}
		}
		slog.Debug("no .env file", "path", envFile)
	}
	return Parse(data, os.Getenv)
}

// Parse decodes data, applies overrides from getenv and validates the
// result. getenv may be nil.
func Parse(data []byte, getenv func(string) string) (*Config, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, &Error{Code: ErrCodeParse, Message: "decoding yaml", Err: err}
	}
	if getenv != nil {
		applyEnv(&doc, getenv)
	}
	if doc.Transport.Kind == "" {
		doc.Transport.Kind = TransportMemory
	}

	if err := validate(&doc); err != nil {
		return nil, err
	}
	return resolve(&doc)
}

// applyEnv overlays PARLEY_* variables.
func applyEnv(doc *document, getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&doc.UserID, "PARLEY_USER_ID")
	set(&doc.Token, "PARLEY_TOKEN")
	set(&doc.JWTSecret, "PARLEY_JWT_SECRET")
	set(&doc.Journal, "PARLEY_JOURNAL")
	set(&doc.Listen, "PARLEY_LISTEN")
	set(&doc.Transport.Kind, "PARLEY_TRANSPORT")
	set(&doc.Transport.URL, "PARLEY_WS_URL")
	set(&doc.Transport.Addr, "PARLEY_REDIS_ADDR")
	set(&doc.Transport.Password, "PARLEY_REDIS_PASSWORD")
	set(&doc.Transport.Prefix, "PARLEY_PREFIX")
	if v := getenv("PARLEY_KAFKA_BROKERS"); v != "" {
		doc.Transport.Brokers = splitList(v)
	}
	if v := getenv("PARLEY_LOG_LEVEL"); v != "" {
		if doc.Log == nil {
			doc.Log = &logDoc{}
		}
		doc.Log.Level = strings.ToLower(v)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// validate unifies the document with #Config.
func validate(doc *document) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return &Error{Code: ErrCodeSchema, Message: "compiling schema", Err: err}
	}

	def := schema.LookupPath(cue.ParsePath("#Config"))
	v := def.Unify(ctx.Encode(doc))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return &Error{Code: ErrCodeInvalid, Message: strings.TrimSpace(cueerrors.Details(err, nil))}
	}
	return nil
}

// resolve converts a validated document.
func resolve(doc *document) (*Config, error) {
	cfg := Default()
	cfg.UserID = doc.UserID
	cfg.Token = doc.Token
	cfg.JWTSecret = doc.JWTSecret
	cfg.Journal = doc.Journal
	cfg.Listen = doc.Listen
	cfg.Conversations = doc.Conversations

	t := doc.Transport
	cfg.Transport = Transport{
		Kind:     t.Kind,
		URL:      t.URL,
		Addr:     t.Addr,
		Password: t.Password,
		DB:       t.DB,
		Brokers:  t.Brokers,
		Prefix:   t.Prefix,
	}

	var errs []error
	dur := func(dst *time.Duration, field, s string) {
		if s == "" {
			return
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return
		}
		*dst = d
	}
	dur(&cfg.Transport.AckTimeout, "transport.ack_timeout", t.AckTimeout)

	if tm := doc.Timing; tm != nil {
		dur(&cfg.Timing.TypingTTL, "timing.typing_ttl", tm.TypingTTL)
		dur(&cfg.Timing.EchoWindow, "timing.echo_window", tm.EchoWindow)
		dur(&cfg.Timing.PublishTimeout, "timing.publish_timeout", tm.PublishTimeout)
		dur(&cfg.Timing.NoAnswerTimeout, "timing.no_answer_timeout", tm.NoAnswerTimeout)
		dur(&cfg.Timing.NegotiationTimeout, "timing.negotiation_timeout", tm.NegotiationTimeout)
		dur(&cfg.Timing.CallLinger, "timing.call_linger", tm.CallLinger)
		dur(&cfg.Timing.PresenceHeartbeat, "timing.presence_heartbeat", tm.PresenceHeartbeat)
		dur(&cfg.Timing.RetryInitial, "timing.retry_initial", tm.RetryInitial)
		dur(&cfg.Timing.RetryMax, "timing.retry_max", tm.RetryMax)
		cfg.Timing.MaxRetries = tm.MaxRetries
	}

	if l := doc.Log; l != nil {
		if l.Level != "" {
			if err := cfg.Log.Level.UnmarshalText([]byte(l.Level)); err != nil {
				errs = append(errs, fmt.Errorf("log.level: %w", err))
			}
		}
		if l.Format != "" {
			cfg.Log.Format = l.Format
		}
	}

	if len(errs) > 0 {
		return nil, &Error{Code: ErrCodeInvalid, Message: "converting values", Err: errors.Join(errs...)}
	}
	return cfg, nil
}

// RequireUser checks that the config names the local user, directly or
// through a token.
func (c *Config) RequireUser() error {
	if c.UserID == "" && c.Token == "" {
		return &Error{Code: ErrCodeInvalid, Message: "user_id or token is required"}
	}
	return nil
}

// String renders the config with secrets masked, for --verbose startup
// logs.
func (c *Config) String() string {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	return fmt.Sprintf("user=%s token=%s transport=%s journal=%s listen=%s conversations=%s max_retries=%d",
		c.UserID, mask(c.Token), c.Transport.Kind, c.Journal, c.Listen,
		strings.Join(c.Conversations, ","), c.Timing.MaxRetries)
}
