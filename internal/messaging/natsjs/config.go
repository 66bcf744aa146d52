package natsjs

import (
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/animus-labs/animus-pipeline/internal/platform/env"
)

type Config struct {
	URL           string
	JWT           string
	Seed          string
	Stream        string
	SubjectPrefix string
	AckWait       time.Duration
	MaxDeliver    int
	FetchWait     time.Duration
	NakDelay      time.Duration
}

func ConfigFromEnv() (Config, error) {
	ackWait, err := env.Duration("PIPELINE_NATS_ACK_WAIT", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	maxDeliver, err := env.Int("PIPELINE_NATS_MAX_DELIVER", 10)
	if err != nil {
		return Config{}, err
	}
	fetchWait, err := env.Duration("PIPELINE_NATS_FETCH_WAIT", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	nakDelay, err := env.Duration("PIPELINE_NATS_NAK_DELAY", time.Second)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		URL:           env.String("NATS_URL", nats.DefaultURL),
		JWT:           env.String("NATS_JWT", ""),
		Seed:          env.String("NATS_SEED", ""),
		Stream:        strings.TrimSpace(env.String("PIPELINE_NATS_STREAM", "PIPELINE")),
		SubjectPrefix: strings.Trim(env.String("PIPELINE_NATS_SUBJECT_PREFIX", "pipeline"), ". "),
		AckWait:       ackWait,
		MaxDeliver:    maxDeliver,
		FetchWait:     fetchWait,
		NakDelay:      nakDelay,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("NATS_URL is required")
	}
	if c.Stream == "" {
		return errors.New("PIPELINE_NATS_STREAM is required")
	}
	if c.SubjectPrefix == "" {
		return errors.New("PIPELINE_NATS_SUBJECT_PREFIX is required")
	}
	if (c.JWT == "") != (c.Seed == "") {
		return errors.New("NATS_JWT and NATS_SEED must be set together")
	}
	if c.AckWait <= 0 {
		return errors.New("PIPELINE_NATS_ACK_WAIT must be positive")
	}
	if c.MaxDeliver == 0 || c.MaxDeliver < -1 {
		return errors.New("PIPELINE_NATS_MAX_DELIVER must be positive or -1")
	}
	if c.FetchWait <= 0 {
		return errors.New("PIPELINE_NATS_FETCH_WAIT must be positive")
	}
	if c.NakDelay < 0 {
		return errors.New("PIPELINE_NATS_NAK_DELAY must be >= 0")
	}
	return nil
}

// Connect opens a NATS connection named after the process role.
func (c Config) Connect(name string) (*nats.Conn, error) {
	opts := []nats.Option{nats.Name(name)}
	if c.JWT != "" && c.Seed != "" {
		opts = append(opts, nats.UserJWTAndSeed(c.JWT, c.Seed))
	}
	return nats.Connect(c.URL, opts...)
}

// Subject returns the subject messages for endpoint are published on.
func (c Config) Subject(endpoint string) string {
	return c.SubjectPrefix + "." + endpoint
}

// Durable returns the durable consumer name of endpoint.
func (c Config) Durable(endpoint string) string {
	return strings.ReplaceAll(c.SubjectPrefix, ".", "-") + "-" + endpoint
}
