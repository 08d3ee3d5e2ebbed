package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"server"`

	Instance struct {
		// ID names this process's dispatch stream. Keep it stable across
		// restarts so pending admissions are picked up again.
		ID string `mapstructure:"id"`
	} `mapstructure:"instance"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Admission struct {
		PromoteInterval   time.Duration `mapstructure:"promote_interval"`
		BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`
		Batch             int64         `mapstructure:"batch"`
		Workers           int           `mapstructure:"workers"`
	} `mapstructure:"admission"`

	Channel struct {
		Heartbeat   time.Duration `mapstructure:"heartbeat"`
		OutboxSize  int           `mapstructure:"outbox_size"`
		MaxLifetime time.Duration `mapstructure:"max_lifetime"`
	} `mapstructure:"channel"`

	Dispatch struct {
		StaleAfter      time.Duration `mapstructure:"stale_after"`
		ReclaimInterval time.Duration `mapstructure:"reclaim_interval"`
		Block           time.Duration `mapstructure:"block"`
	} `mapstructure:"dispatch"`

	Credential struct {
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"credential"`

	// Liveness covers every queue entry: poll clients refresh theirs by
	// polling, channels through the owning process's heartbeat.
	Liveness struct {
		StaleAfter   time.Duration `mapstructure:"stale_after"`
		ReapInterval time.Duration `mapstructure:"reap_interval"`
	} `mapstructure:"liveness"`

	EventService struct {
		BaseURL string        `mapstructure:"base_url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"event_service"`

	PubNub struct {
		PublishKey   string `mapstructure:"publish_key"`
		SubscribeKey string `mapstructure:"subscribe_key"`
		SecretKey    string `mapstructure:"secret_key"`
		UUID         string `mapstructure:"uuid"`
		GrantTTL     int    `mapstructure:"grant_ttl"`
	} `mapstructure:"pubnub"`

	Tasks struct {
		Concurrency int `mapstructure:"concurrency"`
	} `mapstructure:"tasks"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8081")
	v.SetDefault("instance.id", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("admission.promote_interval", time.Second)
	v.SetDefault("admission.broadcast_interval", 3*time.Second)
	v.SetDefault("admission.batch", 100)
	v.SetDefault("admission.workers", 10)
	v.SetDefault("channel.heartbeat", 3*time.Second)
	v.SetDefault("channel.outbox_size", 16)
	v.SetDefault("channel.max_lifetime", time.Hour)
	v.SetDefault("dispatch.stale_after", 30*time.Second)
	v.SetDefault("dispatch.reclaim_interval", 30*time.Second)
	v.SetDefault("dispatch.block", time.Second)
	v.SetDefault("credential.ttl", 5*time.Minute)
	v.SetDefault("liveness.stale_after", 30*time.Second)
	v.SetDefault("liveness.reap_interval", 10*time.Second)
	v.SetDefault("event_service.base_url", "http://localhost:8080")
	v.SetDefault("event_service.timeout", 5*time.Second)
	v.SetDefault("pubnub.publish_key", "")
	v.SetDefault("pubnub.subscribe_key", "")
	v.SetDefault("pubnub.secret_key", "")
	v.SetDefault("pubnub.uuid", "ticket-gate")
	v.SetDefault("pubnub.grant_ttl", 60)
	v.SetDefault("tasks.concurrency", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration from defaults, an optional YAML file, GATE_*
// environment variables and command-line flags, in increasing precedence.
func Load(args []string) (*Config, error) {
	flagSet := pflag.NewFlagSet("gate", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to a YAML config file")
	flagSet.String("instance-id", "", "stable id of this process (defaults to the hostname)")
	flagSet.String("listen", "", "HTTP listen address")
	flagSet.String("redis-addr", "", "Redis address")
	flagSet.String("event-service", "", "event service base URL")
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// the PubNub keys keep the names the deployment already exports
	_ = v.BindEnv("pubnub.publish_key", "GATE_PUBNUB_PUBLISH_KEY", "PN_PUBLISH_KEY")
	_ = v.BindEnv("pubnub.subscribe_key", "GATE_PUBNUB_SUBSCRIBE_KEY", "PN_SUBSCRIBE_KEY")
	_ = v.BindEnv("pubnub.secret_key", "GATE_PUBNUB_SECRET_KEY", "PN_SECRET_KEY")

	if *configPath != "" {
		v.SetConfigFile(*configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	for key, flag := range map[string]string{
		"instance.id":            "instance-id",
		"server.listen":          "listen",
		"redis.addr":             "redis-addr",
		"event_service.base_url": "event-service",
	} {
		if err := v.BindPFlag(key, flagSet.Lookup(flag)); err != nil {
			return nil, err
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if c.Instance.ID == "" {
		c.Instance.ID = defaultInstanceID()
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func defaultInstanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.New().String()
}

func (c *Config) validate() error {
	var errs []error
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if strings.ContainsAny(c.Instance.ID, " {}") {
		errs = append(errs, fmt.Errorf("instance.id %q must not contain spaces or braces", c.Instance.ID))
	}
	for name, d := range map[string]time.Duration{
		"admission.promote_interval":   c.Admission.PromoteInterval,
		"admission.broadcast_interval": c.Admission.BroadcastInterval,
		"channel.heartbeat":            c.Channel.Heartbeat,
		"dispatch.stale_after":         c.Dispatch.StaleAfter,
		"dispatch.reclaim_interval":    c.Dispatch.ReclaimInterval,
		"credential.ttl":               c.Credential.TTL,
		"liveness.stale_after":         c.Liveness.StaleAfter,
		"liveness.reap_interval":       c.Liveness.ReapInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Admission.Batch <= 0 {
		errs = append(errs, errors.New("admission.batch must be positive"))
	}
	return errors.Join(errs...)
}

// PubNubEnabled reports whether the PubNub mirror has keys to work with.
func (c *Config) PubNubEnabled() bool {
	return c.PubNub.PublishKey != "" && c.PubNub.SubscribeKey != ""
}
