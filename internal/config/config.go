package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode         string        `mapstructure:"mode" validate:"oneof=debug release test"`
	Port         int           `mapstructure:"port" validate:"min=1,max=65535"`
	StaticPath   string        `mapstructure:"static_path"`
	ReadLimit    int64         `mapstructure:"read_limit" validate:"gt=0"`
	PingPeriod   time.Duration `mapstructure:"ping_period" validate:"gt=0"`
	PongWait     time.Duration `mapstructure:"pong_wait" validate:"gtfield=PingPeriod"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	SendBuffer   int           `mapstructure:"send_buffer" validate:"gt=0"`
	Backpressure string        `mapstructure:"backpressure" validate:"oneof=drop kick none mark_slow"`
	Secret       string        `mapstructure:"secret" validate:"required"`
	LogLevel     string        `mapstructure:"log_level"`

	Auth       AuthConfig       `mapstructure:"auth"`
	JoinRate   JoinRateConfig   `mapstructure:"join_rate"`
	Membership MembershipConfig `mapstructure:"membership"`
	Client     ClientConfig     `mapstructure:"client"`
	VAD        VADConfig        `mapstructure:"vad"`
}

type AuthConfig struct {
	// JWTSecret enables HS256 bearer tokens; empty means dev identities.
	JWTSecret string `mapstructure:"jwt_secret"`
}

type JoinRateConfig struct {
	Limit    int           `mapstructure:"limit" validate:"gte=0"`
	Interval time.Duration `mapstructure:"interval" validate:"gte=0"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type MembershipConfig struct {
	Backend string        `mapstructure:"backend" validate:"oneof=memory redis rest"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
	Redis   RedisConfig   `mapstructure:"redis"`
	URL     string        `mapstructure:"url" validate:"required_if=Backend rest"`
	Token   string        `mapstructure:"token"`
}

type ClientConfig struct {
	GatewayURL    string        `mapstructure:"gateway_url" validate:"omitempty,url"`
	MembershipURL string        `mapstructure:"membership_url" validate:"omitempty,url"`
	Token         string        `mapstructure:"token"`
	UserID        string        `mapstructure:"user_id"`
	Username      string        `mapstructure:"username"`
	ChannelID     string        `mapstructure:"channel_id"`
	ChannelKind   string        `mapstructure:"channel_kind" validate:"omitempty,oneof=audio audio_video"`
	AnswerTimeout time.Duration `mapstructure:"answer_timeout" validate:"gt=0"`
	OfferAttempts int           `mapstructure:"offer_attempts" validate:"min=1"`
	ICEServers    []string      `mapstructure:"ice_servers"`
	InputDevice   string        `mapstructure:"input_device"`
	OutputDevice  string        `mapstructure:"output_device"`
}

type VADConfig struct {
	Interval  time.Duration `mapstructure:"interval" validate:"gte=50ms,lte=100ms"`
	Threshold float64       `mapstructure:"threshold" validate:"gt=0,lt=1"`
	Hangover  int           `mapstructure:"hangover" validate:"gte=0"`
}

// Level maps log_level onto zerolog; unknown values keep info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads fileName over the defaults; a missing file is not an error.
// VOICE_* environment variables override both.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("VOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("membership", cfg.Membership.Backend).Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_timeout", "5s")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("backpressure", "drop")
	v.SetDefault("secret", "carlcord-dev-secret")
	v.SetDefault("log_level", "info")

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("join_rate.limit", 5)
	v.SetDefault("join_rate.interval", "10s")

	v.SetDefault("membership.backend", "memory")
	v.SetDefault("membership.timeout", "3s")
	v.SetDefault("membership.url", "")
	v.SetDefault("membership.token", "")
	v.SetDefault("membership.redis.addr", "localhost:6379")
	v.SetDefault("membership.redis.password", "")
	v.SetDefault("membership.redis.db", 0)
	v.SetDefault("membership.redis.key_prefix", "carlcord:voice")

	v.SetDefault("client.gateway_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("client.membership_url", "http://localhost:8080/api")
	v.SetDefault("client.token", "")
	v.SetDefault("client.user_id", "")
	v.SetDefault("client.username", "")
	v.SetDefault("client.channel_id", "")
	v.SetDefault("client.channel_kind", "audio")
	v.SetDefault("client.answer_timeout", "10s")
	v.SetDefault("client.offer_attempts", 2)
	v.SetDefault("client.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("client.input_device", "")
	v.SetDefault("client.output_device", "")

	v.SetDefault("vad.interval", "100ms")
	v.SetDefault("vad.threshold", 0.01)
	v.SetDefault("vad.hangover", 3)
}
