package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	JWTSecret  string        `mapstructure:"jwt_secret"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`

	MaxParticipants  int           `mapstructure:"max_participants"`
	Backpressure     string        `mapstructure:"backpressure"`
	PresenceGrace    time.Duration `mapstructure:"presence_grace"`
	ChatHistoryLimit int           `mapstructure:"chat_history_limit"`
	ChatRate         RateConfig    `mapstructure:"chat_rate"`
	Redis            RedisConfig   `mapstructure:"redis"`

	Client ClientConfig `mapstructure:"client"`
}

type RateConfig struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// ClientConfig drives a meeting participant.
type ClientConfig struct {
	Endpoint          string          `mapstructure:"endpoint"`
	Meeting           string          `mapstructure:"meeting"`
	Name              string          `mapstructure:"name"`
	Token             string          `mapstructure:"token"`
	JoinTimeout       time.Duration   `mapstructure:"join_timeout"`
	PushTimeout       time.Duration   `mapstructure:"push_timeout"`
	Heartbeat         time.Duration   `mapstructure:"heartbeat"`
	Backoff           []time.Duration `mapstructure:"backoff"`
	TypingQuiet       time.Duration   `mapstructure:"typing_quiet"`
	DisconnectTimeout time.Duration   `mapstructure:"disconnect_timeout"`
	AnswerTimeout     time.Duration   `mapstructure:"answer_timeout"`
	ICEServers        []string        `mapstructure:"ice_servers"`
	Media             MediaConfig     `mapstructure:"media"`
}

// MediaConfig maps capture kinds to files. Deny lists kinds whose
// permission is refused.
type MediaConfig struct {
	Camera     string   `mapstructure:"camera"`
	Microphone string   `mapstructure:"microphone"`
	Screen     string   `mapstructure:"screen"`
	Deny       []string `mapstructure:"deny"`
}

// New returns a viper instance with every default set, so callers can
// bind flags before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "change-me")
	v.SetDefault("jwt_secret", "change-me-in-production")
	v.SetDefault("token_ttl", "24h")
	v.SetDefault("max_participants", 8)
	v.SetDefault("backpressure", "kick")
	v.SetDefault("presence_grace", "15s")
	v.SetDefault("chat_history_limit", 200)
	v.SetDefault("chat_rate.limit", 5)
	v.SetDefault("chat_rate.interval", "3s")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.ttl", "24h")

	v.SetDefault("client.endpoint", "ws://localhost:8080/socket/websocket")
	v.SetDefault("client.join_timeout", "10s")
	v.SetDefault("client.push_timeout", "10s")
	v.SetDefault("client.heartbeat", "30s")
	v.SetDefault("client.backoff", []string{"1s", "3s", "5s", "10s"})
	v.SetDefault("client.typing_quiet", "3s")
	v.SetDefault("client.disconnect_timeout", "5s")
	v.SetDefault("client.answer_timeout", "15s")

	v.SetEnvPrefix("MEET")
	v.AutomaticEnv()
	return v
}

func Load(v *viper.Viper) (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("config ready")
	return &cfg, nil
}
