package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	Signal SignalConfig `mapstructure:"signal"`
	Rooms  RoomsConfig  `mapstructure:"rooms"`
	Media  MediaConfig  `mapstructure:"media"`
}

type SignalConfig struct {
	SendBuffer       int           `mapstructure:"send_buffer"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	AckFireAndForget bool          `mapstructure:"ack_fire_and_forget"`
	JoinRateLimit    int           `mapstructure:"join_rate_limit"`
	JoinRateInterval time.Duration `mapstructure:"join_rate_interval"`
}

type RoomsConfig struct {
	// EmptyPolicy is "retain" or "close".
	EmptyPolicy string `mapstructure:"empty_policy"`
}

type MediaConfig struct {
	RTCMinPort  uint16        `mapstructure:"rtc_min_port"`
	RTCMaxPort  uint16        `mapstructure:"rtc_max_port"`
	ListenIP    string        `mapstructure:"listen_ip"`
	AnnouncedIP string        `mapstructure:"announced_ip"`
	Codecs      []CodecConfig `mapstructure:"codecs"`
}

// CodecConfig is one entry of the room codec capability list.
type CodecConfig struct {
	Kind       string         `mapstructure:"kind"`
	MimeType   string         `mapstructure:"mime_type"`
	ClockRate  uint32         `mapstructure:"clock_rate"`
	Channels   uint16         `mapstructure:"channels"`
	Parameters map[string]any `mapstructure:"parameters"`
}

// DefaultCodecs is the fixed room codec list: Opus stereo and VP8.
func DefaultCodecs() []CodecConfig {
	return []CodecConfig{
		{Kind: "audio", MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{
			Kind:       "video",
			MimeType:   "video/VP8",
			ClockRate:  90000,
			Parameters: map[string]any{"x-google-start-bitrate": 1000},
		},
	}
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("SFU")
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
	if len(cfg.Media.Codecs) == 0 {
		cfg.Media.Codecs = DefaultCodecs()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Str("empty_room_policy", cfg.Rooms.EmptyPolicy).
		Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("log_level", "info")

	v.SetDefault("signal.send_buffer", 64)
	v.SetDefault("signal.request_timeout", "0s")
	v.SetDefault("signal.ack_fire_and_forget", false)
	v.SetDefault("signal.join_rate_limit", 10)
	v.SetDefault("signal.join_rate_interval", "1m")

	v.SetDefault("rooms.empty_policy", "close")

	v.SetDefault("media.rtc_min_port", 2000)
	v.SetDefault("media.rtc_max_port", 2020)
	v.SetDefault("media.listen_ip", "0.0.0.0")
	v.SetDefault("media.announced_ip", "")
}

func (c *Config) validate() error {
	switch c.Rooms.EmptyPolicy {
	case "retain", "close":
	default:
		return fmt.Errorf("rooms.empty_policy: unknown value %q", c.Rooms.EmptyPolicy)
	}
	if c.Media.RTCMinPort > c.Media.RTCMaxPort {
		return fmt.Errorf("media: rtc_min_port %d > rtc_max_port %d", c.Media.RTCMinPort, c.Media.RTCMaxPort)
	}
	if c.PingPeriod >= c.PongWait {
		return fmt.Errorf("ping_period %s must be shorter than pong_wait %s", c.PingPeriod, c.PongWait)
	}
	return nil
}
