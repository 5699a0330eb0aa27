package config

import (
	"github.com/kelseyhightower/envconfig"
)

type ServerConfig struct {
	WebServer WebServer
	Stream    Stream
	VOD       VOD
	Log       Log
}

type WebServer struct {
	Host string `envconfig:"RAIDLINK_HOST" default:"0.0.0.0"`
	Port int    `envconfig:"RAIDLINK_PORT" default:"3001"`
}

type Stream struct {
	// LiveRoot holds one subdirectory per agent with the rolling HLS
	// playlist for that agent's active stream.
	LiveRoot string `envconfig:"RAIDLINK_LIVE_ROOT" default:"./live"`
	// RecordingRoot holds the raw archive files awaiting upload.
	RecordingRoot string `envconfig:"RAIDLINK_RECORDING_ROOT" default:"./recordings"`
	FFmpegPath    string `envconfig:"RAIDLINK_FFMPEG_PATH" default:"ffmpeg"`
}

// VOD configures the external archive store. When SiteURL or Token is
// empty, finished recordings are discarded with a warning instead of
// uploaded.
type VOD struct {
	SiteURL string `envconfig:"RAIDLINK_SITE_URL"`
	Token   string `envconfig:"RAIDLINK_SITE_TOKEN"`
}

type Log struct {
	Level  string `envconfig:"RAIDLINK_LOG_LEVEL" default:"info"`
	Pretty bool   `envconfig:"RAIDLINK_LOG_PRETTY" default:"false"`
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	err := envconfig.Process("", &cfg)
	if err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}
