// Package config loads mapsync.cfg.json through viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/OCAP2/mapsync/internal/geo"
	"github.com/OCAP2/mapsync/pkg/core"
)

// FileName is the config file looked up in the config directory.
const FileName = "mapsync.cfg.json"

// MapConfig is the host's initial view.
type MapConfig struct {
	Type     core.MapType
	Settings core.ViewSettings
	// Invalid lists keys whose values were malformed and left unset.
	Invalid []string
}

// RenderConfig addresses the rendering client relay.
type RenderConfig struct {
	URL    string `json:"url" mapstructure:"url"`
	Secret string `json:"secret" mapstructure:"secret"`
}

// SourceConfig selects where declared markers come from.
type SourceConfig struct {
	// Type is "file", "db" or "none".
	Type         string        `json:"type" mapstructure:"type"`
	File         string        `json:"file" mapstructure:"file"`
	Debounce     time.Duration `json:"debounce" mapstructure:"debounce"`
	PollInterval time.Duration `json:"pollInterval" mapstructure:"pollInterval"`
}

// DBConfig holds database settings for the db source.
type DBConfig struct {
	Driver   string `json:"driver" mapstructure:"driver"`
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
	Path     string `json:"path" mapstructure:"path"`
}

// OTelConfig holds OpenTelemetry settings.
type OTelConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName  string        `json:"serviceName" mapstructure:"serviceName"`
	BatchTimeout time.Duration `json:"batchTimeout" mapstructure:"batchTimeout"`
	Endpoint     string        `json:"endpoint" mapstructure:"endpoint"`
	Insecure     bool          `json:"insecure" mapstructure:"insecure"`
}

// GraylogConfig holds GELF output settings.
type GraylogConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Address string `json:"address" mapstructure:"address"`
}

// InfluxConfig holds monitor output settings.
type InfluxConfig struct {
	Enabled  bool          `json:"enabled" mapstructure:"enabled"`
	Protocol string        `json:"protocol" mapstructure:"protocol"`
	Host     string        `json:"host" mapstructure:"host"`
	Port     string        `json:"port" mapstructure:"port"`
	Token    string        `json:"token" mapstructure:"token"`
	Org      string        `json:"org" mapstructure:"org"`
	Bucket   string        `json:"bucket" mapstructure:"bucket"`
	Interval time.Duration `json:"interval" mapstructure:"interval"`
}

func setDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")

	viper.SetDefault("map.type", string(core.MapTypeVector))

	viper.SetDefault("render.url", "ws://localhost:8090/map")
	viper.SetDefault("render.secret", "")

	viper.SetDefault("source.type", "file")
	viper.SetDefault("source.file", "./markers.yaml")
	viper.SetDefault("source.debounce", "250ms")
	viper.SetDefault("source.pollInterval", "5s")

	viper.SetDefault("db.driver", "sqlite")
	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "mapsync")
	viper.SetDefault("db.path", "")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "mapsync")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "mapsync")
	viper.SetDefault("influx.bucket", "mapsync")
	viper.SetDefault("influx.interval", "10s")
}

// Load reads configuration from the JSON file in configDir and sets default values.
func Load(configDir string) error {
	setDefaults()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// LoadDefaults sets default values without reading a file.
func LoadDefaults() {
	setDefaults()
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetMapConfig builds the initial view. Malformed values are left unset so
// the adapter uses its default, and are reported in Invalid.
func GetMapConfig() MapConfig {
	var mc MapConfig

	mapType, err := core.ParseMapType(viper.GetString("map.type"))
	if err != nil {
		mc.Invalid = append(mc.Invalid, "map.type")
		mapType = core.MapTypeVector
	}
	mc.Type = mapType

	if raw := viper.GetString("map.center"); raw != "" {
		if ll, err := geo.ParseLngLat(raw); err == nil {
			mc.Settings.Center = &ll
		} else {
			mc.Invalid = append(mc.Invalid, "map.center")
		}
	}
	if raw := viper.GetString("map.bounds"); raw != "" {
		if b, err := geo.ParseBounds(raw); err == nil {
			mc.Settings.Bounds = &b
		} else {
			mc.Invalid = append(mc.Invalid, "map.bounds")
		}
	}

	mc.Settings.Zoom = optionalFloat("map.zoom", &mc.Invalid)
	mc.Settings.MinZoom = optionalFloat("map.minZoom", &mc.Invalid)
	mc.Settings.MaxZoom = optionalFloat("map.maxZoom", &mc.Invalid)

	if viper.IsSet("map.boxZoom") {
		if v, ok := viper.Get("map.boxZoom").(bool); ok {
			mc.Settings.BoxZoom = &v
		} else {
			mc.Invalid = append(mc.Invalid, "map.boxZoom")
		}
	}
	return mc
}

func optionalFloat(key string, invalid *[]string) *float64 {
	if !viper.IsSet(key) {
		return nil
	}
	switch v := viper.Get(key).(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	case int64:
		f := float64(v)
		return &f
	default:
		*invalid = append(*invalid, key)
		return nil
	}
}

// GetRenderConfig returns the rendering relay settings.
func GetRenderConfig() RenderConfig {
	return RenderConfig{
		URL:    viper.GetString("render.url"),
		Secret: viper.GetString("render.secret"),
	}
}

// GetSourceConfig returns the marker source settings.
func GetSourceConfig() SourceConfig {
	return SourceConfig{
		Type:         viper.GetString("source.type"),
		File:         viper.GetString("source.file"),
		Debounce:     viper.GetDuration("source.debounce"),
		PollInterval: viper.GetDuration("source.pollInterval"),
	}
}

// GetDBConfig returns the database settings.
func GetDBConfig() DBConfig {
	return DBConfig{
		Driver:   viper.GetString("db.driver"),
		Host:     viper.GetString("db.host"),
		Port:     viper.GetString("db.port"),
		Username: viper.GetString("db.username"),
		Password: viper.GetString("db.password"),
		Database: viper.GetString("db.database"),
		Path:     viper.GetString("db.path"),
	}
}

// GetOTelConfig returns the OpenTelemetry settings.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

// GetGraylogConfig returns the GELF output settings.
func GetGraylogConfig() GraylogConfig {
	return GraylogConfig{
		Enabled: viper.GetBool("graylog.enabled"),
		Address: viper.GetString("graylog.address"),
	}
}

// GetInfluxConfig returns the monitor output settings.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:  viper.GetBool("influx.enabled"),
		Protocol: viper.GetString("influx.protocol"),
		Host:     viper.GetString("influx.host"),
		Port:     viper.GetString("influx.port"),
		Token:    viper.GetString("influx.token"),
		Org:      viper.GetString("influx.org"),
		Bucket:   viper.GetString("influx.bucket"),
		Interval: viper.GetDuration("influx.interval"),
	}
}
