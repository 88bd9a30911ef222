// Package config adapts viper to the plugin.Config interface and loads the
// daemon configuration file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ordermaster/printbridge/pkg/plugin"
)

// Compile-time interface guard.
var _ plugin.Config = (*ViperConfig)(nil)

// ViperConfig implements plugin.Config on top of a viper instance. A Sub
// config is a key-prefixed view of the same instance, so defaults and
// environment overrides keep applying below the prefix.
type ViperConfig struct {
	v      *viper.Viper
	prefix string
}

// New wraps v. A nil viper behaves as an empty configuration.
func New(v *viper.Viper) *ViperConfig {
	if v == nil {
		v = viper.New()
	}
	return &ViperConfig{v: v}
}

func (c *ViperConfig) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + "." + k
}

func (c *ViperConfig) GetString(key string) string          { return c.v.GetString(c.key(key)) }
func (c *ViperConfig) GetInt(key string) int                { return c.v.GetInt(c.key(key)) }
func (c *ViperConfig) GetBool(key string) bool              { return c.v.GetBool(c.key(key)) }
func (c *ViperConfig) GetDuration(key string) time.Duration { return c.v.GetDuration(c.key(key)) }
func (c *ViperConfig) GetStringSlice(key string) []string   { return c.v.GetStringSlice(c.key(key)) }
func (c *ViperConfig) GetIntSlice(key string) []int         { return c.v.GetIntSlice(c.key(key)) }
func (c *ViperConfig) IsSet(key string) bool                { return c.v.IsSet(c.key(key)) }

// Unmarshal decodes the subtree this config views.
func (c *ViperConfig) Unmarshal(target any) error {
	if c.prefix == "" {
		return c.v.Unmarshal(target)
	}
	return c.v.UnmarshalKey(c.prefix, target)
}

// Sub returns the subtree at key. Missing keys yield an empty Config, never nil.
func (c *ViperConfig) Sub(key string) plugin.Config {
	return &ViperConfig{v: c.v, prefix: c.key(key)}
}

// Viper exposes the wrapped instance for callers that need raw access.
func (c *ViperConfig) Viper() *viper.Viper {
	return c.v
}

// LoadConfig reads the configuration file at path (optional) and applies
// defaults and PRINTBRIDGE_ environment overrides.
func LoadConfig(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("PRINTBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("printbridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/printbridge")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// SetDefaults registers the built-in defaults for every module.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8321")
	v.SetDefault("database.path", "printbridge.db")

	v.SetDefault("plugins.printing.enabled", true)
	v.SetDefault("plugins.printing.transport.mode", "direct")
	v.SetDefault("plugins.printing.transport.bridge_url", "")
	v.SetDefault("plugins.printing.transport.send_timeout", "5s")
	v.SetDefault("plugins.printing.probe.timeout", "1500ms")
	v.SetDefault("plugins.printing.discovery.targets", []string{})
	v.SetDefault("plugins.printing.discovery.ports", []int{9100, 631, 80})
	v.SetDefault("plugins.printing.discovery.concurrency", 32)
	v.SetDefault("plugins.printing.discovery.probe_timeout", "300ms")
	v.SetDefault("plugins.printing.discovery.deadline", "30s")
	v.SetDefault("plugins.printing.discovery.rate_per_second", 0)
	v.SetDefault("plugins.printing.discovery.ping_first", false)
	v.SetDefault("plugins.printing.discovery.snmp_community", "")
	v.SetDefault("plugins.printing.mdns.enabled", true)
	v.SetDefault("plugins.printing.mdns.timeout", "3s")
	v.SetDefault("plugins.printing.registry.stale_after", "720h")
	v.SetDefault("plugins.printing.receipt.header", "")
	v.SetDefault("plugins.printing.receipt.footer", "Thank you for your order!")
	v.SetDefault("plugins.printing.receipt.currency", "€")
	v.SetDefault("plugins.printing.receipt.name_width", 20)
	v.SetDefault("plugins.printing.queue_when_offline", true)
	v.SetDefault("plugins.printing.events.origins", []string{})

	v.SetDefault("plugins.notify.enabled", true)
	v.SetDefault("plugins.notify.interval", "2s")
	v.SetDefault("plugins.notify.max_duration", "2m")
	v.SetDefault("plugins.notify.sink", "bus")

	v.SetDefault("plugins.eventbridge.enabled", false)
	v.SetDefault("plugins.eventbridge.mqtt.broker", "")
	v.SetDefault("plugins.eventbridge.mqtt.client_id", "printbridge")
	v.SetDefault("plugins.eventbridge.mqtt.topic_prefix", "printbridge")
	v.SetDefault("plugins.eventbridge.mqtt.username", "")
	v.SetDefault("plugins.eventbridge.mqtt.password", "")
	v.SetDefault("plugins.eventbridge.mqtt.connect_timeout", "10s")
	v.SetDefault("plugins.eventbridge.mqtt.publish_timeout", "1s")
}
