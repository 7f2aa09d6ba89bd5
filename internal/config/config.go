package config

import (
	"fmt"
	"os"
	"time"

	"github.com/edgewatch/nvr-server/internal/domain/camera"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "90s"
// or "24h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// D converts to time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// HTTP is the listen/serve surface configuration.
type HTTP struct {
	Address       string `yaml:"address"`
	Port          string `yaml:"port"`
	PublicBaseURL string `yaml:"public_base_url"` // URL prefix of the media tree
}

// Encoder configures the external encoder invocations.
type Encoder struct {
	Binary          string   `yaml:"binary"`
	SegmentDuration Duration `yaml:"segment_duration"`
	LiveWindowSize  int      `yaml:"live_window_size"`
	MinSegmentBytes int64    `yaml:"min_segment_bytes"`
}

// Supervisor tunes health probing, restart policy and teardown deadlines.
// Exit-triggered and health-triggered restarts carry independent ceilings;
// the health cap is the stricter escalation tier.
type Supervisor struct {
	HealthInterval   Duration `yaml:"health_interval"`
	StallMultiplier  int      `yaml:"stall_multiplier"` // unhealthy when newest segment age > multiplier × segment duration
	ExitRestartCap   int      `yaml:"exit_restart_cap"`
	HealthRestartCap int      `yaml:"health_restart_cap"`
	RestartCooldown  Duration `yaml:"restart_cooldown"`
	BackoffBase      Duration `yaml:"backoff_base"`
	BackoffMax       Duration `yaml:"backoff_max"`
	StopGrace        Duration `yaml:"stop_grace"`
	ShutdownDeadline Duration `yaml:"shutdown_deadline"`
}

// Retention tunes the sweep cadences.
type Retention struct {
	PurgeInterval Duration `yaml:"purge_interval"`
	QuotaInterval Duration `yaml:"quota_interval"`
}

// CameraRetention is the per-camera retention block.
type CameraRetention struct {
	MaxAge           Duration `yaml:"max_age"`
	QuotaBytes       int64    `yaml:"quota_bytes"`
	GuardWindowHours int      `yaml:"guard_window_hours"`
	EvictionPolicy   string   `yaml:"eviction_policy"`
}

// Camera is one camera entry in the config file.
type Camera struct {
	ID        string          `yaml:"id"`
	Host      string          `yaml:"host"`
	Port      int             `yaml:"port"`
	Username  string          `yaml:"username"`
	Password  string          `yaml:"password"`
	Path      string          `yaml:"path"`
	Transport string          `yaml:"transport"`
	Retention CameraRetention `yaml:"retention"`
}

// Config is the full server configuration.
type Config struct {
	StorageRoot string     `yaml:"storage_root"`
	HTTP        HTTP       `yaml:"http"`
	Encoder     Encoder    `yaml:"encoder"`
	Supervisor  Supervisor `yaml:"supervisor"`
	Retention   Retention  `yaml:"retention"`
	Cameras     []Camera   `yaml:"cameras"`
}

// Defaults applied for fields left at zero value.
const (
	defaultPort             = "8085"
	defaultBaseURL          = "/media"
	defaultEncoderBinary    = "ffmpeg"
	defaultSegmentDuration  = 2 * time.Second
	defaultLiveWindowSize   = 6
	defaultMinSegmentBytes  = 1024
	defaultHealthInterval   = 10 * time.Second
	defaultStallMultiplier  = 5
	defaultExitRestartCap   = 10
	defaultHealthRestartCap = 3
	defaultRestartCooldown  = 5 * time.Second
	defaultBackoffBase      = time.Second
	defaultBackoffMax       = time.Minute
	defaultStopGrace        = 3 * time.Second
	defaultShutdownDeadline = 15 * time.Second
	defaultPurgeInterval    = time.Hour
	defaultQuotaInterval    = 15 * time.Minute
	defaultMaxAge           = 7 * 24 * time.Hour
	defaultGuardHours       = 6
)

// Load reads the config file at path, applies defaults, and validates. A
// `.env` file in the working directory (if any) is loaded first so the
// NVR_CONFIG / NVR_HTTP_PORT overrides work in development the same way
// they do under a process manager. The second return is the path that was
// actually read (after the NVR_CONFIG override), which the retention
// watcher must use so it watches the same file.
func Load(path string) (*Config, string, error) {
	_ = godotenv.Load()

	if env := os.Getenv("NVR_CONFIG"); env != "" {
		path = env
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, path, fmt.Errorf("parse config: %w", err)
	}

	if port := os.Getenv("NVR_HTTP_PORT"); port != "" {
		cfg.HTTP.Port = port
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	return &cfg, path, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Port == "" {
		c.HTTP.Port = defaultPort
	}
	if c.HTTP.PublicBaseURL == "" {
		c.HTTP.PublicBaseURL = defaultBaseURL
	}
	if c.Encoder.Binary == "" {
		c.Encoder.Binary = defaultEncoderBinary
	}
	if c.Encoder.SegmentDuration == 0 {
		c.Encoder.SegmentDuration = Duration(defaultSegmentDuration)
	}
	if c.Encoder.LiveWindowSize == 0 {
		c.Encoder.LiveWindowSize = defaultLiveWindowSize
	}
	if c.Encoder.MinSegmentBytes == 0 {
		c.Encoder.MinSegmentBytes = defaultMinSegmentBytes
	}
	if c.Supervisor.HealthInterval == 0 {
		c.Supervisor.HealthInterval = Duration(defaultHealthInterval)
	}
	if c.Supervisor.StallMultiplier == 0 {
		c.Supervisor.StallMultiplier = defaultStallMultiplier
	}
	if c.Supervisor.ExitRestartCap == 0 {
		c.Supervisor.ExitRestartCap = defaultExitRestartCap
	}
	if c.Supervisor.HealthRestartCap == 0 {
		c.Supervisor.HealthRestartCap = defaultHealthRestartCap
	}
	if c.Supervisor.RestartCooldown == 0 {
		c.Supervisor.RestartCooldown = Duration(defaultRestartCooldown)
	}
	if c.Supervisor.BackoffBase == 0 {
		c.Supervisor.BackoffBase = Duration(defaultBackoffBase)
	}
	if c.Supervisor.BackoffMax == 0 {
		c.Supervisor.BackoffMax = Duration(defaultBackoffMax)
	}
	if c.Supervisor.StopGrace == 0 {
		c.Supervisor.StopGrace = Duration(defaultStopGrace)
	}
	if c.Supervisor.ShutdownDeadline == 0 {
		c.Supervisor.ShutdownDeadline = Duration(defaultShutdownDeadline)
	}
	if c.Retention.PurgeInterval == 0 {
		c.Retention.PurgeInterval = Duration(defaultPurgeInterval)
	}
	if c.Retention.QuotaInterval == 0 {
		c.Retention.QuotaInterval = Duration(defaultQuotaInterval)
	}
	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if cam.Retention.MaxAge == 0 {
			cam.Retention.MaxAge = Duration(defaultMaxAge)
		}
		if cam.Retention.GuardWindowHours == 0 {
			cam.Retention.GuardWindowHours = defaultGuardHours
		}
		if cam.Retention.EvictionPolicy == "" {
			cam.Retention.EvictionPolicy = string(camera.EvictDeleteOldest)
		}
	}
}

// Validate rejects configurations the core cannot run under. The guard
// window must cover at least one hour so retention can never delete the
// bucket the supervisor is writing.
func (c *Config) Validate() error {
	if c.StorageRoot == "" {
		return fmt.Errorf("storage_root is required")
	}
	if len(c.Cameras) == 0 {
		return fmt.Errorf("at least one camera is required")
	}
	for i, cam := range c.Cameras {
		if cam.ID == "" {
			return fmt.Errorf("camera %d: id is required", i)
		}
		if cam.Host == "" {
			return fmt.Errorf("camera %q: host is required", cam.ID)
		}
		if cam.Retention.GuardWindowHours < 1 {
			return fmt.Errorf("camera %q: guard_window_hours must be >= 1", cam.ID)
		}
		if !camera.EvictionPolicy(cam.Retention.EvictionPolicy).Valid() {
			return fmt.Errorf("camera %q: unknown eviction_policy %q", cam.ID, cam.Retention.EvictionPolicy)
		}
		if cam.Transport != "" && cam.Transport != "tcp" && cam.Transport != "udp" {
			return fmt.Errorf("camera %q: transport must be tcp or udp", cam.ID)
		}
	}
	return nil
}

// CameraSet converts the config camera entries into the immutable domain
// registry.
func (c *Config) CameraSet() (*camera.Set, error) {
	cams := make([]camera.Camera, 0, len(c.Cameras))
	for _, cc := range c.Cameras {
		cams = append(cams, camera.Camera{
			ID:        cc.ID,
			Host:      cc.Host,
			Port:      cc.Port,
			Username:  cc.Username,
			Password:  cc.Password,
			Path:      cc.Path,
			Transport: cc.Transport,
			Retention: cc.Retention.Policy(),
		})
	}
	return camera.NewSet(cams)
}

// Policy converts the YAML retention block into the domain policy.
func (r CameraRetention) Policy() camera.RetentionPolicy {
	return camera.RetentionPolicy{
		MaxAge:      r.MaxAge.D(),
		QuotaBytes:  r.QuotaBytes,
		GuardWindow: time.Duration(r.GuardWindowHours) * time.Hour,
		Eviction:    camera.EvictionPolicy(r.EvictionPolicy),
	}
}
