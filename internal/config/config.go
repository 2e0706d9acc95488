package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/tidwall/jsonc"

	"github.com/thorbis/callsync/internal/util"
)

// EnvPrefix namespaces every environment override, e.g.
// CALLSYNC_TRANSPORT_MODE=storage.
const EnvPrefix = "CALLSYNC_"

type Config struct {
	Transport Transport `json:"transport" envPrefix:"TRANSPORT_"`
	Storage   Storage   `json:"storage" envPrefix:"STORAGE_"`
	Drag      Drag      `json:"drag" envPrefix:"DRAG_"`
	Call      Call      `json:"call" envPrefix:"CALL_"`
	Monitor   Monitor   `json:"monitor" envPrefix:"MONITOR_"`
}

type Transport struct {
	// auto | broadcast | storage | gossip
	Mode        string `json:"mode" env:"MODE"`
	Channel     string `json:"channel" env:"CHANNEL"`
	FallbackKey string `json:"fallback_key" env:"FALLBACK_KEY"`
	StalenessMs int    `json:"staleness_ms" env:"STALENESS_MS"`

	// Gossip only. 0 picks a free port.
	GossipListenPort int    `json:"gossip_listen_port" env:"GOSSIP_LISTEN_PORT"`
	MdnsTag          string `json:"mdns_tag" env:"MDNS_TAG"`
}

type Storage struct {
	// memory | sqlite | dir
	Backend string `json:"backend" env:"BACKEND"`
	// Database file for sqlite, directory for dir. Relative to the peer dir.
	// Empty picks the backend's default; see ResolvedPath.
	Path string `json:"path" env:"PATH"`
}

// Default storage locations per backend, relative to the peer dir.
const (
	DefaultSQLitePath = "data/storage.db"
	DefaultDirPath    = "data/storage"
)

// ResolvedPath is Path, or the default for Backend when Path is empty.
// The memory backend has no path.
func (s Storage) ResolvedPath() string {
	if p := strings.TrimSpace(s.Path); p != "" {
		return p
	}
	switch s.Backend {
	case "sqlite":
		return DefaultSQLitePath
	case "dir":
		return DefaultDirPath
	}
	return ""
}

type Drag struct {
	SnapPx        float64 `json:"snap_px" env:"SNAP_PX"`
	PopOutPx      float64 `json:"pop_out_px" env:"POP_OUT_PX"`
	TouchSlopPx   float64 `json:"touch_slop_px" env:"TOUCH_SLOP_PX"`
	FrameMs       int     `json:"frame_ms" env:"FRAME_MS"`
	MinWidth      float64 `json:"min_width" env:"MIN_WIDTH"`
	MaxWidth      float64 `json:"max_width" env:"MAX_WIDTH"`
	DefaultWidth  float64 `json:"default_width" env:"DEFAULT_WIDTH"`
	DefaultMargin float64 `json:"default_margin" env:"DEFAULT_MARGIN"`
	WidgetHeight  float64 `json:"widget_height" env:"WIDGET_HEIGHT"`
	ViewportW     float64 `json:"viewport_width" env:"VIEWPORT_WIDTH"`
	ViewportH     float64 `json:"viewport_height" env:"VIEWPORT_HEIGHT"`
}

type Call struct {
	// How long an ended call stays on display. 0 drops it at once; the
	// call itself is idle as soon as it ends either way.
	EndedLingerMs int `json:"ended_linger_ms" env:"ENDED_LINGER_MS"`
}

type Monitor struct {
	HTTPAddr   string `json:"http_addr" env:"HTTP_ADDR"`
	BufferSize int    `json:"buffer_size" env:"BUFFER_SIZE"`
	// Tabs opened by serve.
	Tabs int `json:"tabs" env:"TABS"`
}

var (
	transportModes  = []string{"auto", "broadcast", "storage", "gossip"}
	storageBackends = []string{"memory", "sqlite", "dir"}
)

func Default() Config {
	return Config{
		Transport: Transport{
			Mode:             "auto",
			Channel:          "thorbis-call-sync",
			FallbackKey:      "thorbis-call-sync-fallback",
			StalenessMs:      5000,
			GossipListenPort: 0,
			MdnsTag:          "thorbis-call-sync-mdns",
		},
		Storage: Storage{
			Backend: "memory",
		},
		Drag: Drag{
			SnapPx:        20,
			PopOutPx:      50,
			TouchSlopPx:   8,
			FrameMs:       16,
			MinWidth:      280,
			MaxWidth:      720,
			DefaultWidth:  360,
			DefaultMargin: 24,
			WidgetHeight:  480,
			ViewportW:     1280,
			ViewportH:     800,
		},
		Call: Call{
			EndedLingerMs: 3000,
		},
		Monitor: Monitor{
			HTTPAddr:   "127.0.0.1:8790",
			BufferSize: 500,
			Tabs:       2,
		},
	}
}

func (c *Config) Validate() error {
	// Transport
	if !oneOf(c.Transport.Mode, transportModes) {
		return fmt.Errorf("transport.mode must be one of %s", strings.Join(transportModes, ", "))
	}
	if strings.TrimSpace(c.Transport.Channel) == "" {
		return errors.New("transport.channel is required")
	}
	if strings.TrimSpace(c.Transport.FallbackKey) == "" {
		return errors.New("transport.fallback_key is required")
	}
	if c.Transport.StalenessMs <= 0 {
		return errors.New("transport.staleness_ms must be > 0")
	}
	if c.Transport.GossipListenPort < 0 || c.Transport.GossipListenPort > 65535 {
		return errors.New("transport.gossip_listen_port must be 0..65535")
	}
	if c.Transport.Mode == "gossip" && strings.TrimSpace(c.Transport.MdnsTag) == "" {
		return errors.New("transport.mdns_tag is required in gossip mode")
	}

	// Storage
	if !oneOf(c.Storage.Backend, storageBackends) {
		return fmt.Errorf("storage.backend must be one of %s", strings.Join(storageBackends, ", "))
	}

	// Drag
	if c.Drag.SnapPx < 0 || c.Drag.PopOutPx <= 0 {
		return errors.New("drag.snap_px must be >= 0 and drag.pop_out_px > 0")
	}
	if c.Drag.TouchSlopPx <= 0 {
		return errors.New("drag.touch_slop_px must be > 0")
	}
	if c.Drag.FrameMs < 1 || c.Drag.FrameMs > 1000 {
		return errors.New("drag.frame_ms must be 1..1000")
	}
	if c.Drag.MinWidth <= 0 || c.Drag.MaxWidth < c.Drag.MinWidth {
		return errors.New("drag.min_width must be > 0 and <= drag.max_width")
	}
	if c.Drag.DefaultWidth < c.Drag.MinWidth || c.Drag.DefaultWidth > c.Drag.MaxWidth {
		return errors.New("drag.default_width must be within min_width..max_width")
	}
	if c.Drag.WidgetHeight <= 0 || c.Drag.ViewportW <= 0 || c.Drag.ViewportH <= 0 {
		return errors.New("drag.widget_height and drag viewport must be > 0")
	}

	// Call
	if c.Call.EndedLingerMs < 0 {
		return errors.New("call.ended_linger_ms must be >= 0")
	}

	// Monitor
	if c.Monitor.BufferSize <= 0 {
		return errors.New("monitor.buffer_size must be > 0")
	}
	if c.Monitor.Tabs < 1 || c.Monitor.Tabs > 64 {
		return errors.New("monitor.tabs must be 1..64")
	}

	return nil
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func (c Config) Staleness() time.Duration {
	return time.Duration(c.Transport.StalenessMs) * time.Millisecond
}

func (c Config) FrameInterval() time.Duration {
	return time.Duration(c.Drag.FrameMs) * time.Millisecond
}

func (c Config) EndedLinger() time.Duration {
	return time.Duration(c.Call.EndedLingerMs) * time.Millisecond
}

// GossipListenAddr is the multiaddr the gossip host binds to.
func (c Config) GossipListenAddr() string {
	return fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", c.Transport.GossipListenPort)
}

// ApplyEnv overlays CALLSYNC_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads a config file (comments and trailing commas allowed), applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file over the defaults without validating it.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = jsonc.ToJSON(stripBOM(b))

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads path, writing the defaults there first if it does not exist.
// The bool reports whether the file was created.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, false, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, false, err
	}
	return cfg, true, nil
}
