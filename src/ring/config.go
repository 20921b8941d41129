package ring

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/token_ring/src/api/transport"
)

const (
	DefaultNodes      = 3
	DefaultMaxRetries = 2
	MaxNodes          = 1 << 12
)

var ErrInvalidConfig = errors.New("invalid ring config")

// Config controls how a ring is built and how its nodes behave.
type Config struct {
	Nodes       int           `toml:"nodes"`        // ring size, ids 1..Nodes
	Transport   string        `toml:"transport"`    // "pipe" or "tcp"
	Codec       string        `toml:"codec"`        // "fixed" or "proto"
	HopDelay    time.Duration `toml:"hop_delay"`    // per-node pause before forwarding
	MaxRetries  int           `toml:"max_retries"`  // extra attempts for an undelivered message
	TraceIdle   bool          `toml:"trace_idle"`   // record blank token hops
	TracePath   string        `toml:"trace_path"`   // sqlite trace db, empty disables
	MonitorAddr string        `toml:"monitor_addr"` // http status server, empty disables
}

// DefaultConfig returns an in-process three node ring using the fixed-width
// frame codec.
func DefaultConfig() Config {
	return Config{
		Nodes:      DefaultNodes,
		Transport:  transport.TransportPipe,
		Codec:      transport.CodecFixed,
		HopDelay:   0,
		MaxRetries: DefaultMaxRetries,
	}
}

func (c Config) Validate() error {
	if c.Nodes < 1 || c.Nodes > MaxNodes {
		return fmt.Errorf("%w: nodes must be in 1..%d, got %d", ErrInvalidConfig, MaxNodes, c.Nodes)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0, got %d", ErrInvalidConfig, c.MaxRetries)
	}
	if c.HopDelay < 0 {
		return fmt.Errorf("%w: hop_delay must be >= 0, got %s", ErrInvalidConfig, c.HopDelay)
	}
	if _, err := transport.NewLinkFactory(c.Transport); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := transport.NewCoder(c.Codec); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// LoadConfig decodes the TOML file at path over base. Keys missing from the
// file keep their base values.
func LoadConfig(path string, base Config) (Config, error) {
	cfg := base
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return base, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return base, fmt.Errorf("%w: unknown keys in %s: %v", ErrInvalidConfig, path, undecoded)
	}
	return cfg, nil
}
