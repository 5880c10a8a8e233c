// Package config loads hopnet settings from YAML and HOPNET_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"hopnet/internal/node"
	"hopnet/internal/packet"
	"hopnet/internal/sim"
)

type Config struct {
	// DataDir holds per-node topology databases. Empty disables persistence.
	DataDir string `mapstructure:"data_dir"`

	Node   NodeConfig   `mapstructure:"node"`
	Log    LogConfig    `mapstructure:"log"`
	Link   LinkConfig   `mapstructure:"link"`
	Policy PolicyConfig `mapstructure:"policy"`
	Sim    SimConfig    `mapstructure:"sim"`
}

// NodeConfig is the identity of the local endpoint.
type NodeConfig struct {
	ID        int    `mapstructure:"id"`
	Type      string `mapstructure:"type"`
	Neighbors []int  `mapstructure:"neighbors"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// Debug turns on per-packet logs.
	Debug bool `mapstructure:"debug"`
}

// LinkConfig describes TCP links to real neighbors.
type LinkConfig struct {
	Listen string       `mapstructure:"listen"`
	Peers  []PeerConfig `mapstructure:"peers"`
	Noise  bool         `mapstructure:"noise"`
}

type PeerConfig struct {
	ID   int    `mapstructure:"id"`
	Addr string `mapstructure:"addr"`
}

type PolicyConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	FloodTimeout      time.Duration `mapstructure:"flood_timeout"`
	RefloodInterval   time.Duration `mapstructure:"reflood_interval"`
	ReassemblyTimeout time.Duration `mapstructure:"reassembly_timeout"`
}

// SimConfig describes an in-process network for the simulate command.
type SimConfig struct {
	Seed    int64          `mapstructure:"seed"`
	Drones  []DroneConfig  `mapstructure:"drones"`
	Servers []ServerConfig `mapstructure:"servers"`
	Clients []int          `mapstructure:"clients"`
	Links   [][]int        `mapstructure:"links"`
}

type DroneConfig struct {
	ID  int     `mapstructure:"id"`
	PDR float64 `mapstructure:"pdr"`
}

type ServerConfig struct {
	ID   int  `mapstructure:"id"`
	Echo bool `mapstructure:"echo"`
}

// Default returns a Config populated with sensible defaults: client 1 in a
// small two-route network toward an echo server.
func Default() *Config {
	return &Config{
		Node: NodeConfig{ID: 1, Type: "client", Neighbors: []int{2, 3}},
		Log:  LogConfig{Level: "info", Format: "text"},
		Link: LinkConfig{Listen: "127.0.0.1:7700"},
		Policy: PolicyConfig{
			Interval:          500 * time.Millisecond,
			FloodTimeout:      2 * time.Second,
			ReassemblyTimeout: 30 * time.Second,
		},
		Sim: SimConfig{
			Seed:    1,
			Drones:  []DroneConfig{{ID: 2, PDR: 0.1}, {ID: 3}, {ID: 4}},
			Servers: []ServerConfig{{ID: 5, Echo: true}},
			Clients: []int{1},
			Links:   [][]int{{1, 2}, {1, 3}, {2, 5}, {3, 4}, {4, 5}},
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise from hopnet.yaml
// in the usual places. Environment variables use the prefix HOPNET with `.`
// replaced by `_`, e.g. HOPNET_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	def := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("HOPNET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("node.id", def.Node.ID)
	v.SetDefault("node.type", def.Node.Type)
	v.SetDefault("node.neighbors", def.Node.Neighbors)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("log.debug", def.Log.Debug)
	v.SetDefault("link.listen", def.Link.Listen)
	v.SetDefault("link.noise", def.Link.Noise)
	v.SetDefault("policy.interval", def.Policy.Interval)
	v.SetDefault("policy.flood_timeout", def.Policy.FloodTimeout)
	v.SetDefault("policy.reflood_interval", def.Policy.RefloodInterval)
	v.SetDefault("policy.reassembly_timeout", def.Policy.ReassemblyTimeout)
	v.SetDefault("sim.seed", def.Sim.Seed)
	v.SetDefault("sim.drones", def.Sim.Drones)
	v.SetDefault("sim.servers", def.Sim.Servers)
	v.SetDefault("sim.clients", def.Sim.Clients)
	v.SetDefault("sim.links", def.Sim.Links)

	if path == "" {
		if envPath := os.Getenv("HOPNET_CONFIG"); envPath != "" {
			path = envPath
		}
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("hopnet")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".hopnet"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func nodeID(field string, v int) (packet.NodeID, error) {
	if v < 0 || v > 255 {
		return 0, fmt.Errorf("invalid %s: %d is not a node id", field, v)
	}
	return packet.NodeID(v), nil
}

// Validate checks every id and enum in c.
func (c *Config) Validate() error {
	var errs []error
	if _, err := nodeID("node.id", c.Node.ID); err != nil {
		errs = append(errs, err)
	}
	typ, err := packet.ParseNodeType(c.Node.Type)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid node.type: %w", err))
	} else if typ == packet.Drone {
		errs = append(errs, errors.New("invalid node.type: drone endpoints are run with the relay command"))
	}
	for _, nb := range c.Node.Neighbors {
		if _, err := nodeID("node.neighbors", nb); err != nil {
			errs = append(errs, err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log.level: %q", c.Log.Level))
	}
	for _, p := range c.Link.Peers {
		if _, err := nodeID("link.peers.id", p.ID); err != nil {
			errs = append(errs, err)
		}
		if strings.TrimSpace(p.Addr) == "" {
			errs = append(errs, fmt.Errorf("invalid link.peers: peer %d has no addr", p.ID))
		}
	}
	if c.Policy.Interval < 0 || c.Policy.FloodTimeout < 0 || c.Policy.RefloodInterval < 0 || c.Policy.ReassemblyTimeout < 0 {
		errs = append(errs, errors.New("invalid policy: durations must not be negative"))
	}
	if _, err := c.Layout(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// NodeID returns the local node id. Call after Validate.
func (c *Config) NodeID() packet.NodeID { return packet.NodeID(c.Node.ID) }

// NodeType returns the local node role, defaulting to Client.
func (c *Config) NodeType() packet.NodeType {
	typ, err := packet.ParseNodeType(c.Node.Type)
	if err != nil {
		return packet.Client
	}
	return typ
}

func (c *Config) Neighbors() []packet.NodeID {
	out := make([]packet.NodeID, 0, len(c.Node.Neighbors))
	for _, nb := range c.Node.Neighbors {
		out = append(out, packet.NodeID(nb))
	}
	return out
}

func (c *Config) NodePolicy() node.Policy {
	return node.Policy{
		Interval:          c.Policy.Interval,
		FloodTimeout:      c.Policy.FloodTimeout,
		RefloodInterval:   c.Policy.RefloodInterval,
		ReassemblyTimeout: c.Policy.ReassemblyTimeout,
	}
}

// Layout converts the sim section into a network description.
func (c *Config) Layout() (sim.Layout, error) {
	var l sim.Layout
	for _, d := range c.Sim.Drones {
		id, err := nodeID("sim.drones.id", d.ID)
		if err != nil {
			return sim.Layout{}, err
		}
		if d.PDR < 0 || d.PDR > 1 {
			return sim.Layout{}, fmt.Errorf("invalid sim.drones: drone %d pdr %v outside 0..1", d.ID, d.PDR)
		}
		l.Drones = append(l.Drones, sim.DroneSpec{ID: id, DropRate: d.PDR})
	}
	for _, s := range c.Sim.Servers {
		id, err := nodeID("sim.servers.id", s.ID)
		if err != nil {
			return sim.Layout{}, err
		}
		l.Servers = append(l.Servers, sim.ServerSpec{ID: id, Echo: s.Echo})
	}
	for _, cl := range c.Sim.Clients {
		id, err := nodeID("sim.clients", cl)
		if err != nil {
			return sim.Layout{}, err
		}
		l.Endpoints = append(l.Endpoints, packet.Hop{ID: id, Type: packet.Client})
	}
	for _, link := range c.Sim.Links {
		if len(link) != 2 {
			return sim.Layout{}, fmt.Errorf("invalid sim.links: %v is not a pair", link)
		}
		a, err := nodeID("sim.links", link[0])
		if err != nil {
			return sim.Layout{}, err
		}
		b, err := nodeID("sim.links", link[1])
		if err != nil {
			return sim.Layout{}, err
		}
		l.Links = append(l.Links, [2]packet.NodeID{a, b})
	}
	return l, nil
}
