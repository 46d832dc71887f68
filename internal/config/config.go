package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Default configuration values (production)
const (
	DefaultDomain = "huddle.qzz.io"
	DefaultSTUN   = "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302"
)

// Config holds application configuration
type Config struct {
	// Domain is the relay server domain
	Domain string

	// RelayURL is the websocket endpoint, derived from Domain unless set explicitly
	RelayURL string

	// Room to join on the relay; empty asks the relay to create one
	Room string

	// Identity inside the mesh. PeerID is what politeness is computed from.
	PeerID string
	Name   string

	// ICE servers for WebRTC
	STUNServers []string
	TURNServer  string
	TURNUser    string
	TURNPass    string
	ForceRelay  bool

	// IncludeLoopback lets ICE gather loopback candidates, for meshes on one host
	IncludeLoopback bool

	// MicFile is an Ogg/Opus file used as the microphone; empty means silence
	MicFile string

	// RecordDir receives one Ogg file per remote peer; empty discards audio
	RecordDir string
}

// Options for loading config with CLI flag overrides
type Options struct {
	ConfigFile string

	Domain     string
	RelayURL   string
	Room       string
	PeerID     string
	Name       string
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
	Loopback   bool
	MicFile    string
	RecordDir  string
}

// fileConfig mirrors the optional YAML config file.
type fileConfig struct {
	Domain    string   `yaml:"domain"`
	RelayURL  string   `yaml:"relay_url"`
	Room      string   `yaml:"room"`
	PeerID    string   `yaml:"id"`
	Name      string   `yaml:"name"`
	STUN      []string `yaml:"stun"`
	TURN      string   `yaml:"turn"`
	TURNUser  string   `yaml:"turn_user"`
	TURNPass  string   `yaml:"turn_pass"`
	Relay     bool     `yaml:"force_relay"`
	Loopback  bool     `yaml:"loopback"`
	MicFile   string   `yaml:"mic"`
	RecordDir string   `yaml:"record"`
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Config file (--config or HUDDLE_CONFIG)
// 4. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	path := pick(opts.ConfigFile, os.Getenv("HUDDLE_CONFIG"))
	file, err := readFile(path)
	if err != nil {
		return nil, err
	}

	domain := pick(opts.Domain, os.Getenv("DOMAIN"), file.Domain, DefaultDomain)
	relayURL := pick(opts.RelayURL, os.Getenv("HUDDLE_RELAY_URL"), file.RelayURL)
	if relayURL == "" {
		relayURL = relayURLFor(domain)
	}

	peerID := pick(opts.PeerID, os.Getenv("HUDDLE_ID"), file.PeerID)
	if peerID == "" {
		peerID = uuid.NewString()
	}

	stun := splitList(pick(opts.STUNServer, os.Getenv("STUN_SERVER")))
	if len(stun) == 0 {
		stun = file.STUN
	}
	if len(stun) == 0 {
		stun = splitList(DefaultSTUN)
	}

	return &Config{
		Domain:          domain,
		RelayURL:        relayURL,
		Room:            pick(opts.Room, os.Getenv("HUDDLE_ROOM"), file.Room),
		PeerID:          peerID,
		Name:            pick(opts.Name, os.Getenv("HUDDLE_NAME"), file.Name, os.Getenv("USER"), peerID),
		STUNServers:     stun,
		TURNServer:      pick(opts.TURNServer, os.Getenv("TURN_SERVER"), file.TURN),
		TURNUser:        pick(opts.TURNUser, os.Getenv("TURN_USERNAME"), file.TURNUser),
		TURNPass:        pick(opts.TURNPass, os.Getenv("TURN_PASSWORD"), file.TURNPass),
		ForceRelay:      opts.ForceRelay || envBool("FORCE_RELAY") || file.Relay,
		IncludeLoopback: opts.Loopback || envBool("HUDDLE_LOOPBACK") || file.Loopback,
		MicFile:         pick(opts.MicFile, os.Getenv("HUDDLE_MIC"), file.MicFile),
		RecordDir:       pick(opts.RecordDir, os.Getenv("HUDDLE_RECORD"), file.RecordDir),
	}, nil
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	return c.STUNServers
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	host := strings.TrimPrefix(c.TURNServer, "turn:")
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}

func readFile(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fc, nil
}

// relayURLFor uses plain ws for local development hosts and wss elsewhere.
func relayURLFor(domain string) string {
	scheme := "wss"
	if strings.HasPrefix(domain, "localhost") || strings.HasPrefix(domain, "127.") {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, domain)
}

func pick(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}
