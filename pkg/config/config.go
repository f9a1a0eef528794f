package config

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config represents the top-level configuration structure.
type Config struct {
	Global     GlobalConfig     `yaml:"global"     mapstructure:"global"`
	Identities []IdentityConfig `yaml:"identities" mapstructure:"identities"`
	Services   []ServiceConfig  `yaml:"services"   mapstructure:"services"`
}

// GlobalConfig holds engine-wide settings.
type GlobalConfig struct {
	LogLevel              string   `yaml:"log_level"                mapstructure:"log_level"`
	EnableIPv4            *bool    `yaml:"enable_ipv4"              mapstructure:"enable_ipv4"`
	EnableIPv6            *bool    `yaml:"enable_ipv6"              mapstructure:"enable_ipv6"`
	Protocols             []string `yaml:"protocols"                mapstructure:"protocols"`
	HostOnly              bool     `yaml:"host_only"                mapstructure:"host_only"`
	EnablePeer            *bool    `yaml:"enable_peer"              mapstructure:"enable_peer"`
	EnableNodePort        *bool    `yaml:"enable_nodeport"          mapstructure:"enable_nodeport"`
	NodePortRange         string   `yaml:"nodeport_range"           mapstructure:"nodeport_range"`
	EnableHealthCheckBind bool     `yaml:"enable_health_check_bind" mapstructure:"enable_health_check_bind"`
	SkipL4DNAT            bool     `yaml:"skip_l4_dnat"             mapstructure:"skip_l4_dnat"`
	RevNatMaxEntries      int      `yaml:"revnat_max_entries"       mapstructure:"revnat_max_entries"`
	AffinityMaxEntries    int      `yaml:"affinity_max_entries"     mapstructure:"affinity_max_entries"`
	HealthMaxEntries      int      `yaml:"health_max_entries"       mapstructure:"health_max_entries"`
	MetricsListen         string   `yaml:"metrics_listen"           mapstructure:"metrics_listen"`
}

// Default NodePort range, matching the usual kube-apiserver setting.
const (
	DefaultNodePortMin = 30000
	DefaultNodePortMax = 32767
)

// Default table capacities.
const (
	DefaultRevNatMaxEntries   = 262144
	DefaultAffinityMaxEntries = 65536
	DefaultHealthMaxEntries   = 65536
)

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// IPv4Enabled defaults to true.
func (g GlobalConfig) IPv4Enabled() bool { return boolOr(g.EnableIPv4, true) }

// IPv6Enabled defaults to true.
func (g GlobalConfig) IPv6Enabled() bool { return boolOr(g.EnableIPv6, true) }

// PeerEnabled reports whether getpeername() is reverse translated. Defaults to true.
func (g GlobalConfig) PeerEnabled() bool { return boolOr(g.EnablePeer, true) }

// NodePortEnabled reports whether wildcard lookups are performed. Defaults to true.
func (g GlobalConfig) NodePortEnabled() bool { return boolOr(g.EnableNodePort, true) }

// GetProtocols returns the protocols socket translation is enabled for.
// Defaults to tcp and udp.
func (g GlobalConfig) GetProtocols() []string {
	if len(g.Protocols) == 0 {
		return []string{"tcp", "udp"}
	}
	return g.Protocols
}

// GetNodePortRange parses nodeport_range ("min-max").
// Defaults to 30000-32767 if not set or invalid.
func (g GlobalConfig) GetNodePortRange() (uint16, uint16) {
	lo, hi, err := parsePortRange(g.NodePortRange)
	if err != nil {
		return DefaultNodePortMin, DefaultNodePortMax
	}
	return lo, hi
}

// GetRevNatMaxEntries returns the reverse translation table capacity per family.
func (g GlobalConfig) GetRevNatMaxEntries() int {
	if g.RevNatMaxEntries <= 0 {
		return DefaultRevNatMaxEntries
	}
	return g.RevNatMaxEntries
}

// GetAffinityMaxEntries returns the session affinity table capacity per family.
func (g GlobalConfig) GetAffinityMaxEntries() int {
	if g.AffinityMaxEntries <= 0 {
		return DefaultAffinityMaxEntries
	}
	return g.AffinityMaxEntries
}

// GetHealthMaxEntries returns the health probe table capacity.
func (g GlobalConfig) GetHealthMaxEntries() int {
	if g.HealthMaxEntries <= 0 {
		return DefaultHealthMaxEntries
	}
	return g.HealthMaxEntries
}

func parsePortRange(s string) (uint16, uint16, error) {
	if s == "" {
		return 0, 0, fmt.Errorf("empty port range")
	}
	lo, hi, found := strings.Cut(s, "-")
	if !found {
		return 0, 0, fmt.Errorf("port range %q must be of the form min-max", s)
	}
	start, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range start %q: %w", lo, err)
	}
	end, err := strconv.ParseUint(strings.TrimSpace(hi), 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range end %q: %w", hi, err)
	}
	if start == 0 || start > end {
		return 0, 0, fmt.Errorf("invalid port range %q", s)
	}
	return uint16(start), uint16(end), nil
}

// IdentityConfig assigns a security identity to a CIDR.
type IdentityConfig struct {
	CIDR     string `yaml:"cidr"     mapstructure:"cidr"`
	Identity string `yaml:"identity" mapstructure:"identity"`
}

// ServiceConfig defines a service frontend with its backends and health check settings.
type ServiceConfig struct {
	Name            string            `yaml:"name"             mapstructure:"name"`
	Frontend        string            `yaml:"frontend"         mapstructure:"frontend"`
	Protocol        string            `yaml:"protocol"         mapstructure:"protocol"`
	Type            string            `yaml:"type"             mapstructure:"type"`
	SessionAffinity bool              `yaml:"session_affinity" mapstructure:"session_affinity"`
	AffinityTimeout string            `yaml:"affinity_timeout" mapstructure:"affinity_timeout"`
	HealthCheck     HealthCheckConfig `yaml:"health_check"     mapstructure:"health_check"`
	Backends        []BackendConfig   `yaml:"backends"         mapstructure:"backends"`
}

// Service types.
const (
	ServiceTypeClusterIP     = "cluster-ip"
	ServiceTypeNodePort      = "node-port"
	ServiceTypeExternalIP    = "external-ip"
	ServiceTypeHostPort      = "host-port"
	ServiceTypeLoadBalancer  = "load-balancer"
	ServiceTypeLocalRedirect = "local-redirect"
)

// GetType returns the service type.
// Defaults to "cluster-ip" if not set.
func (s ServiceConfig) GetType() string {
	if s.Type == "" {
		return ServiceTypeClusterIP
	}
	return s.Type
}

// GetAffinityTimeout parses the session affinity lease.
// Defaults to 3h if not set, invalid or not positive.
func (s ServiceConfig) GetAffinityTimeout() time.Duration {
	return positiveDurationOr(s.AffinityTimeout, 3*time.Hour)
}

// positiveDurationOr parses value and returns def unless it is a positive duration.
func positiveDurationOr(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	duration, err := time.ParseDuration(value)
	if err != nil || duration <= 0 {
		return def
	}
	return duration
}

// validatePositiveDuration rejects a set value that does not parse or is not positive.
func validatePositiveDuration(service, field, value string) error {
	if value == "" {
		return nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("service %q: invalid %s %q: %w", service, field, value, err)
	}
	if duration <= 0 {
		return fmt.Errorf("service %q: %s must be positive, got %q", service, field, value)
	}
	return nil
}

// HealthCheckConfig defines per-service health check parameters.
type HealthCheckConfig struct {
	Enabled            *bool  `yaml:"enabled"              mapstructure:"enabled"`
	Type               string `yaml:"type"                 mapstructure:"type"`
	Interval           string `yaml:"interval"             mapstructure:"interval"`
	Timeout            string `yaml:"timeout"              mapstructure:"timeout"`
	FailCount          int    `yaml:"fail_count"           mapstructure:"fail_count"`
	RiseCount          int    `yaml:"rise_count"           mapstructure:"rise_count"`
	HTTPPath           string `yaml:"http_path"            mapstructure:"http_path"`
	HTTPExpectedStatus int    `yaml:"http_expected_status" mapstructure:"http_expected_status"`
}

// IsEnabled returns whether health check is enabled for this service.
// Defaults to false if not explicitly set.
func (h HealthCheckConfig) IsEnabled() bool {
	return boolOr(h.Enabled, false)
}

// GetInterval parses and returns the health check interval duration.
// Defaults to 5s if not set, invalid or not positive.
func (h HealthCheckConfig) GetInterval() time.Duration {
	return positiveDurationOr(h.Interval, 5*time.Second)
}

// GetTimeout parses and returns the health check timeout duration.
// Defaults to 3s if not set, invalid or not positive.
func (h HealthCheckConfig) GetTimeout() time.Duration {
	return positiveDurationOr(h.Timeout, 3*time.Second)
}

// GetType returns the health check type.
// Defaults to "tcp" if not set.
func (h HealthCheckConfig) GetType() string {
	if h.Type == "" {
		return "tcp"
	}
	return h.Type
}

// GetHTTPPath returns the HTTP health check request path.
// Defaults to "/" if not set.
func (h HealthCheckConfig) GetHTTPPath() string {
	if h.HTTPPath == "" {
		return "/"
	}
	return h.HTTPPath
}

// GetHTTPExpectedStatus returns the expected HTTP response status code.
// Defaults to 200 if not set.
func (h HealthCheckConfig) GetHTTPExpectedStatus() int {
	if h.HTTPExpectedStatus <= 0 {
		return 200
	}
	return h.HTTPExpectedStatus
}

// GetFailCount returns the consecutive failure threshold.
// Defaults to 3 if not set.
func (h HealthCheckConfig) GetFailCount() int {
	if h.FailCount <= 0 {
		return 3
	}
	return h.FailCount
}

// GetRiseCount returns the consecutive success threshold.
// Defaults to 2 if not set.
func (h HealthCheckConfig) GetRiseCount() int {
	if h.RiseCount <= 0 {
		return 2
	}
	return h.RiseCount
}

// BackendConfig defines a backend endpoint.
type BackendConfig struct {
	Address string `yaml:"address" mapstructure:"address"`
	Weight  int    `yaml:"weight"  mapstructure:"weight"`
}

// GetWeight returns the number of selection slots the backend occupies.
// Defaults to 1 if not set.
func (b BackendConfig) GetWeight() int {
	if b.Weight <= 0 {
		return 1
	}
	return b.Weight
}

// validServiceTypes is the set of supported service types.
var validServiceTypes = map[string]bool{
	ServiceTypeClusterIP:     true,
	ServiceTypeNodePort:      true,
	ServiceTypeExternalIP:    true,
	ServiceTypeHostPort:      true,
	ServiceTypeLoadBalancer:  true,
	ServiceTypeLocalRedirect: true,
}

// validProtocols is the set of supported protocols.
var validProtocols = map[string]bool{
	"tcp": true,
	"udp": true,
}

// validIdentities maps reserved identity names to their numeric value.
var validIdentities = map[string]uint32{
	"host":        1,
	"world":       2,
	"remote-node": 6,
}

// maxSlotsPerService bounds the expanded backend slot count of one service.
const maxSlotsPerService = 65535

// ParseIdentity converts an identity name or number to its numeric value.
func ParseIdentity(s string) (uint32, error) {
	if id, ok := validIdentities[s]; ok {
		return id, nil
	}
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("unknown identity %q (supported: host, world, remote-node or a positive number)", s)
	}
	return uint32(id), nil
}

// Manager handles configuration loading, validation, and hot-reload.
type Manager struct {
	viper      *viper.Viper
	configPath string
	current    *Config
	mu         sync.RWMutex
	onChange   chan struct{}
	logger     *zap.Logger
}

// NewManager creates a config Manager, loads and validates the initial configuration.
func NewManager(configPath string, logger *zap.Logger) (*Manager, error) {
	viperInstance := viper.New()
	viperInstance.SetConfigFile(configPath)

	// Set defaults
	viperInstance.SetDefault("global.log_level", "info")
	viperInstance.SetDefault("global.nodeport_range", fmt.Sprintf("%d-%d", DefaultNodePortMin, DefaultNodePortMax))

	manager := &Manager{
		viper:      viperInstance,
		configPath: configPath,
		onChange:   make(chan struct{}, 1),
		logger:     logger,
	}

	cfg, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	manager.current = cfg

	return manager, nil
}

// Load reads the config file, unmarshals it, and validates.
func (m *Manager) Load() (*Config, error) {
	if err := m.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for correctness.
func Validate(cfg *Config) error {
	if err := validateGlobal(&cfg.Global); err != nil {
		return err
	}

	for i, ident := range cfg.Identities {
		if _, err := netip.ParsePrefix(ident.CIDR); err != nil {
			return fmt.Errorf("identities[%d]: invalid cidr %q: %w", i, ident.CIDR, err)
		}
		if _, err := ParseIdentity(ident.Identity); err != nil {
			return fmt.Errorf("identities[%d]: %w", i, err)
		}
	}

	nameSet := make(map[string]bool)
	frontendSet := make(map[string]bool)

	for i, svc := range cfg.Services {
		if svc.Name == "" {
			return fmt.Errorf("service[%d]: name is required", i)
		}
		if nameSet[svc.Name] {
			return fmt.Errorf("service[%d]: duplicate service name %q", i, svc.Name)
		}
		nameSet[svc.Name] = true

		// Validate frontend address
		frontend, err := netip.ParseAddrPort(svc.Frontend)
		if err != nil {
			return fmt.Errorf("service %q: invalid frontend %q: %w", svc.Name, svc.Frontend, err)
		}
		if frontend.Port() == 0 {
			return fmt.Errorf("service %q: frontend port must be a positive number", svc.Name)
		}
		if frontend.Addr().Is4In6() {
			return fmt.Errorf("service %q: IPv4-mapped frontend %q, use the plain IPv4 form", svc.Name, svc.Frontend)
		}

		// Validate protocol (default to tcp)
		protocol := svc.Protocol
		if protocol == "" {
			cfg.Services[i].Protocol = "tcp"
			protocol = "tcp"
		}
		if !validProtocols[protocol] {
			return fmt.Errorf("service %q: unsupported protocol %q (supported: tcp, udp)", svc.Name, protocol)
		}

		// Deduplicate by frontend + protocol
		frontendKey := frontend.String() + "/" + protocol
		if frontendSet[frontendKey] {
			return fmt.Errorf("service %q: duplicate frontend %q for protocol %q", svc.Name, svc.Frontend, protocol)
		}
		frontendSet[frontendKey] = true

		if !validServiceTypes[svc.GetType()] {
			return fmt.Errorf("service %q: unsupported type %q (supported: cluster-ip, node-port, external-ip, host-port, load-balancer, local-redirect)", svc.Name, svc.Type)
		}
		if frontend.Addr().IsUnspecified() {
			if t := svc.GetType(); t != ServiceTypeNodePort && t != ServiceTypeHostPort {
				return fmt.Errorf("service %q: wildcard frontend is only valid for node-port and host-port services", svc.Name)
			}
		} else if svc.GetType() == ServiceTypeNodePort {
			// NodePort frontends are reached through every host and remote node address.
			return fmt.Errorf("service %q: node-port frontend must use the wildcard address (0.0.0.0 or [::])", svc.Name)
		}

		if err := validatePositiveDuration(svc.Name, "affinity_timeout", svc.AffinityTimeout); err != nil {
			return err
		}

		// Validate health check parameters
		if svc.HealthCheck.IsEnabled() {
			if protocol != "tcp" {
				return fmt.Errorf("service %q: health_check requires protocol tcp", svc.Name)
			}
			if err := validateHealthCheck(svc.Name, svc.HealthCheck); err != nil {
				return err
			}
		}

		// Validate backends
		if len(svc.Backends) == 0 {
			return fmt.Errorf("service %q: at least one backend is required", svc.Name)
		}

		backendSet := make(map[string]bool)
		slots := 0
		for j, backend := range svc.Backends {
			if backend.Address == "" {
				return fmt.Errorf("service %q: backend[%d]: address is required", svc.Name, j)
			}
			backendHost, backendPort, err := net.SplitHostPort(backend.Address)
			if err != nil {
				return fmt.Errorf("service %q: backend[%d]: invalid address %q: %w", svc.Name, j, backend.Address, err)
			}
			backendIP, err := netip.ParseAddr(backendHost)
			if err != nil {
				return fmt.Errorf("service %q: backend[%d]: invalid IP %q", svc.Name, j, backendHost)
			}
			if backendIP.Is4In6() {
				return fmt.Errorf("service %q: backend[%d]: IPv4-mapped address %q, use the plain IPv4 form", svc.Name, j, backend.Address)
			}
			if backendIP.Is4() != frontend.Addr().Is4() {
				return fmt.Errorf("service %q: backend[%d]: address family of %q does not match frontend", svc.Name, j, backend.Address)
			}
			if backendPort == "" || backendPort == "0" {
				return fmt.Errorf("service %q: backend[%d]: port must be a positive number", svc.Name, j)
			}
			if backendSet[backend.Address] {
				return fmt.Errorf("service %q: backend[%d]: duplicate address %q", svc.Name, j, backend.Address)
			}
			backendSet[backend.Address] = true

			if backend.Weight < 0 {
				return fmt.Errorf("service %q: backend[%d]: weight must not be negative", svc.Name, j)
			}
			slots += backend.GetWeight()
		}
		if slots > maxSlotsPerService {
			return fmt.Errorf("service %q: total backend weight %d exceeds %d", svc.Name, slots, maxSlotsPerService)
		}
	}

	return nil
}

func validateGlobal(g *GlobalConfig) error {
	if !g.IPv4Enabled() && !g.IPv6Enabled() {
		return fmt.Errorf("global: at least one of enable_ipv4 and enable_ipv6 must be true")
	}
	for _, proto := range g.Protocols {
		if !validProtocols[proto] {
			return fmt.Errorf("global: unsupported protocol %q (supported: tcp, udp)", proto)
		}
	}
	if g.NodePortRange != "" {
		if _, _, err := parsePortRange(g.NodePortRange); err != nil {
			return fmt.Errorf("global: invalid nodeport_range: %w", err)
		}
	}
	if g.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(g.MetricsListen); err != nil {
			return fmt.Errorf("global: invalid metrics_listen %q: %w", g.MetricsListen, err)
		}
	}
	switch g.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("global: unsupported log_level %q (supported: debug, info, warn, error)", g.LogLevel)
	}
	return nil
}

func validateHealthCheck(name string, hc HealthCheckConfig) error {
	if err := validatePositiveDuration(name, "health_check.interval", hc.Interval); err != nil {
		return err
	}
	if err := validatePositiveDuration(name, "health_check.timeout", hc.Timeout); err != nil {
		return err
	}

	checkType := hc.GetType()
	if checkType != "tcp" && checkType != "http" {
		return fmt.Errorf("service %q: unsupported health_check.type %q (supported: tcp, http)", name, checkType)
	}

	if checkType == "http" {
		if hc.HTTPPath != "" && hc.HTTPPath[0] != '/' {
			return fmt.Errorf("service %q: health_check.http_path must start with '/'", name)
		}
		if hc.HTTPExpectedStatus != 0 &&
			(hc.HTTPExpectedStatus < 100 || hc.HTTPExpectedStatus > 599) {
			return fmt.Errorf("service %q: health_check.http_expected_status must be between 100 and 599", name)
		}
	}
	return nil
}

// WatchConfig starts watching the config file for changes.
// On change, it reloads and validates; if valid, updates current config and notifies via onChange channel.
func (m *Manager) WatchConfig() {
	m.viper.OnConfigChange(func(event fsnotify.Event) {
		m.logger.Info("config file changed", zap.String("file", event.Name))

		cfg, err := m.Load()
		if err != nil {
			m.logger.Error("failed to reload config, keeping previous config", zap.Error(err))
			return
		}

		m.mu.Lock()
		m.current = cfg
		m.mu.Unlock()

		m.logger.Info("config reloaded successfully")

		// Non-blocking send to notify listeners
		select {
		case m.onChange <- struct{}{}:
		default:
		}
	})

	m.viper.WatchConfig()
}

// GetConfig returns a snapshot of the current configuration.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange returns a read-only channel that signals when config has changed.
func (m *Manager) OnChange() <-chan struct{} {
	return m.onChange
}
