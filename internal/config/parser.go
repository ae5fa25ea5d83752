// Package config provides configuration file parsing.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/wol-gameproxy/internal/models"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	return &Parser{v: v}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.ProxyConfig, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.ProxyConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

// Watch re-parses and validates the file loaded by LoadFile whenever it
// changes on disk and hands the result to onChange. A failed reload is
// reported through the error argument with a nil config.
func (p *Parser) Watch(onChange func(cfg *models.ProxyConfig, err error)) {
	p.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := p.parse()
		if err == nil {
			err = Validate(cfg)
		}
		if err != nil {
			onChange(nil, fmt.Errorf("reloading %s: %w", e.Name, err))
			return
		}
		onChange(cfg, nil)
	})
	p.v.WatchConfig()
}

//nolint:gocognit,gocyclo,funlen // parsing config requires checking many fields
func (p *Parser) parse() (*models.ProxyConfig, error) {
	cfg := &models.ProxyConfig{}

	// Parse server config (required).
	cfg.Server = models.ServerConfig{
		TargetIP:         p.v.GetString("server.target_ip"),
		MACAddress:       p.v.GetString("server.mac_address"),
		NetworkInterface: p.v.GetString("server.network_interface"),
		NetworkMask:      p.v.GetString("server.network_mask"),
		ListenAddress:    p.v.GetString("server.listen_address"),
	}

	if cfg.Server.TargetIP == "" {
		return nil, fmt.Errorf("server.target_ip is required")
	}
	if cfg.Server.MACAddress == "" {
		return nil, fmt.Errorf("server.mac_address is required")
	}
	if cfg.Server.NetworkInterface == "" {
		cfg.Server.NetworkInterface = "eth0"
	}
	if cfg.Server.NetworkMask == "" {
		cfg.Server.NetworkMask = "24"
	}
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = "0.0.0.0"
	}

	// Parse timing. Plain numbers are seconds.
	var err error
	timing := &cfg.Timing
	durations := []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"timing.boot_wait_seconds", &timing.BootWait, 90 * time.Second},
		{"timing.health_check_interval", &timing.HealthCheckInterval, 15 * time.Second},
		{"timing.boot_check_interval", &timing.BootCheckInterval, 5 * time.Second},
		{"timing.wol_retry_interval", &timing.WOLRetryInterval, 5 * time.Second},
		{"timing.connection_timeout", &timing.ConnectionTimeout, 30 * time.Second},
		{"timing.server_check_timeout", &timing.ServerCheckTimeout, 5 * time.Second},
	}
	for _, d := range durations {
		if *d.dst, err = p.duration(d.key, d.def); err != nil {
			return nil, err
		}
	}
	timing.HealthFailureThreshold = p.v.GetInt("timing.health_failure_threshold")
	if !p.v.IsSet("timing.health_failure_threshold") {
		timing.HealthFailureThreshold = 3
	}

	// Parse optional Minecraft config.
	if p.enabled("minecraft") { //nolint:nestif // config parsing with defaults
		cfg.Minecraft = &models.MinecraftConfig{
			Port:                p.v.GetInt("minecraft.port"),
			ProtocolVersion:     p.v.GetInt("minecraft.protocol_version"),
			MOTDOffline:         p.v.GetString("minecraft.motd_offline"),
			MOTDStarting:        p.v.GetString("minecraft.motd_starting"),
			VersionTextOffline:  p.v.GetString("minecraft.version_text_offline"),
			VersionTextStarting: p.v.GetString("minecraft.version_text_starting"),
			KickMessage:         p.v.GetString("minecraft.kick_message"),
			MaxPlayersDisplay:   p.v.GetInt("minecraft.max_players_display"),
		}

		if cfg.Minecraft.Port == 0 {
			cfg.Minecraft.Port = 25565
		}
		if cfg.Minecraft.MOTDOffline == "" {
			cfg.Minecraft.MOTDOffline = "§aJoin to start server"
		}
		if cfg.Minecraft.MOTDStarting == "" {
			cfg.Minecraft.MOTDStarting = "§eServer is starting, please wait"
		}
		if cfg.Minecraft.VersionTextOffline == "" {
			cfg.Minecraft.VersionTextOffline = "Sleeping"
		}
		if cfg.Minecraft.VersionTextStarting == "" {
			cfg.Minecraft.VersionTextStarting = "Starting..."
		}
		if cfg.Minecraft.KickMessage == "" {
			cfg.Minecraft.KickMessage = "§eServer is starting up, try joining again in a minute."
		}
		if cfg.Minecraft.MaxPlayersDisplay == 0 {
			cfg.Minecraft.MaxPlayersDisplay = 20
		}
	}

	// Parse optional Satisfactory config.
	if p.enabled("satisfactory") {
		cfg.Satisfactory = &models.SatisfactoryConfig{
			GamePort:   p.v.GetInt("satisfactory.game_port"),
			QueryPort:  p.v.GetInt("satisfactory.query_port"),
			BeaconPort: p.v.GetInt("satisfactory.beacon_port"),
		}

		if cfg.Satisfactory.GamePort == 0 {
			cfg.Satisfactory.GamePort = 7777
		}
		if cfg.Satisfactory.QueryPort == 0 {
			cfg.Satisfactory.QueryPort = 15000
		}
		if cfg.Satisfactory.BeaconPort == 0 {
			cfg.Satisfactory.BeaconPort = 15777
		}
	}

	// Parse Wake-on-LAN delivery.
	cfg.WOL = models.WOLConfig{
		BroadcastIP: p.v.GetString("wol.broadcast_ip"),
		Ports:       p.v.GetIntSlice("wol.ports"),
		Raw:         p.v.GetBool("wol.raw"),
	}
	if len(cfg.WOL.Ports) == 0 {
		cfg.WOL.Ports = []int{9}
	}

	cfg.Health = models.HealthConfig{
		AdminPort: p.v.GetInt("health.admin_port"),
	}

	cfg.Identity = models.IdentityConfig{
		UseSudo:  p.v.GetBool("identity.use_sudo"),
		Announce: true,
	}
	if p.v.IsSet("identity.announce") {
		cfg.Identity.Announce = p.v.GetBool("identity.announce")
	}

	cfg.Status = models.StatusConfig{
		Enabled:        true,
		Listen:         p.v.GetString("status.listen"),
		AllowedOrigins: p.v.GetStringSlice("status.allowed_origins"),
	}
	if p.v.IsSet("status.enabled") {
		cfg.Status.Enabled = p.v.GetBool("status.enabled")
	}
	if cfg.Status.Listen == "" {
		cfg.Status.Listen = ":8080"
	}

	// Parse optional SSH shutdown config.
	if p.v.IsSet("ssh_shutdown") { //nolint:nestif // config parsing with defaults
		cfg.SSHShutdown = &models.SSHShutdownConfig{
			Host:           p.v.GetString("ssh_shutdown.host"),
			Port:           p.v.GetInt("ssh_shutdown.port"),
			Username:       p.v.GetString("ssh_shutdown.username"),
			KeyPath:        p.expandEnv(p.v.GetString("ssh_shutdown.key_path")),
			KnownHostsPath: p.expandEnv(p.v.GetString("ssh_shutdown.known_hosts")),
			ShutdownDelay:  p.v.GetInt("ssh_shutdown.shutdown_delay"),
			OS:             p.v.GetString("ssh_shutdown.os"),
		}

		if cfg.SSHShutdown.Host == "" {
			cfg.SSHShutdown.Host = cfg.Server.TargetIP
		}
		if cfg.SSHShutdown.Port == 0 {
			cfg.SSHShutdown.Port = 22
		}
		if cfg.SSHShutdown.Username == "" {
			cfg.SSHShutdown.Username = "root"
		}
		if cfg.SSHShutdown.KeyPath == "" {
			return nil, fmt.Errorf("ssh_shutdown.key_path is required when ssh_shutdown is configured")
		}
		if cfg.SSHShutdown.ShutdownDelay == 0 {
			cfg.SSHShutdown.ShutdownDelay = 1
		}
		if cfg.SSHShutdown.OS == "" {
			cfg.SSHShutdown.OS = "linux"
		}
		validOS := map[string]bool{"linux": true, "windows": true}
		if !validOS[cfg.SSHShutdown.OS] {
			return nil, fmt.Errorf("ssh_shutdown.os must be one of: linux, windows")
		}
	}

	// Parse optional Telegram config.
	if p.v.IsSet("telegram") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: p.expandEnv(p.v.GetString("telegram.bot_token")),
			ChatID:   p.expandEnv(p.v.GetString("telegram.chat_id")),
		}

		if cfg.Telegram.BotToken == "" {
			return nil, fmt.Errorf("telegram.bot_token is required when telegram is configured")
		}
		if cfg.Telegram.ChatID == "" {
			return nil, fmt.Errorf("telegram.chat_id is required when telegram is configured")
		}
	}

	return cfg, nil
}

// enabled reports whether an optional section is present and not switched off.
func (p *Parser) enabled(section string) bool {
	if !p.v.IsSet(section) {
		return false
	}
	if !p.v.IsSet(section + ".enabled") {
		return true
	}
	return p.v.GetBool(section + ".enabled")
}

// duration reads a timing value given in seconds or as a Go duration string.
func (p *Parser) duration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(p.v.GetString(key))
	if raw == "" {
		return def, nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	return d, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate performs validation on the loaded configuration and reports every
// problem found.
//
//nolint:gocognit,gocyclo // validation checks many independent fields
func Validate(cfg *models.ProxyConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	var errs []error

	ip := net.ParseIP(cfg.Server.TargetIP)
	if ip == nil || ip.To4() == nil {
		errs = append(errs, fmt.Errorf("server.target_ip %q is not a valid IPv4 address", cfg.Server.TargetIP))
	}

	if _, err := models.ParseMAC(cfg.Server.MACAddress); err != nil {
		errs = append(errs, fmt.Errorf("server.mac_address %q is invalid: %w", cfg.Server.MACAddress, err))
	}

	if cfg.Server.NetworkInterface == "" {
		errs = append(errs, fmt.Errorf("server.network_interface is required"))
	}

	if !validMask(cfg.Server.NetworkMask) {
		errs = append(errs, fmt.Errorf("server.network_mask %q must be a prefix length (0-32) or a dotted mask", cfg.Server.NetworkMask))
	}

	if net.ParseIP(cfg.Server.ListenAddress) == nil {
		errs = append(errs, fmt.Errorf("server.listen_address %q is not a valid IP address", cfg.Server.ListenAddress))
	}

	if cfg.Minecraft == nil && cfg.Satisfactory == nil {
		errs = append(errs, fmt.Errorf("at least one of minecraft or satisfactory must be enabled"))
	}

	if cfg.Minecraft != nil && !validPort(cfg.Minecraft.Port) {
		errs = append(errs, fmt.Errorf("minecraft.port %d is out of range", cfg.Minecraft.Port))
	}

	if cfg.Satisfactory != nil {
		seen := map[int]bool{}
		for _, port := range cfg.Satisfactory.Ports() {
			if !validPort(port) {
				errs = append(errs, fmt.Errorf("satisfactory port %d is out of range", port))
			}
			if seen[port] {
				errs = append(errs, fmt.Errorf("satisfactory port %d is used twice", port))
			}
			seen[port] = true
		}
	}

	timings := map[string]time.Duration{
		"timing.boot_wait_seconds":     cfg.Timing.BootWait,
		"timing.health_check_interval": cfg.Timing.HealthCheckInterval,
		"timing.boot_check_interval":   cfg.Timing.BootCheckInterval,
		"timing.wol_retry_interval":    cfg.Timing.WOLRetryInterval,
		"timing.connection_timeout":    cfg.Timing.ConnectionTimeout,
		"timing.server_check_timeout":  cfg.Timing.ServerCheckTimeout,
	}
	for key, d := range timings {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if cfg.Timing.HealthFailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("timing.health_failure_threshold must be at least 1"))
	}

	for _, port := range cfg.WOL.Ports {
		if !validPort(port) {
			errs = append(errs, fmt.Errorf("wol port %d is out of range", port))
		}
	}
	if cfg.WOL.BroadcastIP != "" && net.ParseIP(cfg.WOL.BroadcastIP) == nil {
		errs = append(errs, fmt.Errorf("wol.broadcast_ip %q is not a valid IP address", cfg.WOL.BroadcastIP))
	}

	if cfg.Health.AdminPort != 0 && !validPort(cfg.Health.AdminPort) {
		errs = append(errs, fmt.Errorf("health.admin_port %d is out of range", cfg.Health.AdminPort))
	}

	if cfg.Status.Enabled && cfg.Status.Listen == "" {
		errs = append(errs, fmt.Errorf("status.listen is required when the status endpoint is enabled"))
	}

	return errors.Join(errs...)
}

func validPort(port int) bool {
	return port >= 1 && port <= 65535
}

func validMask(mask string) bool {
	if ip := net.ParseIP(mask); ip != nil {
		v4 := ip.To4()
		if v4 == nil {
			return false
		}
		_, bits := net.IPMask(v4).Size()
		return bits == 32
	}
	n, err := strconv.Atoi(mask)
	return err == nil && n >= 0 && n <= 32
}
