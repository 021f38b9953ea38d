package main

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
)

const (
	defaultConfigFile   = "/etc/updated/updated.conf"
	defaultDataDir      = "/var/lib/updated"
	defaultSocketPath   = "/run/updated/update.socket"
	defaultSocketMode   = "0660"
	defaultInstaller    = "rauc"
	defaultSource       = "github"
	defaultPollInterval = time.Hour
)

type githubConfig struct {
	Owner   string `long:"owner" description:"Owner of the GitHub repository releasing updates"`
	Repo    string `long:"repo" description:"GitHub repository releasing updates"`
	Token   string `long:"token" description:"Optional API token to lift rate limits"`
	BaseURL string `long:"url" description:"GitHub Enterprise API base URL"`
}

type manifestConfig struct {
	Path  string `long:"path" description:"Path to a YAML manifest listing releases"`
	Watch bool   `long:"watch" description:"Check for updates whenever the manifest changes"`
}

type fileConfig struct {
	Target string `long:"target" description:"File replaced by the file installer"`
}

type dbusConfig struct {
	Disabled   bool `long:"disable" description:"Do not serve the D-Bus interface"`
	SessionBus bool `long:"session" description:"Use the session bus instead of the system bus"`
}

type profilingConfig struct {
	Listen string `long:"listen" description:"Serve pprof on this address, e.g. localhost:6060"`
}

type config struct {
	ConfigFile  string `long:"configfile" description:"Path to configuration file"`
	ShowVersion bool   `short:"v" long:"version" description:"Display version information and exit"`
	Debug       bool   `long:"debug" description:"Start the daemon in debug mode"`
	LogFile     string `long:"logfile" description:"Also write logs to this file, rotated by size"`
	DataDir     string `long:"datadir" description:"Directory holding updated.db"`

	Socket     string `long:"socket" description:"Path of the unix socket serving the HTTP api"`
	SocketMode string `long:"socketmode" description:"File mode of the unix socket, in octal"`

	Installer  string        `long:"installer" description:"Installer backend" choice:"rauc" choice:"file" choice:"none"`
	Source     string        `long:"source" description:"Where to look for updates" choice:"github" choice:"manifest"`
	Interval   time.Duration `long:"interval" description:"Time between two update checks"`
	Prerelease bool          `long:"prerelease" description:"Offer prereleases as updates"`
	Compatible string        `long:"compatible" description:"Override the compatible string of this system"`
	Version    string        `long:"systemversion" description:"Override the version of this system"`

	Github   *githubConfig   `group:"GitHub" namespace:"github"`
	Manifest *manifestConfig `group:"Manifest" namespace:"manifest"`
	File     *fileConfig     `group:"File" namespace:"file"`
	DBus     *dbusConfig     `group:"D-Bus" namespace:"dbus"`

	Profiling *profilingConfig `group:"Profiling" namespace:"profiling"`
}

func defaultConfig() config {
	return config{
		ConfigFile: defaultConfigFile,
		DataDir:    defaultDataDir,
		Socket:     defaultSocketPath,
		SocketMode: defaultSocketMode,
		Installer:  defaultInstaller,
		Source:     defaultSource,
		Interval:   defaultPollInterval,
		Github:     &githubConfig{},
		Manifest:   &manifestConfig{},
		File:       &fileConfig{},
		DBus:       &dbusConfig{},
		Profiling:  &profilingConfig{},
	}
}

// loadConfig initializes and parses the config using a config file and
// command line options. Command line options take precedence over the file,
// which takes precedence over the defaults.
func loadConfig() (*config, error) {
	// Pre-parse the command line to find a custom config file.
	preCfg := defaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	if preCfg.ShowVersion {
		return &preCfg, nil
	}

	cfg := defaultConfig()
	parser := flags.NewParser(&cfg, flags.Default)

	err := flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		// A missing default config file is fine.
		if _, ok := err.(*os.PathError); !ok || preCfg.ConfigFile != defaultConfigFile {
			return nil, errors.Errorf("Could not read config file %v: %v", preCfg.ConfigFile, err)
		}
	}

	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validateConfig(cfg *config) error {
	cfg.DataDir = cleanPath(cfg.DataDir)
	cfg.Socket = cleanPath(cfg.Socket)

	if _, err := cfg.socketMode(); err != nil {
		return err
	}

	if cfg.Interval <= 0 {
		return errors.Errorf("Interval must be positive, got %v", cfg.Interval)
	}

	switch cfg.Source {
	case "github":
		if cfg.Github.Owner == "" || cfg.Github.Repo == "" {
			return errors.New("GitHub source needs --github.owner and --github.repo")
		}
	case "manifest":
		if cfg.Manifest.Path == "" {
			return errors.New("Manifest source needs --manifest.path")
		}
		cfg.Manifest.Path = cleanPath(cfg.Manifest.Path)
	}

	if cfg.Installer == "file" && cfg.File.Target == "" {
		return errors.New("File installer needs --file.target")
	}

	if cfg.Installer != "rauc" && cfg.Compatible == "" {
		return errors.New("A compatible string is needed when not using rauc, set --compatible")
	}

	return nil
}

func (c *config) socketMode() (os.FileMode, error) {
	mode, err := strconv.ParseUint(c.SocketMode, 8, 32)
	if err != nil {
		return 0, errors.Errorf("Invalid socket mode %v: %v", c.SocketMode, err)
	}

	return os.FileMode(mode), nil
}

// cleanPath expands a leading ~ and environment variables.
func cleanPath(path string) string {
	if path == "" {
		return path
	}

	if path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[1:])
		}
	}

	return filepath.Clean(os.ExpandEnv(path))
}
