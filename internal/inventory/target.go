package inventory

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kevinburke/ssh_config"

	"github.com/chatmrpt/convoy/internal/pathutil"
)

// ErrUnknownEnvironment is returned when a requested environment is not
// defined in the inventory.
var ErrUnknownEnvironment = errors.New("unknown environment")

// Target is a fully resolved deployment target: every connection detail is
// filled in from the target spec, its environment, the defaults, and finally
// ~/.ssh/config.
type Target struct {
	Name         string // display/identity label, unique within the fleet
	Address      string // hostname or IP to connect to
	Port         int
	User         string
	IdentityFile string
	RemoteRoot   string
	Via          string // bastion hop ("user@host:port"), empty for direct targets
	HealthURL    string // per-instance probe endpoint
}

// Addr returns the dialable "host:port" address of the target.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Address, strconv.Itoa(t.Port))
}

// Fleet is the resolved view of one environment: the targets to deploy to
// and the settings shared across them.
type Fleet struct {
	Environment     string
	Service         string // systemd unit restarted after transfer
	CachePaths      []string
	Become          bool // run restart steps under sudo
	AggregateURL    string
	Concurrency     int
	CommandTimeout  time.Duration
	TransferTimeout time.Duration
	Health          HealthConfig
	Targets         []Target
}

// Resolve expands the named environment into a Fleet. Unknown names return
// an error wrapping ErrUnknownEnvironment that lists the environments the
// inventory does know.
func (c *Config) Resolve(envName string) (*Fleet, error) {
	env, ok := c.Environments[envName]
	if !ok {
		available := make([]string, 0, len(c.Environments))
		for name := range c.Environments {
			available = append(available, name)
		}
		sort.Strings(available)
		if len(available) == 0 {
			return nil, fmt.Errorf("%w %q (no environments defined)", ErrUnknownEnvironment, envName)
		}
		return nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownEnvironment, envName, strings.Join(available, ", "))
	}

	health := env.Health.merged(c.Defaults.Health)

	fleet := &Fleet{
		Environment:     envName,
		Service:         env.Service,
		CachePaths:      env.CachePaths,
		Become:          env.Become,
		AggregateURL:    env.HealthURL,
		Concurrency:     c.Defaults.Concurrency,
		CommandTimeout:  c.Defaults.CommandTimeout.Duration,
		TransferTimeout: c.Defaults.TransferTimeout.Duration,
		Health:          health,
		Targets:         make([]Target, 0, len(env.Targets)),
	}

	seen := make(map[string]bool, len(env.Targets))
	for _, spec := range env.Targets {
		target := resolveTarget(spec, env, c.Defaults, health)
		if seen[target.Name] {
			return nil, fmt.Errorf("environment %q: duplicate target %q", envName, target.Name)
		}
		seen[target.Name] = true
		fleet.Targets = append(fleet.Targets, target)
	}

	return fleet, nil
}

// resolveTarget layers a target spec over its environment and the defaults,
// then consults ~/.ssh/config for anything still missing.
func resolveTarget(spec TargetSpec, env Environment, def Defaults, health HealthConfig) Target {
	t := Target{
		Name:         spec.Label(),
		Address:      spec.Address,
		Port:         spec.Port,
		User:         firstNonEmpty(spec.User, env.User, def.User),
		IdentityFile: firstNonEmpty(spec.IdentityFile, env.IdentityFile, def.IdentityFile),
		RemoteRoot:   firstNonEmpty(spec.RemoteRoot, env.RemoteRoot, def.RemoteRoot),
		Via:          spec.Via,
	}

	mergeSSHConfig(&t)

	if t.Port == 0 {
		t.Port = 22
	}
	if t.IdentityFile != "" {
		t.IdentityFile = pathutil.ExpandHome(t.IdentityFile)
	}

	healthPort := health.Port
	if spec.HealthPort != 0 {
		healthPort = spec.HealthPort
	}
	healthPath := health.Path
	if spec.HealthPath != "" {
		healthPath = spec.HealthPath
	}
	t.HealthURL = probeURL(t.Address, healthPort, healthPath)

	return t
}

// mergeSSHConfig reads ~/.ssh/config and fills in User, Port, IdentityFile,
// Via, and the real hostname for the target if they are not already set.
// Lookups use the inventory address, which may be an SSH host alias.
func mergeSSHConfig(t *Target) {
	lookup := t.Address

	if hostname := sshConfigGet(lookup, "HostName"); hostname != "" && hostname != lookup {
		t.Address = hostname
	}

	if t.User == "" {
		if user := sshConfigGet(lookup, "User"); user != "" {
			t.User = user
		}
	}

	if t.Port == 0 {
		if portStr := sshConfigGet(lookup, "Port"); portStr != "" {
			if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
				t.Port = port
			}
		}
	}

	if t.IdentityFile == "" {
		if identity := sshConfigGet(lookup, "IdentityFile"); identity != "" {
			expanded := pathutil.ExpandHome(identity)
			if _, err := os.Stat(expanded); err == nil {
				t.IdentityFile = expanded
			}
		}
	}

	if t.Via == "" {
		if proxy := sshConfigGet(lookup, "ProxyJump"); proxy != "" {
			t.Via = proxy
		}
	}
}

// sshConfigGet looks up a key for a host in the user's SSH config.
func sshConfigGet(hostname, key string) string {
	val, err := ssh_config.GetStrict(hostname, key)
	if err != nil {
		return ""
	}
	return val
}

// probeURL builds the HTTP endpoint probed after a restart.
func probeURL(address string, port int, probePath string) string {
	if probePath == "" {
		probePath = "/"
	}
	if !strings.HasPrefix(probePath, "/") {
		probePath = "/" + probePath
	}
	hostport := net.JoinHostPort(address, strconv.Itoa(port))
	return "http://" + hostport + probePath
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Limit returns a copy of the fleet containing only targets whose name or
// address matches at least one of the glob patterns. An empty pattern list
// returns the fleet unchanged.
func (f *Fleet) Limit(patterns []string) (*Fleet, error) {
	if len(patterns) == 0 {
		return f, nil
	}

	matched := make([]Target, 0, len(f.Targets))
	for _, t := range f.Targets {
		ok, err := matchesAny(t, patterns)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, t)
		}
	}

	if len(matched) == 0 {
		return nil, fmt.Errorf("no targets in %q match %v", f.Environment, patterns)
	}

	limited := *f
	limited.Targets = matched
	return &limited, nil
}

func matchesAny(t Target, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		for _, candidate := range []string{t.Name, t.Address} {
			ok, err := path.Match(pattern, candidate)
			if err != nil {
				return false, fmt.Errorf("invalid target pattern %q: %w", pattern, err)
			}
			if ok {
				return true, nil
			}
		}
	}
	return false, nil
}
