package autoencrypt

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/samber/lo"
	"github.com/spf13/viper"
)

// Probe names accepted by the accessProbes key.
const (
	ProbeRename  = "rename"
	ProbeStable  = "stable"
	ProbeHandles = "handles"
)

// Config is the resolved configuration of a daemon.
type Config struct {
	Pairs          []WatchedPair
	Passphrase     string
	LogLevel       slog.Level
	LogLocation    string
	EncryptCommand string
	Marker         string
	PollInterval   time.Duration
	AccessTimeout  time.Duration
	AccessProbes   []string
	StableFor      time.Duration
	BatchWindow    time.Duration
	Workers        int
	SuppressTTL    time.Duration
	Ignore         []string
}

// SetDefaults registers the default of every optional key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logLevel", "INFO")
	v.SetDefault("encryptCommand", DefaultEncryptCommand)
	v.SetDefault("encryptedExtension", DefaultMarker)
	v.SetDefault("pollInterval", defaultPollInterval)
	v.SetDefault("accessTimeout", defaultAccessTimeout)
	v.SetDefault("accessProbes", ProbeRename+","+ProbeStable)
	v.SetDefault("stableFor", time.Second)
	v.SetDefault("batchWindow", defaultBatchWindow)
	v.SetDefault("workers", defaultWorkers)
	v.SetDefault("suppressTTL", defaultSuppressTTL)
	v.SetDefault("ignore", "")
}

// LoadConfig reads a Config from v. watchDirN/remoteDirN pairs are read for
// N = 1, 2, ... until both are missing; a watchDirN without remoteDirN, or
// the reverse, is an ErrConfig.
func LoadConfig(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	pairs, err := loadPairs(v)
	if err != nil {
		return nil, err
	}

	passphrase := v.GetString("passphrase")
	if passphrase == "" {
		return nil, fmt.Errorf("%w: passphrase is not set", ErrConfig)
	}

	level, err := ParseLevel(v.GetString("logLevel"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	logLocation := v.GetString("logLocation")
	if logLocation != "" {
		if logLocation, err = homedir.Expand(logLocation); err != nil {
			return nil, fmt.Errorf("%w: logLocation: %v", ErrConfig, err)
		}
	}

	probes := splitList(v.GetString("accessProbes"))
	for _, p := range probes {
		if !lo.Contains([]string{ProbeRename, ProbeStable, ProbeHandles}, p) {
			return nil, fmt.Errorf("%w: unknown access probe %q", ErrConfig, p)
		}
	}

	workers := v.GetInt("workers")
	if workers < 1 {
		return nil, fmt.Errorf("%w: workers must be at least 1", ErrConfig)
	}

	return &Config{
		Pairs:          pairs,
		Passphrase:     passphrase,
		LogLevel:       level,
		LogLocation:    logLocation,
		EncryptCommand: v.GetString("encryptCommand"),
		Marker:         strings.TrimPrefix(v.GetString("encryptedExtension"), "."),
		PollInterval:   v.GetDuration("pollInterval"),
		AccessTimeout:  v.GetDuration("accessTimeout"),
		AccessProbes:   probes,
		StableFor:      v.GetDuration("stableFor"),
		BatchWindow:    v.GetDuration("batchWindow"),
		Workers:        workers,
		SuppressTTL:    v.GetDuration("suppressTTL"),
		Ignore:         splitList(v.GetString("ignore")),
	}, nil
}

func loadPairs(v *viper.Viper) ([]WatchedPair, error) {
	var pairs []WatchedPair
	for i := 1; ; i++ {
		n := strconv.Itoa(i)
		watch := v.GetString("watchDir" + n)
		remote := v.GetString("remoteDir" + n)
		if watch == "" && remote == "" {
			break
		}
		if watch == "" || remote == "" {
			return nil, fmt.Errorf("%w: the number of remote directories does not match the number of watched directories (pair %d)", ErrConfig, i)
		}
		var err error
		if watch, err = homedir.Expand(watch); err != nil {
			return nil, fmt.Errorf("%w: watchDir%d: %v", ErrConfig, i, err)
		}
		if remote, err = homedir.Expand(remote); err != nil {
			return nil, fmt.Errorf("%w: remoteDir%d: %v", ErrConfig, i, err)
		}
		pairs = append(pairs, WatchedPair{LocalDir: watch, RemoteDir: remote})
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: watchDir1 is not set", ErrConfig)
	}
	return pairs, nil
}

// splitList splits a comma separated value, trimming and deduplicating.
func splitList(s string) []string {
	items := lo.Map(strings.Split(s, ","), func(item string, _ int) string {
		return strings.TrimSpace(item)
	})
	return lo.Uniq(lo.Compact(items))
}
