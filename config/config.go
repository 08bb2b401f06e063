// Package config provides the configuration of token scans and monitors.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11scan/keyusage"
	"github.com/effective-security/p11scan/p11uri"
	"github.com/effective-security/p11scan/scanner"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
	"github.com/jinzhu/copier"
	"gopkg.in/yaml.v3"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11scan", "config")

const (
	// DefaultRefreshInterval is the default poll interval of monitors
	DefaultRefreshInterval = time.Second
	// DefaultListen is the default address of the event feed
	DefaultListen = "localhost:7511"
)

// Config holds the scan configuration
type Config struct {
	// ModulePath is the location of the PKCS#11 library.
	// If empty, the library is discovered.
	ModulePath string `json:"module_path,omitempty" yaml:"module_path"`
	// Pin is a secret to access the tokens.
	// If it's prefixed with `file:`, then it will be loaded from the file,
	// if it's prefixed with `env:`, then it will be loaded from the environment variable.
	Pin string `json:"pin,omitempty" yaml:"pin"`
	// RefreshInterval is the sleep between polls without slot events, e.g. "2s"
	RefreshInterval string `json:"refresh_interval,omitempty" yaml:"refresh_interval"`
	// Scanner is one of basic, card or certificate
	Scanner string `json:"scanner,omitempty" yaml:"scanner"`
	// URI enables URI annotation of scan trees
	URI bool `json:"uri,omitempty" yaml:"uri"`
	// IgnoreParents lists URI contexts excluded from URI paths
	IgnoreParents []string `json:"ignore_parents,omitempty" yaml:"ignore_parents"`
	// KeyUsage is the key usage policy of the certificate scanner
	KeyUsage []string `json:"key_usage,omitempty" yaml:"key_usage"`
	// IncludeCertificate adds DER certificates to certificate records
	IncludeCertificate bool `json:"include_certificate,omitempty" yaml:"include_certificate"`
	// Listen is the address of the event feed
	Listen string `json:"listen,omitempty" yaml:"listen"`
}

// Load returns configuration loaded from a file
func Load(filename string) (*Config, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	cfg := new(Config)
	if strings.HasSuffix(filename, ".json") {
		err = json.Unmarshal(b, cfg)
	} else {
		err = yaml.Unmarshal(b, cfg)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to decode file: %s", filename)
	}

	cfg.Pin, err = ResolvePin(cfg.Pin, filepath.Dir(filename))
	if err != nil {
		return nil, errors.WithMessagef(err, "unable to load PIN for configuration: %s", filename)
	}

	if err = cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid configuration: %s", filename)
	}
	return cfg, nil
}

// Validate returns error if the configuration has invalid values
func (c *Config) Validate() error {
	if _, err := c.Interval(); err != nil {
		return err
	}
	if _, err := c.Kind(); err != nil {
		return err
	}
	if _, err := c.IgnoreContexts(); err != nil {
		return err
	}
	if _, err := c.ScannerOptions(); err != nil {
		return err
	}
	return nil
}

// Interval returns the poll interval of monitors
func (c *Config) Interval() (time.Duration, error) {
	if c.RefreshInterval == "" {
		return DefaultRefreshInterval, nil
	}
	d, err := time.ParseDuration(c.RefreshInterval)
	if err != nil {
		return 0, errors.WithMessagef(err, "invalid refresh_interval")
	}
	if d <= 0 {
		return 0, errors.Errorf("refresh_interval must be positive: %s", c.RefreshInterval)
	}
	return d, nil
}

// Kind returns the scanner kind
func (c *Config) Kind() (scanner.Kind, error) {
	return scanner.ParseKind(c.Scanner)
}

// ListenAddr returns the address of the event feed
func (c *Config) ListenAddr() string {
	return values.Select(c.Listen != "", c.Listen, DefaultListen)
}

// IgnoreContexts returns the URI contexts excluded from URI paths
func (c *Config) IgnoreContexts() ([]p11uri.Context, error) {
	return p11uri.ParseContexts(c.IgnoreParents)
}

// ScannerOptions returns the options of scanners
func (c *Config) ScannerOptions() (scanner.Options, error) {
	var opts scanner.Options
	if err := copier.Copy(&opts, c); err != nil {
		return opts, errors.WithStack(err)
	}
	policy, err := keyusage.ParsePolicy(c.KeyUsage)
	if err != nil {
		return opts, err
	}
	opts.Filter = policy
	return opts, nil
}

// ResolvePin returns the PIN value of `file:` and `env:` references
func ResolvePin(pin, baseDir string) (string, error) {
	switch {
	case strings.HasPrefix(pin, "env:"):
		name := pin[4:]
		val, ok := os.LookupEnv(name)
		if !ok {
			return "", errors.Errorf("environment variable not set: %s", name)
		}
		return val, nil
	case strings.HasPrefix(pin, "file:"):
		pinfile := pin[5:]

		// try to resolve pin file
		cwd, _ := os.Getwd()
		folders := []string{
			"",
			cwd,
			baseDir,
		}
		for _, folder := range folders {
			if resolved, err := resolve(pinfile, folder); err == nil {
				pinfile = resolved
				break
			}
			logger.KV(xlog.DEBUG, "reason", "resolve", "pinfile", pinfile, "basedir", folder)
		}

		pb, err := os.ReadFile(pinfile)
		if err != nil {
			return "", errors.WithStack(err)
		}
		return strings.TrimSpace(string(pb)), nil
	}
	return pin, nil
}

// resolve returns absolute file name relative to baseDir,
// or NotExist error.
func resolve(file string, baseDir string) (resolved string, err error) {
	if file == "" {
		return file, nil
	}
	if filepath.IsAbs(file) {
		resolved = file
	} else if baseDir != "" {
		resolved = filepath.Join(baseDir, file)
	}
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		return resolved, errors.WithMessagef(err, "not found: %v", resolved)
	}
	return resolved, nil
}
