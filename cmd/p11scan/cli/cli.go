package cli

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11scan/config"
	"github.com/effective-security/p11scan/p11"
	"github.com/effective-security/p11scan/p11uri"
	"github.com/effective-security/p11scan/scanner"
	"github.com/effective-security/p11scan/x/ctl"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11scan", "cli")

// Loader loads the PKCS#11 library at path
type Loader func(path string) (p11.Module, error)

// Cli provides CLI context to run commands
type Cli struct {
	PrintVersion ctl.VersionFlag `name:"version" help:"Print version information and quit" hidden:""`

	Cfg      string `help:"Location of the scan config file" type:"path"`
	Module   string `short:"m" help:"Location of the PKCS#11 library, discovered if not set"`
	Pin      string `help:"PIN of the tokens, may be prefixed with file: or env:"`
	Debug    bool   `short:"D" help:"Enable debug mode"`
	LogLevel string `short:"l" help:"Set the logging level (debug|info|warn|error)" default:"error"`

	// Output is the destination for all output from the command, typically set to os.Stdout
	output io.Writer
	// ErrOutput is the destinaton for errors.
	// If not set, errors will be written to os.StdError
	errOutput io.Writer

	ctx    context.Context
	loader Loader
}

// Context for requests
func (c *Cli) Context() context.Context {
	if c.ctx == nil {
		c.ctx = context.Background()
	}
	return c.ctx
}

// WithContext allows to specify a custom context
func (c *Cli) WithContext(ctx context.Context) *Cli {
	c.ctx = ctx
	return c
}

// Writer returns a writer for control output
func (c *Cli) Writer() io.Writer {
	if c.output != nil {
		return c.output
	}
	return os.Stdout
}

// WithWriter allows to specify a custom writer
func (c *Cli) WithWriter(out io.Writer) *Cli {
	c.output = out
	return c
}

// ErrWriter returns a writer for control output
func (c *Cli) ErrWriter() io.Writer {
	if c.errOutput != nil {
		return c.errOutput
	}
	return os.Stderr
}

// WithErrWriter allows to specify a custom error writer
func (c *Cli) WithErrWriter(out io.Writer) *Cli {
	c.errOutput = out
	return c
}

// WithLoader allows to specify a custom PKCS#11 loader
func (c *Cli) WithLoader(loader Loader) *Cli {
	c.loader = loader
	return c
}

// AfterApply hook sets the log level
func (c *Cli) AfterApply(app *kong.Kong, vars kong.Vars) error {
	if c.Debug {
		xlog.SetGlobalLogLevel(xlog.DEBUG)
	} else {
		val := strings.TrimLeft(c.LogLevel, "=")
		l, err := xlog.ParseLevel(strings.ToUpper(val))
		if err != nil {
			return errors.WithStack(err)
		}
		xlog.SetGlobalLogLevel(l)
	}

	return nil
}

// WriteJSON prints response to out
func (c *Cli) WriteJSON(value any) error {
	return ctl.WriteJSON(c.Writer(), value)
}

// Config returns the configuration loaded from --cfg,
// with --module and --pin applied
func (c *Cli) Config() (*config.Config, error) {
	cfg := new(config.Config)
	if c.Cfg != "" {
		var err error
		cfg, err = config.Load(c.Cfg)
		if err != nil {
			return nil, err
		}
	}
	if c.Module != "" {
		cfg.ModulePath = c.Module
	}
	if c.Pin != "" {
		pin, err := config.ResolvePin(c.Pin, "")
		if err != nil {
			return nil, errors.WithMessage(err, "unable to load PIN")
		}
		cfg.Pin = pin
	}
	return cfg, nil
}

// LoadModule loads the PKCS#11 library at path
func (c *Cli) LoadModule(path string) (p11.Module, error) {
	if c.loader != nil {
		return c.loader(path)
	}
	lib, err := p11.Load(path)
	if err != nil {
		return nil, err
	}
	return lib, nil
}

// ScanFlags override the scan settings of the config file
type ScanFlags struct {
	Scanner     string   `short:"s" help:"Scanner strategy (basic|card|certificate)"`
	URI         *bool    `name:"uri" help:"Annotate the tree with PKCS#11 URIs"`
	Ignore      []string `help:"URI contexts excluded from URI paths (info|slots|token|object)"`
	KeyUsage    []string `name:"key-usage" help:"Required key usage of certificates, e.g. digital_signature or non_repudiation=false"`
	IncludeCert *bool    `name:"include-cert" help:"Include DER certificates in certificate records"`
	ModuleQuery bool     `name:"module-query" help:"Add the module-path attribute to URIs"`
}

func (f *ScanFlags) apply(cfg *config.Config) error {
	if f.Scanner != "" {
		cfg.Scanner = f.Scanner
	}
	if f.URI != nil {
		cfg.URI = *f.URI
	}
	if len(f.Ignore) > 0 {
		cfg.IgnoreParents = f.Ignore
	}
	if len(f.KeyUsage) > 0 {
		cfg.KeyUsage = f.KeyUsage
	}
	if f.IncludeCert != nil {
		cfg.IncludeCertificate = *f.IncludeCert
	}
	return cfg.Validate()
}

// plan returns the scan plan of the configuration with the flags applied
func (f *ScanFlags) plan(c *Cli) (*config.Config, *scanPlan, error) {
	cfg, err := c.Config()
	if err != nil {
		return nil, nil, err
	}
	if err = f.apply(cfg); err != nil {
		return nil, nil, err
	}

	p := &scanPlan{uri: cfg.URI}
	// values are validated by apply
	p.kind, _ = cfg.Kind()
	p.opts, _ = cfg.ScannerOptions()
	p.ignore, _ = cfg.IgnoreContexts()
	if f.ModuleQuery {
		p.modulePath = cfg.ModulePath
	}
	return cfg, p, nil
}

type scanPlan struct {
	kind       scanner.Kind
	opts       scanner.Options
	uri        bool
	ignore     []p11uri.Context
	modulePath string
}

// Scanner returns the tree scanner of the plan over lib
func (p *scanPlan) Scanner(lib p11.Ctx) scanner.TreeScanner {
	s, err := scanner.New(p.kind, lib, p.opts)
	if err != nil {
		logger.Panicf("unable to create scanner: [%v]", err)
	}
	ts := scanner.TreeOf(s)
	if !p.uri {
		return ts
	}
	opts := []p11uri.Option{p11uri.WithIgnore(p.ignore...)}
	if p.modulePath != "" {
		opts = append(opts, p11uri.WithModulePath(p.modulePath))
	}
	return p11uri.New(ts, opts...)
}
