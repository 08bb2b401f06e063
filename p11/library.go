package p11

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/p11scan", "p11")

// ModuleEnv is the environment variable consulted when no module path is given
const ModuleEnv = "PKCS11_MODULE"

// DefaultModulePaths are probed in order when neither a path
// nor the PKCS11_MODULE environment variable is provided
var DefaultModulePaths = []string{
	"/usr/lib/softhsm/libsofthsm2.so",
	"/usr/lib/x86_64-linux-gnu/softhsm/libsofthsm2.so",
	"/usr/local/lib/softhsm/libsofthsm2.so",
	"/opt/homebrew/lib/softhsm/libsofthsm2.so",
	"/usr/lib/x86_64-linux-gnu/opensc-pkcs11.so",
	"/usr/lib/opensc-pkcs11.so",
	"/usr/local/lib/opensc-pkcs11.so",
	"/usr/lib/x86_64-linux-gnu/p11-kit-proxy.so",
}

// Library is a Module backed by a PKCS#11 shared library
type Library struct {
	*pkcs11.Ctx

	path    string
	watcher *slotWatcher
}

// Discover returns the location of the default provider library
func Discover() (string, error) {
	if p := os.Getenv(ModuleEnv); p != "" {
		return p, nil
	}
	for _, p := range DefaultModulePaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", errors.WithStack(ErrModuleNotFound)
}

// Load loads and initializes the provider library at path.
// If path is empty, the library is located with Discover.
func Load(path string) (*Library, error) {
	if path == "" {
		var err error
		if path, err = Discover(); err != nil {
			return nil, err
		}
	}

	ctx := pkcs11.New(path)
	if ctx == nil {
		return nil, errors.Errorf("unable to load PKCS#11 module: %s", path)
	}

	if err := ctx.Initialize(); err != nil {
		if code, _ := Code(err); code != pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED {
			ctx.Destroy()
			return nil, errors.WithMessagef(err, "failed to initialize PKCS#11 module: %s", path)
		}
		logger.KV(xlog.DEBUG, "reason", "already_initialized", "module", path)
	}

	logger.KV(xlog.INFO, "status", "loaded", "module", path)

	lib := &Library{
		Ctx:  ctx,
		path: path,
	}
	lib.watcher = newSlotWatcher(lib)
	return lib, nil
}

// Path returns the location of the loaded library
func (l *Library) Path() string {
	return l.path
}

// WaitSlotEvent returns the ID of the next slot whose token presence changed
func (l *Library) WaitSlotEvent(nonBlocking bool) (uint, error) {
	return l.watcher.Next(nonBlocking)
}

// Close finalizes and unloads the library
func (l *Library) Close() error {
	if l.Ctx == nil {
		return nil
	}
	err := l.Ctx.Finalize()
	l.Ctx.Destroy()
	l.Ctx = nil
	if err != nil {
		return errors.WithMessagef(err, "failed to finalize PKCS#11 module: %s", l.path)
	}
	logger.KV(xlog.INFO, "status", "closed", "module", l.path)
	return nil
}

// blockingPollInterval is the re-poll period of a blocking WaitSlotEvent
var blockingPollInterval = 100 * time.Millisecond
