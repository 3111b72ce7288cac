package factory

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/mail-delivery-service/internal/logger"
	"github.com/example/mail-delivery-service/internal/models"
	emaildriver "github.com/example/mail-delivery-service/internal/providers/email"
)

var aliases = map[string]string{
	"mail":        models.DriverNativeMail,
	"sendmail":    models.DriverNativeMail,
	"native_mail": models.DriverNativeMail,
}

// Options carries per-driver construction options for NewRegistry.
type Options struct {
	SMTP       []emaildriver.SMTPOption
	NativeMail []emaildriver.NativeMailOption
	Postmark   []emaildriver.PostmarkOption
}

// Registry maps normalised driver names to drivers. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]emaildriver.Driver
}

// NewRegistry builds the registry of every built-in driver. All drivers
// share mailLog.
func NewRegistry(log zerolog.Logger, mailLog *logger.MailLog, opts Options) *Registry {
	log = logger.Component(log, "driver-registry")

	r := &Registry{drivers: make(map[string]emaildriver.Driver)}
	r.Register(emaildriver.NewLogDriver(mailLog))
	r.Register(emaildriver.NewNativeMailDriver(log, mailLog, opts.NativeMail...))
	r.Register(emaildriver.NewSMTPDriver(log, mailLog, opts.SMTP...))
	r.Register(emaildriver.NewPostmarkDriver(log, mailLog, opts.Postmark...))

	log.Debug().
		Strs("drivers", r.Names()).
		Msg("mail drivers initialised")
	return r
}

// Register adds d under its normalised name, replacing any previous driver
// with that name.
func (r *Registry) Register(d emaildriver.Driver) {
	if d == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.drivers == nil {
		r.drivers = make(map[string]emaildriver.Driver)
	}
	r.drivers[Normalize(d.Name())] = d
}

// Lookup returns the driver registered for name after normalisation.
func (r *Registry) Lookup(name string) (emaildriver.Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[Normalize(name)]
	return d, ok
}

// Names lists the registered driver names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Normalize trims and lowercases name and resolves configuration aliases.
func Normalize(name string) string {
	value := normalize(name, "")
	if canonical, ok := aliases[value]; ok {
		return canonical
	}
	return value
}

func normalize(value, def string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return def
	}
	return value
}
