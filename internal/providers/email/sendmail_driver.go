package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/mail-delivery-service/internal/common"
	"github.com/example/mail-delivery-service/internal/config"
	"github.com/example/mail-delivery-service/internal/logger"
	"github.com/example/mail-delivery-service/internal/mimemsg"
	"github.com/example/mail-delivery-service/internal/models"
)

const commandOutputLimit = 512

// CommandRunner runs the local mail submission program with msg on stdin and
// returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements CommandRunner.
func (ExecRunner) Run(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	return cmd.CombinedOutput()
}

// NativeMailOption configures the NativeMailDriver.
type NativeMailOption func(*NativeMailDriver)

// WithCommandRunner swaps the runner used to invoke sendmail.
func WithCommandRunner(r CommandRunner) NativeMailOption {
	return func(d *NativeMailDriver) {
		if r != nil {
			d.runner = r
		}
	}
}

// WithNativeMailClock replaces the clock used for the Date header.
func WithNativeMailClock(now func() time.Time) NativeMailOption {
	return func(d *NativeMailDriver) {
		if now != nil {
			d.now = now
		}
	}
}

// NativeMailDriver hands the message to the host's local mail submission
// program (sendmail compatible).
type NativeMailDriver struct {
	logger   zerolog.Logger
	mailLog  zerolog.Logger
	runner   CommandRunner
	composer mimemsg.Composer
	now      func() time.Time
}

// NewNativeMailDriver constructs a NativeMailDriver.
func NewNativeMailDriver(log zerolog.Logger, mailLog *logger.MailLog, opts ...NativeMailOption) *NativeMailDriver {
	d := &NativeMailDriver{
		logger:  logger.Component(log, "native-mail-driver"),
		mailLog: mailLog.Logger(),
		runner:  ExecRunner{},
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Name implements Driver.
func (d *NativeMailDriver) Name() string {
	return models.DriverNativeMail
}

// Attempt implements Driver.
func (d *NativeMailDriver) Attempt(ctx context.Context, req models.DeliveryRequest, cfg config.MailConfig) models.DriverAttempt {
	path := strings.TrimSpace(cfg.Sendmail.Path)
	if path == "" {
		return d.fail(req, common.Wrap(common.ErrDriverNotConfigured, errors.New("SENDMAIL_PATH is empty")), nil)
	}

	msg, err := composeMessage(d.composer, req, cfg, d.now())
	if err != nil {
		return d.fail(req, err, nil)
	}

	args := append([]string(nil), cfg.Sendmail.Args...)
	if !hasArg(args, "-t") {
		args = append(args, "--", req.To)
	}

	d.logger.Debug().
		Str("path", path).
		Strs("args", args).
		Int("bytes", len(msg)).
		Msg("invoking local mail submission")

	out, err := d.runner.Run(ctx, path, args, msg)
	if err != nil {
		return d.fail(req, fmt.Errorf("sendmail: %w", err), out)
	}

	d.mailLog.Info().
		Str("driver", models.DriverNativeMail).
		Str("to", req.To).
		Msg("native mail submitted")
	return models.SentAttempt(models.DriverNativeMail)
}

func (d *NativeMailDriver) fail(req models.DeliveryRequest, err error, output []byte) models.DriverAttempt {
	evt := d.mailLog.Warn().
		Str("driver", models.DriverNativeMail).
		Str("to", req.To).
		Str("kind", common.Kind(err)).
		Err(err)
	if len(output) > 0 {
		evt = evt.Str("output", common.TruncateRaw(strings.TrimSpace(string(output)), commandOutputLimit))
	}
	evt.Msg("native mail submission failed")
	return models.FailedAttempt(models.DriverNativeMail, err)
}

func hasArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}
