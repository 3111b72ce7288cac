package smtpwire

import (
	"context"
	"fmt"
	"strings"
)

// Outcome summarises a full dialogue.
type Outcome struct {
	Sent       bool
	Err        error
	Warnings   []error
	Code       int
	Transcript string
	Steps      []StepResult
}

// Deliver runs one complete dialogue against opts: connect, greet, EHLO,
// optional STARTTLS and AUTH LOGIN, envelope, DATA and QUIT. It never
// panics on network failures; every problem ends up in the Outcome. The
// connection is closed before Deliver returns.
func Deliver(ctx context.Context, opts Options, from, to string, msg []byte) (out Outcome) {
	opts = opts.withDefaults()

	sess, err := Dial(ctx, opts)
	if err != nil {
		out.Err = err
		out.Steps = append(out.Steps, StepResult{Step: StepConnect, Err: err})
		return out
	}
	defer func() {
		_ = sess.Close()
		out.Transcript = sess.Transcript()
		out.Sent = out.Err == nil
	}()
	out.Steps = append(out.Steps, StepResult{Step: StepConnect, OK: true})

	record := func(r StepResult) StepResult {
		out.Steps = append(out.Steps, r)
		if r.Code != 0 {
			out.Code = r.Code
		}
		return r
	}
	flag := func(err error) {
		if out.Err == nil {
			out.Err = err
			return
		}
		out.Err = fmt.Errorf("%w; %w", out.Err, err)
	}
	abort := func(err error) Outcome {
		flag(err)
		if !sess.broken {
			record(sess.Quit(ctx))
		}
		return out
	}

	if r := record(sess.Greet(ctx)); r.Err != nil {
		return abort(r.Err)
	}
	if r := record(sess.Hello(ctx)); r.Err != nil {
		return abort(r.Err)
	}

	if opts.Encryption == EncryptionTLS {
		r := record(sess.StartTLS(ctx))
		switch {
		case r.OK:
			if r := record(sess.Hello(ctx)); r.Err != nil {
				return abort(r.Err)
			}
		case sess.broken || opts.StrictTLS:
			return abort(r.Err)
		default:
			out.Warnings = append(out.Warnings, r.Err)
		}
	}

	if opts.Username != "" && opts.Password != "" {
		r := record(sess.Auth(ctx, opts.Username, opts.Password))
		if r.Err != nil {
			if sess.broken || opts.StrictAuth {
				return abort(r.Err)
			}
			flag(r.Err)
		}
	}

	envelope := []func() StepResult{
		func() StepResult { return sess.MailFrom(ctx, from) },
		func() StepResult { return sess.RcptTo(ctx, to) },
	}
	for _, step := range envelope {
		r := record(step())
		if r.Err == nil {
			continue
		}
		if sess.broken || opts.StrictEnvelope {
			return abort(r.Err)
		}
		out.Warnings = append(out.Warnings, r.Err)
	}

	if r := record(sess.Data(ctx, msg)); r.Err != nil {
		return abort(r.Err)
	}

	record(sess.Quit(ctx))
	return out
}

// Summary renders the outcome on one line for logs.
func (o Outcome) Summary() string {
	steps := make([]string, 0, len(o.Steps))
	for _, s := range o.Steps {
		mark := "ok"
		if !s.OK {
			mark = "fail"
		}
		if s.Code != 0 {
			steps = append(steps, fmt.Sprintf("%s=%s(%d)", s.Step, mark, s.Code))
			continue
		}
		steps = append(steps, fmt.Sprintf("%s=%s", s.Step, mark))
	}
	return strings.Join(steps, " ")
}
