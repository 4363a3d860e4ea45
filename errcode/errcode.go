package errcode

// Code is a stable error identifier, published on the bus and used as a
// metrics label. It is a string newtype, comparable, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK            Code = "ok"
	IO            Code = "io"
	Integrity     Code = "integrity"
	InvalidParams Code = "invalid_params"
	InvalidConfig Code = "invalid_config"
	Exhausted     Code = "exhausted"
	TooSoon       Code = "too_soon"
	Timeout       Code = "timeout"

	Error Code = "error" // generic fallback
)

// E keeps the operation and the cause next to a Code.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Wrap returns nil for a nil err, otherwise err classified under c.
func Wrap(c Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &E{C: c, Op: op, Err: err}
}

// Of extracts a Code from an error chain, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	type coder interface{ Code() Code }
	for err != nil {
		if c, ok := err.(Code); ok {
			return c
		}
		if x, ok := err.(coder); ok {
			return x.Code()
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return Error
}

// Retryable reports whether a transport failure may be retried by the caller.
func Retryable(err error) bool {
	switch Of(err) {
	case IO, Integrity, Timeout:
		return true
	}
	return false
}
