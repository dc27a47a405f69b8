// Package smrerr classifies errors produced while handling inbound
// messages. Handlers return a plain error; the driver extracts its
// Class to decide whether to log-and-drop, log-and-continue, or treat
// the failure as fatal.
package smrerr

import "fmt"

// Class is the error-handling category of a failure.
type Class uint8

const (
	// ClassUnknown is the class of a plain error with no annotation,
	// treated the same as Warn by the driver.
	ClassUnknown Class = iota
	// ClassDebug covers old/duplicate/too-far-future messages: silently
	// discarded, not even logged at warn level.
	ClassDebug
	// ClassWarn covers recoverable failures such as a failed fetch or a
	// block that is ahead of local execution.
	ClassWarn
	// ClassNet covers transport-layer failures on non-critical paths.
	ClassNet
	// ClassByzantine covers signature/hash/proof failures attributable
	// to a specific validator; the message is dropped and the sender's
	// suspected-byzantine tally is incremented.
	ClassByzantine
	// ClassLocal covers safety-critical local failures where the driver
	// cannot continue while remaining crash-safe, such as a WAL write
	// failure: the driver logs and panics rather than proceeding with an
	// unaccounted-for state transition.
	ClassLocal
)

func (c Class) String() string {
	switch c {
	case ClassDebug:
		return "debug"
	case ClassWarn:
		return "warn"
	case ClassNet:
		return "net"
	case ClassByzantine:
		return "byzantine"
	case ClassLocal:
		return "local"
	default:
		return "unknown"
	}
}

// classified wraps an error with its Class.
type classified struct {
	class Class
	err   error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Debug wraps err as a debug-class error.
func Debug(err error) error { return &classified{class: ClassDebug, err: err} }

// Warn wraps err as a warn-class error.
func Warn(err error) error { return &classified{class: ClassWarn, err: err} }

// Net wraps err as a net-class error.
func Net(err error) error { return &classified{class: ClassNet, err: err} }

// Byzantine wraps err as a byzantine-class error.
func Byzantine(err error) error { return &classified{class: ClassByzantine, err: err} }

// Local wraps err as a local-class (safety-critical) error.
func Local(err error) error { return &classified{class: ClassLocal, err: err} }

// Debugf is a convenience wrapper combining fmt.Errorf and Debug.
func Debugf(format string, args ...any) error { return Debug(fmt.Errorf(format, args...)) }

// Byzantinef is a convenience wrapper combining fmt.Errorf and Byzantine.
func Byzantinef(format string, args ...any) error { return Byzantine(fmt.Errorf(format, args...)) }

// ClassOf extracts the Class of err, defaulting to ClassUnknown if err
// was never wrapped by this package.
func ClassOf(err error) Class {
	if c, ok := err.(*classified); ok {
		return c.class
	}
	return ClassUnknown
}
