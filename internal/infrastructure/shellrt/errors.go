package shellrt

import "errors"

var (
	errEmptyArgv           = errors.New("shellrt: empty argument payload")
	errMissingCommandField = errors.New("shellrt: no command field in arguments")

	// ErrUnknownSession is returned by write_stdin/exec_command against a
	// session id that was never opened or has already terminated.
	ErrUnknownSession = errors.New("shellrt: unknown session id")

	// ErrSessionTableFull is returned when exec_command would exceed the
	// 64-session cap.
	ErrSessionTableFull = errors.New("shellrt: session table full")
)
