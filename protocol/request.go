package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"waveserver/channel"
	"waveserver/wire"
)

// ErrMalformed is wrapped by every RequestError caused by bad input.
var ErrMalformed = errors.New("protocol: malformed request")

// RequestError is a problem with one request. The session answers it with an
// error line and keeps the connection open.
type RequestError struct {
	ReqID string
	Msg   string
	Err   error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *RequestError) Unwrap() error {
	if e.Err == nil {
		return ErrMalformed
	}
	return errors.Join(ErrMalformed, e.Err)
}

func malformed(reqID, format string, args ...any) *RequestError {
	return &RequestError{ReqID: reqID, Msg: fmt.Sprintf(format, args...)}
}

// Request is one parsed command line.
type Request struct {
	Command string
	ID      string
	Args    []string
}

// ParseRequest splits a command line. The command is upper-cased and a
// trailing colon ("MENU:") is dropped; every command carries a request id
// as its first argument.
func ParseRequest(line string) (Request, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Request{}, malformed("", "empty request")
	}
	cmd := strings.ToUpper(strings.TrimSuffix(fields[0], ":"))
	if len(fields) < 2 {
		return Request{Command: cmd}, malformed("", "%s: missing request id", cmd)
	}
	return Request{Command: cmd, ID: fields[1], Args: fields[2:]}, nil
}

// want checks the argument count is within [min, max].
func (r Request) want(min, max int, usage string) error {
	if len(r.Args) < min || len(r.Args) > max {
		return malformed(r.ID, "usage: %s %s", r.Command, usage)
	}
	return nil
}

// window parses the start and end arguments at args[i], args[i+1].
func (r Request) window(i int) (time.Time, time.Duration, error) {
	start, err := wire.ParseTime(r.Args[i])
	if err != nil {
		return time.Time{}, 0, &RequestError{ReqID: r.ID, Msg: "bad start time", Err: err}
	}
	end, err := wire.ParseTime(r.Args[i+1])
	if err != nil {
		return time.Time{}, 0, &RequestError{ReqID: r.ID, Msg: "bad end time", Err: err}
	}
	if end.Before(start) {
		return time.Time{}, 0, malformed(r.ID, "end %s before start %s", r.Args[i+1], r.Args[i])
	}
	return start, end.Sub(start), nil
}

// scnl parses sta, cha, net and, when withLoc is set, loc starting at args[i].
func (r Request) scnl(i int, withLoc bool) (channel.ID, error) {
	loc := ""
	if withLoc {
		loc = r.Args[i+3]
	}
	id, err := channel.New(r.Args[i], r.Args[i+1], r.Args[i+2], loc)
	if err != nil {
		return channel.ID{}, &RequestError{ReqID: r.ID, Msg: "bad channel", Err: err}
	}
	return id, nil
}
