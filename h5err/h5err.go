// Package h5err provides a mechanism to create or wrap errors with
// information that will aid in reporting them to callers. Every error that
// escapes the reader is an *Error carrying one of the closed set of Kinds
// and, once it crosses the public API, the dataset path it arose from.
package h5err

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
)

// A Kind represents a class of reader error. API layers will typically
// convert these into a domain specific representation; for example, a
// service handler can convert these to status codes.
type Kind int

const (
	Other Kind = iota
	InvalidURL
	OpenFailed
	ShortRead
	Format
	Bounds
	Filter
	Translation
)

func (k Kind) String() string {
	switch k {
	case Other:
		return "other error"
	case InvalidURL:
		return "invalid url"
	case OpenFailed:
		return "open failed"
	case ShortRead:
		return "short read"
	case Format:
		return "malformed or unsupported file"
	case Bounds:
		return "request out of bounds"
	case Filter:
		return "filter failed"
	case Translation:
		return "data translation failed"
	}
	return "unknown error kind"
}

type Error struct {
	Kind    Kind
	Dataset string
	Err     error
}

func pad(b *bytes.Buffer, s string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(s)
}

func (e *Error) Error() string {
	b := &bytes.Buffer{}
	if e.Kind != Other {
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		pad(b, ": ")
		b.WriteString(e.Err.Error())
	}
	if e.Dataset != "" {
		pad(b, " ")
		fmt.Fprintf(b, "(%s)", e.Dataset)
	}
	if b.Len() == 0 {
		return "no error"
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E generates an error from any mix of:
// - a Kind
// - an existing error
// - a string and optional formatting verbs, like fmt.Errorf (including
// support for the `%w` verb).
//
// The string & format verbs must be last in the arguments, if present.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("no args to h5err.E")
	}
	e := &Error{}
	for i, arg := range args {
		switch arg := arg.(type) {
		case Kind:
			e.Kind = arg
		case error:
			e.Err = arg
		case string:
			e.Err = fmt.Errorf(arg, args[i+1:]...)
			return e
		default:
			_, file, line, _ := runtime.Caller(1)
			return fmt.Errorf("unknown type %T value %v in h5err.E call at %v:%v", arg, arg, file, line)
		}
	}
	return e
}

// IsKind reports whether any error in err's chain is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == k {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// WithDataset stamps the dataset path onto the outermost *Error in err's
// chain, wrapping err in a fresh *Error if there is none.
func WithDataset(err error, dataset string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Dataset == "" {
			e.Dataset = dataset
		}
		return err
	}
	return &Error{Dataset: dataset, Err: err}
}
