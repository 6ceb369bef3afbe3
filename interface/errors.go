package iface

import "errors"

var (
	ErrNotFound    = errors.New("not found")
	ErrParse       = errors.New("parse error")
	ErrIO          = errors.New("io error")
	ErrFormat      = errors.New("format error")
	ErrUnsupported = errors.New("unsupported by engine")
)
