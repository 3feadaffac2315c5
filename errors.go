package alohacdm

import "errors"

var (
	errNotSupported = errors.New("Not supported") // "can't do" items
	errClosed       = errors.New("Module closed")
)
