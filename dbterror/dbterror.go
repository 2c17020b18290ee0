// Copyright 2021 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dbterror classes the module's errno codes into typed, wrapped
// errors built on github.com/pingcap/errors, the way upstream's
// util/dbterror/plannererrors package classes optimizer errors with
// dbterror.ClassOptimizer.NewStd(errno.ErrXxx).
package dbterror

import (
	"fmt"

	"github.com/pingcap/errors"

	"github.com/pingcap/tidb/memtracker/errno"
)

// ErrClass groups related error codes for reporting and filtering.
type ErrClass string

// Error classes used by the module.
const (
	// ClassMemory covers the hierarchical memory accounting subsystem.
	ClassMemory ErrClass = "memory"
)

// Error is a classed, coded error. It implements the standard error
// interface and carries the class/code pair so callers can classify a
// failure programmatically instead of matching on message text.
type Error struct {
	class ErrClass
	code  int
	msg   string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.msg
}

// Class returns the error's class.
func (e *Error) Class() ErrClass {
	return e.class
}

// Code returns the error's numeric code.
func (e *Error) Code() int {
	return e.code
}

// NewStd creates an *Error for code using the message template registered
// in errno.MySQLErrName, with args interpolated via fmt.Sprintf.
func (ec ErrClass) NewStd(code int, args ...any) *Error {
	tmpl, ok := errno.MySQLErrName[code]
	if !ok {
		tmpl = fmt.Sprintf("unknown error code %d", code)
	}
	return &Error{
		class: ec,
		code:  code,
		msg:   fmt.Sprintf(tmpl, args...),
	}
}

// GenWithStackByArgs behaves like NewStd but also traces a stack via
// pingcap/errors, matching the upstream terror idiom for errors that will
// be logged rather than just returned.
func (ec ErrClass) GenWithStackByArgs(code int, args ...any) error {
	return errors.WithStack(ec.NewStd(code, args...))
}
