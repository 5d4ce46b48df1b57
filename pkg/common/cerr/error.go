// Copyright 2025 Cirro Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cerr

import (
	"errors"
	"fmt"
)

const (
	// 0 - 99 is OK. They do not carry info and are never allocated.
	Ok uint16 = 0

	// Group 1: internal errors
	ErrStart        uint16 = 20100
	ErrInternal     uint16 = 20101
	ErrInvalidArg   uint16 = 20102
	ErrInvalidState uint16 = 20103
	ErrInvalidTask  uint16 = 20104

	// Group 2: catalog state
	ErrBadDB       uint16 = 20400
	ErrNoSuchTable uint16 = 20403

	// Group 3: materialized view refresh
	ErrLockTimeout     uint16 = 20600
	ErrUnstableLayout  uint16 = 20601
	ErrExecutionFailed uint16 = 20602
	ErrConcurrentDrop  uint16 = 20603
	ErrInactiveMV      uint16 = 20604
	ErrAnalysisFailed  uint16 = 20605
)

type item struct {
	errorMsgOrFormat string
}

var errorMsgRefer = map[uint16]item{
	ErrInternal:     {"internal error: %s"},
	ErrInvalidArg:   {"invalid argument %s, bad value %v"},
	ErrInvalidState: {"invalid state %s"},
	ErrInvalidTask:  {"invalid task, task runner %s, id %d"},

	ErrBadDB:       {"invalid database %s"},
	ErrNoSuchTable: {"no such table %s.%s"},

	ErrLockTimeout:     {"failed to lock %s within %dms"},
	ErrUnstableLayout:  {"base table partition layout of %s kept changing after %d attempts"},
	ErrExecutionFailed: {"refresh execution failed: %s"},
	ErrConcurrentDrop:  {"%s has been dropped concurrently"},
	ErrInactiveMV:      {"materialized view %s is not active: %s"},
	ErrAnalysisFailed:  {"analysis failed: %s"},
}

// Error carries a stable numeric code so that retry policies can dispatch on
// the kind of failure instead of matching message strings.
type Error struct {
	code    uint16
	message string
}

func newError(code uint16, args ...any) *Error {
	it, ok := errorMsgRefer[code]
	if !ok {
		panic(fmt.Sprintf("missing error code: %d", code))
	}
	if len(args) == 0 {
		return &Error{code: code, message: it.errorMsgOrFormat}
	}
	return &Error{code: code, message: fmt.Sprintf(it.errorMsgOrFormat, args...)}
}

func (e *Error) Error() string {
	return e.message
}

func (e *Error) ErrorCode() uint16 {
	return e.code
}

// IsErrCode reports whether e is a cerr error carrying the given code.
func IsErrCode(e error, rc uint16) bool {
	if e == nil {
		return rc == Ok
	}
	var me *Error
	if !errors.As(e, &me) {
		return false
	}
	return me.code == rc
}

func NewInternalError(msg string, args ...any) *Error {
	return newError(ErrInternal, fmt.Sprintf(msg, args...))
}

func NewInvalidArg(arg string, value any) *Error {
	return newError(ErrInvalidArg, arg, value)
}

func NewInvalidState(msg string, args ...any) *Error {
	return newError(ErrInvalidState, fmt.Sprintf(msg, args...))
}

func NewInvalidTask(runner string, id uint64) *Error {
	return newError(ErrInvalidTask, runner, id)
}

func NewBadDB(name string) *Error {
	return newError(ErrBadDB, name)
}

func NewNoSuchTable(db, table string) *Error {
	return newError(ErrNoSuchTable, db, table)
}

func NewLockTimeout(target string, timeoutMs int64) *Error {
	return newError(ErrLockTimeout, target, timeoutMs)
}

func NewUnstableLayout(table string, attempts int) *Error {
	return newError(ErrUnstableLayout, table, attempts)
}

func NewExecutionFailed(msg string, args ...any) *Error {
	return newError(ErrExecutionFailed, fmt.Sprintf(msg, args...))
}

func NewConcurrentDrop(target string) *Error {
	return newError(ErrConcurrentDrop, target)
}

func NewInactiveMV(name, reason string) *Error {
	return newError(ErrInactiveMV, name, reason)
}

func NewAnalysisFailed(msg string, args ...any) *Error {
	return newError(ErrAnalysisFailed, fmt.Sprintf(msg, args...))
}
