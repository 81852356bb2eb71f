// Copyright 2021 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package linuxerr contains the error codes used by the memory subsystem,
// exported as *errors.Error pointers. This allows for fast comparison and
// return operations comparable to unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"vmmap.dev/vmmap/pkg/errors"
)

// The following errors are semantically identical to the unix.Errno of the
// same name. Since the types are distinct they are not directly comparable,
// but Errno returns a number that is (e.g. EFAULT.Errno() == unix.EFAULT).
var (
	noError *errors.Error = nil
	ENOENT                = errors.New(unix.ENOENT, "no such file or directory")
	ENOMEM                = errors.New(unix.ENOMEM, "out of memory")
	EACCES                = errors.New(unix.EACCES, "permission denied")
	EFAULT                = errors.New(unix.EFAULT, "bad address")
	EBUSY                 = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST                = errors.New(unix.EEXIST, "file exists")
	EINVAL                = errors.New(unix.EINVAL, "invalid argument")
	ERANGE                = errors.New(unix.ERANGE, "math result not representable")
)

var errorMap = map[unix.Errno]*errors.Error{
	unix.ENOENT: ENOENT,
	unix.ENOMEM: ENOMEM,
	unix.EACCES: EACCES,
	unix.EFAULT: EFAULT,
	unix.EBUSY:  EBUSY,
	unix.EEXIST: EEXIST,
	unix.EINVAL: EINVAL,
	unix.ERANGE: ERANGE,
}

// ErrorFromUnix returns a linuxerr from a unix.Errno. Errnos that the memory
// subsystem never produces are returned unchanged.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	if e, ok := errorMap[err]; ok {
		return e
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	return unixErr
}

// Equals compares a linuxerr to a given error. Wrapped errors are unwrapped
// until a match is found.
func Equals(e *errors.Error, err error) bool {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	if err == nil {
		return e == noError
	}
	for ; err != nil; err = goerrors.Unwrap(err) {
		if ee, ok := err.(*errors.Error); ok && ee == e {
			return true
		}
		if ue, ok := err.(unix.Errno); ok && ue == unixErr {
			return true
		}
	}
	return false
}
