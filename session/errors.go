// Copyright 2022 The stagybee Authors
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

package session

import "fmt"

// ValidationError a malformed or missing request field
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NotFoundError an unknown subscription ID
type NotFoundError struct {
	ID SubscriptionID
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("unknown session id %s", e.ID)
}

// SessionNotFoundError no session runs under the key
type SessionNotFoundError struct {
	Key Key
}

func (e SessionNotFoundError) Error() string {
	return fmt.Sprintf("unknown session %s", e.Key)
}

// UpstreamConnectError the extractor failed to login or follow the roster
type UpstreamConnectError struct {
	Key Key
	Err error
}

func (e UpstreamConnectError) Error() string {
	return fmt.Sprintf("session %s upstream failure: %s", e.Key, e.Err)
}

func (e UpstreamConnectError) Unwrap() error {
	return e.Err
}

// InternalError a failure of the service itself. Fatal only to the operation reporting it.
type InternalError struct {
	Message string
	Err     error
}

func (e InternalError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, e.Err)
}

func (e InternalError) Unwrap() error {
	return e.Err
}
