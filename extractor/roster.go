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

package extractor

import (
	"context"
	"sync"
)

// Person is one participant of a congregation session
type Person struct {
	// ID is the upstream row ID of the participant
	ID int `json:"id"`
	// FamilyName is the participant family name
	FamilyName string `json:"familyName"`
	// GivenName is the participant given name
	GivenName string `json:"givenName"`
	// RequestToSpeak whether the participant raised a hand
	RequestToSpeak bool `json:"requestToSpeak"`
	// Speaking whether the participant microphone is open
	Speaking bool `json:"speaking"`
	// ListenerCount is the number of people listening on this connection
	ListenerCount int `json:"listenerCount"`
	// ListenerType is the upstream connection type
	ListenerType int `json:"listenerType"`
}

// Roster is the ordered list of participants of a session
type Roster struct {
	Names []Person `json:"names"`
}

// Equal deep value comparison. A nil and an empty roster are equal.
func (r Roster) Equal(other Roster) bool {
	if len(r.Names) != len(other.Names) {
		return false
	}
	for idx, person := range r.Names {
		if person != other.Names[idx] {
			return false
		}
	}
	return true
}

// Copy returns a roster which does not share storage with the original
func (r Roster) Copy() Roster {
	names := make([]Person, len(r.Names))
	copy(names, r.Names)
	return Roster{Names: names}
}

// RosterHandler callback invoked for every roster produced by an extractor
type RosterHandler func(ctxt context.Context, roster Roster) error

// DistinctRosters wraps a RosterHandler so that a roster is only forwarded when it
// differs from the previously forwarded one.
//
// Only the latest value is compared: a change which reverts before the next roster
// is observed is never forwarded.
func DistinctRosters(next RosterHandler) RosterHandler {
	lock := sync.Mutex{}
	var previous *Roster
	return func(ctxt context.Context, roster Roster) error {
		lock.Lock()
		defer lock.Unlock()
		if previous != nil && previous.Equal(roster) {
			return nil
		}
		forward := roster.Copy()
		previous = &forward
		return next(ctxt, forward.Copy())
	}
}
