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

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/stagybee/extractor/extractor"
	"github.com/stretchr/testify/mock"
)

// fakeExtractor streams the rosters pushed into it by the test
type fakeExtractor struct {
	lock      sync.Mutex
	rosters   chan extractor.Roster
	current   extractor.Roster
	loginErr  error
	streamErr error
	logins    int
	stops     int
	// stopGate holds StopListener until closed
	stopGate chan struct{}
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{rosters: make(chan extractor.Roster)}
}

func (f *fakeExtractor) Login(_ context.Context) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.logins++
	return f.loginErr
}

func (f *fakeExtractor) GetListeners(ctxt context.Context, onChange extractor.RosterHandler) error {
	for {
		select {
		case <-ctxt.Done():
			return ctxt.Err()
		case roster, ok := <-f.rosters:
			if !ok {
				return f.streamErr
			}
			f.lock.Lock()
			f.current = roster.Copy()
			f.lock.Unlock()
			if err := onChange(ctxt, roster); err != nil {
				return err
			}
		}
	}
}

func (f *fakeExtractor) StopListener(ctxt context.Context) error {
	f.lock.Lock()
	f.stops++
	gate := f.stopGate
	f.lock.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

func (f *fakeExtractor) GetListenersSnapshot(_ context.Context) (extractor.Roster, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.current.Copy(), nil
}

func (f *fakeExtractor) counts() (int, int) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.logins, f.stops
}

// push hand a roster to the session task
func (f *fakeExtractor) push(roster extractor.Roster) error {
	select {
	case f.rosters <- roster:
		return nil
	case <-time.After(time.Second * 5):
		return fmt.Errorf("roster not consumed")
	}
}

type mockFactory struct {
	mock.Mock
}

func (m *mockFactory) NewExtractor(instance string, creds extractor.Credentials) (extractor.Extractor, error) {
	args := m.Called(instance, creds)
	var result extractor.Extractor
	if ext, ok := args.Get(0).(extractor.Extractor); ok {
		result = ext
	}
	return result, args.Error(1)
}

// sequenceFactory hands out a fresh fake extractor per session
type sequenceFactory struct {
	lock    sync.Mutex
	defined []*fakeExtractor
}

func (f *sequenceFactory) NewExtractor(_ string, _ extractor.Credentials) (extractor.Extractor, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	fake := newFakeExtractor()
	f.defined = append(f.defined, fake)
	return fake, nil
}

func (f *sequenceFactory) count() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.defined)
}

// webhookEvent one POST seen by the receiver
type webhookEvent struct {
	Kind string
	Body json.RawMessage
}

// webhookReceiver records the events POSTed to each path
type webhookReceiver struct {
	lock   sync.Mutex
	events map[string][]webhookEvent
}

func newWebhookReceiver() (*webhookReceiver, *httptest.Server) {
	receiver := &webhookReceiver{events: make(map[string][]webhookEvent)}
	return receiver, httptest.NewServer(receiver)
}

func (r *webhookReceiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.lock.Lock()
	r.events[req.URL.Path] = append(
		r.events[req.URL.Path], webhookEvent{Kind: req.Header.Get("X-STAGYBEE-EXTRACTOR-EVENT"), Body: body},
	)
	r.lock.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (r *webhookReceiver) get(path string) []webhookEvent {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]webhookEvent{}, r.events[path]...)
}

func (r *webhookReceiver) kinds(path string) []string {
	result := []string{}
	for _, event := range r.get(path) {
		result = append(result, event.Kind)
	}
	return result
}

// running parse the running flag of a status event
func (e webhookEvent) running() bool {
	var status Status
	_ = json.Unmarshal(e.Body, &status)
	return status.Running
}

// names parse the participant names of a listeners event
func (e webhookEvent) names() []string {
	var roster extractor.Roster
	_ = json.Unmarshal(e.Body, &roster)
	result := []string{}
	for _, person := range roster.Names {
		result = append(result, person.GivenName)
	}
	return result
}

func testRoster(givenNames ...string) extractor.Roster {
	roster := extractor.Roster{Names: []extractor.Person{}}
	for idx, name := range givenNames {
		roster.Names = append(roster.Names, extractor.Person{
			ID: idx + 1, FamilyName: "Test", GivenName: name, ListenerCount: 1, ListenerType: 3,
		})
	}
	return roster
}
