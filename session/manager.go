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
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/stagybee/extractor/common"
	"github.com/stagybee/extractor/extractor"
	"github.com/stagybee/extractor/webhook"
)

// SubscribeRequest parameters of a new subscription
type SubscribeRequest struct {
	// URL is the webhook receiving the session events
	URL string `json:"url"`
	// ID is the upstream congregation key
	ID string `json:"id,omitempty"`
	// Congregation is the upstream congregation name
	Congregation string `json:"congregation,omitempty"`
	// Username is the upstream user
	Username string `json:"username,omitempty"`
	// Password is the upstream password
	Password string `json:"password,omitempty"`
	// Timeout is the session lifetime in milliseconds. Zero or negative selects the default.
	Timeout int64 `json:"timeout,omitempty"`
}

// SubscribeResponse result of a subscription
type SubscribeResponse struct {
	// SessionID identifies the subscription in unsubscribe / status calls
	SessionID SubscriptionID
	// Key is the session the subscription belongs to
	Key Key
}

// Status session status envelope
type Status struct {
	// Running whether the session task is following the roster
	Running bool `json:"running"`
	// Since is when the session started
	Since *time.Time `json:"since,omitempty"`
	// Remaining is the session lifetime left in milliseconds
	Remaining *int64 `json:"remaining,omitempty"`
	// Timeout is the session lifetime in milliseconds
	Timeout *int64 `json:"timeout,omitempty"`
	// ServerTime is the time the envelope was computed
	ServerTime time.Time `json:"serverTime"`
}

// Manager owns the sessions, their extractors and their subscriptions
type Manager interface {
	/*
		Subscribe register a webhook against the session identified by the request
		credentials, starting the session if needed

		 @param ctxt context.Context - context of the call
		 @param req SubscribeRequest - the subscription parameters
		 @return the subscription ID
	*/
	Subscribe(ctxt context.Context, req SubscribeRequest) (SubscribeResponse, error)

	/*
		Unsubscribe drop a subscription. The session is torn down when its last
		subscription is dropped.

		 @param ctxt context.Context - context of the call
		 @param id SubscriptionID - the subscription
	*/
	Unsubscribe(ctxt context.Context, id SubscriptionID) error

	/*
		Status fetch the status of the session a subscription belongs to

		 @param ctxt context.Context - context of the call
		 @param id SubscriptionID - the subscription
		 @return the session status
	*/
	Status(ctxt context.Context, id SubscriptionID) (Status, error)

	/*
		Snapshot fetch the current roster of a session

		 @param ctxt context.Context - context of the call
		 @param key Key - the session
		 @return the roster
	*/
	Snapshot(ctxt context.Context, key Key) (extractor.Roster, error)

	// Sessions number of sessions in the table
	Sessions() int

	/*
		Stop tear down every session

		 @param ctxt context.Context - context of the call
	*/
	Stop(ctxt context.Context) error
}

type sessionState int

const (
	stateStarting sessionState = iota
	stateRunning
	stateStopping
)

func (s sessionState) String() string {
	switch s {
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	default:
		return "stopping"
	}
}

// session one upstream extractor shared by all its subscribers
type session struct {
	key         Key
	extractor   extractor.Extractor
	createdAt   time.Time
	timeout     time.Duration
	state       sessionState
	subscribers map[SubscriptionID]string
	cancel      context.CancelFunc
	// taskDone is closed when the session task returns
	taskDone chan struct{}
	// done is closed when teardown is complete
	done chan struct{}
}

func (s *session) taskActive() bool {
	select {
	case <-s.taskDone:
		return false
	default:
		return true
	}
}

// subscriptionFor the subscription ID of a URL, minting one if needed
func (s *session) subscriptionFor(url string) SubscriptionID {
	for id, subscriber := range s.subscribers {
		if subscriber == url {
			return id
		}
	}
	id := SubscriptionID(uuid.NewString())
	s.subscribers[id] = url
	return id
}

func (s *session) status(now time.Time, running bool) Status {
	since := s.createdAt
	timeout := s.timeout.Milliseconds()
	remaining := timeout
	if running {
		remaining = (s.timeout - now.Sub(s.createdAt)).Milliseconds()
		if remaining < 0 {
			remaining = 0
		}
	}
	return Status{
		Running:    running,
		Since:      &since,
		Remaining:  &remaining,
		Timeout:    &timeout,
		ServerTime: now,
	}
}

// managerImpl implements Manager
type managerImpl struct {
	goutils.Component
	lock          sync.Mutex
	sessions      map[Key]*session
	subscriptions map[SubscriptionID]Key
	registry      webhook.Registry
	dispatcher    webhook.Dispatcher
	factory       extractor.Factory
	config        common.SessionConfig
	validate      *validator.Validate
	baseCtxt      context.Context
	wg            *sync.WaitGroup
}

/*
GetManager define a new session manager

 @param parentCtxt context.Context - parent context of every session task
 @param wg *sync.WaitGroup - wait group tracking the session tasks
 @param config common.SessionConfig - session lifecycle config
 @param factory extractor.Factory - defines the extractor of each new session
 @param registry webhook.Registry - the subscriber registry
 @param dispatcher webhook.Dispatcher - delivers session events
 @return new Manager
*/
func GetManager(
	parentCtxt context.Context,
	wg *sync.WaitGroup,
	config common.SessionConfig,
	factory extractor.Factory,
	registry webhook.Registry,
	dispatcher webhook.Dispatcher,
) (Manager, error) {
	if config.MinTimeout <= 0 || config.DefaultTimeout < config.MinTimeout {
		return nil, fmt.Errorf(
			"invalid session timeouts: default %ds floor %ds", config.DefaultTimeout, config.MinTimeout,
		)
	}
	return &managerImpl{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "session", "component": "manager"},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		sessions:      make(map[Key]*session),
		subscriptions: make(map[SubscriptionID]Key),
		registry:      registry,
		dispatcher:    dispatcher,
		factory:       factory,
		config:        config,
		validate:      validator.New(),
		baseCtxt:      parentCtxt,
		wg:            wg,
	}, nil
}

// validateURL check the webhook URL is absolute
func (m *managerImpl) validateURL(target string) error {
	if target == "" {
		return ValidationError{Field: "url", Message: "URL must not be empty"}
	}
	if err := m.validate.Var(target, "url"); err != nil {
		return ValidationError{Field: "url", Message: fmt.Sprintf("'%s' is not a valid URL", target)}
	}
	parsed, err := url.Parse(target)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ValidationError{Field: "url", Message: fmt.Sprintf("'%s' is not an absolute URL", target)}
	}
	return nil
}

// sessionTimeout apply the default and the floor to a requested timeout in milliseconds
func (m *managerImpl) sessionTimeout(requested int64) time.Duration {
	if requested <= 0 {
		return m.config.DefaultTimeoutDuration()
	}
	timeout := time.Millisecond * time.Duration(requested)
	if timeout < m.config.MinTimeoutDuration() {
		return m.config.MinTimeoutDuration()
	}
	return timeout
}

func (m *managerImpl) Subscribe(
	ctxt context.Context, req SubscribeRequest,
) (SubscribeResponse, error) {
	logTags := m.GetLogTagsForContext(ctxt)
	if err := m.validateURL(req.URL); err != nil {
		return SubscribeResponse{}, err
	}
	creds := extractor.Credentials{
		ID:           req.ID,
		Congregation: req.Congregation,
		Username:     req.Username,
		Password:     req.Password,
	}
	key := DeriveKey(creds)

	for {
		m.lock.Lock()
		sess, ok := m.sessions[key]
		if ok && sess.state == stateStopping {
			// Wait for the previous session to clear before starting a new one
			done := sess.done
			m.lock.Unlock()
			select {
			case <-done:
				continue
			case <-ctxt.Done():
				return SubscribeResponse{}, ctxt.Err()
			}
		}

		if !ok {
			sess, err := m.defineSession(key, creds, req.Timeout)
			if err != nil {
				m.lock.Unlock()
				log.WithError(err).WithFields(logTags).Errorf("Unable to start session %s", key)
				return SubscribeResponse{}, err
			}
			id := sess.subscriptionFor(req.URL)
			m.subscriptions[id] = key
			m.registry.Add(string(key), req.URL)
			m.launch(sess)
			m.lock.Unlock()
			log.WithFields(logTags).Infof(
				"Started session %s with timeout %s for subscription %s", key, sess.timeout, id,
			)
			return SubscribeResponse{SessionID: id, Key: key}, nil
		}

		id := sess.subscriptionFor(req.URL)
		m.subscriptions[id] = key
		m.registry.Add(string(key), req.URL)
		active := sess.taskActive()
		m.lock.Unlock()
		log.WithFields(logTags).Infof("Joined session %s with subscription %s", key, id)

		if active {
			m.pushSnapshot(ctxt, sess, req.URL, logTags)
		}
		return SubscribeResponse{SessionID: id, Key: key}, nil
	}
}

// defineSession create and insert a new session record. Caller holds the lock.
func (m *managerImpl) defineSession(
	key Key, creds extractor.Credentials, requestedTimeout int64,
) (*session, error) {
	instance, err := m.factory.NewExtractor(string(key), creds)
	if err != nil {
		return nil, InternalError{Message: "unable to define extractor", Err: err}
	}
	sess := &session{
		key:         key,
		extractor:   instance,
		createdAt:   time.Now(),
		timeout:     m.sessionTimeout(requestedTimeout),
		state:       stateStarting,
		subscribers: make(map[SubscriptionID]string),
		taskDone:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	m.sessions[key] = sess
	return sess, nil
}

// launch start the session task. Caller holds the lock.
func (m *managerImpl) launch(sess *session) {
	taskCtxt, cancel := context.WithTimeout(m.baseCtxt, sess.timeout)
	sess.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runSession(taskCtxt, sess)
		close(sess.taskDone)
		if err := m.teardown(context.Background(), sess); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf("Teardown of session %s failed", sess.key)
		}
	}()
}

// pushSnapshot send the current roster to one new subscriber
func (m *managerImpl) pushSnapshot(
	ctxt context.Context, sess *session, target string, logTags log.Fields,
) {
	snapshotCtxt, cancel := context.WithTimeout(
		ctxt, time.Second*time.Duration(m.config.SnapshotTimeout),
	)
	defer cancel()
	roster, err := sess.extractor.GetListenersSnapshot(snapshotCtxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to read roster of session %s", sess.key)
		return
	}
	if err := m.dispatcher.DeliverTo(snapshotCtxt, target, webhook.EventListeners, roster); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Roster catch up of session %s failed", sess.key)
	}
}

// runSession the session task: login, then follow the roster until the stream ends
func (m *managerImpl) runSession(ctxt context.Context, sess *session) {
	logTags := m.GetLogTagsForContext(ctxt)
	logTags["instance"] = string(sess.key)
	topic := string(sess.key)

	defer func() {
		m.dispatcher.Deliver(m.baseCtxt, topic, webhook.EventStatus, sess.status(time.Now(), false))
	}()

	if err := sess.extractor.Login(ctxt); err != nil {
		log.WithError(UpstreamConnectError{Key: sess.key, Err: err}).WithFields(logTags).Error("Login failed")
		return
	}

	m.lock.Lock()
	if sess.state == stateStarting {
		sess.state = stateRunning
	}
	m.lock.Unlock()
	m.dispatcher.Deliver(m.baseCtxt, topic, webhook.EventStatus, sess.status(time.Now(), true))

	err := sess.extractor.GetListeners(
		ctxt, extractor.DistinctRosters(func(c context.Context, roster extractor.Roster) error {
			m.dispatcher.Deliver(c, topic, webhook.EventListeners, roster)
			return nil
		}),
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		log.WithFields(logTags).Infof("Session timed out after %s", sess.timeout)
	case errors.Is(err, context.Canceled):
		log.WithFields(logTags).Info("Session cancelled")
	case err != nil:
		log.WithError(UpstreamConnectError{Key: sess.key, Err: err}).WithFields(logTags).Error(
			"Roster stream failed",
		)
	default:
		log.WithFields(logTags).Info("Roster stream ended")
	}
}

/*
teardown stop the session task, wait for it, release the extractor, then drop the
session record. Only the first caller performs the teardown; later callers wait for it.
*/
func (m *managerImpl) teardown(ctxt context.Context, sess *session) error {
	m.lock.Lock()
	if sess.state == stateStopping {
		m.lock.Unlock()
		return awaitTeardown(ctxt, sess)
	}
	sess.state = stateStopping
	m.lock.Unlock()
	m.release(sess)
	return nil
}

// awaitTeardown wait for the teardown of a session some other caller owns
func awaitTeardown(ctxt context.Context, sess *session) error {
	select {
	case <-sess.done:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// release the teardown steps. The caller must have moved the session to stopping.
func (m *managerImpl) release(sess *session) {
	sess.cancel()
	<-sess.taskDone

	logTags := m.GetLogTagsForContext(m.baseCtxt)
	logTags["instance"] = string(sess.key)
	stopCtxt, cancel := context.WithTimeout(
		context.Background(), time.Second*time.Duration(m.config.StopTimeout),
	)
	defer cancel()
	if err := sess.extractor.StopListener(stopCtxt); err != nil {
		log.WithError(err).WithFields(logTags).Error("Extractor release failed")
	}

	m.lock.Lock()
	if m.sessions[sess.key] == sess {
		delete(m.sessions, sess.key)
	}
	for id := range sess.subscribers {
		delete(m.subscriptions, id)
	}
	m.registry.RemoveTopic(string(sess.key))
	m.lock.Unlock()
	close(sess.done)
	log.WithFields(logTags).Info("Session torn down")
}

func (m *managerImpl) Unsubscribe(ctxt context.Context, id SubscriptionID) error {
	logTags := m.GetLogTagsForContext(ctxt)

	m.lock.Lock()
	key, ok := m.subscriptions[id]
	if !ok {
		m.lock.Unlock()
		return NotFoundError{ID: id}
	}
	delete(m.subscriptions, id)
	sess, ok := m.sessions[key]
	if !ok {
		m.lock.Unlock()
		return InternalError{Message: fmt.Sprintf("subscription %s refers to missing session %s", id, key)}
	}
	target := sess.subscribers[id]
	delete(sess.subscribers, id)
	m.registry.Remove(string(key), target)
	last := m.registry.Count(string(key)) == 0
	// The last subscriber leaving and the session stopping are one step, so a
	// concurrent Subscribe either joins before this or waits for a fresh session.
	owner := last && sess.state != stateStopping
	if owner {
		sess.state = stateStopping
	}
	m.lock.Unlock()
	log.WithFields(logTags).Infof("Dropped subscription %s of session %s", id, key)

	switch {
	case owner:
		m.release(sess)
	case last:
		return awaitTeardown(ctxt, sess)
	}
	return nil
}

func (m *managerImpl) Status(_ context.Context, id SubscriptionID) (Status, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	key, ok := m.subscriptions[id]
	if !ok {
		return Status{}, NotFoundError{ID: id}
	}
	sess, ok := m.sessions[key]
	if !ok {
		return Status{}, InternalError{Message: fmt.Sprintf("subscription %s refers to missing session %s", id, key)}
	}
	return sess.status(time.Now(), sess.taskActive() && sess.state != stateStopping), nil
}

func (m *managerImpl) Snapshot(ctxt context.Context, key Key) (extractor.Roster, error) {
	m.lock.Lock()
	sess, ok := m.sessions[key]
	m.lock.Unlock()
	if !ok {
		return extractor.Roster{}, SessionNotFoundError{Key: key}
	}
	return sess.extractor.GetListenersSnapshot(ctxt)
}

func (m *managerImpl) Sessions() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.sessions)
}

func (m *managerImpl) Stop(ctxt context.Context) error {
	m.lock.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		all = append(all, sess)
	}
	m.lock.Unlock()

	errs := make(chan error, len(all))
	wg := sync.WaitGroup{}
	for _, sess := range all {
		wg.Add(1)
		go func(sess *session) {
			defer wg.Done()
			errs <- m.teardown(ctxt, sess)
		}(sess)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	log.WithFields(m.LogTags).Infof("Stopped %d sessions", len(all))
	return nil
}
