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
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/coder/websocket"
	"github.com/stagybee/extractor/common"
)

const liveReadLimitBytes = 1 << 20

// liveExtractor implements Extractor against the upstream platform. The login sets a
// session cookie which the roster websocket handshake then presents.
type liveExtractor struct {
	common.Component
	config         common.LiveExtractorConfig
	creds          Credentials
	client         *http.Client
	requestTimeout time.Duration

	lock   sync.Mutex
	roster Roster
	conn   *websocket.Conn

	stopping chan struct{}
	stopOnce sync.Once
}

// GetLiveExtractor define a new live extractor
func GetLiveExtractor(
	instance string, config common.LiveExtractorConfig, creds Credentials, proxyURL string,
) (Extractor, error) {
	logTags := log.Fields{
		"module": "extractor", "component": "live", "instance": instance,
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define cookie jar")
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		proxy, err := url.Parse(proxyURL)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Invalid proxy URL %s", proxyURL)
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxy)
	}
	return &liveExtractor{
		Component: common.Component{LogTags: logTags},
		config:    config,
		creds:     creds,
		// The websocket dialer refuses clients with a timeout, so per call contexts
		// bound the login / logout requests instead.
		client:         &http.Client{Jar: jar, Transport: transport},
		requestTimeout: time.Second * time.Duration(config.RequestTimeout),
		roster:         Roster{Names: []Person{}},
		stopping:       make(chan struct{}),
	}, nil
}

// Login authenticate with the congregation key, or with the form credentials
func (e *liveExtractor) Login(ctxt context.Context) error {
	reqCtxt, cancel := context.WithTimeout(ctxt, e.requestTimeout)
	defer cancel()
	var req *http.Request
	var err error
	if len(e.creds.ID) == AutoLoginKeyLength {
		log.WithFields(e.LogTags).Debug("Logging in with congregation key")
		req, err = http.NewRequestWithContext(
			reqCtxt, http.MethodGet, e.config.AutoLoginURL+url.QueryEscape(e.creds.ID), nil,
		)
	} else {
		log.WithFields(e.LogTags).Debug("Logging in with credentials")
		form := url.Values{}
		form.Set("loginstatus", "auth")
		form.Set("congregation", e.creds.Congregation)
		form.Set("congregation_id", "")
		form.Set("username", e.creds.Username)
		form.Set("password", e.creds.Password)
		req, err = http.NewRequestWithContext(
			reqCtxt, http.MethodPost, e.config.LoginURL, strings.NewReader(form.Encode()),
		)
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		log.WithError(err).WithFields(e.LogTags).Error("Unable to define login request")
		return err
	}
	if err := e.call(req); err != nil {
		log.WithError(err).WithFields(e.LogTags).Error("Login failed")
		return err
	}
	log.WithFields(e.LogTags).Info("Logged in")
	return nil
}

// GetListeners follow the roster websocket until it closes
func (e *liveExtractor) GetListeners(ctxt context.Context, onChange RosterHandler) error {
	select {
	case <-e.stopping:
		return nil
	default:
	}

	conn, _, err := websocket.Dial(ctxt, e.config.WebSocketURL, &websocket.DialOptions{
		HTTPClient: e.client,
	})
	if err != nil {
		log.WithError(err).WithFields(e.LogTags).Errorf(
			"Unable to connect to %s", e.config.WebSocketURL,
		)
		return err
	}
	conn.SetReadLimit(liveReadLimitBytes)
	e.lock.Lock()
	e.conn = conn
	e.lock.Unlock()
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
	}()

	log.WithFields(e.LogTags).Info("Starting roster stream")
	defer log.WithFields(e.LogTags).Info("Roster stream ended")
	for {
		_, data, err := conn.Read(ctxt)
		if err != nil {
			if ctxt.Err() != nil {
				return ctxt.Err()
			}
			select {
			case <-e.stopping:
				return nil
			default:
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return nil
			}
			log.WithError(err).WithFields(e.LogTags).Error("Roster stream read failure")
			return err
		}
		frame, ok, err := ParseFrame(data)
		if err != nil {
			log.WithError(err).WithFields(e.LogTags).Warnf("Dropping unparsable message '%s'", data)
			continue
		}
		if !ok {
			continue
		}
		e.lock.Lock()
		frame.Apply(&e.roster)
		current := e.roster.Copy()
		e.lock.Unlock()
		if err := onChange(ctxt, current); err != nil {
			log.WithError(err).WithFields(e.LogTags).Error("Roster handler failed")
			return err
		}
	}
}

// StopListener close the roster stream and log out
func (e *liveExtractor) StopListener(ctxt context.Context) error {
	var result error
	e.stopOnce.Do(func() {
		close(e.stopping)
		e.lock.Lock()
		conn := e.conn
		e.lock.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "logout")
		}
		reqCtxt, cancel := context.WithTimeout(ctxt, e.requestTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtxt, http.MethodGet, e.config.LogoutURL, nil)
		if err != nil {
			result = err
			return
		}
		if err := e.call(req); err != nil {
			log.WithError(err).WithFields(e.LogTags).Error("Logout failed")
			result = err
		} else {
			log.WithFields(e.LogTags).Info("Logged out")
		}
		e.client.CloseIdleConnections()
	})
	return result
}

// GetListenersSnapshot fetch the roster assembled from the stream so far
func (e *liveExtractor) GetListenersSnapshot(_ context.Context) (Roster, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.roster.Copy(), nil
}

// call execute a request, failing on any non 2xx / 3xx response
func (e *liveExtractor) call(req *http.Request) error {
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s %s returned %d", req.Method, req.URL.Redacted(), resp.StatusCode)
	}
	return nil
}
