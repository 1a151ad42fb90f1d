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

package apis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stagybee/extractor/common"
	"github.com/stagybee/extractor/extractor"
	"github.com/stagybee/extractor/session"
	"github.com/stagybee/extractor/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockManager struct {
	mock.Mock
}

func (m *mockManager) Subscribe(ctxt context.Context, req session.SubscribeRequest) (session.SubscribeResponse, error) {
	args := m.Called(ctxt, req)
	return args.Get(0).(session.SubscribeResponse), args.Error(1)
}

func (m *mockManager) Unsubscribe(ctxt context.Context, id session.SubscriptionID) error {
	args := m.Called(ctxt, id)
	return args.Error(0)
}

func (m *mockManager) Status(ctxt context.Context, id session.SubscriptionID) (session.Status, error) {
	args := m.Called(ctxt, id)
	return args.Get(0).(session.Status), args.Error(1)
}

func (m *mockManager) Snapshot(ctxt context.Context, key session.Key) (extractor.Roster, error) {
	args := m.Called(ctxt, key)
	return args.Get(0).(extractor.Roster), args.Error(1)
}

func (m *mockManager) Sessions() int {
	args := m.Called()
	return args.Int(0)
}

func (m *mockManager) Stop(ctxt context.Context) error {
	args := m.Called(ctxt)
	return args.Error(0)
}

func testHTTPConfig() *common.HTTPConfig {
	return &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{
			RequestIDHeader: "Stagybee-Request-ID",
			DoNotLogHeaders: []string{"Authorization"},
		},
	}
}

// defineTestRouter register the extractor routes the same way the server does
func defineTestRouter(h APIRestExtractorHandler) *mux.Router {
	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, "/api", nil)
	_ = RegisterPathPrefix(mainRouter, "/subscribe", MethodHandlers{"post": h.SubscribeHandler()})
	_ = RegisterPathPrefix(
		mainRouter, "/unsubscribe/{sessionId}", MethodHandlers{"delete": h.UnsubscribeHandler()},
	)
	_ = RegisterPathPrefix(mainRouter, "/status/{sessionId}", MethodHandlers{"get": h.StatusHandler()})
	_ = RegisterPathPrefix(mainRouter, "/meta", MethodHandlers{"get": h.MetaHandler()})
	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{"get": h.AliveHandler()})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{"get": h.ReadyHandler()})
	return router
}

func TestExtractorSubscribe(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	manager := &mockManager{}
	uut, err := GetAPIRestExtractorHandler(
		manager, &common.APIEndpointConfig{MetaFile: "meta.json"}, testHTTPConfig(), nil,
	)
	assert.Nil(err)
	router := defineTestRouter(uut)

	checkHeader := func(w *httptest.ResponseRecorder, reqID string) {
		assert.Equal(reqID, w.Header().Get("Stagybee-Request-ID"))
		assert.Equal("application/json", w.Header().Get("content-type"))
		assert.Equal("subscribe", w.Header().Get(webhook.HeaderAction))
	}

	// Case 0: empty body
	{
		reqID := uuid.NewString()
		req, err := http.NewRequest("POST", "/api/subscribe", nil)
		assert.Nil(err)
		req.Header.Add("Stagybee-Request-ID", reqID)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusBadRequest, respRecorder.Code)
		checkHeader(respRecorder, reqID)
		assert.Equal("error", respRecorder.Header().Get(webhook.HeaderEvent))
		var msg goutils.RestAPIBaseResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.False(msg.Success)
		assert.Equal(reqID, msg.RequestID)
		if assert.NotNil(msg.Error) {
			assert.Equal(http.StatusBadRequest, msg.Error.Code)
			assert.Equal("Empty request body", msg.Error.Msg)
		}
	}

	// Case 1: broken body
	{
		reqID := uuid.NewString()
		req, err := http.NewRequest("POST", "/api/subscribe", bytes.NewBufferString("{url:"))
		assert.Nil(err)
		req.Header.Add("Stagybee-Request-ID", reqID)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusBadRequest, respRecorder.Code)
		checkHeader(respRecorder, reqID)
	}

	// Case 2: validation failure
	{
		reqID := uuid.NewString()
		request := session.SubscribeRequest{URL: ""}
		manager.On("Subscribe", mock.Anything, request).Return(
			session.SubscribeResponse{}, session.ValidationError{Field: "url", Message: "URL must not be empty"},
		).Once()
		t, err := json.Marshal(&request)
		assert.Nil(err)
		req, err := http.NewRequest("POST", "/api/subscribe", bytes.NewReader(t))
		assert.Nil(err)
		req.Header.Add("Stagybee-Request-ID", reqID)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusBadRequest, respRecorder.Code)
		checkHeader(respRecorder, reqID)
		var msg APIRestRespSubscribe
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.False(msg.Success)
		assert.Empty(msg.SessionID)
		if assert.NotNil(msg.Error) {
			assert.Equal(http.StatusBadRequest, msg.Error.Code)
			assert.Equal("Invalid subscription", msg.Error.Msg)
		}
	}

	// Case 3: extractor definition failure
	{
		reqID := uuid.NewString()
		request := session.SubscribeRequest{URL: "https://x/receiver", Username: "u"}
		manager.On("Subscribe", mock.Anything, request).Return(
			session.SubscribeResponse{}, session.InternalError{Message: "unable to define extractor"},
		).Once()
		t, err := json.Marshal(&request)
		assert.Nil(err)
		req, err := http.NewRequest("POST", "/api/subscribe", bytes.NewReader(t))
		assert.Nil(err)
		req.Header.Add("Stagybee-Request-ID", reqID)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusInternalServerError, respRecorder.Code)
		checkHeader(respRecorder, reqID)
	}

	// Case 4: success
	{
		reqID := uuid.NewString()
		request := session.SubscribeRequest{
			URL: "https://x/receiver", Congregation: "C", Username: "u", Password: "p", Timeout: 60000,
		}
		manager.On("Subscribe", mock.Anything, request).Return(
			session.SubscribeResponse{SessionID: "S1", Key: "K1"}, nil,
		).Once()
		t, err := json.Marshal(&request)
		assert.Nil(err)
		req, err := http.NewRequest("POST", "/api/subscribe", bytes.NewReader(t))
		assert.Nil(err)
		req.Header.Add("Stagybee-Request-ID", reqID)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		checkHeader(respRecorder, reqID)
		assert.Empty(respRecorder.Header().Get(webhook.HeaderEvent))
		var msg APIRestRespSubscribe
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Equal(reqID, msg.RequestID)
		assert.Nil(msg.Error)
		assert.Equal("S1", msg.SessionID)
	}

	manager.AssertExpectations(t)
}

func TestExtractorUnsubscribeAndStatus(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	manager := &mockManager{}
	uut, err := GetAPIRestExtractorHandler(
		manager, &common.APIEndpointConfig{MetaFile: "meta.json"}, testHTTPConfig(), nil,
	)
	assert.Nil(err)
	router := defineTestRouter(uut)

	// Case 0: unknown subscription
	{
		manager.On("Unsubscribe", mock.Anything, session.SubscriptionID("unknown")).Return(
			session.NotFoundError{ID: "unknown"},
		).Once()
		req, err := http.NewRequest("DELETE", "/api/unsubscribe/unknown", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusNotFound, respRecorder.Code)
		assert.Equal("unsubscribe", respRecorder.Header().Get(webhook.HeaderAction))
		assert.Equal("error", respRecorder.Header().Get(webhook.HeaderEvent))
		// Request ID is generated when not provided
		assert.NotEmpty(respRecorder.Header().Get("Stagybee-Request-ID"))
		var msg goutils.RestAPIBaseResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.False(msg.Success)
		assert.Equal(respRecorder.Header().Get("Stagybee-Request-ID"), msg.RequestID)
		if assert.NotNil(msg.Error) {
			assert.Equal(http.StatusNotFound, msg.Error.Code)
			assert.Equal("Unknown session id", msg.Error.Msg)
		}
	}

	// Case 1: unsubscribe
	{
		manager.On("Unsubscribe", mock.Anything, session.SubscriptionID("S1")).Return(nil).Once()
		req, err := http.NewRequest("DELETE", "/api/unsubscribe/S1", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg goutils.RestAPIBaseResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.True(msg.Success)
	}

	// Case 2: status of unknown subscription
	{
		manager.On("Status", mock.Anything, session.SubscriptionID("S1")).Return(
			session.Status{}, session.NotFoundError{ID: "S1"},
		).Once()
		req, err := http.NewRequest("GET", "/api/status/S1", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusNotFound, respRecorder.Code)
		assert.Equal("status", respRecorder.Header().Get(webhook.HeaderAction))
		msg := map[string]interface{}{}
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.Equal(false, msg["running"])
		assert.Contains(msg, "serverTime")
		assert.NotContains(msg, "timeout")
	}

	// Case 3: status
	{
		since := time.Now().Add(-time.Minute)
		remaining := int64(840000)
		timeout := int64(900000)
		manager.On("Status", mock.Anything, session.SubscriptionID("S2")).Return(
			session.Status{
				Running: true, Since: &since, Remaining: &remaining, Timeout: &timeout, ServerTime: time.Now(),
			}, nil,
		).Once()
		req, err := http.NewRequest("GET", "/api/status/S2", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg session.Status
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.True(msg.Running)
		if assert.NotNil(msg.Timeout) && assert.NotNil(msg.Remaining) {
			assert.Equal(timeout, *msg.Timeout)
			assert.Equal(remaining, *msg.Remaining)
		}
	}

	manager.AssertExpectations(t)
}

func TestExtractorMetaAndHealth(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	metaFile := filepath.Join(t.TempDir(), "meta.json")
	metadata := `{"name":"stagybee-extractor","version":"1.0.0"}`

	manager := &mockManager{}
	manager.On("Sessions").Return(0)
	readyErr := fmt.Errorf("NATS disconnected")
	isReady := false
	uut, err := GetAPIRestExtractorHandler(
		manager, &common.APIEndpointConfig{MetaFile: metaFile}, testHTTPConfig(), func() error {
			if isReady {
				return nil
			}
			return readyErr
		},
	)
	assert.Nil(err)
	router := defineTestRouter(uut)

	call := func(path string) *httptest.ResponseRecorder {
		req, err := http.NewRequest("GET", path, nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		return respRecorder
	}

	// Case 0: missing metadata file
	{
		resp := call("/api/meta")
		assert.Equal(http.StatusNotFound, resp.Code)
		assert.Equal("meta", resp.Header().Get(webhook.HeaderAction))
	}

	// Case 1: metadata served as is
	assert.Nil(os.WriteFile(metaFile, []byte(metadata), 0o644))
	{
		resp := call("/api/meta")
		assert.Equal(http.StatusOK, resp.Code)
		assert.Equal(metadata, resp.Body.String())
	}

	// Case 2: liveness
	assert.Equal(http.StatusOK, call("/api/alive").Code)

	// Case 3: readiness
	assert.Equal(http.StatusServiceUnavailable, call("/api/ready").Code)
	isReady = true
	assert.Equal(http.StatusOK, call("/api/ready").Code)

	// Case 4: unknown route
	assert.Equal(http.StatusNotFound, call("/api/unknown").Code)
}

func TestExtractorAPIScenario(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	// Webhook receivers
	receiverLock := sync.Mutex{}
	received := map[string][]string{}
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receiverLock.Lock()
		received[r.URL.Path] = append(received[r.URL.Path], r.Header.Get(webhook.HeaderEvent))
		receiverLock.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()
	kinds := func(path string) []string {
		receiverLock.Lock()
		defer receiverLock.Unlock()
		return append([]string{}, received[path]...)
	}

	factory, err := extractor.GetFactory(common.ExtractorConfig{
		Mode:       common.ExtractorModeSimulation,
		Simulation: common.SimulationExtractorConfig{MinDelay: 5, MaxDelay: 20, MaxNames: 5},
	}, "")
	assert.Nil(err)
	registry := webhook.GetRegistry()
	client, err := webhook.NewHTTPClient(common.WebhookConfig{RequestTimeout: 5})
	assert.Nil(err)
	manager, err := session.GetManager(
		utCtxt, &wg, common.SessionConfig{
			DefaultTimeout: 10800, MinTimeout: 900, SnapshotTimeout: 5, StopTimeout: 5,
		},
		factory, registry, webhook.GetDispatcher(registry, client, nil),
	)
	assert.Nil(err)
	uut, err := GetAPIRestExtractorHandler(
		manager, &common.APIEndpointConfig{MetaFile: "meta.json"}, testHTTPConfig(), nil,
	)
	assert.Nil(err)
	router := defineTestRouter(uut)

	subscribe := func(url string) string {
		body, err := json.Marshal(&session.SubscribeRequest{
			URL: url, Congregation: "C", Username: "u", Password: "p",
		})
		assert.Nil(err)
		req, err := http.NewRequest("POST", "/api/subscribe", bytes.NewReader(body))
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespSubscribe
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.NotEmpty(msg.SessionID)
		return msg.SessionID
	}
	call := func(method, path string) *httptest.ResponseRecorder {
		req, err := http.NewRequest(method, path, nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		return respRecorder
	}

	s1 := subscribe(receiver.URL + "/x/receiver")
	s2 := subscribe(receiver.URL + "/y/other")
	assert.NotEqual(s1, s2)
	assert.Equal(1, manager.Sessions())

	// Rosters flow to both subscribers
	assert.Eventually(func() bool {
		return len(kinds("/x/receiver")) >= 3 && len(kinds("/y/other")) >= 2
	}, time.Second*5, time.Millisecond*10)
	if events := kinds("/x/receiver"); assert.NotEmpty(events) {
		assert.Equal("status", events[0])
	}

	assert.Equal(http.StatusOK, call("DELETE", "/api/unsubscribe/"+s1).Code)
	assert.Equal(http.StatusOK, call("GET", "/api/status/"+s2).Code)
	assert.Equal(1, manager.Sessions())

	assert.Equal(http.StatusOK, call("DELETE", "/api/unsubscribe/"+s2).Code)
	assert.Equal(0, manager.Sessions())
	assert.Equal(http.StatusNotFound, call("GET", "/api/status/"+s1).Code)
	assert.Equal(http.StatusNotFound, call("GET", "/api/status/"+s2).Code)
	assert.Equal(http.StatusNotFound, call("DELETE", "/api/unsubscribe/"+s1).Code)
}
