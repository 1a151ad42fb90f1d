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
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/stagybee/extractor/common"
	"github.com/stagybee/extractor/session"
	"github.com/stagybee/extractor/webhook"
)

// Values of the action header of each route
const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionStatus      = "status"
	actionMeta        = "meta"
)

// ReadinessCheck reports whether the service dependencies are usable
type ReadinessCheck func() error

// APIRestExtractorHandler REST handler for the roster extractor
type APIRestExtractorHandler struct {
	goutils.RestAPIHandler
	manager  session.Manager
	metaFile string
	ready    ReadinessCheck
}

/*
GetAPIRestExtractorHandler define APIRestExtractorHandler

 @param manager session.Manager - the session manager
 @param endpoints *common.APIEndpointConfig - end-point config
 @param httpConfig *common.HTTPConfig - HTTP server config
 @param ready ReadinessCheck - optional readiness check
 @return new handler
*/
func GetAPIRestExtractorHandler(
	manager session.Manager,
	endpoints *common.APIEndpointConfig,
	httpConfig *common.HTTPConfig,
	ready ReadinessCheck,
) (APIRestExtractorHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "extractor",
	}
	return APIRestExtractorHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		manager:  manager,
		metaFile: endpoints.MetaFile,
		ready:    ready,
	}, nil
}

// APIRestRespSubscribe response to a subscribe call
type APIRestRespSubscribe struct {
	goutils.RestAPIBaseResponse
	// SessionID identifies the subscription
	SessionID string `json:"sessionId,omitempty"`
}

// Write logging support
func (h APIRestExtractorHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// markResponse set the headers common to every response of a call
func (h APIRestExtractorHandler) markResponse(
	w http.ResponseWriter, r *http.Request, action string, respCode int,
) {
	w.Header().Set(webhook.HeaderAction, action)
	if respCode >= http.StatusBadRequest {
		w.Header().Set(webhook.HeaderEvent, string(webhook.EventError))
	}
	if reqID := h.ReadRequestIDFromContext(r.Context()); reqID != "" && h.CallRequestIDHeaderField != nil {
		w.Header().Set(*h.CallRequestIDHeaderField, reqID)
	}
}

// respond write a JSON response of a call
func (h APIRestExtractorHandler) respond(
	w http.ResponseWriter, r *http.Request, action string, respCode int, respBody interface{},
) {
	h.markResponse(w, r, action, respCode)
	if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
		log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).Errorf(
			"Failed to form %s response", action,
		)
	}
}

// -----------------------------------------------------------------------

// Subscribe godoc
// @Summary Subscribe a webhook to a congregation session
// @Description Register a webhook URL against the session identified by the credentials,
// starting the session if needed.
// @tags Extractor
// @Accept json
// @Produce json
// @Param Stagybee-Request-ID header string false "User provided request ID to match against logs"
// @Param request body session.SubscribeRequest true "Subscription parameters"
// @Success 200 {object} APIRestRespSubscribe "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /api/subscribe [post]
func (h APIRestExtractorHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		h.respond(w, r, actionSubscribe, respCode, respBody)
	}()

	if r.Body == nil {
		r.Body = http.NoBody
	}
	var request session.SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "Unable to parse request body"
		if errors.Is(err, io.EOF) {
			msg = "Empty request body"
		}
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	resp, err := h.manager.Subscribe(r.Context(), request)
	if err != nil {
		var validationErr session.ValidationError
		respCode = http.StatusInternalServerError
		msg := "Subscribe failed"
		if errors.As(err, &validationErr) {
			respCode = http.StatusBadRequest
			msg = "Invalid subscription"
		}
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespSubscribe{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, SessionID: string(resp.SessionID),
	}
}

// SubscribeHandler Wrapper around Subscribe
func (h APIRestExtractorHandler) SubscribeHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Subscribe)
}

// -----------------------------------------------------------------------

// Unsubscribe godoc
// @Summary Drop a subscription
// @Description Drop a subscription. The session ends with its last subscription.
// @tags Extractor
// @Produce json
// @Param Stagybee-Request-ID header string false "User provided request ID to match against logs"
// @Param sessionId path string true "Subscription ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /api/unsubscribe/{sessionId} [delete]
func (h APIRestExtractorHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		h.respond(w, r, actionUnsubscribe, respCode, respBody)
	}()

	id := session.SubscriptionID(mux.Vars(r)["sessionId"])
	if err := h.manager.Unsubscribe(r.Context(), id); err != nil {
		var notFound session.NotFoundError
		if errors.As(err, &notFound) {
			log.WithFields(localLogTags).Infof("Unknown session id %s", id)
			respCode = http.StatusNotFound
			respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, "Unknown session id", err.Error())
			return
		}
		log.WithError(err).WithFields(localLogTags).Errorf("Unsubscribe %s failed", id)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, "Unsubscribe failed", err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// UnsubscribeHandler Wrapper around Unsubscribe
func (h APIRestExtractorHandler) UnsubscribeHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Unsubscribe)
}

// -----------------------------------------------------------------------

// Status godoc
// @Summary Query session status
// @Description Query the status of the session a subscription belongs to
// @tags Extractor
// @Produce json
// @Param Stagybee-Request-ID header string false "User provided request ID to match against logs"
// @Param sessionId path string true "Subscription ID"
// @Success 200 {object} session.Status "success"
// @Failure 404 {object} session.Status "unknown subscription"
// @Router /api/status/{sessionId} [get]
func (h APIRestExtractorHandler) Status(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	id := session.SubscriptionID(mux.Vars(r)["sessionId"])
	status, err := h.manager.Status(r.Context(), id)
	if err != nil {
		respCode := http.StatusInternalServerError
		var notFound session.NotFoundError
		if errors.As(err, &notFound) {
			respCode = http.StatusNotFound
		} else {
			log.WithError(err).WithFields(localLogTags).Errorf("Status of %s failed", id)
		}
		h.respond(w, r, actionStatus, respCode, session.Status{Running: false, ServerTime: time.Now()})
		return
	}

	h.respond(w, r, actionStatus, http.StatusOK, status)
}

// StatusHandler Wrapper around Status
func (h APIRestExtractorHandler) StatusHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Status)
}

// -----------------------------------------------------------------------

// Meta godoc
// @Summary Service metadata
// @Description Serve the configured metadata file as is
// @tags Extractor
// @Produce json
// @Success 200 {string} string "metadata"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /api/meta [get]
func (h APIRestExtractorHandler) Meta(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	content, err := os.ReadFile(h.metaFile)
	if err != nil {
		respCode := http.StatusInternalServerError
		if errors.Is(err, os.ErrNotExist) {
			respCode = http.StatusNotFound
		}
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to read %s", h.metaFile)
		h.respond(
			w, r, actionMeta, respCode,
			h.GetStdRESTErrorMsg(r.Context(), respCode, "Metadata unavailable", err.Error()),
		)
		return
	}

	h.markResponse(w, r, actionMeta, http.StatusOK)
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(content); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to write metadata")
	}
}

// MetaHandler Wrapper around Meta
func (h APIRestExtractorHandler) MetaHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Meta)
}

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For extractor REST API liveness check
// @Description Will return success to indicate REST API module is live
// @tags Extractor
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /api/alive [get]
func (h APIRestExtractorHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestExtractorHandler) AliveHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Alive)
}

// Ready godoc
// @Summary For extractor REST API readiness check
// @Description Will return success if the service dependencies are usable
// @tags Extractor
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /api/ready [get]
func (h APIRestExtractorHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.ready != nil {
		if err := h.ready(); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Not ready")
			respCode = http.StatusServiceUnavailable
			respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
			return
		}
	}
	log.WithFields(localLogTags).Debugf("Ready with %d sessions", h.manager.Sessions())
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestExtractorHandler) ReadyHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Ready)
}
