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

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/apex/log"
	"github.com/stagybee/extractor/common"
)

// EventKind names the type of event carried by a webhook POST
type EventKind string

// Supported event kinds
const (
	// EventStatus the body is a session status envelope
	EventStatus EventKind = "status"
	// EventListeners the body is a roster envelope
	EventListeners EventKind = "listeners"
	// EventError marks a failed REST call
	EventError EventKind = "error"
)

// Headers marking the event and action of a request or response
const (
	HeaderEvent  = "X-STAGYBEE-EXTRACTOR-EVENT"
	HeaderAction = "X-STAGYBEE-EXTRACTOR-ACTION"
)

// DeliveryError a failed POST to one subscriber
type DeliveryError struct {
	URL string
	Err error
}

func (e DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %s", e.URL, e.Err)
}

func (e DeliveryError) Unwrap() error {
	return e.Err
}

// EventMirror receives a copy of every event delivered for a topic
type EventMirror interface {
	/*
		Mirror publish an already encoded event

		 @param ctxt context.Context - context of the call
		 @param topic string - the topic the event belongs to
		 @param kind EventKind - the event kind
		 @param body []byte - the JSON encoded event
	*/
	Mirror(ctxt context.Context, topic string, kind EventKind, body []byte) error
}

// Dispatcher POSTs events to webhook subscribers
type Dispatcher interface {
	/*
		Deliver POST the event to every subscriber of the topic

		All POSTs are awaited before returning. Failures are logged and never returned.

		 @param ctxt context.Context - context of the call
		 @param topic string - the topic
		 @param kind EventKind - the event kind
		 @param payload interface{} - the event body, JSON encoded
	*/
	Deliver(ctxt context.Context, topic string, kind EventKind, payload interface{})

	/*
		DeliverTo POST the event to one URL

		 @param ctxt context.Context - context of the call
		 @param url string - the target URL
		 @param kind EventKind - the event kind
		 @param payload interface{} - the event body, JSON encoded
		 @return DeliveryError if the POST failed
	*/
	DeliverTo(ctxt context.Context, url string, kind EventKind, payload interface{}) error
}

// dispatcherImpl implements Dispatcher
type dispatcherImpl struct {
	common.Component
	registry Registry
	client   *http.Client
	mirror   EventMirror
}

/*
GetDispatcher define a new webhook dispatcher

 @param registry Registry - the subscriber registry
 @param client *http.Client - the client making the POSTs
 @param mirror EventMirror - optional mirror receiving a copy of every delivered event
 @return new Dispatcher
*/
func GetDispatcher(registry Registry, client *http.Client, mirror EventMirror) Dispatcher {
	return &dispatcherImpl{
		Component: common.Component{LogTags: log.Fields{
			"module": "webhook", "component": "dispatcher",
		}},
		registry: registry,
		client:   client,
		mirror:   mirror,
	}
}

/*
NewHTTPClient define the HTTP client used for webhook POSTs

 @param cfg common.WebhookConfig - webhook delivery config
 @return new client
*/
func NewHTTPClient(cfg common.WebhookConfig) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.ProxyURL, err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}
	return &http.Client{
		Transport: transport,
		Timeout:   time.Second * time.Duration(cfg.RequestTimeout),
	}, nil
}

func (d *dispatcherImpl) Deliver(
	ctxt context.Context, topic string, kind EventKind, payload interface{},
) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Unable to encode %s event for %s", kind, topic)
		return
	}
	d.registry.ForEachSubscriber(topic, func(url string) error {
		return d.post(ctxt, url, kind, body)
	})
	if d.mirror != nil {
		if err := d.mirror.Mirror(ctxt, topic, kind, body); err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf("Unable to mirror %s event for %s", kind, topic)
		}
	}
}

func (d *dispatcherImpl) DeliverTo(
	ctxt context.Context, url string, kind EventKind, payload interface{},
) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return DeliveryError{URL: url, Err: err}
	}
	return d.post(ctxt, url, kind, body)
}

// post send one encoded event
func (d *dispatcherImpl) post(ctxt context.Context, url string, kind EventKind, body []byte) error {
	req, err := http.NewRequestWithContext(ctxt, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return DeliveryError{URL: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(kind))
	resp, err := d.client.Do(req)
	if err != nil {
		return DeliveryError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	// The body must reach EOF for the connection to return to the pool
	_, _ = io.Copy(io.Discard, resp.Body)
	log.WithFields(d.LogTags).Debugf("Delivered %s event to %s: %d", kind, url, resp.StatusCode)
	if resp.StatusCode >= http.StatusBadRequest {
		return DeliveryError{URL: url, Err: fmt.Errorf("subscriber responded %s", resp.Status)}
	}
	return nil
}
