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
	"sort"
	"sync"

	"github.com/apex/log"
	"github.com/stagybee/extractor/common"
)

// Registry tracks the set of webhook URLs subscribed to each topic
type Registry interface {
	/*
		Add register a URL against a topic. Registering the same URL twice is a no-op.

		 @param topic string - the topic
		 @param url string - the subscriber URL
	*/
	Add(topic, url string)

	/*
		Remove drop a URL from a topic. Removing an unknown URL is a no-op.

		 @param topic string - the topic
		 @param url string - the subscriber URL
	*/
	Remove(topic, url string)

	// RemoveTopic drop every URL registered against a topic
	RemoveTopic(topic string)

	// Count number of URLs registered against a topic
	Count(topic string) int

	// Subscribers sorted snapshot of the URLs registered against a topic
	Subscribers(topic string) []string

	/*
		ForEachSubscriber call fn once for each URL registered against the topic

		The URL set is snapshotted before any call is made. Calls run concurrently, and all
		are awaited before returning. An error from one call is logged and does not affect
		the others.

		 @param topic string - the topic
		 @param fn func(url string) error - the per URL call
	*/
	ForEachSubscriber(topic string, fn func(url string) error)
}

// registryImpl implements Registry
type registryImpl struct {
	common.Component
	lock   sync.Mutex
	topics map[string]map[string]struct{}
}

// GetRegistry define a new webhook registry
func GetRegistry() Registry {
	return &registryImpl{
		Component: common.Component{LogTags: log.Fields{
			"module": "webhook", "component": "registry",
		}},
		topics: make(map[string]map[string]struct{}),
	}
}

func (r *registryImpl) Add(topic, url string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	urls, ok := r.topics[topic]
	if !ok {
		urls = make(map[string]struct{})
		r.topics[topic] = urls
	}
	urls[url] = struct{}{}
}

func (r *registryImpl) Remove(topic, url string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	urls, ok := r.topics[topic]
	if !ok {
		return
	}
	delete(urls, url)
	if len(urls) == 0 {
		delete(r.topics, topic)
	}
}

func (r *registryImpl) RemoveTopic(topic string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.topics, topic)
}

func (r *registryImpl) Count(topic string) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.topics[topic])
}

func (r *registryImpl) Subscribers(topic string) []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	result := make([]string, 0, len(r.topics[topic]))
	for url := range r.topics[topic] {
		result = append(result, url)
	}
	sort.Strings(result)
	return result
}

func (r *registryImpl) ForEachSubscriber(topic string, fn func(url string) error) {
	urls := r.Subscribers(topic)
	if len(urls) == 0 {
		return
	}
	wg := sync.WaitGroup{}
	for _, url := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					log.WithFields(r.LogTags).Errorf("Subscriber %s of %s call panicked: %v", url, topic, p)
				}
			}()
			if err := fn(url); err != nil {
				log.WithError(err).WithFields(r.LogTags).Errorf("Subscriber %s of %s call failed", url, topic)
			}
		}(url)
	}
	wg.Wait()
}
