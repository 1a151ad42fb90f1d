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
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := GetRegistry()
	topic1 := uuid.NewString()
	topic2 := uuid.NewString()

	// Case 0: empty
	assert.Equal(0, uut.Count(topic1))
	assert.Empty(uut.Subscribers(topic1))
	uut.Remove(topic1, "http://a")

	// Case 1: add is idempotent
	uut.Add(topic1, "http://b")
	uut.Add(topic1, "http://a")
	uut.Add(topic1, "http://a")
	uut.Add(topic2, "http://a")
	assert.Equal(2, uut.Count(topic1))
	assert.Equal([]string{"http://a", "http://b"}, uut.Subscribers(topic1))
	assert.Equal(1, uut.Count(topic2))

	// Case 2: remove
	uut.Remove(topic1, "http://a")
	uut.Remove(topic1, "http://c")
	assert.Equal([]string{"http://b"}, uut.Subscribers(topic1))
	assert.Equal(1, uut.Count(topic2))

	// Case 3: remove topic
	uut.RemoveTopic(topic1)
	assert.Equal(0, uut.Count(topic1))
	assert.Equal(1, uut.Count(topic2))
}

func TestRegistryForEachSubscriber(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := GetRegistry()
	topic := uuid.NewString()
	for itr := 0; itr < 5; itr++ {
		uut.Add(topic, fmt.Sprintf("http://receiver-%d", itr))
	}

	// Case 0: failures do not stop other calls
	lock := sync.Mutex{}
	called := map[string]int{}
	uut.ForEachSubscriber(topic, func(url string) error {
		lock.Lock()
		called[url]++
		lock.Unlock()
		switch url {
		case "http://receiver-1":
			return fmt.Errorf("dummy error")
		case "http://receiver-3":
			panic("dummy panic")
		}
		return nil
	})
	assert.Len(called, 5)
	for url, count := range called {
		assert.Equalf(1, count, "url %s", url)
	}

	// Case 1: unknown topic
	var calls int32
	uut.ForEachSubscriber(uuid.NewString(), func(url string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	assert.Equal(int32(0), atomic.LoadInt32(&calls))
}
