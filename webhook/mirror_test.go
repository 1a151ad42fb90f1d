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
	"context"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/stagybee/extractor/core"
	"github.com/stretchr/testify/assert"
)

func TestMirrorSubject(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("stagybee.abcdef123456.status", MirrorSubject("stagybee", "abcdef123456", EventStatus))
	assert.Equal("p.a_b_c_d.listeners", MirrorSubject("p", "a.b*c>d", EventListeners))
}

func TestNATSEventMirror(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithTimeout(context.Background(), time.Second*10)
	defer utCancel()

	natsServer, err := server.NewServer(&server.Options{
		Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true,
	})
	assert.Nil(err)
	go natsServer.Start()
	defer natsServer.Shutdown()
	assert.True(natsServer.ReadyForConnections(time.Second * 5))

	client, err := core.GetNatsClient(core.NATSConnectParams{
		ServerURI:           natsServer.ClientURL(),
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
	})
	assert.Nil(err)
	defer client.Close(utCtxt)

	// Case 0: empty prefix
	_, err = GetNATSEventMirror(client, "")
	assert.NotNil(err)

	prefix := "ut-" + uuid.NewString()[:8]
	uut, err := GetNATSEventMirror(client, prefix)
	assert.Nil(err)

	topic := "abcdef123456"
	sub, err := client.Conn().SubscribeSync(prefix + "." + topic + ".>")
	assert.Nil(err)
	assert.Nil(client.Conn().Flush())

	// Case 1: publish
	assert.Nil(uut.Mirror(utCtxt, topic, EventListeners, []byte(`{"names":[]}`)))
	msg, err := sub.NextMsg(time.Second * 5)
	assert.Nil(err)
	if err == nil {
		assert.Equal(prefix+"."+topic+".listeners", msg.Subject)
		assert.Equal("listeners", msg.Header.Get(HeaderEvent))
		assert.Equal(`{"names":[]}`, string(msg.Data))
	}

	// Case 2: dispatcher mirrors after delivery
	dispatcher := GetDispatcher(GetRegistry(), nil, uut)
	dispatcher.Deliver(utCtxt, topic, EventStatus, map[string]interface{}{"running": true})
	msg, err = sub.NextMsg(time.Second * 5)
	assert.Nil(err)
	if err == nil {
		assert.Equal(prefix+"."+topic+".status", msg.Subject)
		assert.Equal(`{"running":true}`, string(msg.Data))
	}

	// Case 3: cancelled context
	cancelled, cancel := context.WithCancel(utCtxt)
	cancel()
	assert.NotNil(uut.Mirror(cancelled, topic, EventStatus, []byte(`{}`)))
}
