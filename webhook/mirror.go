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
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/nats-io/nats.go"
	"github.com/stagybee/extractor/common"
	"github.com/stagybee/extractor/core"
)

// natsEventMirror publishes delivered events onto NATS subjects
type natsEventMirror struct {
	common.Component
	client core.NatsClient
	prefix string
}

/*
GetNATSEventMirror define a new EventMirror publishing to "<prefix>.<topic>.<kind>"

 @param client core.NatsClient - the NATS client
 @param prefix string - subject prefix
 @return new EventMirror
*/
func GetNATSEventMirror(client core.NatsClient, prefix string) (EventMirror, error) {
	if prefix == "" {
		return nil, fmt.Errorf("NATS subject prefix is empty")
	}
	logTags := client.CopyLogTags()
	logTags["module"] = "webhook"
	logTags["component"] = "nats-mirror"
	return &natsEventMirror{
		Component: common.Component{LogTags: logTags},
		client:    client,
		prefix:    prefix,
	}, nil
}

// subjectToken replace characters with special meaning in a NATS subject
func subjectToken(token string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, token)
}

// MirrorSubject the subject an event of a topic is published on
func MirrorSubject(prefix, topic string, kind EventKind) string {
	return fmt.Sprintf("%s.%s.%s", prefix, subjectToken(topic), subjectToken(string(kind)))
}

func (m *natsEventMirror) Mirror(
	ctxt context.Context, topic string, kind EventKind, body []byte,
) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	msg := nats.NewMsg(MirrorSubject(m.prefix, topic, kind))
	msg.Header.Set(HeaderEvent, string(kind))
	msg.Data = body
	if err := m.client.Conn().PublishMsg(msg); err != nil {
		return err
	}
	log.WithFields(m.LogTags).Debugf("Mirrored %s event on %s", kind, msg.Subject)
	return nil
}
