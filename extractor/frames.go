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
	"encoding/json"
	"fmt"
)

// Upstream roster stream actions
const (
	actionAddRow    = "addrow"
	actionDelRow    = "delrow"
	actionUnmute    = "unmute"
	actionNewSpeech = "newspeech"
	actionDelSpeech = "delspeech"
)

// intBool is a boolean transmitted as 0 / 1
type intBool bool

// UnmarshalJSON implements json.Unmarshaler
func (b *intBool) UnmarshalJSON(data []byte) error {
	var value int
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	*b = value == 1
	return nil
}

// AddRowFrame a participant joined
type AddRowFrame struct {
	MuteStatus    intBool `json:"mutestatus"`
	SpeechRequest intBool `json:"speechrequest"`
	Name          string  `json:"name"`
	Listener      int     `json:"listener"`
	Connected     string  `json:"connected"`
	FamilyName    string  `json:"sn"`
	UTCConnected  string  `json:"utc_connected"`
	GivenName     string  `json:"gn"`
	Login         string  `json:"login"`
	Type          int     `json:"type"`
	ID            int     `json:"id"`
}

// DelRowFrame a participant left
type DelRowFrame struct {
	Listener int `json:"listener"`
	ID       int `json:"id"`
}

// SpeechFrame a participant speech state changed
type SpeechFrame struct {
	MuteStatus    intBool `json:"mutestatus"`
	SpeechRequest intBool `json:"speechrequest"`
	ID            int     `json:"id"`
}

// Frame one parsed roster stream message. Exactly one of the frame pointers is set.
type Frame struct {
	Action string
	AddRow *AddRowFrame
	DelRow *DelRowFrame
	Speech *SpeechFrame
}

type rawFrame struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// ParseFrame parse one roster stream message.
//
// Returns false if the message is valid but carries nothing roster related
// (ping, streamer info, etc.).
func ParseFrame(message []byte) (Frame, bool, error) {
	var raw rawFrame
	if err := json.Unmarshal(message, &raw); err != nil {
		return Frame{}, false, err
	}
	var target interface{}
	frame := Frame{Action: raw.Action}
	switch raw.Action {
	case actionAddRow:
		frame.AddRow = &AddRowFrame{}
		target = frame.AddRow
	case actionDelRow:
		frame.DelRow = &DelRowFrame{}
		target = frame.DelRow
	case actionUnmute, actionNewSpeech, actionDelSpeech:
		frame.Speech = &SpeechFrame{}
		target = frame.Speech
	default:
		return Frame{}, false, nil
	}
	if len(raw.Data) == 0 {
		return Frame{}, false, fmt.Errorf("action '%s' carries no data", raw.Action)
	}
	if err := json.Unmarshal(raw.Data, target); err != nil {
		return Frame{}, false, err
	}
	return frame, true, nil
}

// Apply update a roster with a frame. The roster is modified in place.
func (f Frame) Apply(roster *Roster) {
	find := func(id int) int {
		for idx, person := range roster.Names {
			if person.ID == id {
				return idx
			}
		}
		return -1
	}
	switch {
	case f.AddRow != nil:
		person := Person{
			ID:             f.AddRow.ID,
			FamilyName:     f.AddRow.FamilyName,
			GivenName:      f.AddRow.GivenName,
			RequestToSpeak: bool(f.AddRow.SpeechRequest),
			Speaking:       bool(f.AddRow.MuteStatus),
			ListenerCount:  f.AddRow.Listener,
			ListenerType:   f.AddRow.Type,
		}
		if idx := find(person.ID); idx >= 0 {
			roster.Names[idx] = person
		} else {
			roster.Names = append(roster.Names, person)
		}
	case f.DelRow != nil:
		if idx := find(f.DelRow.ID); idx >= 0 {
			roster.Names = append(roster.Names[:idx], roster.Names[idx+1:]...)
		}
	case f.Speech != nil:
		if idx := find(f.Speech.ID); idx >= 0 {
			roster.Names[idx].RequestToSpeak = bool(f.Speech.SpeechRequest)
			roster.Names[idx].Speaking = bool(f.Speech.MuteStatus)
		}
	}
}
