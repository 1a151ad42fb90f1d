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
	"math/rand"
	"time"

	"github.com/apex/log"
	"github.com/stagybee/extractor/common"
)

// AutoLoginKeyLength is the length of an upstream congregation key which allows
// logging in without credentials
const AutoLoginKeyLength = 12

// Extractor logs into the upstream platform and follows the roster of one congregation
// session
type Extractor interface {
	// Login authenticate against the upstream platform
	Login(ctxt context.Context) error

	// GetListeners follow the roster, calling onChange with every roster observed.
	//
	// Blocks until the stream ends (returns nil), the context is done (returns the context
	// error), StopListener is called (returns nil), or the upstream fails.
	GetListeners(ctxt context.Context, onChange RosterHandler) error

	// StopListener stop following the roster and release the upstream session
	StopListener(ctxt context.Context) error

	// GetListenersSnapshot fetch the current roster
	GetListenersSnapshot(ctxt context.Context) (Roster, error)
}

// Credentials identify the upstream congregation session
type Credentials struct {
	// ID is the upstream congregation key. Used for key based login when it has
	// length AutoLoginKeyLength.
	ID string
	// Congregation is the congregation name for form login
	Congregation string
	// Username is the form login user
	Username string
	// Password is the form login password
	Password string
}

// Factory defines new extractor instances
type Factory interface {
	// NewExtractor define a new extractor for one session
	NewExtractor(instance string, creds Credentials) (Extractor, error)
}

// liveFactory produces extractors talking to the upstream platform
type liveFactory struct {
	common.Component
	config   common.LiveExtractorConfig
	proxyURL string
}

// NewExtractor define a new live extractor
func (f *liveFactory) NewExtractor(instance string, creds Credentials) (Extractor, error) {
	log.WithFields(f.LogTags).Debugf("Defining live extractor for %s", instance)
	return GetLiveExtractor(instance, f.config, creds, f.proxyURL)
}

// simulationFactory produces extractors generating random rosters
type simulationFactory struct {
	common.Component
	config common.SimulationExtractorConfig
}

// NewExtractor define a new simulation extractor
func (f *simulationFactory) NewExtractor(instance string, _ Credentials) (Extractor, error) {
	log.WithFields(f.LogTags).Debugf("Defining simulation extractor for %s", instance)
	return GetSimulationExtractor(instance, f.config, rand.NewSource(time.Now().UnixNano()))
}

// GetFactory define the extractor factory for the configured mode
func GetFactory(config common.ExtractorConfig, proxyURL string) (Factory, error) {
	logTags := log.Fields{
		"module": "extractor", "component": "factory", "instance": config.Mode,
	}
	switch config.Mode {
	case common.ExtractorModeLive:
		return &liveFactory{
			Component: common.Component{LogTags: logTags},
			config:    config.Live,
			proxyURL:  proxyURL,
		}, nil
	case common.ExtractorModeSimulation:
		return &simulationFactory{
			Component: common.Component{LogTags: logTags},
			config:    config.Simulation,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported extractor mode '%s'", config.Mode)
	}
}
