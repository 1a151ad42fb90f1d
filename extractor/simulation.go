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
	"math/rand"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/stagybee/extractor/common"
)

const simulationChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// simulationExtractor implements Extractor by generating random rosters
type simulationExtractor struct {
	common.Component
	config  common.SimulationExtractorConfig
	rng     *rand.Rand
	lock    sync.Mutex
	current Roster
	stop    chan struct{}
	stopped sync.Once
}

// GetSimulationExtractor define a new simulation extractor
func GetSimulationExtractor(
	instance string, config common.SimulationExtractorConfig, source rand.Source,
) (Extractor, error) {
	logTags := log.Fields{
		"module": "extractor", "component": "simulation", "instance": instance,
	}
	return &simulationExtractor{
		Component: common.Component{LogTags: logTags},
		config:    config,
		rng:       rand.New(source),
		current:   Roster{Names: []Person{}},
		stop:      make(chan struct{}),
	}, nil
}

// Login nothing to log into
func (e *simulationExtractor) Login(_ context.Context) error {
	log.WithFields(e.LogTags).Debug("Simulated login")
	return nil
}

// GetListeners generate a new roster after every random delay
func (e *simulationExtractor) GetListeners(ctxt context.Context, onChange RosterHandler) error {
	log.WithFields(e.LogTags).Info("Starting simulated roster stream")
	defer log.WithFields(e.LogTags).Info("Simulated roster stream ended")
	for {
		select {
		case <-ctxt.Done():
			return ctxt.Err()
		case <-e.stop:
			return nil
		case <-time.After(e.nextDelay()):
			roster := e.generate()
			e.lock.Lock()
			e.current = roster
			e.lock.Unlock()
			if err := onChange(ctxt, roster.Copy()); err != nil {
				log.WithError(err).WithFields(e.LogTags).Error("Roster handler failed")
				return err
			}
		}
	}
}

// StopListener end the simulated stream
func (e *simulationExtractor) StopListener(_ context.Context) error {
	e.stopped.Do(func() {
		log.WithFields(e.LogTags).Debug("Stopping simulated roster stream")
		close(e.stop)
	})
	return nil
}

// GetListenersSnapshot fetch the last generated roster
func (e *simulationExtractor) GetListenersSnapshot(_ context.Context) (Roster, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.current.Copy(), nil
}

func (e *simulationExtractor) nextDelay() time.Duration {
	e.lock.Lock()
	defer e.lock.Unlock()
	spread := e.config.MaxDelay - e.config.MinDelay
	delay := e.config.MinDelay
	if spread > 0 {
		delay += e.rng.Intn(spread)
	}
	return time.Millisecond * time.Duration(delay)
}

// generate a random roster. Half of the rosters are empty.
func (e *simulationExtractor) generate() Roster {
	e.lock.Lock()
	defer e.lock.Unlock()
	names := []Person{}
	if e.config.MaxNames == 0 || e.rng.Intn(2) == 0 {
		return Roster{Names: names}
	}
	count := e.rng.Intn(e.config.MaxNames + 1)
	for itr := 0; itr < count; itr++ {
		names = append(names, Person{
			ID:             itr + 1,
			FamilyName:     e.randomString(e.rng.Intn(20)),
			GivenName:      e.randomString(e.rng.Intn(20)),
			RequestToSpeak: e.rng.Intn(2) == 1,
			Speaking:       e.rng.Intn(2) == 1,
			ListenerCount:  1 + e.rng.Intn(9),
			ListenerType:   3 + e.rng.Intn(2),
		})
	}
	return Roster{Names: names}
}

func (e *simulationExtractor) randomString(length int) string {
	result := make([]byte, length)
	for idx := range result {
		result[idx] = simulationChars[e.rng.Intn(len(simulationChars))]
	}
	return string(result)
}
