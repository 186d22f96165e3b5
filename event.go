// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package abtest

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// EventType distinguishes the two records the decision path emits.
type EventType string

const (
	EventInvocation EventType = "invocation"
	EventConversion EventType = "conversion"
)

// ErrUnsupportedEventType rejects event records whose type is outside the
// closed invocation/conversion set.
var ErrUnsupportedEventType = errors.New("unsupported event type")

// Event is one append-only record of a decision outcome. Events travel as
// single JSON lines (newline-delimited) between the emitting handler and
// the batch applier; order across producers is not assumed.
//
// Reward is present exactly on conversion events. SourceIP and UserAgent
// carry the request identity observed at the HTTP boundary and are omitted
// when unknown.
type Event struct {
	Timestamp       int64     `json:"timestamp"`
	Type            EventType `json:"type"`
	EndpointName    string    `json:"endpoint_name"`
	EndpointVariant string    `json:"endpoint_variant"`
	UserID          string    `json:"user_id"`
	InferenceID     string    `json:"inference_id"`
	Reward          *float64  `json:"reward,omitempty"`
	SourceIP        string    `json:"source_ip,omitempty"`
	UserAgent       string    `json:"user_agent,omitempty"`
}

// Validate rejects records that cannot be folded into variant counters.
// Foreign or partial records coming off the stream are dropped at this
// boundary rather than poisoning the store.
func (e Event) Validate() error {
	switch e.Type {
	case EventInvocation:
		if e.Reward != nil {
			return errors.New("invocation event carries a reward")
		}
	case EventConversion:
		if e.Reward == nil {
			return errors.New("conversion event missing reward")
		}
		if *e.Reward < 0 {
			return errors.Errorf("conversion reward %v is negative", *e.Reward)
		}
	default:
		return errors.Wrapf(ErrUnsupportedEventType, "type %q", e.Type)
	}
	if e.EndpointName == "" {
		return errors.New("event missing endpoint_name")
	}
	if e.EndpointVariant == "" {
		return errors.New("event missing endpoint_variant")
	}
	if e.UserID == "" {
		return errors.New("event missing user_id")
	}
	if e.InferenceID == "" {
		return errors.New("event missing inference_id")
	}
	return nil
}

// RewardValue returns the attached reward, 0 for invocations.
func (e Event) RewardValue() float64 {
	if e.Reward == nil {
		return 0
	}
	return *e.Reward
}

// MarshalLine renders the event as one newline-terminated JSON line, the
// wire form shared by the stream, the spool, and batch artifacts.
func (e Event) MarshalLine() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "marshal event")
	}
	return append(b, '\n'), nil
}

// ParseEventLine decodes a single JSON event line and validates it.
func ParseEventLine(line []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return Event{}, errors.Wrap(err, "decode event line")
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
