// Copyright 2021-2022 The httpmq Authors
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

package changefeed

import (
	"context"
	"fmt"
	"strings"

	"github.com/alwitt/ddpserver/common"
	"github.com/alwitt/ddpserver/core"
	"github.com/apex/log"
)

// Publisher publishes messages onto subjects
type Publisher interface {
	// Publish publish a message on a subject, and wait for the ACK
	Publish(ctxt context.Context, subject string, msg []byte) error
}

// validateSubjectName a publish subject must be non-empty, free of
// whitespace and wildcards, and have no empty tokens
func validateSubjectName(subject string) error {
	if subject == "" {
		return fmt.Errorf("subject is empty")
	}
	if strings.ContainsAny(subject, " \t\r\n*>") {
		return fmt.Errorf("subject '%s' contains whitespace or wildcard", subject)
	}
	for _, token := range strings.Split(subject, ".") {
		if token == "" {
			return fmt.Errorf("subject '%s' has an empty token", subject)
		}
	}
	return nil
}

// jetStreamPublisherImpl implements Publisher over JetStream
type jetStreamPublisherImpl struct {
	common.Component
	nats *core.NatsClient
}

// GetJetStreamPublisher get new JetStream Publisher
func GetJetStreamPublisher(natsClient *core.NatsClient, instance string) (Publisher, error) {
	logTags := log.Fields{
		"module": "changefeed", "component": "js-publisher", "instance": instance,
	}
	return &jetStreamPublisherImpl{
		Component: common.Component{LogTags: logTags}, nats: natsClient,
	}, nil
}

// Publish publishes a message into JetStream on a subject
func (s *jetStreamPublisherImpl) Publish(ctxt context.Context, subject string, msg []byte) error {
	localLogTags := common.CopyLogTags(s.LogTags, log.Fields{"subject": subject})
	if err := validateSubjectName(subject); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to send message")
		return err
	}
	ack, err := s.nats.JetStream().PublishAsync(subject, msg)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to send message")
		return err
	}
	// Wait for success, failure, or timeout
	select {
	case goodSig, ok := <-ack.Ok():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture OK channel failure")
			log.WithError(err).WithFields(localLogTags).Errorf("Message send failure")
			return err
		}
		log.WithFields(localLogTags).Debugf("Sent [%d] to %s", goodSig.Sequence, goodSig.Stream)
		return nil
	case txErr, ok := <-ack.Err():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture error channel failure")
			log.WithError(err).WithFields(localLogTags).Errorf("Message send failure")
			return err
		}
		return txErr
	case <-ctxt.Done():
		err := ctxt.Err()
		log.WithError(err).WithFields(localLogTags).Errorf("Message send timed out")
		return err
	}
}
