package changefeed

import (
	"errors"
	"time"

	"github.com/alwitt/ddpserver/common"
	"github.com/alwitt/ddpserver/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// StreamParam parameters of the stream holding change events
type StreamParam struct {
	// Name is the stream name
	Name string `json:"name" validate:"required"`
	// Subjects is the list of subjects the stream captures
	Subjects []string `json:"subjects" validate:"required,min=1,dive,required"`
	// MaxAge is the max duration the stream keeps an event. 0 is unlimited.
	MaxAge time.Duration `json:"max_age" validate:"gte=0"`
	// MaxMsgs is the max number of events the stream keeps. 0 is unlimited.
	MaxMsgs int64 `json:"max_msgs" validate:"gte=0"`
}

// StreamController manages the change event stream
type StreamController interface {
	// EnsureStream create the stream if it does not exist. An existing stream
	// is extended to capture any missing subject.
	EnsureStream(param StreamParam) (*nats.StreamInfo, error)
	// GetStream query for info on a stream by name
	GetStream(name string) (*nats.StreamInfo, error)
	// DeleteStream delete a stream by name
	DeleteStream(name string) error
}

// streamControllerImpl implements StreamController
type streamControllerImpl struct {
	common.Component
	core     *core.NatsClient
	validate *validator.Validate
}

// GetStreamController define StreamController
func GetStreamController(natsCore *core.NatsClient, instance string) (StreamController, error) {
	logTags := log.Fields{
		"module":    "changefeed",
		"component": "stream-controller",
		"instance":  instance,
	}
	return &streamControllerImpl{
		Component: common.Component{LogTags: logTags},
		core:      natsCore,
		validate:  validator.New(),
	}, nil
}

// GetStream get info on one stream
func (c *streamControllerImpl) GetStream(name string) (*nats.StreamInfo, error) {
	info, err := c.core.JetStream().StreamInfo(name)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to get stream %s info", name)
	}
	return info, err
}

// EnsureStream define the stream, or extend an existing one
func (c *streamControllerImpl) EnsureStream(param StreamParam) (*nats.StreamInfo, error) {
	if err := c.validate.Struct(&param); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Invalid stream params")
		return nil, err
	}
	existing, err := c.core.JetStream().StreamInfo(param.Name)
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			log.WithError(err).WithFields(c.LogTags).Errorf("Unable to get stream %s info", param.Name)
			return nil, err
		}
		info, err := c.core.JetStream().AddStream(&nats.StreamConfig{
			Name:     param.Name,
			Subjects: param.Subjects,
			MaxAge:   param.MaxAge,
			MaxMsgs:  param.MaxMsgs,
		})
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf("Unable to define stream %s", param.Name)
			return nil, err
		}
		log.WithFields(c.LogTags).Infof("Defined stream %s", param.Name)
		return info, nil
	}

	// Extend the subjects if needed
	known := map[string]bool{}
	for _, subject := range existing.Config.Subjects {
		known[subject] = true
	}
	updated := existing.Config
	changed := false
	for _, subject := range param.Subjects {
		if !known[subject] {
			updated.Subjects = append(updated.Subjects, subject)
			changed = true
		}
	}
	if !changed {
		log.WithFields(c.LogTags).Debugf("Stream %s already defined", param.Name)
		return existing, nil
	}
	info, err := c.core.JetStream().UpdateStream(&updated)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Unable to change stream %s subjects", param.Name,
		)
		return nil, err
	}
	log.WithFields(c.LogTags).Infof("Stream %s now captures %v", param.Name, info.Config.Subjects)
	return info, nil
}

// DeleteStream delete a stream
func (c *streamControllerImpl) DeleteStream(name string) error {
	if err := c.core.JetStream().DeleteStream(name); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to delete stream %s", name)
		return err
	}
	log.WithFields(c.LogTags).Infof("Deleted stream %s", name)
	return nil
}
