package events

import (
	"fmt"
	"strings"

	"github.com/ricesearch/zeroshot-eval/internal/config"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
	"github.com/ricesearch/zeroshot-eval/internal/pkg/logger"
)

// NewPublisher creates the publisher selected by cfg. When cfg.LogPath is
// set every event is also journaled to that file.
func NewPublisher(cfg config.EventsConfig, log *logger.Logger) (Publisher, error) {
	var p Publisher
	switch strings.ToLower(cfg.Type) {
	case "none", "":
		p = Nop{}

	case "memory":
		p = NewMemoryBus(log)

	case "kafka":
		brokers := ParseKafkaBrokers(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, errors.New(errors.CodeValidation, "kafka brokers not configured")
		}
		kp, err := NewKafkaPublisher(KafkaConfig{Brokers: brokers})
		if err != nil {
			return nil, err
		}
		p = kp

	default:
		return nil, errors.New(errors.CodeValidation, fmt.Sprintf("unknown events type: %s", cfg.Type))
	}

	if cfg.LogPath != "" {
		journal, err := OpenJournal(cfg.LogPath)
		if err != nil {
			p.Close()
			return nil, errors.Wrap(errors.CodeStorage, "opening event journal", err)
		}
		p = NewJournaledPublisher(p, journal, log)
	}
	return p, nil
}
