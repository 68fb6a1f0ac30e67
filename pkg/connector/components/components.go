// Package components registers the bundled components with a registry.
package components

import (
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-components/pkg/codec"
	"github.com/ajitpratap0/nebula-components/pkg/connector/components/events"
	"github.com/ajitpratap0/nebula-components/pkg/connector/components/gcs"
	"github.com/ajitpratap0/nebula-components/pkg/connector/components/kafka"
	"github.com/ajitpratap0/nebula-components/pkg/connector/components/logsink"
	"github.com/ajitpratap0/nebula-components/pkg/connector/components/mqtt"
	"github.com/ajitpratap0/nebula-components/pkg/connector/components/s3"
	"github.com/ajitpratap0/nebula-components/pkg/connector/core"
	"github.com/ajitpratap0/nebula-components/pkg/connector/registry"
)

// RegisterAll registers box-events, s3, gcs, kafka, mqtt and log with r.
// Producers encode blob payloads with cd.
func RegisterAll(r *registry.Registry, cd *codec.Codec, log *zap.Logger, eventOpts ...events.Option) error {
	all := []core.Component{
		events.NewComponent(log, eventOpts...),
		s3.NewComponent(cd, log),
		gcs.NewComponent(cd, log),
		kafka.NewComponent(cd, log),
		mqtt.NewComponent(cd, log),
		logsink.NewComponent(log),
	}
	for _, c := range all {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
