package connector_test

import (
	"context"
	"fmt"
	"log"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-components/pkg/codec"
	"github.com/ajitpratap0/nebula-components/pkg/connector/components"
	"github.com/ajitpratap0/nebula-components/pkg/connector/components/logsink"
	"github.com/ajitpratap0/nebula-components/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-components/pkg/exchange"
)

// Example demonstrates resolving an endpoint through the registry and
// sending an exchange to it.
func Example() {
	ctx := context.Background()

	cd, err := codec.New()
	if err != nil {
		log.Fatal(err)
	}
	reg := registry.NewRegistry(zap.NewNop())
	if err := components.RegisterAll(reg, cd, zap.NewNop()); err != nil {
		log.Fatal(err)
	}
	fmt.Println("schemes:", reg.Schemes())

	ep, err := reg.Resolve(ctx, "log:orders?level=debug&showBody=false")
	if err != nil {
		log.Fatal(err)
	}
	producer, err := ep.CreateProducer(ctx)
	if err != nil {
		log.Fatal(err)
	}
	defer producer.Close(ctx)

	ex := exchange.New(map[string]any{"order": 42}, exchange.WithID("ex-1"))
	if err := producer.Process(ctx, ex); err != nil {
		log.Fatal(err)
	}
	fmt.Println("logged:", producer.(*logsink.Producer).Count())

	// Output:
	// schemes: [box-events gcs kafka log mqtt s3]
	// logged: 1
}
