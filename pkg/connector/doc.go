// Package connector is the glue that moves exchanges between the
// aggregation repository, the long-poll event sessions and external systems.
//
// # Architecture Overview
//
// The connector package is organized into several sub-packages:
//
//   - core: Defines Processor, Producer, Consumer, Endpoint and Component.
//     A component owns a URI scheme and turns a URI into an endpoint.
//
//   - registry: Maps schemes to components and resolves URIs of the form
//     scheme:remaining?key=value.
//
//   - components: The bundled components. box-events consumes a long-poll
//     change feed; s3, gcs, kafka, mqtt and log produce.
//
//   - shared/payload: Encodes an exchange as the bytes a producer writes
//     (blob, body, json or avro).
//
// # Usage
//
//	reg := registry.NewRegistry(log)
//	if err := components.RegisterAll(reg, cd, log); err != nil {
//	    return err
//	}
//	ep, err := reg.Resolve(ctx, "kafka:orders?brokers=localhost:9092&format=blob")
//	if err != nil {
//	    return err
//	}
//	producer, err := ep.CreateProducer(ctx)
//
// Producers are safe for concurrent use. Errors returned by producers are
// nebulaerrors values; connection and timeout failures are retryable.
package connector
