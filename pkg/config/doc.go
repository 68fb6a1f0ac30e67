// Package config provides configuration management for the components.
//
// # Key Features
//
// - BaseConfig: the sections every component shares
// - AggregationConfig and EventsConfig embed BaseConfig inline
// - Environment variable substitution with ${VAR_NAME} and ${VAR_NAME:-default}
// - Defaults from the New* constructors, validation with Validate
//
// # Usage
//
//	cfg := config.NewAggregationConfig("orders")
//	if err := config.Load("aggregation.yaml", cfg); err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
//
// ## Environment Variable Substitution
//
//	# events.yaml
//	name: enterprise
//	type: box-events
//	credentials:
//	  client_id: ${BOX_CLIENT_ID}
//	  client_secret: ${BOX_CLIENT_SECRET}
//	  subject_type: enterprise
//	  subject_id: ${BOX_ENTERPRISE_ID}
//	initial_position: ${BOX_STREAM_POSITION:-now}
//
// Unknown keys are rejected so that a misspelled option fails at load time
// instead of silently falling back to its default.
package config
