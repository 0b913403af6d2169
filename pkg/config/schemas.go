package config

import (
	"fmt"

	"cuelang.org/go/cue"
)

// brokerSchema constrains broker configuration documents and supplies their
// defaults.
const brokerSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#ResourceType: "compute" | "network" | "volume" | "public_ip" | "attachment"

#State: "OPEN" | "SELECTED" | "SPAWNING" | "FULFILLED" | "UNABLE_TO_CHECK_STATUS" |
	"CHECKING_DELETION" | "FAILED_AFTER_SUCCESSFUL_REQUEST"

#Cloud: {
	name:               =~"^[a-z0-9]([a-z0-9-]*[a-z0-9])?$"
	driver:             "aws" | "proxmox" | "sim"
	region?:            string
	endpoint?:          string
	availability_zone?: string
	credentials?: [string]: string
	options?: [string]:     string
	resource_types?: [...#ResourceType]

	if driver == "aws" {
		region: string
	}
	if driver == "proxmox" {
		endpoint: string
	}
}

#Broker: {
	provider: id: string | *"local"

	processors: {
		interval: #Duration | *"2s"
		intervals: [#State]: #Duration
		workers: int & >=1 & <=256 | *4
	}

	remote: timeout: #Duration | *"60s"

	retry: {
		default: int & >=0 | *10
		budget: [#ResourceType]: int & >=0
	}

	catalog: {
		path?:   string
		refresh: #Duration | *"5m"
	}

	network: {
		default_network_id?: string
		default_subnet_id?:  string
	}

	clouds: [...#Cloud] | *[]
	default_cloud: string | *""

	store: path: string | *"broker.db"

	policy: {
		paths: [...string] | *[]
		watch: bool | *false
		data?: {...}
	}

	telemetry: {
		log_level:     "debug" | "warn" | "error" | *"info"
		log_format:    "console" | *"json"
		metrics_addr?: string
		tracing: {
			exporter:     "stdout" | "otlp" | *"none"
			endpoint?:    string
			sample_ratio: number & >=0 & <=1 | *1.0
		}
	}
}
`


// BrokerSchema returns the compiled #Broker definition in ctx.
func BrokerSchema(ctx *cue.Context) (cue.Value, error) {
	val := ctx.CompileString(brokerSchema, cue.Filename("broker.schema.cue"))
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to compile broker schema: %w", err)
	}
	def := val.LookupPath(cue.ParsePath("#Broker"))
	if err := def.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("broker schema has no #Broker: %w", err)
	}
	return def, nil
}
