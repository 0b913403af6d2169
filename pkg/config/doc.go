// Package config loads broker configuration written in CUE.
//
// A configuration document is unified with the embedded #Broker schema,
// which fills in defaults and rejects unknown keys, then decoded into Broker
// and checked with struct-tag validation and cross-field rules.
//
//	provider: id: "lab"
//
//	processors: {
//		interval: "2s"
//		intervals: FULFILLED: "30s"
//		workers: 8
//	}
//
//	retry: budget: compute: 20
//
//	clouds: [{
//		name:   "aws-eu"
//		driver: "aws"
//		region: "eu-west-1"
//	}, {
//		name:     "pve-lab"
//		driver:   "proxmox"
//		endpoint: "https://pve.lab:8006/api2/json"
//		options: nodes: "pve1,pve2"
//	}]
//	default_cloud: "aws-eu"
//
// Durations are Go duration strings. Several files, or a directory holding a
// CUE package, are unified into one document, so a base file can be
// specialised per deployment.
package config
