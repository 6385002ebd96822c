// Package settings holds the configuration of a run.
//
// Settings come from three layers, later ones winning: built-in defaults,
// an optional YAML file, and overrides from the command line or a daemon
// request. Only non-zero override values replace lower layers; maps are
// merged key by key.
//
// Example settings file:
//
//	stages: /srv/appliance/stages
//	locale: C
//	timeout: 30m
//	exclude: ["99-*"]
//	env:
//	  DEBIAN_FRONTEND: noninteractive
//	mounts:
//	  - {type: proc, target: proc}
//	  - {type: devtmpfs, target: dev}
//	isolation: container
//	image: /srv/images/debian-bookworm.tar
package settings
