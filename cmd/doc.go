// Package cmd implements the command-line interface of dStream. It provides
// a hierarchical command structure to manage streams and to publish and
// consume messages against a broker.
//
// The package is organized into several subpackages:
//
//   - stream: Commands for streams (create, delete, metadata, publish, consume, perf, etc.)
//   - superstream: Commands for super streams and their partitions
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every broker setting can be passed as flag or as environment variable with
// the DSTREAM_ prefix (e.g. DSTREAM_HOST, DSTREAM_TLS_CA). .env and .env.local
// files in the working directory are loaded as well.
//
// See dstream -help for a list of all commands.
package cmd
