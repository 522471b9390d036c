// Package main (cmd/httpserver) runs the envelope signing server.
//
// The server exposes the envelope API, runs the background sweeper (expiry,
// delayed signers, reminders, identity sessions) and serves Prometheus
// metrics on a separate address.
//
// Without a configuration file everything runs in memory with log-only
// notifications, which is enough for local development:
//
//	esign-server --listen-addr=127.0.0.1:8080 --log-debug
//
// Production deployments point it at a YAML file and supply the master key
// through the environment:
//
//	ESIGN_MASTER_KEY=0123...cdef esign-server --config=/etc/esign/esign.yaml \
//	    --listen-addr=0.0.0.0:8080 --metrics-addr=0.0.0.0:8090 --log-json
//
// SIGINT and SIGTERM stop the sweeper, drain in-flight requests and close
// the database pool and broker connections.
package main
