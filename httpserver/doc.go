/*
Package httpserver runs the envelope API behind the operational endpoints
every deployment needs.

	GET /livez    process is up
	GET /readyz   ready for traffic and every registered dependency answers Ping
	GET /drain    stop reporting ready, ahead of a shutdown
	GET /undrain  report ready again
	/debug/*      pprof, when enabled

API routes are mounted from a RouteRegistrar and logged with the
go-utils request logger. Every request gets a request id, which error
responses echo. Prometheus metrics are served on a separate listener when
a metrics address is configured.
*/
package httpserver
