/*
Package api holds what the envelope HTTP server and its clients share: the
server configuration, request and response bodies, error codes and header
names.

The subpackages are:

  - handlers: chi handlers exposing the orchestrator
  - clients: a Go client for the same routes, used by esignctl
*/
package api
