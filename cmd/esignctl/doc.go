// Package main (cmd/esignctl) is the operator CLI for the envelope API.
//
//	esignctl create --file envelope.json --document msa=./msa.pdf --send
//	esignctl list --tenant acme --status in_progress
//	esignctl get <envelope-id>
//	esignctl void <envelope-id> --reason "superseded by v2"
//	esignctl verify-audit <envelope-id>
//
// The server address comes from --server or ESIGN_SERVER. Results are
// printed as indented JSON.
package main
