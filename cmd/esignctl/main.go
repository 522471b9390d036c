package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ruteri/signing-ceremony-backend/api/clients"
	"github.com/ruteri/signing-ceremony-backend/cmd/flags"
	"github.com/ruteri/signing-ceremony-backend/interfaces"
	"github.com/ruteri/signing-ceremony-backend/orchestrator"
	"github.com/urfave/cli/v2"
)

var flagTimeout = &cli.DurationFlag{
	Name:  "timeout",
	Value: 30 * time.Second,
	Usage: "request timeout",
}

var flagEnvelopeFile = &cli.StringFlag{
	Name:     "file",
	Required: true,
	Usage:    "JSON file with the envelope definition",
}

var flagDocument = &cli.StringSliceFlag{
	Name:  "document",
	Usage: "id=path, loads a document's content from a file (repeatable)",
}

var flagSend = &cli.BoolFlag{
	Name:  "send",
	Usage: "send the envelope right after creating it",
}

var flagReason = &cli.StringFlag{
	Name:  "reason",
	Usage: "reason recorded in the audit trail",
}

var flagTenant = &cli.StringFlag{Name: "tenant", Usage: "filter by tenant id"}
var flagStatus = &cli.StringFlag{Name: "status", Usage: "filter by status"}
var flagLimit = &cli.IntFlag{Name: "limit", Value: 50}
var flagOffset = &cli.IntFlag{Name: "offset"}

func newClient(cCtx *cli.Context) *clients.EnvelopeClient {
	return clients.NewEnvelopeClient(cCtx.String(flags.ServerURLFlag.Name), cCtx.Duration(flagTimeout.Name))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envelopeID(cCtx *cli.Context) (string, error) {
	id := cCtx.Args().First()
	if id == "" {
		return "", errors.New("envelope id argument is required")
	}
	return id, nil
}

// loadEnvelope reads the envelope definition and attaches document files.
// A --document whose id matches no document in the file adds a new one.
func loadEnvelope(path string, documents []string) (orchestrator.CreateEnvelopeInput, error) {
	var in orchestrator.CreateEnvelopeInput
	data, err := os.ReadFile(path)
	if err != nil {
		return in, fmt.Errorf("failed to read envelope file: %w", err)
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("failed to parse envelope file: %w", err)
	}

	for _, arg := range documents {
		id, docPath, ok := strings.Cut(arg, "=")
		if !ok || id == "" || docPath == "" {
			return in, fmt.Errorf("invalid --document %q, expected id=path", arg)
		}
		content, err := os.ReadFile(docPath)
		if err != nil {
			return in, fmt.Errorf("failed to read document %s: %w", id, err)
		}

		found := false
		for i := range in.Documents {
			if in.Documents[i].ID == id {
				in.Documents[i].Content = content
				found = true
			}
		}
		if !found {
			in.Documents = append(in.Documents, orchestrator.DocumentInput{
				ID:      id,
				Name:    filepath.Base(docPath),
				Content: content,
			})
		}
	}
	return in, nil
}

func main() {
	app := &cli.App{
		Name:  "esignctl",
		Usage: "Manage envelopes on an esign server",
		Flags: []cli.Flag{flags.ServerURLFlag, flagTimeout},
		Commands: []*cli.Command{
			{
				Name:      "create",
				Usage:     "Create a draft envelope from a JSON definition",
				ArgsUsage: " ",
				Flags:     []cli.Flag{flagEnvelopeFile, flagDocument, flagSend},
				Action: func(cCtx *cli.Context) error {
					in, err := loadEnvelope(cCtx.String(flagEnvelopeFile.Name), cCtx.StringSlice(flagDocument.Name))
					if err != nil {
						return err
					}
					c := newClient(cCtx)
					env, err := c.CreateEnvelope(cCtx.Context, in)
					if err != nil {
						return err
					}
					if cCtx.Bool(flagSend.Name) {
						if env, err = c.SendEnvelope(cCtx.Context, env.ID); err != nil {
							return err
						}
					}
					return printJSON(env)
				},
			},
			{
				Name:      "send",
				Usage:     "Send a draft envelope to its first signers",
				ArgsUsage: "<envelope-id>",
				Action: envelopeAction(func(ctx context.Context, c *clients.EnvelopeClient, cCtx *cli.Context, id string) (any, error) {
					return c.SendEnvelope(ctx, id)
				}),
			},
			{
				Name:      "get",
				Usage:     "Show an envelope",
				ArgsUsage: "<envelope-id>",
				Action: envelopeAction(func(ctx context.Context, c *clients.EnvelopeClient, cCtx *cli.Context, id string) (any, error) {
					return c.GetEnvelope(ctx, id)
				}),
			},
			{
				Name:  "list",
				Usage: "List envelopes, newest first",
				Flags: []cli.Flag{flagTenant, flagStatus, flagLimit, flagOffset},
				Action: func(cCtx *cli.Context) error {
					list, err := newClient(cCtx).ListEnvelopes(cCtx.Context, interfaces.EnvelopeFilter{
						TenantID: cCtx.String(flagTenant.Name),
						Status:   interfaces.EnvelopeStatus(cCtx.String(flagStatus.Name)),
						Limit:    cCtx.Int(flagLimit.Name),
						Offset:   cCtx.Int(flagOffset.Name),
					})
					if err != nil {
						return err
					}
					return printJSON(list)
				},
			},
			{
				Name:      "void",
				Usage:     "Void an envelope",
				ArgsUsage: "<envelope-id>",
				Flags:     []cli.Flag{flagReason},
				Action: envelopeAction(func(ctx context.Context, c *clients.EnvelopeClient, cCtx *cli.Context, id string) (any, error) {
					return c.VoidEnvelope(ctx, id, cCtx.String(flagReason.Name))
				}),
			},
			{
				Name:      "complete",
				Usage:     "Complete an envelope whose signers have all finished",
				ArgsUsage: "<envelope-id>",
				Action: envelopeAction(func(ctx context.Context, c *clients.EnvelopeClient, cCtx *cli.Context, id string) (any, error) {
					return c.CompleteEnvelope(ctx, id)
				}),
			},
			{
				Name:      "audit",
				Usage:     "Print an envelope's audit trail",
				ArgsUsage: "<envelope-id>",
				Action: envelopeAction(func(ctx context.Context, c *clients.EnvelopeClient, cCtx *cli.Context, id string) (any, error) {
					return c.AuditTrail(ctx, id)
				}),
			},
			{
				Name:      "verify-audit",
				Usage:     "Verify an envelope's audit hash chain; exits non-zero when broken",
				ArgsUsage: "<envelope-id>",
				Action: func(cCtx *cli.Context) error {
					id, err := envelopeID(cCtx)
					if err != nil {
						return err
					}
					report, err := newClient(cCtx).VerifyAuditTrail(cCtx.Context, id)
					if err != nil {
						return err
					}
					if err := printJSON(report); err != nil {
						return err
					}
					if !report.Valid {
						return cli.Exit(fmt.Sprintf("audit chain of %s is broken at %d point(s)", id, len(report.Breaks)), 2)
					}
					return nil
				},
			},
			{
				Name:      "anonymize",
				Usage:     "Erase a signer's personal data from the audit trail",
				ArgsUsage: "<signer-id>",
				Action: func(cCtx *cli.Context) error {
					signerID := cCtx.Args().First()
					if signerID == "" {
						return errors.New("signer id argument is required")
					}
					resp, err := newClient(cCtx).AnonymizeSigner(cCtx.Context, signerID)
					if err != nil {
						return err
					}
					return printJSON(resp)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func envelopeAction(fn func(ctx context.Context, c *clients.EnvelopeClient, cCtx *cli.Context, id string) (any, error)) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		id, err := envelopeID(cCtx)
		if err != nil {
			return err
		}
		out, err := fn(cCtx.Context, newClient(cCtx), cCtx, id)
		if err != nil {
			return err
		}
		return printJSON(out)
	}
}
