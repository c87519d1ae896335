package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"milestonepay/internal/domain"
	"milestonepay/internal/engine"
	"milestonepay/internal/ledger"
)

func trancheCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tranche", Short: "Manage payment tranches"}
	cmd.AddCommand(trancheCreateCmd())
	cmd.AddCommand(trancheListCmd())
	cmd.AddCommand(trancheShowCmd())
	cmd.AddCommand(trancheAmendCmd())
	cmd.AddCommand(tranchePayCmd())
	cmd.AddCommand(trancheValidateCmd())
	cmd.AddCommand(trancheCaptureCmd())
	cmd.AddCommand(trancheFlagCmd("final", "Mark or unmark the final tranche", engine.Engine.MarkFinal))
	cmd.AddCommand(trancheFlagCmd("required", "Mark or unmark a tranche as required for closure", engine.Engine.MarkRequired))
	cmd.AddCommand(trancheRejectCmd())
	cmd.AddCommand(trancheLinkCmd())
	return cmd
}

func trancheCreateCmd() *cobra.Command {
	var mission, title, amount, deliverable string
	var order int
	var optional, final bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Add a tranche to a mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			gross, err := ledger.Parse(amount)
			if err != nil {
				return err
			}
			required := !optional
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTranche(ctx, engine.CreateTrancheOptions{
					MissionID:     mission,
					Order:         order,
					Title:         title,
					GrossAmount:   gross,
					RequesterID:   actor,
					Required:      &required,
					Final:         final,
					DeliverableID: deliverable,
				})
				if err != nil {
					return err
				}
				return printTranches(t)
			})
		},
	}
	cmd.Flags().StringVar(&mission, "mission", "", "mission id")
	cmd.Flags().StringVar(&title, "title", "", "tranche title")
	cmd.Flags().StringVar(&amount, "amount", "", "gross amount")
	cmd.Flags().IntVar(&order, "order", 0, "1-based position (appends when 0)")
	cmd.Flags().BoolVar(&optional, "optional", false, "do not require this tranche for closure")
	cmd.Flags().BoolVar(&final, "final", false, "mark as the final tranche")
	cmd.Flags().StringVar(&deliverable, "deliverable", "", "deliverable id to link")
	_ = cmd.MarkFlagRequired("mission")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func trancheListCmd() *cobra.Command {
	var mission, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tranches of a mission, or all tranches in a status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if mission == "" && status == "" {
				return fmt.Errorf("--mission or --status is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					items []domain.Tranche
					err   error
				)
				if mission != "" {
					items, err = e.ListTranches(ctx, mission)
				} else {
					items, err = e.Repo.ListTranchesByStatus(ctx, domain.TrancheStatus(strings.ToUpper(status)))
				}
				if err != nil {
					return err
				}
				if mission != "" && status != "" {
					filtered := items[:0]
					for _, t := range items {
						if strings.EqualFold(string(t.Status), status) {
							filtered = append(filtered, t)
						}
					}
					items = filtered
				}
				return printTranches(items...)
			})
		},
	}
	cmd.Flags().StringVar(&mission, "mission", "", "mission id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func trancheShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <tranche-id>",
		Short: "Show a tranche",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTranche(ctx, args[0])
				if err != nil {
					return err
				}
				return printTranches(t)
			})
		},
	}
}

func trancheAmendCmd() *cobra.Command {
	var title, amount string
	cmd := &cobra.Command{
		Use:   "amend <tranche-id>",
		Short: "Change the title or gross amount of an unpaid tranche",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			var (
				newTitle *string
				gross    *decimal.Decimal
			)
			if cmd.Flags().Changed("title") {
				newTitle = &title
			}
			if cmd.Flags().Changed("amount") {
				d, err := ledger.Parse(amount)
				if err != nil {
					return err
				}
				gross = &d
			}
			if newTitle == nil && gross == nil {
				return fmt.Errorf("--title or --amount is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AmendTranche(ctx, args[0], actor, newTitle, gross)
				if err != nil {
					return err
				}
				return printTranches(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&amount, "amount", "", "new gross amount")
	return cmd
}

func tranchePayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pay <tranche-id>",
		Short: "Create the payment link (direct) or checkout (escrow)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.InitiatePayment(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(t, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Tranche", "Status", "Token", "Pay at"})
					tw.AppendRow(table.Row{t.ID, t.Status, t.ProviderToken, t.ProviderURL})
				})
			})
		},
	}
}

func trancheValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <tranche-id>",
		Short: "Accept the delivery and release held funds (escrow)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.ValidateDelivery(ctx, args[0], actor); err != nil {
					return err
				}
				// the capture runs from the outbox; reread to report where it got to
				t, err := e.GetTranche(ctx, args[0])
				if err != nil {
					return err
				}
				return printTranches(t)
			})
		},
	}
}

func trancheCaptureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capture <tranche-id>",
		Short: "Retry the transfer of a validated or failed escrow tranche",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RetryCapture(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printTranches(t)
			})
		},
	}
}

type flagSetter func(e engine.Engine, ctx context.Context, trancheID, requesterID string, value bool) (domain.Tranche, error)

func trancheFlagCmd(use, short string, set flagSetter) *cobra.Command {
	var unset bool
	cmd := &cobra.Command{
		Use:   use + " <tranche-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := set(e, ctx, args[0], actor, !unset)
				if err != nil {
					return err
				}
				return printTranches(t)
			})
		},
	}
	cmd.Flags().BoolVar(&unset, "unset", false, "clear the flag")
	return cmd
}

func trancheRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <tranche-id>",
		Short: "Reject an unpaid tranche",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RejectTranche(ctx, args[0], actor, reason)
				if err != nil {
					return err
				}
				return printTranches(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func trancheLinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "link <tranche-id> <deliverable-id>",
		Short: "Link a deliverable to a tranche",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.LinkDeliverable(ctx, args[0], actor, args[1])
				if err != nil {
					return err
				}
				return printTranches(t)
			})
		},
	}
}

func printTranches(items ...domain.Tranche) error {
	var v any = items
	if len(items) == 1 {
		v = items[0]
	}
	return printJSONOrTable(v, func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Mission", "#", "Title", "Status", "Gross", "Commission", "Net", "Flags"})
		for _, t := range items {
			tw.AppendRow(table.Row{t.ID, t.MissionID, t.Order, t.Title, t.Status,
				t.GrossAmount.StringFixed(2), t.Commission.StringFixed(2), t.NetAmount.StringFixed(2), flags(t)})
		}
	})
}

func flags(t domain.Tranche) string {
	var out []string
	if t.Required {
		out = append(out, "required")
	}
	if t.Final {
		out = append(out, "final")
	}
	if t.DeliveryAccepted {
		out = append(out, "accepted")
	}
	return strings.Join(out, ",")
}
