package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"milestonepay/internal/domain"
	"milestonepay/internal/engine"
	"milestonepay/internal/ledger"
)

func missionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "mission", Short: "Register and close missions"}
	cmd.AddCommand(missionRegisterCmd())
	cmd.AddCommand(missionListCmd())
	cmd.AddCommand(missionShowCmd())
	cmd.AddCommand(missionCloseCmd())
	cmd.AddCommand(missionRecomputeCmd())
	return cmd
}

func missionRegisterCmd() *cobra.Command {
	var id, title, client, freelancer, policy, total string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register or refresh a mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount := decimal.Zero
			if total != "" {
				var err error
				if amount, err = ledger.Parse(total); err != nil {
					return err
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.RegisterMission(ctx, engine.RegisterMissionOptions{
					ID:            id,
					Title:         title,
					ClientID:      client,
					FreelancerID:  freelancer,
					ClosurePolicy: domain.ClosurePolicy(policy),
					ContractTotal: amount,
				})
				if err != nil {
					return err
				}
				return printMissions(m)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "mission id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "mission title")
	cmd.Flags().StringVar(&client, "client", "", "client id")
	cmd.Flags().StringVar(&freelancer, "freelancer", "", "freelancer id")
	cmd.Flags().StringVar(&policy, "policy", string(domain.PolicyFinalMilestoneRequired), "closure policy")
	cmd.Flags().StringVar(&total, "contract-total", "", "contract total amount")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func missionListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListMissions(ctx, domain.MissionStatus(status))
				if err != nil {
					return err
				}
				return printMissions(items...)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func missionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <mission-id>",
		Short: "Show a mission and its tranches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				tranches, err := e.ListTranches(ctx, m.ID)
				if err != nil {
					return err
				}
				out := struct {
					domain.Mission
					Tranches []domain.Tranche `json:"tranches"`
				}{m, tranches}
				return printJSONOrTable(out, func(tw table.Writer) {
					tw.AppendHeader(missionHeader)
					missionRow(tw, m)
					tw.AppendSeparator()
					for _, t := range tranches {
						tw.AppendRow(table.Row{"", fmt.Sprintf("#%d %s", t.Order, t.Title), t.Status, t.GrossAmount.StringFixed(2), flags(t)})
					}
				})
			})
		},
	}
}

func missionCloseCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "close <mission-id>",
		Short: "Confirm closure as client or freelancer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var m domain.Mission
				switch role {
				case "client":
					m, err = e.ConfirmCloseByClient(ctx, args[0], actor)
				case "freelancer":
					m, err = e.ConfirmCloseByFreelancer(ctx, args[0], actor)
				default:
					return fmt.Errorf("--as must be client or freelancer")
				}
				if err != nil {
					return err
				}
				return printMissions(m)
			})
		},
	}
	cmd.Flags().StringVar(&role, "as", "client", "confirming party (client|freelancer)")
	return cmd
}

func missionRecomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <mission-id>",
		Short: "Re-evaluate the closure policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.RecomputeMissionStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printMissions(m)
			})
		},
	}
}

func printMissions(items ...domain.Mission) error {
	var v any = items
	if len(items) == 1 {
		v = items[0]
	}
	return printJSONOrTable(v, func(tw table.Writer) {
		tw.AppendHeader(missionHeader)
		for _, m := range items {
			missionRow(tw, m)
		}
	})
}

var missionHeader = table.Row{"ID", "Title", "Status", "Policy", "Confirmed"}

func missionRow(tw table.Writer, m domain.Mission) {
	confirmed := ""
	if m.ClosurePolicy == domain.PolicyManualDualConfirm {
		confirmed = "client=" + strconv.FormatBool(m.ClosedByClient) + " freelancer=" + strconv.FormatBool(m.ClosedByFreelancer)
	}
	tw.AppendRow(table.Row{m.ID, m.Title, m.Status, m.ClosurePolicy, confirmed})
}
