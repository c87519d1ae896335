package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"milestonepay/internal/app"
	"milestonepay/internal/audit"
	"milestonepay/internal/domain"
	"milestonepay/internal/engine"
	"milestonepay/internal/server"
)

func deliverableCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "deliverable", Short: "Record deliverable reviews"}
	var mission string
	status := &cobra.Command{
		Use:   "status <deliverable-id> <SUBMITTED|ACCEPTED|REJECTED>",
		Short: "Record a deliverable status from the review system",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.RecordDeliverableStatus(ctx, mission, args[0], domain.DeliverableStatus(args[1]))
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	status.Flags().StringVar(&mission, "mission", "", "mission id")
	_ = status.MarkFlagRequired("mission")
	cmd.AddCommand(status)
	return cmd
}

func payoutCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "payout", Short: "Manage freelancer payout methods"}
	var kind, reference string
	add := &cobra.Command{
		Use:   "add <freelancer-id>",
		Short: "Register the primary payout method",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pm := domain.PayoutMethod{FreelancerID: args[0], Kind: kind, Reference: reference, Primary: true}
				if err := e.RegisterPayoutMethod(ctx, pm); err != nil {
					return err
				}
				fmt.Println("payout method registered for", args[0])
				return nil
			})
		},
	}
	add.Flags().StringVar(&kind, "kind", "bank", "bank or wallet")
	add.Flags().StringVar(&reference, "reference", "", "IBAN or wallet reference")
	_ = add.MarkFlagRequired("reference")
	cmd.AddCommand(add)
	return cmd
}

// webhookCmd feeds provider callbacks by hand, mainly against the sandbox provider.
func webhookCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "webhook", Short: "Deliver a provider callback"}
	cmd.AddCommand(&cobra.Command{
		Use:   "direct <token> <status>",
		Short: "Payment link callback",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.HandleDirectWebhook(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printTranches(t)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "escrow <checkout-id> <status>",
		Short: "Escrow checkout callback",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.HandleEscrowWebhook(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printTranches(t)
			})
		},
	})
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Read the audit log"}
	var n int
	var mission, tranche, event string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Audit.List(ctx, audit.Filter{MissionID: mission, TrancheID: tranche, Event: event})
				if err != nil {
					return err
				}
				if n > 0 && len(items) > n {
					items = items[len(items)-n:]
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Time", "Event", "Mission", "Tranche", "Detail"})
					for _, ev := range items {
						tw.AppendRow(table.Row{ev.ID, ev.TS.Format(time.RFC3339), ev.EventName, ev.MissionID, ev.TrancheID, ev.Detail})
					}
				})
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of entries")
	tail.Flags().StringVar(&mission, "mission", "", "mission id")
	tail.Flags().StringVar(&tranche, "tranche", "", "tranche id")
	tail.Flags().StringVar(&event, "event", "", "event name")
	cmd.AddCommand(tail)
	return cmd
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <freelancer-id>",
		Short: "Show a freelancer's credited balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				total, credits, err := e.Balance(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"freelancer_id": args[0], "total": total.StringFixed(2), "credits": credits}
				return printJSONOrTable(out, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Tranche", "Mode", "Amount", "Credited"})
					for _, c := range credits {
						tw.AppendRow(table.Row{c.TrancheID, c.Mode, c.Amount.StringFixed(2), c.CreatedAt.Format(time.RFC3339)})
					}
					tw.AppendFooter(table.Row{"", "Total", total.StringFixed(2), ""})
				})
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Retry failed captures and report stuck tranches once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				settled, retryErr := a.Scheduler.RetryCaptures(ctx)
				anomalies, err := a.Scheduler.SweepStuck(ctx)
				if err != nil {
					return errors.Join(retryErr, err)
				}
				out := map[string]any{"captures_settled": settled, "stuck": anomalies}
				if err := printJSONOrTable(out, func(tw table.Writer) {
					tw.SetTitle(fmt.Sprintf("captures settled: %d", settled))
					tw.AppendHeader(table.Row{"Tranche", "Mission", "Status", "Since", "Age", "Limit"})
					for _, an := range anomalies {
						tw.AppendRow(table.Row{an.TrancheID, an.MissionID, an.Status, an.Since.Format(time.RFC3339),
							an.Age.Round(time.Minute), an.Limit})
					}
				}); err != nil {
					return err
				}
				return retryErr
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the background scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{
					JWTSecret:        secretFromEnv(),
					AllowActorHeader: allowActorHeader,
				}
				if authCfg.JWTSecret == "" && !allowActorHeader {
					return fmt.Errorf("MPAY_JWT_SECRET is required unless --allow-actor-header is set")
				}
				log := a.Logger.WithField("component", "server")
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Auth:     authCfg,
					Webhooks: server.WebhookConfig{
						Secret:        a.Config.Webhooks.Secret,
						RatePerSecond: a.Config.Webhooks.RatePerSecond,
						Burst:         a.Config.Webhooks.Burst,
					},
					Metrics: a.Metrics,
					Log:     log,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					log.WithField("addr", addr).Infof("serving API at http://%s%s (OpenAPI at /openapi.json)", addr, basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					// Requests hand their outbox events to this loop instead of delivering inline.
					return a.Engine.Relay.Run(gctx, 5*time.Second)
				})
				g.Go(func() error {
					if err := a.Scheduler.Start(gctx); err != nil {
						return err
					}
					<-gctx.Done()
					stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					return a.Scheduler.Stop(stopCtx)
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without a token (development only)")
	return cmd
}

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <actor-id>",
		Short: "Issue a bearer token signed with MPAY_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := secretFromEnv()
			if secret == "" {
				return fmt.Errorf("MPAY_JWT_SECRET is not set")
			}
			tok, err := server.IssueToken(secret, args[0])
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
}

// secretFromEnv reads MPAY_JWT_SECRET.
func secretFromEnv() string {
	return viper.GetString("jwt-secret")
}
