package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"bountyline/internal/app"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/engine/auth"
	"bountyline/internal/money"
	"bountyline/internal/repo"
)

func bountyCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "bounty",
		Short: "Create bounties and drive their lifecycle",
	}
	b.AddCommand(bountyCreateCmd())
	b.AddCommand(bountySubmitCmd())
	b.AddCommand(bountyShowCmd())
	b.AddCommand(bountyListCmd())
	b.AddCommand(bountyLogCmd())
	b.AddCommand(bountyReleasesCmd())
	return b
}

func bountyCreateCmd() *cobra.Command {
	var id, title, currency, method, funder, draftFile string
	var budget float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a bounty in drafting",
		Example: `  bl bounty create --title "CRISPR screen" --budget 5000 --rail card --draft draft.yml
  draft.yml:
    methodology: Pooled knockout screen in HEK293
    data_requirements: [raw reads, hit list]
    milestones:
      - {title: Library prep, payout_percentage: 40, due_in_days: 30}
      - {title: Analysis, payout_percentage: 60, due_in_days: 60}`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var draft *engine.Draft
			if draftFile != "" {
				draft = &engine.Draft{}
				if err := decodeFile(draftFile, draft); err != nil {
					return fmt.Errorf("draft: %w", err)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := requireLocal(ctx, a, auth.PermBountyManage); err != nil {
					return err
				}
				actor := viper.GetString("actor-id")
				if funder == "" {
					funder = actor
				}
				snap, err := a.Engine.CreateBounty(ctx, engine.CreateOptions{
					ID:            id,
					FunderID:      funder,
					Title:         title,
					Budget:        budget,
					Currency:      currency,
					PaymentMethod: domain.PaymentMethod(method),
					Draft:         draft,
					ActorID:       actor,
				})
				if err != nil {
					return err
				}
				return printSnapshot(snap)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "bounty id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "bounty title")
	cmd.Flags().Float64Var(&budget, "budget", 0, "budget in the rail currency")
	cmd.Flags().StringVar(&currency, "currency", "", "currency (defaults to the rail's)")
	cmd.Flags().StringVar(&method, "rail", "card", "payment rail: card, base_usdc, solana_usdc")
	cmd.Flags().StringVar(&funder, "funder", "", "funder id (defaults to --actor-id)")
	cmd.Flags().StringVar(&draftFile, "draft", "", "YAML or JSON file with methodology, data requirements and milestones")
	return cmd
}

func bountySubmitCmd() *cobra.Command {
	var typ, file, notes, payer, proposalID, milestoneID string
	var evidence []string
	var extensionDays int
	cmd := &cobra.Command{
		Use:   "submit <bounty-id>",
		Short: "Submit a lifecycle event",
		Long: `Submit one event to a bounty. Simple events take flags; events with a body
(draft, moderation, proposal, dispute, resolution) are read from --file.`,
		Example: `  bl bounty submit b-1 --type INITIATE_FUNDING --payer-ref cus_demo
  bl bounty submit b-1 --type APPROVE_MILESTONE --milestone m-1
  bl bounty submit b-1 --file proposal.yml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var evt engine.Event
			if file != "" {
				if err := decodeFile(file, &evt); err != nil {
					return fmt.Errorf("event: %w", err)
				}
			}
			if typ != "" {
				evt.Type = domain.EventType(strings.ToUpper(typ))
			}
			if evt.Type == "" {
				return fmt.Errorf("--type or a file with a type is required")
			}
			if notes != "" {
				evt.Notes = notes
			}
			if payer != "" {
				evt.PayerRef = payer
			}
			if proposalID != "" {
				evt.ProposalID = proposalID
			}
			if milestoneID != "" {
				evt.MilestoneID = milestoneID
			}
			if len(evidence) > 0 {
				evt.Evidence = evidence
			}
			if extensionDays > 0 {
				evt.ExtensionDays = extensionDays
			}
			evt.ActorID = viper.GetString("actor-id")
			if evt.Proposal != nil && evt.Proposal.LabID == "" {
				evt.Proposal.LabID = evt.ActorID
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !viper.GetBool("force") {
					if err := a.RBAC.RequireEvent(ctx, evt.ActorID, evt.Type); err != nil {
						return err
					}
				}
				snap, err := a.Engine.Submit(ctx, args[0], evt)
				if err != nil {
					return err
				}
				return printSnapshot(snap)
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "event type, e.g. SUBMIT_DRAFT")
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON event body")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().StringVar(&payer, "payer-ref", "", "payer reference for INITIATE_FUNDING")
	cmd.Flags().StringVar(&proposalID, "proposal", "", "proposal id")
	cmd.Flags().StringVar(&milestoneID, "milestone", "", "milestone id")
	cmd.Flags().StringSliceVar(&evidence, "evidence", nil, "evidence link (repeatable)")
	cmd.Flags().IntVar(&extensionDays, "extension-days", 0, "days requested or granted")
	return cmd
}

func bountyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <bounty-id>",
		Short: "Show a bounty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snap, err := a.Engine.Snapshot(ctx, args[0])
				if err != nil {
					return err
				}
				return printSnapshot(snap)
			})
		},
	}
}

func bountyListCmd() *cobra.Command {
	var state, funder string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bounties, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.List(ctx, repo.BountyFilters{State: state, FunderID: funder, Limit: limit})
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func() {
					t := newTable()
					t.AppendHeader(table.Row{"ID", "Title", "Rail", "State", "Version", "Hold", "Created"})
					for _, it := range items {
						label := it.State
						if it.SubState != "" {
							label += "." + it.SubState
						}
						t.AppendRow(table.Row{it.ID, it.Title, it.PaymentMethod, label, it.Version, yesNo(it.OnHold), it.CreatedAt})
					}
					t.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	cmd.Flags().StringVar(&funder, "funder", "", "filter by funder")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func bountyLogCmd() *cobra.Command {
	var typ string
	var limit int
	cmd := &cobra.Command{
		Use:   "log <bounty-id>",
		Short: "Show the event history of a bounty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListEvents(ctx, repo.EventFilters{BountyID: args[0], Type: strings.ToUpper(typ), Limit: limit})
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func() {
					t := newTable()
					t.AppendHeader(table.Row{"#", "Time", "Event", "From", "To", "Actor"})
					for _, n := range items {
						t.AppendRow(table.Row{n.ID, n.Timestamp, n.Event, n.FromState, n.ToState, n.ActorID})
					}
					t.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "filter by event type")
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func bountyReleasesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "releases <bounty-id>",
		Short: "Show escrow movements of a bounty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				b, err := a.Engine.Repo.GetBounty(ctx, args[0])
				if err != nil {
					return err
				}
				adapter, err := a.Rails.Get(b.PaymentMethod)
				if err != nil {
					return err
				}
				items, err := a.Engine.Repo.ListReleases(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func() {
					t := newTable()
					t.AppendHeader(table.Row{"Kind", "Amount", "Recipient", "Tx", "Time"})
					for _, r := range items {
						t.AppendRow(table.Row{r.Kind, money.Format(r.Amount, adapter.Decimals()) + " " + adapter.Currency(), r.RecipientRef, r.TxRef, r.CreatedAt})
					}
					t.Render()
				})
			})
		},
	}
}

// decodeFile reads YAML (or JSON, which is YAML) into v using its json tags.
func decodeFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func printSnapshot(s engine.Snapshot) error {
	if viper.GetBool("json") {
		return printJSON(s)
	}
	t := newTable()
	t.AppendHeader(table.Row{"ID", "Title", "Rail", "Budget", "State", "Version", "Hold"})
	hold := yesNo(s.Bounty.OnHold)
	if s.Bounty.HoldReason != "" {
		hold += " (" + s.Bounty.HoldReason + ")"
	}
	t.AppendRow(table.Row{s.Bounty.ID, s.Bounty.Title, s.Bounty.PaymentMethod,
		fmt.Sprintf("%.2f %s", s.Bounty.Budget, s.Bounty.Currency), s.Label, s.Version, hold})
	t.Render()
	if len(s.Bounty.Milestones) > 0 {
		mt := newTable()
		mt.AppendHeader(table.Row{"#", "Milestone", "Payout %", "Status", "Due"})
		for _, m := range s.Bounty.Milestones {
			due := ""
			if m.DueAt != nil {
				due = m.DueAt.Format("2006-01-02")
			}
			mt.AppendRow(table.Row{m.Sequence, m.Title, m.PayoutPercentage, m.Status, due})
		}
		mt.Render()
	}
	return nil
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	return t
}

func printJSONOrTable(v any, render func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	render()
	return nil
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
