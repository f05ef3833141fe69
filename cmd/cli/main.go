package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tx-lab-tpc-go/internal/app"
	"tx-lab-tpc-go/pkg/config"
	"tx-lab-tpc-go/pkg/idempotency"
	"tx-lab-tpc-go/pkg/rpc"
	"tx-lab-tpc-go/pkg/tx/common"
	"tx-lab-tpc-go/pkg/tx/twopc/protocol"
)

type scenario struct {
	Name        string
	Description string
	Run         func(ctx context.Context, c protocol.Coordinator) (protocol.TransactionView, error)
}

type shop struct {
	Customer string
	SKU      string
}

func (s shop) checkout(ctx context.Context, c protocol.Coordinator, key string, qty int32, total int64) (protocol.TransactionView, error) {
	begin, err := app.CheckoutPayloads(app.CheckoutRequest{
		OrderID:    uuid.NewSHA1(uuid.NameSpaceURL, []byte("checkout/"+key)).String(),
		CustomerID: s.Customer,
		Items:      []protocol.LineItem{{ProductID: s.SKU, Quantity: qty}},
		Total:      total,
		Delivery:   protocol.Delivery{Address: "tx-lab"},
	})
	if err != nil {
		return protocol.TransactionView{}, err
	}
	return c.BeginTransaction(idempotency.WithKey(ctx, key), begin)
}

func (s shop) scenarios() []scenario {
	return []scenario{
		{"commit", "checkout every participant accepts", func(ctx context.Context, c protocol.Coordinator) (protocol.TransactionView, error) {
			return s.checkout(ctx, c, uuid.NewString(), 1, 1200)
		}},
		{"insufficient-funds", "payments votes NO, everyone aborts", func(ctx context.Context, c protocol.Coordinator) (protocol.TransactionView, error) {
			return s.checkout(ctx, c, uuid.NewString(), 1, 1<<40)
		}},
		{"out-of-stock", "reserve votes NO, everyone aborts", func(ctx context.Context, c protocol.Coordinator) (protocol.TransactionView, error) {
			return s.checkout(ctx, c, uuid.NewString(), 1<<30, 1200)
		}},
		{"replay", "same idempotency key twice, one transaction", func(ctx context.Context, c protocol.Coordinator) (protocol.TransactionView, error) {
			key := uuid.NewString()
			first, err := s.checkout(ctx, c, key, 1, 1200)
			if err != nil {
				return first, err
			}
			again, err := s.checkout(ctx, c, key, 1, 1200)
			if err != nil {
				return again, err
			}
			if again.TxID != first.TxID {
				return again, fmt.Errorf("replay started %s, first attempt was %s", again.TxID, first.TxID)
			}
			return again, nil
		}},
	}
}

type model struct {
	client    protocol.Coordinator
	timeout   time.Duration
	scenarios []scenario
	selected  int
	status    string
	last      *protocol.TransactionView
	busy      bool
}

type scenarioResult struct {
	name string
	view protocol.TransactionView
	err  error
}

func (m model) Init() tea.Cmd { return nil }

func (m model) run(fn func(ctx context.Context) (protocol.TransactionView, error), name string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		view, err := fn(ctx)
		return scenarioResult{name: name, view: view, err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up":
			if m.selected > 0 {
				m.selected--
			}
		case "down":
			if m.selected < len(m.scenarios)-1 {
				m.selected++
			}
		case "enter":
			if m.busy {
				return m, nil
			}
			m.busy = true
			scn := m.scenarios[m.selected]
			m.status = "Running " + scn.Name + "..."
			return m, m.run(func(ctx context.Context) (protocol.TransactionView, error) { return scn.Run(ctx, m.client) }, scn.Name)
		case "r":
			if m.busy || m.last == nil {
				return m, nil
			}
			m.busy = true
			id := m.last.TxID
			return m, m.run(func(ctx context.Context) (protocol.TransactionView, error) {
				return m.client.GetTransaction(ctx, protocol.GetTransactionRequest{TxID: id})
			}, "refresh")
		}
	case scenarioResult:
		m.busy = false
		if msg.view.TxID != "" {
			view := msg.view
			m.last = &view
		}
		if msg.err != nil {
			m.status = fmt.Sprintf("%s failed: %v", msg.name, msg.err)
		} else {
			m.status = fmt.Sprintf("%s: %s", msg.name, msg.view.State)
		}
	}
	return m, nil
}

func (m model) View() string {
	b := &strings.Builder{}
	fmt.Fprintln(b, "tx-lab two-phase commit CLI")
	fmt.Fprintln(b, "")
	fmt.Fprintln(b, "Scenarios:")
	for i, scn := range m.scenarios {
		marker := " "
		if i == m.selected {
			marker = ">"
		}
		fmt.Fprintf(b, " %s %-20s %s\n", marker, scn.Name, scn.Description)
	}
	fmt.Fprintln(b, "")
	fmt.Fprintf(b, "Status: %s\n", m.status)
	if m.last != nil {
		fmt.Fprintln(b, "")
		b.WriteString(formatView(*m.last))
	}
	fmt.Fprintln(b, "\nControls: up/down select, enter run, r refresh last transaction, q quit")
	return b.String()
}

func formatView(v protocol.TransactionView) string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "Transaction %s  %s", v.TxID, v.State)
	if v.Pending {
		b.WriteString("  (finalizing)")
	}
	b.WriteString("\n")
	for _, vote := range v.Votes {
		acked := ""
		if vote.Acked {
			acked = "acked"
		}
		fmt.Fprintf(b, "  %-10s %-7s %-5s %s\n", vote.Participant, vote.Vote, acked, vote.Reason)
	}
	return b.String()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "cli",
		Short:         "drive checkout scenarios against the coordinator",
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.Bind(v, cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := rpc.Dial(v.GetString("coordinator-addr"))
			if err != nil {
				return err
			}
			defer cc.Close()
			cmd.SilenceUsage = true

			s := shop{Customer: v.GetString("customer"), SKU: v.GetString("sku")}
			m := model{
				client:    rpc.NewCoordinatorClient(cc),
				timeout:   v.GetDuration("timeout"),
				scenarios: s.scenarios(),
				status:    "Ready",
			}
			if name := v.GetString("run"); name != "" {
				return runOnce(cmd, m, name)
			}
			_, err = tea.NewProgram(m).Run()
			return err
		},
	}
	fs := cmd.Flags()
	fs.String("coordinator-addr", "localhost:9090", "coordinator gRPC address")
	fs.String("customer", "c-1", "customer and payment account id")
	fs.String("sku", "sku-1", "warehouse item to order")
	fs.Duration("timeout", 30*time.Second, "per scenario timeout")
	fs.String("run", "", "run one scenario and exit: commit|insufficient-funds|out-of-stock|replay")
	return cmd
}

func runOnce(cmd *cobra.Command, m model, name string) error {
	for _, scn := range m.scenarios {
		if scn.Name != name {
			continue
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), m.timeout)
		defer cancel()
		view, err := scn.Run(ctx, m.client)
		if view.TxID != "" {
			fmt.Fprint(cmd.OutOrStdout(), formatView(view))
		}
		if err != nil {
			return err
		}
		if view.State != common.TxCommitted && name == "commit" {
			return fmt.Errorf("expected %s, got %s", common.TxCommitted, view.State)
		}
		return nil
	}
	return fmt.Errorf("unknown scenario %q", name)
}
