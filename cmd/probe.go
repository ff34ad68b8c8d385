package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/perchdesk/perch/internal/counter"
	"github.com/perchdesk/perch/internal/probe"
	"github.com/perchdesk/perch/internal/surface"
	"github.com/perchdesk/perch/pkg/util"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// ProbeCmd runs one-shot probes against a primary surface.
type ProbeCmd struct {
	primary surface.Surface
	factory surface.Factory
	counter counter.Options
}

// ProbeInput selects the output format.
type ProbeInput struct {
	URL    string
	Output string
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Run a single probe and print the result",
	Long: `Open x.com in a fresh browser and run one probe against it. Useful to
check whether the selectors still match after the site changes.`,
}

var probeAuthCmd = &cobra.Command{
	Use:     "auth",
	Short:   "Check whether the browser profile is signed in",
	Example: `  perch probe auth -o json`,
	Args:    cobra.NoArgs,
	RunE:    runProbe((*ProbeCmd).Auth),
}

var probeCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Count unread conversations once",
	Long: `Run one full counting cycle: open the chat view in a hidden page, wait for
it to render and count unread conversations.`,
	Args: cobra.NoArgs,
	RunE: runProbe((*ProbeCmd).Count),
}

var probeInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Dump DOM diagnostics used to tune the probes",
	Args:  cobra.NoArgs,
	RunE:  runProbe((*ProbeCmd).Inspect),
}

func init() {
	for _, c := range []*cobra.Command{probeAuthCmd, probeCountCmd, probeInspectCmd} {
		c.Flags().StringP("output", "o", "", "Output format: json for raw result")
		probeCmd.AddCommand(c)
	}
}

func runProbe(fn func(*ProbeCmd, context.Context, ProbeInput) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		ctx := cmd.Context()

		b, err := launchBackend(ctx, cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		c := &ProbeCmd{primary: b.Primary, factory: b.Factory, counter: cfg.CounterOptions()}
		c.counter.Logger = logger
		return fn(c, ctx, ProbeInput{URL: cfg.StartURL, Output: output})
	}
}

func (c *ProbeCmd) open(ctx context.Context, url string, quiet bool) error {
	if url == "" {
		return nil
	}
	if !quiet {
		pterm.Info.Printf("Opening %s...\n", url)
	}
	if err := c.primary.Navigate(ctx, url); err != nil {
		return fmt.Errorf("failed to open %s: %w", url, err)
	}
	return nil
}

// Auth reports the sign-in state of the primary surface.
func (c *ProbeCmd) Auth(ctx context.Context, in ProbeInput) error {
	if err := c.open(ctx, in.URL, in.Output == "json"); err != nil {
		return err
	}
	res, err := probe.Auth.Run(ctx, c.primary)
	if err != nil {
		return err
	}
	if in.Output == "json" {
		return util.PrintPrettyJSON(res)
	}

	rows := pterm.TableData{{"Property", "Value"}}
	if res.Authenticated {
		rows = append(rows, []string{"Authentication", pterm.Green("Signed in")})
	} else {
		rows = append(rows, []string{"Authentication", pterm.Yellow("Not signed in")})
	}
	rows = append(rows, []string{"URL", util.OrDash(res.URL)})
	rows = append(rows, []string{"Document", util.OrDash(res.DocumentReady)})
	if res.Error != "" {
		rows = append(rows, []string{"Error", pterm.Red(res.Error)})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	return nil
}

// Count runs a single counting cycle through a probe surface.
func (c *ProbeCmd) Count(ctx context.Context, in ProbeInput) error {
	if err := c.open(ctx, in.URL, in.Output == "json"); err != nil {
		return err
	}
	mc := counter.New(c.primary, c.factory, c.counter)
	defer mc.Destroy()

	if in.Output != "json" {
		pterm.Info.Printf("Counting (up to %s)...\n", (c.counter.ReadyBound() + c.counter.SettleDelay).Round(time.Second))
	}
	res, err := mc.ForceCheck(ctx)
	if err != nil {
		return err
	}
	if in.Output == "json" {
		return util.PrintPrettyJSON(res)
	}
	if !res.Success {
		return fmt.Errorf("count failed: %s", res.Error)
	}

	rows := pterm.TableData{
		{"Property", "Value"},
		{"Unread", fmt.Sprintf("%d", res.Unread)},
		{"Badge", countPill(res.Unread)},
		{"Checked", res.LastChecked.Format(time.RFC3339)},
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	return nil
}

// Inspect prints DOM diagnostics from the primary surface.
func (c *ProbeCmd) Inspect(ctx context.Context, in ProbeInput) error {
	if err := c.open(ctx, in.URL, true); err != nil {
		return err
	}
	res, err := probe.Inspect.Run(ctx, c.primary)
	if err != nil {
		return err
	}
	return util.PrintPrettyJSON(res)
}
