package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/archon72/ledger/pkg/client"
	"github.com/archon72/ledger/pkg/event"
	"github.com/archon72/ledger/pkg/integrity"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

// errVerificationFailed makes the process exit non-zero after a report has
// been printed.
var errVerificationFailed = errors.New("verification failed")

var (
	ledgerURL string
	cfgFile   string
	format    string
	timeout   time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Independent verifier for the Archon 72 event ledger",
	Long: `ledgerctl fetches events, proofs and checkpoints from a ledger service and
verifies them locally. Nothing the service says about validity is trusted:
every hash, link and Merkle path is recomputed on this machine.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.ledgerctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("LEDGERCTL")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if ledgerURL == "" {
			ledgerURL = viper.GetString("ledger_url")
		}
		if ledgerURL == "" {
			ledgerURL = "http://localhost:8080"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.ledgerctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&ledgerURL, "ledger", "", "ledger service URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&format, "format", "text", "Output format: text or json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Overall request timeout")

	verifyCmd.AddCommand(verifyEventCmd, verifyChainCmd, verifyInclusionCmd, verifyFileCmd)
	rootCmd.AddCommand(headCmd, specCmd, checkpointCmd, verifyCmd, versionCmd)
}

func newClient() (*client.Client, error) {
	return client.New(ledgerURL)
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── head ─────────────────────────────────────────────────────────────────────

var headCmd = &cobra.Command{
	Use:   "head",
	Short: "Show the current chain head",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		h, err := c.Head(ctx)
		if err != nil {
			return err
		}
		if format == "json" {
			return printJSON(h)
		}
		fmt.Printf("Sequence:   %d\n", h.Sequence)
		fmt.Printf("Hash:       %s\n", h.Hash)
		fmt.Printf("Algorithm:  %s (v%d)\n", h.HashAlgorithm, h.HashAlgVersion)
		fmt.Printf("Witness:    %s\n", h.WitnessID)
		return nil
	},
}

// ── spec ─────────────────────────────────────────────────────────────────────

var specVersion int

var specCmd = &cobra.Command{
	Use:   "spec",
	Short: "Print the published hash verification specification",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		doc, err := c.Spec(ctx, specVersion)
		if err != nil {
			return err
		}
		return printJSON(doc)
	},
}

func init() {
	specCmd.Flags().IntVar(&specVersion, "version", 0, "Specification version (0 = latest)")
}

// ── checkpoint ───────────────────────────────────────────────────────────────

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint [number]",
	Short: "Show a checkpoint anchor (latest when no number is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		var cp client.Checkpoint
		if len(args) == 1 {
			n, perr := strconv.ParseUint(args[0], 10, 64)
			if perr != nil {
				return fmt.Errorf("invalid checkpoint number %q", args[0])
			}
			cp, err = c.Checkpoint(ctx, n)
		} else {
			cp, err = c.LatestCheckpoint(ctx)
		}
		if err != nil {
			return err
		}
		if format == "json" {
			return printJSON(cp)
		}
		fmt.Printf("Checkpoint:  %d (%s)\n", cp.Number, cp.ID)
		fmt.Printf("Range:       %d..%d (%d events)\n", cp.StartSequence, cp.EndSequence, cp.EventCount)
		fmt.Printf("Merkle root: %s\n", cp.MerkleRoot)
		fmt.Printf("Created:     %s\n", cp.CreatedAt.Format(time.RFC3339))
		if cp.SignerID != "" {
			fmt.Printf("Signed by:   %s\n", cp.SignerID)
		}
		return nil
	},
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify events, ranges and Merkle inclusion locally",
}

var verifyEventCmd = &cobra.Command{
	Use:   "event <sequence>",
	Short: "Recompute one event's content hash and check its link to the predecessor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil || seq == 0 {
			return fmt.Errorf("invalid sequence %q", args[0])
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		res, err := c.VerifyEvent(ctx, seq)
		if err != nil {
			return err
		}
		if format == "json" {
			if err := printJSON(res); err != nil {
				return err
			}
		} else {
			fmt.Printf("Sequence:      %d\n", res.Sequence)
			fmt.Printf("Content hash:  %s\n", okLabel(res.ContentHashValid))
			fmt.Printf("  stored:      %s\n", res.Hash.StoredHash)
			fmt.Printf("  recomputed:  %s\n", res.Hash.RecomputedHash)
			fmt.Printf("Chain link:    %s\n", okLabel(res.ChainLinkValid))
			if res.Reason != "" {
				fmt.Printf("Reason:        %s\n", res.Reason)
			}
		}
		if !res.Valid {
			return errVerificationFailed
		}
		return nil
	},
}

var (
	chainFrom uint64
	chainTo   uint64
)

var verifyChainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Fetch a range and run gap and tamper detection over it",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		r, err := c.VerifyChain(ctx, chainFrom, chainTo)
		if err != nil {
			return err
		}
		return printReport(r)
	},
}

func init() {
	verifyChainCmd.Flags().Uint64Var(&chainFrom, "from", 1, "First sequence to verify")
	verifyChainCmd.Flags().Uint64Var(&chainTo, "to", 0, "Last sequence to verify (0 = head)")
}

var verifyInclusionCmd = &cobra.Command{
	Use:   "inclusion <sequence>",
	Short: "Check that an event is included in its published checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil || seq == 0 {
			return fmt.Errorf("invalid sequence %q", args[0])
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		p, cp, err := c.VerifyInclusion(ctx, seq)
		if errors.Is(err, integrity.ErrCheckpointNotFound) {
			fmt.Printf("Sequence %d is not yet covered by a checkpoint.\n", seq)
			return err
		}
		if err != nil && !errors.Is(err, integrity.ErrMerkleProofInvalid) {
			return err
		}
		if format == "json" {
			if jerr := printJSON(map[string]any{"valid": err == nil, "proof": p, "checkpoint": cp}); jerr != nil {
				return jerr
			}
		} else {
			fmt.Printf("Sequence:    %d\n", seq)
			fmt.Printf("Checkpoint:  %d (%d..%d)\n", cp.Number, cp.StartSequence, cp.EndSequence)
			fmt.Printf("Root:        %s\n", cp.MerkleRoot)
			fmt.Printf("Path length: %d\n", len(p.Path))
			fmt.Printf("Inclusion:   %s\n", okLabel(err == nil))
		}
		if err != nil {
			return fmt.Errorf("%w: %v", errVerificationFailed, err)
		}
		return nil
	},
}

var verifyFileCmd = &cobra.Command{
	Use:   "file <events.json>",
	Short: "Verify an exported event list offline",
	Long: `Verify a JSON file holding either an array of events or a query page
({"events": [...]}). Events must be contiguous from the first sequence in the
file; when that is not 1, the chain is trusted to start at the first event.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		events, err := decodeEvents(data)
		if err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}
		if len(events) == 0 {
			return fmt.Errorf("%s holds no events", args[0])
		}

		var d *integrity.Detector
		if first := events[0]; first.Sequence > 1 {
			// Trust the first event's link; its content hash is still checked.
			d = integrity.ResumeDetector(event.Event{Sequence: first.Sequence - 1, ContentHash: first.PrevHash})
		}
		return printReport(client.VerifyEvents(d, events))
	},
}

func decodeEvents(data []byte) ([]event.Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var events []event.Event
		err := json.Unmarshal(data, &events)
		return events, err
	}
	var page struct {
		Events []event.Event `json:"events"`
	}
	err := json.Unmarshal(data, &page)
	return page.Events, err
}

func printReport(r integrity.Report) error {
	if format == "json" {
		if err := printJSON(r); err != nil {
			return err
		}
	} else {
		fmt.Printf("Range:          %d..%d\n", r.FromSequence, r.ToSequence)
		fmt.Printf("Events checked: %d\n", r.Checked)
		fmt.Printf("Last verified:  %d\n", r.LastVerified)
		fmt.Printf("Result:         %s\n", okLabel(r.Valid))
		if len(r.Anomalies) > 0 {
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "\nKIND\tSEQUENCE\tMESSAGE")
			for _, a := range r.Anomalies {
				fmt.Fprintf(w, "%s\t%d\t%s\n", a.Kind, a.Sequence, a.Message)
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
	}
	if !r.Valid {
		return errVerificationFailed
	}
	return nil
}

func okLabel(ok bool) string {
	if ok {
		return "OK"
	}
	return "FAILED"
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ledgerctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ledgerctl %s\n", version)
	},
}
