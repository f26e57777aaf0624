package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chadiek/practice-call/internal/telephony"
)

const statusPollInterval = 3 * time.Second

var (
	dialTo       string
	dialScenario string
)

var dialCmd = &cobra.Command{
	Use:   "dial",
	Short: "Place a practice call to a phone number",
	Long: `Dial asks Twilio to call --to and runs the scenario when the call is
answered. The webhooks must be reachable at BASE_URL, normally by running
"practice-call serve" behind a public tunnel. Ctrl-C hangs up.`,
	Args: cobra.NoArgs,
	RunE: runDial,
}

func init() {
	dialCmd.Flags().StringVar(&dialTo, "to", "", "phone number in E.164 format")
	dialCmd.Flags().StringVar(&dialScenario, "scenario", "urgent-viewing", "scenario id")
	_ = dialCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(dialCmd)
}

func runDial(cmd *cobra.Command, _ []string) error {
	a, _, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.Telephony == nil {
		return telephony.ErrNotConfigured
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sid, err := a.Telephony.StartCall(ctx, dialTo, dialScenario)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Call %s placed to %s\n", sid, dialTo)

	last := ""
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			endCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			fmt.Fprintln(out, "Hanging up")
			return a.Telephony.EndCall(endCtx, sid)
		case <-ticker.C:
		}
		st, err := a.Telephony.Status(ctx, sid)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return err
		}
		if st.Status != last {
			fmt.Fprintf(out, "Status: %s\n", st.Status)
			last = st.Status
		}
		if telephony.Terminal(st.Status) {
			fmt.Fprintf(out, "Call finished after %s\n", st.Duration)
			return nil
		}
	}
}
