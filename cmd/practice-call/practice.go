package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chadiek/practice-call/internal/call"
	"github.com/chadiek/practice-call/internal/capture"
	"github.com/chadiek/practice-call/internal/conversation"
	"github.com/chadiek/practice-call/internal/playback"
	"github.com/chadiek/practice-call/internal/tts"
)

var practiceScenario string

var practiceCmd = &cobra.Command{
	Use:   "practice",
	Short: "Practice a call locally with the microphone and speaker",
	Long: `Practice runs a call on this machine: speak into the default microphone
and hear the persona on the default speaker. Lines typed on stdin are sent as
if spoken. Type /end or press Ctrl-C to hang up.`,
	Args: cobra.NoArgs,
	RunE: runPractice,
}

func init() {
	practiceCmd.Flags().StringVar(&practiceScenario, "scenario", "urgent-viewing", "scenario id")
	rootCmd.AddCommand(practiceCmd)
}

func runPractice(cmd *cobra.Command, _ []string) error {
	a, log, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	sc, ok := a.Catalog.Get(practiceScenario)
	if !ok {
		return fmt.Errorf("unknown scenario %q", practiceScenario)
	}
	speaker, err := playback.NewSpeaker(tts.SampleRate)
	if err != nil {
		return err
	}
	defer speaker.Close()

	ctrl := a.Sessions.New("local", capture.NewMicSession(log), speaker)
	out := cmd.OutOrStdout()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range ctrl.Events() {
			printEvent(out, ev)
		}
	}()

	startCtx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	err = ctrl.Start(startCtx, sc)
	cancel()
	if err != nil {
		<-printed
		return err
	}
	fmt.Fprintf(out, "Calling %s (%s). Speak when the line is open.\n", sc.ClientName, sc.Title)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go readTyped(cmd.InOrStdin(), ctrl, stop)

	select {
	case <-ctx.Done():
		ctrl.End()
	case <-ctrl.Done():
	}
	<-printed
	return ctrl.Err()
}

// readTyped submits stdin lines as user turns until /end or EOF.
func readTyped(in io.Reader, ctrl *call.Controller, hangUp func()) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/end", "/quit":
			hangUp()
			return
		}
		_ = ctrl.SubmitText(line)
	}
}

func printEvent(w io.Writer, ev call.Event) {
	switch e := ev.(type) {
	case call.UtteranceEvent:
		who := "You"
		if e.Utterance.Speaker == conversation.SpeakerPersona {
			who = "Client"
		}
		fmt.Fprintf(w, "%s: %s\n", who, e.Utterance.Text)
	case call.SynthesisFallbackEvent:
		fmt.Fprintln(w, "  (voice unavailable, reply shown as text)")
	case call.ReconnectingEvent:
		fmt.Fprintf(w, "  (transcription reconnecting, attempt %d in %s)\n", e.Attempt, e.Delay)
	case call.ErrorEvent:
		fmt.Fprintf(w, "  error: %v\n", e.Err)
	case call.EndedEvent:
		fmt.Fprintf(w, "Call ended (%s) after %s, %d utterances.\n",
			e.Reason, e.Duration.Round(time.Second), len(e.Transcript))
	}
}
