package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosight/gosight/tracker/internal/config"
	"github.com/gosight/gosight/tracker/internal/sink"
	"github.com/gosight/gosight/tracker/internal/tracker"
)

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a scripted learning session through the tracker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			user, _ := cmd.Flags().GetString("user")
			rounds, _ := cmd.Flags().GetInt("rounds")
			retry, _ := cmd.Flags().GetBool("retry")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			return simulate(ctx, cmd.OutOrStdout(), cfg, user, rounds, retry)
		},
	}

	cmd.Flags().String("user", "learner-1", "User id to start the session for")
	cmd.Flags().Int("rounds", 1, "Number of times to replay the learning journey")
	cmd.Flags().Bool("retry", false, "Redeliver failed events once before closing")
	cmd.Flags().Duration("timeout", time.Minute, "Overall time limit for delivery")
	return cmd
}

// trackerConfig maps the YAML policy onto a tracker policy. A negative
// max_failed asks for an unbounded failed bucket.
func trackerConfig(c config.TrackerConfig) tracker.Config {
	cfg := tracker.Config{
		BatchSize:     c.BatchSize,
		FlushInterval: c.FlushInterval,
		MaxFailed:     c.MaxFailed,
	}
	if cfg.MaxFailed < 0 {
		cfg.MaxFailed = 0
	}
	return cfg
}

func simulate(ctx context.Context, out io.Writer, cfg *config.Config, user string, rounds int, retry bool) error {
	s, closeSink, err := sink.FromConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeSink(); err != nil {
			log.Warn().Err(err).Msg("Failed to close sinks")
		}
	}()

	t, err := tracker.New(s, tracker.WithConfig(trackerConfig(cfg.Tracker)))
	if err != nil {
		return err
	}

	t.StartSession(user)
	for round := range rounds {
		journey(t, round)
	}

	t.Flush(ctx)
	if retry && len(t.Failed()) > 0 {
		t.RetryFailed(ctx)
	}
	t.Close(ctx)

	st := t.Stats()
	fmt.Fprintf(out, "delivered: %d\nfailed: %d\ndropped: %d\npending: %d\n",
		st.Delivered, st.Failed, st.Dropped, st.Pending)
	return nil
}

// journey tracks one lesson: a video watched to the end, a three-question
// quiz and a follow-up reading.
func journey(t *tracker.Tracker, round int) {
	video := fmt.Sprintf("video-%d", round+1)
	quiz := fmt.Sprintf("quiz-%d", round+1)

	t.TrackVideoPlay(video, map[string]any{"position": 0})
	t.TrackVideoPause(video, map[string]any{"position": 95})
	t.TrackVideoComplete(video, map[string]any{"watchedSeconds": 180})

	t.TrackQuizStart(quiz, nil)
	correct := 0
	for q := range 3 {
		ok := (round+q)%2 == 0
		if ok {
			correct++
		}
		t.TrackQuizAnswer(quiz, fmt.Sprintf("q-%d", q+1), map[string]any{"correct": ok})
	}
	t.TrackQuizComplete(quiz, map[string]any{"score": correct, "total": 3})

	t.TrackContentView(fmt.Sprintf("%d-reading", round+1), map[string]any{"source": "lesson"})
}
