package cli

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/atmx/predicta/internal/events"
)

// NewEventsCommand creates the events command, which reads the most recent
// PredictionPlaced events from the Redis stream the server appends to.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		redisURL string
		stream   string
		count    int64
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent prediction events from the Redis stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				return fmt.Errorf("--redis: %w", err)
			}
			rdb := redis.NewClient(opt)
			defer rdb.Close()

			evs, err := events.NewRedisStream(rdb, stream).Recent(cmd.Context(), count)
			if err != nil {
				return err
			}

			if rootOpts.Format == "json" {
				return newPrinter(rootOpts, cmd.OutOrStdout()).print(evs)
			}
			for _, ev := range evs {
				fmt.Fprintf(cmd.OutOrStdout(), "#%d %s %s %s %d lamports by %s\n",
					ev.Sequence, ev.ID, ev.Market, ev.Side, ev.Amount, ev.Predictor)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&redisURL, "redis", "redis://localhost:6379/0", "Redis URL")
	cmd.Flags().StringVar(&stream, "stream", events.DefaultStream, "stream name")
	cmd.Flags().Int64VarP(&count, "count", "n", 20, "number of events")
	return cmd
}
