package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/contextengine/internal/bus"
	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

var (
	tailNATSURL  string
	tailPrefix   string
	tailSources  []string
	tailPatterns bool
)

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().StringVar(&tailNATSURL, "nats", envOr("CONTEXTENGINE_BUS_URL", nats.DefaultURL), "NATS server URL")
	tailCmd.Flags().StringVar(&tailPrefix, "prefix", "contextengine", "subject prefix")
	tailCmd.Flags().StringSliceVarP(&tailSources, "sources", "s", nil, "only these sources")
	tailCmd.Flags().BoolVarP(&tailPatterns, "patterns", "p", false, "also show detected stuck patterns")
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow events live from the NATS bus",
	Long: `Follow events as they are stored, using the daemon's NATS fan-out
(bus.enabled must be true on the daemon).

Examples:
  ctxd tail
  ctxd tail --sources terminal --patterns`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, err := signal.ParseSources(tailSources)
		if err != nil {
			return err
		}
		cfg := bus.DefaultConfig()
		cfg.Enabled = true
		cfg.URL = tailNATSURL
		cfg.SubjectPrefix = tailPrefix
		b, err := bus.Connect(cfg, zap.NewNop())
		if err != nil {
			return err
		}
		defer b.Close()

		stop, err := follow(b, sources, tailPatterns, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer stop()

		<-cmd.Context().Done()
		return nil
	},
}

// follow subscribes and writes one line per message to w until stop is
// called.
func follow(b *bus.Bus, sources []signal.Source, patterns bool, w io.Writer) (stop func(), err error) {
	var mu sync.Mutex
	write := func(line string) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(w, line)
	}

	subs, err := b.SubscribeEvents(sources, func(e signal.Event) {
		write(eventLine(e))
	})
	if err != nil {
		return nil, err
	}
	if patterns {
		sub, err := b.SubscribePatterns(func(p signal.StuckPattern) {
			write(errStyle.Render("stuck") + " " + patternLine(p))
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := b.Flush(); err != nil {
		return nil, err
	}
	return func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}, nil
}
