package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buddymirror/internal/transport"
	"buddymirror/internal/wire"
)

var (
	configPath  string
	jsonOutput  bool
	adminAddr   string
	callTimeout time.Duration

	v = viper.New()

	rootCmd = &cobra.Command{
		Use:   "buddymirrord",
		Short: "Buddy mirroring for metadata targets",
		Long: `buddymirrord runs one metadata target of a buddy-mirrored pair and
offers administrative commands to inspect target states, buddy groups and
resync jobs of a running node.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&adminAddr, "addr", "127.0.0.1:9700", "address of the node to talk to")
	rootCmd.PersistentFlags().DurationVar(&callTimeout, "timeout", 10*time.Second, "timeout of administrative calls")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// call sends one administrative request to --addr and decodes the reply
// into out, which may be nil.
func call(kind wire.Kind, req, out any) error {
	env, err := wire.New(kind, req)
	if err != nil {
		return err
	}

	clients := transport.NewClientManager(zerolog.Nop())
	defer clients.Close()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	reply, err := clients.Call(ctx, adminAddr, env)
	if err != nil {
		return err
	}
	if err := reply.Err(); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return reply.Decode(out)
}

// outputJSON prints v as JSON if --json is set and reports whether it did.
func outputJSON(v any) (bool, error) {
	if !jsonOutput {
		return false, nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return true, enc.Encode(v)
}
