// Command neoclient dials every node listed in a nodes file and issues a
// single request against them, printing the aggregated outcome — a thin
// operator tool for exercising a node's request map from the shell.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/neoframe/neomux/config"
	"github.com/neoframe/neomux/notify"
	"github.com/neoframe/neomux/reqset"
	"github.com/neoframe/neomux/roc"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	var code, version uint8
	var body string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "neoclient",
		Short: "Dial the nodes in a config's nodes file and issue one request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(cfgFile, code, version, []byte(body), timeout)
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "path to the client config file")
	cmd.Flags().Uint8Var(&code, "code", 0, "command code to dispatch")
	cmd.Flags().Uint8Var(&version, "version", 1, "command version to dispatch")
	cmd.Flags().StringVar(&body, "body", "", "request body, sent verbatim")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for a terminal notification")
	cmd.MarkFlagRequired("config")
	return cmd
}

func runDispatch(cfgFile string, code, version uint8, body []byte, timeout time.Duration) error {
	settings, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	nodes, err := config.LoadNodes(settings.NodesFile)
	if err != nil {
		return err
	}

	key, err := hex.DecodeString(settings.ClientKeyHex)
	if err != nil {
		return fmt.Errorf("neoclient: decoding client_key_hex: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar()

	results := make(chan notify.Notification, len(nodes)+1)
	notifier := notify.NotifierFunc(func(n notify.Notification) { results <- n })

	set := reqset.New(reqset.Config{
		ProtocolVersion: settings.ProtocolVersion,
		ClientName:      settings.ClientName,
		ClientKey:       key,
		AutoConnect:     settings.AutoConnect,
		Notifier:        notifier,
		Log:             log,
	})
	defer set.Close()

	for _, n := range nodes {
		if err := set.AddNode(n.String()); err != nil {
			log.Warnw("neoclient: dial failed", "addr", n.String(), "error", err)
		}
	}

	newHandler := func(addr string) roc.HandlerFunc {
		return func(ctx context.Context, root *roc.Fiber) error {
			if err := root.Send(append([]byte{code, version}, body...)); err != nil {
				return err
			}
			respBody, err := root.Receive()
			if err != nil {
				return err
			}
			results <- notify.Notification{Kind: notify.KindRecord, RemoteAddr: addr, Record: respBody}
			return nil
		}
	}

	if _, err := set.Dispatch(reqset.AllNodes, nil, notifier, newHandler); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		select {
		case n := <-results:
			fmt.Printf("%s: %s\n", n.RemoteAddr, n.Kind)
			if n.Kind == notify.KindSucceeded || n.Kind == notify.KindFailed || n.Kind == notify.KindPartialSuccess {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("neoclient: timed out waiting for response")
		}
	}
}
