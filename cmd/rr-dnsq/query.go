package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/spf13/cobra"

	"github.com/haukened/rr-dnsq/internal/dns/common/utils"
	"github.com/haukened/rr-dnsq/internal/dns/config"
	"github.com/haukened/rr-dnsq/internal/dns/gateways/upstream"
)

func newQueryCmd(a *app) *cobra.Command {
	var (
		timeout  time.Duration
		parallel bool
	)

	cmd := &cobra.Command{
		Use:   "query NAME [TYPE]",
		Short: "Send one query over UDP and print the reply",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			qtype := "A"
			if len(args) == 2 {
				qtype = args[1]
			}
			if timeout > 0 {
				a.cfg.QueryTimeout = timeout
			}

			reply, err := query(cmd.Context(), a.cfg, parallel, args[0], qtype)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply.String())
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-server reply timeout (default from DNSQ_QUERY_TIMEOUT)")
	cmd.Flags().BoolVar(&parallel, "parallel", false, "query every server at once and keep the first reply")
	return cmd
}

// newQuestion builds a recursive query for name and the textual record type.
func newQuestion(name, qtype string) (*dns.Msg, error) {
	fqdn, err := utils.CanonicalDNSName(name)
	if err != nil {
		return nil, err
	}
	t, ok := dns.StringToType[strings.ToUpper(qtype)]
	if !ok {
		return nil, fmt.Errorf("unknown record type %q", qtype)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, t)
	msg.RecursionDesired = true
	return msg, nil
}

// query resolves name through the configured upstream servers.
func query(ctx context.Context, cfg *config.AppConfig, parallel bool, name, qtype string) (*dns.Msg, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	msg, err := newQuestion(name, qtype)
	if err != nil {
		return nil, err
	}

	r, err := upstream.NewResolver(upstream.Options{
		Servers:   cfg.Servers,
		Timeout:   cfg.QueryTimeout,
		Parallel:  parallel,
		Transport: transportOptions(cfg),
	})
	if err != nil {
		return nil, err
	}
	return r.Resolve(ctx, msg)
}
