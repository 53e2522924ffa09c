package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haukened/rr-dnsq/internal/dns/dnssec/nsec3"
)

func newNSEC3Cmd(a *app) *cobra.Command {
	var (
		salt       string
		iterations uint16
		alg        uint8
	)

	cmd := &cobra.Command{
		Use:   "nsec3 NAME...",
		Short: "Print the NSEC3 hashed owner label of each name",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			algorithm, err := nsec3.ParseAlgorithm(alg)
			if err != nil {
				return err
			}
			saltBytes, err := parseSalt(salt)
			if err != nil {
				return err
			}

			hasher, err := nsec3.NewCachingHasher(nsec3.CacheOptions{
				Size:          a.cfg.NSEC3CacheSize,
				MaxIterations: uint16(a.cfg.NSEC3MaxIterations),
			})
			if err != nil {
				return err
			}

			for _, name := range args {
				digest, err := hasher.Hash(algorithm, saltBytes, name, iterations)
				if err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, nsec3.Label(digest))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&salt, "salt", "-", "salt in hex, or - for none")
	cmd.Flags().Uint16Var(&iterations, "iterations", 0, "additional hash iterations")
	cmd.Flags().Uint8Var(&alg, "alg", uint8(nsec3.SHA1), "hash algorithm number")
	return cmd
}

// parseSalt decodes the presentation form of an NSEC3 salt.
func parseSalt(s string) ([]byte, error) {
	if s == "" || s == "-" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid salt %q: %w", s, err)
	}
	return b, nil
}
