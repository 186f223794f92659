package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xudaotutou/kv-server/services/kv/internal/api"
	"github.com/xudaotutou/kv-server/services/kv/internal/chain"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kvctl:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	format string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "kvctl",
		Short:         "Offline tools for kv chains",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if opts.format != "text" && opts.format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.format)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.format, "format", "text", "output format (json|text)")
	cmd.AddCommand(newVerifyCommand(opts))
	return cmd
}

type verifyResult struct {
	Valid   bool   `json:"valid"`
	Persona string `json:"persona,omitempty"`
	Links   int    `json:"links"`
	Head    string `json:"head,omitempty"`
	Error   string `json:"error,omitempty"`
}

var errInvalidChain = errors.New("chain is invalid")

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "verify --file chain.json",
		Short: "Verify a saved GET /v1/kv/chain response",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(file) == "" {
				return errors.New("--file is required")
			}
			b, err := readInput(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			res := verify(b)
			if err := render(cmd.OutOrStdout(), opts.format, res); err != nil {
				return err
			}
			if !res.Valid {
				return errInvalidChain
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to the chain json, - for stdin")
	return cmd
}

func readInput(stdin io.Reader, file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(file)
}

// verify accepts the full response object or a bare array of links.
func verify(b []byte) verifyResult {
	var resp api.ChainResponse
	trimmed := bytes.TrimSpace(b)
	var err error
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &resp.Links)
	} else {
		err = json.Unmarshal(trimmed, &resp)
	}
	if err != nil {
		return verifyResult{Error: "decode: " + err.Error()}
	}

	res := verifyResult{Persona: resp.Persona, Links: len(resp.Links)}
	if n := len(resp.Links); n > 0 {
		res.Head = resp.Links[n-1].ExternalID.String()
		if res.Persona == "" {
			res.Persona = resp.Links[0].Persona
		} else if resp.Links[0].Persona != res.Persona {
			res.Error = "links belong to " + resp.Links[0].Persona + ", not " + res.Persona
			return res
		}
	}
	if err := chain.VerifyChain(resp.Links); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Valid = true
	return res
}

func render(w io.Writer, format string, res verifyResult) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if res.Valid {
		_, err := fmt.Fprintf(w, "OK %d links persona=%s head=%s\n", res.Links, res.Persona, res.Head)
		return err
	}
	_, err := fmt.Fprintf(w, "INVALID %s\n", res.Error)
	return err
}
