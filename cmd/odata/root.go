package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ambiyansyah-risyal/odata"
)

// cli carries the settings shared by every command. Flags win over ODATA_*
// environment variables.
type cli struct {
	v      *viper.Viper
	out    io.Writer
	errOut io.Writer
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	app := &cli{v: viper.New(), out: out, errOut: errOut}
	app.v.SetEnvPrefix("ODATA")
	app.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	app.v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:           "odata",
		Short:         "Query and modify OData v4 services",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	flags := rootCmd.PersistentFlags()
	flags.String("base-url", "", "service root, e.g. https://host/odata (env ODATA_BASE_URL)")
	flags.String("origin", "", "scheme and host used when base-url is a path (env ODATA_ORIGIN)")
	flags.String("headers", "", "extra headers as Key=Value;Key=Value (env ODATA_HEADERS)")
	flags.Duration("timeout", odata.DefaultTimeout, "HTTP timeout (env ODATA_TIMEOUT)")
	flags.Int("retries", 0, "retry attempts for idempotent requests (env ODATA_RETRIES)")
	flags.Bool("debug", false, "log requests to stderr (env ODATA_DEBUG)")
	flags.String("log-format", "text", "debug log format: text or json (env ODATA_LOG_FORMAT)")
	_ = app.v.BindPFlags(flags)

	rootCmd.AddCommand(
		app.getCmd(),
		app.createCmd(),
		app.updateCmd(),
		app.deleteCmd(),
		app.refCmd(),
		versionCmd(),
	)
	return rootCmd
}

// client builds an odata.Client from flags and environment.
func (a *cli) client() (*odata.Client, error) {
	header, err := odata.ParseHeaders(a.v.GetString("headers"))
	if err != nil {
		return nil, err
	}
	cfg := odata.Config{
		BaseURL: a.v.GetString("base-url"),
		Origin:  a.v.GetString("origin"),
		Header:  header,
		Timeout: a.v.GetDuration("timeout"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w (set --base-url or ODATA_BASE_URL)", err)
	}

	options := []odata.Option{
		odata.WithConfig(cfg),
		odata.WithMaxRetries(a.v.GetInt("retries")),
	}
	if a.v.GetBool("debug") {
		options = append(options,
			odata.WithLogger(odata.NewSlogLogger(a.errOut, a.v.GetString("log-format"), "debug")),
			odata.WithDebug(),
		)
	}

	client := odata.New(options...)
	if !client.IsValid() {
		return nil, client.ValidationError()
	}
	return client, nil
}

// printResponse writes the body as indented JSON, or the status line when
// the service returned no content.
func (a *cli) printResponse(resp *odata.Response[json.RawMessage]) error {
	if resp.IsEmpty() {
		_, err := fmt.Fprintf(a.out, "%d No Content\n", resp.StatusCode)
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, resp.Body, "", "  "); err != nil {
		_, err = a.out.Write(resp.Body)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(a.out)
	return err
}

func parseParams(pairs []string) (map[string]string, error) {
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("malformed parameter %q, want key=value", pair)
		}
		params[key] = value
	}
	return params, nil
}

func versionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := odata.ReadBuildInfo()
			if !asJSON {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), info.String())
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print build metadata as JSON")
	return cmd
}
