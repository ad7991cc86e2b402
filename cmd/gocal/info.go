package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fxsml/gocal/config"
)

func newInfoCmd(a *app) *cobra.Command {
	var keys bool
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print the resolved configuration.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if keys {
				for _, k := range config.Keys(a.opts.Prefix) {
					fmt.Fprintln(out, k)
				}
				return nil
			}
			fmt.Fprintf(out, "# gocal on %s/%s\n", runtime.GOOS, runtime.GOARCH)
			data, err := yaml.Marshal(a.cfg)
			if err != nil {
				return err
			}
			_, err = out.Write(data)
			return err
		},
	}
	cmd.Flags().BoolVar(&keys, "keys", false, "list the environment variables read")
	return cmd
}
