package main

import (
	"fmt"
	"strings"

	"github.com/airbusgeo/geocube-featuremap/graph"
	"github.com/spf13/cobra"
)

var graphCmd = &cobra.Command{
	Use:   "graph [name|file]...",
	Short: "describe the post-processing graphs (all the built-in graphs if none is given)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			args = graph.Builtins()
		}
		for _, name := range args {
			g, config, err := graph.LoadGraph(cmd.Context(), name)
			if err != nil {
				return err
			}
			fmt.Printf("%s\n%s", name, g.Summary())
			if len(config) > 0 {
				var kvs []string
				for k, v := range config {
					kvs = append(kvs, k+"="+v)
				}
				fmt.Printf("- config: %s\n", strings.Join(kvs, " "))
			}
		}
		return nil
	},
}
