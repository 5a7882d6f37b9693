package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/airbusgeo/geocube-featuremap/chunk"
	"github.com/airbusgeo/geocube-featuremap/common"
	"github.com/airbusgeo/geocube-featuremap/service"
	"github.com/airbusgeo/geocube-featuremap/workflow"
	"github.com/spf13/cobra"
)

var planLayout string
var planTiles []string
var planCount int
var planSize string
var planCSV bool

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "print the chunks of the tiles (geojson footprints or csv)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		policy, err := parsePolicy(planCount, planSize)
		if err != nil {
			return err
		}
		var footprints []service.Footprint
		for _, name := range planTiles {
			tile, err := workflow.LayoutTile(ctx, planLayout, name)
			if err != nil {
				return err
			}
			chunks, err := chunk.PlanTile(tile, policy)
			if err != nil {
				return err
			}
			if planCSV {
				printChunks(chunks)
				continue
			}
			footprints = append(footprints, workflow.Footprints(tile, chunks)...)
		}
		if planCSV {
			return nil
		}
		return json.NewEncoder(os.Stdout).Encode(service.FeatureCollection(footprints))
	},
}

func printChunks(chunks []common.Chunk) {
	for _, c := range chunks {
		fmt.Printf("%s,%d,%d,%d,%d,%d\n", c.Tile, c.Index, c.X, c.Y, c.Width, c.Height)
	}
}

func init() {
	planCmd.Flags().StringVar(&planLayout, "layout", "", "tile layout (json file)")
	planCmd.Flags().StringArrayVar(&planTiles, "tile", nil, "tile to plan (repeatable)")
	planCmd.Flags().IntVar(&planCount, "count", 0, "number of chunks per tile (by-count)")
	planCmd.Flags().StringVar(&planSize, "size", "", "size of the chunks WIDTHxHEIGHT (by-size)")
	planCmd.Flags().BoolVar(&planCSV, "csv", false, "print tile,index,x,y,width,height lines instead of geojson")
	planCmd.MarkFlagRequired("layout")
	planCmd.MarkFlagRequired("tile")
}
