package main

import (
	"fmt"

	"github.com/pkg/errors"
	cli "github.com/urfave/cli/v2"

	"github.com/Microsoft/confcom/internal/log"
)

const imageFlag = "image"

var rootHashCommand = &cli.Command{
	Name:  "roothash",
	Usage: "compute the root hash of each layer of an image",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:     imageFlag,
			Aliases:  []string{"i"},
			Usage:    "Required: container image reference",
			Required: true,
		},
	}, imageSourceFlags()...),
	Action: func(c *cli.Context) error {
		image := c.String(imageFlag)
		fetcher, err := newFetcher(c)
		if err != nil {
			return err
		}

		cfg, err := fetcher.Inspect(c.Context, image)
		if err != nil {
			return err
		}
		log.G(c.Context).WithField("platform", cfg.OS+"/"+cfg.Architecture).Debug("inspected image")

		hashes, err := fetcher.LayerHashes(c.Context, image)
		if err != nil {
			return errors.Wrap(err, "failed to compute root hash")
		}
		for layerNumber, hash := range hashes {
			fmt.Fprintf(c.App.Writer, "Layer %d\nroot hash: %s\n", layerNumber, hash)
		}
		return nil
	},
}
