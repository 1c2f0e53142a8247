package commands

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fabriziosalmi/proximity-sub006/pkg/catalog"
	"github.com/fabriziosalmi/proximity-sub006/pkg/config"
)

func newTemplatesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "Validate and list the template catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			cat, err := catalog.New(cfg.TemplateDir, zerolog.Nop())
			if err != nil {
				return err
			}

			templates := cat.List()
			sort.Slice(templates, func(i, j int) bool { return templates[i].ID < templates[j].ID })

			for _, t := range templates {
				fmt.Printf("%-24s %dc/%dMB/%dGB  %s\n",
					t.ID, t.Resources.Cores, t.Resources.MemoryMB, t.Resources.DiskGB, t.Name)
			}
			fmt.Printf("%d templates\n", len(templates))
			return nil
		},
	}
}
