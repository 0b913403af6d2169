package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/openfroyo/broker/pkg/flavor"
)

func newCatalogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect flavor catalog files",
	}
	cmd.AddCommand(newCatalogMatchCommand())
	return cmd
}

func newCatalogMatchCommand() *cobra.Command {
	var (
		cloud    string
		vcpu     int
		memoryMB int
		diskGB   int
		tags     map[string]string
		all      bool
	)

	cmd := &cobra.Command{
		Use:   "match <catalog-file>",
		Short: "Match compute requirements against a catalog file",
		Long: `Match compute requirements against one cloud's section of a flavor
catalog file, the way the broker selects a flavor for a compute order.`,
		Example: `  # Smallest sim flavor with 2 vCPUs and 4 GiB of memory
  froyo-broker catalog match flavors.yaml --cloud sim --vcpu 2 --memory 4096

  # Every candidate with local SSD storage
  froyo-broker catalog match flavors.yaml --cloud sim --require storage=ssd --all`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := flavor.LoadFile(args[0])
			if err != nil {
				return err
			}
			flavors, ok := file.Clouds[cloud]
			if !ok {
				clouds := make([]string, 0, len(file.Clouds))
				for name := range file.Clouds {
					clouds = append(clouds, name)
				}
				sort.Strings(clouds)
				return fmt.Errorf("cloud %q not in catalog (has %v)", cloud, clouds)
			}

			catalog := flavor.NewCatalog(flavors)
			req := &flavor.Requirements{VCPU: vcpu, MemoryMB: memoryMB, DiskGB: diskGB, Tags: tags}
			out := cmd.OutOrStdout()

			if all {
				candidates := catalog.Candidates(req)
				if jsonOutput {
					return writeJSON(out, candidates)
				}
				for _, f := range candidates {
					fmt.Fprintf(out, "%-24s vcpu=%d memory=%dMB disk=%dGB\n", f.ID, f.VCPU, f.MemoryMB, f.DiskGB)
				}
				return nil
			}

			f, err := catalog.Match(req)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(out, f)
			}
			fmt.Fprintf(out, "%s (%s) matches %s\n", f.ID, f.Name, req)
			return nil
		},
	}

	cmd.Flags().StringVar(&cloud, "cloud", "", "catalog section to match against")
	cmd.Flags().IntVar(&vcpu, "vcpu", 0, "minimum vCPUs")
	cmd.Flags().IntVar(&memoryMB, "memory", 0, "minimum memory in MB")
	cmd.Flags().IntVar(&diskGB, "disk", 0, "minimum root disk in GB")
	cmd.Flags().StringToStringVar(&tags, "require", nil, "required flavor tags as key=value")
	_ = cmd.MarkFlagRequired("cloud")

	return cmd
}
