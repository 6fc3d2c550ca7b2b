package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dmritools/pkg/connectivity"
)

func newFilterConnectivityCmd(a *app) *cobra.Command {
	var (
		lowerThan   []string
		greaterThan []string
		opts        connectivity.FilterOptions
		overwrite   bool
	)

	cmd := &cobra.Command{
		Use:   "filter-connectivity out_matrix",
		Short: "Build a mask from conditions on connectivity matrices",
		Long: `Builds a binary mask from conditions on a population of connectivity
matrices. Each condition is given as MATRIX[,MATRIX...],VALUE,POPULATION and
holds in a cell when at least POPULATION matrices (a fraction when below 1)
are lower (--lower_than) or greater (--greater_than) than VALUE there.

The output is 1 where every condition holds, or the number of satisfied
conditions with --keep_condition_count. Matrices are .npy or text files.

Example:
  dmritools filter-connectivity mask.npy \
      --greater_than sc.npy,5,1 --greater_than len.npy,0,1 --keep_condition_count`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := args[0]
			if !overwrite {
				if _, err := os.Stat(out); err == nil {
					return fmt.Errorf("%s already exists, use -f to overwrite", out)
				}
			}

			var conditions []connectivity.Condition
			for _, group := range []struct {
				cmp  connectivity.Comparison
				args []string
			}{{connectivity.LowerThan, lowerThan}, {connectivity.GreaterThan, greaterThan}} {
				for _, arg := range group.args {
					spec, err := connectivity.ParseConditionSpec(group.cmp, arg)
					if err != nil {
						return err
					}
					cond, err := spec.Load()
					if err != nil {
						return err
					}
					conditions = append(conditions, cond)
				}
			}

			mask, err := connectivity.Filter(conditions, opts, a.logger)
			if err != nil {
				return err
			}
			if err := connectivity.SaveMatrix(out, mask); err != nil {
				return err
			}
			a.logger.Info("Saved connectivity mask", zap.String("path", out))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringArrayVar(&lowerThan, "lower_than", nil, "Condition MATRIX[,MATRIX...],VALUE,POPULATION on values lower than VALUE")
	f.StringArrayVar(&greaterThan, "greater_than", nil, "Condition MATRIX[,MATRIX...],VALUE,POPULATION on values greater than VALUE")
	f.BoolVar(&opts.KeepConditionCount, "keep_condition_count", false, "Output the number of satisfied conditions instead of a binary mask")
	f.BoolVar(&opts.InverseMask, "inverse_mask", false, "Invert the output")
	f.BoolVarP(&overwrite, "force", "f", false, "Force overwriting of the output file")
	return cmd
}
