package commands

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/vmspace/internal/checker"
	"github.com/Sumatoshi-tech/vmspace/pkg/observability"
	"github.com/Sumatoshi-tech/vmspace/pkg/vmspace"
)

type checkOptions struct {
	ops      int
	seed     int64
	seeds    int
	policy   string
	parallel int
}

// NewCheckCommand creates the check subcommand.
func NewCheckCommand(flags *GlobalFlags) *cobra.Command {
	opts := &checkOptions{}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Compare the tree and the allocator with reference models",
		Long: `Run long random operation sequences against the ordered tree and the
address allocator, comparing every result with a simple reference model.
Exits non-zero when any seed diverges.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheck(cmd, flags, opts)
		},
	}

	cmd.Flags().IntVar(&opts.ops, "ops", checker.DefaultOps, "operations per seed and target")
	cmd.Flags().Int64Var(&opts.seed, "seed", 1, "first seed")
	cmd.Flags().IntVar(&opts.seeds, "seeds", 1, "number of consecutive seeds")
	cmd.Flags().StringVar(&opts.policy, "policy", "", "placement policy (default from config)")
	cmd.Flags().IntVar(&opts.parallel, "parallel", runtime.GOMAXPROCS(0), "seeds checked at once")

	return cmd
}

func runCheck(cmd *cobra.Command, flags *GlobalFlags, opts *checkOptions) error {
	ctx := cmd.Context()

	sess, err := openSession(ctx, flags, observability.ModeCheck, false)
	if err != nil {
		return err
	}

	defer sess.close(ctx)

	policyName := opts.policy
	if policyName == "" {
		policyName = sess.cfg.Window.Policy
	}

	policy, err := vmspace.ParsePolicy(policyName)
	if err != nil {
		return err
	}

	seeds := make([]int64, 0, max(opts.seeds, 1))
	for idx := range max(opts.seeds, 1) {
		seeds = append(seeds, opts.seed+int64(idx))
	}

	results, err := checker.Run(ctx, checker.Config{
		Seeds:       seeds,
		Ops:         opts.ops,
		Policy:      policy,
		Parallelism: opts.parallel,
		Logger:      sess.logger(),
	})
	if err != nil && !errors.Is(err, checker.ErrMismatch) {
		return err
	}

	renderCheck(cmd.OutOrStdout(), results)

	if err != nil {
		return fmt.Errorf("%s policy: %w", policy, err)
	}

	return nil
}
