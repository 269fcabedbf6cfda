package main

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/search-aggregator/internal/model"
)

var (
	quotaUserID  int64
	quotaIP      string
	quotaService string
	quotaFormat  string
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect and reset daily search quotas",
}

var quotaStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the quota status for a user or IP",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := quotaKeyFromFlags()
		if err != nil {
			return err
		}

		env, err := initEnv(cmd.Context(), "quota")
		if err != nil {
			return err
		}
		defer env.Close()

		st, err := env.Limiter.Status(cmd.Context(), key)
		if err != nil {
			return err
		}
		return writeOutput(cmd.OutOrStdout(), quotaFormat, st)
	},
}

var quotaResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Zero today's usage for a user or IP and clear any block",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := quotaKeyFromFlags()
		if err != nil {
			return err
		}

		env, err := initEnv(cmd.Context(), "quota")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Limiter.ResetKey(cmd.Context(), key); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reset %s %s (%s)\n", key.Kind, key.Identity, key.Service)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{quotaStatusCmd, quotaResetCmd} {
		c.Flags().Int64Var(&quotaUserID, "user-id", 0, "user ID to inspect")
		c.Flags().StringVar(&quotaIP, "ip", "", "source IP to inspect")
		c.Flags().StringVar(&quotaService, "service", model.ServiceBusinessSearch, "metered service name")
		c.MarkFlagsMutuallyExclusive("user-id", "ip")
	}
	quotaStatusCmd.Flags().StringVar(&quotaFormat, "format", "json", "output format: json or yaml")

	quotaCmd.AddCommand(quotaStatusCmd, quotaResetCmd)
	rootCmd.AddCommand(quotaCmd)
}

// quotaKeyFromFlags builds the counter key from exactly one of --user-id or --ip.
func quotaKeyFromFlags() (model.QuotaKey, error) {
	service := strings.TrimSpace(quotaService)
	if service == "" {
		service = model.ServiceBusinessSearch
	}
	ip := strings.TrimSpace(quotaIP)
	switch {
	case quotaUserID > 0 && ip != "":
		return model.QuotaKey{}, eris.New("specify only one of --user-id or --ip")
	case quotaUserID > 0:
		return model.PrincipalKey(quotaUserID, service), nil
	case ip != "":
		return model.IPKey(ip, service), nil
	default:
		return model.QuotaKey{}, eris.New("one of --user-id or --ip is required")
	}
}
