package main

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/search-aggregator/internal/model"
)

// callerFlags identifies the caller for CLI-issued searches.
type callerFlags struct {
	userID   int64
	tenantID int64
	role     string
	ip       string
}

func (f *callerFlags) register(fs *pflag.FlagSet) {
	fs.Int64Var(&f.userID, "user-id", 0, "user ID to search as (required)")
	fs.Int64Var(&f.tenantID, "tenant-id", 0, "tenant ID of the user")
	fs.StringVar(&f.role, "role", "", "role of the user (admin roles search as the system principal)")
	fs.StringVar(&f.ip, "ip", "127.0.0.1", "source IP to meter against")
}

func (f *callerFlags) caller() (model.Caller, error) {
	if f.userID <= 0 {
		return model.Caller{}, eris.New("--user-id is required")
	}
	return model.Caller{UserID: f.userID, TenantID: f.tenantID, Role: f.role}, nil
}

var (
	searchCaller   callerFlags
	searchRequest  model.QueryRequest
	searchRadiusKm float64
	searchSource   string
	searchFormat   string
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Run a single business search",
	RunE: func(cmd *cobra.Command, args []string) error {
		caller, err := searchCaller.caller()
		if err != nil {
			return err
		}
		req := buildSearchRequest(cmd)

		env, err := initEnv(cmd.Context(), "search")
		if err != nil {
			return err
		}
		defer env.Close()

		resp, err := env.Aggregator.Search(cmd.Context(), caller, req, searchCaller.ip)
		if err != nil {
			return err
		}
		return writeOutput(cmd.OutOrStdout(), searchFormat, resp)
	},
}

func init() {
	f := searchCmd.Flags()
	f.StringVar(&searchRequest.Query, "query", "", "search text (required)")
	f.StringVar(&searchRequest.Location, "location", "", "location to search near")
	f.Float64Var(&searchRadiusKm, "radius", 0, "search radius in km (0.1-50)")
	f.StringVar(&searchRequest.Category, "category", "", "business category filter")
	f.StringVar(&searchSource, "source", "", "provider to query (google, yelp, osm)")
	f.IntVar(&searchRequest.Limit, "limit", 0, "max results (default 20)")
	f.StringVar(&searchFormat, "format", "json", "output format: json or yaml")
	searchCaller.register(f)
	_ = searchCmd.MarkFlagRequired("query")
	rootCmd.AddCommand(searchCmd)
}

// buildSearchRequest copies the flag values into a request, leaving
// unset optional fields empty so normalization applies its defaults.
func buildSearchRequest(cmd *cobra.Command) model.QueryRequest {
	req := searchRequest
	req.Sources = nil
	if cmd.Flags().Changed("radius") {
		r := searchRadiusKm
		req.RadiusKm = &r
	}
	if s := strings.TrimSpace(searchSource); s != "" {
		req.Sources = []string{s}
	}
	return req
}

// writeOutput encodes v as indented JSON or as YAML with the JSON field names.
func writeOutput(w io.Writer, format string, v any) error {
	switch strings.ToLower(format) {
	case "", "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "yml":
		raw, err := json.Marshal(v)
		if err != nil {
			return eris.Wrap(err, "encode output")
		}
		var doc any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return eris.Wrap(err, "convert output")
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return eris.Wrap(err, "encode output")
		}
		return enc.Close()
	default:
		return eris.Errorf("unsupported output format: %s", format)
	}
}
