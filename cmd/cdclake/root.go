package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/hashicorp/hcl"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hupe1980/cdclake"
	"github.com/hupe1980/cdclake/blobstore/minio"
	"github.com/hupe1980/cdclake/blobstore/s3"
)

var (
	configFile       string
	noConfig         bool
	logLevel         string
	tableDir         string
	storage          string
	bucket           string
	prefix           string
	region           string
	endpoint         string
	pathStyle        bool
	insecure         bool
	commitTable      string
	metastoreCommits bool
	credentials      string
	blockCache       int64

	cfgVars   map[string]*pflag.Flag
	usedFlags map[string]struct{}
)

// newRootCmd builds the command tree. Registering the flags resets every
// setting to its default.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "cdclake",
		Short:             "Inspect and maintain cdclake tables",
		Long:              "cdclake reports on and maintains tables written by the cdclake storage engine.",
		SilenceUsage:      true,
		PersistentPreRunE: rootPreRun,
	}
	cfgVars = map[string]*pflag.Flag{}

	fs := cmd.PersistentFlags()
	fs.StringVar(&configFile, "config", "cdclake.hcl", "HCL `file` to load settings from")
	fs.BoolVar(&noConfig, "no-config", false, "don't load the config file")

	fs.StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn or error")
	fs.StringVarP(&tableDir, "dir", "d", ".", "table `directory`")
	fs.StringVar(&storage, "storage", "local", "storage root: local, s3 or minio")
	fs.StringVar(&bucket, "bucket", "", "object store `bucket`")
	fs.StringVar(&prefix, "prefix", "", "object `prefix` of the table inside the bucket")
	fs.StringVar(&region, "region", "", "object store `region`")
	fs.StringVar(&endpoint, "endpoint", "", "object store `endpoint`")
	fs.BoolVar(&pathStyle, "path-style", false, "use path-style S3 addressing")
	fs.BoolVar(&insecure, "insecure", false, "connect to MinIO without TLS")
	fs.StringVar(&commitTable, "commit-table", "", "DynamoDB `table` holding the commit pointer")
	fs.BoolVar(&metastoreCommits, "metastore-commits", false, "the commit pointer lives in the local metadata database")
	fs.StringVar(&credentials, "credentials", "env", "credential source: env, aws or none")
	fs.Int64Var(&blockCache, "block-cache", 0, "remote read cache size in `bytes`")

	fs.VisitAll(func(flg *pflag.Flag) {
		if flg.Name != "config" && flg.Name != "no-config" {
			cfgVars[flg.Name] = flg
		}
	})

	cmd.AddCommand(
		newStatusCmd(),
		newSnapshotsCmd(),
		newInspectCmd(),
		newVacuumCmd(),
		newVersionCmd(),
	)
	return cmd
}

func rootPreRun(cmd *cobra.Command, _ []string) error {
	usedFlags = map[string]struct{}{}
	cmd.Flags().Visit(func(flg *pflag.Flag) {
		usedFlags[flg.Name] = struct{}{}
	})

	if configFile != "" && !noConfig {
		if err := loadConfig(); err != nil {
			return fmt.Errorf("cdclake: %w", err)
		}
	}
	return nil
}

// loadConfig overlays settings from the HCL file. Flags given on the
// command line win. A missing default file is not an error.
func loadConfig() error {
	b, err := os.ReadFile(configFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if _, ok := usedFlags["config"]; !ok {
				return nil
			}
		}
		return err
	}

	var cfg map[string]any
	if err := hcl.Decode(&cfg, string(b)); err != nil {
		return fmt.Errorf("%s: %w", configFile, err)
	}
	for name, val := range cfg {
		flg, ok := cfgVars[name]
		if !ok {
			return fmt.Errorf("%s is not a config variable", name)
		}
		if _, ok := usedFlags[flg.Name]; ok {
			continue
		}
		if err := flg.Value.Set(fmt.Sprintf("%v", val)); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

func secretResolver() (cdclake.SecretResolver, error) {
	switch credentials {
	case "env":
		return cdclake.EnvSecretResolver{}, nil
	case "aws":
		return cdclake.AWSSecretResolver{Region: region}, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown credential source %q", credentials)
	}
}

// tableOptions translates the flags into open options.
func tableOptions() ([]cdclake.Option, error) {
	level, err := parseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	secrets, err := secretResolver()
	if err != nil {
		return nil, err
	}
	opts := []cdclake.Option{
		cdclake.WithLogger(cdclake.NewTextLogger(level)),
		cdclake.WithSecretResolver(secrets),
	}

	switch strings.ToLower(storage) {
	case "local", "":
	case "s3":
		if bucket == "" {
			return nil, errors.New("--bucket is required for s3 storage")
		}
		opts = append(opts, cdclake.WithS3(bucket, prefix, s3.Options{
			Region:       region,
			Endpoint:     endpoint,
			UsePathStyle: pathStyle,
			CommitTable:  commitTable,
		}))
	case "minio":
		if bucket == "" {
			return nil, errors.New("--bucket is required for minio storage")
		}
		opts = append(opts, cdclake.WithMinIO(bucket, prefix, minio.Options{
			Endpoint: endpoint,
			Region:   region,
			Secure:   !insecure,
		}))
	default:
		return nil, fmt.Errorf("unknown storage %q", storage)
	}
	if metastoreCommits {
		opts = append(opts, cdclake.WithMetastoreCommits())
	}
	if blockCache > 0 {
		opts = append(opts, cdclake.WithBlockCache(blockCache))
	}
	return opts, nil
}

// openTable opens the table with the schema of its newest snapshot.
func openTable(ctx context.Context, extra ...cdclake.Option) (*cdclake.Table, error) {
	opts, err := tableOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts, extra...)
	schema, err := cdclake.ReadSchema(ctx, tableDir, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tableDir, err)
	}
	return cdclake.Open(ctx, tableDir, schema, opts...)
}
