package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ossyrian/zimrecreate/internal/config"
	"github.com/ossyrian/zimrecreate/internal/logging"
	"github.com/ossyrian/zimrecreate/internal/recreate"
)

// Exit codes
const (
	exitOK       = 0
	exitUsage    = -1
	exitCreation = -2
)

var version = "dev"

// usageError is an error caused by invalid arguments, reported with the usage
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// aliases are the single dash multi-letter flags, rewritten to their long form
var aliases = map[string]string{
	"-mp": "--metadataprint",
	"-ms": "--metadataset",
	"-H":  "--help",
}

func normalizeArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if long, ok := aliases[a]; ok {
			a = long
		}
		out = append(out, a)
	}
	return out
}

// newRootCmd builds the base command, writing regular output to stdout
// and logs to stderr
func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "zimrecreate ORIGIN_FILE OUTPUT_FILE",
		Short: "Recreate a ZIM file from an existing ZIM",
		Long: `zimrecreate recreates a ZIM file from an existing ZIM.

Archives using the legacy namespace scheme are converted: namespaces are
dropped from the paths and the links of html and css content are patched.

Return value:
  0 if no error
  -1 if arguments are not valid
  -2 if zim creation fails`,
		Version:       versionInfo(),
		Args:          checkArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initConfig(v, cfgFile, stderr); err != nil {
				return usageError{err}
			}
			return run(v, args, stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")

	// metadata
	cmd.Flags().Bool("metadataprint", false, "print metadata (-mp)")
	cmd.Flags().String("metadataset", "", "use metadata instead, {key:value}{key2:value2} (-ms)")

	// creator settings
	cmd.Flags().BoolP("withoutFTIndex", "j", false, "don't create and add a fulltext index of the content to the ZIM")
	cmd.Flags().IntP("threads", "J", 4, "count of threads to utilize")
	cmd.Flags().String("language", "eng", "language of the fulltext index (ISO 639-3)")

	// other opts
	cmd.Flags().BoolP("quiet", "q", false, "only log creation progress at debug level")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error, fatal)")
	cmd.Flags().String("log-output-dir", "", "directory to write log files (if set, logs are written to both stderr and file)")

	v.BindPFlag("metadata_print", cmd.Flags().Lookup("metadataprint"))
	v.BindPFlag("metadata_set", cmd.Flags().Lookup("metadataset"))
	v.BindPFlag("without_ft_index", cmd.Flags().Lookup("withoutFTIndex"))
	v.BindPFlag("threads", cmd.Flags().Lookup("threads"))
	v.BindPFlag("language", cmd.Flags().Lookup("language"))
	v.BindPFlag("quiet", cmd.Flags().Lookup("quiet"))
	v.BindPFlag("log_level", cmd.Flags().Lookup("log-level"))
	v.BindPFlag("log_output_dir", cmd.Flags().Lookup("log-output-dir"))

	return cmd
}

// checkArgs requires ORIGIN_FILE and OUTPUT_FILE, or only ORIGIN_FILE
// when printing metadata
func checkArgs(cmd *cobra.Command, args []string) error {
	want := 2
	if printOnly, _ := cmd.Flags().GetBool("metadataprint"); printOnly {
		want = 1
	}
	if len(args) < want {
		return usageError{errors.New("not enough arguments provided")}
	}
	if len(args) > 2 {
		return usageError{fmt.Errorf("too many arguments provided: %q", args[2:])}
	}
	return nil
}

// initConfig reads in config file and environment variables if set.
// A missing default config file is not an error, an unreadable one is.
func initConfig(v *viper.Viper, cfgFile string, stderr io.Writer) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "zimrecreate"))
		}
		v.AddConfigPath("/etc/zimrecreate")
		v.SetConfigName("config")
		v.SetConfigType("toml")
	}

	v.SetEnvPrefix("ZIMRECREATE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	fmt.Fprintf(stderr, "Using config file: %s\n", v.ConfigFileUsed())
	return nil
}

// run validates the configuration, then either prints the origin
// metadata or recreates the origin archive
func run(v *viper.Viper, args []string, stdout, stderr io.Writer) error {
	cfg := &config.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return usageError{fmt.Errorf("invalid config: %w", err)}
	}
	cfg.OriginFile = args[0]
	if len(args) > 1 {
		cfg.OutputFile = args[1]
	}

	if cfg.Threads < 1 {
		return usageError{fmt.Errorf("the number of workers should be a positive number, got %d", cfg.Threads)}
	}
	overrides, err := recreate.ParseMetadataSpec(cfg.MetadataSet)
	if err != nil {
		return usageError{err}
	}

	archive := cfg.OutputFile
	if cfg.MetadataPrint {
		archive = cfg.OriginFile
	}
	if err := logging.Setup(stderr, cfg.LogLevel, cfg.LogOutputDir, archive); err != nil {
		return fmt.Errorf("could not set up logging: %w", err)
	}

	if cfg.MetadataPrint {
		return recreate.PrintArchiveMetadata(stdout, cfg.OriginFile)
	}

	return recreate.Run(recreate.Options{
		OriginFile:        cfg.OriginFile,
		OutputFile:        cfg.OutputFile,
		WithFullTextIndex: !cfg.WithoutFTIndex,
		Language:          cfg.Language,
		Threads:           cfg.Threads,
		Verbose:           !cfg.Quiet,
		Overrides:         overrides,
	}, slog.Default())
}

// versionInfo lists the tool version and the archive codecs it is built with
func versionInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "zimrecreate %s", version)

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b.String()
	}
	fmt.Fprintf(&b, "\n+ %s", info.GoVersion)
	for _, dep := range info.Deps {
		switch dep.Path {
		case "github.com/klauspost/compress", "github.com/ulikunitz/xz":
			fmt.Fprintf(&b, "\n+ %s %s", dep.Path, dep.Version)
		}
	}
	return b.String()
}

// execute runs the command line and maps the outcome to an exit code
func execute(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(normalizeArgs(args))

	err := cmd.Execute()
	if err == nil {
		return exitOK
	}

	var uerr usageError
	if errors.As(err, &uerr) {
		fmt.Fprintf(stderr, "\n[ERROR] %v\n\n", err)
		cmd.Usage()
		return exitUsage
	}

	fmt.Fprintln(stderr, err)
	return exitCreation
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}
