package config

// Config holds app configuration
type Config struct {
	OriginFile string `mapstructure:"origin"`
	OutputFile string `mapstructure:"output"`

	// MetadataPrint prints the origin metadata instead of recreating it
	MetadataPrint bool `mapstructure:"metadata_print"`
	// MetadataSet replaces or adds metadata, "{key:value}{key2:value2}".
	// Values of Illustration_ keys present in the origin are paths of PNG files.
	MetadataSet string `mapstructure:"metadata_set"`

	// WithoutFTIndex disables the full-text index of the new archive
	WithoutFTIndex bool `mapstructure:"without_ft_index"`
	// Language of the full-text index (ISO 639-3)
	Language string `mapstructure:"language"`
	// Threads is the number of workers compressing clusters
	Threads int `mapstructure:"threads"`

	Quiet        bool   `mapstructure:"quiet"`
	LogLevel     string `mapstructure:"log_level"`
	LogOutputDir string `mapstructure:"log_output_dir"`
}
