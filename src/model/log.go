package model

// LogConfig controls the process-wide zerolog setup
type LogConfig struct {
	Level      string `yaml:"level" split_words:"true"`
	Format     string `yaml:"format" split_words:"true"`      // json, console
	Output     string `yaml:"output" split_words:"true"`      // stdout, stderr, file
	TimeFormat string `yaml:"time_format" split_words:"true"` // rfc3339, unix, iso8601
	FilePath   string `yaml:"file_path" split_words:"true"`
}
