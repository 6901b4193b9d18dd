package main

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// DevFlags override configuration values for a single session. Only flags
// that were set on the command line take effect.
type DevFlags struct {
	Listen        string
	Watch         bool
	Metrics       bool
	MetricsListen string
	LogLevel      string
}

// flagKeys maps dev flags to the configuration keys they override.
var flagKeys = map[string]string{
	"listen":         "proxy.listen",
	"watch":          "watch.enabled",
	"metrics":        "metrics.enabled",
	"metrics-listen": "metrics.listen",
	"log-level":      "log.level",
}
