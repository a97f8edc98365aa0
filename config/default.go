package config

// DefaultValues is the default configuration, user files are merged on top.
const DefaultValues = `
DBPath = "oo-indexer.sqlite"
MetricsAddr = ":9090"

[Log]
Environment = "development"
Level = "info"
Outputs = ["stderr"]
`
