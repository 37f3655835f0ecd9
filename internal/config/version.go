package config

// Version is the streamgate binary version.
// Set at build time via: -ldflags "-X github.com/streamgate/streamgate/internal/config.Version=<tag>"
// Defaults to "dev" when built without ldflags.
var Version = "dev"
