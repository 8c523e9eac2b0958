package version

// Version is the reviewd version, set at build time via ldflags.
var Version = "dev"
