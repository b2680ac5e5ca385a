package util

// Version is overridden at build time with -ldflags "-X ...util.Version=".
var Version = "0.4.0"
