package version

// Version is the full version string of the sgsh tool-set.
var Version = "1.0.0"
